// Package graphql is a minimal GraphQL-over-HTTP client used by the
// GRAPHQL_FETCH action. Requests are POSTed as JSON and the "data" member of
// the response is returned verbatim.
package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "OpenGoal-Chain/internal/errors"
)

const maxResponseBytes = 4 << 20

// Request 描述一次 GraphQL 查询。Endpoint 为空时使用客户端默认端点。
type Request struct {
	Endpoint      string            `json:"endpoint,omitempty"`
	Query         string            `json:"query"`
	Variables     map[string]any    `json:"variables,omitempty"`
	OperationName string            `json:"operationName,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// ResponseError 是 GraphQL 响应中的一条错误。
type ResponseError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

type body struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []ResponseError `json:"errors"`
}

// Client 执行 GraphQL 请求。
type Client struct {
	endpoint   string
	headers    map[string]string
	httpClient *http.Client
}

// Option 定义 Client 的可选配置。
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithHeaders 设置每次请求附带的请求头。
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		for k, v := range headers {
			c.headers[k] = v
		}
	}
}

// NewClient 创建客户端。endpoint 可以为空，此时每个请求都必须自带端点。
func NewClient(endpoint string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		endpoint:   strings.TrimSpace(endpoint),
		headers:    map[string]string{},
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Fetch 执行查询并返回 data 字段。响应包含 errors 时返回错误。
func (c *Client) Fetch(ctx context.Context, req Request) (json.RawMessage, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "GraphQL 查询不能为空")
	}
	endpoint := strings.TrimSpace(req.Endpoint)
	if endpoint == "" {
		endpoint = c.endpoint
	}
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定 GraphQL 端点")
	}

	payload, err := json.Marshal(body{Query: req.Query, Variables: req.Variables, OperationName: req.OperationName})
	if err != nil {
		return nil, fmt.Errorf("序列化 GraphQL 请求失败: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "创建 GraphQL 请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "调用 GraphQL 端点失败")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "读取 GraphQL 响应失败")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(resp.StatusCode, raw)
	}

	var decoded response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析 GraphQL 响应失败")
	}
	if len(decoded.Errors) > 0 {
		messages := make([]string, 0, len(decoded.Errors))
		for _, e := range decoded.Errors {
			messages = append(messages, e.Message)
		}
		return nil, xerrors.Newf(xerrors.CodeExecutorFailure, "GraphQL 返回错误: %s", strings.Join(messages, "; "))
	}
	return decoded.Data, nil
}

func statusError(status int, raw []byte) error {
	message := fmt.Sprintf("GraphQL 端点返回状态 %d: %s", status, strings.TrimSpace(string(raw)))
	switch {
	case status == http.StatusTooManyRequests:
		return xerrors.New(xerrors.CodeRateLimited, message)
	case status >= http.StatusInternalServerError:
		return xerrors.New(xerrors.CodeUpstreamFailure, message)
	default:
		return xerrors.New(xerrors.CodeExecutorFailure, message)
	}
}

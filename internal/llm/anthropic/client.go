// Package anthropic adapts the Anthropic Messages API to llm.Analyzer.
package anthropic

import (
	"context"
	"errors"
	"strings"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/llm"

	sdk "github.com/liushuangls/go-anthropic/v2"
)

const (
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 4096
)

// Config 描述 Anthropic 调用参数。
type Config struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	BaseURL   string `json:"base_url" yaml:"base_url"`
	Model     string `json:"model" yaml:"model"`
	MaxTokens int    `json:"max_tokens" yaml:"max_tokens"`
}

// messageCreator 是 SDK 客户端中本包依赖的部分。
type messageCreator interface {
	CreateMessages(ctx context.Context, req sdk.MessagesRequest) (sdk.MessagesResponse, error)
}

// Client 通过 Anthropic SDK 实现 llm.Analyzer。
type Client struct {
	api       messageCreator
	model     string
	maxTokens int
}

// NewClient 创建 Anthropic 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Anthropic API Key")
	}
	var opts []sdk.ClientOption
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, sdk.WithBaseURL(base))
	}
	return newClient(sdk.NewClient(apiKey, opts...), cfg), nil
}

func newClient(api messageCreator, cfg Config) *Client {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{api: api, model: model, maxTokens: maxTokens}
}

// Analyze 发送单轮消息并拼接返回的文本块。
func (c *Client) Analyze(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	maxTokens := c.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	temperature := float32(0.1)
	if opts.Temperature > 0 {
		temperature = float32(opts.Temperature)
	}

	req := sdk.MessagesRequest{
		Model: sdk.Model(c.model),
		Messages: []sdk.Message{{
			Role:    sdk.RoleUser,
			Content: []sdk.MessageContent{sdk.NewTextMessageContent(prompt)},
		}},
		MaxTokens:   maxTokens,
		Temperature: &temperature,
	}
	if system := strings.TrimSpace(opts.System); system != "" {
		req.MultiSystem = []sdk.MessageSystemPart{{Type: "text", Text: system}}
	}

	resp, err := c.api.CreateMessages(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classify(err)
	}

	var builder strings.Builder
	for _, block := range resp.Content {
		if block.Type == sdk.MessagesContentTypeText && block.Text != nil {
			builder.WriteString(*block.Text)
		}
	}
	text := strings.TrimSpace(builder.String())
	if text == "" {
		return "", xerrors.New(llm.CodeAnalyzerFailure, "Anthropic 响应内容为空")
	}
	return text, nil
}

// classify 优先使用 SDK 的结构化错误，其余情况按错误文本归类。
func classify(err error) error {
	var reqErr *sdk.RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode > 0 {
		return xerrors.Wrap(xerrors.CodeOf(llm.StatusError("Anthropic", reqErr.StatusCode, "")), err, "Anthropic 请求失败")
	}
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) {
		switch string(apiErr.Type) {
		case "rate_limit_error":
			return xerrors.Wrap(xerrors.CodeRateLimited, err, "Anthropic 限流")
		case "overloaded_error", "api_error":
			return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "Anthropic 上游故障")
		default:
			return xerrors.Wrap(llm.CodeAnalyzerFailure, err, "Anthropic 调用失败")
		}
	}
	return llm.ClassifyMessage("Anthropic", err)
}

var _ llm.Analyzer = (*Client)(nil)

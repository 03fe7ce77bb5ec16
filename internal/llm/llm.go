package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	xerrors "OpenGoal-Chain/internal/errors"
)

// Options 描述一次分析调用的可选参数。
type Options struct {
	System      string
	Temperature float64
	MaxTokens   int
}

// Analyzer 是对大模型的最小抽象：输入提示词，返回文本。
type Analyzer interface {
	Analyze(ctx context.Context, prompt string, opts Options) (string, error)
}

// AnalyzerFunc 允许使用普通函数实现 Analyzer。
type AnalyzerFunc func(ctx context.Context, prompt string, opts Options) (string, error)

// Analyze 实现 Analyzer 接口。
func (f AnalyzerFunc) Analyze(ctx context.Context, prompt string, opts Options) (string, error) {
	return f(ctx, prompt, opts)
}

// CodeAnalyzerFailure 表示大模型调用失败且不可重试。
const CodeAnalyzerFailure xerrors.Code = "ANALYZER_FAILURE"

func init() {
	xerrors.Register(CodeAnalyzerFailure, xerrors.Attributes{
		Message:  "analyzer call failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// StatusError 根据 HTTP 状态码将上游错误归类：429 为限流，5xx 为上游故障，
// 二者可重试；其余状态为不可重试的调用失败。
func StatusError(provider string, status int, body string) error {
	body = strings.TrimSpace(body)
	message := fmt.Sprintf("%s 返回错误状态 %d: %s", provider, status, body)
	switch {
	case status == http.StatusTooManyRequests:
		return xerrors.New(xerrors.CodeRateLimited, message)
	case status >= http.StatusInternalServerError:
		return xerrors.New(xerrors.CodeUpstreamFailure, message)
	case status == http.StatusRequestTimeout:
		return xerrors.New(xerrors.CodeTimeout, message)
	default:
		return xerrors.New(CodeAnalyzerFailure, message)
	}
}

// ClassifyMessage 依据错误文本判断是否为瞬时故障，用于无法取得状态码的 SDK 错误。
func ClassifyMessage(provider string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "rate limit"), strings.Contains(text, "rate_limit"), strings.Contains(text, "429"):
		return xerrors.Wrap(xerrors.CodeRateLimited, err, provider+" 限流")
	case strings.Contains(text, "overloaded"), strings.Contains(text, "503"), strings.Contains(text, "502"),
		strings.Contains(text, "500"), strings.Contains(text, "api_error"), strings.Contains(text, "connection reset"):
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, provider+" 上游故障")
	case strings.Contains(text, "timeout"), strings.Contains(text, "deadline exceeded"):
		return xerrors.Wrap(xerrors.CodeTimeout, err, provider+" 调用超时")
	default:
		return xerrors.Wrap(CodeAnalyzerFailure, err, provider+" 调用失败")
	}
}

// Package pythonbridge runs a local script as an llm.Analyzer. The request is
// written to the script's stdin as one JSON object; the script answers on
// stdout with {"text": "..."} or {"error": "..."}, or with plain text.
package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/llm"
)

// exitTempFail 是脚本表示临时故障的退出码 (EX_TEMPFAIL)，会被重试。
const exitTempFail = 75

// Client 把推理请求交给外部脚本处理。
type Client struct {
	interpreter string
	script      string
	dir         string
	env         []string
	timeout     time.Duration
}

// Option 调整脚本运行方式。
type Option func(*Client)

// WithTimeout 限制单次脚本运行时长，超时视为 TIMEOUT。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithEnv 追加形如 KEY=VALUE 的环境变量。
func WithEnv(kv ...string) Option {
	return func(c *Client) { c.env = append(c.env, kv...) }
}

// NewClient 创建客户端；interpreter 为空时使用 python3。
func NewClient(interpreter, script, dir string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(script) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定 Python 脚本路径")
	}
	c := &Client{interpreter: interpreter, script: script, dir: dir}
	if c.interpreter == "" {
		c.interpreter = "python3"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

type request struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Timestamp   int64   `json:"timestamp"`
}

type response struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

// Analyze 运行脚本并解析输出。
func (c *Client) Analyze(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	payload, err := json.Marshal(request{
		Prompt:      prompt,
		System:      opts.System,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Timestamp:   time.Now().Unix(),
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化脚本请求失败")
	}

	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.interpreter, c.script)
	cmd.Dir = c.dir
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		return "", c.runError(ctx, runCtx, err, strings.TrimSpace(stderr.String()))
	}
	return parseOutput(strings.TrimSpace(stdout.String()))
}

func (c *Client) runError(ctx, runCtx context.Context, err error, stderr string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if runCtx.Err() != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "Python 脚本运行超时")
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == exitTempFail {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "Python 脚本报告临时故障: "+stderr)
	}
	return xerrors.Wrap(llm.CodeAnalyzerFailure, err, "执行 Python 脚本失败, stderr="+stderr)
}

func parseOutput(out string) (string, error) {
	if out == "" {
		return "", xerrors.New(llm.CodeAnalyzerFailure, "Python 脚本没有输出")
	}
	var resp response
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return out, nil
	}
	if msg := strings.TrimSpace(resp.Error); msg != "" {
		return "", xerrors.New(llm.CodeAnalyzerFailure, "Python 脚本返回错误: "+msg)
	}
	if text := strings.TrimSpace(resp.Text); text != "" {
		return text, nil
	}
	return out, nil
}

// ResolveScriptPath 把相对脚本路径解析到工作目录下。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" || baseDir == "" || filepath.IsAbs(script) {
		return script
	}
	return filepath.Join(baseDir, script)
}

var _ llm.Analyzer = (*Client)(nil)

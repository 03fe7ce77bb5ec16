package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/pkg/logger"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig 控制重试策略。
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval"`
	Multiplier      float64       `json:"multiplier" yaml:"multiplier"`
	Jitter          float64       `json:"jitter" yaml:"jitter"`
	CallTimeout     time.Duration `json:"call_timeout" yaml:"call_timeout"`
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 10 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = 0.5
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 60 * time.Second
	}
}

// Retrying 为任意 Analyzer 增加单次超时与指数退避重试。
type Retrying struct {
	inner  Analyzer
	cfg    RetryConfig
	logger *slog.Logger
}

// RetryOption 定义 Retrying 的可选配置。
type RetryOption func(*Retrying)

// WithRetryLogger 指定日志输出。
func WithRetryLogger(l *slog.Logger) RetryOption {
	return func(r *Retrying) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRetry 包装 Analyzer。
func WithRetry(inner Analyzer, cfg RetryConfig, opts ...RetryOption) *Retrying {
	cfg.applyDefaults()
	r := &Retrying{inner: inner, cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("llm")
	}
	return r
}

// Analyze 调用下层 Analyzer。可重试错误按退避策略重试，次数用尽时返回
// RETRIES_EXHAUSTED 并包裹最后一次错误；不可重试错误立即返回。
func (r *Retrying) Analyze(ctx context.Context, prompt string, opts Options) (string, error) {
	if r.inner == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置 Analyzer")
	}

	var (
		attempts  int
		lastErr   error
		retryable bool
	)
	operation := func() (string, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()

		out, err := r.inner.Analyze(callCtx, prompt, opts)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			retryable = false
			return "", backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = xerrors.Wrap(xerrors.CodeTimeout, err, "Analyzer 调用超时")
		}
		lastErr = err
		retryable = xerrors.RetryableError(err)
		if !retryable {
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialInterval
	policy.MaxInterval = r.cfg.MaxInterval
	policy.Multiplier = r.cfg.Multiplier
	policy.RandomizationFactor = r.cfg.Jitter

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("Analyzer 调用失败，准备重试",
				slog.Int("attempt", attempts),
				slog.Duration("wait", wait),
				slog.Any("error", err),
			)
		}),
	)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if retryable && lastErr != nil {
		return "", xerrors.Wrap(xerrors.CodeRetriesExhausted, lastErr, "Analyzer 重试次数已用尽")
	}
	return "", err
}

var _ Analyzer = (*Retrying)(nil)

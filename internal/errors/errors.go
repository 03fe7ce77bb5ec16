package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
)

// Error 携带错误码、可选的底层原因以及针对单个实例的属性覆盖。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string

	// 非 nil 的字段覆盖注册表中的默认值。
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option 调整单个错误实例。
type Option func(*Error)

// WithMetadata 附加一条键值信息，审计日志会原样输出。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = map[string]string{}
		}
		e.metadata[key] = value
	}
}

func WithRetryable(v bool) Option { return func(e *Error) { e.retryable = &v } }

func WithAlert(v bool) Option { return func(e *Error) { e.alert = &v } }

func WithSeverity(v Severity) Option { return func(e *Error) { e.severity = &v } }

// New 创建错误；message 为空时使用错误码的默认文案。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	if e.message == "" {
		e.message = AttributesOf(code).Message
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Newf 以格式化文案创建错误。
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 用错误码包裹底层错误，errors.Is/As 仍可穿透到 cause。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，使 errors.Is(err, New(code, "")) 可用作哨兵判断。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// Attributes 返回合并实例覆盖后的有效属性。
func (e *Error) Attributes() Attributes {
	if e == nil {
		return Attributes{Severity: SeverityInfo}
	}
	a := AttributesOf(e.code)
	a.Message = e.message
	if e.retryable != nil {
		a.Retryable = *e.retryable
	}
	if e.alert != nil {
		a.Alert = *e.alert
	}
	if e.severity != nil {
		a.Severity = *e.severity
	}
	return a
}

func (e *Error) Retryable() bool    { return e.Attributes().Retryable }
func (e *Error) ShouldAlert() bool  { return e.Attributes().Alert }
func (e *Error) Severity() Severity { return e.Attributes().Severity }

// From 在错误链中查找第一个 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误链中最外层的错误码，没有时返回 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.code
	}
	return CodeUnknown
}

// HasCode 沿错误链逐层查找指定错误码，包括被 fmt.Errorf 包裹的内层错误。
func HasCode(err error, code Code) bool {
	for e, ok := From(err); ok; e, ok = From(e.cause) {
		if e.code == code {
			return true
		}
	}
	return false
}

// RetryableError 判断任意 error 是否值得重试。
func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

// ShouldAlert 判断任意 error 是否需要告警，非统一错误按 UNKNOWN 处理。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return err != nil && AttributesOf(CodeUnknown).Alert
}

// SeverityOf 返回任意 error 的严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

package errors

import "sync"

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，告警与审计按它分级。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeAlreadyCompleted      Code = "ALREADY_COMPLETED"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeExecutorFailure       Code = "EXECUTOR_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeUpstreamFailure       Code = "UPSTREAM_FAILURE"
)

// Attributes 是错误码的默认行为：文案、级别、能否重试、是否告警。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

func attr(msg string, sev Severity, retryable, alert bool) Attributes {
	return Attributes{Message: msg, Severity: sev, Retryable: retryable, Alert: alert}
}

var registry = struct {
	sync.RWMutex
	codes map[Code]Attributes
}{codes: map[Code]Attributes{
	CodeUnknown:               attr("unknown error", SeverityCritical, false, true),
	CodeInvalidArgument:       attr("invalid argument", SeverityInfo, false, false),
	CodeNotFound:              attr("resource not found", SeverityInfo, false, false),
	CodeConflict:              attr("resource conflict", SeverityWarning, false, false),
	CodeAlreadyCompleted:      attr("goal already completed", SeverityInfo, false, false),
	CodeRetriesExhausted:      attr("retries exhausted", SeverityWarning, false, true),
	CodeInitializationFailure: attr("component not initialized", SeverityWarning, true, true),
	CodeStorageFailure:        attr("storage failure", SeverityCritical, true, true),
	CodeExecutorFailure:       attr("action executor failure", SeverityWarning, true, true),
	CodeTimeout:               attr("operation timed out", SeverityWarning, true, true),
	CodeRateLimited:           attr("rate limited by upstream", SeverityWarning, true, false),
	CodeUpstreamFailure:       attr("upstream service failure", SeverityWarning, true, true),
}}

// Register 供各业务包在 init 中登记自己的错误码，重复登记以后者为准。
func Register(code Code, a Attributes) {
	registry.Lock()
	registry.codes[code] = a
	registry.Unlock()
}

// AttributesOf 返回错误码的默认属性，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registry.RLock()
	defer registry.RUnlock()
	if a, ok := registry.codes[code]; ok {
		return a
	}
	return registry.codes[CodeUnknown]
}

// Registered 判断错误码是否已登记。
func Registered(code Code) bool {
	registry.RLock()
	_, ok := registry.codes[code]
	registry.RUnlock()
	return ok
}

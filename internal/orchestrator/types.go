package orchestrator

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/memory"
)

// Role 表示处理器在调度流程中的角色。
type Role string

const (
	RoleInput  Role = "input"
	RoleOutput Role = "output"
	RoleAction Role = "action"
)

// Valid 判断角色是否受支持。
func (r Role) Valid() bool {
	return r == RoleInput || r == RoleOutput || r == RoleAction
}

// HandlerFunc 是处理器的执行函数。
type HandlerFunc func(ctx context.Context, payload any) (any, error)

// Handler 描述一个可注册的输入、输出或动作处理器。
type Handler struct {
	Name        string
	Role        Role
	Description string
	// Schema 为可选的 JSON Schema，调用前校验载荷。
	Schema  json.RawMessage
	Handler HandlerFunc
	// Interval 与 Cron 仅对输入处理器有效，二者都设置时以 Cron 为准。
	Interval time.Duration
	Cron     string
	NextRun  time.Time
}

// HandlerInfo 是通知给 Processor 的处理器描述。
type HandlerInfo struct {
	Name        string          `json:"name"`
	Role        Role            `json:"role"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// SuggestedOutput 是 Processor 建议的一次下游调用。
type SuggestedOutput struct {
	Name       string  `json:"name"`
	Data       any     `json:"data"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// ProcessedResult 是 Processor 的处理结果。
type ProcessedResult struct {
	Content          any               `json:"content"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	EnrichedContext  map[string]any    `json:"enriched_context,omitempty"`
	SuggestedOutputs []SuggestedOutput `json:"suggested_outputs,omitempty"`
	AlreadyProcessed bool              `json:"already_processed"`
}

// Processor 将输入内容转换为下游建议。
type Processor interface {
	Process(ctx context.Context, data any, room *memory.Room) (*ProcessedResult, error)
	AddHandler(info HandlerInfo)
}

// handlerRemover 是 Processor 的可选能力。
type handlerRemover interface {
	RemoveHandler(name string)
}

const (
	CodeHandlerNotFound     xerrors.Code = "HANDLER_NOT_FOUND"
	CodeHandlerRoleMismatch xerrors.Code = "HANDLER_ROLE_MISMATCH"
	CodeHandlerInvalid      xerrors.Code = "HANDLER_INVALID"
	CodePayloadInvalid      xerrors.Code = "PAYLOAD_INVALID"
	CodeDispatchHopLimit    xerrors.Code = "DISPATCH_HOP_LIMIT"
)

func init() {
	xerrors.Register(CodeHandlerNotFound, xerrors.Attributes{
		Message:  "handler not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeHandlerRoleMismatch, xerrors.Attributes{
		Message:  "handler role mismatch",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeHandlerInvalid, xerrors.Attributes{
		Message:  "invalid handler registration",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePayloadInvalid, xerrors.Attributes{
		Message:  "payload does not match handler schema",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDispatchHopLimit, xerrors.Attributes{
		Message:  "dispatch hop limit reached",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Truthy 判断处理器结果是否需要继续流转：nil、false、空字符串、数值零与
// nil 指针/映射/切片视为假，其余均为真。
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case json.Number:
		return t != "" && t != "0"
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return !rv.IsNil()
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return !rv.IsZero()
	}
	return true
}

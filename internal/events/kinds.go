package events

import "time"

// Kind 表示事件类型，取值为封闭集合。
type Kind string

const (
	KindStep Kind = "step"

	KindThinkStart    Kind = "think:start"
	KindThinkComplete Kind = "think:complete"
	KindThinkTimeout  Kind = "think:timeout"
	KindThinkError    Kind = "think:error"

	KindActionStart    Kind = "action:start"
	KindActionComplete Kind = "action:complete"
	KindActionError    Kind = "action:error"

	KindGoalCreated   Kind = "goal:created"
	KindGoalUpdated   Kind = "goal:updated"
	KindGoalCompleted Kind = "goal:completed"
	KindGoalFailed    Kind = "goal:failed"
	KindGoalBlocked   Kind = "goal:blocked"
	KindGoalOutcome   Kind = "goal:outcome"

	KindHandlerRegistered Kind = "handler:registered"
	KindHandlerReplaced   Kind = "handler:replaced"

	KindDispatchDropped  Kind = "dispatch:dropped"
	KindDispatchError    Kind = "dispatch:error"
	KindDispatchHopLimit Kind = "dispatch:hop_limit"
)

var knownKinds = map[Kind]struct{}{
	KindStep:              {},
	KindThinkStart:        {},
	KindThinkComplete:     {},
	KindThinkTimeout:      {},
	KindThinkError:        {},
	KindActionStart:       {},
	KindActionComplete:    {},
	KindActionError:       {},
	KindGoalCreated:       {},
	KindGoalUpdated:       {},
	KindGoalCompleted:     {},
	KindGoalFailed:        {},
	KindGoalBlocked:       {},
	KindGoalOutcome:       {},
	KindHandlerRegistered: {},
	KindHandlerReplaced:   {},
	KindDispatchDropped:   {},
	KindDispatchError:     {},
	KindDispatchHopLimit:  {},
}

// Valid 判断事件类型是否属于已知集合。
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// Event 是投递给订阅者的事件。
type Event struct {
	Kind       Kind      `json:"kind"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

// StepPayload 对应 KindStep。
type StepPayload struct {
	StepID  string `json:"step_id"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ThinkPayload 对应 think:* 事件。
type ThinkPayload struct {
	Query      string `json:"query"`
	Iterations int    `json:"iterations"`
	Status     string `json:"status,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
}

// ActionPayload 对应 action:* 事件。
type ActionPayload struct {
	ActionType string `json:"action_type"`
	Payload    any    `json:"payload,omitempty"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
}

// GoalPayload 对应 goal:* 事件。
type GoalPayload struct {
	GoalID      string  `json:"goal_id"`
	Horizon     string  `json:"horizon,omitempty"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status,omitempty"`
	OldStatus   string  `json:"old_status,omitempty"`
	Progress    int     `json:"progress"`
	Reason      string  `json:"reason,omitempty"`
	Score       float64 `json:"score,omitempty"`
}

// HandlerPayload 对应 handler:* 事件。
type HandlerPayload struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// DispatchPayload 对应 dispatch:* 事件。
type DispatchPayload struct {
	Source  string `json:"source"`
	Handler string `json:"handler,omitempty"`
	Role    string `json:"role,omitempty"`
	Hops    int    `json:"hops,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

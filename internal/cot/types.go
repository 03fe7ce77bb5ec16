package cot

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/goal"
	"OpenGoal-Chain/internal/step"
)

// 受支持的动作类型。
const (
	ActionGraphQLFetch       = "GRAPHQL_FETCH"
	ActionExecuteTransaction = "EXECUTE_TRANSACTION"
	ActionSystemPrompt       = "SYSTEM_PROMPT"
)

const (
	CodePlanInvalid   xerrors.Code = "PLAN_INVALID"
	CodeActionInvalid xerrors.Code = "ACTION_INVALID"
)

func init() {
	xerrors.Register(CodePlanInvalid, xerrors.Attributes{
		Message:  "analyzer reply did not match the expected structure",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeActionInvalid, xerrors.Attributes{
		Message:  "queued action is missing type or payload",
		Severity: xerrors.SeverityWarning,
	})
}

// Action 是计划中的一个待执行动作。
type Action struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (a Action) hasPayload() bool {
	return len(a.Payload) > 0 && string(a.Payload) != "null"
}

// ActionRecord 是上下文中保存的一次动作执行记录。
type ActionRecord struct {
	Action Action    `json:"action"`
	Result string    `json:"result,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Context 是推理时持续累积的世界状态。ActionHistory 以毫秒时间戳为键。
type Context struct {
	WorldState       string                 `json:"world_state,omitempty"`
	AvailableActions []string               `json:"available_actions,omitempty"`
	ActionHistory    map[int64]ActionRecord `json:"action_history,omitempty"`
	Properties       map[string]any         `json:"properties,omitempty"`
}

func (c Context) clone() Context {
	out := Context{
		WorldState:       c.WorldState,
		AvailableActions: append([]string(nil), c.AvailableActions...),
	}
	if c.ActionHistory != nil {
		out.ActionHistory = make(map[int64]ActionRecord, len(c.ActionHistory))
		for k, v := range c.ActionHistory {
			out.ActionHistory[k] = v
		}
	}
	if c.Properties != nil {
		out.Properties = make(map[string]any, len(c.Properties))
		for k, v := range c.Properties {
			out.Properties[k] = v
		}
	}
	return out
}

// recentHistory 返回按时间排序的最近 n 条动作记录。
func (c Context) recentHistory(n int) []ActionRecord {
	keys := make([]int64, 0, len(c.ActionHistory))
	for k := range c.ActionHistory {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	if len(keys) > n {
		keys = keys[len(keys)-n:]
	}
	out := make([]ActionRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.ActionHistory[k])
	}
	return out
}

// ThinkStatus 是一次推理循环的终止状态。
type ThinkStatus string

const (
	ThinkCompleted ThinkStatus = "completed"
	ThinkFailed    ThinkStatus = "failed"
	ThinkTimeout   ThinkStatus = "timeout"
)

// ThinkResult 汇总一次推理循环。
type ThinkResult struct {
	Query         string      `json:"query"`
	Status        ThinkStatus `json:"status"`
	Reason        string      `json:"reason,omitempty"`
	Iterations    int         `json:"iterations"`
	Verifications int         `json:"verifications"`
	LastResult    string      `json:"last_result,omitempty"`
	Steps         []step.Step `json:"steps,omitempty"`
}

// GoalExecution 描述 ExecuteNextGoal 处理到结果的一个目标。
type GoalExecution struct {
	GoalID  string       `json:"goal_id"`
	Outcome goal.Status  `json:"outcome"`
	Reason  string       `json:"reason,omitempty"`
	Score   float64      `json:"score"`
	Think   *ThinkResult `json:"think,omitempty"`
}

// HumanInput 向人工请求输入，用于 SYSTEM_PROMPT 动作。
type HumanInput interface {
	RequestInput(ctx context.Context, prompt string) (string, error)
}

// HumanInputFunc 允许使用普通函数实现 HumanInput。
type HumanInputFunc func(ctx context.Context, prompt string) (string, error)

// RequestInput 实现 HumanInput 接口。
func (f HumanInputFunc) RequestInput(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Executor 执行某一类型的动作并返回文本结果。
type Executor func(ctx context.Context, payload json.RawMessage) (string, error)

package cot

import (
	"fmt"
	"sort"
	"strings"

	"OpenGoal-Chain/internal/goal"
	"OpenGoal-Chain/internal/schema"
	"OpenGoal-Chain/internal/step"
)

const (
	systemPrompt = "You are the planning core of an autonomous on-chain agent. " +
		"Answer only with a single JSON document that matches the requested format."

	maxTraceSteps   = 30
	maxHistoryItems = 5
	maxResultChars  = 2000
)

var planSchema = schema.MustCompile(`{
  "type": "object",
  "required": ["actions"],
  "properties": {
    "actions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"enum": ["GRAPHQL_FETCH", "EXECUTE_TRANSACTION", "SYSTEM_PROMPT"]}
        }
      }
    }
  }
}`)

var verificationSchema = schema.MustCompile(`{
  "type": "object",
  "required": ["complete", "reason", "shouldContinue"],
  "properties": {
    "complete": {"type": "boolean"},
    "reason": {"type": "string"},
    "shouldContinue": {"type": "boolean"},
    "newActions": {"type": "array", "items": {"type": "object"}}
  }
}`)

var goalSpecSchema = `{
  "type": "object",
  "required": ["description"],
  "properties": {
    "id": {"type": "string"},
    "description": {"type": "string", "minLength": 1},
    "success_criteria": {"type": "array", "items": {"type": "string"}},
    "dependencies": {"type": "array", "items": {"type": "string"}},
    "priority": {"type": "integer"}
  }
}`

var strategySchema = schema.MustCompile(`{
  "type": "object",
  "properties": {
    "long_term": {"type": "array", "items": ` + goalSpecSchema + `},
    "medium_term": {"type": "array", "items": ` + goalSpecSchema + `},
    "short_term": {"type": "array", "items": ` + goalSpecSchema + `}
  }
}`)

var refineSchema = schema.MustCompile(`{
  "type": "object",
  "required": ["subgoals"],
  "properties": {
    "subgoals": {"type": "array", "minItems": 1, "items": ` + goalSpecSchema + `}
  }
}`)

var feasibilitySchema = schema.MustCompile(`{
  "type": "object",
  "required": ["feasible"],
  "properties": {
    "feasible": {"type": "boolean"},
    "reason": {"type": "string"}
  }
}`)

var criteriaSchema = schema.MustCompile(`{
  "type": "object",
  "required": ["success", "score"],
  "properties": {
    "success": {"type": "boolean"},
    "score": {"type": "number", "minimum": 0, "maximum": 1},
    "reason": {"type": "string"}
  }
}`)

type planReply struct {
	Actions []Action `json:"actions"`
}

type verificationReply struct {
	Complete       bool     `json:"complete"`
	Reason         string   `json:"reason"`
	ShouldContinue bool     `json:"shouldContinue"`
	NewActions     []Action `json:"newActions"`
}

type goalSpec struct {
	ID              string   `json:"id"`
	Description     string   `json:"description"`
	SuccessCriteria []string `json:"success_criteria"`
	Dependencies    []string `json:"dependencies"`
	Priority        int      `json:"priority"`
}

type strategyReply struct {
	LongTerm   []goalSpec `json:"long_term"`
	MediumTerm []goalSpec `json:"medium_term"`
	ShortTerm  []goalSpec `json:"short_term"`
}

type refineReply struct {
	Subgoals []goalSpec `json:"subgoals"`
}

type feasibilityReply struct {
	Feasible bool   `json:"feasible"`
	Reason   string `json:"reason"`
}

type criteriaReply struct {
	Success bool    `json:"success"`
	Score   float64 `json:"score"`
	Reason  string  `json:"reason"`
}

// promptBuilder 以 Markdown 小节拼装提示词。
type promptBuilder struct {
	sb strings.Builder
}

func (b *promptBuilder) section(title, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	if b.sb.Len() > 0 {
		b.sb.WriteString("\n\n")
	}
	b.sb.WriteString("## ")
	b.sb.WriteString(title)
	b.sb.WriteString("\n")
	b.sb.WriteString(body)
}

func (b *promptBuilder) String() string { return b.sb.String() }

func (c *ChainOfThought) planPrompt(query string) string {
	var b promptBuilder
	b.section("任务", query)
	b.section("上下文", describeContext(c.Context()))
	b.section("推理轨迹", describeSteps(c.steps.Steps()))
	b.section("参考知识", c.describeKnowledge(query, c.actionTypes()...))
	b.section("输出格式", `{"actions": [{"type": "GRAPHQL_FETCH|EXECUTE_TRANSACTION|SYSTEM_PROMPT", "payload": {...}}]}
GRAPHQL_FETCH payload: {"endpoint"?: string, "query": string, "variables"?: object}
EXECUTE_TRANSACTION payload: {"chain"?: string, "method": "snapshot|eth_getBalance|eth_getTransactionCount|eth_call|eth_sendRawTransaction", "address"?: string, "to"?: string, "data"?: string, "raw_tx"?: string}
SYSTEM_PROMPT payload: {"prompt": string}`)
	return b.String()
}

func (c *ChainOfThought) verificationPrompt(query, lastResult string) string {
	var b promptBuilder
	b.section("任务", query)
	b.section("推理轨迹", describeSteps(c.steps.Steps()))
	b.section("最近一次动作结果", truncate(lastResult, maxResultChars))
	b.section("输出格式", `{"complete": bool, "reason": string, "shouldContinue": bool, "newActions": [{"type": string, "payload": {...}}]}
complete=true 表示任务已达成；shouldContinue=false 表示放弃；newActions 会排在剩余动作之前执行。`)
	return b.String()
}

func (c *ChainOfThought) strategyPrompt(objective string) string {
	var b promptBuilder
	b.section("总体目标", objective)
	b.section("已有目标", describeGoals(c.goals.GetGoals()))
	b.section("参考知识", c.describeKnowledge(objective))
	b.section("输出格式", `{"long_term": [GoalSpec], "medium_term": [GoalSpec], "short_term": [GoalSpec]}
GoalSpec: {"id": string, "description": string, "success_criteria": [string], "dependencies": [id or description], "priority": int}
dependencies 只能引用在它之前出现的目标或已有目标。`)
	return b.String()
}

func (c *ChainOfThought) refinePrompt(g *goal.Goal) string {
	var b promptBuilder
	b.section("需要拆解的目标", describeGoal(g))
	b.section("参考知识", c.describeKnowledge(g.Description))
	b.section("输出格式", `{"subgoals": [{"id": string, "description": string, "success_criteria": [string], "dependencies": [id], "priority": int}]}
每个子目标应当可以通过少量动作直接完成。`)
	return b.String()
}

func (c *ChainOfThought) feasibilityPrompt(g *goal.Goal) string {
	var b promptBuilder
	b.section("目标", describeGoal(g))
	available := strings.Join(c.actionTypes(), ", ")
	if available == "" {
		available = "无"
	}
	b.section("可用动作", available)
	b.section("上下文", describeContext(c.Context()))
	b.section("输出格式", `{"feasible": bool, "reason": string}`)
	return b.String()
}

func (c *ChainOfThought) criteriaPrompt(g *goal.Goal, result *ThinkResult) string {
	var b promptBuilder
	b.section("目标", describeGoal(g))
	if result != nil {
		b.section("执行结果", fmt.Sprintf("状态: %s\n原因: %s\n最后结果: %s",
			result.Status, result.Reason, truncate(result.LastResult, maxResultChars)))
	} else {
		b.section("执行结果", "全部子目标均已完成。")
	}
	b.section("输出格式", `{"success": bool, "score": number between 0 and 1, "reason": string}`)
	return b.String()
}

func (c *ChainOfThought) describeKnowledge(text string, hints ...string) string {
	if c.knowledge == nil {
		return ""
	}
	var sb strings.Builder
	for _, s := range c.knowledge.Query(text, hints...) {
		fmt.Fprintf(&sb, "- %s: %s\n", s.Title, s.Content)
	}
	return sb.String()
}

func describeContext(ctx Context) string {
	var sb strings.Builder
	if ctx.WorldState != "" {
		fmt.Fprintf(&sb, "世界状态: %s\n", ctx.WorldState)
	}
	if len(ctx.AvailableActions) > 0 {
		fmt.Fprintf(&sb, "可用动作: %s\n", strings.Join(ctx.AvailableActions, ", "))
	}
	if len(ctx.Properties) > 0 {
		keys := make([]string, 0, len(ctx.Properties))
		for k := range ctx.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s: %v\n", k, ctx.Properties[k])
		}
	}
	for _, rec := range ctx.recentHistory(maxHistoryItems) {
		outcome := rec.Result
		if rec.Error != "" {
			outcome = "失败: " + rec.Error
		}
		fmt.Fprintf(&sb, "历史动作 %s -> %s\n", rec.Action.Type, truncate(outcome, 200))
	}
	return sb.String()
}

func describeSteps(steps []step.Step) string {
	if len(steps) > maxTraceSteps {
		steps = steps[len(steps)-maxTraceSteps:]
	}
	var sb strings.Builder
	for i, s := range steps {
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, s.Type, truncate(s.Content, 500))
	}
	return sb.String()
}

func describeGoal(g *goal.Goal) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s, 优先级 %d)\n", g.Description, g.Horizon, g.Priority)
	for _, c := range g.SuccessCriteria {
		fmt.Fprintf(&sb, "- 成功标准: %s\n", c)
	}
	return sb.String()
}

func describeGoals(goals []*goal.Goal) string {
	var sb strings.Builder
	for _, g := range goals {
		fmt.Fprintf(&sb, "- [%s] %s (%s, %s)\n", g.ID, g.Description, g.Horizon, g.Status)
	}
	return sb.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

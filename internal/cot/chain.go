// Package cot implements the chain-of-thought reasoner: it plans actions
// with the Analyzer, executes them one at a time, asks the Analyzer to
// verify each result, and drives goals from the goal graph through the same
// loop.
package cot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/events"
	"OpenGoal-Chain/internal/goal"
	"OpenGoal-Chain/internal/knowledge"
	"OpenGoal-Chain/internal/llm"
	"OpenGoal-Chain/internal/schema"
	"OpenGoal-Chain/internal/step"
	"OpenGoal-Chain/internal/telemetry"
	"OpenGoal-Chain/pkg/logger"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxIterations = 10
	defaultPlanRetries   = 3
)

// ChainOfThought 是单个推理会话。会话内的步骤轨迹与上下文只属于它自己。
type ChainOfThought struct {
	analyzer  llm.Analyzer
	goals     *goal.Manager
	steps     *step.Manager
	knowledge knowledge.Provider
	human     HumanInput
	bus       *events.Bus
	logger    *slog.Logger
	audit     *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	options   llm.Options

	maxIterations int
	planRetries   int

	executorsMu sync.RWMutex
	executors   map[string]Executor

	ctxMu sync.Mutex
	state Context
}

// Option 定义 ChainOfThought 的可选配置。
type Option func(*ChainOfThought)

// WithBus 指定事件总线。
func WithBus(bus *events.Bus) Option {
	return func(c *ChainOfThought) {
		c.bus = bus
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(c *ChainOfThought) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAuditLogger 指定动作审计日志。
func WithAuditLogger(l *slog.Logger) Option {
	return func(c *ChainOfThought) {
		if l != nil {
			c.audit = l
		}
	}
}

// WithTracer 指定 tracer。
func WithTracer(tracer trace.Tracer) Option {
	return func(c *ChainOfThought) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(c *ChainOfThought) {
		if now != nil {
			c.now = now
		}
	}
}

// WithKnowledge 指定提示词使用的知识库。
func WithKnowledge(p knowledge.Provider) Option {
	return func(c *ChainOfThought) {
		c.knowledge = p
	}
}

// WithHumanInput 指定 SYSTEM_PROMPT 动作使用的人工输入。
func WithHumanInput(h HumanInput) Option {
	return func(c *ChainOfThought) {
		c.human = h
	}
}

// WithExecutor 为动作类型注册执行器。
func WithExecutor(actionType string, exec Executor) Option {
	return func(c *ChainOfThought) {
		if actionType != "" && exec != nil {
			c.executors[actionType] = exec
		}
	}
}

// WithMaxIterations 设置 Think 未指定上限时的默认迭代次数。
func WithMaxIterations(n int) Option {
	return func(c *ChainOfThought) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

// WithPlanRetries 设置结构化回复解析失败时的尝试次数。
func WithPlanRetries(n int) Option {
	return func(c *ChainOfThought) {
		if n > 0 {
			c.planRetries = n
		}
	}
}

// WithAnalyzerOptions 设置调用模型时的参数。
func WithAnalyzerOptions(opts llm.Options) Option {
	return func(c *ChainOfThought) {
		c.options = opts
	}
}

// WithInitialContext 设置初始上下文。
func WithInitialContext(ctx Context) Option {
	return func(c *ChainOfThought) {
		c.state = ctx.clone()
	}
}

// New 创建推理会话。goals 为空时创建一个独立的目标管理器。
func New(analyzer llm.Analyzer, goals *goal.Manager, opts ...Option) *ChainOfThought {
	c := &ChainOfThought{
		analyzer:      analyzer,
		goals:         goals,
		now:           time.Now,
		maxIterations: defaultMaxIterations,
		planRetries:   defaultPlanRetries,
		executors:     make(map[string]Executor),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.logger == nil {
		c.logger = logger.Named("cot")
	}
	if c.audit == nil {
		c.audit = logger.Audit()
	}
	if c.tracer == nil {
		c.tracer = telemetry.Tracer()
	}
	if c.goals == nil {
		c.goals = goal.NewManager(goal.WithBus(c.bus), goal.WithClock(c.now))
	}
	if _, ok := c.executors[ActionSystemPrompt]; !ok && c.human != nil {
		c.executors[ActionSystemPrompt] = PromptExecutor(c.human)
	}
	if c.options.System == "" {
		c.options.System = systemPrompt
	}
	if c.state.ActionHistory == nil {
		c.state.ActionHistory = make(map[int64]ActionRecord)
	}
	if len(c.state.AvailableActions) == 0 {
		c.state.AvailableActions = c.actionTypes()
	}
	c.steps = step.NewManager(
		step.WithClock(c.now),
		step.WithObserver(func(s step.Step) {
			c.bus.Publish(events.KindStep, events.StepPayload{StepID: s.ID, Type: string(s.Type), Content: s.Content})
		}),
	)
	return c
}

// RegisterExecutor 在运行期间注册或替换动作执行器。
func (c *ChainOfThought) RegisterExecutor(actionType string, exec Executor) {
	if actionType == "" || exec == nil {
		return
	}
	c.executorsMu.Lock()
	c.executors[actionType] = exec
	c.executorsMu.Unlock()
	c.MergeContext(Context{AvailableActions: c.actionTypes()})
}

func (c *ChainOfThought) executor(actionType string) (Executor, bool) {
	c.executorsMu.RLock()
	defer c.executorsMu.RUnlock()
	exec, ok := c.executors[actionType]
	return exec, ok
}

func (c *ChainOfThought) actionTypes() []string {
	c.executorsMu.RLock()
	defer c.executorsMu.RUnlock()
	out := make([]string, 0, len(c.executors))
	for t := range c.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Steps 返回推理轨迹的副本。
func (c *ChainOfThought) Steps() []step.Step {
	return c.steps.Steps()
}

// Goals 返回会话使用的目标管理器。
func (c *ChainOfThought) Goals() *goal.Manager {
	return c.goals
}

// Context 返回当前上下文的副本。
func (c *ChainOfThought) Context() Context {
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()
	return c.state.clone()
}

// MergeContext 将更新合并进上下文：非空的世界状态与可用动作列表整体替换，
// 动作历史与属性逐项合并。
func (c *ChainOfThought) MergeContext(update Context) {
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()
	if update.WorldState != "" {
		c.state.WorldState = update.WorldState
	}
	if update.AvailableActions != nil {
		c.state.AvailableActions = append([]string(nil), update.AvailableActions...)
	}
	for k, v := range update.ActionHistory {
		c.state.ActionHistory[k] = v
	}
	if len(update.Properties) > 0 && c.state.Properties == nil {
		c.state.Properties = make(map[string]any, len(update.Properties))
	}
	for k, v := range update.Properties {
		c.state.Properties[k] = v
	}
}

// recordHistory 以毫秒时间戳为键追加动作记录，同一毫秒内的记录顺延一位。
func (c *ChainOfThought) recordHistory(rec ActionRecord) {
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()
	key := rec.At.UnixMilli()
	for {
		if _, taken := c.state.ActionHistory[key]; !taken {
			break
		}
		key++
	}
	c.state.ActionHistory[key] = rec
}

func (c *ChainOfThought) addStep(t step.Type, content string, meta map[string]any) {
	if _, err := c.steps.Add(step.Step{Type: t, Content: content, Meta: meta}); err != nil {
		c.logger.Warn("记录推理步骤失败", slog.Any("error", err))
	}
}

// Think 围绕 query 运行规划、执行、校验循环，最多执行 maxIterations 个动作，
// 非正数时使用默认上限。计划无法解析或动作缺少类型与参数时返回错误；
// 其余情况以 ThinkResult 的状态描述结果。
func (c *ChainOfThought) Think(ctx context.Context, query string, maxIterations int) (*ThinkResult, error) {
	if maxIterations <= 0 {
		maxIterations = c.maxIterations
	}
	if strings.TrimSpace(query) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "推理任务不能为空")
	}

	ctx, span := telemetry.StartSpan(ctx, c.tracer, "cot.think")
	defer span.End()

	c.bus.Publish(events.KindThinkStart, events.ThinkPayload{Query: query})
	c.addStep(step.TypeTask, query, nil)

	result, err := c.think(ctx, query, maxIterations)
	if err != nil {
		iterations := 0
		if result != nil {
			iterations = result.Iterations
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.addStep(step.TypeSystem, "推理失败: "+err.Error(), nil)
		c.bus.Publish(events.KindThinkError, events.ThinkPayload{Query: query, Iterations: iterations, Error: err.Error(), Code: string(xerrors.CodeOf(err))})
		c.logger.Warn("推理失败", slog.String("query", query), slog.Any("error", err))
		return nil, err
	}

	result.Steps = c.steps.Steps()
	span.SetAttributes(telemetry.AttrIterations.Int(result.Iterations))
	kind := events.KindThinkComplete
	if result.Status == ThinkTimeout {
		kind = events.KindThinkTimeout
	}
	c.bus.Publish(kind, events.ThinkPayload{
		Query:      query,
		Iterations: result.Iterations,
		Status:     string(result.Status),
		Reason:     result.Reason,
	})
	c.logger.Info("推理结束",
		slog.String("query", query),
		slog.String("status", string(result.Status)),
		slog.Int("iterations", result.Iterations),
	)
	return result, nil
}

func (c *ChainOfThought) think(ctx context.Context, query string, maxIterations int) (*ThinkResult, error) {
	var plan planReply
	if err := c.ask(ctx, "plan", c.planPrompt(query), planSchema, &plan); err != nil {
		return nil, err
	}
	c.addStep(step.TypePlanning, describePlan(plan.Actions), map[string]any{"actions": len(plan.Actions)})

	result := &ThinkResult{Query: query}
	queue := plan.Actions
	for {
		if result.Iterations >= maxIterations {
			result.Status = ThinkTimeout
			result.Reason = fmt.Sprintf("达到最大迭代次数 %d", maxIterations)
			c.addStep(step.TypeSystem, result.Reason, nil)
			return result, nil
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if len(queue) == 0 {
			result.Status = ThinkFailed
			result.Reason = "没有待执行的动作"
			c.addStep(step.TypeSystem, result.Reason, nil)
			return result, nil
		}

		action := queue[0]
		queue = queue[1:]
		if strings.TrimSpace(action.Type) == "" || !action.hasPayload() {
			return result, xerrors.Newf(CodeActionInvalid, "动作缺少类型或参数: %+v", action)
		}
		result.Iterations++

		output, execErr := c.ExecuteAction(ctx, action)
		if execErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			output = fmt.Sprintf("Action %s failed: %v", action.Type, execErr)
		}
		result.LastResult = output

		var verdict verificationReply
		if err := c.ask(ctx, "verification", c.verificationPrompt(query, output), verificationSchema, &verdict); err != nil {
			return result, err
		}
		result.Verifications++
		c.addStep(step.TypeSystem, fmt.Sprintf("校验: complete=%t continue=%t %s", verdict.Complete, verdict.ShouldContinue, verdict.Reason),
			map[string]any{"new_actions": len(verdict.NewActions)})

		if verdict.Complete {
			result.Status = ThinkCompleted
			result.Reason = verdict.Reason
			return result, nil
		}
		if !verdict.ShouldContinue {
			result.Status = ThinkFailed
			result.Reason = verdict.Reason
			return result, nil
		}
		if len(verdict.NewActions) > 0 {
			queue = append(append([]Action(nil), verdict.NewActions...), queue...)
		}
	}
}

// ask 调用模型并按 validator 解码回复，解析失败时重试，用尽后返回 CodePlanInvalid。
// 模型调用本身的错误直接返回，瞬时故障由 llm.Retrying 负责。
func (c *ChainOfThought) ask(ctx context.Context, kind, prompt string, validator *schema.Validator, out any) error {
	var lastErr error
	for attempt := 1; attempt <= c.planRetries; attempt++ {
		reply, err := c.analyzer.Analyze(ctx, prompt, c.options)
		if err != nil {
			return err
		}
		if err := validator.DecodeReply(reply, out); err != nil {
			lastErr = err
			c.logger.Warn("模型回复无效",
				slog.String("kind", kind),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			continue
		}
		return nil
	}
	return xerrors.Wrap(CodePlanInvalid, lastErr, fmt.Sprintf("%s 回复在 %d 次尝试后仍无效", kind, c.planRetries))
}

// ExecuteAction 执行单个动作。执行前后都会记录步骤，结果写入上下文的动作历史。
// 未注册的动作类型返回说明文本而不是错误。
func (c *ChainOfThought) ExecuteAction(ctx context.Context, action Action) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, c.tracer, "cot.action", telemetry.AttrActionType.String(action.Type))
	defer span.End()

	payload := string(action.Payload)
	c.bus.Publish(events.KindActionStart, events.ActionPayload{ActionType: action.Type, Payload: action.Payload})
	c.addStep(step.TypeAction, fmt.Sprintf("执行动作 %s: %s", action.Type, truncate(payload, 500)), map[string]any{"action_type": action.Type})

	exec, ok := c.executor(action.Type)
	if !ok {
		result := fmt.Sprintf("Action type %s is not supported", action.Type)
		c.finishAction(action, result, nil)
		return result, nil
	}

	result, err := exec(ctx, action.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.finishAction(action, result, err)
	return result, err
}

func (c *ChainOfThought) finishAction(action Action, result string, err error) {
	rec := ActionRecord{Action: action, Result: result, At: c.now()}
	if err != nil {
		rec.Error = err.Error()
		c.addStep(step.TypeAction, fmt.Sprintf("动作 %s 失败: %v", action.Type, err), map[string]any{"action_type": action.Type})
		c.bus.Publish(events.KindActionError, events.ActionPayload{ActionType: action.Type, Error: err.Error(), Code: string(xerrors.CodeOf(err))})
		c.audit.Warn("动作执行失败",
			slog.String("action_type", action.Type),
			slog.String("payload", string(action.Payload)),
			slog.Any("error", err),
		)
	} else {
		c.addStep(step.TypeAction, fmt.Sprintf("动作 %s 结果: %s", action.Type, truncate(result, 500)), map[string]any{"action_type": action.Type})
		c.bus.Publish(events.KindActionComplete, events.ActionPayload{ActionType: action.Type, Result: result})
		c.audit.Info("动作执行完成",
			slog.String("action_type", action.Type),
			slog.String("payload", string(action.Payload)),
			slog.Int("result_bytes", len(result)),
		)
		if action.Type == ActionExecuteTransaction {
			c.MergeContext(Context{Properties: map[string]any{"last_chain_result": truncate(result, maxResultChars)}})
		}
	}
	c.recordHistory(rec)
}

func describePlan(actions []Action) string {
	if len(actions) == 0 {
		return "计划为空"
	}
	types := make([]string, 0, len(actions))
	for _, a := range actions {
		types = append(types, a.Type)
	}
	return fmt.Sprintf("计划 %d 个动作: %s", len(actions), strings.Join(types, " -> "))
}

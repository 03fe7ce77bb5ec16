// Package orchestrator keeps the registry of input, output and action
// handlers, fires scheduled inputs, and routes handler results through the
// Processor in a bounded FIFO dispatch loop.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/events"
	"OpenGoal-Chain/internal/memory"
	"OpenGoal-Chain/internal/scheduler"
	"OpenGoal-Chain/internal/schema"
	"OpenGoal-Chain/internal/telemetry"
	"OpenGoal-Chain/pkg/logger"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultHopLimit = 100

// cronParser 解析标准 5 段 cron 表达式。
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type registration struct {
	Handler
	validator *schema.Validator
	schedule  cron.Schedule
	gen       uint64
}

func (r *registration) info() HandlerInfo {
	return HandlerInfo{Name: r.Name, Role: r.Role, Description: r.Description, Schema: r.Schema}
}

// scheduledInput 是调度器中的一次输入触发。
type scheduledInput struct {
	name string
	at   time.Time
	gen  uint64
}

func (s scheduledInput) Key() string          { return s.name }
func (s scheduledInput) NextRunAt() time.Time { return s.at }

// Orchestrator 管理处理器注册与自主调度循环。
type Orchestrator struct {
	mu       sync.RWMutex
	handlers map[string]*registration
	nextGen  uint64

	processor Processor
	store     memory.Store
	rooms     *memory.RoomManager
	sched     *scheduler.Scheduler[scheduledInput]
	bus       *events.Bus
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	hopLimit  int
	tick      time.Duration
}

// Option 定义 Orchestrator 的可选配置。
type Option func(*Orchestrator)

// WithBus 指定事件总线。
func WithBus(bus *events.Bus) Option {
	return func(o *Orchestrator) {
		o.bus = bus
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRoomManager 指定房间管理器。
func WithRoomManager(rooms *memory.RoomManager) Option {
	return func(o *Orchestrator) {
		if rooms != nil {
			o.rooms = rooms
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithHopLimit 设置单次调度循环最多处理的条目数。
func WithHopLimit(limit int) Option {
	return func(o *Orchestrator) {
		if limit > 0 {
			o.hopLimit = limit
		}
	}
}

// WithTracer 指定 tracer。
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithSchedulerTick 设置定时输入的轮询间隔。
func WithSchedulerTick(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.tick = d
		}
	}
}

// New 创建 Orchestrator。
func New(processor Processor, store memory.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		handlers:  make(map[string]*registration),
		processor: processor,
		store:     store,
		now:       time.Now,
		hopLimit:  defaultHopLimit,
		tick:      time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.logger == nil {
		o.logger = logger.Named("orchestrator")
	}
	if o.rooms == nil {
		o.rooms = memory.NewRoomManager()
	}
	if o.tracer == nil {
		o.tracer = telemetry.Tracer()
	}
	o.sched = scheduler.New[scheduledInput](o.fireScheduled,
		scheduler.WithClock[scheduledInput](o.now),
		scheduler.WithTick[scheduledInput](o.tick),
		scheduler.WithLogger[scheduledInput](o.logger),
	)
	return o
}

// RegisterIOHandler 注册处理器。同名处理器被静默替换并记录警告。
func (o *Orchestrator) RegisterIOHandler(h Handler) error {
	reg, err := o.compile(h)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.nextGen++
	reg.gen = o.nextGen
	_, replaced := o.handlers[reg.Name]
	o.handlers[reg.Name] = reg
	o.mu.Unlock()

	payload := events.HandlerPayload{Name: reg.Name, Role: string(reg.Role)}
	if replaced {
		o.sched.Remove(reg.Name)
		o.logger.Warn("处理器已被替换", slog.String("handler", reg.Name), slog.String("role", string(reg.Role)))
		o.bus.Publish(events.KindHandlerReplaced, payload)
	} else {
		o.logger.Info("注册处理器", slog.String("handler", reg.Name), slog.String("role", string(reg.Role)))
		o.bus.Publish(events.KindHandlerRegistered, payload)
	}

	if reg.Role == RoleInput && (reg.Interval > 0 || reg.schedule != nil) {
		next := reg.NextRun
		if next.IsZero() {
			next = o.now()
		}
		o.sched.Schedule(scheduledInput{name: reg.Name, at: next, gen: reg.gen})
	}
	if reg.Role != RoleInput && o.processor != nil {
		o.processor.AddHandler(reg.info())
	}
	return nil
}

func (o *Orchestrator) compile(h Handler) (*registration, error) {
	h.Name = strings.TrimSpace(h.Name)
	if h.Name == "" {
		return nil, xerrors.New(CodeHandlerInvalid, "处理器名称不能为空")
	}
	if !h.Role.Valid() {
		return nil, xerrors.Newf(CodeHandlerInvalid, "处理器 %s 的角色 %q 不受支持", h.Name, h.Role)
	}
	if h.Handler == nil {
		return nil, xerrors.Newf(CodeHandlerInvalid, "处理器 %s 缺少执行函数", h.Name)
	}
	if h.Role != RoleInput && (h.Interval > 0 || h.Cron != "") {
		return nil, xerrors.Newf(CodeHandlerInvalid, "只有输入处理器可以设置定时，%s 的角色为 %s", h.Name, h.Role)
	}
	if h.Interval < 0 {
		return nil, xerrors.Newf(CodeHandlerInvalid, "处理器 %s 的间隔不能为负", h.Name)
	}

	reg := &registration{Handler: h}
	if len(h.Schema) > 0 {
		validator, err := schema.Compile(h.Schema)
		if err != nil {
			return nil, xerrors.Wrap(CodeHandlerInvalid, err, fmt.Sprintf("处理器 %s 的 schema 无效", h.Name))
		}
		reg.validator = validator
	}
	if expr := strings.TrimSpace(h.Cron); expr != "" {
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, xerrors.Wrap(CodeHandlerInvalid, err, fmt.Sprintf("处理器 %s 的 cron 表达式无效", h.Name))
		}
		reg.schedule = sched
	}
	return reg, nil
}

// RemoveIOHandler 注销处理器，返回其是否存在。
func (o *Orchestrator) RemoveIOHandler(name string) bool {
	o.mu.Lock()
	_, ok := o.handlers[name]
	delete(o.handlers, name)
	o.mu.Unlock()
	if !ok {
		return false
	}
	o.sched.Remove(name)
	if remover, ok := o.processor.(handlerRemover); ok {
		remover.RemoveHandler(name)
	}
	return true
}

// Handlers 返回已注册处理器的描述。
func (o *Orchestrator) Handlers() []HandlerInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]HandlerInfo, 0, len(o.handlers))
	for _, reg := range o.handlers {
		out = append(out, reg.info())
	}
	return out
}

// ScheduledInputs 返回等待触发的定时输入数量。
func (o *Orchestrator) ScheduledInputs() int {
	return o.sched.Pending()
}

func (o *Orchestrator) lookup(name string, role Role) (*registration, error) {
	o.mu.RLock()
	reg, ok := o.handlers[name]
	o.mu.RUnlock()
	if !ok {
		return nil, xerrors.Newf(CodeHandlerNotFound, "处理器 %s 未注册", name)
	}
	if reg.Role != role {
		return nil, xerrors.Newf(CodeHandlerRoleMismatch, "处理器 %s 的角色为 %s，而不是 %s", name, reg.Role, role)
	}
	return reg, nil
}

// invoke 校验载荷并执行处理器。调用期间不持有锁。
func (o *Orchestrator) invoke(ctx context.Context, reg *registration, payload any) (any, error) {
	ctx, span := telemetry.StartSpan(ctx, o.tracer, "orchestrator.handler",
		telemetry.AttrHandler.String(reg.Name),
		telemetry.AttrHandlerRole.String(string(reg.Role)),
	)
	defer span.End()

	if reg.validator != nil && payload != nil {
		if err := reg.validator.Validate(payload); err != nil {
			wrapped := xerrors.Wrap(CodePayloadInvalid, err, fmt.Sprintf("处理器 %s 的载荷不符合 schema", reg.Name))
			span.SetStatus(codes.Error, wrapped.Error())
			return nil, wrapped
		}
	}
	result, err := reg.Handler.Handler(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

// DispatchToInput 调用输入处理器，结果为真时以处理器名为来源进入调度循环。
func (o *Orchestrator) DispatchToInput(ctx context.Context, name string, data any) (any, error) {
	reg, err := o.lookup(name, RoleInput)
	if err != nil {
		return nil, err
	}
	result, err := o.invoke(ctx, reg, data)
	if err != nil {
		return nil, err
	}
	if Truthy(result) {
		if err := o.runAutonomousFlow(ctx, result, name); err != nil {
			return result, err
		}
	}
	return result, nil
}

// DispatchToAction 直接调用动作处理器。
func (o *Orchestrator) DispatchToAction(ctx context.Context, name string, data any) (any, error) {
	reg, err := o.lookup(name, RoleAction)
	if err != nil {
		return nil, err
	}
	return o.invoke(ctx, reg, data)
}

// DispatchToOutput 直接调用输出处理器。
func (o *Orchestrator) DispatchToOutput(ctx context.Context, name string, data any) (any, error) {
	reg, err := o.lookup(name, RoleOutput)
	if err != nil {
		return nil, err
	}
	return o.invoke(ctx, reg, data)
}

// Start 启动定时输入的后台轮询。
func (o *Orchestrator) Start(ctx context.Context) {
	o.sched.Start(ctx)
}

// Stop 停止后台轮询。
func (o *Orchestrator) Stop() {
	o.sched.Stop()
}

// RunDueInputs 立即触发所有到期的定时输入，返回触发数量。
func (o *Orchestrator) RunDueInputs(ctx context.Context) int {
	return o.sched.RunDue(ctx)
}

// fireScheduled 执行到期的定时输入，并在处理器仍为同一注册时重新排期。
func (o *Orchestrator) fireScheduled(ctx context.Context, item scheduledInput) {
	o.mu.RLock()
	reg, ok := o.handlers[item.name]
	o.mu.RUnlock()
	if !ok || reg.gen != item.gen {
		return
	}

	if _, err := o.DispatchToInput(ctx, item.name, nil); err != nil {
		o.logger.Error("定时输入执行失败", slog.String("handler", item.name), slog.Any("error", err))
		o.bus.Publish(events.KindDispatchError, events.DispatchPayload{
			Source:  item.name,
			Handler: item.name,
			Role:    string(RoleInput),
			Error:   err.Error(),
			Code:    string(xerrors.CodeOf(err)),
		})
	}

	now := o.now()
	var next time.Time
	switch {
	case reg.schedule != nil:
		next = reg.schedule.Next(now)
	case reg.Interval > 0:
		next = now.Add(reg.Interval)
	default:
		return
	}

	o.mu.Lock()
	current, still := o.handlers[item.name]
	if still && current.gen == item.gen {
		current.NextRun = next
	}
	o.mu.Unlock()
	if still && current.gen == item.gen {
		o.sched.Schedule(scheduledInput{name: item.name, at: next, gen: item.gen})
	}
}

package alerting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/events"
	"OpenGoal-Chain/pkg/logger"
)

// Watcher 把总线上携带错误码的事件转换成告警。只有注册属性中 Alert 为 true
// 的错误码会触发通知；同一错误码在冷却时间内只通知一次。
type Watcher struct {
	dispatcher Dispatcher
	cooldown   time.Duration
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.Mutex
	last map[xerrors.Code]time.Time

	queue chan Event
	wg    sync.WaitGroup
	stop  context.CancelFunc
}

// Option 定义 Watcher 的可选配置。
type Option func(*Watcher)

// WithCooldown 设置同一错误码两次通知之间的最小间隔。
func WithCooldown(d time.Duration) Option {
	return func(w *Watcher) {
		if d >= 0 {
			w.cooldown = d
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) {
		if now != nil {
			w.now = now
		}
	}
}

// WithQueueSize 设置待发送告警的缓冲大小，缓冲满时丢弃新告警。
func WithQueueSize(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.queue = make(chan Event, n)
		}
	}
}

// NewWatcher 创建告警监听器。
func NewWatcher(d Dispatcher, opts ...Option) *Watcher {
	w := &Watcher{
		dispatcher: d,
		cooldown:   time.Minute,
		timeout:    15 * time.Second,
		now:        time.Now,
		last:       make(map[xerrors.Code]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.logger == nil {
		w.logger = logger.Named("alerting")
	}
	if w.queue == nil {
		w.queue = make(chan Event, 64)
	}
	return w
}

// Attach 订阅会产生告警的事件类型，返回取消订阅函数。
func (w *Watcher) Attach(bus *events.Bus) func() {
	kinds := []events.Kind{
		events.KindThinkError,
		events.KindActionError,
		events.KindDispatchError,
		events.KindDispatchHopLimit,
	}
	unsubs := make([]func(), 0, len(kinds))
	for _, k := range kinds {
		unsubs = append(unsubs, bus.Subscribe(k, w.observe))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Start 启动发送协程。
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.stop = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-w.queue:
				w.send(ctx, ev)
			}
		}
	}()
}

// Stop 停止发送协程并等待其退出。
func (w *Watcher) Stop() {
	if w.stop != nil {
		w.stop()
	}
	w.wg.Wait()
}

func (w *Watcher) send(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.dispatcher.Notify(ctx, ev); err != nil {
		w.logger.Warn("告警发送失败", slog.String("code", string(ev.Code)), slog.Any("error", err))
	}
}

func (w *Watcher) observe(e events.Event) {
	ev, ok := toAlert(e)
	if !ok {
		return
	}
	attr := xerrors.AttributesOf(ev.Code)
	if !attr.Alert {
		return
	}
	ev.Severity = attr.Severity
	ev.OccurredAt = e.OccurredAt

	if !w.admit(ev.Code) {
		return
	}
	select {
	case w.queue <- ev:
	default:
		w.logger.Warn("告警队列已满，丢弃告警", slog.String("code", string(ev.Code)))
	}
}

// admit 执行按错误码的冷却。
func (w *Watcher) admit(code xerrors.Code) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if last, ok := w.last[code]; ok && now.Sub(last) < w.cooldown {
		return false
	}
	w.last[code] = now
	return true
}

func toAlert(e events.Event) (Event, bool) {
	ev := Event{Kind: string(e.Kind)}
	var code string
	switch p := e.Payload.(type) {
	case events.ThinkPayload:
		code, ev.Message, ev.Source = p.Code, p.Error, p.Query
	case events.ActionPayload:
		code, ev.Message, ev.Source = p.Code, p.Error, p.ActionType
	case events.DispatchPayload:
		code, ev.Message, ev.Source = p.Code, p.Error, p.Source
		if p.Handler != "" {
			ev.Metadata = map[string]string{"handler": p.Handler}
		}
		if e.Kind == events.KindDispatchHopLimit && ev.Message == "" {
			ev.Message = "dispatch hop limit reached"
		}
	default:
		return ev, false
	}
	if code == "" {
		return ev, false
	}
	ev.Code = xerrors.Code(code)
	return ev, true
}

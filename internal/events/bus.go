package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"OpenGoal-Chain/pkg/logger"
)

// Subscriber 在 Publish 的调用栈内被同步调用。
type Subscriber func(Event)

type subscription struct {
	id   int
	kind Kind // 为空表示订阅全部事件
	fn   Subscriber
}

// Bus 是进程内的同步事件总线。
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID int
	logger *slog.Logger
	now    func() time.Time
}

// Option 定义 Bus 的可选配置。
type Option func(*Bus)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBus 创建事件总线。
func NewBus(opts ...Option) *Bus {
	b := &Bus{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.logger == nil {
		b.logger = logger.Named("events")
	}
	return b
}

// Subscribe 订阅指定类型的事件，返回取消订阅函数。
func (b *Bus) Subscribe(kind Kind, fn Subscriber) func() {
	return b.add(kind, fn)
}

// SubscribeAll 订阅全部事件。
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	return b.add("", fn)
}

func (b *Bus) add(kind Kind, fn Subscriber) func() {
	if b == nil || fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, kind: kind, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish 将事件同步投递给匹配的订阅者。nil Bus 上调用是安全的空操作。
func (b *Bus) Publish(kind Kind, payload any) {
	if b == nil {
		return
	}
	if !kind.Valid() {
		b.logger.Warn("丢弃未知类型的事件", slog.String("kind", string(kind)))
		return
	}

	b.mu.RLock()
	matched := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.kind == "" || sub.kind == kind {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	event := Event{Kind: kind, Payload: payload, OccurredAt: b.now()}
	for _, sub := range matched {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("事件订阅者异常",
				slog.String("kind", string(event.Kind)),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	sub.fn(event)
}

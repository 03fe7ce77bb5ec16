// Package scheduler runs keyed items once their next-run time has passed.
// Items are removed before their callback fires; callers that want a
// repeating item schedule it again from the callback.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"OpenGoal-Chain/pkg/logger"
)

// Item 是可被调度的条目。
type Item interface {
	Key() string
	NextRunAt() time.Time
}

// Func 在条目到期时被调用。
type Func[T Item] func(ctx context.Context, item T)

// Scheduler 按 NextRunAt 顺序触发到期条目。
type Scheduler[T Item] struct {
	mu      sync.Mutex
	items   map[string]T
	fn      Func[T]
	tick    time.Duration
	now     func() time.Time
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Option 定义 Scheduler 的可选配置。
type Option[T Item] func(*Scheduler[T])

// WithTick 设置轮询间隔，默认 1 秒。
func WithTick[T Item](d time.Duration) Option[T] {
	return func(s *Scheduler[T]) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithClock 替换时间来源。
func WithClock[T Item](now func() time.Time) Option[T] {
	return func(s *Scheduler[T]) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger[T Item](l *slog.Logger) Option[T] {
	return func(s *Scheduler[T]) {
		if l != nil {
			s.logger = l
		}
	}
}

// New 创建调度器，fn 为到期回调。
func New[T Item](fn Func[T], opts ...Option[T]) *Scheduler[T] {
	s := &Scheduler[T]{
		items: make(map[string]T),
		fn:    fn,
		tick:  time.Second,
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("scheduler")
	}
	return s
}

// Schedule 按 Key 新增或替换条目。
func (s *Scheduler[T]) Schedule(item T) {
	s.mu.Lock()
	s.items[item.Key()] = item
	s.mu.Unlock()
}

// Remove 删除条目，返回条目是否存在。
func (s *Scheduler[T]) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return false
	}
	delete(s.items, key)
	return true
}

// Pending 返回尚未触发的条目数量。
func (s *Scheduler[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Get 返回指定 Key 的条目。
func (s *Scheduler[T]) Get(key string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	return item, ok
}

// RunDue 触发所有到期条目并返回触发数量。回调按 NextRunAt 顺序串行执行。
func (s *Scheduler[T]) RunDue(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	due := make([]T, 0)
	for key, item := range s.items {
		if !item.NextRunAt().After(now) {
			due = append(due, item)
			delete(s.items, key)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		ti, tj := due[i].NextRunAt(), due[j].NextRunAt()
		if ti.Equal(tj) {
			return due[i].Key() < due[j].Key()
		}
		return ti.Before(tj)
	})

	for _, item := range due {
		if ctx.Err() != nil {
			// 未执行的条目放回，等待下次轮询。
			s.mu.Lock()
			if _, exists := s.items[item.Key()]; !exists {
				s.items[item.Key()] = item
			}
			s.mu.Unlock()
			continue
		}
		s.invoke(ctx, item)
	}
	return len(due)
}

func (s *Scheduler[T]) invoke(ctx context.Context, item T) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("调度回调异常",
				slog.String("key", item.Key()),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	if s.fn != nil {
		s.fn(ctx, item)
	}
}

// Start 启动后台轮询协程。重复调用无副作用。
func (s *Scheduler[T]) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.RunDue(loopCtx)
			}
		}
	}()
}

// Stop 停止轮询协程并等待其退出。
func (s *Scheduler[T]) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

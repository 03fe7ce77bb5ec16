package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/events"
	"OpenGoal-Chain/internal/memory"
	"OpenGoal-Chain/pkg/logger"
)

// scriptedProcessor 依次返回预设的建议，用尽后不再建议任何处理器。
type scriptedProcessor struct {
	mu        sync.Mutex
	script    [][]string
	calls     int
	seen      []any
	announced []HandlerInfo
	removed   []string
	process   func(data any, room *memory.Room) (*ProcessedResult, error)
}

func (p *scriptedProcessor) Process(_ context.Context, data any, room *memory.Room) (*ProcessedResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, data)
	if p.process != nil {
		return p.process(data, room)
	}
	result := &ProcessedResult{Content: data}
	if p.calls < len(p.script) {
		for _, name := range p.script[p.calls] {
			result.SuggestedOutputs = append(result.SuggestedOutputs, SuggestedOutput{Name: name, Data: data, Confidence: 1})
		}
	}
	p.calls++
	return result, nil
}

func (p *scriptedProcessor) AddHandler(info HandlerInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.announced = append(p.announced, info)
}

func (p *scriptedProcessor) RemoveHandler(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, name)
}

type harness struct {
	orch   *Orchestrator
	proc   *scriptedProcessor
	store  *memory.InMemoryStore
	events *[]events.Event
	now    *time.Time
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	bus := events.NewBus(events.WithLogger(logger.Discard()))
	var seen []events.Event
	bus.SubscribeAll(func(e events.Event) { seen = append(seen, e) })

	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	proc := &scriptedProcessor{}
	store := memory.NewInMemoryStore()
	base := []Option{
		WithBus(bus),
		WithLogger(logger.Discard()),
		WithClock(func() time.Time { return now }),
	}
	orch := New(proc, store, append(base, opts...)...)
	return &harness{orch: orch, proc: proc, store: store, events: &seen, now: &now}
}

func (h *harness) kinds() map[events.Kind]int {
	out := make(map[events.Kind]int)
	for _, e := range *h.events {
		out[e.Kind]++
	}
	return out
}

func mustRegister(t *testing.T, o *Orchestrator, h Handler) {
	t.Helper()
	if err := o.RegisterIOHandler(h); err != nil {
		t.Fatalf("register %s: %v", h.Name, err)
	}
}

func TestPingDoubleSinkFlow(t *testing.T) {
	h := newHarness(t)
	h.proc.script = [][]string{{"double"}, {"sink"}}

	var sunk []any
	mustRegister(t, h.orch, Handler{Name: "ping", Role: RoleInput, Handler: func(context.Context, any) (any, error) {
		return map[string]any{"value": 1}, nil
	}})
	mustRegister(t, h.orch, Handler{Name: "double", Role: RoleAction, Handler: func(_ context.Context, payload any) (any, error) {
		in := payload.(map[string]any)
		return map[string]any{"value": in["value"].(int) * 2}, nil
	}})
	mustRegister(t, h.orch, Handler{Name: "sink", Role: RoleOutput, Handler: func(_ context.Context, payload any) (any, error) {
		sunk = append(sunk, payload)
		return nil, nil
	}})

	if _, err := h.orch.DispatchToInput(context.Background(), "ping", nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(sunk) != 1 {
		t.Fatalf("expected exactly one sink call, got %v", sunk)
	}
	if got := sunk[0].(map[string]any)["value"]; got != 2 {
		t.Fatalf("expected sink value 2, got %v", got)
	}
	if h.proc.calls != 2 {
		t.Fatalf("expected 2 processor calls, got %d", h.proc.calls)
	}

	similar, _ := h.store.FindSimilar(context.Background(), memory.RoomID("ping"), `{"value":1}`, 5)
	if len(similar) != 1 {
		t.Fatalf("content not stored in ping room: %+v", similar)
	}
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t)
	noop := func(context.Context, any) (any, error) { return nil, nil }
	cases := []Handler{
		{Name: "", Role: RoleInput, Handler: noop},
		{Name: "x", Role: "sidecar", Handler: noop},
		{Name: "x", Role: RoleAction},
		{Name: "x", Role: RoleOutput, Handler: noop, Interval: time.Second},
		{Name: "x", Role: RoleInput, Handler: noop, Cron: "not a cron"},
		{Name: "x", Role: RoleAction, Handler: noop, Schema: json.RawMessage(`{"type": 5}`)},
	}
	for i, c := range cases {
		if err := h.orch.RegisterIOHandler(c); xerrors.CodeOf(err) != CodeHandlerInvalid {
			t.Fatalf("case %d: expected invalid handler error, got %v", i, err)
		}
	}
}

func TestReRegistrationReplacesAndWarns(t *testing.T) {
	h := newHarness(t)
	first := func(context.Context, any) (any, error) { return "first", nil }
	second := func(context.Context, any) (any, error) { return "second", nil }
	mustRegister(t, h.orch, Handler{Name: "act", Role: RoleAction, Handler: first})
	mustRegister(t, h.orch, Handler{Name: "act", Role: RoleAction, Handler: second})
	mustRegister(t, h.orch, Handler{Name: "feed", Role: RoleInput, Handler: first})

	out, err := h.orch.DispatchToAction(context.Background(), "act", nil)
	if err != nil || out != "second" {
		t.Fatalf("expected replacement handler, got %v (%v)", out, err)
	}
	k := h.kinds()
	if k[events.KindHandlerReplaced] != 1 || k[events.KindHandlerRegistered] != 2 {
		t.Fatalf("unexpected handler events %v", k)
	}
	if len(h.proc.announced) != 2 {
		t.Fatalf("only non-input handlers are announced, got %+v", h.proc.announced)
	}
	if len(h.orch.Handlers()) != 2 {
		t.Fatalf("expected 2 handlers registered")
	}

	if !h.orch.RemoveIOHandler("act") || h.orch.RemoveIOHandler("act") {
		t.Fatalf("remove semantics wrong")
	}
	if len(h.proc.removed) != 1 {
		t.Fatalf("processor not told about removal")
	}
}

func TestDispatchRoleChecks(t *testing.T) {
	h := newHarness(t)
	mustRegister(t, h.orch, Handler{Name: "out", Role: RoleOutput, Handler: func(context.Context, any) (any, error) { return nil, nil }})

	if _, err := h.orch.DispatchToInput(context.Background(), "out", nil); xerrors.CodeOf(err) != CodeHandlerRoleMismatch {
		t.Fatalf("expected role mismatch, got %v", err)
	}
	if _, err := h.orch.DispatchToAction(context.Background(), "missing", nil); xerrors.CodeOf(err) != CodeHandlerNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.orch.DispatchToOutput(context.Background(), "out", "x"); err != nil {
		t.Fatalf("output dispatch: %v", err)
	}
}

func TestSchemaRejectsInvalidPayload(t *testing.T) {
	h := newHarness(t)
	called := false
	mustRegister(t, h.orch, Handler{
		Name:   "transfer",
		Role:   RoleAction,
		Schema: json.RawMessage(`{"type":"object","required":["to"],"properties":{"to":{"type":"string"}}}`),
		Handler: func(context.Context, any) (any, error) {
			called = true
			return "ok", nil
		},
	})
	if _, err := h.orch.DispatchToAction(context.Background(), "transfer", map[string]any{"amount": 3}); xerrors.CodeOf(err) != CodePayloadInvalid {
		t.Fatalf("expected payload invalid, got %v", err)
	}
	if called {
		t.Fatalf("handler must not run on invalid payload")
	}
	if out, err := h.orch.DispatchToAction(context.Background(), "transfer", map[string]any{"to": "0xabc"}); err != nil || out != "ok" {
		t.Fatalf("valid payload rejected: %v %v", out, err)
	}
}

func TestFalsyInputResultSkipsFlow(t *testing.T) {
	h := newHarness(t)
	mustRegister(t, h.orch, Handler{Name: "quiet", Role: RoleInput, Handler: func(context.Context, any) (any, error) { return "", nil }})
	if _, err := h.orch.DispatchToInput(context.Background(), "quiet", nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(h.proc.seen) != 0 {
		t.Fatalf("processor should not be called for falsy results")
	}
}

func TestAlreadyProcessedContentIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.proc.process = func(data any, room *memory.Room) (*ProcessedResult, error) {
		return &ProcessedResult{Content: data, AlreadyProcessed: true, SuggestedOutputs: []SuggestedOutput{{Name: "sink"}}}, nil
	}
	sunk := 0
	mustRegister(t, h.orch, Handler{Name: "feed", Role: RoleInput, Handler: func(context.Context, any) (any, error) { return "news", nil }})
	mustRegister(t, h.orch, Handler{Name: "sink", Role: RoleOutput, Handler: func(context.Context, any) (any, error) {
		sunk++
		return nil, nil
	}})
	if _, err := h.orch.DispatchToInput(context.Background(), "feed", nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if sunk != 0 || h.kinds()[events.KindDispatchDropped] != 1 {
		t.Fatalf("already processed content must be dropped, sunk=%d", sunk)
	}
}

func TestActionResultEnqueuedOnceAndRepeatsDropped(t *testing.T) {
	h := newHarness(t)
	h.proc.process = func(data any, room *memory.Room) (*ProcessedResult, error) {
		return &ProcessedResult{Content: data, SuggestedOutputs: []SuggestedOutput{{Name: "echo", Data: data}}}, nil
	}
	calls := 0
	mustRegister(t, h.orch, Handler{Name: "feed", Role: RoleInput, Handler: func(context.Context, any) (any, error) { return "tick", nil }})
	mustRegister(t, h.orch, Handler{Name: "echo", Role: RoleAction, Handler: func(context.Context, any) (any, error) {
		calls++
		return "same", nil
	}})

	if _, err := h.orch.DispatchToInput(context.Background(), "feed", nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	// feed/tick -> echo/same -> echo/same (重复，丢弃)
	if calls != 2 || len(h.proc.seen) != 2 {
		t.Fatalf("unexpected calls=%d processed=%d", calls, len(h.proc.seen))
	}
	if h.kinds()[events.KindDispatchDropped] != 1 {
		t.Fatalf("expected repeated content to be dropped: %v", h.kinds())
	}
}

func TestHopLimitStopsRunawayLoop(t *testing.T) {
	h := newHarness(t, WithHopLimit(5))
	h.proc.process = func(data any, room *memory.Room) (*ProcessedResult, error) {
		return &ProcessedResult{Content: data, SuggestedOutputs: []SuggestedOutput{{Name: "inc", Data: data}}}, nil
	}
	counter := 0
	mustRegister(t, h.orch, Handler{Name: "seed", Role: RoleInput, Handler: func(context.Context, any) (any, error) { return 1, nil }})
	mustRegister(t, h.orch, Handler{Name: "inc", Role: RoleAction, Handler: func(context.Context, any) (any, error) {
		counter++
		return counter + 1, nil
	}})

	_, err := h.orch.DispatchToInput(context.Background(), "seed", nil)
	if xerrors.CodeOf(err) != CodeDispatchHopLimit {
		t.Fatalf("expected hop limit error, got %v", err)
	}
	if len(h.proc.seen) != 5 {
		t.Fatalf("expected 5 processed items, got %d", len(h.proc.seen))
	}
	if h.kinds()[events.KindDispatchHopLimit] != 1 {
		t.Fatalf("expected hop limit event")
	}
}

func TestLoopContinuesAfterHandlerErrors(t *testing.T) {
	h := newHarness(t)
	h.proc.script = [][]string{{"ghost", "broken", "feed", "sink"}}
	sunk := 0
	mustRegister(t, h.orch, Handler{Name: "feed", Role: RoleInput, Handler: func(context.Context, any) (any, error) { return "data", nil }})
	mustRegister(t, h.orch, Handler{Name: "broken", Role: RoleAction, Handler: func(context.Context, any) (any, error) {
		return nil, errors.New("rpc down")
	}})
	mustRegister(t, h.orch, Handler{Name: "sink", Role: RoleOutput, Handler: func(context.Context, any) (any, error) {
		sunk++
		return nil, nil
	}})

	if _, err := h.orch.DispatchToInput(context.Background(), "feed", nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	k := h.kinds()
	if sunk != 1 {
		t.Fatalf("sink should still run, sunk=%d", sunk)
	}
	// ghost 未注册、feed 为输入角色
	if k[events.KindDispatchDropped] != 2 || k[events.KindDispatchError] != 1 {
		t.Fatalf("unexpected dispatch events %v", k)
	}
}

func TestScheduledInputsRescheduleByInterval(t *testing.T) {
	h := newHarness(t)
	fired := 0
	mustRegister(t, h.orch, Handler{
		Name:     "poll",
		Role:     RoleInput,
		Interval: time.Minute,
		Handler: func(context.Context, any) (any, error) {
			fired++
			return nil, nil
		},
	})
	if h.orch.ScheduledInputs() != 1 {
		t.Fatalf("interval input should be scheduled immediately")
	}

	if n := h.orch.RunDueInputs(context.Background()); n != 1 || fired != 1 {
		t.Fatalf("expected immediate fire, n=%d fired=%d", n, fired)
	}
	if h.orch.RunDueInputs(context.Background()); fired != 1 {
		t.Fatalf("input fired before its interval elapsed")
	}
	*h.now = h.now.Add(time.Minute)
	h.orch.RunDueInputs(context.Background())
	if fired != 2 || h.orch.ScheduledInputs() != 1 {
		t.Fatalf("expected second firing, fired=%d pending=%d", fired, h.orch.ScheduledInputs())
	}

	h.orch.RemoveIOHandler("poll")
	if h.orch.ScheduledInputs() != 0 {
		t.Fatalf("removed handler must be unscheduled")
	}
}

func TestScheduledInputsFollowCron(t *testing.T) {
	h := newHarness(t)
	fired := 0
	start := *h.now
	mustRegister(t, h.orch, Handler{
		Name:    "hourly",
		Role:    RoleInput,
		Cron:    "0 * * * *",
		NextRun: start,
		Handler: func(context.Context, any) (any, error) {
			fired++
			return nil, nil
		},
	})
	h.orch.RunDueInputs(context.Background())
	if fired != 1 {
		t.Fatalf("expected first firing")
	}
	*h.now = start.Add(59 * time.Minute)
	h.orch.RunDueInputs(context.Background())
	if fired != 1 {
		t.Fatalf("cron input fired early")
	}
	*h.now = start.Add(time.Hour)
	h.orch.RunDueInputs(context.Background())
	if fired != 2 {
		t.Fatalf("cron input did not fire on the hour")
	}
}

func TestReplacedScheduledInputUsesNewRegistration(t *testing.T) {
	h := newHarness(t)
	var order []string
	mustRegister(t, h.orch, Handler{Name: "poll", Role: RoleInput, Interval: time.Minute, Handler: func(context.Context, any) (any, error) {
		order = append(order, "old")
		return nil, nil
	}})
	mustRegister(t, h.orch, Handler{Name: "poll", Role: RoleInput, Interval: time.Hour, NextRun: h.now.Add(time.Hour), Handler: func(context.Context, any) (any, error) {
		order = append(order, "new")
		return nil, nil
	}})
	h.orch.RunDueInputs(context.Background())
	if len(order) != 0 {
		t.Fatalf("replaced schedule should not fire, got %v", order)
	}
	*h.now = h.now.Add(time.Hour)
	h.orch.RunDueInputs(context.Background())
	if len(order) != 1 || order[0] != "new" {
		t.Fatalf("unexpected firings %v", order)
	}
}

type level uint16

func TestTruthy(t *testing.T) {
	var nilMap map[string]any
	var nilPtr *int
	cases := []struct {
		in   any
		want bool
	}{
		{nil, false}, {false, false}, {true, true}, {"", false}, {"x", true},
		{0, false}, {3, true}, {0.0, false}, {json.Number("0"), false},
		{nilMap, false}, {nilPtr, false}, {map[string]any{}, true}, {struct{}{}, true},
		{int8(0), false}, {int16(0), false}, {uint8(0), false}, {uint16(0), false},
		{uint32(0), false}, {uintptr(0), false}, {uint32(7), true}, {int8(-1), true},
		{float32(0), false}, {level(0), false}, {level(2), true},
	}
	for i, c := range cases {
		if got := Truthy(c.in); got != c.want {
			t.Fatalf("case %d (%#v): expected %v", i, c.in, c.want)
		}
	}
}

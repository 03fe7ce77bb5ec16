package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/events"
	"OpenGoal-Chain/pkg/logger"
)

type recordingNotifier struct {
	channel Channel
	mu      sync.Mutex
	events  []Event
	err     error
	got     chan struct{}
}

func newRecordingNotifier(ch Channel) *recordingNotifier {
	return &recordingNotifier{channel: ch, got: make(chan struct{}, 16)}
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.got <- struct{}{}
	return r.err
}

func (r *recordingNotifier) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := newRecordingNotifier(ChannelAudit)
	bad := newRecordingNotifier(ChannelWebhook)
	bad.err = errors.New("down")

	err := NewFanout(ok, bad, nil).Notify(context.Background(), Event{Code: xerrors.CodeTimeout})
	if err == nil || len(ok.snapshot()) != 1 || len(bad.snapshot()) != 1 {
		t.Fatalf("expected both channels notified and one error, got %v", err)
	}
}

func TestWatcherAlertsOnFlaggedCodesWithCooldown(t *testing.T) {
	bus := events.NewBus(events.WithLogger(logger.Discard()))
	n := newRecordingNotifier(ChannelAudit)
	now := time.Unix(1700000000, 0)
	w := NewWatcher(NewFanout(n),
		WithLogger(logger.Discard()),
		WithCooldown(time.Minute),
		WithClock(func() time.Time { return now }),
	)
	detach := w.Attach(bus)
	defer detach()
	w.Start(context.Background())
	defer w.Stop()

	// 未标记告警的错误码与缺少错误码的事件都被忽略。
	bus.Publish(events.KindActionError, events.ActionPayload{ActionType: "X", Error: "bad", Code: string(xerrors.CodeInvalidArgument)})
	bus.Publish(events.KindDispatchError, events.DispatchPayload{Source: "feed", Handler: "h", Code: string(xerrors.CodeRateLimited)})
	bus.Publish(events.KindDispatchError, events.DispatchPayload{Source: "feed", Handler: "h"})
	bus.Publish(events.KindThinkError, events.ThinkPayload{Query: "q", Error: "timeout", Code: string(xerrors.CodeTimeout)})
	bus.Publish(events.KindThinkError, events.ThinkPayload{Query: "q", Error: "timeout again", Code: string(xerrors.CodeTimeout)})

	select {
	case <-n.got:
	case <-time.After(time.Second):
		t.Fatalf("alert not delivered")
	}
	time.Sleep(20 * time.Millisecond)
	got := n.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected exactly one alert, got %+v", got)
	}
	if got[0].Code != xerrors.CodeTimeout || got[0].Severity != xerrors.SeverityWarning || got[0].Source != "q" {
		t.Fatalf("unexpected alert %+v", got[0])
	}

	now = now.Add(2 * time.Minute)
	bus.Publish(events.KindThinkError, events.ThinkPayload{Query: "q", Error: "later", Code: string(xerrors.CodeTimeout)})
	select {
	case <-n.got:
	case <-time.After(time.Second):
		t.Fatalf("alert after cooldown not delivered")
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}}
	if err := n.Notify(context.Background(), Event{Code: xerrors.CodeUpstreamFailure, Message: "rpc down"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received.Code != xerrors.CodeUpstreamFailure || received.Message != "rpc down" {
		t.Fatalf("unexpected payload %+v", received)
	}

	n.Headers = nil
	if err := n.Notify(context.Background(), Event{Code: xerrors.CodeTimeout}); xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure {
		t.Fatalf("expected upstream failure, got %v", err)
	}
}

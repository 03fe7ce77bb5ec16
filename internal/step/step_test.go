package step

import (
	"testing"
	"time"

	xerrors "OpenGoal-Chain/internal/errors"
)

func contents(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Content
	}
	return out
}

func TestAddAssignsIDAndTimestamp(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var observed []Step
	m := NewManager(WithClock(func() time.Time { return fixed }), WithObserver(func(s Step) { observed = append(observed, s) }))

	s, err := m.Add(Step{Type: TypeTask, Content: "query"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if s.ID == "" || !s.Timestamp.Equal(fixed) {
		t.Fatalf("unexpected step: %+v", s)
	}
	if len(observed) != 1 || observed[0].ID != s.ID {
		t.Fatalf("observer not called: %+v", observed)
	}
	if _, err := m.Add(Step{Type: "bogus"}); xerrors.CodeOf(err) != CodeStepInvalid {
		t.Fatalf("expected invalid type error, got %v", err)
	}
}

func TestInsertAtPreservesRelativeOrder(t *testing.T) {
	m := NewManager()
	for _, c := range []string{"a", "b", "c"} {
		if _, err := m.Add(Step{Type: TypeAction, Content: c}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if _, err := m.InsertAt(1, Step{Type: TypePlanning, Content: "x"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := m.InsertAt(99, Step{Type: TypePlanning, Content: "z"}); err != nil {
		t.Fatalf("insert tail: %v", err)
	}
	got := contents(m.Steps())
	want := []string{"a", "x", "b", "c", "z"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected order %v", got)
		}
	}
}

func TestUpdatePatchesContentOnly(t *testing.T) {
	m := NewManager()
	first, _ := m.Add(Step{Type: TypeAction, Content: "draft", Tags: []string{"t1"}})
	_, _ = m.Add(Step{Type: TypeAction, Content: "next"})

	revised := "revised"
	updated, err := m.Update(first.ID, Patch{Content: &revised, Meta: map[string]any{"backtracked": true}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Content != "revised" || len(updated.Tags) != 1 || updated.Meta["backtracked"] != true {
		t.Fatalf("unexpected update result %+v", updated)
	}
	if got := contents(m.Steps()); got[0] != "revised" || got[1] != "next" {
		t.Fatalf("unexpected steps %v", got)
	}
	if _, err := m.Update("missing", Patch{}); xerrors.CodeOf(err) != CodeStepNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTruncateAfterAndRemove(t *testing.T) {
	m := NewManager()
	a, _ := m.Add(Step{Type: TypeTask, Content: "a"})
	b, _ := m.Add(Step{Type: TypeAction, Content: "b"})
	_, _ = m.Add(Step{Type: TypeAction, Content: "c"})

	removed, err := m.TruncateAfter(b.ID)
	if err != nil || removed != 1 {
		t.Fatalf("truncate: removed=%d err=%v", removed, err)
	}
	if err := m.Remove(a.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected one step left, got %d", m.Len())
	}
	if _, ok := m.Get(b.ID); !ok {
		t.Fatalf("expected b to remain")
	}
}

func TestStepsReturnsCopies(t *testing.T) {
	m := NewManager()
	_, _ = m.Add(Step{Type: TypeAction, Content: "a", Meta: map[string]any{"k": 1}})
	steps := m.Steps()
	steps[0].Content = "mutated"
	steps[0].Meta["k"] = 2

	again := m.Steps()
	if again[0].Content != "a" || again[0].Meta["k"] != 1 {
		t.Fatalf("manager state leaked: %+v", again[0])
	}
}

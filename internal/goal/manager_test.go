package goal

import (
	"strings"
	"testing"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/events"
	"OpenGoal-Chain/pkg/logger"
)

func newTestManager(t *testing.T) (*Manager, *[]events.Event) {
	t.Helper()
	bus := events.NewBus(events.WithLogger(logger.Discard()))
	var seen []events.Event
	bus.SubscribeAll(func(e events.Event) { seen = append(seen, e) })
	return NewManager(WithBus(bus), WithLogger(logger.Discard())), &seen
}

func mustAdd(t *testing.T, m *Manager, g Goal) *Goal {
	t.Helper()
	out, err := m.AddGoal(g)
	if err != nil {
		t.Fatalf("add goal %q: %v", g.Description, err)
	}
	return out
}

func ids(goals []*Goal) []string {
	out := make([]string, len(goals))
	for i, g := range goals {
		out[i] = g.ID
	}
	return out
}

func TestAddGoalValidatesReferences(t *testing.T) {
	m, seen := newTestManager(t)

	g := mustAdd(t, m, Goal{Horizon: HorizonLong, Description: "root"})
	if g.ID == "" || g.Status != StatusPending || g.CreatedAt.IsZero() {
		t.Fatalf("unexpected defaults: %+v", g)
	}
	if _, err := m.AddGoal(Goal{Description: "orphan", ParentGoal: "missing"}); xerrors.CodeOf(err) != CodeGoalNotFound {
		t.Fatalf("expected missing parent error, got %v", err)
	}
	if _, err := m.AddGoal(Goal{Description: "dangling", Dependencies: []string{"missing"}}); xerrors.CodeOf(err) != CodeGoalNotFound {
		t.Fatalf("expected missing dependency error, got %v", err)
	}
	if _, err := m.AddGoal(Goal{Description: " "}); xerrors.CodeOf(err) != CodeGoalInvalid {
		t.Fatalf("expected invalid goal error, got %v", err)
	}
	if _, err := m.AddGoal(Goal{Description: "x", Horizon: "decade"}); xerrors.CodeOf(err) != CodeGoalInvalid {
		t.Fatalf("expected invalid horizon error, got %v", err)
	}

	child := mustAdd(t, m, Goal{Horizon: HorizonShort, Description: "child", ParentGoal: g.ID})
	parent, _ := m.GetGoal(g.ID)
	if len(parent.Subgoals) != 1 || parent.Subgoals[0] != child.ID {
		t.Fatalf("child not linked to parent: %+v", parent.Subgoals)
	}
	if len(*seen) != 2 || (*seen)[0].Kind != events.KindGoalCreated {
		t.Fatalf("expected two goal:created events, got %+v", *seen)
	}
}

func TestDependencyCompletionReleasesDependents(t *testing.T) {
	m, _ := newTestManager(t)

	a := mustAdd(t, m, Goal{Horizon: HorizonShort, Description: "a", Priority: 5})
	b := mustAdd(t, m, Goal{Horizon: HorizonShort, Description: "b", Priority: 9, Dependencies: []string{a.ID}})

	ready := m.GetReadyGoals()
	if len(ready) != 1 || ready[0].ID != a.ID {
		t.Fatalf("only a should be ready, got %v", ids(ready))
	}

	if err := m.UpdateGoalStatus(a.ID, StatusCompleted); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	got, _ := m.GetGoal(b.ID)
	if got.Status != StatusReady {
		t.Fatalf("expected b ready, got %s", got.Status)
	}
	ready = m.GetReadyGoals()
	if len(ready) != 1 || ready[0].ID != b.ID {
		t.Fatalf("expected b ready, got %v", ids(ready))
	}
	done, _ := m.GetGoal(a.ID)
	if done.Progress != 100 || done.CompletedAt == nil {
		t.Fatalf("completion not stamped: %+v", done)
	}
}

func TestCompletedGoalRejectsRegression(t *testing.T) {
	m, _ := newTestManager(t)
	g := mustAdd(t, m, Goal{Description: "done"})
	if err := m.UpdateGoalStatus(g.ID, StatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := m.UpdateGoalStatus(g.ID, StatusPending); xerrors.CodeOf(err) != xerrors.CodeAlreadyCompleted {
		t.Fatalf("expected already completed error, got %v", err)
	}
	if err := m.UpdateGoalStatus(g.ID, StatusCompleted); err != nil {
		t.Fatalf("repeated completion should be a no-op: %v", err)
	}
	if err := m.RecordGoalFailure(g.ID, "late"); xerrors.CodeOf(err) != xerrors.CodeAlreadyCompleted {
		t.Fatalf("expected already completed error, got %v", err)
	}
	if err := m.UpdateGoalStatus("missing", StatusActive); xerrors.CodeOf(err) != CodeGoalNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFailedGoalCannotRestart(t *testing.T) {
	m, seen := newTestManager(t)
	g := mustAdd(t, m, Goal{Description: "doomed"})
	if err := m.RecordGoalFailure(g.ID, "rpc unreachable"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	for _, s := range []Status{StatusPending, StatusReady, StatusActive, StatusCompleted, StatusBlocked} {
		if err := m.UpdateGoalStatus(g.ID, s); xerrors.CodeOf(err) != xerrors.CodeAlreadyCompleted {
			t.Fatalf("failed goal moved to %s: %v", s, err)
		}
	}
	if err := m.UpdateGoalStatus(g.ID, StatusFailed); err != nil {
		t.Fatalf("repeated failure should be a no-op: %v", err)
	}
	if ready := m.GetReadyGoals(); len(ready) != 0 {
		t.Fatalf("failed goal must not be ready again, got %v", ids(ready))
	}

	other := mustAdd(t, m, Goal{Description: "manual", Progress: 30})
	*seen = nil
	if err := m.UpdateGoalStatus(other.ID, StatusFailed); err != nil {
		t.Fatalf("fail via status: %v", err)
	}
	got, _ := m.GetGoal(other.ID)
	if got.Status != StatusFailed || got.Progress != 100 {
		t.Fatalf("unexpected failure state: %+v", got)
	}
	if len(*seen) != 2 || (*seen)[1].Kind != events.KindGoalFailed {
		t.Fatalf("expected updated and failed events, got %+v", *seen)
	}
}

func TestBlockedGoalRequiresUnblock(t *testing.T) {
	m, _ := newTestManager(t)
	g := mustAdd(t, m, Goal{Description: "waiting"})
	if err := m.BlockGoalHierarchy(g.ID, "maintenance"); err != nil {
		t.Fatalf("block: %v", err)
	}
	for _, s := range []Status{StatusPending, StatusReady, StatusActive, StatusCompleted, StatusFailed} {
		err := m.UpdateGoalStatus(g.ID, s)
		if xerrors.CodeOf(err) != xerrors.CodeConflict || !strings.Contains(err.Error(), "UnblockGoal") {
			t.Fatalf("blocked goal moved to %s: %v", s, err)
		}
	}
	if err := m.UpdateGoalStatus(g.ID, StatusBlocked); err != nil {
		t.Fatalf("re-blocking should be a no-op: %v", err)
	}
	if err := m.UnblockGoal(g.ID); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if err := m.UpdateGoalStatus(g.ID, StatusActive); err != nil {
		t.Fatalf("activate after unblock: %v", err)
	}
}

func TestReadyGoalsOrderingAndHorizonFilter(t *testing.T) {
	m, _ := newTestManager(t)
	low := mustAdd(t, m, Goal{Horizon: HorizonShort, Description: "low", Priority: 1})
	first := mustAdd(t, m, Goal{Horizon: HorizonShort, Description: "tie-1", Priority: 4})
	second := mustAdd(t, m, Goal{Horizon: HorizonShort, Description: "tie-2", Priority: 4})
	long := mustAdd(t, m, Goal{Horizon: HorizonLong, Description: "long", Priority: 10})
	blocked := mustAdd(t, m, Goal{Horizon: HorizonShort, Description: "blocked", Priority: 99})
	if err := m.BlockGoalHierarchy(blocked.ID, "manual"); err != nil {
		t.Fatalf("block: %v", err)
	}

	got := ids(m.GetReadyGoals())
	want := []string{long.ID, first.ID, second.ID, low.ID}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected order %v want %v", got, want)
	}
	short := ids(m.GetReadyGoals(HorizonShort))
	if len(short) != 3 || short[0] != first.ID {
		t.Fatalf("unexpected short filter %v", short)
	}
}

func TestReadyGoalsNeverContainUnmetDependencies(t *testing.T) {
	m, _ := newTestManager(t)
	var all []*Goal
	for i := 0; i < 12; i++ {
		g := Goal{Horizon: HorizonShort, Description: "g", Priority: i % 3}
		if i >= 2 {
			g.Dependencies = []string{all[i-2].ID}
		}
		if i%4 == 1 && i > 1 {
			g.Dependencies = append(g.Dependencies, all[i-1].ID)
		}
		all = append(all, mustAdd(t, m, g))
	}
	for i, g := range all {
		if i%3 == 0 {
			_ = m.UpdateGoalStatus(g.ID, StatusCompleted)
		}
		for _, r := range m.GetReadyGoals() {
			if r.Status != StatusReady && r.Status != StatusPending {
				t.Fatalf("ready goal %s has status %s", r.ID, r.Status)
			}
			for _, dep := range r.Dependencies {
				d, _ := m.GetGoal(dep)
				if d.Status != StatusCompleted {
					t.Fatalf("goal %s returned with incomplete dependency %s", r.ID, dep)
				}
			}
		}
	}
}

func TestParentProgressFollowsSubgoals(t *testing.T) {
	m, seen := newTestManager(t)
	parent := mustAdd(t, m, Goal{Horizon: HorizonMedium, Description: "parent"})
	var children []*Goal
	for i := 0; i < 4; i++ {
		children = append(children, mustAdd(t, m, Goal{Horizon: HorizonShort, Description: "child", ParentGoal: parent.ID}))
	}

	for i, child := range children {
		if err := m.UpdateGoalStatus(child.ID, StatusCompleted); err != nil {
			t.Fatalf("complete child: %v", err)
		}
		p, _ := m.GetGoal(parent.ID)
		if want := (i + 1) * 25; p.Progress != want {
			t.Fatalf("expected progress %d, got %d", want, p.Progress)
		}
		if i < 3 && p.Status != StatusPending {
			t.Fatalf("parent should stay pending, got %s", p.Status)
		}
	}
	p, _ := m.GetGoal(parent.ID)
	if p.Status != StatusReady {
		t.Fatalf("parent should be ready at 100%%, got %s", p.Status)
	}

	completed := 0
	for _, e := range *seen {
		if e.Kind == events.KindGoalCompleted {
			completed++
		}
	}
	if completed != 4 {
		t.Fatalf("expected 4 goal:completed events, got %d", completed)
	}
}

func TestBlockGoalHierarchyBlocksDescendants(t *testing.T) {
	m, _ := newTestManager(t)
	root := mustAdd(t, m, Goal{Horizon: HorizonLong, Description: "root"})
	mid := mustAdd(t, m, Goal{Horizon: HorizonMedium, Description: "mid", ParentGoal: root.ID})
	leaf := mustAdd(t, m, Goal{Horizon: HorizonShort, Description: "leaf", ParentGoal: mid.ID})
	done := mustAdd(t, m, Goal{Horizon: HorizonShort, Description: "done", ParentGoal: root.ID})
	if err := m.UpdateGoalStatus(done.ID, StatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := m.BlockGoalHierarchy(root.ID, "budget exhausted"); err != nil {
		t.Fatalf("block: %v", err)
	}

	r, _ := m.GetGoal(root.ID)
	if r.Status != StatusBlocked || r.BlockedReason != "budget exhausted" {
		t.Fatalf("root not blocked: %+v", r)
	}
	md, _ := m.GetGoal(mid.ID)
	if md.Status != StatusBlocked || !strings.Contains(md.BlockedReason, "Parent goal "+root.ID+" blocked") {
		t.Fatalf("mid not blocked with parent reason: %+v", md)
	}
	lf, _ := m.GetGoal(leaf.ID)
	if lf.Status != StatusBlocked || !strings.Contains(lf.BlockedReason, root.ID) {
		t.Fatalf("leaf reason should reference root: %+v", lf)
	}
	d, _ := m.GetGoal(done.ID)
	if d.Status != StatusCompleted {
		t.Fatalf("completed goal must not be blocked, got %s", d.Status)
	}
	if len(m.GetReadyGoals()) != 0 {
		t.Fatalf("blocked goals must not be ready")
	}

	if err := m.UnblockGoal(root.ID); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	lf, _ = m.GetGoal(leaf.ID)
	if lf.Status != StatusPending || lf.BlockedReason != "" {
		t.Fatalf("leaf not unblocked: %+v", lf)
	}
	if err := m.UnblockGoal(root.ID); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict unblocking a pending goal, got %v", err)
	}
}

func TestBlockedParentNotReadiedBySubgoals(t *testing.T) {
	m, _ := newTestManager(t)
	parent := mustAdd(t, m, Goal{Horizon: HorizonMedium, Description: "parent"})
	child := mustAdd(t, m, Goal{Horizon: HorizonShort, Description: "child", ParentGoal: parent.ID})
	if err := m.BlockGoalHierarchy(parent.ID, "paused"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if err := m.UpdateGoalStatus(child.ID, StatusCompleted); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("blocked child must not complete, got %v", err)
	}
	// 终态子目标仍可挂到阻塞的父目标下，但不改变父目标进度。
	mustAdd(t, m, Goal{Horizon: HorizonShort, Description: "done", ParentGoal: parent.ID, Status: StatusCompleted})
	p, _ := m.GetGoal(parent.ID)
	if p.Status != StatusBlocked || p.Progress != 0 {
		t.Fatalf("unexpected parent state: %+v", p)
	}

	if err := m.UnblockGoal(parent.ID); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	p, _ = m.GetGoal(parent.ID)
	if p.Status != StatusPending || p.Progress != 50 {
		t.Fatalf("progress not recomputed on unblock: %+v", p)
	}
	if err := m.UpdateGoalStatus(child.ID, StatusCompleted); err != nil {
		t.Fatalf("complete child: %v", err)
	}
	p, _ = m.GetGoal(parent.ID)
	if p.Status != StatusReady || p.Progress != 100 {
		t.Fatalf("parent not readied: %+v", p)
	}
}

func TestSubgoalOfBlockedParentStartsBlocked(t *testing.T) {
	m, _ := newTestManager(t)
	parent := mustAdd(t, m, Goal{Horizon: HorizonMedium, Description: "parent"})
	if err := m.BlockGoalHierarchy(parent.ID, "rpc down"); err != nil {
		t.Fatalf("block: %v", err)
	}
	child := mustAdd(t, m, Goal{Description: "late child", ParentGoal: parent.ID})
	if child.Status != StatusBlocked || child.BlockedReason != "Parent goal "+parent.ID+" blocked: rpc down" {
		t.Fatalf("child should inherit block: %+v", child)
	}
	if ready := m.GetReadyGoals(); len(ready) != 0 {
		t.Fatalf("nothing under a blocked parent may be ready, got %v", ids(ready))
	}
	if err := m.UnblockGoal(parent.ID); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	c, _ := m.GetGoal(child.ID)
	if c.Status != StatusPending || c.BlockedReason != "" {
		t.Fatalf("child not unblocked with parent: %+v", c)
	}

	done := mustAdd(t, m, Goal{Description: "closed"})
	if err := m.UpdateGoalStatus(done.ID, StatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}
	failed := mustAdd(t, m, Goal{Description: "broken"})
	if err := m.RecordGoalFailure(failed.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	for _, pid := range []string{done.ID, failed.ID} {
		if _, err := m.AddGoal(Goal{Description: "orphan", ParentGoal: pid}); xerrors.CodeOf(err) != CodeGoalInvalid {
			t.Fatalf("terminal parent %s should reject subgoals, got %v", pid, err)
		}
	}
}

func TestAddGoalNormalisesTerminalAndFullProgress(t *testing.T) {
	m, seen := newTestManager(t)
	parent := mustAdd(t, m, Goal{Horizon: HorizonMedium, Description: "parent"})
	mustAdd(t, m, Goal{Description: "done", ParentGoal: parent.ID, Status: StatusCompleted})

	p, _ := m.GetGoal(parent.ID)
	if p.Progress != 100 || p.Status != StatusReady {
		t.Fatalf("parent should follow a completed subgoal: %+v", p)
	}
	last := (*seen)[len(*seen)-1]
	if last.Kind != events.KindGoalUpdated {
		t.Fatalf("expected parent update event, got %s", last.Kind)
	}

	full := mustAdd(t, m, Goal{Description: "full", Progress: 100})
	if full.Status != StatusReady {
		t.Fatalf("pending goal with full progress should be ready, got %s", full.Status)
	}
	failed := mustAdd(t, m, Goal{Description: "imported failure", Status: StatusFailed, Progress: 20})
	if failed.Progress != 100 {
		t.Fatalf("failed goal should carry full progress, got %d", failed.Progress)
	}
}

func TestEstimateCompletionTime(t *testing.T) {
	m, _ := newTestManager(t)
	dep := mustAdd(t, m, Goal{Horizon: HorizonMedium, Description: "dep"})
	root := mustAdd(t, m, Goal{Horizon: HorizonLong, Description: "root", Dependencies: []string{dep.ID}})
	for i := 0; i < 4; i++ {
		mustAdd(t, m, Goal{Horizon: HorizonShort, Description: "step", ParentGoal: root.ID})
	}

	// 8 + max(3, 4*1)
	got, err := m.EstimateCompletionTime(root.ID)
	if err != nil || got != 12 {
		t.Fatalf("expected 12, got %d (%v)", got, err)
	}

	if err := m.UpdateGoalStatus(dep.ID, StatusCompleted); err != nil {
		t.Fatalf("complete dep: %v", err)
	}
	if got, _ := m.EstimateCompletionTime(dep.ID); got != 0 {
		t.Fatalf("completed goal should cost 0, got %d", got)
	}
	if _, err := m.EstimateCompletionTime("missing"); xerrors.CodeOf(err) != CodeGoalNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEstimateDetectsCycle(t *testing.T) {
	m, _ := newTestManager(t)
	a := mustAdd(t, m, Goal{Description: "a"})
	b := mustAdd(t, m, Goal{Description: "b", Dependencies: []string{a.ID}})
	// 通过内部状态构造 AddGoal 无法产生的环。
	m.goals[a.ID].Dependencies = []string{b.ID}

	if _, err := m.EstimateCompletionTime(a.ID); xerrors.CodeOf(err) != CodeGoalCycle {
		t.Fatalf("expected cycle error, got %v", err)
	}

	m.goals[b.ID].Subgoals = []string{a.ID}
	m.goals[a.ID].Subgoals = []string{b.ID}
	if err := m.BlockGoalHierarchy(a.ID, "x"); xerrors.CodeOf(err) != CodeGoalCycle {
		t.Fatalf("expected cycle error from block, got %v", err)
	}
	if g, _ := m.GetGoal(a.ID); g.Status == StatusBlocked {
		t.Fatalf("failed block must not mutate state")
	}
}

func TestOutcomeAndFailureRecording(t *testing.T) {
	m, seen := newTestManager(t)
	g := mustAdd(t, m, Goal{Description: "scored"})
	other := mustAdd(t, m, Goal{Description: "failing"})

	if err := m.RecordGoalOutcome(g.ID, 0.4, "first"); err != nil {
		t.Fatalf("outcome: %v", err)
	}
	if err := m.RecordGoalOutcome(g.ID, 0.9, "second"); err != nil {
		t.Fatalf("outcome: %v", err)
	}
	got, _ := m.GetGoal(g.ID)
	if len(got.ScoreHistory) != 2 || *got.OutcomeScore != 0.9 {
		t.Fatalf("unexpected score state: %+v", got)
	}

	if err := m.RecordGoalFailure(other.ID, "rpc unreachable"); err != nil {
		t.Fatalf("failure: %v", err)
	}
	f, _ := m.GetGoal(other.ID)
	if f.Status != StatusFailed || f.Progress != 100 || *f.OutcomeScore != 0 {
		t.Fatalf("unexpected failure state: %+v", f)
	}
	if f.ScoreHistory[0].Comment != "rpc unreachable" {
		t.Fatalf("failure reason not recorded: %+v", f.ScoreHistory)
	}

	ranked := ids(m.GetGoalsByScore())
	if len(ranked) != 2 || ranked[0] != g.ID {
		t.Fatalf("unexpected score ranking %v", ranked)
	}

	var kinds []events.Kind
	for _, e := range *seen {
		kinds = append(kinds, e.Kind)
	}
	last := kinds[len(kinds)-1]
	if last != events.KindGoalFailed {
		t.Fatalf("expected goal:failed last, got %v", kinds)
	}
}

func TestQueries(t *testing.T) {
	m, _ := newTestManager(t)
	root := mustAdd(t, m, Goal{Horizon: HorizonLong, Description: "root"})
	a := mustAdd(t, m, Goal{Horizon: HorizonShort, Description: "a", ParentGoal: root.ID, Priority: 1})
	b := mustAdd(t, m, Goal{Horizon: HorizonShort, Description: "b", ParentGoal: root.ID, Priority: 3, Dependencies: []string{a.ID}})

	if got := ids(m.GetChildGoals(root.ID)); len(got) != 2 || got[0] != a.ID {
		t.Fatalf("unexpected children %v", got)
	}
	if got := ids(m.GetDependentGoals(a.ID)); len(got) != 1 || got[0] != b.ID {
		t.Fatalf("unexpected dependents %v", got)
	}
	if got := ids(m.GetGoalsByHorizon(HorizonShort)); len(got) != 2 || got[0] != b.ID {
		t.Fatalf("unexpected horizon ordering %v", got)
	}
	hierarchy, err := m.GetGoalHierarchy(root.ID)
	if err != nil || len(hierarchy) != 3 {
		t.Fatalf("unexpected hierarchy %v (%v)", ids(hierarchy), err)
	}
	if !m.CanBeRefined(root.ID) || m.CanBeRefined(a.ID) {
		t.Fatalf("refinement eligibility wrong")
	}
	if m.AreDependenciesMet(b.ID) {
		t.Fatalf("b dependencies should be unmet")
	}
	if err := m.UpdateGoalProgress(a.ID, 150); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if got, _ := m.GetGoal(a.ID); got.Progress != 100 || got.Status != StatusReady {
		t.Fatalf("progress clamp/ready failed: %+v", got)
	}
	if len(m.GetGoals()) != 3 {
		t.Fatalf("expected 3 goals")
	}
}

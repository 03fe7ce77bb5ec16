package goal

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/events"
	"OpenGoal-Chain/pkg/logger"

	"github.com/google/uuid"
)

// Manager 维护目标图，所有变更都必须经由 Manager 的方法完成。
type Manager struct {
	mu     sync.RWMutex
	goals  map[string]*Goal
	order  []string
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option 定义 Manager 的可选配置。
type Option func(*Manager)

// WithBus 指定事件总线。
func WithBus(bus *events.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator 替换 ID 生成器。
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// NewManager 创建目标管理器。
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		goals: make(map[string]*Goal),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.logger == nil {
		m.logger = logger.Named("goal")
	}
	return m
}

type pendingEvent struct {
	kind    events.Kind
	payload events.GoalPayload
}

func (m *Manager) emit(pending []pendingEvent) {
	for _, ev := range pending {
		m.bus.Publish(ev.kind, ev.payload)
	}
}

func payloadOf(g *Goal, oldStatus Status, reason string) events.GoalPayload {
	return events.GoalPayload{
		GoalID:      g.ID,
		Horizon:     string(g.Horizon),
		Description: g.Description,
		Status:      string(g.Status),
		OldStatus:   string(oldStatus),
		Progress:    g.Progress,
		Reason:      reason,
	}
}

// AddGoal 校验并保存新目标。父目标与依赖必须已经存在，因此目标图无法形成环。
// 终态父目标拒绝新增子目标；阻塞父目标下的新目标直接以 blocked 创建。
func (m *Manager) AddGoal(input Goal) (*Goal, error) {
	if strings.TrimSpace(input.Description) == "" {
		return nil, xerrors.New(CodeGoalInvalid, "目标描述不能为空")
	}
	if input.Horizon == "" {
		input.Horizon = HorizonShort
	}
	if !input.Horizon.Valid() {
		return nil, xerrors.Newf(CodeGoalInvalid, "不支持的时间尺度 %q", input.Horizon)
	}
	if input.Status == "" {
		input.Status = StatusPending
	}
	if !input.Status.Valid() {
		return nil, xerrors.Newf(CodeGoalInvalid, "不支持的目标状态 %q", input.Status)
	}

	m.mu.Lock()

	g := input.Clone()
	if g.ID == "" {
		g.ID = m.newID()
	}
	if _, exists := m.goals[g.ID]; exists {
		m.mu.Unlock()
		return nil, xerrors.Newf(xerrors.CodeConflict, "目标 %s 已存在", g.ID)
	}
	var parent *Goal
	if g.ParentGoal != "" {
		var ok bool
		if parent, ok = m.goals[g.ParentGoal]; !ok {
			m.mu.Unlock()
			return nil, xerrors.Newf(CodeGoalNotFound, "父目标 %s 不存在", g.ParentGoal)
		}
		if parent.Status.Terminal() {
			m.mu.Unlock()
			return nil, xerrors.Newf(CodeGoalInvalid, "父目标 %s 已处于终态 %s，不能新增子目标", g.ParentGoal, parent.Status)
		}
	}
	deps := make([]string, 0, len(g.Dependencies))
	seen := make(map[string]struct{}, len(g.Dependencies))
	for _, dep := range g.Dependencies {
		if _, dup := seen[dep]; dup {
			continue
		}
		if _, ok := m.goals[dep]; !ok {
			m.mu.Unlock()
			return nil, xerrors.Newf(CodeGoalNotFound, "依赖目标 %s 不存在", dep)
		}
		seen[dep] = struct{}{}
		deps = append(deps, dep)
	}
	g.Dependencies = deps
	g.Subgoals = nil
	g.Progress = clampProgress(g.Progress)
	if g.CreatedAt.IsZero() {
		g.CreatedAt = m.now()
	}
	if parent != nil && parent.Status == StatusBlocked && !g.Status.Terminal() {
		g.Status = StatusBlocked
		g.BlockedReason = fmt.Sprintf("Parent goal %s blocked: %s", parent.ID, parent.BlockedReason)
	}
	switch g.Status {
	case StatusCompleted:
		g.Progress = 100
		if g.CompletedAt == nil {
			at := m.now()
			g.CompletedAt = &at
		}
	case StatusFailed:
		g.Progress = 100
	case StatusPending, StatusActive:
		// 与 UpdateGoalProgress 一致：进度满的非终态目标视为 ready。
		if g.Progress == 100 {
			g.Status = StatusReady
		}
	}

	m.goals[g.ID] = g
	m.order = append(m.order, g.ID)
	var pending []pendingEvent
	if parent != nil {
		parent.Subgoals = append(parent.Subgoals, g.ID)
		if g.Status == StatusCompleted {
			pending = m.refreshParentLocked(g)
		}
	}
	out := g.Clone()
	m.mu.Unlock()

	m.logger.Debug("新增目标",
		slog.String("goal_id", out.ID),
		slog.String("horizon", string(out.Horizon)),
		slog.String("parent", out.ParentGoal),
	)
	m.emit(append([]pendingEvent{{kind: events.KindGoalCreated, payload: payloadOf(out, "", "")}}, pending...))
	return out, nil
}

// UpdateGoalStatus 修改目标状态。完成时会更新父目标进度并唤醒依赖它的目标。
// 终态不可变更；阻塞的目标只能经 UnblockGoal 恢复。
func (m *Manager) UpdateGoalStatus(id string, status Status) error {
	if !status.Valid() {
		return xerrors.Newf(CodeGoalInvalid, "不支持的目标状态 %q", status)
	}

	m.mu.Lock()
	g, ok := m.goals[id]
	if !ok {
		m.mu.Unlock()
		return xerrors.Newf(CodeGoalNotFound, "目标 %s 不存在", id)
	}
	if g.Status == status && (status.Terminal() || status == StatusBlocked) {
		m.mu.Unlock()
		return nil
	}
	if g.Status.Terminal() {
		m.mu.Unlock()
		return xerrors.Newf(xerrors.CodeAlreadyCompleted, "目标 %s 已处于终态 %s，状态不能变更", id, g.Status)
	}
	if g.Status == StatusBlocked {
		m.mu.Unlock()
		return xerrors.Newf(xerrors.CodeConflict, "目标 %s 处于阻塞状态，需先调用 UnblockGoal", id)
	}

	old := g.Status
	g.Status = status
	pending := []pendingEvent{{kind: events.KindGoalUpdated, payload: payloadOf(g, old, "")}}

	switch status {
	case StatusFailed:
		g.Progress = 100
		pending = append(pending, pendingEvent{kind: events.KindGoalFailed, payload: payloadOf(g, old, "")})
	case StatusCompleted:
		at := m.now()
		g.CompletedAt = &at
		g.Progress = 100
		pending = append(pending, pendingEvent{kind: events.KindGoalCompleted, payload: payloadOf(g, old, "")})
		pending = append(pending, m.refreshParentLocked(g)...)
		pending = append(pending, m.releaseDependentsLocked(g.ID)...)
	}
	m.mu.Unlock()

	m.emit(pending)
	return nil
}

// refreshParentLocked 按已完成子目标比例重算父目标进度，100% 时父目标变为 ready。
// 阻塞的父目标保持原进度，解除阻塞时再重算。
func (m *Manager) refreshParentLocked(child *Goal) []pendingEvent {
	parent, ok := m.goals[child.ParentGoal]
	if !ok || parent.Status.Terminal() || parent.Status == StatusBlocked || len(parent.Subgoals) == 0 {
		return nil
	}
	parent.Progress = m.subgoalProgressLocked(parent)
	old := parent.Status
	if parent.Progress == 100 {
		parent.Status = StatusReady
	}
	return []pendingEvent{{kind: events.KindGoalUpdated, payload: payloadOf(parent, old, "subgoal completed")}}
}

func (m *Manager) subgoalProgressLocked(g *Goal) int {
	completed := 0
	for _, subID := range g.Subgoals {
		if sub, ok := m.goals[subID]; ok && sub.Status == StatusCompleted {
			completed++
		}
	}
	return completed * 100 / len(g.Subgoals)
}

// releaseDependentsLocked 将依赖已全部满足的 pending 目标切换为 ready。
func (m *Manager) releaseDependentsLocked(id string) []pendingEvent {
	var pending []pendingEvent
	for _, gid := range m.order {
		dependent := m.goals[gid]
		if dependent.Status != StatusPending || !containsID(dependent.Dependencies, id) {
			continue
		}
		if !m.dependenciesMetLocked(dependent) {
			continue
		}
		dependent.Status = StatusReady
		pending = append(pending, pendingEvent{kind: events.KindGoalUpdated, payload: payloadOf(dependent, StatusPending, "dependencies completed")})
	}
	return pending
}

func (m *Manager) dependenciesMetLocked(g *Goal) bool {
	for _, dep := range g.Dependencies {
		d, ok := m.goals[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// AreDependenciesMet 判断目标的全部依赖是否已完成。
func (m *Manager) AreDependenciesMet(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.goals[id]
	if !ok {
		return false
	}
	return m.dependenciesMetLocked(g)
}

// GetReadyGoals 返回可执行的目标：状态为 ready 或 pending 且依赖全部完成，
// 按优先级降序排列，同优先级保持创建顺序。
func (m *Manager) GetReadyGoals(horizons ...Horizon) []*Goal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ready []*Goal
	for _, id := range m.order {
		g := m.goals[id]
		if g.Status != StatusReady && g.Status != StatusPending {
			continue
		}
		if !matchHorizon(g.Horizon, horizons) {
			continue
		}
		if !m.dependenciesMetLocked(g) {
			continue
		}
		ready = append(ready, g.Clone())
	}
	sortByPriority(ready)
	return ready
}

// BlockGoalHierarchy 阻塞目标及其全部子孙目标。已处于终态的目标保持不变。
func (m *Manager) BlockGoalHierarchy(id, reason string) error {
	m.mu.Lock()
	type target struct {
		id     string
		reason string
	}
	var targets []target
	visited := make(map[string]bool)
	var walk func(gid, why string) error
	walk = func(gid, why string) error {
		if visited[gid] {
			return xerrors.Newf(CodeGoalCycle, "目标 %s 在子目标层级中重复出现", gid)
		}
		visited[gid] = true
		g, ok := m.goals[gid]
		if !ok {
			return xerrors.Newf(CodeGoalNotFound, "目标 %s 不存在", gid)
		}
		targets = append(targets, target{id: gid, reason: why})
		for _, sub := range g.Subgoals {
			if err := walk(sub, fmt.Sprintf("Parent goal %s blocked: %s", gid, why)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(id, reason); err != nil {
		m.mu.Unlock()
		return err
	}

	var pending []pendingEvent
	for _, t := range targets {
		g := m.goals[t.id]
		if g.Status.Terminal() {
			continue
		}
		old := g.Status
		g.Status = StatusBlocked
		g.BlockedReason = t.reason
		pending = append(pending, pendingEvent{kind: events.KindGoalBlocked, payload: payloadOf(g, old, t.reason)})
	}
	m.mu.Unlock()

	m.logger.Warn("目标层级被阻塞", slog.String("goal_id", id), slog.String("reason", reason), slog.Int("affected", len(pending)))
	m.emit(pending)
	return nil
}

// UnblockGoal 将被阻塞的目标及其被阻塞的子孙目标恢复为 pending。
func (m *Manager) UnblockGoal(id string) error {
	m.mu.Lock()
	root, ok := m.goals[id]
	if !ok {
		m.mu.Unlock()
		return xerrors.Newf(CodeGoalNotFound, "目标 %s 不存在", id)
	}
	if root.Status != StatusBlocked {
		m.mu.Unlock()
		return xerrors.Newf(xerrors.CodeConflict, "目标 %s 当前状态为 %s，无需解除阻塞", id, root.Status)
	}
	ids, err := m.hierarchyLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	var pending []pendingEvent
	for _, gid := range ids {
		g := m.goals[gid]
		if g.Status != StatusBlocked {
			continue
		}
		g.Status = StatusPending
		g.BlockedReason = ""
		if len(g.Subgoals) > 0 {
			g.Progress = m.subgoalProgressLocked(g)
			if g.Progress == 100 {
				g.Status = StatusReady
			}
		}
		pending = append(pending, pendingEvent{kind: events.KindGoalUpdated, payload: payloadOf(g, StatusBlocked, "unblocked")})
	}
	m.mu.Unlock()

	m.emit(pending)
	return nil
}

// EstimateCompletionTime 估算完成目标的相对成本：基础成本加上未完成依赖与
// 未完成子目标两者成本中的较大值。已完成的目标成本为 0。
func (m *Manager) EstimateCompletionTime(id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.estimateLocked(id, make(map[string]bool))
}

func (m *Manager) estimateLocked(id string, path map[string]bool) (int, error) {
	if path[id] {
		return 0, xerrors.Newf(CodeGoalCycle, "估算目标 %s 时检测到环", id)
	}
	g, ok := m.goals[id]
	if !ok {
		return 0, xerrors.Newf(CodeGoalNotFound, "目标 %s 不存在", id)
	}
	if g.Status == StatusCompleted {
		return 0, nil
	}
	path[id] = true
	defer delete(path, id)

	outstanding := func(ids []string) (int, error) {
		total := 0
		for _, other := range ids {
			o, ok := m.goals[other]
			if !ok || o.Status == StatusCompleted {
				continue
			}
			cost, err := m.estimateLocked(other, path)
			if err != nil {
				return 0, err
			}
			total += cost
		}
		return total, nil
	}

	depCost, err := outstanding(g.Dependencies)
	if err != nil {
		return 0, err
	}
	subCost, err := outstanding(g.Subgoals)
	if err != nil {
		return 0, err
	}
	return g.Horizon.baseCost() + max(depCost, subCost), nil
}

// RecordGoalOutcome 追加一条评分记录。
func (m *Manager) RecordGoalOutcome(id string, score float64, comment string) error {
	m.mu.Lock()
	g, ok := m.goals[id]
	if !ok {
		m.mu.Unlock()
		return xerrors.Newf(CodeGoalNotFound, "目标 %s 不存在", id)
	}
	g.ScoreHistory = append(g.ScoreHistory, ScoreEntry{Timestamp: m.now(), Score: score, Comment: comment})
	g.OutcomeScore = &score
	payload := payloadOf(g, g.Status, comment)
	payload.Score = score
	m.mu.Unlock()

	logger.Audit().Info("目标评分",
		slog.String("goal_id", id),
		slog.Float64("score", score),
		slog.String("comment", comment),
	)
	m.emit([]pendingEvent{{kind: events.KindGoalOutcome, payload: payload}})
	return nil
}

// RecordGoalFailure 将目标标记为失败（终态，进度记为 100）并记录原因。
func (m *Manager) RecordGoalFailure(id, reason string) error {
	m.mu.Lock()
	g, ok := m.goals[id]
	if !ok {
		m.mu.Unlock()
		return xerrors.Newf(CodeGoalNotFound, "目标 %s 不存在", id)
	}
	if g.Status == StatusCompleted {
		m.mu.Unlock()
		return xerrors.Newf(xerrors.CodeAlreadyCompleted, "目标 %s 已完成，不能记录失败", id)
	}
	old := g.Status
	g.Status = StatusFailed
	g.Progress = 100
	zero := 0.0
	g.OutcomeScore = &zero
	g.ScoreHistory = append(g.ScoreHistory, ScoreEntry{Timestamp: m.now(), Score: 0, Comment: reason})
	payload := payloadOf(g, old, reason)
	m.mu.Unlock()

	logger.Audit().Warn("目标失败", slog.String("goal_id", id), slog.String("reason", reason))
	m.emit([]pendingEvent{{kind: events.KindGoalFailed, payload: payload}})
	return nil
}

// UpdateGoalProgress 手动设置进度。进度达到 100 的非终态目标会变为 ready。
func (m *Manager) UpdateGoalProgress(id string, progress int) error {
	progress = clampProgress(progress)
	m.mu.Lock()
	g, ok := m.goals[id]
	if !ok {
		m.mu.Unlock()
		return xerrors.Newf(CodeGoalNotFound, "目标 %s 不存在", id)
	}
	if g.Status.Terminal() {
		m.mu.Unlock()
		return xerrors.Newf(xerrors.CodeAlreadyCompleted, "目标 %s 已处于终态 %s", id, g.Status)
	}
	old := g.Status
	g.Progress = progress
	if progress == 100 && g.Status != StatusBlocked {
		g.Status = StatusReady
	}
	payload := payloadOf(g, old, "progress updated")
	m.mu.Unlock()

	m.emit([]pendingEvent{{kind: events.KindGoalUpdated, payload: payload}})
	return nil
}

// GetGoal 返回目标副本。
func (m *Manager) GetGoal(id string) (*Goal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.goals[id]
	if !ok {
		return nil, false
	}
	return g.Clone(), true
}

// GetGoals 按创建顺序返回全部目标。
func (m *Manager) GetGoals() []*Goal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Goal, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.goals[id].Clone())
	}
	return out
}

// GetGoalsByHorizon 返回指定时间尺度的目标，按优先级降序。
func (m *Manager) GetGoalsByHorizon(h Horizon) []*Goal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Goal
	for _, id := range m.order {
		if g := m.goals[id]; g.Horizon == h {
			out = append(out, g.Clone())
		}
	}
	sortByPriority(out)
	return out
}

// GetChildGoals 按顺序返回直接子目标。
func (m *Manager) GetChildGoals(id string) []*Goal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.goals[id]
	if !ok {
		return nil
	}
	out := make([]*Goal, 0, len(g.Subgoals))
	for _, sub := range g.Subgoals {
		if child, ok := m.goals[sub]; ok {
			out = append(out, child.Clone())
		}
	}
	return out
}

// GetDependentGoals 返回依赖指定目标的全部目标。
func (m *Manager) GetDependentGoals(id string) []*Goal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Goal
	for _, gid := range m.order {
		if g := m.goals[gid]; containsID(g.Dependencies, id) {
			out = append(out, g.Clone())
		}
	}
	return out
}

// GetGoalHierarchy 以先序返回目标及其全部子孙目标。
func (m *Manager) GetGoalHierarchy(id string) ([]*Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids, err := m.hierarchyLocked(id)
	if err != nil {
		return nil, err
	}
	out := make([]*Goal, 0, len(ids))
	for _, gid := range ids {
		out = append(out, m.goals[gid].Clone())
	}
	return out, nil
}

func (m *Manager) hierarchyLocked(id string) ([]string, error) {
	visited := make(map[string]bool)
	var ids []string
	var walk func(string) error
	walk = func(gid string) error {
		if visited[gid] {
			return xerrors.Newf(CodeGoalCycle, "目标 %s 在子目标层级中重复出现", gid)
		}
		visited[gid] = true
		g, ok := m.goals[gid]
		if !ok {
			return xerrors.Newf(CodeGoalNotFound, "目标 %s 不存在", gid)
		}
		ids = append(ids, gid)
		for _, sub := range g.Subgoals {
			if err := walk(sub); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(id); err != nil {
		return nil, err
	}
	return ids, nil
}

// CanBeRefined 判断目标是否还能被拆解为短期子目标。
func (m *Manager) CanBeRefined(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.goals[id]
	if !ok {
		return false
	}
	return g.Horizon != HorizonShort && !g.Status.Terminal() && g.Status != StatusBlocked
}

// GetGoalsByScore 返回已有评分的目标，按评分降序。
func (m *Manager) GetGoalsByScore() []*Goal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Goal
	for _, id := range m.order {
		if g := m.goals[id]; g.OutcomeScore != nil {
			out = append(out, g.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].OutcomeScore > *out[j].OutcomeScore
	})
	return out
}

func sortByPriority(goals []*Goal) {
	sort.SliceStable(goals, func(i, j int) bool {
		return goals[i].Priority > goals[j].Priority
	})
}

func matchHorizon(h Horizon, filter []Horizon) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == h {
			return true
		}
	}
	return false
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Package step keeps the ordered reasoning/action trace of one reasoning
// session. The trace doubles as prompt context and as an audit log.
package step

import (
	"sync"
	"time"

	xerrors "OpenGoal-Chain/internal/errors"

	"github.com/google/uuid"
)

// Type 表示步骤类型。
type Type string

const (
	TypeAction   Type = "action"
	TypePlanning Type = "planning"
	TypeSystem   Type = "system"
	TypeTask     Type = "task"
)

// Valid 判断步骤类型是否受支持。
func (t Type) Valid() bool {
	switch t {
	case TypeAction, TypePlanning, TypeSystem, TypeTask:
		return true
	default:
		return false
	}
}

// Step 是推理轨迹中的一条记录。
type Step struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Tags      []string       `json:"tags,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Patch 描述对已有步骤的局部修改，nil 字段保持不变。
type Patch struct {
	Content *string
	Tags    []string
	Meta    map[string]any
}

const (
	CodeStepNotFound xerrors.Code = "STEP_NOT_FOUND"
	CodeStepInvalid  xerrors.Code = "STEP_INVALID"
)

func init() {
	xerrors.Register(CodeStepNotFound, xerrors.Attributes{
		Message:  "step not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeStepInvalid, xerrors.Attributes{
		Message:  "invalid step",
		Severity: xerrors.SeverityInfo,
	})
}

// Manager 维护有序、可编辑的步骤序列。
type Manager struct {
	mu    sync.RWMutex
	steps []Step
	now   func() time.Time
	onAdd func(Step)
}

// Option 定义 Manager 的可选配置。
type Option func(*Manager)

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithObserver 在每次新增步骤后回调。回调在锁外执行。
func WithObserver(fn func(Step)) Option {
	return func(m *Manager) {
		m.onAdd = fn
	}
}

// NewManager 创建步骤管理器。
func NewManager(opts ...Option) *Manager {
	m := &Manager{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Manager) prepare(s Step) (Step, error) {
	if s.Type == "" {
		s.Type = TypeSystem
	}
	if !s.Type.Valid() {
		return Step{}, xerrors.Newf(CodeStepInvalid, "不支持的步骤类型 %q", s.Type)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = m.now()
	}
	return cloneStep(s), nil
}

// Add 追加一个步骤并返回补全 ID 与时间戳后的副本。
func (m *Manager) Add(s Step) (Step, error) {
	prepared, err := m.prepare(s)
	if err != nil {
		return Step{}, err
	}
	m.mu.Lock()
	m.steps = append(m.steps, prepared)
	m.mu.Unlock()
	m.notify(prepared)
	return cloneStep(prepared), nil
}

// InsertAt 在指定下标插入步骤，其余步骤保持相对顺序。下标越界时追加到末尾。
func (m *Manager) InsertAt(index int, s Step) (Step, error) {
	prepared, err := m.prepare(s)
	if err != nil {
		return Step{}, err
	}
	m.mu.Lock()
	if index < 0 {
		index = 0
	}
	if index >= len(m.steps) {
		m.steps = append(m.steps, prepared)
	} else {
		m.steps = append(m.steps, Step{})
		copy(m.steps[index+1:], m.steps[index:])
		m.steps[index] = prepared
	}
	m.mu.Unlock()
	m.notify(prepared)
	return cloneStep(prepared), nil
}

// Update 对指定步骤应用局部修改，用于回溯时修正内容。
func (m *Manager) Update(id string, patch Patch) (Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexOf(id)
	if idx < 0 {
		return Step{}, xerrors.Newf(CodeStepNotFound, "步骤 %s 不存在", id)
	}
	current := &m.steps[idx]
	if patch.Content != nil {
		current.Content = *patch.Content
	}
	if patch.Tags != nil {
		current.Tags = append([]string(nil), patch.Tags...)
	}
	if patch.Meta != nil {
		if current.Meta == nil {
			current.Meta = make(map[string]any, len(patch.Meta))
		}
		for k, v := range patch.Meta {
			current.Meta[k] = v
		}
	}
	return cloneStep(*current), nil
}

// Remove 删除指定步骤。
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexOf(id)
	if idx < 0 {
		return xerrors.Newf(CodeStepNotFound, "步骤 %s 不存在", id)
	}
	m.steps = append(m.steps[:idx], m.steps[idx+1:]...)
	return nil
}

// TruncateAfter 删除指定步骤之后的全部步骤，返回被删除的数量。
func (m *Manager) TruncateAfter(id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexOf(id)
	if idx < 0 {
		return 0, xerrors.Newf(CodeStepNotFound, "步骤 %s 不存在", id)
	}
	removed := len(m.steps) - idx - 1
	m.steps = m.steps[:idx+1]
	return removed, nil
}

// Get 返回指定步骤。
func (m *Manager) Get(id string) (Step, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.indexOf(id)
	if idx < 0 {
		return Step{}, false
	}
	return cloneStep(m.steps[idx]), true
}

// Steps 返回全部步骤的副本。
func (m *Manager) Steps() []Step {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Step, len(m.steps))
	for i, s := range m.steps {
		out[i] = cloneStep(s)
	}
	return out
}

// Len 返回步骤数量。
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.steps)
}

// Clear 清空轨迹。
func (m *Manager) Clear() {
	m.mu.Lock()
	m.steps = nil
	m.mu.Unlock()
}

func (m *Manager) indexOf(id string) int {
	for i := range m.steps {
		if m.steps[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) notify(s Step) {
	if m.onAdd != nil {
		m.onAdd(cloneStep(s))
	}
}

func cloneStep(s Step) Step {
	if s.Tags != nil {
		s.Tags = append([]string(nil), s.Tags...)
	}
	if s.Meta != nil {
		meta := make(map[string]any, len(s.Meta))
		for k, v := range s.Meta {
			meta[k] = v
		}
		s.Meta = meta
	}
	return s
}

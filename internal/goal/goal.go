// Package goal implements the hierarchical goal graph: dependency and
// parent/child edges, status tracking, readiness computation and
// completion/failure propagation. Goals are never deleted.
package goal

import (
	"time"

	xerrors "OpenGoal-Chain/internal/errors"
)

// Horizon 表示目标的粗粒度时间尺度。
type Horizon string

const (
	HorizonLong   Horizon = "long"
	HorizonMedium Horizon = "medium"
	HorizonShort  Horizon = "short"
)

// Valid 判断时间尺度是否受支持。
func (h Horizon) Valid() bool {
	switch h {
	case HorizonLong, HorizonMedium, HorizonShort:
		return true
	default:
		return false
	}
}

// baseCost 返回估算完成时间时使用的基础成本。
func (h Horizon) baseCost() int {
	switch h {
	case HorizonLong:
		return 8
	case HorizonMedium:
		return 3
	default:
		return 1
	}
}

// Status 表示目标在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusReady     Status = "ready"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// Valid 判断状态是否受支持。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusReady, StatusCompleted, StatusFailed, StatusBlocked:
		return true
	default:
		return false
	}
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ScoreEntry 是一条只追加的评分审计记录。
type ScoreEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
	Comment   string    `json:"comment,omitempty"`
}

// Goal 是目标图中的一个节点。
type Goal struct {
	ID              string         `json:"id"`
	Horizon         Horizon        `json:"horizon"`
	Description     string         `json:"description"`
	Status          Status         `json:"status"`
	Priority        int            `json:"priority"`
	Dependencies    []string       `json:"dependencies,omitempty"`
	Subgoals        []string       `json:"subgoals,omitempty"`
	ParentGoal      string         `json:"parent_goal,omitempty"`
	SuccessCriteria []string       `json:"success_criteria,omitempty"`
	Progress        int            `json:"progress"`
	CreatedAt       time.Time      `json:"created_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	OutcomeScore    *float64       `json:"outcome_score,omitempty"`
	ScoreHistory    []ScoreEntry   `json:"score_history,omitempty"`
	BlockedReason   string         `json:"blocked_reason,omitempty"`
	Meta            map[string]any `json:"meta,omitempty"`
}

// Clone 返回目标的深拷贝。
func (g *Goal) Clone() *Goal {
	if g == nil {
		return nil
	}
	c := *g
	c.Dependencies = append([]string(nil), g.Dependencies...)
	c.Subgoals = append([]string(nil), g.Subgoals...)
	c.SuccessCriteria = append([]string(nil), g.SuccessCriteria...)
	c.ScoreHistory = append([]ScoreEntry(nil), g.ScoreHistory...)
	if g.CompletedAt != nil {
		at := *g.CompletedAt
		c.CompletedAt = &at
	}
	if g.OutcomeScore != nil {
		score := *g.OutcomeScore
		c.OutcomeScore = &score
	}
	if g.Meta != nil {
		c.Meta = make(map[string]any, len(g.Meta))
		for k, v := range g.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}

const (
	CodeGoalNotFound xerrors.Code = "GOAL_NOT_FOUND"
	CodeGoalInvalid  xerrors.Code = "GOAL_INVALID"
	CodeGoalCycle    xerrors.Code = "GOAL_CYCLE"
)

func init() {
	xerrors.Register(CodeGoalNotFound, xerrors.Attributes{
		Message:  "goal not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeGoalInvalid, xerrors.Attributes{
		Message:  "invalid goal",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeGoalCycle, xerrors.Attributes{
		Message:  "goal graph contains a cycle",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

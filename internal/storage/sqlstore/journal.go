package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"OpenGoal-Chain/deploy/migrations"
	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/events"
	"OpenGoal-Chain/pkg/logger"

	"github.com/google/uuid"
)

// Entry 是目标日志中的一行记录。
type Entry struct {
	ID         string          `json:"id"`
	GoalID     string          `json:"goal_id"`
	Kind       events.Kind     `json:"kind"`
	Horizon    string          `json:"horizon,omitempty"`
	Status     string          `json:"status,omitempty"`
	OldStatus  string          `json:"old_status,omitempty"`
	Progress   int             `json:"progress"`
	Score      float64         `json:"score,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Journal 以追加方式记录目标事件。
type Journal struct {
	db      *sql.DB
	logger  *slog.Logger
	timeout time.Duration
}

// Option 定义 Journal 的可选配置。
type Option func(*Journal)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) {
		if l != nil {
			j.logger = l
		}
	}
}

// WithWriteTimeout 设置事件订阅写入的超时时间。
func WithWriteTimeout(d time.Duration) Option {
	return func(j *Journal) {
		if d > 0 {
			j.timeout = d
		}
	}
}

// Open 连接数据库并执行迁移。
func Open(ctx context.Context, cfg Config, opts ...Option) (*Journal, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开目标日志库失败")
	}
	j := &Journal{db: db, timeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	if j.logger == nil {
		j.logger = logger.Named("journal")
	}
	steps, err := migrations.All()
	if err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载目标日志迁移失败")
	}
	ran, err := migrate(ctx, db, steps)
	if err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行目标日志迁移失败")
	}
	if len(ran) > 0 {
		j.logger.Info("目标日志迁移完成", slog.Any("versions", ran))
	}
	return j, nil
}

// Append 写入一条记录，缺省字段自动补全。
func (j *Journal) Append(ctx context.Context, entry Entry) error {
	if strings.TrimSpace(entry.GoalID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "目标 ID 不能为空")
	}
	if entry.ID == "" {
		// UUIDv7 按生成顺序递增，同一毫秒内的记录依然有序。
		entry.ID = uuid.Must(uuid.NewV7()).String()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}
	if len(entry.Payload) == 0 {
		entry.Payload = json.RawMessage("{}")
	}
	_, err := j.db.ExecContext(ctx, `INSERT INTO goal_events
        (id, goal_id, kind, horizon, status, old_status, progress, score, reason, payload, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.GoalID, string(entry.Kind), entry.Horizon, entry.Status, entry.OldStatus,
		entry.Progress, entry.Score, entry.Reason, string(entry.Payload), entry.OccurredAt.UnixMilli(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入目标 %s 的日志失败", entry.GoalID))
	}
	return nil
}

// List 返回记录，goalID 为空时返回全部目标。结果按发生时间升序，limit<=0 时不限制。
func (j *Journal) List(ctx context.Context, goalID string, limit int) ([]Entry, error) {
	query := `SELECT id, goal_id, kind, horizon, status, old_status, progress, score, reason, payload, occurred_at
        FROM goal_events`
	var args []any
	if goalID != "" {
		query += ` WHERE goal_id = ?`
		args = append(args, goalID)
	}
	query += ` ORDER BY occurred_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询目标日志失败")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			kind    string
			reason  sql.NullString
			payload string
			at      int64
		)
		if err := rows.Scan(&e.ID, &e.GoalID, &kind, &e.Horizon, &e.Status, &e.OldStatus, &e.Progress, &e.Score, &reason, &payload, &at); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析目标日志失败")
		}
		e.Kind = events.Kind(kind)
		e.Reason = reason.String
		e.Payload = json.RawMessage(payload)
		e.OccurredAt = time.UnixMilli(at)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历目标日志失败")
	}
	return entries, nil
}

var goalKinds = []events.Kind{
	events.KindGoalCreated,
	events.KindGoalUpdated,
	events.KindGoalCompleted,
	events.KindGoalFailed,
	events.KindGoalBlocked,
	events.KindGoalOutcome,
}

// Attach 订阅总线上的目标事件并写入日志，返回取消订阅函数。
func (j *Journal) Attach(bus *events.Bus) func() {
	var cancels []func()
	for _, kind := range goalKinds {
		cancels = append(cancels, bus.Subscribe(kind, j.record))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

func (j *Journal) record(ev events.Event) {
	payload, ok := ev.Payload.(events.GoalPayload)
	if !ok {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		j.logger.Warn("序列化目标事件失败", slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	err = j.Append(ctx, Entry{
		GoalID:     payload.GoalID,
		Kind:       ev.Kind,
		Horizon:    payload.Horizon,
		Status:     payload.Status,
		OldStatus:  payload.OldStatus,
		Progress:   payload.Progress,
		Score:      payload.Score,
		Reason:     payload.Reason,
		Payload:    raw,
		OccurredAt: ev.OccurredAt,
	})
	if err != nil {
		j.logger.Error("写入目标日志失败",
			slog.String("goal_id", payload.GoalID),
			slog.String("kind", string(ev.Kind)),
			slog.Any("error", err),
		)
	}
}

// Close 关闭数据库连接。
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

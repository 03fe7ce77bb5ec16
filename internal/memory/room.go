package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	xerrors "OpenGoal-Chain/internal/errors"

	"github.com/google/uuid"
)

// roomNamespace 是房间 ID（UUID v5）的命名空间。
var roomNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("opengoal://rooms"))

// Room 表示一个数据来源对应的记忆空间。
type Room struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RoomID 返回来源对应的确定性房间 ID。
func RoomID(source string) string {
	return uuid.NewSHA1(roomNamespace, []byte(source)).String()
}

// RoomManager 按来源维护房间。
type RoomManager struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	now   func() time.Time
}

// NewRoomManager 创建房间管理器。
func NewRoomManager() *RoomManager {
	return &RoomManager{rooms: make(map[string]*Room), now: time.Now}
}

// EnsureRoom 返回来源对应的房间，不存在时创建。
func (m *RoomManager) EnsureRoom(_ context.Context, source string) (*Room, error) {
	if strings.TrimSpace(source) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "房间来源不能为空")
	}
	id := RoomID(source)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		room = &Room{ID: id, Source: source, Metadata: map[string]any{}, CreatedAt: now}
		m.rooms[id] = room
	}
	room.UpdatedAt = now
	clone := *room
	return &clone, nil
}

// GetRoom 按 ID 查找房间。
func (m *RoomManager) GetRoom(id string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	if !ok {
		return nil, false
	}
	clone := *room
	return &clone, true
}

// Len 返回房间数量。
func (m *RoomManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

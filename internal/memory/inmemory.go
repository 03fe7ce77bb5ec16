package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore 在进程内保存房间记忆，适用于单机部署与测试。
type InMemoryStore struct {
	mu        sync.RWMutex
	memories  map[string][]Memory
	processed map[string]map[string]struct{}
	now       func() time.Time
}

// NewInMemoryStore 创建内存实现。
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		memories:  make(map[string][]Memory),
		processed: make(map[string]map[string]struct{}),
		now:       time.Now,
	}
}

// Store 保存一条内容。
func (s *InMemoryStore) Store(_ context.Context, roomID, content string, metadata map[string]any) (Memory, error) {
	mem := Memory{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Content:   content,
		Metadata:  cloneMap(metadata),
		CreatedAt: s.now(),
	}
	s.mu.Lock()
	s.memories[roomID] = append(s.memories[roomID], mem)
	s.mu.Unlock()
	return mem, nil
}

// FindSimilar 返回同一房间中与 content 相似度大于 0 的记忆，按相似度降序。
func (s *InMemoryStore) FindSimilar(_ context.Context, roomID, content string, limit int) ([]Memory, error) {
	s.mu.RLock()
	candidates := append([]Memory(nil), s.memories[roomID]...)
	s.mu.RUnlock()
	return RankSimilar(candidates, content, limit), nil
}

// HasProcessedContent 判断内容是否已在房间中处理过。
func (s *InMemoryStore) HasProcessedContent(_ context.Context, contentID, roomID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processed[roomID][contentID]
	return ok, nil
}

// MarkContentAsProcessed 记录内容已处理。
func (s *InMemoryStore) MarkContentAsProcessed(_ context.Context, contentID, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.processed[roomID]
	if !ok {
		set = make(map[string]struct{})
		s.processed[roomID] = set
	}
	set[contentID] = struct{}{}
	return nil
}

// RankSimilar 为候选记忆打分并截取前 limit 条，limit<=0 时取 5。
func RankSimilar(candidates []Memory, content string, limit int) []Memory {
	if limit <= 0 {
		limit = 5
	}
	scored := make([]Memory, 0, len(candidates))
	for _, mem := range candidates {
		score := Similarity(content, mem.Content)
		if score <= 0 {
			continue
		}
		mem.Score = score
		scored = append(scored, mem)
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

func cloneMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ Store = (*InMemoryStore)(nil)

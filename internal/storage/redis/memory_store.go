package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/memory"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Config 描述 Redis 记忆存储的连接参数。
type Config struct {
	Address      string        `json:"address" yaml:"address"`
	Password     string        `json:"password" yaml:"password"`
	DB           int           `json:"db" yaml:"db"`
	Prefix       string        `json:"prefix" yaml:"prefix"`
	MaxMemories  int64         `json:"max_memories" yaml:"max_memories"`
	ProcessedTTL time.Duration `json:"processed_ttl" yaml:"processed_ttl"`
}

// MemoryStore 使用 Redis list 与 set 实现 memory.Store。
type MemoryStore struct {
	client       goredis.UniversalClient
	prefix       string
	maxMemories  int64
	processedTTL time.Duration
	now          func() time.Time
}

// NewMemoryStore 连接 Redis 并创建存储实例。
func NewMemoryStore(ctx context.Context, cfg Config) (*MemoryStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewMemoryStoreWithClient(client, cfg), nil
}

// NewMemoryStoreWithClient 基于已有客户端创建存储实例。
func NewMemoryStoreWithClient(client goredis.UniversalClient, cfg Config) *MemoryStore {
	prefix := strings.TrimSuffix(cfg.Prefix, ":")
	if prefix == "" {
		prefix = "opengoal"
	}
	maxMemories := cfg.MaxMemories
	if maxMemories <= 0 {
		maxMemories = 500
	}
	return &MemoryStore{
		client:       client,
		prefix:       prefix,
		maxMemories:  maxMemories,
		processedTTL: cfg.ProcessedTTL,
		now:          time.Now,
	}
}

func (s *MemoryStore) memoriesKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:memories", s.prefix, roomID)
}

func (s *MemoryStore) processedKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:processed", s.prefix, roomID)
}

// Store 将记忆写入房间列表头部，并裁剪到上限。
func (s *MemoryStore) Store(ctx context.Context, roomID, content string, metadata map[string]any) (memory.Memory, error) {
	mem := memory.Memory{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: s.now(),
	}
	raw, err := json.Marshal(mem)
	if err != nil {
		return memory.Memory{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化记忆失败")
	}
	key := s.memoriesKey(roomID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, s.maxMemories-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return memory.Memory{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 记忆失败")
	}
	return mem, nil
}

// FindSimilar 读取房间内的记忆并按相似度排序。
func (s *MemoryStore) FindSimilar(ctx context.Context, roomID, content string, limit int) ([]memory.Memory, error) {
	values, err := s.client.LRange(ctx, s.memoriesKey(roomID), 0, s.maxMemories-1).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 记忆失败")
	}
	candidates := make([]memory.Memory, 0, len(values))
	for _, value := range values {
		var mem memory.Memory
		if err := json.Unmarshal([]byte(value), &mem); err != nil {
			continue
		}
		candidates = append(candidates, mem)
	}
	return memory.RankSimilar(candidates, content, limit), nil
}

// HasProcessedContent 判断内容是否已处理。
func (s *MemoryStore) HasProcessedContent(ctx context.Context, contentID, roomID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.processedKey(roomID), contentID).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 Redis 去重集合失败")
	}
	return ok, nil
}

// MarkContentAsProcessed 记录内容已处理，配置了 TTL 时刷新过期时间。
func (s *MemoryStore) MarkContentAsProcessed(ctx context.Context, contentID, roomID string) error {
	key := s.processedKey(roomID)
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, contentID)
	if s.processedTTL > 0 {
		pipe.Expire(ctx, key, s.processedTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 去重集合失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *MemoryStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ memory.Store = (*MemoryStore)(nil)

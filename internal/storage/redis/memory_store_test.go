package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"OpenGoal-Chain/internal/memory"

	goredis "github.com/redis/go-redis/v9"
)

func TestKeyLayout(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	store := NewMemoryStoreWithClient(client, Config{Prefix: "custom:"})

	if got := store.memoriesKey("r1"); got != "custom:room:r1:memories" {
		t.Fatalf("unexpected memories key %s", got)
	}
	if got := store.processedKey("r1"); got != "custom:room:r1:processed" {
		t.Fatalf("unexpected processed key %s", got)
	}
	if store.maxMemories != 500 {
		t.Fatalf("expected default cap, got %d", store.maxMemories)
	}
}

func TestNewMemoryStoreRequiresAddress(t *testing.T) {
	if _, err := NewMemoryStore(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestMemoryStoreAgainstRedis(t *testing.T) {
	addr := os.Getenv("OPENGOAL_TEST_REDIS")
	if addr == "" {
		t.Skip("OPENGOAL_TEST_REDIS 未设置，跳过 Redis 集成测试")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prefix := "opengoal-test-" + time.Now().Format("150405.000000")
	store, err := NewMemoryStore(ctx, Config{Address: addr, Prefix: prefix, ProcessedTTL: time.Minute})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer store.Close()

	room := memory.RoomID("feed")
	defer store.client.Del(context.Background(), store.memoriesKey(room), store.processedKey(room))

	if _, err := store.Store(ctx, room, "bridge volume up on arbitrum", nil); err != nil {
		t.Fatalf("store: %v", err)
	}
	similar, err := store.FindSimilar(ctx, room, "arbitrum bridge", 3)
	if err != nil || len(similar) != 1 {
		t.Fatalf("unexpected similar result %+v (%v)", similar, err)
	}

	id := memory.Fingerprint("bridge volume up on arbitrum")
	if err := store.MarkContentAsProcessed(ctx, id, room); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if seen, err := store.HasProcessedContent(ctx, id, room); err != nil || !seen {
		t.Fatalf("expected processed, got %v (%v)", seen, err)
	}
}

// Package memory defines room-scoped memory used by the dispatch loop:
// rooms keyed by data source, stored content with similarity lookup, and
// per-room de-duplication of processed content.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Memory 是房间内保存的一条内容。
type Memory struct {
	ID        string         `json:"id"`
	RoomID    string         `json:"room_id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Score     float64        `json:"score,omitempty"`
}

// Store 定义房间记忆与去重所需的存储能力。
type Store interface {
	Store(ctx context.Context, roomID, content string, metadata map[string]any) (Memory, error)
	FindSimilar(ctx context.Context, roomID, content string, limit int) ([]Memory, error)
	HasProcessedContent(ctx context.Context, contentID, roomID string) (bool, error)
	MarkContentAsProcessed(ctx context.Context, contentID, roomID string) error
}

// Fingerprint 返回任意数据的稳定内容标识。字符串按原文计算，其余类型先编码为 JSON。
func Fingerprint(data any) string {
	sum := sha256.Sum256([]byte(Text(data)))
	return hex.EncodeToString(sum[:])
}

// Text 将任意数据转换为可保存的文本。
func Text(data any) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprint(data)
	}
	return string(raw)
}

// Similarity 计算两段文本的词集合 Jaccard 相似度，范围 [0, 1]。
func Similarity(a, b string) float64 {
	left := tokenSet(a)
	right := tokenSet(b)
	if len(left) == 0 || len(right) == 0 {
		return 0
	}
	shared := 0
	for token := range left {
		if _, ok := right[token]; ok {
			shared++
		}
	}
	union := len(left) + len(right) - shared
	return float64(shared) / float64(union)
}

func tokenSet(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r == '_' || r == '-' || r == '.' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r > 127)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

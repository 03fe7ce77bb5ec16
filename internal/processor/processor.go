// Package processor implements orchestrator.Processor on top of an Analyzer:
// it de-duplicates content per room, recalls similar memories, and asks the
// model which announced outputs or actions should receive the content.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"OpenGoal-Chain/internal/llm"
	"OpenGoal-Chain/internal/memory"
	"OpenGoal-Chain/internal/orchestrator"
	"OpenGoal-Chain/internal/schema"
	"OpenGoal-Chain/pkg/logger"
)

const (
	defaultSimilarLimit  = 3
	defaultMinConfidence = 0.5
	maxContentInPrompt   = 2000
)

const systemPrompt = "" +
	"You are OpenGoal's routing engine. " +
	"Given new content and the list of available handlers, decide which handlers should receive it. " +
	"Respond with a compact JSON object: " +
	"{\"suggested_outputs\": [{\"name\": string, \"data\": any, \"confidence\": number, \"reasoning\": string}], \"metadata\": object}. " +
	"Only use handler names from the list; return an empty array when nothing applies."

var replySchema = schema.MustCompile(`{
  "type": "object",
  "required": ["suggested_outputs"],
  "properties": {
    "suggested_outputs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "reasoning": {"type": "string"}
        }
      }
    },
    "metadata": {"type": "object"},
    "enriched_context": {"type": "object"}
  }
}`)

type reply struct {
	SuggestedOutputs []struct {
		Name       string          `json:"name"`
		Data       json.RawMessage `json:"data"`
		Confidence *float64        `json:"confidence"`
		Reasoning  string          `json:"reasoning"`
	} `json:"suggested_outputs"`
	Metadata        map[string]any `json:"metadata"`
	EnrichedContext map[string]any `json:"enriched_context"`
}

// Processor 是基于 Analyzer 的内容路由实现。
type Processor struct {
	analyzer llm.Analyzer
	store    memory.Store
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]orchestrator.HandlerInfo

	roomsMu sync.Mutex
	rooms   map[string]*roomLock

	similarLimit  int
	minConfidence float64
	options       llm.Options
}

// Option 定义 Processor 的可选配置。
type Option func(*Processor)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithSimilarLimit 设置提示词中附带的相似记忆数量。
func WithSimilarLimit(limit int) Option {
	return func(p *Processor) {
		if limit >= 0 {
			p.similarLimit = limit
		}
	}
}

// WithMinConfidence 设置建议被采纳的最低置信度。
func WithMinConfidence(v float64) Option {
	return func(p *Processor) {
		if v >= 0 && v <= 1 {
			p.minConfidence = v
		}
	}
}

// WithAnalyzerOptions 覆盖调用 Analyzer 时的采样参数。系统提示词始终由 Processor 提供。
func WithAnalyzerOptions(opts llm.Options) Option {
	return func(p *Processor) {
		p.options = opts
	}
}

// New 创建 Processor。store 为空时不做去重与记忆检索。
func New(analyzer llm.Analyzer, store memory.Store, opts ...Option) *Processor {
	p := &Processor{
		analyzer:      analyzer,
		store:         store,
		handlers:      make(map[string]orchestrator.HandlerInfo),
		rooms:         make(map[string]*roomLock),
		similarLimit:  defaultSimilarLimit,
		minConfidence: defaultMinConfidence,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("processor")
	}
	p.options.System = systemPrompt
	return p
}

// AddHandler 记录可供建议的输出或动作处理器。
func (p *Processor) AddHandler(info orchestrator.HandlerInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[info.Name] = info
}

// RemoveHandler 移除处理器描述。
func (p *Processor) RemoveHandler(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, name)
}

func (p *Processor) snapshot() []orchestrator.HandlerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]orchestrator.HandlerInfo, 0, len(p.handlers))
	for _, info := range p.handlers {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// lockRoom 串行化同一房间的处理流程，返回解锁函数。
func (p *Processor) lockRoom(id string) func() {
	p.roomsMu.Lock()
	l := p.rooms[id]
	if l == nil {
		l = &roomLock{}
		p.rooms[id] = l
	}
	l.refs++
	p.roomsMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.roomsMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.rooms, id)
		}
		p.roomsMu.Unlock()
	}
}

// Process 对内容去重、检索相似记忆并请求模型给出下游建议。
// 同一房间的调用串行执行，去重检查与标记之间不会被并发流程穿插。
func (p *Processor) Process(ctx context.Context, data any, room *memory.Room) (*orchestrator.ProcessedResult, error) {
	if room == nil {
		return nil, fmt.Errorf("处理内容时缺少房间")
	}
	contentID := memory.Fingerprint(data)
	if p.store != nil {
		defer p.lockRoom(room.ID)()
		processed, err := p.store.HasProcessedContent(ctx, contentID, room.ID)
		if err != nil {
			return nil, fmt.Errorf("查询去重记录失败: %w", err)
		}
		if processed {
			p.logger.Debug("内容已处理，跳过", slog.String("room", room.ID), slog.String("content_id", contentID))
			return &orchestrator.ProcessedResult{Content: data, AlreadyProcessed: true}, nil
		}
	}

	result := &orchestrator.ProcessedResult{
		Content:  data,
		Metadata: map[string]any{"content_id": contentID, "source": room.Source},
	}

	handlers := p.snapshot()
	if len(handlers) > 0 {
		if p.analyzer == nil {
			return nil, fmt.Errorf("未配置 Analyzer")
		}
		text := memory.Text(data)
		var similar []memory.Memory
		if p.store != nil && p.similarLimit > 0 {
			found, err := p.store.FindSimilar(ctx, room.ID, text, p.similarLimit)
			if err != nil {
				p.logger.Warn("检索相似记忆失败", slog.String("room", room.ID), slog.Any("error", err))
			}
			similar = found
		}

		raw, err := p.analyzer.Analyze(ctx, buildPrompt(room, text, similar, handlers), p.options)
		if err != nil {
			return nil, err
		}
		var decoded reply
		if err := replySchema.DecodeReply(raw, &decoded); err != nil {
			return nil, fmt.Errorf("解析路由建议失败: %w", err)
		}
		result.SuggestedOutputs = p.accept(decoded, data, handlers)
		for k, v := range decoded.Metadata {
			result.Metadata[k] = v
		}
		result.EnrichedContext = decoded.EnrichedContext
	}

	if p.store != nil {
		if err := p.store.MarkContentAsProcessed(ctx, contentID, room.ID); err != nil {
			return nil, fmt.Errorf("记录去重信息失败: %w", err)
		}
	}
	return result, nil
}

// accept 过滤未知处理器与低置信度建议。缺省 data 时沿用原始内容。
func (p *Processor) accept(decoded reply, original any, handlers []orchestrator.HandlerInfo) []orchestrator.SuggestedOutput {
	known := make(map[string]struct{}, len(handlers))
	for _, h := range handlers {
		known[h.Name] = struct{}{}
	}

	var out []orchestrator.SuggestedOutput
	for _, s := range decoded.SuggestedOutputs {
		name := strings.TrimSpace(s.Name)
		if _, ok := known[name]; !ok {
			p.logger.Warn("模型建议了未知处理器", slog.String("handler", name))
			continue
		}
		confidence := 1.0
		if s.Confidence != nil {
			confidence = *s.Confidence
		}
		if confidence < p.minConfidence {
			p.logger.Debug("建议置信度不足", slog.String("handler", name), slog.Float64("confidence", confidence))
			continue
		}
		payload := original
		if len(s.Data) > 0 && string(s.Data) != "null" {
			var v any
			if err := json.Unmarshal(s.Data, &v); err == nil {
				payload = v
			}
		}
		out = append(out, orchestrator.SuggestedOutput{
			Name:       name,
			Data:       payload,
			Confidence: confidence,
			Reasoning:  s.Reasoning,
		})
	}
	return out
}

func buildPrompt(room *memory.Room, content string, similar []memory.Memory, handlers []orchestrator.HandlerInfo) string {
	var builder strings.Builder
	builder.WriteString("## 新内容\n")
	builder.WriteString(fmt.Sprintf("来源: %s\n", room.Source))
	builder.WriteString(truncate(content))
	builder.WriteString("\n")

	if len(similar) > 0 {
		builder.WriteString("\n## 相似记忆\n")
		for idx, mem := range similar {
			builder.WriteString(fmt.Sprintf("[%d] (%.2f) %s\n", idx+1, mem.Score, truncate(mem.Content)))
		}
	}

	builder.WriteString("\n## 可用处理器\n")
	for _, h := range handlers {
		builder.WriteString(fmt.Sprintf("- %s (%s)", h.Name, h.Role))
		if desc := strings.TrimSpace(h.Description); desc != "" {
			builder.WriteString(": " + desc)
		}
		builder.WriteString("\n")
		if len(h.Schema) > 0 {
			builder.WriteString("  data schema: " + string(h.Schema) + "\n")
		}
	}
	return builder.String()
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxContentInPrompt {
		return s
	}
	return s[:maxContentInPrompt] + "..."
}

var _ orchestrator.Processor = (*Processor)(nil)

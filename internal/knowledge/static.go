// Package knowledge supplies static reference snippets that are merged into
// planning prompts when their keywords or tags appear in the query.
package knowledge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "OpenGoal-Chain/internal/errors"
)

const defaultMaxResults = 3

// Provider 按查询文本与提示词检索知识片段。
type Provider interface {
	Query(text string, hints ...string) []Snippet
}

// Snippet 是一段可以拼进提示词的参考资料。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Tags     []string `json:"tags" yaml:"tags"`
}

// terms 返回小写去重后的关键字与标签。
func (s Snippet) terms() []string {
	seen := make(map[string]struct{}, len(s.Keywords)+len(s.Tags))
	out := make([]string, 0, len(s.Keywords)+len(s.Tags))
	for _, raw := range append(append([]string(nil), s.Keywords...), s.Tags...) {
		t := strings.ToLower(strings.TrimSpace(raw))
		if _, dup := seen[t]; t == "" || dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

type entry struct {
	snippet Snippet
	terms   []string
}

// StaticProvider 在内存中保存一组固定片段。
type StaticProvider struct {
	entries    []entry
	maxResults int
}

// NewStaticProvider 创建静态知识库，内容为空的片段会被丢弃。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	p := &StaticProvider{maxResults: maxResults}
	for _, it := range items {
		if strings.TrimSpace(it.Content) == "" {
			continue
		}
		p.entries = append(p.entries, entry{snippet: it, terms: it.terms()})
	}
	return p
}

// LoadStaticProvider 读取 .yaml/.yml 或 JSON 格式的片段列表。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "知识库文件路径不能为空")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取知识库文件失败")
	}

	var items []Snippet
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		err = yaml.Unmarshal(raw, &items)
	} else {
		err = json.Unmarshal(raw, &items)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析知识库文件失败: "+path)
	}
	return NewStaticProvider(items, maxResults), nil
}

// Len 返回已加载的片段数量。
func (p *StaticProvider) Len() int {
	if p == nil {
		return 0
	}
	return len(p.entries)
}

// Query 按命中的关键字与标签数量降序返回片段，同分时保持文件顺序。
// 没有关键字和标签的片段视为通用资料，总是以零分参与排序。
func (p *StaticProvider) Query(text string, hints ...string) []Snippet {
	if p == nil {
		return nil
	}
	haystack := strings.ToLower(strings.Join(append([]string{text}, hints...), "\n"))

	type scored struct {
		idx, hits int
	}
	var candidates []scored
	for i, e := range p.entries {
		hits := 0
		for _, t := range e.terms {
			if strings.Contains(haystack, t) {
				hits++
			}
		}
		if hits > 0 || len(e.terms) == 0 {
			candidates = append(candidates, scored{idx: i, hits: hits})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].hits > candidates[j].hits })

	if len(candidates) > p.maxResults {
		candidates = candidates[:p.maxResults]
	}
	out := make([]Snippet, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, p.entries[c.idx].snippet)
	}
	return out
}

var _ Provider = (*StaticProvider)(nil)

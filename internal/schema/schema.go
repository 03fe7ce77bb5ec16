// Package schema compiles JSON Schema documents and validates Go values or
// model replies against them. Replies may wrap the JSON document in prose or
// markdown fences; ExtractJSON recovers the first well-formed document.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator 持有编译后的 JSON Schema。
type Validator struct {
	schema *jsonschema.Schema
	raw    json.RawMessage
}

// Compile 编译 JSON Schema 文档。
func Compile(raw []byte) (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("解析 schema 失败: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("加载 schema 失败: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("编译 schema 失败: %w", err)
	}
	return &Validator{schema: compiled, raw: append(json.RawMessage(nil), raw...)}, nil
}

// MustCompile 编译包内常量 schema，失败时 panic。
func MustCompile(raw string) *Validator {
	v, err := Compile([]byte(raw))
	if err != nil {
		panic(err)
	}
	return v
}

// Raw 返回原始 schema 文档。
func (v *Validator) Raw() json.RawMessage {
	if v == nil {
		return nil
	}
	return v.raw
}

// Validate 校验任意 Go 值。值先编码为 JSON，再按 schema 要求的数值语义解析。
func (v *Validator) Validate(value any) error {
	if v == nil {
		return nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化待校验数据失败: %w", err)
	}
	return v.ValidateJSON(encoded)
}

// ValidateJSON 校验 JSON 文档。
func (v *Validator) ValidateJSON(doc []byte) error {
	if v == nil {
		return nil
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return fmt.Errorf("无效的 JSON: %w", err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return fmt.Errorf("schema 校验失败: %w", err)
	}
	return nil
}

// DecodeReply 从模型回复中提取 JSON，校验后解码到 out。
func (v *Validator) DecodeReply(reply string, out any) error {
	doc := ExtractJSON(reply)
	if doc == "" {
		return fmt.Errorf("回复中没有 JSON 文档")
	}
	if err := v.ValidateJSON([]byte(doc)); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return fmt.Errorf("解码 JSON 失败: %w", err)
	}
	return nil
}

// ExtractJSON 依次尝试 ```json 代码块、普通代码块与正文中第一个括号平衡的 JSON。
func ExtractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); isJSON(candidate) {
				return candidate
			}
		}
	}
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); isJSON(candidate) {
				return candidate
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		if candidate := extractBalanced(text[i:]); candidate != "" && isJSON(candidate) {
			return candidate
		}
	}
	return ""
}

func isJSON(s string) bool {
	if s == "" {
		return false
	}
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

func extractBalanced(s string) string {
	open := s[0]
	closing := byte('}')
	if open == '[' {
		closing = ']'
	}
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == closing:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

package coaching

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ContentPayload is a tagged variant: plain text or a structured map. One
// canonical text conversion is used everywhere content is compared or
// measured (token estimation, coverage matching, evaluation), so the three
// concerns can never disagree about what a message "says".
type ContentPayload struct {
	text       string
	structured map[string]any
}

func TextContent(s string) ContentPayload {
	return ContentPayload{text: s}
}

func StructuredContent(m map[string]any) ContentPayload {
	return ContentPayload{structured: m}
}

func (p ContentPayload) IsStructured() bool { return p.structured != nil }

// Canonical renders the payload as comparable text. Structured payloads are
// rendered as sorted "key: value" lines so the output is deterministic.
func (p ContentPayload) Canonical() string {
	if p.structured == nil {
		return p.text
	}
	keys := make([]string, 0, len(p.structured))
	for k := range p.structured {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(canonicalValue(p.structured[k]))
	}
	return b.String()
}

func canonicalValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}

type contentJSON struct {
	Text       string         `json:"text,omitempty"`
	Structured map[string]any `json:"structured,omitempty"`
}

func (p ContentPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(contentJSON{Text: p.text, Structured: p.structured})
}

func (p *ContentPayload) UnmarshalJSON(data []byte) error {
	var c contentJSON
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	p.text = c.Text
	p.structured = c.Structured
	return nil
}

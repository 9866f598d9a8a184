package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSONObject is returned when model output holds no JSON object at all.
var ErrNoJSONObject = errors.New("no JSON object in model output")

// ExtractJSONObject recovers a JSON object from model output that may be
// wrapped in code fences or surrounded by prose.
func ExtractJSONObject(content string) ([]byte, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	if json.Valid([]byte(s)) && strings.HasPrefix(s, "{") {
		return []byte(s), nil
	}

	start := strings.Index(s, "{")
	if start < 0 {
		return nil, ErrNoJSONObject
	}
	dec := json.NewDecoder(strings.NewReader(s[start:]))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, ErrNoJSONObject
	}
	return bytes.TrimSpace(raw), nil
}

package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	reISODate   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	reSlashDate = regexp.MustCompile(`^(\d{4})[/.](\d{1,2})[/.](\d{1,2})$`)

	documentTypes = map[string]struct{}{
		"lab_report": {}, "prescription": {}, "discharge_summary": {}, "imaging_report": {},
		"consultation_note": {}, "vaccination_record": {}, "other": {},
	}
	labFlags = map[string]struct{}{"normal": {}, "high": {}, "low": {}, "critical": {}}
)

// SanitizeEnhancement normalizes model output so it can pass a strict schema:
// unknown keys and empty optionals are dropped, enums are coerced, confidence
// is clamped. It returns the cleaned document and what was dropped.
func SanitizeEnhancement(raw []byte, allowed map[string]struct{}) ([]byte, []string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}
	var dropped []string
	drop := func(k, why string) {
		delete(m, k)
		dropped = append(dropped, k+"("+why+")")
	}

	for k, v := range m {
		if _, ok := allowed[k]; !ok {
			drop(k, "unknown")
			continue
		}
		switch t := v.(type) {
		case nil:
			drop(k, "null")
		case string:
			if s := strings.TrimSpace(t); s == "" {
				drop(k, "empty")
			} else {
				m[k] = s
			}
		}
	}

	if v, ok := m["document_type"].(string); ok {
		dt := strings.ToLower(strings.ReplaceAll(v, " ", "_"))
		if _, known := documentTypes[dt]; !known {
			dt = "other"
		}
		m["document_type"] = dt
	} else if _, present := m["document_type"]; !present {
		m["document_type"] = "other"
	}

	if v, ok := m["document_date"].(string); ok && !reISODate.MatchString(v) {
		if p := reSlashDate.FindStringSubmatch(v); p != nil {
			m["document_date"] = p[1] + "-" + pad2(p[2]) + "-" + pad2(p[3])
		} else {
			drop("document_date", "format")
		}
	}

	switch c := m["confidence"].(type) {
	case float64:
		if c < 0 {
			m["confidence"] = 0.0
		} else if c > 1 {
			m["confidence"] = 1.0
		}
	case nil:
	default:
		drop("confidence", "type")
	}

	for _, k := range []string{"conditions", "follow_ups"} {
		if v, ok := m[k]; ok {
			list := cleanStrings(v)
			if len(list) == 0 {
				drop(k, "empty")
			} else {
				m[k] = list
			}
		}
	}
	if labs, ok := m["lab_results"].([]any); ok {
		for _, l := range labs {
			if lm, ok := l.(map[string]any); ok {
				if f, ok := lm["flag"].(string); ok {
					f = strings.ToLower(strings.TrimSpace(f))
					if _, known := labFlags[f]; known {
						lm["flag"] = f
					} else {
						delete(lm, "flag")
					}
				}
			}
		}
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, dropped, fmt.Errorf("sanitize: encode: %w", err)
	}
	return out, dropped, nil
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

func cleanStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Package llm builds prompts for the enhancement stage and checks what the
// model returns against a JSON Schema reflected from extract.Enhancement.
package llm

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/joseph-ayodele/health-records/internal/extract"
)

var (
	schemaOnce sync.Once
	schemaMap  map[string]any
	schemaErr  error
)

// EnhancementSchema returns the JSON Schema for extract.Enhancement as a generic map.
// It is passed to the model as the output contract and used locally to validate.
func EnhancementSchema() (map[string]any, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			Anonymous:      true,
			DoNotReference: true,
			ExpandedStruct: true,
		}
		s := r.Reflect(&extract.Enhancement{})
		b, err := json.Marshal(s)
		if err != nil {
			schemaErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		if err := json.Unmarshal(b, &schemaMap); err != nil {
			schemaErr = fmt.Errorf("unmarshal schema: %w", err)
		}
	})
	return schemaMap, schemaErr
}

// AllowedKeys lists the top-level properties of the schema.
func AllowedKeys(schema map[string]any) map[string]struct{} {
	out := make(map[string]struct{})
	props, _ := schema["properties"].(map[string]any)
	for k := range props {
		out[k] = struct{}{}
	}
	return out
}

package toolcall

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrValidation marks parameters that do not satisfy the tool's schema.
// It fails that single call and never reaches the provider.
var ErrValidation = errors.New("tool parameters failed validation")

// schemaCache memoizes resolved schemas by their JSON text so repeated
// calls to the same tool resolve once.
var schemaCache sync.Map

// ValidateParameters checks params against a JSON Schema document. A nil
// or empty schema accepts anything.
func ValidateParameters(schema map[string]any, params map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	resolved, err := resolveSchema(schema)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if params == nil {
		params = map[string]any{}
	}
	if err := resolved.Validate(params); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func resolveSchema(schema map[string]any) (*jsonschema.Resolved, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	if cached, ok := schemaCache.Load(string(data)); ok {
		return cached.(*jsonschema.Resolved), nil
	}

	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	schemaCache.Store(string(data), resolved)
	return resolved, nil
}

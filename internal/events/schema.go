package events

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaRegistry holds optional JSON schemas for event payloads, keyed by
// event type. Types without a schema accept any payload.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*gojsonschema.Schema)}
}

// Register compiles schema and binds it to eventType, replacing any earlier one.
func (r *SchemaRegistry) Register(eventType string, schema []byte) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", eventType, err)
	}
	r.mu.Lock()
	r.schemas[eventType] = compiled
	r.mu.Unlock()
	return nil
}

// LoadDir registers every <event type>.json file in dir and returns how many
// schemas were loaded.
func (r *SchemaRegistry) LoadDir(dir string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, fmt.Errorf("list schemas in %s: %w", dir, err)
	}
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("read schema %s: %w", path, err)
		}
		eventType := strings.TrimSuffix(filepath.Base(path), ".json")
		if err := r.Register(eventType, raw); err != nil {
			return 0, err
		}
	}
	return len(paths), nil
}

// Len returns the number of registered schemas.
func (r *SchemaRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schemas)
}

// Validate checks payload against the schema for eventType, if there is one.
func (r *SchemaRegistry) Validate(eventType string, payload []byte) error {
	r.mu.RLock()
	schema, ok := r.schemas[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return &ValidationError{Type: eventType, Reason: fmt.Sprintf("payload is not valid JSON: %v", err)}
	}
	if !result.Valid() {
		var errorMessages []string
		for _, desc := range result.Errors() {
			errorMessages = append(errorMessages, desc.String())
		}
		return &ValidationError{Type: eventType, Reason: strings.Join(errorMessages, "; ")}
	}
	return nil
}

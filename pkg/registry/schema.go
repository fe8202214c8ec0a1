package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache compiles JSON Schema documents once per capability/tool and
// reuses the compiled form for every validation.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) validate(key string, schemaDoc map[string]any, value any) error {
	sch, err := c.compile(key, schemaDoc)
	if err != nil {
		return err
	}
	if err := sch.Validate(value); err != nil {
		return fmt.Errorf("registry: %s schema violation: %w", key, err)
	}
	return nil
}

func (c *schemaCache) compile(key string, schemaDoc map[string]any) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sch, ok := c.compiled[key]; ok {
		return sch, nil
	}
	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("registry: %s schema marshal: %w", key, err)
	}
	sch, err := jsonschema.CompileString(key+".json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("registry: %s schema compile: %w", key, err)
	}
	c.compiled[key] = sch
	return sch, nil
}

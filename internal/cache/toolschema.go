package cache

import (
	"sync"

	"github.com/tidwall/gjson"
)

// ToolSchemaCache remembers the parameter schemas of declared tools so that
// response-side argument coercion can tell structured parameters from strings.
type ToolSchemaCache struct {
	mu      sync.RWMutex
	schemas map[string]map[string]string
	renames map[string]string
}

// NewToolSchemaCache creates an empty tool schema cache.
func NewToolSchemaCache() *ToolSchemaCache {
	return &ToolSchemaCache{
		schemas: make(map[string]map[string]string),
		renames: make(map[string]string),
	}
}

// Put records the top-level property types of a JSON schema under each given name.
func (c *ToolSchemaCache) Put(schema gjson.Result, names ...string) {
	types := make(map[string]string)
	schema.Get("properties").ForEach(func(key, value gjson.Result) bool {
		types[key.String()] = schemaType(value)
		return true
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		if name != "" {
			c.schemas[name] = types
		}
	}
}

// ParamType returns the declared JSON type of a tool parameter, or "" when unknown.
func (c *ToolSchemaCache) ParamType(tool, param string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schemas[tool][param]
}

// RecordRename remembers that a declared tool was sent upstream under another name.
func (c *ToolSchemaCache) RecordRename(upstream, original string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renames[upstream] = original
}

// OriginalName maps an upstream tool name back to the declared one.
func (c *ToolSchemaCache) OriginalName(upstream string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if original, ok := c.renames[upstream]; ok {
		return original
	}
	return upstream
}

// Has reports whether a schema is cached for the tool.
func (c *ToolSchemaCache) Has(tool string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.schemas[tool]
	return ok
}

func schemaType(prop gjson.Result) string {
	t := prop.Get("type")
	if t.IsArray() {
		// ["array","null"] style unions: first non-null wins
		for _, v := range t.Array() {
			if v.String() != "null" {
				return v.String()
			}
		}
		return ""
	}
	if t.Exists() {
		return t.String()
	}
	if prop.Get("properties").Exists() {
		return "object"
	}
	if prop.Get("items").Exists() {
		return "array"
	}
	return ""
}

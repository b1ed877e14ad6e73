package orchestrator

import (
	"fmt"
	"sync"
)

// SharedContext is the key-value bag steps read from and write to during a
// plan run. Step outputs are stored under "step:<id>".
type SharedContext struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewSharedContext creates an empty shared context
func NewSharedContext() *SharedContext {
	return &SharedContext{
		values: make(map[string]interface{}),
	}
}

// StepOutputKey returns the key a step's output is stored under
func StepOutputKey(stepID string) string {
	return fmt.Sprintf("step:%s", stepID)
}

// Set stores a value
func (c *SharedContext) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Get retrieves a value
func (c *SharedContext) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// GetString retrieves a string value, returning "" for absent or
// non-string entries.
func (c *SharedContext) GetString(key string) string {
	v, ok := c.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Keys returns all stored keys
func (c *SharedContext) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a shallow copy of the current values
func (c *SharedContext) Snapshot() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := make(map[string]interface{}, len(c.values))
	for k, v := range c.values {
		snapshot[k] = v
	}
	return snapshot
}

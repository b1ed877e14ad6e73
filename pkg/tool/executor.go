// Package tool provides the registry and executor every agent-initiated
// side-effecting action runs through. Handlers are registered under a tool
// name; execution validates parameters against a generated JSON Schema and
// runs the handler under a timeout with cancellation support.
package tool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultTimeout applies when the execution context does not set one
const DefaultTimeout = 30 * time.Second

// Parameter declares one handler parameter used for schema generation
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Handler is the function signature for tool execution
type Handler func(ctx context.Context, params map[string]interface{}) (string, error)

// Definition describes a registered tool
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`
	// AutoApprove marks tools the approval gate may approve without
	// consulting the dangerous-operation heuristics.
	AutoApprove bool `json:"auto_approve,omitempty"`
}

// ExecutionContext provides runtime information for a single invocation
type ExecutionContext struct {
	AgentID    string
	SessionID  string
	WorkingDir string
	Timeout    time.Duration
}

// Result is the outcome of one tool invocation. It is never mutated after
// creation.
type Result struct {
	Success  bool                   `json:"success"`
	Output   string                 `json:"output,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Duration time.Duration          `json:"duration_ms"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Executor maps tool names to handlers and runs them. The registry is
// read-mostly after startup and safe for concurrent lookups.
type Executor struct {
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
}

// NewExecutor creates an empty executor
func NewExecutor() *Executor {
	return &Executor{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a tool under its name. A later registration for the same
// name overwrites the earlier one.
func (e *Executor) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	schema, err := generateSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema for %s: %w", def.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.tools[def.Name]; exists {
		log.Debug().Str("tool", def.Name).Msg("Replacing existing tool registration")
	}

	e.tools[def.Name] = &def
	e.schemas[def.Name] = schema

	log.Info().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// Unregister removes a tool
func (e *Executor) Unregister(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.tools, name)
	delete(e.schemas, name)
}

// Get returns a tool definition by name, or nil
func (e *Executor) Get(name string) *Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.tools[name]
}

// List returns all registered tool names
func (e *Executor) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}

	return names
}

// Specs returns every registered tool as a model-facing description with a
// JSON Schema under input_schema.
func (e *Executor) Specs() []map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	specs := make([]map[string]interface{}, 0, len(e.tools))
	for _, def := range e.tools {
		properties := make(map[string]interface{})
		required := []string{}
		for _, param := range def.Parameters {
			prop := map[string]interface{}{
				"type":        param.Type,
				"description": param.Description,
			}
			if param.Default != nil {
				prop["default"] = param.Default
			}
			properties[param.Name] = prop
			if param.Required {
				required = append(required, param.Name)
			}
		}

		inputSchema := map[string]interface{}{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			inputSchema["required"] = required
		}

		specs = append(specs, map[string]interface{}{
			"name":         def.Name,
			"description":  def.Description,
			"input_schema": inputSchema,
		})
	}

	return specs
}

// Execute runs a named tool with the given parameters. All failure modes are
// reported through the Result; the registry is never modified by execution.
func (e *Executor) Execute(ctx context.Context, name string, params map[string]interface{}, execCtx ExecutionContext) Result {
	e.mu.RLock()
	def := e.tools[name]
	schema := e.schemas[name]
	e.mu.RUnlock()

	if def == nil {
		log.Error().Str("tool", name).Msg("No handler registered")
		return Result{
			Success:  false,
			Error:    fmt.Sprintf("no handler registered for tool: %s", name),
			Duration: 0,
		}
	}

	start := time.Now()

	if err := validateParams(schema, params); err != nil {
		log.Error().Str("tool", name).Err(err).Msg("Parameter validation failed")
		return Result{
			Success:  false,
			Error:    fmt.Sprintf("parameter validation failed: %v", err),
			Duration: time.Since(start),
		}
	}

	timeout := execCtx.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Debug().
		Str("tool", name).
		Str("agent_id", execCtx.AgentID).
		Str("session_id", execCtx.SessionID).
		Msg("Executing tool")

	outputChan := make(chan string, 1)
	errChan := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errChan <- fmt.Errorf("Unexpected error: %v", r)
			}
		}()

		output, err := def.Handler(timeoutCtx, params)
		if err != nil {
			errChan <- err
		} else {
			outputChan <- output
		}
	}()

	select {
	case output := <-outputChan:
		duration := time.Since(start)
		log.Debug().Str("tool", name).Dur("duration", duration).Msg("Tool execution completed")
		return Result{
			Success:  true,
			Output:   output,
			Duration: duration,
			Metadata: map[string]interface{}{"agent_id": execCtx.AgentID},
		}

	case err := <-errChan:
		duration := time.Since(start)
		log.Error().Str("tool", name).Dur("duration", duration).Err(err).Msg("Tool execution failed")
		return Result{
			Success:  false,
			Error:    err.Error(),
			Duration: duration,
		}

	case <-timeoutCtx.Done():
		duration := time.Since(start)
		if ctx.Err() != nil {
			// Caller cancelled before the handler finished
			log.Warn().Str("tool", name).Msg("Tool execution cancelled")
			return Result{
				Success:  false,
				Error:    "Tool execution was cancelled",
				Duration: duration,
			}
		}
		log.Error().Str("tool", name).Dur("timeout", timeout).Msg("Tool execution timed out")
		return Result{
			Success:  false,
			Error:    fmt.Sprintf("timed out after %v", timeout),
			Duration: duration,
		}
	}
}

// generateSchema builds a JSON Schema from declared parameters
func generateSchema(def Definition) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		if param.Name == "" {
			return nil, fmt.Errorf("parameter name cannot be empty")
		}

		validTypes := map[string]bool{
			"string": true, "number": true, "boolean": true,
			"object": true, "array": true, "integer": true,
		}
		if !validTypes[param.Type] {
			return nil, fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}

		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

// validateParams validates parameters against a compiled schema
func validateParams(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := []string{}
		for _, verr := range result.Errors() {
			msgs = append(msgs, verr.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}

	return nil
}

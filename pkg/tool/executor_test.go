package tool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoDefinition() Definition {
	return Definition{
		Name:        "echo",
		Description: "Echo back the input",
		Parameters: []Parameter{
			{Name: "text", Type: "string", Description: "text to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			return params["text"].(string), nil
		},
	}
}

func TestRegisterRejectsInvalidDefinitions(t *testing.T) {
	e := NewExecutor()

	err := e.Register(Definition{Name: "", Handler: func(ctx context.Context, p map[string]interface{}) (string, error) { return "", nil }})
	assert.ErrorContains(t, err, "name cannot be empty")

	err = e.Register(Definition{Name: "broken", Handler: nil})
	assert.ErrorContains(t, err, "handler cannot be nil")

	err = e.Register(Definition{
		Name:       "badtype",
		Parameters: []Parameter{{Name: "x", Type: "banana"}},
		Handler:    func(ctx context.Context, p map[string]interface{}) (string, error) { return "", nil },
	})
	assert.ErrorContains(t, err, "invalid parameter type")
}

func TestRegisterOverwrites(t *testing.T) {
	e := NewExecutor()

	def := echoDefinition()
	require.NoError(t, e.Register(def))

	def.Handler = func(ctx context.Context, params map[string]interface{}) (string, error) {
		return "replaced", nil
	}
	require.NoError(t, e.Register(def))

	result := e.Execute(context.Background(), "echo", map[string]interface{}{"text": "x"}, ExecutionContext{})
	assert.True(t, result.Success)
	assert.Equal(t, "replaced", result.Output)
	assert.Len(t, e.List(), 1)
}

func TestExecuteUnknownTool(t *testing.T) {
	e := NewExecutor()

	result := e.Execute(context.Background(), "missing", nil, ExecutionContext{})

	assert.False(t, result.Success)
	assert.Equal(t, "no handler registered for tool: missing", result.Error)
	assert.Equal(t, time.Duration(0), result.Duration)
}

func TestExecuteValidatesParameters(t *testing.T) {
	e := NewExecutor()
	require.NoError(t, e.Register(echoDefinition()))

	// Missing required parameter
	result := e.Execute(context.Background(), "echo", map[string]interface{}{}, ExecutionContext{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "parameter validation failed")

	// Unknown extra parameter
	result = e.Execute(context.Background(), "echo", map[string]interface{}{"text": "hi", "extra": 1}, ExecutionContext{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "parameter validation failed")
}

func TestExecuteSuccess(t *testing.T) {
	e := NewExecutor()
	require.NoError(t, e.Register(echoDefinition()))

	result := e.Execute(context.Background(), "echo", map[string]interface{}{"text": "hello"}, ExecutionContext{AgentID: "a1"})

	assert.True(t, result.Success)
	assert.Equal(t, "hello", result.Output)
	assert.Equal(t, "a1", result.Metadata["agent_id"])
}

func TestExecuteSurfacesHandlerError(t *testing.T) {
	e := NewExecutor()
	require.NoError(t, e.Register(Definition{
		Name: "fail",
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			return "", fmt.Errorf("disk on fire")
		},
	}))

	result := e.Execute(context.Background(), "fail", nil, ExecutionContext{})

	assert.False(t, result.Success)
	assert.Equal(t, "disk on fire", result.Error)
}

func TestExecuteTimeout(t *testing.T) {
	e := NewExecutor()
	require.NoError(t, e.Register(Definition{
		Name: "slow",
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			select {
			case <-time.After(5 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}))

	start := time.Now()
	result := e.Execute(context.Background(), "slow", nil, ExecutionContext{Timeout: 100 * time.Millisecond})

	assert.False(t, result.Success)
	assert.Equal(t, "timed out after 100ms", result.Error)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecuteCancellation(t *testing.T) {
	e := NewExecutor()
	require.NoError(t, e.Register(Definition{
		Name: "block",
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result := e.Execute(ctx, "block", nil, ExecutionContext{Timeout: 10 * time.Second})

	assert.False(t, result.Success)
	assert.Equal(t, "Tool execution was cancelled", result.Error)
}

func TestExecuteRecoversPanic(t *testing.T) {
	e := NewExecutor()
	require.NoError(t, e.Register(Definition{
		Name: "panics",
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			panic("boom")
		},
	}))

	result := e.Execute(context.Background(), "panics", nil, ExecutionContext{})

	assert.False(t, result.Success)
	assert.Equal(t, "Unexpected error: boom", result.Error)
}

func TestSpecs(t *testing.T) {
	e := NewExecutor()
	require.NoError(t, e.Register(echoDefinition()))

	specs := e.Specs()
	require.Len(t, specs, 1)

	assert.Equal(t, "echo", specs[0]["name"])
	schema, ok := specs[0]["input_schema"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []string{"text"}, schema["required"])
}

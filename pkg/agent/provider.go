package agent

import (
	"context"
	"fmt"
)

// LLMProvider is the pluggable backend a provider agent calls into
type LLMProvider interface {
	// Call makes one model API call, consuming the provider's token stream.
	// Content deltas are forwarded to onDelta as they arrive; the returned
	// response carries the assembled content and any tool calls. A nil
	// onDelta buffers the call.
	Call(ctx context.Context, request LLMRequest, onDelta func(text string)) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// ChatMessage is one turn of provider conversation history
type ChatMessage struct {
	Role       Role
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// LLMRequest contains the request parameters for one model call
type LLMRequest struct {
	Model        string
	Messages     []ChatMessage
	Tools        []map[string]interface{}
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the model response
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// TokenUsage reports token consumption for one call
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// requiredNames normalizes the required field of a tool input schema,
// which arrives as []string from the executor or []interface{} after a
// JSON round trip.
func requiredNames(v interface{}) []string {
	switch required := v.(type) {
	case []string:
		return required
	case []interface{}:
		names := make([]string, 0, len(required))
		for _, item := range required {
			if name, ok := item.(string); ok {
				names = append(names, name)
			}
		}
		return names
	default:
		return nil
	}
}

// newProvider constructs the backend for a provider name. An unknown name
// is an initialization failure, not a degraded fallback.
func newProvider(name, apiKey string) (LLMProvider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	case "openai":
		return NewOpenAIProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("%w: unsupported provider: %s", ErrInitialization, name)
	}
}

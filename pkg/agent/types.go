package agent

import (
	"time"
)

// Kind selects the concrete agent form
type Kind string

const (
	KindProcess  Kind = "process"
	KindProvider Kind = "provider"
)

// Config describes an agent before initialization. Immutable once the agent
// has been initialized.
type Config struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Kind       Kind   `json:"kind"`
	WorkingDir string `json:"working_dir,omitempty"`
	// Settings carries kind-specific values: "command" and "args" for
	// process agents, "provider", "model" and "api_key_env" for provider
	// agents, plus optional timeout overrides in seconds.
	Settings map[string]string `json:"settings,omitempty"`
}

// Setting returns a settings value or the given default
func (c Config) Setting(key, fallback string) string {
	if v, ok := c.Settings[key]; ok && v != "" {
		return v
	}
	return fallback
}

// Capabilities is the static description of what an agent supports,
// produced once during initialization.
type Capabilities struct {
	Streaming      bool     `json:"streaming"`
	ToolUse        bool     `json:"tool_use"`
	FileOperations bool     `json:"file_operations"`
	MaxConcurrent  int      `json:"max_concurrent"`
	Models         []string `json:"models,omitempty"`
	Tools          []string `json:"tools,omitempty"`
}

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one unit of conversation, immutable once sent
type Message struct {
	ID          string                 `json:"id"`
	Role        Role                   `json:"role"`
	Content     string                 `json:"content"`
	SessionID   string                 `json:"session_id"`
	Timestamp   time.Time              `json:"timestamp"`
	Attachments []string               `json:"attachments,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCall is one requested tool invocation with a unique id
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
	AgentID    string                 `json:"agent_id,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
}

// ResponseChunk is one increment of an agent response. Done is set on the
// final chunk, which also carries the stop reason and any tool calls the
// model requested.
type ResponseChunk struct {
	AgentID    string     `json:"agent_id"`
	Content    string     `json:"content,omitempty"`
	Done       bool       `json:"done"`
	StopReason string     `json:"stop_reason,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Err        error      `json:"-"`
}

// StatusReport is the snapshot returned by Agent.Status
type StatusReport struct {
	Status       Status       `json:"status"`
	LastActivity time.Time    `json:"last_activity"`
	Healthy      bool         `json:"healthy"`
	Capabilities Capabilities `json:"capabilities"`
}

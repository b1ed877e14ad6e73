// Package events carries status and lifecycle notifications out of the core
// to external collaborators such as the gateway. Publishing is fire-and-forget:
// the core never blocks on a slow consumer.
package events

import "time"

// Type identifies an event kind
type Type string

const (
	TypeAgentStatusChanged Type = "agent.status_changed"
	TypeAgentOutput        Type = "agent.output"
	TypeApprovalRequested  Type = "approval.requested"
	TypeApprovalResolved   Type = "approval.resolved"
	TypeStepCompleted      Type = "orchestration.step_completed"
)

// Event is the envelope delivered to subscribers
type Event struct {
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// AgentStatusChanged is emitted on every agent state transition
type AgentStatusChanged struct {
	AgentID   string `json:"agent_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// AgentOutput carries incremental agent response text
type AgentOutput struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content"`
}

// ApprovalRequested is emitted when a dangerous operation needs a human decision
type ApprovalRequested struct {
	RequestID  string `json:"request_id"`
	ToolName   string `json:"tool_name"`
	Command    string `json:"command"`
	AgentID    string `json:"agent_id"`
	SessionID  string `json:"session_id"`
	WorkingDir string `json:"working_dir"`
}

// ApprovalResolved is emitted when an approval request has been decided
type ApprovalResolved struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason"`
}

// StepCompleted is emitted after each orchestration step finishes
type StepCompleted struct {
	PlanID   string `json:"plan_id"`
	StepID   string `json:"step_id"`
	AgentID  string `json:"agent_id"`
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Duration int64  `json:"duration_ms"`
}

// Publisher is the write side of the notifier, implemented by Dispatcher.
// Core components hold this interface so tests can substitute a recorder.
type Publisher interface {
	Publish(event Event)
}

// NewEvent builds an envelope with the current timestamp
func NewEvent(t Type, payload interface{}) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

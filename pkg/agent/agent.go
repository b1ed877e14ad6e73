package agent

import (
	"context"
	"fmt"

	"github.com/marlow/overseer/pkg/approval"
	"github.com/marlow/overseer/pkg/events"
	"github.com/marlow/overseer/pkg/tool"
)

// Agent is the contract the orchestrator drives. Both concrete forms honor
// the same state machine; capability differences live in Capabilities.
type Agent interface {
	// Initialize prepares the agent from its configuration and reports its
	// capabilities. Failures leave the agent in the Error state.
	Initialize(ctx context.Context) (Capabilities, error)

	// SendMessage submits one message and streams response chunks until a
	// chunk with Done is delivered or the context is cancelled. Requests
	// are serialized per agent.
	SendMessage(ctx context.Context, msg Message) (<-chan ResponseChunk, error)

	// ExecuteTool routes a tool call through the approval gate and tool
	// executor. Denials and failures are reported in the result.
	ExecuteTool(ctx context.Context, call ToolCall) tool.Result

	// Status returns a point-in-time snapshot of the agent.
	Status() StatusReport

	// Shutdown tears the agent down. Terminal.
	Shutdown(ctx context.Context) error

	// ID returns the agent identifier.
	ID() string
}

// toolRouter is the shared tool dispatch path: approval gate first, then
// the executor. Both agent forms embed it so the gate can never be skipped.
type toolRouter struct {
	gate     *approval.Engine
	executor *tool.Executor
}

// execute runs one tool call through gate and executor
func (r *toolRouter) execute(ctx context.Context, call ToolCall, workingDir string, timeout tool.ExecutionContext) tool.Result {
	if r.executor == nil {
		return tool.Result{Success: false, Error: "no tool executor configured"}
	}

	if r.gate != nil {
		decision := r.gate.Evaluate(ctx, approval.Request{
			ID:         call.ID,
			ToolName:   call.Name,
			Command:    commandString(call),
			AgentID:    call.AgentID,
			SessionID:  call.SessionID,
			WorkingDir: workingDir,
		})
		if !decision.Approved {
			return tool.Result{
				Success: false,
				Error:   fmt.Sprintf("approval denied: %s", decision.Reason),
			}
		}
	}

	execCtx := tool.ExecutionContext{
		AgentID:    call.AgentID,
		SessionID:  call.SessionID,
		WorkingDir: workingDir,
		Timeout:    timeout.Timeout,
	}

	return r.executor.Execute(ctx, call.Name, call.Parameters, execCtx)
}

// commandString derives the literal command string the approval cache is
// keyed on. Shell-style tools expose it directly; other tools are keyed on
// the tool name plus its parameters.
func commandString(call ToolCall) string {
	if cmd, ok := call.Parameters["command"].(string); ok && cmd != "" {
		return cmd
	}
	return fmt.Sprintf("%s %v", call.Name, call.Parameters)
}

// Deps bundles the collaborators every agent needs
type Deps struct {
	Notifier events.Publisher
	Gate     *approval.Engine
	Executor *tool.Executor
}

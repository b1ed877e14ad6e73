package agent

import "errors"

// Error taxonomy for agent lifecycle and execution. Callers test with
// errors.Is; messages carry the human-readable context.
var (
	// ErrInitialization covers bad configuration, missing credentials and
	// unsupported providers or agent kinds at initialization time.
	ErrInitialization = errors.New("agent initialization failed")

	// ErrProcessCrash means the child process exited or became unresponsive.
	ErrProcessCrash = errors.New("agent process crashed")

	// ErrTimeout means an operation exceeded its configured budget.
	ErrTimeout = errors.New("agent request timed out")

	// ErrUnsupportedAgentType is returned by the factory for unknown kinds.
	ErrUnsupportedAgentType = errors.New("unsupported agent type")

	// ErrNotReady means the agent is not in a state that accepts requests.
	ErrNotReady = errors.New("agent is not ready")

	// ErrShutdown means the agent has been shut down and is terminal.
	ErrShutdown = errors.New("agent is shut down")
)

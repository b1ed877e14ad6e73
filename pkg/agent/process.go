package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marlow/overseer/pkg/events"
	"github.com/marlow/overseer/pkg/tool"
)

const (
	defaultHealthInterval = 30 * time.Second
	defaultIdleTimeout    = 15 * time.Second
	defaultRequestTimeout = 120 * time.Second
	defaultShutdownGrace  = 5 * time.Second
)

// ProcessAgent supervises a child process per agent instance and reads its
// stdout as newline-delimited JSON stream frames. An unhealthy process is
// respawned at most once per request; a second consecutive failure moves
// the agent to the Error state.
type ProcessAgent struct {
	cfg      Config
	machine  *stateMachine
	notifier events.Publisher
	router   toolRouter
	caps     Capabilities

	healthInterval time.Duration
	idleTimeout    time.Duration
	requestTimeout time.Duration
	shutdownGrace  time.Duration

	// reqMu serializes requests: one message or tool call at a time
	reqMu sync.Mutex

	procMu sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames <-chan Frame
	exited chan struct{}

	healthy    atomic.Bool
	stopHealth chan struct{}
	healthOnce sync.Once
}

// NewProcessAgent creates an uninitialized process agent
func NewProcessAgent(cfg Config, deps Deps) *ProcessAgent {
	return &ProcessAgent{
		cfg:            cfg,
		machine:        newStateMachine(cfg.ID, deps.Notifier),
		notifier:       deps.Notifier,
		router:         toolRouter{gate: deps.Gate, executor: deps.Executor},
		healthInterval: settingDuration(cfg, "health_interval", defaultHealthInterval),
		idleTimeout:    settingDuration(cfg, "idle_timeout", defaultIdleTimeout),
		requestTimeout: settingDuration(cfg, "request_timeout", defaultRequestTimeout),
		shutdownGrace:  settingDuration(cfg, "shutdown_grace", defaultShutdownGrace),
		stopHealth:     make(chan struct{}),
	}
}

// ID returns the agent identifier
func (a *ProcessAgent) ID() string {
	return a.cfg.ID
}

// Initialize spawns the child process and starts health monitoring
func (a *ProcessAgent) Initialize(ctx context.Context) (Capabilities, error) {
	if err := a.machine.Transition(StatusInitializing); err != nil {
		return Capabilities{}, err
	}

	command := a.cfg.Setting("command", "")
	if command == "" {
		_ = a.machine.Transition(StatusError)
		return Capabilities{}, fmt.Errorf("%w: process agent %s requires a command setting", ErrInitialization, a.cfg.ID)
	}

	if err := a.spawn(); err != nil {
		_ = a.machine.Transition(StatusError)
		return Capabilities{}, fmt.Errorf("%w: %v", ErrInitialization, err)
	}

	a.caps = Capabilities{
		Streaming:      true,
		ToolUse:        true,
		FileOperations: true,
		MaxConcurrent:  1,
	}
	if a.router.executor != nil {
		a.caps.Tools = a.router.executor.List()
	}

	go a.healthLoop()

	if err := a.machine.Transition(StatusReady); err != nil {
		return Capabilities{}, err
	}

	log.Info().
		Str("agent_id", a.cfg.ID).
		Str("command", command).
		Msg("Process agent initialized")

	return a.caps, nil
}

// spawn starts (or restarts) the child process and wires its pipes. A
// previous child that is still running is killed first so abandoned
// processes never outlive the request that left them behind.
func (a *ProcessAgent) spawn() error {
	a.procMu.Lock()
	defer a.procMu.Unlock()

	a.reapLocked()

	command := a.cfg.Setting("command", "")
	args := strings.Fields(a.cfg.Setting("args", ""))

	cmd := exec.Command(command, args...)
	if a.cfg.WorkingDir != "" {
		cmd.Dir = a.cfg.WorkingDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start process %s: %w", command, err)
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		close(exited)

		// A replacement may already be running; only the current child's
		// exit makes the agent unhealthy.
		a.procMu.Lock()
		current := a.cmd == cmd
		a.procMu.Unlock()
		if !current {
			return
		}

		a.healthy.Store(false)
		if err != nil {
			log.Warn().
				Str("agent_id", a.cfg.ID).
				Err(err).
				Msg("Agent process exited with error")
		}
	}()

	a.cmd = cmd
	a.stdin = stdin
	a.frames = ParseFrames(stdout)
	a.exited = exited
	a.healthy.Store(true)

	log.Debug().
		Str("agent_id", a.cfg.ID).
		Int("pid", cmd.Process.Pid).
		Msg("Agent process spawned")

	return nil
}

// reapLocked kills the previous child process if it is still running.
// Called with procMu held before a replacement is started.
func (a *ProcessAgent) reapLocked() {
	if a.cmd == nil || a.cmd.Process == nil || a.exited == nil {
		return
	}

	select {
	case <-a.exited:
		return
	default:
	}

	if a.stdin != nil {
		_ = a.stdin.Close()
	}
	_ = a.cmd.Process.Kill()

	log.Debug().
		Str("agent_id", a.cfg.ID).
		Int("pid", a.cmd.Process.Pid).
		Msg("Killed abandoned agent process")
}

// alive reports whether the current child process is still running
func (a *ProcessAgent) alive() bool {
	a.procMu.Lock()
	exited := a.exited
	a.procMu.Unlock()

	if exited == nil {
		return false
	}

	select {
	case <-exited:
		return false
	default:
		return true
	}
}

// SendMessage writes the message to the child process and assembles the
// streamed response. The response surfaces once a message_stop frame is
// observed or the idle timeout elapses.
func (a *ProcessAgent) SendMessage(ctx context.Context, msg Message) (<-chan ResponseChunk, error) {
	switch a.machine.Status() {
	case StatusReady:
	case StatusShutdown:
		return nil, ErrShutdown
	default:
		return nil, fmt.Errorf("%w: agent %s is %s", ErrNotReady, a.cfg.ID, a.machine.Status())
	}

	chunks := make(chan ResponseChunk, 16)

	go func() {
		defer close(chunks)

		a.reqMu.Lock()
		defer a.reqMu.Unlock()

		if err := a.machine.Transition(StatusBusy); err != nil {
			chunks <- ResponseChunk{AgentID: a.cfg.ID, Done: true, Err: err}
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, a.requestTimeout)
		defer cancel()

		response, stopReason, err := a.sendWithRecovery(reqCtx, msg, chunks)

		if err != nil {
			if isCrash(err) {
				// Second consecutive failure: surface Error status
				_ = a.machine.Transition(StatusError)
			} else {
				_ = a.machine.Transition(StatusReady)
			}
			chunks <- ResponseChunk{AgentID: a.cfg.ID, Done: true, Err: err}
			return
		}

		_ = a.machine.Transition(StatusReady)
		chunks <- ResponseChunk{
			AgentID:    a.cfg.ID,
			Content:    response,
			Done:       true,
			StopReason: stopReason,
		}
	}()

	return chunks, nil
}

// sendWithRecovery performs the request with a bounded retry of one
// process restart.
func (a *ProcessAgent) sendWithRecovery(ctx context.Context, msg Message, chunks chan<- ResponseChunk) (string, string, error) {
	if !a.alive() {
		log.Warn().Str("agent_id", a.cfg.ID).Msg("Process unhealthy before request, respawning")
		if err := a.spawn(); err != nil {
			return "", "", fmt.Errorf("%w: respawn failed: %v", ErrProcessCrash, err)
		}
		// The single allowed restart is spent; a crash below is final
		return a.sendOnce(ctx, msg, chunks)
	}

	response, stopReason, err := a.sendOnce(ctx, msg, chunks)
	if err == nil || !isCrash(err) {
		return response, stopReason, err
	}

	log.Warn().
		Str("agent_id", a.cfg.ID).
		Err(err).
		Msg("Process crashed during request, respawning once")

	if spawnErr := a.spawn(); spawnErr != nil {
		return "", "", fmt.Errorf("%w: respawn failed: %v", ErrProcessCrash, spawnErr)
	}

	return a.sendOnce(ctx, msg, chunks)
}

// sendOnce writes one request and reads frames until message_stop, idle
// timeout, crash, or context expiry.
func (a *ProcessAgent) sendOnce(ctx context.Context, msg Message, chunks chan<- ResponseChunk) (string, string, error) {
	a.procMu.Lock()
	stdin := a.stdin
	frames := a.frames
	exited := a.exited
	a.procMu.Unlock()

	if stdin == nil || frames == nil {
		return "", "", fmt.Errorf("%w: process not started", ErrProcessCrash)
	}

	request := map[string]interface{}{
		"type":       "user_message",
		"content":    msg.Content,
		"session_id": msg.SessionID,
	}
	line, err := json.Marshal(request)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode request: %w", err)
	}

	if _, err := stdin.Write(append(line, '\n')); err != nil {
		return "", "", fmt.Errorf("%w: write failed: %v", ErrProcessCrash, err)
	}

	a.machine.Touch()

	var acc accumulator
	idle := time.NewTimer(a.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return "", "", fmt.Errorf("%w: output stream closed", ErrProcessCrash)
			}

			if delta := acc.feed(frame); delta != "" {
				chunks <- ResponseChunk{AgentID: a.cfg.ID, Content: delta}
				if a.notifier != nil {
					a.notifier.Publish(events.NewEvent(events.TypeAgentOutput, events.AgentOutput{
						AgentID: a.cfg.ID,
						Content: delta,
					}))
				}
			}

			if acc.done {
				return acc.String(), acc.stopReason, nil
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(a.idleTimeout)

		case <-exited:
			return "", "", fmt.Errorf("%w: process exited mid-request", ErrProcessCrash)

		case <-idle.C:
			// No message_stop but the stream went quiet: surface what we have
			log.Debug().
				Str("agent_id", a.cfg.ID).
				Dur("idle_timeout", a.idleTimeout).
				Msg("Idle timeout reached, surfacing accumulated response")
			return acc.String(), "idle_timeout", nil

		case <-ctx.Done():
			// Abandon the in-flight call and restart the child so the next
			// request reads a clean stream.
			if err := a.spawn(); err != nil {
				log.Error().Str("agent_id", a.cfg.ID).Err(err).Msg("Failed to respawn after timeout")
			}
			if ctx.Err() == context.DeadlineExceeded {
				return "", "", fmt.Errorf("%w: request exceeded %v", ErrTimeout, a.requestTimeout)
			}
			return "", "", ctx.Err()
		}
	}
}

// ExecuteTool routes a tool call through the approval gate and executor
func (a *ProcessAgent) ExecuteTool(ctx context.Context, call ToolCall) tool.Result {
	a.reqMu.Lock()
	defer a.reqMu.Unlock()

	if a.machine.Status() == StatusShutdown {
		return tool.Result{Success: false, Error: "agent is shut down"}
	}

	if err := a.machine.Transition(StatusBusy); err != nil {
		return tool.Result{Success: false, Error: err.Error()}
	}
	defer func() { _ = a.machine.Transition(StatusReady) }()

	call.AgentID = a.cfg.ID

	return a.router.execute(ctx, call, a.cfg.WorkingDir, tool.ExecutionContext{
		Timeout: settingDuration(a.cfg, "tool_timeout", 0),
	})
}

// Status returns a point-in-time snapshot
func (a *ProcessAgent) Status() StatusReport {
	return StatusReport{
		Status:       a.machine.Status(),
		LastActivity: a.machine.LastActivity(),
		Healthy:      a.healthy.Load() && a.alive(),
		Capabilities: a.caps,
	}
}

// Shutdown requests graceful termination and falls back to a forceful kill
// after the shutdown grace period.
func (a *ProcessAgent) Shutdown(ctx context.Context) error {
	a.healthOnce.Do(func() { close(a.stopHealth) })

	a.procMu.Lock()
	cmd := a.cmd
	stdin := a.stdin
	exited := a.exited
	a.procMu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	if cmd != nil && cmd.Process != nil && exited != nil {
		select {
		case <-exited:
			// Already gone
		default:
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				log.Debug().Str("agent_id", a.cfg.ID).Err(err).Msg("SIGTERM failed")
			}

			select {
			case <-exited:
			case <-time.After(a.shutdownGrace):
				log.Warn().Str("agent_id", a.cfg.ID).Msg("Process did not exit gracefully, killing")
				_ = cmd.Process.Kill()
			case <-ctx.Done():
				_ = cmd.Process.Kill()
			}
		}
	}

	return a.machine.Transition(StatusShutdown)
}

// healthLoop probes the child process on a fixed interval
func (a *ProcessAgent) healthLoop() {
	ticker := time.NewTicker(a.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !a.alive() {
				if a.healthy.Swap(false) {
					log.Warn().
						Str("agent_id", a.cfg.ID).
						Msg("Health check failed: agent process is not running")
				}
			}
		case <-a.stopHealth:
			return
		}
	}
}

// isCrash reports whether an error is a process crash
func isCrash(err error) bool {
	for err != nil {
		if err == ErrProcessCrash {
			return true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// settingDuration parses a settings value expressed in seconds
func settingDuration(cfg Config, key string, fallback time.Duration) time.Duration {
	raw := cfg.Setting(key, "")
	if raw == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

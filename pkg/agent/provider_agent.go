package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marlow/overseer/pkg/events"
	"github.com/marlow/overseer/pkg/tool"
)

const (
	defaultMaxTokens    = 4096
	defaultMaxToolTurns = 10
	defaultMaxRetries   = 3
	retryBaseDelay      = time.Second
)

// ProviderAgent fronts a hosted model API. Tool calls requested by the
// model run through the approval gate and tool executor before their
// results are fed back, up to a bounded number of turns per request.
type ProviderAgent struct {
	cfg      Config
	machine  *stateMachine
	notifier events.Publisher
	router   toolRouter
	caps     Capabilities

	provider     LLMProvider
	model        string
	systemPrompt string
	maxTokens    int
	temperature  float64
	maxToolTurns int
	maxRetries   int

	reqMu sync.Mutex

	histMu  sync.Mutex
	history map[string][]ChatMessage
}

// NewProviderAgent creates an uninitialized provider agent
func NewProviderAgent(cfg Config, deps Deps) *ProviderAgent {
	return &ProviderAgent{
		cfg:          cfg,
		machine:      newStateMachine(cfg.ID, deps.Notifier),
		notifier:     deps.Notifier,
		router:       toolRouter{gate: deps.Gate, executor: deps.Executor},
		history:      make(map[string][]ChatMessage),
		maxToolTurns: settingInt(cfg, "max_tool_turns", defaultMaxToolTurns),
		maxRetries:   settingInt(cfg, "max_retries", defaultMaxRetries),
	}
}

// ID returns the agent identifier
func (a *ProviderAgent) ID() string {
	return a.cfg.ID
}

// Initialize resolves the backend provider and credentials. An unknown
// provider name or missing credential fails hard.
func (a *ProviderAgent) Initialize(ctx context.Context) (Capabilities, error) {
	if err := a.machine.Transition(StatusInitializing); err != nil {
		return Capabilities{}, err
	}

	providerName := a.cfg.Setting("provider", "")
	if providerName == "" {
		_ = a.machine.Transition(StatusError)
		return Capabilities{}, fmt.Errorf("%w: provider agent %s requires a provider setting", ErrInitialization, a.cfg.ID)
	}

	keyEnv := a.cfg.Setting("api_key_env", "")
	apiKey := ""
	if keyEnv != "" {
		apiKey = os.Getenv(keyEnv)
	}
	if apiKey == "" {
		_ = a.machine.Transition(StatusError)
		return Capabilities{}, fmt.Errorf("%w: no API key found for agent %s (env %s)", ErrInitialization, a.cfg.ID, keyEnv)
	}

	provider, err := newProvider(providerName, apiKey)
	if err != nil {
		_ = a.machine.Transition(StatusError)
		return Capabilities{}, err
	}

	a.provider = provider
	a.model = a.cfg.Setting("model", "")
	a.systemPrompt = a.cfg.Setting("system_prompt", "")
	a.maxTokens = settingInt(a.cfg, "max_tokens", defaultMaxTokens)
	if t := a.cfg.Setting("temperature", ""); t != "" {
		if parsed, err := strconv.ParseFloat(t, 64); err == nil {
			a.temperature = parsed
		}
	}

	a.caps = Capabilities{
		Streaming:     true,
		ToolUse:       true,
		MaxConcurrent: 1,
	}
	if a.model != "" {
		a.caps.Models = []string{a.model}
	}
	if a.router.executor != nil {
		a.caps.Tools = a.router.executor.List()
	}

	if err := a.machine.Transition(StatusReady); err != nil {
		return Capabilities{}, err
	}

	log.Info().
		Str("agent_id", a.cfg.ID).
		Str("provider", providerName).
		Str("model", a.model).
		Msg("Provider agent initialized")

	return a.caps, nil
}

// SendMessage runs the request through the model, executing any requested
// tool calls and feeding results back until the model stops asking.
func (a *ProviderAgent) SendMessage(ctx context.Context, msg Message) (<-chan ResponseChunk, error) {
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

		final, err := a.converse(ctx, msg, chunks)

		if err != nil {
			if a.machine.Status() != StatusShutdown {
				_ = a.machine.Transition(StatusReady)
			}
			chunks <- ResponseChunk{AgentID: a.cfg.ID, Done: true, Err: err}
			return
		}

		_ = a.machine.Transition(StatusReady)
		chunks <- ResponseChunk{
			AgentID:    a.cfg.ID,
			Content:    final,
			Done:       true,
			StopReason: "end_turn",
		}
	}()

	return chunks, nil
}

// converse drives the model and tool loop for one request
func (a *ProviderAgent) converse(ctx context.Context, msg Message, chunks chan<- ResponseChunk) (string, error) {
	history := a.sessionHistory(msg.SessionID)
	history = append(history, ChatMessage{Role: RoleUser, Content: msg.Content})

	var toolSpecs []map[string]interface{}
	if a.router.executor != nil {
		toolSpecs = a.router.executor.Specs()
	}

	emit := func(text string) {
		chunks <- ResponseChunk{AgentID: a.cfg.ID, Content: text}
		if a.notifier != nil {
			a.notifier.Publish(events.NewEvent(events.TypeAgentOutput, events.AgentOutput{
				AgentID:   a.cfg.ID,
				SessionID: msg.SessionID,
				Content:   text,
			}))
		}
	}

	for turn := 0; turn < a.maxToolTurns; turn++ {
		tracker := &deltaTracker{sink: emit}

		response, err := a.callWithRetry(ctx, LLMRequest{
			Model:        a.model,
			Messages:     history,
			Tools:        toolSpecs,
			Temperature:  a.temperature,
			MaxTokens:    a.maxTokens,
			SystemPrompt: a.systemPrompt,
		}, tracker)
		if err != nil {
			return "", err
		}

		a.machine.Touch()

		// A backend without delta support delivers everything at once
		if response.Content != "" && tracker.emitted == 0 {
			emit(response.Content)
		}

		if len(response.ToolCalls) == 0 {
			history = append(history, ChatMessage{Role: RoleAssistant, Content: response.Content})
			a.storeHistory(msg.SessionID, history)
			return response.Content, nil
		}

		history = append(history, ChatMessage{
			Role:      RoleAssistant,
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		for _, call := range response.ToolCalls {
			call.AgentID = a.cfg.ID
			call.SessionID = msg.SessionID

			result := a.router.execute(ctx, call, a.cfg.WorkingDir, tool.ExecutionContext{})

			log.Debug().
				Str("agent_id", a.cfg.ID).
				Str("tool", call.Name).
				Bool("success", result.Success).
				Msg("Tool call completed")

			history = append(history, ChatMessage{
				Role:       RoleTool,
				ToolCallID: call.ID,
				Content:    toolResultContent(result),
			})
		}

		a.storeHistory(msg.SessionID, history)
	}

	return "", fmt.Errorf("tool loop exceeded %d turns for agent %s", a.maxToolTurns, a.cfg.ID)
}

// deltaTracker forwards streamed content deltas to a sink exactly once.
// A retried call replays its stream from the start; text below the
// high-water mark of previously forwarded output is suppressed.
type deltaTracker struct {
	emitted int
	pos     int
	sink    func(string)
}

func (d *deltaTracker) reset() {
	d.pos = 0
}

func (d *deltaTracker) feed(text string) {
	if text == "" {
		return
	}
	d.pos += len(text)
	if d.pos <= d.emitted {
		return
	}
	fresh := text[len(text)-(d.pos-d.emitted):]
	d.emitted = d.pos
	d.sink(fresh)
}

// callWithRetry retries transient provider failures with exponential backoff
func (a *ProviderAgent) callWithRetry(ctx context.Context, request LLMRequest, tracker *deltaTracker) (*LLMResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<(attempt-1))
			log.Warn().
				Str("agent_id", a.cfg.ID).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("Retrying provider call")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		tracker.reset()
		response, err := a.provider.Call(ctx, request, tracker.feed)
		if err == nil {
			return response, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("provider call failed after %d retries: %w", a.maxRetries, lastErr)
}

// isRetryable identifies transient provider errors worth retrying
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "rate limit", "overloaded", "timeout", "timed out",
		"connection reset", "connection refused", "temporarily unavailable",
		"500", "502", "503", "529",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ExecuteTool routes a tool call through the approval gate and executor
func (a *ProviderAgent) ExecuteTool(ctx context.Context, call ToolCall) tool.Result {
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

	return a.router.execute(ctx, call, a.cfg.WorkingDir, tool.ExecutionContext{})
}

// Status returns a point-in-time snapshot
func (a *ProviderAgent) Status() StatusReport {
	status := a.machine.Status()
	return StatusReport{
		Status:       status,
		LastActivity: a.machine.LastActivity(),
		Healthy:      status == StatusReady || status == StatusBusy,
		Capabilities: a.caps,
	}
}

// Shutdown releases the agent. There is no process to reap; the transition
// alone makes the agent unusable.
func (a *ProviderAgent) Shutdown(ctx context.Context) error {
	return a.machine.Transition(StatusShutdown)
}

func (a *ProviderAgent) sessionHistory(sessionID string) []ChatMessage {
	a.histMu.Lock()
	defer a.histMu.Unlock()

	stored := a.history[sessionID]
	history := make([]ChatMessage, len(stored))
	copy(history, stored)
	return history
}

func (a *ProviderAgent) storeHistory(sessionID string, history []ChatMessage) {
	a.histMu.Lock()
	defer a.histMu.Unlock()
	a.history[sessionID] = history
}

// toolResultContent renders a tool result for the model
func toolResultContent(result tool.Result) string {
	if result.Success {
		return result.Output
	}
	payload, _ := json.Marshal(map[string]string{"error": result.Error})
	return string(payload)
}

// settingInt parses an integer settings value
func settingInt(cfg Config, key string, fallback int) int {
	raw := cfg.Setting(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

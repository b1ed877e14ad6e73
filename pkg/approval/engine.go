// Package approval decides whether a requested tool invocation may proceed.
// Decisions walk a fixed chain: global policy override, YOLO mode, cached
// decision, blacklist, whitelist, per-tool auto-approval, then the
// dangerous-operation heuristic with an optional human-in-the-loop prompt.
package approval

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/marlow/overseer/pkg/events"
)

// ErrDenied marks a denied tool invocation
var ErrDenied = errors.New("approval denied")

// Policy is the global override mode
type Policy string

const (
	PolicyAsk           Policy = "ask"
	PolicyAlwaysApprove Policy = "always_approve"
	PolicyAlwaysDeny    Policy = "always_deny"
)

// Request describes one tool invocation to be decided. The Command field is
// the literal command string and serves as the cache key.
type Request struct {
	ID         string `json:"id"`
	ToolName   string `json:"tool_name"`
	Command    string `json:"command"`
	AgentID    string `json:"agent_id"`
	SessionID  string `json:"session_id"`
	WorkingDir string `json:"working_dir"`
}

// Decision is the outcome of an approval evaluation
type Decision struct {
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason"`
	Cacheable bool   `json:"cacheable"`
}

// Config controls the decision chain
type Config struct {
	Policy           Policy
	YOLO             bool
	DangerousOnly    bool
	AutoApproveTools []string
	Whitelist        []string
	Blacklist        []string
	PromptTimeout    time.Duration
}

// DefaultConfig asks a human for dangerous operations only, with a one
// minute prompt timeout.
func DefaultConfig() Config {
	return Config{
		Policy:        PolicyAsk,
		DangerousOnly: true,
		PromptTimeout: 60 * time.Second,
	}
}

// Engine evaluates approval requests. Safe for concurrent use from multiple
// agent workers.
type Engine struct {
	policy        Policy
	yolo          bool
	dangerousOnly bool
	promptTimeout time.Duration

	mu          sync.RWMutex
	whitelist   []*regexp.Regexp
	blacklist   []*regexp.Regexp
	autoApprove map[string]bool
	cache       map[string]Decision
	pending     map[string]chan Decision

	notifier events.Publisher
}

// NewEngine creates an approval engine. Whitelist and blacklist patterns are
// validated as regular expressions; an invalid pattern fails construction
// rather than being stored.
func NewEngine(cfg Config, notifier events.Publisher) (*Engine, error) {
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = 60 * time.Second
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyAsk
	}

	e := &Engine{
		policy:        cfg.Policy,
		yolo:          cfg.YOLO,
		dangerousOnly: cfg.DangerousOnly,
		promptTimeout: cfg.PromptTimeout,
		autoApprove:   make(map[string]bool),
		cache:         make(map[string]Decision),
		pending:       make(map[string]chan Decision),
		notifier:      notifier,
	}

	for _, pattern := range cfg.Whitelist {
		if err := e.AddWhitelistPattern(pattern); err != nil {
			return nil, err
		}
	}
	for _, pattern := range cfg.Blacklist {
		if err := e.AddBlacklistPattern(pattern); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.AutoApproveTools {
		e.SetAutoApprove(name, true)
	}

	return e, nil
}

// AddWhitelistPattern registers a regex that auto-approves matching commands.
// Re-registering an existing pattern is a no-op.
func (e *Engine) AddWhitelistPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid whitelist pattern %q: %w", pattern, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, existing := range e.whitelist {
		if existing.String() == pattern {
			return nil
		}
	}
	e.whitelist = append(e.whitelist, re)

	log.Info().Str("pattern", pattern).Msg("Whitelist pattern added")
	return nil
}

// AddBlacklistPattern registers a regex that denies matching commands
func (e *Engine) AddBlacklistPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid blacklist pattern %q: %w", pattern, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, existing := range e.blacklist {
		if existing.String() == pattern {
			return nil
		}
	}
	e.blacklist = append(e.blacklist, re)

	log.Info().Str("pattern", pattern).Msg("Blacklist pattern added")
	return nil
}

// SetAutoApprove flags a tool name as approved without classification
func (e *Engine) SetAutoApprove(toolName string, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if enabled {
		e.autoApprove[toolName] = true
	} else {
		delete(e.autoApprove, toolName)
	}
}

// ClearCache drops all cached decisions
func (e *Engine) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cache = make(map[string]Decision)

	log.Info().Msg("Approval cache cleared")
}

// CacheSize returns the number of cached decisions
func (e *Engine) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.cache)
}

// Evaluate walks the decision chain for a request. It blocks only when the
// dangerous-operation path needs a human response, bounded by the prompt
// timeout or context cancellation.
func (e *Engine) Evaluate(ctx context.Context, req Request) Decision {
	// 1. Global policy override, never cached
	switch e.policy {
	case PolicyAlwaysApprove:
		return Decision{Approved: true, Reason: "global policy: always approve"}
	case PolicyAlwaysDeny:
		return Decision{Approved: false, Reason: "global policy: always deny"}
	}

	// 2. YOLO mode approves everything, not cached
	if e.yolo {
		return Decision{Approved: true, Reason: "YOLO mode enabled"}
	}

	// 3. Cached decision for the literal command string
	e.mu.RLock()
	cached, hit := e.cache[req.Command]
	e.mu.RUnlock()
	if hit {
		log.Debug().Str("command", req.Command).Msg("Approval cache hit")
		return cached
	}

	decision := e.classify(ctx, req)

	if decision.Cacheable {
		e.mu.Lock()
		e.cache[req.Command] = decision
		e.mu.Unlock()
	}

	return decision
}

func (e *Engine) classify(ctx context.Context, req Request) Decision {
	e.mu.RLock()
	blacklist := e.blacklist
	whitelist := e.whitelist
	auto := e.autoApprove[req.ToolName]
	e.mu.RUnlock()

	// 4. Blacklist wins over everything below
	for _, re := range blacklist {
		if re.MatchString(req.Command) {
			log.Warn().
				Str("command", req.Command).
				Str("pattern", re.String()).
				Msg("Command denied by blacklist")
			return Decision{Approved: false, Reason: fmt.Sprintf("blacklisted by pattern: %s", re.String()), Cacheable: true}
		}
	}

	// 5. Whitelist
	for _, re := range whitelist {
		if re.MatchString(req.Command) {
			return Decision{Approved: true, Reason: fmt.Sprintf("whitelisted by pattern: %s", re.String()), Cacheable: true}
		}
	}

	// 6. Per-tool auto-approval
	if auto {
		return Decision{Approved: true, Reason: fmt.Sprintf("tool %s is auto-approved", req.ToolName), Cacheable: true}
	}

	// 7. When only dangerous operations need approval, everything else passes
	if !e.dangerousOnly {
		return Decision{Approved: true, Reason: "not considered dangerous", Cacheable: true}
	}

	// 8. Dangerous-operation heuristic
	if !IsDangerous(req.Command) {
		return Decision{Approved: true, Reason: "not considered dangerous", Cacheable: true}
	}

	return e.prompt(ctx, req)
}

// prompt raises an approval-request event and blocks until a human response
// arrives or the prompt timeout elapses.
func (e *Engine) prompt(ctx context.Context, req Request) Decision {
	requestID := req.ID
	if requestID == "" {
		requestID = gonanoid.Must()
	}

	responseChan := make(chan Decision, 1)

	e.mu.Lock()
	e.pending[requestID] = responseChan
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pending, requestID)
		e.mu.Unlock()
	}()

	if e.notifier != nil {
		e.notifier.Publish(events.NewEvent(events.TypeApprovalRequested, events.ApprovalRequested{
			RequestID:  requestID,
			ToolName:   req.ToolName,
			Command:    req.Command,
			AgentID:    req.AgentID,
			SessionID:  req.SessionID,
			WorkingDir: req.WorkingDir,
		}))
	}

	log.Info().
		Str("request_id", requestID).
		Str("command", req.Command).
		Str("agent_id", req.AgentID).
		Msg("Awaiting approval for dangerous operation")

	select {
	case decision := <-responseChan:
		return decision

	case <-time.After(e.promptTimeout):
		log.Warn().
			Str("request_id", requestID).
			Dur("timeout", e.promptTimeout).
			Msg("Approval request timed out")
		e.publishResolved(requestID, false, "approval request timed out")
		return Decision{Approved: false, Reason: "approval request timed out", Cacheable: true}

	case <-ctx.Done():
		e.publishResolved(requestID, false, "approval request cancelled")
		return Decision{Approved: false, Reason: "approval request cancelled"}
	}
}

// Resolve answers a pending approval request. Unknown request ids return an
// error so stale UI responses do not silently disappear.
func (e *Engine) Resolve(requestID string, approved bool, reason string) error {
	e.mu.RLock()
	responseChan, ok := e.pending[requestID]
	e.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no pending approval request: %s", requestID)
	}

	if reason == "" {
		if approved {
			reason = "approved by operator"
		} else {
			reason = "denied by operator"
		}
	}

	decision := Decision{Approved: approved, Reason: reason, Cacheable: true}

	select {
	case responseChan <- decision:
	default:
		return fmt.Errorf("approval request %s already resolved", requestID)
	}

	e.publishResolved(requestID, approved, reason)

	return nil
}

func (e *Engine) publishResolved(requestID string, approved bool, reason string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(events.NewEvent(events.TypeApprovalResolved, events.ApprovalResolved{
		RequestID: requestID,
		Approved:  approved,
		Reason:    reason,
	}))
}

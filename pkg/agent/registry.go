package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Create builds the concrete agent for a configuration. Unknown kinds are
// rejected with ErrUnsupportedAgentType.
func Create(cfg Config, deps Deps) (Agent, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("agent id cannot be empty")
	}

	switch cfg.Kind {
	case KindProcess:
		return NewProcessAgent(cfg, deps), nil
	case KindProvider:
		return NewProviderAgent(cfg, deps), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAgentType, cfg.Kind)
	}
}

// Registry tracks live agents by id
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]Agent),
	}
}

// Register adds an agent, rejecting duplicate ids
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.ID()]; exists {
		return fmt.Errorf("agent %s is already registered", a.ID())
	}

	r.agents[a.ID()] = a
	return nil
}

// Get returns the agent with the given id, or nil
func (r *Registry) Get(id string) Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[id]
}

// Remove drops an agent from the registry without shutting it down
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

// List returns all registered agent ids
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

// Reports returns a status snapshot per agent
func (r *Registry) Reports() map[string]StatusReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reports := make(map[string]StatusReport, len(r.agents))
	for id, a := range r.agents {
		reports[id] = a.Status()
	}
	return reports
}

// Sweep removes agents that have reached the Shutdown state and returns
// their ids.
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, a := range r.agents {
		if a.Status().Status == StatusShutdown {
			delete(r.agents, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// ShutdownAll shuts every agent down and clears the registry. All agents
// are attempted; the first error is returned.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	agents := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.agents = make(map[string]Agent)
	r.mu.Unlock()

	var firstErr error
	for _, a := range agents {
		if err := a.Shutdown(ctx); err != nil {
			log.Warn().Str("agent_id", a.ID()).Err(err).Msg("Agent shutdown failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

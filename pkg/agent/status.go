package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marlow/overseer/pkg/events"
)

// Status is the agent lifecycle state
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusInitializing  Status = "initializing"
	StatusReady         Status = "ready"
	StatusBusy          Status = "busy"
	StatusError         Status = "error"
	StatusShutdown      Status = "shutdown"
)

// legalTransitions enumerates every allowed state change. Error and
// Shutdown are reachable from any non-terminal state; Shutdown is terminal.
var legalTransitions = map[Status][]Status{
	StatusUninitialized: {StatusInitializing, StatusError, StatusShutdown},
	StatusInitializing:  {StatusReady, StatusError, StatusShutdown},
	StatusReady:         {StatusBusy, StatusError, StatusShutdown},
	StatusBusy:          {StatusReady, StatusError, StatusShutdown},
	StatusError:         {StatusInitializing, StatusShutdown},
	StatusShutdown:      {},
}

// stateMachine owns an agent's status. Transitions are the only mutation
// path; every change emits an AgentStatusChanged event.
type stateMachine struct {
	agentID      string
	mu           sync.RWMutex
	status       Status
	lastActivity time.Time
	notifier     events.Publisher
}

func newStateMachine(agentID string, notifier events.Publisher) *stateMachine {
	return &stateMachine{
		agentID:      agentID,
		status:       StatusUninitialized,
		lastActivity: time.Now(),
		notifier:     notifier,
	}
}

// Transition moves to the target status, rejecting illegal changes
func (m *stateMachine) Transition(to Status) error {
	m.mu.Lock()

	from := m.status
	if from == to {
		m.mu.Unlock()
		return nil
	}

	allowed := false
	for _, next := range legalTransitions[from] {
		if next == to {
			allowed = true
			break
		}
	}

	if !allowed {
		m.mu.Unlock()
		return fmt.Errorf("illegal status transition for agent %s: %s -> %s", m.agentID, from, to)
	}

	m.status = to
	m.lastActivity = time.Now()
	m.mu.Unlock()

	log.Debug().
		Str("agent_id", m.agentID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Agent status changed")

	if m.notifier != nil {
		m.notifier.Publish(events.NewEvent(events.TypeAgentStatusChanged, events.AgentStatusChanged{
			AgentID:   m.agentID,
			OldStatus: string(from),
			NewStatus: string(to),
		}))
	}

	return nil
}

// Status returns the current state
func (m *stateMachine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// LastActivity returns the time of the last transition or touch
func (m *stateMachine) LastActivity() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastActivity
}

// Touch records activity without a state change
func (m *stateMachine) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = time.Now()
}

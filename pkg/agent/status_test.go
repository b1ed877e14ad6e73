package agent

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlow/overseer/pkg/events"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestStateMachineHappyPath(t *testing.T) {
	notifier := &recorder{}
	m := newStateMachine("a1", notifier)

	assert.Equal(t, StatusUninitialized, m.Status())

	for _, next := range []Status{StatusInitializing, StatusReady, StatusBusy, StatusReady, StatusShutdown} {
		require.NoError(t, m.Transition(next))
	}

	assert.Equal(t, StatusShutdown, m.Status())
	assert.Equal(t, 5, notifier.count())
}

func TestStateMachineRejectsIllegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []Status
		next Status
	}{
		{"uninitialized to ready", nil, StatusReady},
		{"uninitialized to busy", nil, StatusBusy},
		{"initializing to busy", []Status{StatusInitializing}, StatusBusy},
		{"error to ready", []Status{StatusInitializing, StatusError}, StatusReady},
		{"shutdown is terminal", []Status{StatusShutdown}, StatusInitializing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newStateMachine("a1", nil)
			for _, s := range tt.path {
				require.NoError(t, m.Transition(s))
			}

			err := m.Transition(tt.next)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "illegal status transition for agent a1")
		})
	}
}

func TestStateMachineErrorIsRecoverable(t *testing.T) {
	m := newStateMachine("a1", nil)

	require.NoError(t, m.Transition(StatusInitializing))
	require.NoError(t, m.Transition(StatusError))
	require.NoError(t, m.Transition(StatusInitializing))
	require.NoError(t, m.Transition(StatusReady))
}

func TestStateMachineSameStateIsNoop(t *testing.T) {
	notifier := &recorder{}
	m := newStateMachine("a1", notifier)

	require.NoError(t, m.Transition(StatusInitializing))
	require.NoError(t, m.Transition(StatusInitializing))

	assert.Equal(t, 1, notifier.count())
}

func TestStateMachineEmitsStatusEvents(t *testing.T) {
	notifier := &recorder{}
	m := newStateMachine("a1", notifier)

	require.NoError(t, m.Transition(StatusInitializing))

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.events, 1)
	assert.Equal(t, events.TypeAgentStatusChanged, notifier.events[0].Type)

	payload := notifier.events[0].Payload.(events.AgentStatusChanged)
	assert.Equal(t, "a1", payload.AgentID)
	assert.Equal(t, "uninitialized", payload.OldStatus)
	assert.Equal(t, "initializing", payload.NewStatus)
}

package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlow/overseer/pkg/agent"
	"github.com/marlow/overseer/pkg/events"
	"github.com/marlow/overseer/pkg/tool"
)

// fakeAgent records the messages it receives and answers each one with a
// canned response derived from the task line.
type fakeAgent struct {
	id    string
	delay time.Duration

	mu       sync.Mutex
	received []string
	failOn   []string
}

func newFakeAgent(id string) *fakeAgent {
	return &fakeAgent{id: id}
}

func (f *fakeAgent) ID() string { return f.id }

func (f *fakeAgent) Initialize(ctx context.Context) (agent.Capabilities, error) {
	return agent.Capabilities{Streaming: true}, nil
}

func (f *fakeAgent) SendMessage(ctx context.Context, msg agent.Message) (<-chan agent.ResponseChunk, error) {
	f.mu.Lock()
	f.received = append(f.received, msg.Content)
	failOn := f.failOn
	f.mu.Unlock()

	chunks := make(chan agent.ResponseChunk, 1)

	go func() {
		defer close(chunks)

		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				chunks <- agent.ResponseChunk{AgentID: f.id, Done: true, Err: ctx.Err()}
				return
			}
		}

		task := strings.SplitN(msg.Content, "\n", 2)[0]
		for _, marker := range failOn {
			if strings.Contains(task, marker) {
				chunks <- agent.ResponseChunk{AgentID: f.id, Done: true, Err: errors.New("task failed: " + marker)}
				return
			}
		}

		chunks <- agent.ResponseChunk{
			AgentID:    f.id,
			Content:    "done: " + task,
			Done:       true,
			StopReason: "end_turn",
		}
	}()

	return chunks, nil
}

func (f *fakeAgent) ExecuteTool(ctx context.Context, call agent.ToolCall) tool.Result {
	return tool.Result{Success: true}
}

func (f *fakeAgent) Status() agent.StatusReport {
	return agent.StatusReport{Status: agent.StatusReady, Healthy: true}
}

func (f *fakeAgent) Shutdown(ctx context.Context) error { return nil }

func (f *fakeAgent) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.received))
	copy(out, f.received)
	return out
}

func poolWith(t *testing.T, agents ...*fakeAgent) *agent.Registry {
	t.Helper()
	registry := agent.NewRegistry()
	for _, a := range agents {
		require.NoError(t, registry.Register(a))
	}
	return registry
}

func TestCreatePlanValidation(t *testing.T) {
	worker := newFakeAgent("worker")
	o := New(poolWith(t, worker))

	_, err := o.CreatePlan("  ", StrategySequential, []Step{{ID: "a", AgentID: "worker", Task: "t"}})
	assert.ErrorContains(t, err, "goal cannot be empty")

	_, err = o.CreatePlan("goal", StrategySequential, nil)
	assert.ErrorIs(t, err, ErrEmptyPlan)

	_, err = o.CreatePlan("goal", Strategy("zigzag"), []Step{{ID: "a", AgentID: "worker", Task: "t"}})
	assert.ErrorContains(t, err, "invalid strategy")

	_, err = o.CreatePlan("goal", StrategySequential, []Step{{ID: "a", AgentID: "ghost", Task: "t"}})
	assert.ErrorIs(t, err, ErrUnknownAgent)

	_, err = o.CreatePlan("goal", StrategySequential, []Step{
		{ID: "a", AgentID: "worker", Task: "t", DependsOn: []string{"b"}},
		{ID: "b", AgentID: "worker", Task: "t", DependsOn: []string{"a"}},
	})
	assert.ErrorIs(t, err, ErrDependencyCycle)

	plan, err := o.CreatePlan("goal", StrategySequential, []Step{{ID: "a", AgentID: "worker", Task: "t"}})
	require.NoError(t, err)
	assert.NotEmpty(t, plan.ID)
	assert.Equal(t, 1, plan.Steps[0].Order)
	assert.Equal(t, []string{"worker"}, plan.RequiredAgents)
}

func TestCreatePlanSequentialOrderMustRespectDependencies(t *testing.T) {
	worker := newFakeAgent("worker")
	o := New(poolWith(t, worker))

	steps := []Step{
		{ID: "a", Order: 2, AgentID: "worker", Task: "t"},
		{ID: "b", Order: 1, AgentID: "worker", Task: "t", DependsOn: []string{"a"}},
	}

	_, err := o.CreatePlan("goal", StrategySequential, steps)
	require.Error(t, err)
	assert.ErrorContains(t, err, "lower order than its dependency")

	// Parallel scheduling derives its sequence from the graph instead
	_, err = o.CreatePlan("goal", StrategyParallel, steps)
	assert.NoError(t, err)
}

func TestSequentialRunsByAscendingOrderIndex(t *testing.T) {
	worker := newFakeAgent("worker")
	o := New(poolWith(t, worker))

	plan, err := o.CreatePlan("goal", StrategySequential, []Step{
		{ID: "c", Order: 3, AgentID: "worker", Task: "third"},
		{ID: "a", Order: 1, AgentID: "worker", Task: "first"},
		{ID: "b", Order: 2, AgentID: "worker", Task: "second"},
	})
	require.NoError(t, err)

	result, err := o.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.True(t, result.Success)

	msgs := worker.messages()
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[0], "first")
	assert.Contains(t, msgs[1], "second")
	assert.Contains(t, msgs[2], "third")
}

func TestSequentialExecutionOrderAndContext(t *testing.T) {
	worker := newFakeAgent("worker")
	o := New(poolWith(t, worker))

	plan, err := o.CreatePlan("build the thing", StrategySequential, []Step{
		{ID: "fetch", AgentID: "worker", Task: "fetch sources"},
		{ID: "build", AgentID: "worker", Task: "build binaries", DependsOn: []string{"fetch"}},
		{ID: "test", AgentID: "worker", Task: "run tests", DependsOn: []string{"build"}},
	})
	require.NoError(t, err)

	result, err := o.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.True(t, result.Success)
	require.Len(t, result.Steps, 3)
	for _, step := range []string{"fetch", "build", "test"} {
		assert.Equal(t, StepCompleted, result.Steps[step].Status)
		assert.False(t, result.Steps[step].StartedAt.IsZero())
	}

	msgs := worker.messages()
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[0], "fetch sources")
	assert.Contains(t, msgs[1], "build binaries")
	assert.Contains(t, msgs[2], "run tests")

	// Dependency output flows into the dependent step's message
	assert.Contains(t, msgs[1], "done: fetch sources")
	assert.Contains(t, msgs[2], "done: build binaries")
}

func TestSequentialFailureAborts(t *testing.T) {
	worker := newFakeAgent("worker")
	worker.failOn = []string{"build"}
	o := New(poolWith(t, worker))

	plan, err := o.CreatePlan("goal", StrategySequential, []Step{
		{ID: "fetch", AgentID: "worker", Task: "fetch sources"},
		{ID: "build", AgentID: "worker", Task: "build binaries", DependsOn: []string{"fetch"}},
		{ID: "test", AgentID: "worker", Task: "run tests", DependsOn: []string{"build"}},
	})
	require.NoError(t, err)

	result, err := o.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, StepCompleted, result.Steps["fetch"].Status)
	assert.Equal(t, StepFailed, result.Steps["build"].Status)
	assert.Equal(t, StepSkipped, result.Steps["test"].Status)
	assert.Len(t, worker.messages(), 2)
}

func TestParallelMatchesSequentialOutcome(t *testing.T) {
	steps := []Step{
		{ID: "a", AgentID: "worker", Task: "stage a"},
		{ID: "b", AgentID: "worker", Task: "stage b", DependsOn: []string{"a"}},
		{ID: "c", AgentID: "worker", Task: "stage c", DependsOn: []string{"a"}},
	}

	outcomes := map[Strategy]*Result{}
	for _, strategy := range []Strategy{StrategySequential, StrategyParallel} {
		worker := newFakeAgent("worker")
		o := New(poolWith(t, worker))

		plan, err := o.CreatePlan("goal", strategy, steps)
		require.NoError(t, err)

		result, err := o.Execute(context.Background(), plan)
		require.NoError(t, err)
		outcomes[strategy] = result
	}

	for strategy, result := range outcomes {
		assert.True(t, result.Success, string(strategy))
		for _, id := range []string{"a", "b", "c"} {
			assert.Equal(t, StepCompleted, result.Steps[id].Status, string(strategy))
			assert.Equal(t, "done: stage "+id, result.Steps[id].Output, string(strategy))
		}
	}

	// Strategy changes timing, not semantics: same final context and the
	// same aggregated output from the terminal steps
	assert.Equal(t, outcomes[StrategySequential].Context, outcomes[StrategyParallel].Context)
	assert.Equal(t, outcomes[StrategySequential].Output, outcomes[StrategyParallel].Output)
	assert.Contains(t, outcomes[StrategySequential].Output, "done: stage b")
	assert.Contains(t, outcomes[StrategySequential].Output, "done: stage c")
	assert.NotContains(t, outcomes[StrategySequential].Output, "done: stage a")
}

func TestParallelFailureAbortsRemainingLayers(t *testing.T) {
	worker := newFakeAgent("worker")
	worker.failOn = []string{"stage a"}
	o := New(poolWith(t, worker))

	plan, err := o.CreatePlan("goal", StrategyParallel, []Step{
		{ID: "a", AgentID: "worker", Task: "stage a"},
		{ID: "b", AgentID: "worker", Task: "stage b", DependsOn: []string{"a"}},
		{ID: "c", AgentID: "worker", Task: "stage c", DependsOn: []string{"a"}},
	})
	require.NoError(t, err)

	result, err := o.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, StepFailed, result.Steps["a"].Status)
	assert.Equal(t, StepSkipped, result.Steps["b"].Status)
	assert.Equal(t, StepSkipped, result.Steps["c"].Status)
}

func TestAdaptiveSkipsOnlyFailedSubtree(t *testing.T) {
	worker := newFakeAgent("worker")
	worker.failOn = []string{"flaky"}
	o := New(poolWith(t, worker))

	plan, err := o.CreatePlan("goal", StrategyAdaptive, []Step{
		{ID: "flaky", AgentID: "worker", Task: "flaky step"},
		{ID: "downstream", AgentID: "worker", Task: "needs flaky", DependsOn: []string{"flaky"}},
		{ID: "independent", AgentID: "worker", Task: "standalone work"},
		{ID: "tail", AgentID: "worker", Task: "after standalone", DependsOn: []string{"independent"}},
	})
	require.NoError(t, err)

	result, err := o.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, StepFailed, result.Steps["flaky"].Status)
	assert.Equal(t, StepSkipped, result.Steps["downstream"].Status)
	assert.Equal(t, StepCompleted, result.Steps["independent"].Status)
	assert.Equal(t, StepCompleted, result.Steps["tail"].Status)
}

func TestAdaptiveCustomReplanHook(t *testing.T) {
	worker := newFakeAgent("worker")
	worker.failOn = []string{"flaky"}

	// A hook that never skips anything lets dependents run regardless
	o := New(poolWith(t, worker), WithReplanFunc(func(plan *Plan, results map[string]StepResult) []string {
		return nil
	}))

	plan, err := o.CreatePlan("goal", StrategyAdaptive, []Step{
		{ID: "flaky", AgentID: "worker", Task: "flaky step"},
		{ID: "downstream", AgentID: "worker", Task: "carry on", DependsOn: []string{"flaky"}},
	})
	require.NoError(t, err)

	result, err := o.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, StepFailed, result.Steps["flaky"].Status)
	assert.Equal(t, StepCompleted, result.Steps["downstream"].Status)
}

func TestExecuteEmitsEventsAndProgress(t *testing.T) {
	worker := newFakeAgent("worker")

	dispatcher := events.NewDispatcher()
	defer dispatcher.Close()
	feed, cancel := dispatcher.Subscribe()
	defer cancel()

	var mu sync.Mutex
	var updates []Progress

	o := New(poolWith(t, worker),
		WithNotifier(dispatcher),
		WithProgressFunc(func(p Progress) {
			mu.Lock()
			updates = append(updates, p)
			mu.Unlock()
		}),
	)

	plan, err := o.CreatePlan("goal", StrategySequential, []Step{
		{ID: "a", AgentID: "worker", Task: "one"},
		{ID: "b", AgentID: "worker", Task: "two", DependsOn: []string{"a"}},
	})
	require.NoError(t, err)

	result, err := o.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.True(t, result.Success)

	mu.Lock()
	require.Len(t, updates, 2)
	assert.Equal(t, 2, updates[1].Completed)
	assert.Equal(t, float64(100), updates[1].Percent)
	mu.Unlock()

	seen := 0
	timeout := time.After(time.Second)
	for seen < 2 {
		select {
		case event := <-feed:
			if event.Type == events.TypeStepCompleted {
				payload := event.Payload.(events.StepCompleted)
				assert.Equal(t, plan.ID, payload.PlanID)
				assert.True(t, payload.Success)
				seen++
			}
		case <-timeout:
			t.Fatal("expected step completion events")
		}
	}
}

func TestExecuteCancellation(t *testing.T) {
	worker := newFakeAgent("worker")
	worker.delay = 5 * time.Second
	o := New(poolWith(t, worker))

	plan, err := o.CreatePlan("goal", StrategySequential, []Step{
		{ID: "a", AgentID: "worker", Task: "slow"},
		{ID: "b", AgentID: "worker", Task: "never", DependsOn: []string{"a"}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := o.Execute(ctx, plan)
	assert.Less(t, time.Since(start), time.Second)

	// The in-flight step observes cancellation through its chunk error
	if err == nil {
		require.NotNil(t, result)
		assert.False(t, result.Success)
	}
}

func TestStepFailsWhenAgentLeavesPool(t *testing.T) {
	worker := newFakeAgent("worker")
	registry := poolWith(t, worker)
	o := New(registry)

	plan, err := o.CreatePlan("goal", StrategySequential, []Step{
		{ID: "a", AgentID: "worker", Task: "t"},
	})
	require.NoError(t, err)

	registry.Remove("worker")

	result, err := o.Execute(context.Background(), plan)
	require.NoError(t, err)

	step := result.Steps["a"]
	assert.Equal(t, StepFailed, step.Status)
	assert.Contains(t, step.Error, "agent worker not found")
	assert.False(t, step.StartedAt.IsZero())
	assert.Greater(t, step.Duration, time.Duration(0))
}

func TestStepTimeout(t *testing.T) {
	worker := newFakeAgent("worker")
	worker.delay = 5 * time.Second
	o := New(poolWith(t, worker))

	plan, err := o.CreatePlan("goal", StrategySequential, []Step{
		{ID: "a", AgentID: "worker", Task: "slow", Timeout: 50 * time.Millisecond},
	})
	require.NoError(t, err)

	result, err := o.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, StepFailed, result.Steps["a"].Status)
}

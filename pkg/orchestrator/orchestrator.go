// Package orchestrator turns a goal into a validated multi-step plan and
// drives a pool of agents through it. Plans are DAGs of steps; scheduling
// is strategy-driven and step outputs flow through a shared context.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/marlow/overseer/pkg/agent"
	"github.com/marlow/overseer/pkg/events"
)

// Orchestrator coordinates plan creation and execution over an agent pool
type Orchestrator struct {
	registry *agent.Registry
	notifier events.Publisher
	progress ProgressFunc
	replan   ReplanFunc
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithNotifier sets the event publisher for step completion events
func WithNotifier(notifier events.Publisher) Option {
	return func(o *Orchestrator) { o.notifier = notifier }
}

// WithProgressFunc sets the progress callback
func WithProgressFunc(fn ProgressFunc) Option {
	return func(o *Orchestrator) { o.progress = fn }
}

// WithReplanFunc overrides the adaptive strategy's re-planning hook
func WithReplanFunc(fn ReplanFunc) Option {
	return func(o *Orchestrator) { o.replan = fn }
}

// New creates an orchestrator over the given agent registry
func New(registry *agent.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreatePlan validates steps into an executable plan. Every referenced
// agent must exist in the pool and the dependency graph must be acyclic.
func (o *Orchestrator) CreatePlan(goal string, strategy Strategy, steps []Step) (*Plan, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("goal cannot be empty")
	}
	if len(steps) == 0 {
		return nil, ErrEmptyPlan
	}

	switch strategy {
	case StrategySequential, StrategyParallel, StrategyAdaptive:
	default:
		return nil, fmt.Errorf("invalid strategy: %s", strategy)
	}

	seen := make(map[string]bool)
	var required []string
	for i := range steps {
		if steps[i].Order == 0 {
			steps[i].Order = i + 1
		}
		if steps[i].AgentID == "" {
			return nil, fmt.Errorf("step %s has no agent assigned", steps[i].ID)
		}
		if o.registry.Get(steps[i].AgentID) == nil {
			return nil, fmt.Errorf("%w: step %s references agent %s", ErrUnknownAgent, steps[i].ID, steps[i].AgentID)
		}
		if !seen[steps[i].AgentID] {
			seen[steps[i].AgentID] = true
			required = append(required, steps[i].AgentID)
		}
	}
	sort.Strings(required)

	graph, err := buildGraph(steps)
	if err != nil {
		return nil, err
	}

	// Sequential plans run strictly by ascending order index, so that
	// sequence must already respect the dependency graph.
	if strategy == StrategySequential {
		done := make(map[string]bool, len(steps))
		for _, stepID := range graph.sequentialOrder() {
			for _, depID := range graph.steps[stepID].DependsOn {
				if !done[depID] {
					return nil, fmt.Errorf("step %s has a lower order than its dependency %s", stepID, depID)
				}
			}
			done[stepID] = true
		}
	}

	plan := &Plan{
		ID:             uuid.New().String(),
		Goal:           goal,
		Strategy:       strategy,
		Steps:          steps,
		RequiredAgents: required,
		CreatedAt:      time.Now(),
	}

	log.Info().
		Str("plan_id", plan.ID).
		Str("strategy", string(strategy)).
		Int("steps", len(steps)).
		Msg("Plan created")

	return plan, nil
}

// Execute runs the plan to completion under its strategy. Step failures are
// reported in the Result; the returned error is reserved for cancellation
// and invalid plans.
func (o *Orchestrator) Execute(ctx context.Context, plan *Plan) (*Result, error) {
	graph, err := buildGraph(plan.Steps)
	if err != nil {
		return nil, err
	}

	run := &planRun{
		orch:    o,
		plan:    plan,
		graph:   graph,
		shared:  NewSharedContext(),
		results: make(map[string]StepResult, len(plan.Steps)),
	}

	start := time.Now()

	log.Info().
		Str("plan_id", plan.ID).
		Str("goal", plan.Goal).
		Str("strategy", string(plan.Strategy)).
		Msg("Plan execution started")

	switch plan.Strategy {
	case StrategySequential:
		err = run.sequential(ctx)
	case StrategyParallel:
		err = run.parallel(ctx, false)
	case StrategyAdaptive:
		err = run.parallel(ctx, true)
	default:
		return nil, fmt.Errorf("invalid strategy: %s", plan.Strategy)
	}
	if err != nil {
		return nil, err
	}

	result := &Result{
		PlanID:   plan.ID,
		Goal:     plan.Goal,
		Success:  true,
		Steps:    run.results,
		Output:   run.finalOutput(),
		Context:  run.shared.Snapshot(),
		Duration: time.Since(start),
	}
	for _, sr := range run.results {
		if sr.Status != StepCompleted {
			result.Success = false
			break
		}
	}

	log.Info().
		Str("plan_id", plan.ID).
		Bool("success", result.Success).
		Dur("duration", result.Duration).
		Msg("Plan execution finished")

	return result, nil
}

// planRun holds the mutable state of one Execute call
type planRun struct {
	orch    *Orchestrator
	plan    *Plan
	graph   *dependencyGraph
	shared  *SharedContext
	results map[string]StepResult
}

// sequential runs steps one at a time in ascending order index and aborts
// on the first failure, marking the remaining steps skipped.
func (r *planRun) sequential(ctx context.Context) error {
	order := r.graph.sequentialOrder()

	for i, stepID := range order {
		if err := ctx.Err(); err != nil {
			return err
		}

		result := r.runStep(ctx, r.graph.steps[stepID])
		r.record(result)

		if result.Status == StepFailed {
			for _, remaining := range order[i+1:] {
				r.record(r.skip(remaining, fmt.Sprintf("aborted after step %s failed", stepID)))
			}
			return nil
		}
	}

	return nil
}

// parallel runs each topological layer concurrently. Without adaptation a
// failure aborts the remaining layers; with adaptation only the failed
// step's dependents are skipped and independent work continues.
func (r *planRun) parallel(ctx context.Context, adaptive bool) error {
	skip := make(map[string]bool)

	for _, layer := range r.graph.batches() {
		if err := ctx.Err(); err != nil {
			return err
		}

		var runnable []string
		for _, stepID := range layer {
			if skip[stepID] {
				r.record(r.skip(stepID, "dependency did not succeed"))
				continue
			}
			runnable = append(runnable, stepID)
		}

		if len(runnable) == 0 {
			continue
		}

		layerResults := make([]StepResult, len(runnable))
		done := make(chan int, len(runnable))
		for i, stepID := range runnable {
			go func(i int, step Step) {
				layerResults[i] = r.runStep(ctx, step)
				done <- i
			}(i, r.graph.steps[stepID])
		}
		// done is buffered so in-flight goroutines never block after a
		// cancellation return
		for range runnable {
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var failed []string
		for _, result := range layerResults {
			r.record(result)
			if result.Status == StepFailed {
				failed = append(failed, result.StepID)
			}
		}

		if len(failed) == 0 {
			continue
		}

		if !adaptive {
			for _, later := range r.pending() {
				r.record(r.skip(later, fmt.Sprintf("aborted after step %s failed", failed[0])))
			}
			return nil
		}

		replan := r.orch.replan
		if replan == nil {
			replan = skipFailedDependents
		}
		for _, stepID := range replan(r.plan, r.snapshotResults()) {
			if _, decided := r.results[stepID]; !decided {
				skip[stepID] = true
			}
		}
	}

	return nil
}

// skipFailedDependents is the default adaptive re-planning hook: every
// step downstream of a failed step is skipped.
func skipFailedDependents(plan *Plan, results map[string]StepResult) []string {
	graph, err := buildGraph(plan.Steps)
	if err != nil {
		return nil
	}

	var failed []string
	for id, result := range results {
		if result.Status == StepFailed {
			failed = append(failed, id)
		}
	}

	return graph.dependents(failed)
}

// runStep sends one step's task to its agent and collects the response
func (r *planRun) runStep(ctx context.Context, step Step) StepResult {
	start := time.Now()

	a := r.orch.registry.Get(step.AgentID)
	if a == nil {
		return StepResult{
			StepID:    step.ID,
			AgentID:   step.AgentID,
			Status:    StepFailed,
			Error:     fmt.Sprintf("agent %s not found", step.AgentID),
			StartedAt: start,
			Duration:  time.Since(start),
		}
	}

	stepCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	chunks, err := a.SendMessage(stepCtx, agent.Message{
		ID:        uuid.New().String(),
		Role:      agent.RoleUser,
		Content:   r.composeTask(step),
		SessionID: r.plan.ID,
		Timestamp: time.Now(),
	})
	if err != nil {
		return StepResult{
			StepID:    step.ID,
			AgentID:   step.AgentID,
			Status:    StepFailed,
			Error:     err.Error(),
			StartedAt: start,
			Duration:  time.Since(start),
		}
	}

	var output strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return StepResult{
				StepID:    step.ID,
				AgentID:   step.AgentID,
				Status:    StepFailed,
				Error:     chunk.Err.Error(),
				StartedAt: start,
				Duration:  time.Since(start),
			}
		}
		if chunk.Done {
			// The final chunk carries the assembled response
			output.Reset()
			output.WriteString(chunk.Content)
			break
		}
		output.WriteString(chunk.Content)
	}

	return StepResult{
		StepID:    step.ID,
		AgentID:   step.AgentID,
		Status:    StepCompleted,
		Output:    output.String(),
		StartedAt: start,
		Duration:  time.Since(start),
	}
}

// composeTask renders the step task plus the outputs of its dependencies
func (r *planRun) composeTask(step Step) string {
	if len(step.DependsOn) == 0 {
		return step.Task
	}

	var b strings.Builder
	b.WriteString(step.Task)

	wroteHeader := false
	for _, depID := range step.DependsOn {
		depOutput := r.shared.GetString(StepOutputKey(depID))
		if depOutput == "" {
			continue
		}
		if !wroteHeader {
			b.WriteString("\n\nResults from earlier steps:")
			wroteHeader = true
		}
		b.WriteString(fmt.Sprintf("\n[%s]\n%s", depID, depOutput))
	}

	return b.String()
}

func (r *planRun) skip(stepID, reason string) StepResult {
	return StepResult{
		StepID:  stepID,
		AgentID: r.graph.steps[stepID].AgentID,
		Status:  StepSkipped,
		Error:   reason,
	}
}

// record stores a step result, updates the shared context, emits the
// completion event and reports progress.
func (r *planRun) record(result StepResult) {
	r.results[result.StepID] = result

	if result.Status == StepCompleted {
		r.shared.Set(StepOutputKey(result.StepID), result.Output)
	}

	log.Debug().
		Str("plan_id", r.plan.ID).
		Str("step_id", result.StepID).
		Str("agent_id", result.AgentID).
		Str("status", string(result.Status)).
		Msg("Step finished")

	if r.orch.notifier != nil {
		r.orch.notifier.Publish(events.NewEvent(events.TypeStepCompleted, events.StepCompleted{
			PlanID:   r.plan.ID,
			StepID:   result.StepID,
			AgentID:  result.AgentID,
			Success:  result.Status == StepCompleted,
			Output:   result.Output,
			Error:    result.Error,
			Duration: result.Duration.Milliseconds(),
		}))
	}

	if r.orch.progress != nil {
		r.orch.progress(r.progressSnapshot())
	}
}

func (r *planRun) progressSnapshot() Progress {
	p := Progress{
		PlanID: r.plan.ID,
		Total:  len(r.plan.Steps),
	}
	for _, result := range r.results {
		switch result.Status {
		case StepCompleted:
			p.Completed++
		case StepFailed:
			p.Failed++
		case StepSkipped:
			p.Skipped++
		}
	}
	if p.Total > 0 {
		p.Percent = float64(p.Completed+p.Failed+p.Skipped) / float64(p.Total) * 100
	}
	return p
}

func (r *planRun) snapshotResults() map[string]StepResult {
	snapshot := make(map[string]StepResult, len(r.results))
	for k, v := range r.results {
		snapshot[k] = v
	}
	return snapshot
}

// finalOutput joins the outputs of the plan's terminal steps, the ones no
// other step depends on, in dependency order.
func (r *planRun) finalOutput() string {
	hasDependents := make(map[string]bool)
	for _, step := range r.plan.Steps {
		for _, dep := range step.DependsOn {
			hasDependents[dep] = true
		}
	}

	var outputs []string
	for _, stepID := range r.graph.order() {
		if hasDependents[stepID] {
			continue
		}
		if result, ok := r.results[stepID]; ok && result.Status == StepCompleted && result.Output != "" {
			outputs = append(outputs, result.Output)
		}
	}

	return strings.Join(outputs, "\n\n")
}

func (r *planRun) pending() []string {
	var pending []string
	for _, stepID := range r.graph.order() {
		if _, decided := r.results[stepID]; !decided {
			pending = append(pending, stepID)
		}
	}
	return pending
}

package orchestrator

import (
	"errors"
	"time"
)

// Strategy selects how a plan's steps are scheduled
type Strategy string

const (
	// StrategySequential runs steps one at a time in dependency order
	StrategySequential Strategy = "sequential"
	// StrategyParallel runs independent steps concurrently and aborts the
	// plan on the first failure
	StrategyParallel Strategy = "parallel"
	// StrategyAdaptive runs like parallel but re-plans around failures,
	// skipping steps whose dependencies did not succeed
	StrategyAdaptive Strategy = "adaptive"
)

var (
	// ErrDependencyCycle indicates a circular dependency in the plan
	ErrDependencyCycle = errors.New("circular dependency detected")
	// ErrUnknownAgent indicates a step references an agent outside the pool
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrEmptyPlan indicates a plan with no steps
	ErrEmptyPlan = errors.New("plan has no steps")
)

// Step is one unit of work assigned to a single agent
type Step struct {
	ID        string   `json:"id"`
	Order     int      `json:"order"`
	AgentID   string   `json:"agent_id"`
	Task      string   `json:"task"`
	DependsOn []string `json:"depends_on,omitempty"`
	// Parallel marks the step as safe to run alongside others. Scheduling
	// derives concurrency from the dependency graph; the flag is carried
	// for plan authors and external consumers.
	Parallel bool          `json:"parallel,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// Plan is a validated set of steps toward a goal. Immutable once created.
type Plan struct {
	ID       string   `json:"id"`
	Goal     string   `json:"goal"`
	Strategy Strategy `json:"strategy"`
	Steps    []Step   `json:"steps"`
	// RequiredAgents is the set of agent ids the plan cannot run without,
	// derived from step assignments and verified against the pool.
	RequiredAgents []string  `json:"required_agents"`
	CreatedAt      time.Time `json:"created_at"`
}

// StepStatus is the terminal disposition of one step
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records the outcome of one step. StartedAt is zero for steps
// that were skipped without running.
type StepResult struct {
	StepID    string        `json:"step_id"`
	AgentID   string        `json:"agent_id"`
	Status    StepStatus    `json:"status"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at,omitzero"`
	Duration  time.Duration `json:"duration_ms"`
}

// Result is the outcome of one plan execution. Output aggregates the
// outputs of the plan's terminal steps; Context is the final shared
// context snapshot.
type Result struct {
	PlanID   string                 `json:"plan_id"`
	Goal     string                 `json:"goal"`
	Success  bool                   `json:"success"`
	Steps    map[string]StepResult  `json:"steps"`
	Output   string                 `json:"output,omitempty"`
	Context  map[string]interface{} `json:"context,omitempty"`
	Duration time.Duration          `json:"duration_ms"`
}

// Progress is a point-in-time view of plan execution
type Progress struct {
	PlanID    string  `json:"plan_id"`
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	Percent   float64 `json:"percent"`
}

// ProgressFunc receives progress updates during execution
type ProgressFunc func(Progress)

// ReplanFunc decides, after failures under the adaptive strategy, which
// pending steps to skip. It receives the plan and the results so far and
// returns the ids of steps that should not run.
type ReplanFunc func(plan *Plan, results map[string]StepResult) []string

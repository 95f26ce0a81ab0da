// Package executor runs single plan steps. The engine only sees the Executor
// contract; what a step actually does lives behind it.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Step is one unit of work handed to an executor.
type Step struct {
	Item           string    `json:"item"`
	Plan           string    `json:"plan"`
	PlanCreated    time.Time `json:"plan_created"`
	Index          int       `json:"index"`
	Description    string    `json:"description"`
	Details        string    `json:"details,omitempty"`
	TaskType       string    `json:"task_type,omitempty"`
	Priority       string    `json:"priority,omitempty"`
	Attempt        int       `json:"attempt"`
	IdempotencyKey string    `json:"idempotency_key"`

	// Approved is set once a reviewer has cleared the step, or its whole
	// plan. An executor must not ask for approval of an approved step.
	Approved bool `json:"approved,omitempty"`
}

// Result is the outcome of one step. Err is set whenever Success is false and
// the step was not held for approval.
type Result struct {
	Success          bool
	RequiresApproval bool
	Output           string
	Err              error
}

// Executor runs a step.
type Executor interface {
	Execute(ctx context.Context, step Step) Result
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, step Step) Result

func (f Func) Execute(ctx context.Context, step Step) Result { return f(ctx, step) }

// Simulated completes every step without side effects. It is the default
// when no executor command is configured.
type Simulated struct {
	Logger *slog.Logger
}

func (s Simulated) Execute(ctx context.Context, step Step) Result {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("executing step", "item", step.Item, "step", step.Index, "description", step.Description, "simulated", true)
	return Result{
		Success: true,
		Output:  fmt.Sprintf("Step %d executed successfully", step.Index),
	}
}

// Package loop drives one plan step by step under an iteration cap.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/iambrandonn/steward/internal/errclass"
	"github.com/iambrandonn/steward/internal/executor"
	"github.com/iambrandonn/steward/internal/idempotency"
	"github.com/iambrandonn/steward/internal/plan"
	"github.com/iambrandonn/steward/internal/risk"
)

// DefaultMaxIterations caps a run when the input leaves it unset.
const DefaultMaxIterations = 5

// Outcome is how a run ended.
type Outcome string

const (
	// OutcomeCompleted means every step is completed.
	OutcomeCompleted Outcome = "completed"
	// OutcomeAwaitingApproval means a step needs a human decision first.
	OutcomeAwaitingApproval Outcome = "awaiting_approval"
	// OutcomeFailed means a step failed with a non-retryable error, or the
	// cap ran out on a step that kept failing without one.
	OutcomeFailed Outcome = "failed"
	// OutcomeRetry means the cap ran out on a retryable failure.
	OutcomeRetry Outcome = "retry"
	// OutcomeStalled means the cap ran out with steps left and no failure.
	OutcomeStalled Outcome = "stalled"
)

// StepRecorder persists a step's new status and result.
type StepRecorder func(index int, status plan.StepStatus, result string) error

// Input is one run's worth of work.
type Input struct {
	Plan          *plan.Plan
	MaxIterations int
	PlanApproved  bool
	ApprovedSteps []int
	// Attempt is the retry attempt the item is on, passed through to the executor.
	Attempt int
}

func (in Input) stepApproved(index int) bool {
	return in.PlanApproved || slices.Contains(in.ApprovedSteps, index)
}

// Report describes the end of a run.
type Report struct {
	Outcome    Outcome
	Iterations int
	// Step is the step the run halted on, if any.
	Step int
	// Reasons lists why the step needs approval.
	Reasons []string
	// ExecutorRequested is set when the executor, not the risk check, asked
	// for approval.
	ExecutorRequested bool
	Err               error
	Category          errclass.Category
}

// Runner executes plans.
type Runner struct {
	exec       executor.Executor
	classifier *risk.Classifier
	record     StepRecorder
	logger     *slog.Logger
}

// NewRunner creates a runner. record is called after every executed step.
func NewRunner(exec executor.Executor, classifier *risk.Classifier, record StepRecorder, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{exec: exec, classifier: classifier, record: record, logger: logger}
}

// Run executes the plan's remaining steps, at most MaxIterations executor
// calls. The plan in Input is updated in place as steps complete or fail.
// Cancelling ctx stops the run between steps; a step in progress always
// finishes.
func (r *Runner) Run(ctx context.Context, in Input) Report {
	p := in.Plan
	limit := in.MaxIterations
	if limit <= 0 {
		limit = DefaultMaxIterations
	}
	stepCtx := context.WithoutCancel(ctx)

	report := Report{}
	lastRetryable, lastFailed := false, false

	for report.Iterations < limit {
		step, ok := p.NextStep()
		if !ok {
			report.Outcome = OutcomeCompleted
			return report
		}
		if ctx.Err() != nil {
			r.logger.Info("run interrupted between steps", "plan", p.Name, "step", step.Index)
			report.Outcome = OutcomeStalled
			report.Step = step.Index
			return report
		}

		if !in.stepApproved(step.Index) {
			if a := r.classifier.Classify(step.Description, ""); a.IsRisky {
				r.logger.Info("step needs approval", "plan", p.Name, "step", step.Index, "reasons", a.Reasons)
				report.Outcome = OutcomeAwaitingApproval
				report.Step = step.Index
				report.Reasons = a.Reasons
				return report
			}
		}

		req, err := r.request(p, step, in.Attempt)
		if err != nil {
			return r.fail(report, step.Index, err)
		}
		req.Approved = in.stepApproved(step.Index)

		report.Iterations++
		r.logger.Debug("executing step", "plan", p.Name, "step", step.Index, "iteration", report.Iterations)
		res := r.exec.Execute(stepCtx, req)

		switch {
		case res.RequiresApproval && req.Approved:
			err := errclass.Tag(errclass.Validation,
				fmt.Errorf("executor asked again for approval of approved step %d", step.Index))
			if uerr := r.update(step, plan.StepFailed, err.Error()); uerr != nil {
				r.logger.Warn("failed to record step failure", "plan", p.Name, "step", step.Index, "error", uerr)
			}
			r.logger.Warn("step failed", "plan", p.Name, "step", step.Index, "error", err)
			report.Step = step.Index
			report.Err = err
			report.Category = errclass.Validation
			report.Outcome = OutcomeFailed
			return report

		case res.RequiresApproval:
			report.Outcome = OutcomeAwaitingApproval
			report.Step = step.Index
			report.ExecutorRequested = true
			report.Reasons = []string{"Executor requested approval"}
			return report

		case res.Success:
			if err := r.update(step, plan.StepCompleted, res.Output); err != nil {
				return r.fail(report, step.Index, err)
			}
			lastRetryable = false
			lastFailed = false

		default:
			// A failure without an error carries no evidence that it is
			// permanent. It is re-attempted, bounded by the cap.
			unexplained := res.Err == nil
			err := res.Err
			if unexplained {
				err = fmt.Errorf("step %d failed without an error", step.Index)
			}
			category := errclass.Classify(err)
			if uerr := r.update(step, plan.StepFailed, err.Error()); uerr != nil {
				r.logger.Warn("failed to record step failure", "plan", p.Name, "step", step.Index, "error", uerr)
			}
			r.logger.Warn("step failed", "plan", p.Name, "step", step.Index, "category", category, "error", err)

			report.Step = step.Index
			report.Err = err
			report.Category = category
			if !category.Retryable() && !unexplained {
				report.Outcome = OutcomeFailed
				return report
			}
			lastRetryable = category.Retryable()
			lastFailed = true
		}
	}

	if p.Complete() {
		report.Outcome = OutcomeCompleted
		report.Err = nil
		report.Category = ""
		return report
	}
	switch {
	case lastRetryable:
		report.Outcome = OutcomeRetry
	case lastFailed:
		report.Outcome = OutcomeFailed
	default:
		report.Outcome = OutcomeStalled
		if next, ok := p.NextStep(); ok {
			report.Step = next.Index
		}
	}
	return report
}

func (r *Runner) request(p *plan.Plan, step *plan.Step, attempt int) (executor.Step, error) {
	key, err := idempotency.StepKey(p.Source, p.CreatedAt, step.Index, map[string]any{
		"description": step.Description,
		"details":     step.Details,
	})
	if err != nil {
		return executor.Step{}, err
	}
	return executor.Step{
		Item:           p.Source,
		Plan:           p.Name,
		PlanCreated:    p.CreatedAt,
		Index:          step.Index,
		Description:    step.Description,
		Details:        step.Details,
		TaskType:       string(p.TaskType),
		Priority:       p.Priority,
		Attempt:        attempt,
		IdempotencyKey: key,
	}, nil
}

// update records a step change durably and mirrors it onto the in-memory plan.
func (r *Runner) update(step *plan.Step, status plan.StepStatus, result string) error {
	if r.record != nil {
		if err := r.record(step.Index, status, result); err != nil {
			return fmt.Errorf("record step %d: %w", step.Index, err)
		}
	}
	step.Status = status
	step.Result = result
	return nil
}

// fail ends the run on an internal error, retrying only if it is transient.
func (r *Runner) fail(report Report, index int, err error) Report {
	report.Step = index
	report.Err = err
	report.Category = errclass.Classify(err)
	if report.Category.Retryable() {
		report.Outcome = OutcomeRetry
	} else {
		report.Outcome = OutcomeFailed
	}
	return report
}

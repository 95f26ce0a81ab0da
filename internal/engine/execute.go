package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/iambrandonn/steward/internal/approval"
	"github.com/iambrandonn/steward/internal/eventlog"
	"github.com/iambrandonn/steward/internal/loop"
	"github.com/iambrandonn/steward/internal/plan"
	"github.com/iambrandonn/steward/internal/runstate"
	"github.com/iambrandonn/steward/internal/telemetry"
	"github.com/iambrandonn/steward/internal/workitem"
	"github.com/iambrandonn/steward/internal/workspace"
)

// Execute repairs half-finished completions, then runs the execution loop
// for every item in Needs_Action that is not waiting on a reviewer.
func (c *Cycle) Execute(ctx context.Context) error {
	if err := c.Reconcile(ctx); err != nil {
		return err
	}

	names, err := c.e.items.List(workspace.NeedsAction)
	if err != nil {
		return err
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return nil
		}
		c.executeOne(ctx, name)
	}
	return nil
}

func (c *Cycle) executeOne(ctx context.Context, name string) {
	planName := plan.FileName(name)
	task := c.state.Task(name, planName, c.e.now())
	if task.Status == runstate.StatusAwaitingApproval && task.ApprovalID != "" {
		c.logger.Debug("waiting on approval", "item", name, "approval", task.ApprovalID)
		return
	}

	p, err := c.e.plans.Load(planName)
	if errors.Is(err, plan.ErrNotFound) {
		p, err = c.adopt(ctx, name)
	}
	if err != nil {
		task.LastError = err.Error()
		c.quarantine(ctx, name, workspace.NeedsAction, StageExecution, err)
		task.Status = runstate.StatusFailed
		return
	}

	if p.IsRisky && !task.PlanApproved && !c.planCleared(ctx, task, p) {
		return
	}

	if err := c.e.items.SetStatus(workspace.NeedsAction, name, workitem.StatusInProgress, nil); err != nil {
		c.logger.Warn("failed to update item status", "item", name, "error", err)
	}
	task.Status = runstate.StatusActive

	attempt := 0
	if entry, ok := c.queue.Get(name); ok {
		attempt = entry.Attempts
	}
	runner := loop.NewRunner(c.e.exec, c.e.classifier, c.stepRecorder(ctx, p), c.logger)
	report := runner.Run(ctx, loop.Input{
		Plan:          p,
		MaxIterations: p.MaxIterations,
		PlanApproved:  task.PlanApproved,
		ApprovedSteps: task.ApprovedSteps,
		Attempt:       attempt,
	})
	task.Iterations += report.Iterations
	task.UpdatedAt = c.e.now().UTC()
	c.Summary.StepsExecuted += report.Iterations
	telemetry.Count(ctx, c.e.metrics.StepsExecuted, int64(report.Iterations))

	switch report.Outcome {
	case loop.OutcomeCompleted:
		task.LastError = ""
		if err := c.complete(ctx, p); err != nil {
			task.LastError = err.Error()
			c.Summary.Errors++
			c.logger.Error("failed to complete item", "item", name, "error", err)
			return
		}
		task.Status = runstate.StatusCompleted
		c.queue.Resolve(name)

	case loop.OutcomeAwaitingApproval:
		req, err := c.requestApproval(ctx, p, report.Step, report.Reasons)
		if err != nil {
			task.LastError = err.Error()
			c.Summary.Errors++
			c.logger.Error("failed to request approval", "item", name, "error", err)
			return
		}
		c.awaitApproval(task, name, req.ID, report.Step)
		c.queue.Resolve(name)

	case loop.OutcomeRetry:
		task.LastError = report.Err.Error()
		c.scheduleRetry(ctx, name, report)
		task.Status = runstate.StatusRetryPending

	case loop.OutcomeFailed:
		task.LastError = report.Err.Error()
		c.queue.Remove(name)
		c.quarantine(ctx, name, workspace.NeedsAction, StageExecution, report.Err)
		task.Status = runstate.StatusFailed

	case loop.OutcomeStalled:
		task.Status = runstate.StatusStalled
		c.Summary.Stalled++
		c.queue.Resolve(name)
		c.logger.Warn("iteration cap reached, item left active", "item", name, "next_step", report.Step, "iterations", report.Iterations)
	}
}

// planCleared reports whether a risky plan may run. It opens the plan-level
// request when none exists and otherwise consults the existing one, which
// covers loop state lost since the request was made.
func (c *Cycle) planCleared(ctx context.Context, task *runstate.TaskState, p *plan.Plan) bool {
	id := task.ApprovalID
	if id == "" {
		id = p.ApprovalID
	}
	if id == "" {
		req, err := c.requestApproval(ctx, p, 0, p.RiskReasons)
		if err != nil {
			task.LastError = err.Error()
			c.Summary.Errors++
			c.logger.Error("failed to request approval", "item", p.Source, "error", err)
			return false
		}
		c.awaitApproval(task, p.Source, req.ID, 0)
		return false
	}

	req, _, err := c.e.gate.Check(id, c.e.now())
	if err != nil {
		task.LastError = err.Error()
		c.Summary.Errors++
		c.logger.Error("failed to check approval", "item", p.Source, "approval", id, "error", err)
		return false
	}
	switch req.Status {
	case approval.StatusApproved:
		task.ApproveStep(0)
		task.ApprovalID = ""
		return true
	case approval.StatusPending:
		c.awaitApproval(task, p.Source, id, 0)
		return false
	}
	c.refuse(ctx, task, req)
	return false
}

func (c *Cycle) awaitApproval(task *runstate.TaskState, name, id string, step int) {
	task.Status = runstate.StatusAwaitingApproval
	task.ApprovalID = id
	task.ApprovalStep = step
	if err := c.e.items.SetStatus(workspace.NeedsAction, name, workitem.StatusAwaitingApproval, map[string]string{
		"approval_id": id,
	}); err != nil {
		c.logger.Warn("failed to update item status", "item", name, "error", err)
	}
}

// stepRecorder persists each step change into the plan file and the action log.
func (c *Cycle) stepRecorder(ctx context.Context, p *plan.Plan) loop.StepRecorder {
	return func(index int, status plan.StepStatus, result string) error {
		if _, err := c.e.plans.UpdateStep(p.Name, index, status, result); err != nil {
			return err
		}
		action := eventlog.ActionStepCompleted
		if status == plan.StepFailed {
			action = eventlog.ActionStepFailed
			telemetry.Count(ctx, c.e.metrics.StepFailures, 1)
		}
		c.recordAction(eventlog.ActionRecord{
			Action: action,
			Item:   p.Source,
			Plan:   p.Name,
			Step:   index,
			Status: string(status),
			Detail: result,
		})
		return nil
	}
}

// scheduleRetry logs the failure, parks the item in Errors and queues it.
func (c *Cycle) scheduleRetry(ctx context.Context, name string, report loop.Report) {
	category := c.recordError(name, StageExecution, report.Err, fmt.Sprintf("step %d", report.Step))
	if err := c.e.items.Move(name, workspace.NeedsAction, workspace.Errors); err != nil {
		c.Summary.Errors++
		c.logger.Error("failed to park item for retry", "item", name, "error", err)
		return
	}
	if err := c.e.items.SetStatus(workspace.Errors, name, workitem.StatusFailed, map[string]string{
		"error_category": string(category),
	}); err != nil {
		c.logger.Warn("failed to update item status", "item", name, "error", err)
	}
	if c.queue.Enqueue(name, workspace.NeedsAction, category, report.Err.Error(), c.e.now()) {
		c.Summary.RetriesScheduled++
		c.logger.Info("retry scheduled", "item", name, "category", category)
	} else {
		entry, _ := c.queue.Get(name)
		c.logger.Info("retry already queued", "item", name, "attempts", entry.Attempts, "max_attempts", entry.MaxAttempts)
	}
}

// complete archives a finished item: plan marked completed, plan to Done,
// then item to Done. Reconcile finishes whatever a crash interrupts.
func (c *Cycle) complete(ctx context.Context, p *plan.Plan) error {
	if _, err := c.e.plans.SetStatus(p.Name, plan.StatusCompleted); err != nil {
		return err
	}
	if err := c.e.plans.Archive(p.Name); err != nil {
		return err
	}
	if err := c.e.items.SetStatus(workspace.NeedsAction, p.Source, workitem.StatusCompleted, nil); err != nil {
		c.logger.Warn("failed to update item status", "item", p.Source, "error", err)
	}
	if err := c.e.items.Move(p.Source, workspace.NeedsAction, workspace.Done); err != nil {
		return err
	}
	c.Summary.Completed++
	telemetry.Count(ctx, c.e.metrics.Completed, 1)
	c.recordAction(eventlog.ActionRecord{
		Action: eventlog.ActionArchived,
		Item:   p.Source,
		Plan:   p.Name,
		Status: workitem.StatusCompleted,
	})
	c.logger.Info("item completed", "item", p.Source, "plan", p.Name)
	return nil
}

// adopt builds a plan for an item that reached Needs_Action without one,
// for example after a manual move.
func (c *Cycle) adopt(ctx context.Context, name string) (*plan.Plan, error) {
	item, err := c.e.items.Read(workspace.NeedsAction, name)
	if err != nil {
		return nil, err
	}
	if err := c.ledger.Record(name); err != nil {
		return nil, err
	}
	d := c.e.analyzer.Analyze(item)
	p := c.e.builder.Build(d, c.e.now())
	if err := c.e.plans.Create(p); err != nil {
		return nil, err
	}
	c.recordAction(eventlog.ActionRecord{
		Action: eventlog.ActionPlanCreated,
		Item:   name,
		Plan:   p.Name,
		Status: string(p.Status),
		Detail: "adopted from Needs_Action",
	})
	c.logger.Info("planned item found without a plan", "item", name, "plan", p.Name)
	return p, nil
}

// Reconcile finishes completions that stopped between moving the plan and
// moving the item.
func (c *Cycle) Reconcile(ctx context.Context) error {
	plans, err := c.e.plans.List()
	if err != nil {
		return err
	}
	for _, name := range plans {
		p, err := c.e.plans.Load(name)
		if err != nil {
			c.logger.Warn("skipping unreadable plan", "plan", name, "error", err)
			continue
		}
		if !c.e.items.Exists(workspace.Done, p.Source) {
			continue
		}
		if p.Status == plan.StatusActive && p.Complete() {
			if _, err := c.e.plans.SetStatus(name, plan.StatusCompleted); err != nil {
				return err
			}
		}
		if err := c.e.plans.Archive(name); err != nil {
			return err
		}
		c.repaired(p.Source, name, "plan archived after its item")
	}

	names, err := c.e.items.List(workspace.NeedsAction)
	if err != nil {
		return err
	}
	for _, name := range names {
		planName := plan.FileName(name)
		if c.e.plans.Exists(planName) || !c.e.plans.Archived(planName) {
			continue
		}
		p, err := c.e.plans.LoadArchived(planName)
		if err != nil {
			c.logger.Warn("skipping unreadable archived plan", "plan", planName, "error", err)
			continue
		}
		status := workitem.StatusCompleted
		if p.Status == plan.StatusAbandoned {
			status = workitem.StatusRejected
		}
		if err := c.e.items.SetStatus(workspace.NeedsAction, name, status, nil); err != nil {
			c.logger.Warn("failed to update item status", "item", name, "error", err)
		}
		if err := c.e.items.Move(name, workspace.NeedsAction, workspace.Done); err != nil {
			if errors.Is(err, workitem.ErrNotFound) {
				continue
			}
			return err
		}
		if task, ok := c.state.Get(name); ok {
			task.Status = runstate.StatusCompleted
		}
		c.repaired(name, planName, "item archived after its plan")
	}
	return nil
}

func (c *Cycle) repaired(item, planName, detail string) {
	c.Summary.Repaired++
	c.recordAction(eventlog.ActionRecord{
		Action: eventlog.ActionRepaired,
		Item:   item,
		Plan:   planName,
		Detail: detail,
	})
	c.logger.Info("repaired partial completion", "item", item, "plan", planName, "detail", detail)
}

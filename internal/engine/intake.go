package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/iambrandonn/steward/internal/approval"
	"github.com/iambrandonn/steward/internal/eventlog"
	"github.com/iambrandonn/steward/internal/plan"
	"github.com/iambrandonn/steward/internal/runstate"
	"github.com/iambrandonn/steward/internal/telemetry"
	"github.com/iambrandonn/steward/internal/workitem"
	"github.com/iambrandonn/steward/internal/workspace"
)

// Intake claims every new Inbox item: it is recorded in the ledger, planned,
// moved to Needs_Action and, when risky, put behind an approval request.
func (c *Cycle) Intake(ctx context.Context) error {
	names, err := c.e.items.ListNew(workspace.Inbox, c.ledger)
	if err != nil {
		return err
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return nil
		}
		if err := c.intakeOne(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// intakeOne returns an error only when the ledger cannot be written; every
// per-item problem is logged and the item quarantined.
func (c *Cycle) intakeOne(ctx context.Context, name string) error {
	// The ledger entry comes first so a crash below never yields a second plan.
	if err := c.ledger.Record(name); err != nil {
		return fmt.Errorf("record %s: %w", name, err)
	}
	c.Summary.Intake++
	telemetry.Count(ctx, c.e.metrics.ItemsIntake, 1)

	item, err := c.e.items.Read(workspace.Inbox, name)
	if errors.Is(err, workitem.ErrNotFound) {
		c.logger.Info("item vanished before intake", "item", name)
		return nil
	}
	if err != nil {
		c.quarantine(ctx, name, workspace.Inbox, StageIntake, err)
		return nil
	}

	d := c.e.analyzer.Analyze(item)
	for _, w := range d.Warnings {
		c.logger.Warn("analysis warning", "item", name, "warning", w)
	}

	p := c.e.builder.Build(d, c.e.now())
	if c.e.plans.Exists(p.Name) {
		c.logger.Warn("plan already exists, reusing it", "item", name, "plan", p.Name)
		p, err = c.e.plans.Load(p.Name)
		if err != nil {
			c.quarantine(ctx, name, workspace.Inbox, StageIntake, err)
			return nil
		}
	} else {
		if p.IsRisky {
			req, err := c.requestApproval(ctx, p, approval.NoStep, p.RiskReasons)
			if err != nil {
				c.quarantine(ctx, name, workspace.Inbox, StageIntake, err)
				return nil
			}
			p.ApprovalID = req.ID
		}
		if err := c.e.plans.Create(p); err != nil {
			c.quarantine(ctx, name, workspace.Inbox, StageIntake, err)
			return nil
		}
		c.recordAction(eventlog.ActionRecord{
			Action: eventlog.ActionPlanCreated,
			Item:   name,
			Plan:   p.Name,
			Status: string(p.Status),
			Detail: fmt.Sprintf("%s, %d steps", p.TaskType, len(p.Steps)),
		})
	}

	if err := c.e.items.Move(name, workspace.Inbox, workspace.NeedsAction); err != nil {
		if errors.Is(err, workitem.ErrNotFound) {
			c.logger.Info("item vanished during intake", "item", name)
			return nil
		}
		c.quarantine(ctx, name, workspace.Inbox, StageIntake, err)
		return nil
	}

	task := c.state.Task(name, p.Name, c.e.now())
	status := workitem.StatusPlanned
	extra := map[string]string{"plan": p.Name}
	if p.ApprovalID != "" && !task.PlanApproved {
		task.Status = runstate.StatusAwaitingApproval
		task.ApprovalID = p.ApprovalID
		task.ApprovalStep = 0
		status = workitem.StatusAwaitingApproval
		extra["approval_id"] = p.ApprovalID
	}
	if err := c.e.items.SetStatus(workspace.NeedsAction, name, status, extra); err != nil {
		c.logger.Warn("failed to update item status", "item", name, "error", err)
	}
	c.logger.Info("item planned", "item", name, "plan", p.Name, "type", p.TaskType, "risky", p.IsRisky)
	return nil
}

// requestApproval opens an approval request for a whole plan (step NoStep)
// or one step.
func (c *Cycle) requestApproval(ctx context.Context, p *plan.Plan, step int, reasons []string) (*approval.Request, error) {
	req, err := c.e.gate.Create(approval.Subject{
		Title:   p.Title,
		Item:    p.Source,
		Plan:    p.Name,
		Step:    step,
		Reasons: reasons,
	}, c.e.now())
	if err != nil {
		return nil, err
	}
	c.Summary.ApprovalsRequested++
	telemetry.Count(ctx, c.e.metrics.ApprovalsOpened, 1)
	rec := eventlog.ActionRecord{
		Action:   eventlog.ActionApprovalRequest,
		Item:     p.Source,
		Plan:     p.Name,
		Approval: req.ID,
		Status:   string(req.Status),
	}
	if step > 0 {
		rec.Step = step
	}
	c.recordAction(rec)
	return req, nil
}

// quarantine logs err and moves the item from its current state to Errors
// with status failed.
func (c *Cycle) quarantine(ctx context.Context, name string, from workspace.State, stage string, cause error) {
	category := c.recordError(name, stage, cause, "")
	c.Summary.Quarantined++
	c.Summary.Errors++
	telemetry.Count(ctx, c.e.metrics.Quarantined, 1, "category", string(category))

	if from != workspace.Errors {
		if err := c.e.items.Move(name, from, workspace.Errors); err != nil {
			c.logger.Error("failed to quarantine item", "item", name, "from", from, "error", err)
			return
		}
	}
	if err := c.e.items.SetStatus(workspace.Errors, name, workitem.StatusFailed, map[string]string{
		"error_category": string(category),
	}); err != nil {
		c.logger.Warn("failed to update item status", "item", name, "error", err)
	}
	c.recordAction(eventlog.ActionRecord{
		Action: eventlog.ActionQuarantined,
		Item:   name,
		Status: workitem.StatusFailed,
		Detail: fmt.Sprintf("%s: %v", category, cause),
	})
	c.logger.Warn("item quarantined", "item", name, "stage", stage, "category", category, "error", cause)
}

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/iambrandonn/steward/internal/approval"
	"github.com/iambrandonn/steward/internal/errclass"
	"github.com/iambrandonn/steward/internal/eventlog"
	"github.com/iambrandonn/steward/internal/plan"
	"github.com/iambrandonn/steward/internal/runstate"
	"github.com/iambrandonn/steward/internal/telemetry"
	"github.com/iambrandonn/steward/internal/workitem"
	"github.com/iambrandonn/steward/internal/workspace"
)

// Approvals scans Needs_Approval and applies every resolved request:
// approved items resume on the next Execute, rejected and timed-out items
// are archived without running. Resolved requests move to Done.
func (c *Cycle) Approvals(ctx context.Context) error {
	resolved, err := c.e.gate.Scan(c.e.now())
	if err != nil {
		return err
	}
	for _, req := range resolved {
		if ctx.Err() != nil {
			return nil
		}
		c.apply(ctx, req)
		if err := c.e.gate.Archive(req.ID); err != nil {
			c.Summary.Errors++
			c.logger.Error("failed to archive approval request", "approval", req.ID, "error", err)
		}
	}
	return nil
}

func (c *Cycle) apply(ctx context.Context, req *approval.Request) {
	c.Summary.ApprovalsResolved++
	telemetry.Count(ctx, c.e.metrics.ApprovalsClosed, 1, "status", string(req.Status))
	rec := eventlog.ActionRecord{
		Action:   eventlog.ActionApprovalResolved,
		Item:     req.Item,
		Plan:     req.Plan,
		Approval: req.ID,
		Status:   string(req.Status),
	}
	if req.Step > 0 {
		rec.Step = req.Step
	}
	if req.Reviewer != "" {
		rec.Detail = "reviewed by " + req.Reviewer
	}
	if req.Status == approval.StatusTimeout {
		rec.Detail = "unresolved: no decision within the approval timeout"
	}
	c.recordAction(rec)

	task, ok := c.state.FindByApproval(req.ID)
	if !ok {
		task = c.state.Task(req.Item, req.Plan, c.e.now())
	}

	switch req.Status {
	case approval.StatusApproved:
		step := req.Step
		if step == approval.NoStep {
			step = 0
		}
		task.ApproveStep(step)
		task.ApprovalID = ""
		task.ApprovalStep = 0
		task.Status = runstate.StatusActive
		task.UpdatedAt = c.e.now().UTC()
		if err := c.e.items.SetStatus(workspace.NeedsAction, req.Item, workitem.StatusInProgress, map[string]string{
			"approval_id": req.ID,
		}); err != nil && !errors.Is(err, workitem.ErrNotFound) {
			c.logger.Warn("failed to update item status", "item", req.Item, "error", err)
		}
		c.logger.Info("approval granted", "item", req.Item, "approval", req.ID, "step", req.Step)

	default:
		c.refuse(ctx, task, req)
	}
}

// refuse archives an item whose request was rejected or timed out. The plan
// is abandoned and both land in Done with the item status naming the outcome.
func (c *Cycle) refuse(ctx context.Context, task *runstate.TaskState, req *approval.Request) {
	status := workitem.StatusRejected
	if req.Status == approval.StatusTimeout {
		status = workitem.StatusTimeout
		c.recordError(req.Item, StageApproval,
			errclass.Tag(errclass.Validation, fmt.Errorf("approval %s timed out after %s", req.ID, c.e.gate.Timeout())), "")
		c.logger.Warn("approval timed out, archiving unresolved item", "item", req.Item, "approval", req.ID)
	} else {
		c.logger.Info("approval rejected, archiving item", "item", req.Item, "approval", req.ID)
	}

	task.Status = runstate.StatusFailed
	task.ApprovalID = ""
	task.LastError = "approval " + string(req.Status)
	task.UpdatedAt = c.e.now().UTC()

	if req.Plan != "" && c.e.plans.Exists(req.Plan) {
		if _, err := c.e.plans.SetStatus(req.Plan, plan.StatusAbandoned); err != nil {
			c.logger.Warn("failed to abandon plan", "plan", req.Plan, "error", err)
		}
		if err := c.e.plans.Archive(req.Plan); err != nil {
			c.Summary.Errors++
			c.logger.Error("failed to archive plan", "plan", req.Plan, "error", err)
			return
		}
	}

	from, found := c.e.items.Locate(req.Item)
	if !found {
		c.logger.Info("item already gone", "item", req.Item)
		return
	}
	if from == workspace.Done {
		return
	}
	if err := c.e.items.SetStatus(from, req.Item, status, map[string]string{"approval_id": req.ID}); err != nil {
		c.logger.Warn("failed to update item status", "item", req.Item, "error", err)
	}
	if err := c.e.items.Move(req.Item, from, workspace.Done); err != nil {
		c.Summary.Errors++
		c.logger.Error("failed to archive item", "item", req.Item, "error", err)
		return
	}
	c.queue.Remove(req.Item)
	c.Summary.Archived++
	c.recordAction(eventlog.ActionRecord{
		Action:   eventlog.ActionArchived,
		Item:     req.Item,
		Plan:     req.Plan,
		Approval: req.ID,
		Status:   status,
	})
}

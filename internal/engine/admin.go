package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/iambrandonn/steward/internal/approval"
	"github.com/iambrandonn/steward/internal/eventlog"
	"github.com/iambrandonn/steward/internal/ledger"
	"github.com/iambrandonn/steward/internal/plan"
	"github.com/iambrandonn/steward/internal/runstate"
	"github.com/iambrandonn/steward/internal/workitem"
	"github.com/iambrandonn/steward/internal/workspace"
)

// ErrNotQuarantined is returned by Recover for items outside Errors.
var ErrNotQuarantined = errors.New("item is not in Errors")

// Decide records an operator decision on a pending approval request. The
// engine applies it on its next approvals pass.
func (e *Engine) Decide(id string, approve bool, reviewer string) (*approval.Request, error) {
	if reviewer == "" {
		reviewer = "cli"
	}
	return e.gate.Decide(id, approve, reviewer, e.now())
}

// Recovery reports where Recover put an item.
type Recovery struct {
	Item string          `json:"item"`
	To   workspace.State `json:"to"`
	// Stranded is set when the item went back to Inbox but is still in the
	// ledger, so intake will skip it until the ledger is cleared.
	Stranded bool `json:"stranded"`
}

// Recover takes an item out of Errors by hand. An item whose plan is still
// active returns to Needs_Action with its failed steps reset; any other item
// returns to Inbox. Its retry entry is dropped either way.
func (e *Engine) Recover(ctx context.Context, name string) (rec Recovery, err error) {
	rec.Item = name
	where, found := e.items.Locate(name)
	if !found {
		return rec, fmt.Errorf("%s: %w", name, workitem.ErrNotFound)
	}
	if where != workspace.Errors {
		return rec, fmt.Errorf("%s is in %s: %w", name, where, ErrNotQuarantined)
	}

	c, err := e.Begin()
	if err != nil {
		return rec, err
	}
	defer func() {
		err = errors.Join(err, c.End(ctx))
	}()

	c.queue.Remove(name)
	planName := plan.FileName(name)
	p, perr := e.plans.Load(planName)

	if perr == nil && p.Status == plan.StatusActive {
		for _, s := range p.Steps {
			if s.Status != plan.StepFailed {
				continue
			}
			if _, err := e.plans.UpdateStep(planName, s.Index, plan.StepPending, ""); err != nil {
				return rec, err
			}
		}
		if err := e.items.Move(name, workspace.Errors, workspace.NeedsAction); err != nil {
			return rec, err
		}
		if err := e.items.SetStatus(workspace.NeedsAction, name, workitem.StatusPlanned, map[string]string{"plan": planName}); err != nil {
			c.logger.Warn("failed to update item status", "item", name, "error", err)
		}
		task := c.state.Task(name, planName, e.now())
		task.Status = runstate.StatusActive
		task.Iterations = 0
		task.LastError = ""
		rec.To = workspace.NeedsAction
	} else {
		if perr != nil && !errors.Is(perr, plan.ErrNotFound) {
			c.logger.Warn("ignoring unreadable plan", "plan", planName, "error", perr)
		}
		if err := e.items.Move(name, workspace.Errors, workspace.Inbox); err != nil {
			return rec, err
		}
		c.state.Forget(name)
		rec.To = workspace.Inbox
		rec.Stranded = c.ledger.Has(name)
	}

	c.recordAction(eventlog.ActionRecord{
		Action: eventlog.ActionRecovered,
		Item:   name,
		Plan:   planName,
		Detail: "moved to " + string(rec.To),
	})
	c.logger.Info("item recovered", "item", name, "to", rec.To, "stranded", rec.Stranded)
	return rec, nil
}

// ClearLedger empties a stage ledger so intake reconsiders every item.
func (e *Engine) ClearLedger(stage string) error {
	if err := ledger.Clear(e.layout.LedgerDir(), stage); err != nil {
		return err
	}
	e.logger.Warn("ledger cleared", "stage", stage)
	return nil
}

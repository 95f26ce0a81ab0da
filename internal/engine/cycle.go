package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iambrandonn/steward/internal/errclass"
	"github.com/iambrandonn/steward/internal/eventlog"
	"github.com/iambrandonn/steward/internal/ledger"
	"github.com/iambrandonn/steward/internal/retry"
	"github.com/iambrandonn/steward/internal/runstate"
)

// Summary counts what a cycle did.
type Summary struct {
	Intake             int `json:"intake"`
	ApprovalsRequested int `json:"approvals_requested"`
	ApprovalsResolved  int `json:"approvals_resolved"`
	StepsExecuted      int `json:"steps_executed"`
	Completed          int `json:"completed"`
	Archived           int `json:"archived"`
	RetriesScheduled   int `json:"retries_scheduled"`
	Retried            int `json:"retried"`
	Quarantined        int `json:"quarantined"`
	Stalled            int `json:"stalled"`
	Repaired           int `json:"repaired"`
	// Errors counts failures that were not absorbed by a retry.
	Errors int `json:"errors"`
}

// Cycle is one unit of engine work with its state loaded.
type Cycle struct {
	ID string

	e       *Engine
	ledger  *ledger.Ledger
	queue   *retry.Queue
	state   *runstate.LoopState
	errs    *eventlog.EventLog
	actions *eventlog.EventLog
	logger  *slog.Logger

	Summary Summary
}

// Begin loads the ledger, retry queue and loop state for a new cycle. The
// caller must End it.
func (e *Engine) Begin() (*Cycle, error) {
	now := e.now()
	c := &Cycle{
		ID: fmt.Sprintf("run-%s-%s", now.UTC().Format("20060102T150405"), uuid.New().String()[:8]),
		e:  e,
	}
	c.logger = e.logger.With("cycle", c.ID)

	var err error
	if c.ledger, err = ledger.Load(e.layout.LedgerDir(), ledger.StagePlan); err != nil {
		return nil, err
	}
	retryCfg := e.cfg.Policy.Retry
	if c.queue, err = retry.Load(e.layout.RetryQueuePath(), retryCfg.Delay.D(), retryCfg.MaxAttempts, c.logger); err != nil {
		return nil, err
	}
	if c.state, err = runstate.Load(e.layout.LoopStatePath()); err != nil {
		return nil, err
	}
	if c.errs, err = eventlog.NewEventLog(e.layout.ErrorLogPath(), c.logger); err != nil {
		return nil, err
	}
	if c.actions, err = eventlog.NewEventLog(e.layout.ActionLogPath(), c.logger); err != nil {
		c.errs.Close()
		return nil, err
	}
	return c, nil
}

// End saves the retry queue and loop state and closes the logs.
func (c *Cycle) End(ctx context.Context) error {
	var errs []error
	if err := c.queue.Save(); err != nil {
		errs = append(errs, fmt.Errorf("save retry queue: %w", err))
	}
	if err := c.state.Save(); err != nil {
		errs = append(errs, fmt.Errorf("save loop state: %w", err))
	}
	errs = append(errs, c.errs.Close(), c.actions.Close())

	if c.e.metrics.Enabled() {
		if snap, err := c.e.metrics.Snapshot(ctx); err == nil {
			c.logger.Info("metrics", "values", snap)
		}
	}
	c.logger.Info("cycle finished",
		"intake", c.Summary.Intake,
		"completed", c.Summary.Completed,
		"approvals_requested", c.Summary.ApprovalsRequested,
		"retried", c.Summary.Retried,
		"quarantined", c.Summary.Quarantined,
		"stalled", c.Summary.Stalled,
		"errors", c.Summary.Errors,
	)
	return errors.Join(errs...)
}

// RunCycle performs one full cycle: intake, approvals, retries, execute.
func (e *Engine) RunCycle(ctx context.Context) (Summary, error) {
	c, err := e.Begin()
	if err != nil {
		return Summary{}, err
	}
	phases := []struct {
		name string
		run  func(context.Context) error
	}{
		{"intake", c.Intake},
		{"approvals", c.Approvals},
		{"retries", c.Retries},
		{"execute", c.Execute},
	}
	var runErr error
	for _, p := range phases {
		if ctx.Err() != nil {
			break
		}
		if runErr = c.phase(ctx, p.name, p.run); runErr != nil {
			break
		}
	}
	endErr := c.End(ctx)
	return c.Summary, errors.Join(runErr, endErr)
}

// RunPhase runs a single named phase in its own cycle. The daemon schedules
// phases independently this way.
func (e *Engine) RunPhase(ctx context.Context, name string) (Summary, error) {
	c, err := e.Begin()
	if err != nil {
		return Summary{}, err
	}
	var run func(context.Context) error
	switch name {
	case "intake":
		run = c.Intake
	case "approvals":
		run = c.Approvals
	case "retries":
		run = c.Retries
	case "execute":
		run = c.Execute
	default:
		c.End(ctx)
		return Summary{}, fmt.Errorf("unknown phase %q", name)
	}
	runErr := c.phase(ctx, name, run)
	endErr := c.End(ctx)
	return c.Summary, errors.Join(runErr, endErr)
}

// Phases lists the phase names in cycle order.
func Phases() []string {
	return []string{"intake", "approvals", "retries", "execute"}
}

func (c *Cycle) phase(ctx context.Context, name string, run func(context.Context) error) error {
	start := time.Now()
	err := run(ctx)
	c.e.metrics.ObservePhase(ctx, name, time.Since(start))
	if err != nil {
		c.Summary.Errors++
		return fmt.Errorf("%s phase: %w", name, err)
	}
	return nil
}

// recordError appends a classified error to the error log. It is called
// before the item is moved anywhere.
func (c *Cycle) recordError(item, stage string, err error, detail string) errclass.Category {
	category := errclass.Classify(err)
	rec := eventlog.ErrorRecord{
		Timestamp: c.e.now().UTC(),
		Item:      item,
		Stage:     stage,
		Category:  category,
		Retryable: category.Retryable(),
		Message:   err.Error(),
		Detail:    detail,
	}
	if werr := c.errs.WriteError(rec); werr != nil {
		c.logger.Error("failed to write error record", "item", item, "error", werr)
	}
	return category
}

func (c *Cycle) recordAction(rec eventlog.ActionRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.e.now().UTC()
	}
	if err := c.actions.WriteAction(rec); err != nil {
		c.logger.Warn("failed to write action record", "action", rec.Action, "item", rec.Item, "error", err)
	}
}

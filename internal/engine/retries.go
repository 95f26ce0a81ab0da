package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/iambrandonn/steward/internal/errclass"
	"github.com/iambrandonn/steward/internal/eventlog"
	"github.com/iambrandonn/steward/internal/retry"
	"github.com/iambrandonn/steward/internal/runstate"
	"github.com/iambrandonn/steward/internal/telemetry"
	"github.com/iambrandonn/steward/internal/workitem"
	"github.com/iambrandonn/steward/internal/workspace"
)

// ErrRetriesExhausted is recorded for items that used up every attempt.
var ErrRetriesExhausted = errors.New("retry attempts exhausted")

// Retries processes every due entry of the retry queue. Items with attempts
// left return to their source state; the rest stay in Errors as permanent
// failures.
func (c *Cycle) Retries(ctx context.Context) error {
	now := c.e.now()
	for _, e := range c.queue.DequeueDue(now) {
		if !e.Exhausted() {
			continue
		}
		// Process drops entries for finished or vanished items.
		if where, ok := c.e.items.Locate(e.Filename); !ok || where == workspace.Done {
			continue
		}
		err := errclass.Tag(e.Category, fmt.Errorf("%w after %d of %d", ErrRetriesExhausted, e.Attempts, e.MaxAttempts))
		c.recordError(e.Filename, StageRetry, err, e.Detail)
	}

	for _, res := range c.queue.Process(now, c.e.items) {
		if ctx.Err() != nil {
			return nil
		}
		c.applyRetry(ctx, res)
	}
	return nil
}

func (c *Cycle) applyRetry(ctx context.Context, res retry.Result) {
	name := res.Entry.Filename
	task, tracked := c.state.Get(name)

	switch res.Action {
	case retry.ActionRetried:
		if res.Err != nil {
			c.Summary.Errors++
			c.logger.Error("failed to return item for retry", "item", name, "error", res.Err)
			return
		}
		c.Summary.Retried++
		telemetry.Count(ctx, c.e.metrics.Retries, 1, "category", string(res.Entry.Category))
		if tracked {
			task.Status = runstate.StatusActive
			task.UpdatedAt = c.e.now().UTC()
		}
		c.recordAction(eventlog.ActionRecord{
			Action: eventlog.ActionRetried,
			Item:   name,
			Status: workitem.StatusRetryPending,
			Detail: fmt.Sprintf("attempt %d of %d", res.Entry.Attempts, res.Entry.MaxAttempts),
		})

	case retry.ActionQuarantined:
		c.Summary.Quarantined++
		c.Summary.Errors++
		telemetry.Count(ctx, c.e.metrics.Quarantined, 1, "category", string(res.Entry.Category))
		if tracked {
			task.Status = runstate.StatusFailed
			task.LastError = ErrRetriesExhausted.Error()
			task.UpdatedAt = c.e.now().UTC()
		}
		if res.Err != nil {
			c.logger.Error("failed to quarantine exhausted item", "item", name, "error", res.Err)
		}
		c.recordAction(eventlog.ActionRecord{
			Action: eventlog.ActionQuarantined,
			Item:   name,
			Status: workitem.StatusPermanentFailure,
			Detail: fmt.Sprintf("%s: %s", res.Entry.Category, ErrRetriesExhausted),
		})
		c.logger.Warn("item permanently failed", "item", name, "attempts", res.Entry.Attempts, "category", res.Entry.Category)

	case retry.ActionDropped:
		if res.Err != nil {
			c.logger.Warn("dropped retry for missing item", "item", name, "error", res.Err)
		}
	}
}

package engine

import (
	"errors"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/iambrandonn/steward/internal/approval"
	"github.com/iambrandonn/steward/internal/eventlog"
	"github.com/iambrandonn/steward/internal/ledger"
	"github.com/iambrandonn/steward/internal/lockfile"
	"github.com/iambrandonn/steward/internal/plan"
	"github.com/iambrandonn/steward/internal/retry"
	"github.com/iambrandonn/steward/internal/runstate"
	"github.com/iambrandonn/steward/internal/workspace"
)

// PendingApproval is a live approval request as shown by status.
type PendingApproval struct {
	ID      string        `json:"id"`
	Item    string        `json:"item"`
	Plan    string        `json:"plan"`
	Step    int           `json:"step,omitempty"`
	Reasons []string      `json:"reasons,omitempty"`
	Age     time.Duration `json:"age"`
	Expired bool          `json:"expired"`
}

// LockInfo describes the instance lock.
type LockInfo struct {
	Held  bool   `json:"held"`
	PID   int    `json:"pid,omitempty"`
	Alive bool   `json:"alive"`
	Error string `json:"error,omitempty"`
}

// Report is a read-only snapshot of a vault.
type Report struct {
	Root        string                       `json:"root"`
	GeneratedAt time.Time                    `json:"generated_at"`
	Counts      map[workspace.State]int      `json:"counts"`
	ActivePlans int                          `json:"active_plans"`
	Ledger      int                          `json:"ledger"`
	Lock        LockInfo                     `json:"lock"`
	Approvals   []PendingApproval            `json:"approvals"`
	Retries     []retry.Entry                `json:"retries"`
	Tasks       map[runstate.Status][]string `json:"tasks"`
	// Stranded items were claimed by the ledger but never planned, so intake
	// will not pick them up again until the ledger is cleared.
	Stranded []string `json:"stranded,omitempty"`
	// Missing items are tracked in loop state but found in no directory.
	Missing []string       `json:"missing,omitempty"`
	Errors  eventlog.Stats `json:"errors"`
}

// Status builds a Report without taking the lock or modifying anything.
func (e *Engine) Status() (*Report, error) {
	now := e.now()
	r := &Report{
		Root:        e.layout.Root,
		GeneratedAt: now.UTC(),
		Counts:      map[workspace.State]int{},
		Tasks:       map[runstate.Status][]string{},
	}

	for _, st := range workspace.States() {
		if st == workspace.NeedsApproval {
			continue
		}
		names, err := e.items.List(st)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			if !isArtifact(name) {
				r.Counts[st]++
			}
		}
	}

	plans, err := e.plans.List()
	if err != nil {
		return nil, err
	}
	r.ActivePlans = len(plans)

	led, err := ledger.Load(e.layout.LedgerDir(), ledger.StagePlan)
	if err != nil {
		return nil, err
	}
	r.Ledger = led.Len()

	holder, err := lockfile.Read(e.layout.LockPath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		r.Lock = LockInfo{Held: true, Error: err.Error()}
	default:
		r.Lock = LockInfo{Held: true, PID: holder.PID, Alive: holder.Alive}
	}

	ids, err := e.gate.Pending()
	if err != nil {
		return nil, err
	}
	r.Counts[workspace.NeedsApproval] = len(ids)
	timeout := e.gate.Timeout()
	for _, id := range ids {
		req, err := e.gate.Load(id)
		if err != nil {
			e.logger.Warn("skipping unreadable approval request", "id", id, "error", err)
			continue
		}
		pa := PendingApproval{
			ID:      req.ID,
			Item:    req.Item,
			Plan:    req.Plan,
			Reasons: req.RiskReasons,
			Age:     req.Age(now),
		}
		if req.Step > 0 {
			pa.Step = req.Step
		}
		pa.Expired = timeout > 0 && pa.Age > timeout
		r.Approvals = append(r.Approvals, pa)
	}

	queue, err := retry.Load(e.layout.RetryQueuePath(), e.cfg.Policy.Retry.Delay.D(), e.cfg.Policy.Retry.MaxAttempts, e.logger)
	if err != nil {
		return nil, err
	}
	r.Retries = queue.Entries()

	state, err := runstate.Load(e.layout.LoopStatePath())
	if err != nil {
		return nil, err
	}
	for _, name := range state.Items() {
		task, _ := state.Get(name)
		r.Tasks[task.Status] = append(r.Tasks[task.Status], name)
		if _, found := e.items.Locate(name); !found {
			r.Missing = append(r.Missing, name)
		}
	}

	inbox, err := e.items.List(workspace.Inbox)
	if err != nil {
		return nil, err
	}
	for _, name := range inbox {
		if led.Has(name) && !e.plans.Exists(plan.FileName(name)) {
			r.Stranded = append(r.Stranded, name)
		}
	}
	sort.Strings(r.Stranded)

	if r.Errors, err = eventlog.ReadStats(e.layout.ErrorLogPath(), e.logger); err != nil {
		return nil, err
	}
	return r, nil
}

// isArtifact reports whether a file in Done is an archived plan or approval
// request rather than a work item.
func isArtifact(name string) bool {
	return strings.HasSuffix(name, plan.FileName("")) ||
		(strings.HasPrefix(name, "approval-") && strings.HasSuffix(name, approval.FileName("")))
}

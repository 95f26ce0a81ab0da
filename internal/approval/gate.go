package approval

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iambrandonn/steward/internal/fsutil"
	"github.com/iambrandonn/steward/internal/workspace"
)

// ErrWaitTimeout is returned by Wait when the caller's deadline passes while
// the request is still pending.
var ErrWaitTimeout = errors.New("approval: wait timed out")

// Subject describes what a new request is about.
type Subject struct {
	Title   string
	Item    string
	Plan    string
	Step    int
	Reasons []string
}

// Gate creates approval requests and resolves them from the reviewer's edits.
type Gate struct {
	dir     string
	doneDir string
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewGate creates a gate over a vault's Needs_Approval folder. Pending
// requests older than timeout resolve to StatusTimeout. now is the clock Wait
// judges age by; nil means time.Now.
func NewGate(layout workspace.Layout, timeout time.Duration, now func() time.Time, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{
		dir:     layout.Dir(workspace.NeedsApproval),
		doneDir: layout.Dir(workspace.Done),
		timeout: timeout,
		now:     now,
		logger:  logger,
	}
}

// Timeout returns the configured approval timeout.
func (g *Gate) Timeout() time.Duration {
	return g.timeout
}

// NewID returns a fresh request id.
func NewID(now time.Time) string {
	return fmt.Sprintf("approval-%s-%s", now.UTC().Format("20060102T150405"), uuid.New().String()[:8])
}

// Create writes a new pending request.
func (g *Gate) Create(s Subject, now time.Time) (*Request, error) {
	step := s.Step
	if step == 0 {
		step = NoStep
	}
	r := &Request{
		ID:          NewID(now),
		CreatedAt:   now.UTC().Truncate(time.Second),
		Subject:     s.Title,
		Item:        s.Item,
		Plan:        s.Plan,
		Step:        step,
		RiskReasons: s.Reasons,
		Status:      StatusPending,
	}
	if r.Subject == "" {
		r.Subject = s.Item
	}

	data, err := render(r, g.timeout)
	if err != nil {
		return nil, err
	}
	path, err := fsutil.ResolveWithin(g.dir, FileName(r.ID))
	if err != nil {
		return nil, err
	}
	if err := fsutil.AtomicWrite(path, data); err != nil {
		return nil, fmt.Errorf("failed to write approval request: %w", err)
	}

	g.logger.Info("approval requested", "id", r.ID, "item", r.Item, "step", r.Step, "reasons", r.RiskReasons)
	return r, nil
}

// Load reads a request from Needs_Approval, falling back to Done for
// requests that were already archived.
func (g *Gate) Load(id string) (*Request, error) {
	r, _, _, err := g.read(id)
	return r, err
}

// Check resolves a request at now. A terminal status in the header always
// wins; otherwise the reviewer's STATUS line is honored, and a request still
// pending after the timeout becomes StatusTimeout. The second return value
// reports whether this call changed the request.
func (g *Gate) Check(id string, now time.Time) (*Request, bool, error) {
	r, marker, body, err := g.read(id)
	if err != nil {
		return nil, false, err
	}
	if r.Status.Terminal() {
		return r, false, nil
	}

	var to Status
	switch {
	case marker == MarkerApproved:
		to = StatusApproved
	case marker == MarkerRejected:
		to = StatusRejected
	case g.timeout > 0 && r.Age(now) > g.timeout:
		to = StatusTimeout
	default:
		return r, false, nil
	}

	if err := r.Transition(to, now); err != nil {
		return nil, false, err
	}
	if r.Reviewer == "" {
		r.Reviewer = readReviewer(body)
	}
	if err := g.persist(r, body, ""); err != nil {
		return nil, false, err
	}

	g.logger.Info("approval resolved", "id", r.ID, "status", r.Status, "reviewer", r.Reviewer)
	return r, true, nil
}

// Scan checks every request in Needs_Approval and returns the ones that are
// terminal, whether they resolved during this scan or earlier. Callers act on
// them and then Archive them.
func (g *Gate) Scan(now time.Time) ([]*Request, error) {
	ids, err := g.Pending()
	if err != nil {
		return nil, err
	}
	var resolved []*Request
	for _, id := range ids {
		r, _, err := g.Check(id, now)
		if err != nil {
			g.logger.Warn("skipping unreadable approval request", "id", id, "error", err)
			continue
		}
		if r.Status.Terminal() {
			resolved = append(resolved, r)
		}
	}
	return resolved, nil
}

// Pending lists the ids of all requests still in Needs_Approval, sorted.
func (g *Gate) Pending() ([]string, error) {
	entries, err := os.ReadDir(g.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || fsutil.IsTempName(name) {
			continue
		}
		if !strings.HasPrefix(name, "approval-") || !strings.HasSuffix(name, ".md") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".md"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Wait polls a request until it is terminal, ctx ends, or timeout passes.
// The approval timeout is enforced by Check, so a wait that outlives it
// observes StatusTimeout just like a scan would.
func (g *Gate) Wait(ctx context.Context, id string, timeout, poll time.Duration) (*Request, error) {
	if poll <= 0 {
		poll = time.Second
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		r, _, err := g.Check(id, g.now())
		if err != nil {
			return nil, err
		}
		if r.Status.Terminal() {
			return r, nil
		}

		select {
		case <-ctx.Done():
			return r, ctx.Err()
		case <-deadline:
			return r, fmt.Errorf("%s: %w", id, ErrWaitTimeout)
		case <-ticker.C:
		}
	}
}

// Decide records an operator decision directly, as if the reviewer had
// edited the STATUS line.
func (g *Gate) Decide(id string, approve bool, reviewer string, now time.Time) (*Request, error) {
	r, _, body, err := g.read(id)
	if err != nil {
		return nil, err
	}
	to, marker := StatusRejected, MarkerRejected
	if approve {
		to, marker = StatusApproved, MarkerApproved
	}
	if err := r.Transition(to, now); err != nil {
		return nil, err
	}
	r.Reviewer = reviewer
	if err := g.persist(r, body, marker); err != nil {
		return nil, err
	}
	g.logger.Info("approval decided", "id", r.ID, "status", r.Status, "reviewer", reviewer)
	return r, nil
}

// Archive moves a terminal request into Done. Archiving a request that is
// already in Done is a no-op.
func (g *Gate) Archive(id string) error {
	src, err := fsutil.ResolveWithin(g.dir, FileName(id))
	if err != nil {
		return err
	}
	dst, err := fsutil.ResolveWithin(g.doneDir, FileName(id))
	if err != nil {
		return err
	}
	err = fsutil.Move(src, dst)
	if errors.Is(err, fs.ErrNotExist) {
		if _, statErr := os.Stat(dst); statErr == nil {
			return nil
		}
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return err
}

func (g *Gate) read(id string) (*Request, Marker, []byte, error) {
	for _, dir := range []string{g.dir, g.doneDir} {
		path, err := fsutil.ResolveWithin(dir, FileName(id))
		if err != nil {
			return nil, "", nil, err
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to read approval request %s: %w", id, err)
		}
		r, marker, body, err := parse(data)
		if err != nil {
			return nil, "", nil, fmt.Errorf("approval request %s: %w", id, err)
		}
		return r, marker, body, nil
	}
	return nil, "", nil, fmt.Errorf("%s: %w", id, ErrNotFound)
}

// persist rewrites the request in whichever folder it currently lives.
func (g *Gate) persist(r *Request, body []byte, marker Marker) error {
	data, err := rewrite(r, g.timeout, body, marker)
	if err != nil {
		return err
	}
	for _, dir := range []string{g.dir, g.doneDir} {
		path, err := fsutil.ResolveWithin(dir, FileName(r.ID))
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := fsutil.AtomicWrite(path, data); err != nil {
			return fmt.Errorf("failed to update approval request %s: %w", r.ID, err)
		}
		return nil
	}
	return fmt.Errorf("%s: %w", r.ID, ErrNotFound)
}

package approval

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/steward/internal/fsutil"
	"github.com/iambrandonn/steward/internal/workspace"
)

var t0 = time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)

func newGate(t *testing.T, timeout time.Duration) (*Gate, workspace.Layout) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, workspace.Initialize(root))
	layout := workspace.New(root)
	return NewGate(layout, timeout, nil, nil), layout
}

func setMarker(t *testing.T, layout workspace.Layout, id, value string) {
	t.Helper()
	require.NoError(t, editMarker(layout, id, value))
}

// editMarker rewrites the STATUS line the way an editor saving the file would.
func editMarker(layout workspace.Layout, id, value string) error {
	path := filepath.Join(layout.Dir(workspace.NeedsApproval), FileName(id))
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	edited := strings.Replace(string(data), "STATUS: PENDING", "STATUS: "+value, 1)
	return fsutil.AtomicWrite(path, []byte(edited))
}

func TestTransition(t *testing.T) {
	r := &Request{ID: "a", Status: StatusPending}
	require.NoError(t, r.Transition(StatusApproved, t0))
	assert.Equal(t, t0, r.ResolvedAt)

	for _, to := range []Status{StatusPending, StatusRejected, StatusTimeout, StatusApproved} {
		err := r.Transition(to, t0)
		assert.ErrorIs(t, err, ErrInvalidTransition, to)
	}
	assert.Equal(t, StatusApproved, r.Status)

	p := &Request{ID: "b", Status: StatusPending}
	assert.ErrorIs(t, p.Transition(StatusPending, t0), ErrInvalidTransition)
}

func TestCreate(t *testing.T) {
	g, layout := newGate(t, 2*time.Hour)

	r, err := g.Create(Subject{Title: "Pay vendor", Item: "pay.md", Plan: "pay.plan.md", Step: 3, Reasons: []string{"Contains 'payment'"}}, t0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(r.ID, "approval-20260502T100000-"))
	assert.Equal(t, StatusPending, r.Status)

	data, err := os.ReadFile(filepath.Join(layout.Dir(workspace.NeedsApproval), FileName(r.ID)))
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "STATUS: PENDING\n")
	assert.Contains(t, text, "- Contains 'payment'\n")
	assert.Contains(t, text, "Step: 3\n")
	assert.Contains(t, text, "2026-05-02T12:00:00Z")

	loaded, err := g.Load(r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Item, loaded.Item)
	assert.Equal(t, 3, loaded.Step)
	assert.Equal(t, t0, loaded.CreatedAt)
}

func TestCreate_PlanLevel(t *testing.T) {
	g, _ := newGate(t, time.Hour)
	r, err := g.Create(Subject{Item: "x.md"}, t0)
	require.NoError(t, err)
	assert.Equal(t, NoStep, r.Step)
	assert.Equal(t, "x.md", r.Subject)
}

func TestCheck_ReviewerDecisions(t *testing.T) {
	tests := []struct {
		marker string
		want   Status
	}{
		{"APPROVED", StatusApproved},
		{"approved", StatusApproved},
		{"REJECTED", StatusRejected},
	}

	for _, tt := range tests {
		t.Run(tt.marker, func(t *testing.T) {
			g, layout := newGate(t, time.Hour)
			r, err := g.Create(Subject{Item: "x.md"}, t0)
			require.NoError(t, err)

			got, changed, err := g.Check(r.ID, t0.Add(time.Minute))
			require.NoError(t, err)
			assert.False(t, changed)
			assert.Equal(t, StatusPending, got.Status)

			setMarker(t, layout, r.ID, tt.marker)
			got, changed, err = g.Check(r.ID, t0.Add(2*time.Minute))
			require.NoError(t, err)
			assert.True(t, changed)
			assert.Equal(t, tt.want, got.Status)

			_, changed, err = g.Check(r.ID, t0.Add(3*time.Minute))
			require.NoError(t, err)
			assert.False(t, changed, "resolution happens once")
		})
	}
}

func TestCheck_UnknownMarkerStaysPending(t *testing.T) {
	g, layout := newGate(t, time.Hour)
	r, err := g.Create(Subject{Item: "x.md"}, t0)
	require.NoError(t, err)

	setMarker(t, layout, r.ID, "MAYBE")
	got, changed, err := g.Check(r.ID, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusPending, got.Status)
}

func TestCheck_Timeout(t *testing.T) {
	g, layout := newGate(t, time.Hour)
	r, err := g.Create(Subject{Item: "x.md"}, t0)
	require.NoError(t, err)

	got, _, err := g.Check(r.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "exactly at the timeout is not yet expired")

	got, changed, err := g.Check(r.ID, t0.Add(61*time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusTimeout, got.Status)

	setMarker(t, layout, r.ID, "APPROVED")
	got, changed, err = g.Check(r.ID, t0.Add(62*time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusTimeout, got.Status, "a late approval never overrides a timeout")
}

func TestCheck_ApprovedStaysApproved(t *testing.T) {
	g, layout := newGate(t, time.Hour)
	r, err := g.Create(Subject{Item: "x.md"}, t0)
	require.NoError(t, err)

	setMarker(t, layout, r.ID, "APPROVED")
	_, _, err = g.Check(r.ID, t0.Add(time.Minute))
	require.NoError(t, err)

	path := filepath.Join(layout.Dir(workspace.NeedsApproval), FileName(r.ID))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), "STATUS: APPROVED", "STATUS: REJECTED", 1)), 0o600))

	got, changed, err := g.Check(r.ID, t0.Add(5*time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusApproved, got.Status)
}

func TestCheck_NotFound(t *testing.T) {
	g, _ := newGate(t, time.Hour)
	_, _, err := g.Check("approval-missing", t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheck_RecordsReviewer(t *testing.T) {
	g, layout := newGate(t, time.Hour)
	r, err := g.Create(Subject{Item: "x.md"}, t0)
	require.NoError(t, err)

	path := filepath.Join(layout.Dir(workspace.NeedsApproval), FileName(r.ID))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	edited := strings.Replace(string(data), "STATUS: PENDING", "STATUS: APPROVED", 1)
	edited = strings.Replace(edited, "REVIEWED BY: ", "REVIEWED BY: dana", 1)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o600))

	got, _, err := g.Check(r.ID, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "dana", got.Reviewer)
}

func TestScanAndArchive(t *testing.T) {
	g, layout := newGate(t, time.Hour)
	a, err := g.Create(Subject{Item: "a.md"}, t0)
	require.NoError(t, err)
	b, err := g.Create(Subject{Item: "b.md"}, t0.Add(30*time.Minute))
	require.NoError(t, err)
	c, err := g.Create(Subject{Item: "c.md"}, t0.Add(30*time.Minute))
	require.NoError(t, err)

	setMarker(t, layout, b.ID, "REJECTED")

	resolved, err := g.Scan(t0.Add(70 * time.Minute))
	require.NoError(t, err)
	statuses := map[string]Status{}
	for _, r := range resolved {
		statuses[r.Item] = r.Status
	}
	assert.Equal(t, map[string]Status{"a.md": StatusTimeout, "b.md": StatusRejected}, statuses)

	require.NoError(t, g.Archive(a.ID))
	require.NoError(t, g.Archive(a.ID), "archiving twice is a no-op")

	resolved, err = g.Scan(t0.Add(71 * time.Minute))
	require.NoError(t, err)
	require.Len(t, resolved, 1, "unarchived resolutions are reported again")
	assert.Equal(t, b.ID, resolved[0].ID)

	pending, err := g.Pending()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{b.ID, c.ID}, pending)

	archived, err := g.Load(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, archived.Status)

	assert.ErrorIs(t, g.Archive("approval-none"), ErrNotFound)
}

func TestDecide(t *testing.T) {
	g, layout := newGate(t, time.Hour)
	r, err := g.Create(Subject{Item: "x.md"}, t0)
	require.NoError(t, err)

	got, err := g.Decide(r.ID, true, "ops", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)

	data, err := os.ReadFile(filepath.Join(layout.Dir(workspace.NeedsApproval), FileName(r.ID)))
	require.NoError(t, err)
	assert.Contains(t, string(data), "STATUS: APPROVED")
	assert.Contains(t, string(data), "reviewer: ops")

	_, err = g.Decide(r.ID, false, "ops", t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestWait(t *testing.T) {
	g, layout := newGate(t, time.Hour)
	r, err := g.Create(Subject{Item: "x.md"}, time.Now())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		time.Sleep(30 * time.Millisecond)
		errc <- editMarker(layout, r.ID, "APPROVED")
	}()

	got, err := g.Wait(context.Background(), r.ID, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, StatusApproved, got.Status)
}

func TestWait_DeadlineAndTimeout(t *testing.T) {
	g, _ := newGate(t, time.Hour)
	r, err := g.Create(Subject{Item: "x.md"}, time.Now())
	require.NoError(t, err)

	got, err := g.Wait(context.Background(), r.ID, 30*time.Millisecond, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.Equal(t, StatusPending, got.Status)

	expired, err := g.Create(Subject{Item: "y.md"}, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	got, err = g.Wait(context.Background(), expired.ID, time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, got.Status, "wait and scan enforce the same timeout")
}

func TestWait_UsesGateClock(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, workspace.Initialize(root))
	layout := workspace.New(root)
	now := t0.Add(30 * time.Minute)
	g := NewGate(layout, time.Hour, func() time.Time { return now }, nil)

	r, err := g.Create(Subject{Item: "x.md"}, t0)
	require.NoError(t, err)

	// By the wall clock the request is long expired; by the gate's clock it
	// is half an hour old.
	got, err := g.Wait(context.Background(), r.ID, 30*time.Millisecond, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.Equal(t, StatusPending, got.Status)

	now = t0.Add(61 * time.Minute)
	got, err = g.Wait(context.Background(), r.ID, time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, got.Status)
}

func TestWait_ContextCanceled(t *testing.T) {
	g, _ := newGate(t, time.Hour)
	r, err := g.Create(Subject{Item: "x.md"}, time.Now())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Wait(ctx, r.ID, 0, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
}

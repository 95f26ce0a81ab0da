package loop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/steward/internal/errclass"
	"github.com/iambrandonn/steward/internal/executor"
	"github.com/iambrandonn/steward/internal/plan"
	"github.com/iambrandonn/steward/internal/risk"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPlan(descriptions ...string) *plan.Plan {
	p := &plan.Plan{
		Name:      "job.plan.md",
		Source:    "job.md",
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Status:    plan.StatusActive,
	}
	for i, d := range descriptions {
		p.Steps = append(p.Steps, plan.Step{Index: i + 1, Description: d, Status: plan.StepPending})
	}
	return p
}

// scripted replays results in order and records every call.
type scripted struct {
	results []executor.Result
	calls   []executor.Step
}

func (s *scripted) Execute(ctx context.Context, step executor.Step) executor.Result {
	s.calls = append(s.calls, step)
	if len(s.results) == 0 {
		return executor.Result{Success: true}
	}
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r
}

type recording struct {
	updates []string
}

func (r *recording) record(index int, status plan.StepStatus, result string) error {
	r.updates = append(r.updates, strings.Join([]string{string(rune('0' + index)), string(status)}, ":"))
	return nil
}

func classifier() *risk.Classifier {
	return risk.NewClassifier([]string{"payment", "delete"}, []string{"high"})
}

func TestRun_CompletesAllSteps(t *testing.T) {
	exec := &scripted{}
	rec := &recording{}
	p := newPlan("Review content", "Draft reply", "Archive item")

	report := NewRunner(exec, classifier(), rec.record, discard()).Run(context.Background(), Input{Plan: p, MaxIterations: 5})
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Equal(t, 3, report.Iterations)
	assert.Equal(t, []string{"1:completed", "2:completed", "3:completed"}, rec.updates)
	assert.True(t, p.Complete())

	require.Len(t, exec.calls, 3)
	assert.Equal(t, "job.md", exec.calls[0].Item)
	assert.True(t, strings.HasPrefix(exec.calls[0].IdempotencyKey, "ik:"))
	assert.NotEqual(t, exec.calls[0].IdempotencyKey, exec.calls[1].IdempotencyKey)
}

func TestRun_AlreadyComplete(t *testing.T) {
	p := newPlan("a step")
	p.Steps[0].Status = plan.StepCompleted
	exec := &scripted{}

	report := NewRunner(exec, classifier(), nil, discard()).Run(context.Background(), Input{Plan: p})
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Zero(t, report.Iterations)
	assert.Empty(t, exec.calls)
}

func TestRun_RiskyStepHalts(t *testing.T) {
	exec := &scripted{}
	p := newPlan("Review content", "Process payment to vendor", "Archive item")

	report := NewRunner(exec, classifier(), nil, discard()).Run(context.Background(), Input{Plan: p, MaxIterations: 5})
	assert.Equal(t, OutcomeAwaitingApproval, report.Outcome)
	assert.Equal(t, 2, report.Step)
	assert.Equal(t, []string{"Contains 'payment'"}, report.Reasons)
	assert.False(t, report.ExecutorRequested)
	assert.Len(t, exec.calls, 1, "the risky step is never executed")
}

func TestRun_ApprovedStepProceeds(t *testing.T) {
	for name, in := range map[string]Input{
		"step approved": {ApprovedSteps: []int{2}},
		"plan approved": {PlanApproved: true},
	} {
		t.Run(name, func(t *testing.T) {
			exec := &scripted{}
			in.Plan = newPlan("Review content", "Process payment to vendor")
			in.MaxIterations = 5

			report := NewRunner(exec, classifier(), nil, discard()).Run(context.Background(), in)
			assert.Equal(t, OutcomeCompleted, report.Outcome)
			assert.Len(t, exec.calls, 2)
		})
	}
}

func TestRun_ExecutorRequestsApproval(t *testing.T) {
	exec := &scripted{results: []executor.Result{{RequiresApproval: true}}}
	p := newPlan("Send reply")

	report := NewRunner(exec, classifier(), nil, discard()).Run(context.Background(), Input{Plan: p})
	assert.Equal(t, OutcomeAwaitingApproval, report.Outcome)
	assert.True(t, report.ExecutorRequested)
	assert.Equal(t, plan.StepPending, p.Steps[0].Status)
}

func TestRun_NonRetryableFailureHaltsImmediately(t *testing.T) {
	exec := &scripted{results: []executor.Result{
		{Success: true},
		{Err: errors.New("permission denied for mailbox")},
	}}
	rec := &recording{}
	p := newPlan("one", "two", "three")

	report := NewRunner(exec, classifier(), rec.record, discard()).Run(context.Background(), Input{Plan: p, MaxIterations: 5})
	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, 2, report.Step)
	assert.Equal(t, errclass.Permission, report.Category)
	assert.Len(t, exec.calls, 2)
	assert.Equal(t, []string{"1:completed", "2:failed"}, rec.updates)
	assert.Equal(t, plan.StepFailed, p.Steps[1].Status)
}

func TestRun_RetryableFailureIsReattempted(t *testing.T) {
	exec := &scripted{results: []executor.Result{
		{Err: errors.New("connection reset")},
		{Success: true},
	}}
	p := newPlan("one", "two")

	report := NewRunner(exec, classifier(), nil, discard()).Run(context.Background(), Input{Plan: p, MaxIterations: 5})
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Equal(t, 3, report.Iterations)
	assert.Equal(t, 1, exec.calls[0].Index)
	assert.Equal(t, 1, exec.calls[1].Index, "the failed step runs again")
	assert.NoError(t, report.Err)
}

func TestRun_AlwaysFailingStopsAtCap(t *testing.T) {
	for _, limit := range []int{1, 3, 5} {
		exec := &scripted{results: []executor.Result{{Err: errclass.Tag(errclass.Network, errors.New("unreachable"))}}}
		p := newPlan("one", "two")

		report := NewRunner(exec, classifier(), nil, discard()).Run(context.Background(), Input{Plan: p, MaxIterations: limit})
		assert.Equal(t, OutcomeRetry, report.Outcome, limit)
		assert.Len(t, exec.calls, limit, "exactly cap executor calls")
		assert.Equal(t, limit, report.Iterations)
		assert.Equal(t, errclass.Network, report.Category)
	}
}

func TestRun_FailureWithoutErrorStopsAtCap(t *testing.T) {
	for _, limit := range []int{1, 3, 5} {
		exec := &scripted{results: []executor.Result{{}}}
		rec := &recording{}
		p := newPlan("one", "two")

		report := NewRunner(exec, classifier(), rec.record, discard()).Run(context.Background(), Input{Plan: p, MaxIterations: limit})
		assert.Equal(t, OutcomeFailed, report.Outcome, limit)
		assert.Len(t, exec.calls, limit, "exactly cap executor calls")
		assert.Equal(t, limit, report.Iterations)
		assert.Equal(t, 1, report.Step)
		assert.Equal(t, errclass.Unknown, report.Category)
		require.Error(t, report.Err)
		assert.Len(t, rec.updates, limit)
	}
}

func TestRun_FailureWithoutErrorThenSuccess(t *testing.T) {
	exec := &scripted{results: []executor.Result{{}, {Success: true}}}
	p := newPlan("one", "two")

	report := NewRunner(exec, classifier(), nil, discard()).Run(context.Background(), Input{Plan: p, MaxIterations: 5})
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Equal(t, 3, report.Iterations)
	assert.NoError(t, report.Err)
}

func TestRun_ApprovalIsPassedToExecutor(t *testing.T) {
	exec := &scripted{}
	p := newPlan("Review content", "Send reply")

	report := NewRunner(exec, classifier(), nil, discard()).Run(context.Background(), Input{Plan: p, ApprovedSteps: []int{2}})
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	require.Len(t, exec.calls, 2)
	assert.False(t, exec.calls[0].Approved)
	assert.True(t, exec.calls[1].Approved)

	exec = &scripted{}
	NewRunner(exec, classifier(), nil, discard()).Run(context.Background(), Input{Plan: newPlan("a", "b"), PlanApproved: true})
	require.Len(t, exec.calls, 2)
	assert.True(t, exec.calls[0].Approved)
	assert.True(t, exec.calls[1].Approved)
}

func TestRun_ApprovedStepHeldAgainFails(t *testing.T) {
	exec := &scripted{results: []executor.Result{{RequiresApproval: true}}}
	rec := &recording{}
	p := newPlan("Send reply")

	report := NewRunner(exec, classifier(), rec.record, discard()).Run(context.Background(), Input{Plan: p, ApprovedSteps: []int{1}})
	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, errclass.Validation, report.Category)
	assert.False(t, report.ExecutorRequested)
	assert.Len(t, exec.calls, 1)
	assert.Equal(t, []string{"1:failed"}, rec.updates)
}

func TestRun_StallsWhenCapRunsOut(t *testing.T) {
	exec := &scripted{}
	p := newPlan("a", "b", "c", "d")

	report := NewRunner(exec, classifier(), nil, discard()).Run(context.Background(), Input{Plan: p, MaxIterations: 2})
	assert.Equal(t, OutcomeStalled, report.Outcome)
	assert.Equal(t, 3, report.Step)
	assert.Len(t, exec.calls, 2)
}

func TestRun_DefaultCap(t *testing.T) {
	exec := &scripted{results: []executor.Result{{Err: errors.New("timeout talking to api")}}}
	report := NewRunner(exec, classifier(), nil, discard()).Run(context.Background(), Input{Plan: newPlan("x")})
	assert.Equal(t, OutcomeRetry, report.Outcome)
	assert.Len(t, exec.calls, DefaultMaxIterations)
}

func TestRun_RecorderErrorFailsRun(t *testing.T) {
	exec := &scripted{}
	record := func(int, plan.StepStatus, string) error { return errors.New("disk quota exceeded") }

	report := NewRunner(exec, classifier(), record, discard()).Run(context.Background(), Input{Plan: newPlan("x")})
	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Error(t, report.Err)
}

func TestRun_CancelledBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := executor.Func(func(stepCtx context.Context, s executor.Step) executor.Result {
		cancel()
		assert.NoError(t, stepCtx.Err(), "a running step is not interrupted")
		return executor.Result{Success: true}
	})
	p := newPlan("a", "b")

	report := NewRunner(exec, classifier(), nil, discard()).Run(ctx, Input{Plan: p})
	assert.Equal(t, OutcomeStalled, report.Outcome)
	assert.Equal(t, plan.StepCompleted, p.Steps[0].Status)
	assert.Equal(t, 2, report.Step)
}

// Package runstate persists what the execution loop knows about each item
// between cycles: approvals granted, iterations spent, and the last failure.
package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"time"

	"github.com/iambrandonn/steward/internal/fsutil"
)

// Status represents where an item stands in the loop
type Status string

const (
	StatusActive           Status = "active"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusStalled          Status = "stalled"
	StatusRetryPending     Status = "retry_pending"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// TaskState is the loop's memory of one work item.
type TaskState struct {
	Item          string    `json:"item"`
	Plan          string    `json:"plan"`
	Status        Status    `json:"status"`
	Iterations    int       `json:"iterations"`
	ApprovalID    string    `json:"approval_id,omitempty"`
	ApprovalStep  int       `json:"approval_step,omitempty"`
	PlanApproved  bool      `json:"plan_approved,omitempty"`
	ApprovedSteps []int     `json:"approved_steps,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ApproveStep records a granted step approval. Step 0 approves the whole plan.
func (t *TaskState) ApproveStep(step int) {
	if step <= 0 {
		t.PlanApproved = true
		return
	}
	if !slices.Contains(t.ApprovedSteps, step) {
		t.ApprovedSteps = append(t.ApprovedSteps, step)
		slices.Sort(t.ApprovedSteps)
	}
}

// LoopState is the persisted state of every item the loop is tracking.
type LoopState struct {
	Tasks     map[string]*TaskState `json:"tasks"`
	UpdatedAt time.Time             `json:"updated_at"`

	path string
}

// New returns an empty state bound to path.
func New(path string) *LoopState {
	return &LoopState{Tasks: make(map[string]*TaskState), path: path}
}

// Load reads state from disk. A missing file yields an empty state.
func Load(path string) (*LoopState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(path), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read loop state: %w", err)
	}

	state := New(path)
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal loop state: %w", err)
	}

	// Initialize map if nil
	if state.Tasks == nil {
		state.Tasks = make(map[string]*TaskState)
	}
	for name, t := range state.Tasks {
		if t == nil {
			delete(state.Tasks, name)
			continue
		}
		t.Item = name
	}
	return state, nil
}

// Save writes state to disk atomically
func (s *LoopState) Save() error {
	s.UpdatedAt = time.Now().UTC()
	return fsutil.AtomicWriteJSON(s.path, s)
}

// Get returns the task for item, if tracked.
func (s *LoopState) Get(item string) (*TaskState, bool) {
	t, ok := s.Tasks[item]
	return t, ok
}

// Task returns the task for item, creating it if needed.
func (s *LoopState) Task(item, plan string, now time.Time) *TaskState {
	t, ok := s.Tasks[item]
	if !ok {
		t = &TaskState{Item: item, Status: StatusActive}
		s.Tasks[item] = t
	}
	if plan != "" {
		t.Plan = plan
	}
	t.UpdatedAt = now.UTC()
	return t
}

// FindByApproval returns the task waiting on the given approval request.
func (s *LoopState) FindByApproval(id string) (*TaskState, bool) {
	for _, t := range s.Tasks {
		if t.ApprovalID == id {
			return t, true
		}
	}
	return nil, false
}

// Forget stops tracking item.
func (s *LoopState) Forget(item string) bool {
	if _, ok := s.Tasks[item]; !ok {
		return false
	}
	delete(s.Tasks, item)
	return true
}

// Items returns tracked item names in sorted order.
func (s *LoopState) Items() []string {
	names := make([]string, 0, len(s.Tasks))
	for name := range s.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByStatus returns the tracked items with the given status, sorted.
func (s *LoopState) ByStatus(status Status) []string {
	var names []string
	for _, name := range s.Items() {
		if s.Tasks[name].Status == status {
			names = append(names, name)
		}
	}
	return names
}

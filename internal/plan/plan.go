// Package plan builds, renders and persists execution plans. A plan is
// written once; afterwards only individual step statuses and results change.
package plan

import (
	"fmt"
	"time"

	"github.com/iambrandonn/steward/internal/analyzer"
	"github.com/iambrandonn/steward/internal/workitem"
)

// StepStatus is the marker rendered next to each step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// ParseStepStatus accepts the three step markers.
func ParseStepStatus(s string) (StepStatus, error) {
	switch StepStatus(s) {
	case StepPending, StepCompleted, StepFailed:
		return StepStatus(s), nil
	}
	return "", fmt.Errorf("invalid step status %q", s)
}

// Status is the plan-level lifecycle.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Step is one unit of work in a plan. Index is 1-based and fixed at build time.
type Step struct {
	Index       int        `json:"index"`
	Description string     `json:"description"`
	Details     string     `json:"details,omitempty"`
	Status      StepStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
}

// Plan is the persisted execution plan for one work item.
type Plan struct {
	Name          string
	Source        string
	Title         string
	CreatedAt     time.Time
	Status        Status
	TaskType      analyzer.ItemType
	Priority      string
	IsRisky       bool
	RiskReasons   []string
	MaxIterations int
	ApprovalID    string
	Steps         []Step
}

// FileName returns the plan file name for an item.
func FileName(item string) string {
	return workitem.Stem(item) + ".plan.md"
}

// NextStep returns the first step that is not completed.
func (p *Plan) NextStep() (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].Status != StepCompleted {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// Complete reports whether every step is completed.
func (p *Plan) Complete() bool {
	_, pending := p.NextStep()
	return !pending
}

// Step returns the step with the given index.
func (p *Plan) Step(index int) (*Step, error) {
	for i := range p.Steps {
		if p.Steps[i].Index == index {
			return &p.Steps[i], nil
		}
	}
	return nil, fmt.Errorf("plan %s has no step %d", p.Name, index)
}

// Counts returns the number of steps per status.
func (p *Plan) Counts() map[StepStatus]int {
	counts := map[StepStatus]int{}
	for _, s := range p.Steps {
		counts[s.Status]++
	}
	return counts
}

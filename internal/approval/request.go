// Package approval gates risky plans and steps behind a human decision.
//
// A request is a file in Needs_Approval. Reviewers decide by editing its
// STATUS line; the gate notices on the next poll. Requests nobody decides
// on time out and count as refused.
package approval

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTransition is returned for any transition out of a terminal status.
	ErrInvalidTransition = errors.New("approval: invalid transition")
	// ErrNotFound is returned when no request with the given id exists.
	ErrNotFound = errors.New("approval: request not found")
)

// Status is the lifecycle of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusTimeout:
		return true
	}
	return false
}

// NoStep marks a request that covers a whole plan rather than one step.
const NoStep = -1

// Request is one approval request.
type Request struct {
	ID          string
	CreatedAt   time.Time
	Subject     string
	Item        string
	Plan        string
	Step        int
	RiskReasons []string
	Status      Status
	ResolvedAt  time.Time
	Reviewer    string
}

// Transition moves a pending request to a terminal status.
func (r *Request) Transition(to Status, at time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, r.ID, r.Status)
	}
	if !to.Terminal() {
		return fmt.Errorf("%w: %s cannot move to %s", ErrInvalidTransition, r.ID, to)
	}
	r.Status = to
	r.ResolvedAt = at.UTC()
	return nil
}

// Age returns how long the request has existed at now.
func (r *Request) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// FileName is the artifact name for a request id.
func FileName(id string) string {
	return id + ".md"
}

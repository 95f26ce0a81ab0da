package approval

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/iambrandonn/steward/internal/frontmatter"
)

const headerType = "approval_request"

const separator = "----------------------------------------"

var (
	statusLine   = regexp.MustCompile(`(?m)^[ \t]*STATUS:[ \t]*([A-Za-z_]*)[ \t]*$`)
	reviewerLine = regexp.MustCompile(`(?m)^[ \t]*REVIEWED BY:[ \t]*(.*)$`)
)

// Marker is the reviewer-editable value of the STATUS line.
type Marker string

const (
	MarkerPending  Marker = "PENDING"
	MarkerApproved Marker = "APPROVED"
	MarkerRejected Marker = "REJECTED"
)

type header struct {
	Type        string   `yaml:"type"`
	ID          string   `yaml:"id"`
	Subject     string   `yaml:"subject"`
	Item        string   `yaml:"item"`
	Plan        string   `yaml:"plan,omitempty"`
	Step        int      `yaml:"step"`
	Status      string   `yaml:"status"`
	CreatedAt   string   `yaml:"created_at"`
	ExpiresAt   string   `yaml:"expires_at,omitempty"`
	ResolvedAt  string   `yaml:"resolved_at,omitempty"`
	Reviewer    string   `yaml:"reviewer,omitempty"`
	RiskReasons []string `yaml:"risk_reasons,omitempty"`
}

// render writes a fresh request artifact.
func render(r *Request, timeout time.Duration) ([]byte, error) {
	var body bytes.Buffer
	fmt.Fprintf(&body, "# Approval Required: %s\n\n", r.Subject)
	fmt.Fprintf(&body, "Item: %s\n", r.Item)
	if r.Plan != "" {
		fmt.Fprintf(&body, "Plan: %s\n", r.Plan)
	}
	if r.Step != NoStep {
		fmt.Fprintf(&body, "Step: %d\n", r.Step)
	}
	fmt.Fprintf(&body, "Requested: %s\n", r.CreatedAt.UTC().Format(time.RFC3339))
	if timeout > 0 {
		fmt.Fprintf(&body, "Expires: %s\n", r.CreatedAt.Add(timeout).UTC().Format(time.RFC3339))
	}

	body.WriteString("\n## Why this needs review\n\n")
	for _, reason := range r.RiskReasons {
		fmt.Fprintf(&body, "- %s\n", reason)
	}

	body.WriteString("\n## Decision\n\n")
	body.WriteString("Change PENDING below to APPROVED or REJECTED and save this file.\n")
	body.WriteString("Requests left PENDING past the expiry are treated as rejected.\n\n")
	body.WriteString(separator + "\n")
	fmt.Fprintf(&body, "STATUS: %s\n", MarkerPending)
	body.WriteString(separator + "\n\n")
	body.WriteString("REVIEWED BY: \n")

	return frontmatter.Encode(toHeader(r, timeout), body.Bytes())
}

// rewrite keeps the reviewer-facing body and replaces the header with r.
// When marker is set the STATUS line is rewritten too.
func rewrite(r *Request, timeout time.Duration, body []byte, marker Marker) ([]byte, error) {
	if marker != "" {
		replaced := false
		body = statusLine.ReplaceAllFunc(body, func(line []byte) []byte {
			if replaced {
				return line
			}
			replaced = true
			return []byte("STATUS: " + string(marker))
		})
		if !replaced {
			body = append(body, []byte("\nSTATUS: "+string(marker)+"\n")...)
		}
	}
	return frontmatter.Encode(toHeader(r, timeout), body)
}

func toHeader(r *Request, timeout time.Duration) header {
	h := header{
		Type:        headerType,
		ID:          r.ID,
		Subject:     r.Subject,
		Item:        r.Item,
		Plan:        r.Plan,
		Step:        r.Step,
		Status:      string(r.Status),
		CreatedAt:   r.CreatedAt.UTC().Format(time.RFC3339),
		Reviewer:    r.Reviewer,
		RiskReasons: r.RiskReasons,
	}
	if timeout > 0 {
		h.ExpiresAt = r.CreatedAt.Add(timeout).UTC().Format(time.RFC3339)
	}
	if !r.ResolvedAt.IsZero() {
		h.ResolvedAt = r.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return h
}

// parse reads a request artifact. It returns the request as recorded in the
// header, the reviewer's STATUS marker, and the body for rewriting.
func parse(content []byte) (*Request, Marker, []byte, error) {
	var h header
	body, err := frontmatter.Decode(content, &h)
	if err != nil {
		return nil, "", nil, err
	}
	if h.Type != headerType {
		return nil, "", nil, fmt.Errorf("unexpected artifact type %q", h.Type)
	}

	created, err := time.Parse(time.RFC3339, h.CreatedAt)
	if err != nil {
		return nil, "", nil, fmt.Errorf("invalid created_at: %w", err)
	}

	r := &Request{
		ID:          h.ID,
		CreatedAt:   created,
		Subject:     h.Subject,
		Item:        h.Item,
		Plan:        h.Plan,
		Step:        h.Step,
		RiskReasons: h.RiskReasons,
		Status:      Status(h.Status),
		Reviewer:    h.Reviewer,
	}
	if h.ResolvedAt != "" {
		if t, err := time.Parse(time.RFC3339, h.ResolvedAt); err == nil {
			r.ResolvedAt = t
		}
	}
	switch r.Status {
	case StatusPending, StatusApproved, StatusRejected, StatusTimeout:
	default:
		return nil, "", nil, fmt.Errorf("invalid status %q", h.Status)
	}

	return r, readMarker(body), body, nil
}

// readMarker returns the first STATUS line's value. Anything other than
// APPROVED or REJECTED reads as PENDING.
func readMarker(body []byte) Marker {
	m := statusLine.FindSubmatch(body)
	if m == nil {
		return MarkerPending
	}
	switch Marker(strings.ToUpper(string(m[1]))) {
	case MarkerApproved:
		return MarkerApproved
	case MarkerRejected:
		return MarkerRejected
	}
	return MarkerPending
}

func readReviewer(body []byte) string {
	m := reviewerLine.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(string(m[1]))
}

// Package workitem implements the directory-backed work item queue. Items
// are plain files; their lifecycle state is the directory that holds them
// and a state change is a single rename.
package workitem

import (
	"path/filepath"
	"strings"

	"github.com/iambrandonn/steward/internal/workspace"
)

// Header keys the engine understands. Anything else in an item header is
// carried along untouched.
const (
	KeyType      = "type"
	KeyStatus    = "status"
	KeyPriority  = "priority"
	KeyCreatedAt = "created_at"
	KeyRelated   = "related"
)

// Item statuses written by the engine.
const (
	StatusPlanned          = "planned"
	StatusInProgress       = "in_progress"
	StatusAwaitingApproval = "awaiting_approval"
	StatusCompleted        = "completed"
	StatusRejected         = "rejected"
	StatusTimeout          = "timeout"
	StatusFailed           = "failed"
	StatusRetryPending     = "retry_pending"
	StatusPermanentFailure = "permanent_failure"
)

// Header is the structured part of an item.
type Header struct {
	Type      string
	Status    string
	Priority  string
	CreatedAt string
	Related   string
	Extra     map[string]string
}

// Item is a work item read from one of the lifecycle directories.
type Item struct {
	Name   string
	State  workspace.State
	Path   string
	Header Header
	Body   string

	// Warnings collects non-fatal problems found while reading the item,
	// such as a malformed header.
	Warnings []string
}

// Stem is the item name without its extension. Plans and approvals derive
// their file names from it.
func Stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func headerFromFields(fields map[string]string) Header {
	h := Header{
		Type:      fields[KeyType],
		Status:    fields[KeyStatus],
		Priority:  fields[KeyPriority],
		CreatedAt: fields[KeyCreatedAt],
		Related:   fields[KeyRelated],
	}
	for k, v := range fields {
		switch k {
		case KeyType, KeyStatus, KeyPriority, KeyCreatedAt, KeyRelated:
			continue
		}
		if h.Extra == nil {
			h.Extra = map[string]string{}
		}
		h.Extra[k] = v
	}
	return h
}

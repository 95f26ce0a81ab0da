package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// State names one lifecycle directory of the vault. An item lives in exactly
// one state at a time.
type State string

const (
	Inbox         State = "Inbox"
	NeedsAction   State = "Needs_Action"
	NeedsApproval State = "Needs_Approval"
	Done          State = "Done"
	Errors        State = "Errors"
)

// States returns the lifecycle states in pipeline order.
func States() []State {
	return []State{Inbox, NeedsAction, NeedsApproval, Done, Errors}
}

// ParseState maps a directory name back to a State.
func ParseState(s string) (State, error) {
	for _, st := range States() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown state %q", s)
}

// Layout resolves well-known paths inside a vault root.
type Layout struct {
	Root string
}

// New returns the layout rooted at root.
func New(root string) Layout {
	return Layout{Root: root}
}

// Dir returns the directory backing a lifecycle state.
func (l Layout) Dir(s State) string { return filepath.Join(l.Root, string(s)) }

func (l Layout) PlansDir() string  { return filepath.Join(l.Root, "Plans") }
func (l Layout) LogsDir() string   { return filepath.Join(l.Root, "Logs") }
func (l Layout) StateDir() string  { return filepath.Join(l.Root, "state") }
func (l Layout) LedgerDir() string { return filepath.Join(l.StateDir(), "ledger") }

func (l Layout) RetryQueuePath() string { return filepath.Join(l.StateDir(), "retry_queue.json") }
func (l Layout) LoopStatePath() string  { return filepath.Join(l.StateDir(), "loop.json") }
func (l Layout) LockPath() string       { return filepath.Join(l.StateDir(), "steward.lock") }

func (l Layout) ErrorLogPath() string  { return filepath.Join(l.LogsDir(), "errors.jsonl") }
func (l Layout) ActionLogPath() string { return filepath.Join(l.LogsDir(), "actions.jsonl") }
func (l Layout) LogFilePath() string   { return filepath.Join(l.LogsDir(), "steward.log") }

// GetRequiredDirectories returns the directories that must exist in a vault,
// relative to its root.
func GetRequiredDirectories() []string {
	return []string{
		string(Inbox),         // new items dropped by producers
		string(NeedsAction),   // analyzed items being executed
		string(NeedsApproval), // live approval requests
		string(Done),          // archived items, plans and resolved approvals
		string(Errors),        // quarantined items
		"Plans",               // active plans
		"Logs",                // errors.jsonl, actions.jsonl
		"state",               // retry_queue.json, loop.json, steward.lock
		"state/ledger",        // <stage>.log dedup ledgers
	}
}

// Initialize creates every required directory with 0700 permissions.
// Safe to call on an existing vault.
func Initialize(root string) error {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(root, dir)
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// IsInitialized reports whether every required directory exists.
func IsInitialized(root string) (bool, error) {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(root, dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}

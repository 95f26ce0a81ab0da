// Package retry keeps the durable queue of items waiting for another attempt
// after a transient failure.
package retry

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/iambrandonn/steward/internal/errclass"
	"github.com/iambrandonn/steward/internal/fsutil"
	"github.com/iambrandonn/steward/internal/workitem"
	"github.com/iambrandonn/steward/internal/workspace"
)

//go:embed schema.json
var schemaJSON []byte

// Entry is one queued retry.
type Entry struct {
	Filename    string            `json:"filename"`
	Source      workspace.State   `json:"source"`
	Category    errclass.Category `json:"category"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	RetryTime   time.Time         `json:"retry_time"`
	CreatedAt   time.Time         `json:"created_at"`
	Detail      string            `json:"detail,omitempty"`
}

// Exhausted reports whether the entry has no attempts left.
func (e Entry) Exhausted() bool {
	return e.Attempts >= e.MaxAttempts
}

type document struct {
	PendingRetries []Entry `json:"pending_retries"`
}

// Mover is the part of the item store the queue needs to shuttle items
// between Errors and their source state.
type Mover interface {
	Move(name string, from, to workspace.State) error
	SetStatus(state workspace.State, name, status string, extra map[string]string) error
	Locate(name string) (workspace.State, bool)
}

// Action is what Process did with one due entry.
type Action string

const (
	// ActionRetried moved the item back to its source state.
	ActionRetried Action = "retried"
	// ActionQuarantined gave up on the item for good.
	ActionQuarantined Action = "quarantined"
	// ActionDeferred pushed the entry back because the item is still in flight.
	ActionDeferred Action = "deferred"
	// ActionDropped removed the entry because the item finished or vanished.
	ActionDropped Action = "dropped"
)

// Result reports the handling of one due entry.
type Result struct {
	Entry  Entry
	Action Action
	Err    error
}

// Queue is the in-memory view of state/retry_queue.json.
type Queue struct {
	path        string
	delay       time.Duration
	maxAttempts int
	entries     []Entry
	logger      *slog.Logger
}

// Load reads the queue at path, validating it against the embedded schema.
// A missing file yields an empty queue.
func Load(path string, delay time.Duration, maxAttempts int, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{path: path, delay: delay, maxAttempts: maxAttempts, logger: logger}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read retry queue: %w", err)
	}
	if err := validate(data); err != nil {
		return nil, fmt.Errorf("retry queue %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse retry queue: %w", err)
	}
	q.entries = doc.PendingRetries
	return q, nil
}

// Save atomically rewrites the queue file.
func (q *Queue) Save() error {
	doc := document{PendingRetries: q.entries}
	if doc.PendingRetries == nil {
		doc.PendingRetries = []Entry{}
	}
	return fsutil.AtomicWriteJSON(q.path, doc)
}

// Entries returns a copy of the queued entries, ordered by retry time.
func (q *Queue) Entries() []Entry {
	out := append([]Entry(nil), q.entries...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RetryTime.Equal(out[j].RetryTime) {
			return out[i].Filename < out[j].Filename
		}
		return out[i].RetryTime.Before(out[j].RetryTime)
	})
	return out
}

// Len returns the number of queued entries.
func (q *Queue) Len() int { return len(q.entries) }

// Get returns the entry for name.
func (q *Queue) Get(name string) (Entry, bool) {
	for _, e := range q.entries {
		if e.Filename == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Enqueue adds an entry for name with one attempt used. It reports false
// when the item is already queued; the existing entry is left as is.
func (q *Queue) Enqueue(name string, source workspace.State, category errclass.Category, detail string, now time.Time) bool {
	if _, ok := q.Get(name); ok {
		return false
	}
	now = now.UTC()
	q.entries = append(q.entries, Entry{
		Filename:    name,
		Source:      source,
		Category:    category,
		Attempts:    1,
		MaxAttempts: q.maxAttempts,
		RetryTime:   now.Add(q.delay),
		CreatedAt:   now,
		Detail:      detail,
	})
	q.logger.Info("retry queued", "item", name, "category", category, "retry_time", now.Add(q.delay))
	return true
}

// DequeueDue returns the entries whose retry time has arrived. The queue is
// not modified.
func (q *Queue) DequeueDue(now time.Time) []Entry {
	var due []Entry
	for _, e := range q.Entries() {
		if !now.Before(e.RetryTime) {
			due = append(due, e)
		}
	}
	return due
}

// Resolve drops the entry for an item that succeeded.
func (q *Queue) Resolve(name string) bool {
	return q.Remove(name)
}

// Remove drops the entry for name, reporting whether one existed.
func (q *Queue) Remove(name string) bool {
	for i, e := range q.entries {
		if e.Filename == name {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Process handles every due entry. Exhausted entries are removed and their
// items permanently quarantined in Errors. The others move their item from
// Errors back to its source state and use up one more attempt. Items that are
// not in Errors are still being worked on and wait for the next pass, unless
// they already reached Done. Callers Save afterwards.
func (q *Queue) Process(now time.Time, items Mover) []Result {
	var results []Result
	for _, e := range q.DequeueDue(now) {
		res := q.processOne(e, now, items)
		results = append(results, res)
		if res.Err != nil {
			q.logger.Warn("retry failed", "item", e.Filename, "action", res.Action, "error", res.Err)
			continue
		}
		q.logger.Info("retry processed", "item", e.Filename, "action", res.Action, "attempts", res.Entry.Attempts)
	}
	return results
}

func (q *Queue) processOne(e Entry, now time.Time, items Mover) Result {
	where, found := items.Locate(e.Filename)
	switch {
	case !found:
		q.Remove(e.Filename)
		return Result{Entry: e, Action: ActionDropped, Err: fmt.Errorf("%s: %w", e.Filename, workitem.ErrNotFound)}
	case where == workspace.Done:
		q.Remove(e.Filename)
		return Result{Entry: e, Action: ActionDropped}
	}

	if e.Exhausted() {
		q.Remove(e.Filename)
		if where != workspace.Errors {
			if err := items.Move(e.Filename, where, workspace.Errors); err != nil {
				return Result{Entry: e, Action: ActionQuarantined, Err: err}
			}
		}
		err := items.SetStatus(workspace.Errors, e.Filename, workitem.StatusPermanentFailure, map[string]string{
			"error_category": string(e.Category),
		})
		return Result{Entry: e, Action: ActionQuarantined, Err: err}
	}

	if where != workspace.Errors {
		e = q.update(e.Filename, func(entry *Entry) { entry.RetryTime = now.UTC().Add(q.delay) })
		return Result{Entry: e, Action: ActionDeferred}
	}

	if err := items.Move(e.Filename, workspace.Errors, e.Source); err != nil {
		return Result{Entry: e, Action: ActionRetried, Err: err}
	}
	e = q.update(e.Filename, func(entry *Entry) {
		entry.Attempts++
		entry.RetryTime = now.UTC().Add(q.delay)
	})
	err := items.SetStatus(e.Source, e.Filename, workitem.StatusRetryPending, map[string]string{
		"retry_attempt": fmt.Sprintf("%d", e.Attempts),
	})
	return Result{Entry: e, Action: ActionRetried, Err: err}
}

func (q *Queue) update(name string, fn func(*Entry)) Entry {
	for i := range q.entries {
		if q.entries[i].Filename == name {
			fn(&q.entries[i])
			return q.entries[i]
		}
	}
	return Entry{}
}

var schema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("retry_queue.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile("retry_queue.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
})

func validate(data []byte) error {
	s, err := schema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := s.Validate(inst); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// Package eventlog appends the durable JSONL records under Logs/: one line
// per classified error and one per engine action.
package eventlog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/iambrandonn/steward/internal/errclass"
	"github.com/iambrandonn/steward/internal/ndjson"
)

// ErrorRecord is one line of Logs/errors.jsonl.
type ErrorRecord struct {
	Timestamp time.Time         `json:"timestamp"`
	Item      string            `json:"item"`
	Stage     string            `json:"stage"`
	Category  errclass.Category `json:"category"`
	Retryable bool              `json:"retryable"`
	Message   string            `json:"message"`
	Detail    string            `json:"detail,omitempty"`
}

// Action names for ActionRecord.
const (
	ActionPlanCreated      = "plan_created"
	ActionStepCompleted    = "step_completed"
	ActionStepFailed       = "step_failed"
	ActionApprovalRequest  = "approval_requested"
	ActionApprovalResolved = "approval_resolved"
	ActionArchived         = "archived"
	ActionQuarantined      = "quarantined"
	ActionRetried          = "retried"
	ActionRecovered        = "recovered"
	ActionRepaired         = "repaired"
)

// ActionRecord is one line of Logs/actions.jsonl.
type ActionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Item      string    `json:"item,omitempty"`
	Plan      string    `json:"plan,omitempty"`
	Step      int       `json:"step,omitempty"`
	Approval  string    `json:"approval,omitempty"`
	Status    string    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// EventLog appends JSON lines to a file and syncs after each one.
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewEventLog opens logPath for appending, creating it and its directory as
// needed.
func NewEventLog(logPath string, logger *slog.Logger) (*EventLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLog{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// WriteError appends an error record. The category's retryability is filled
// in from the category.
func (l *EventLog) WriteError(rec ErrorRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Retryable = rec.Category.Retryable()
	return l.write(rec)
}

// WriteAction appends an action record.
func (l *EventLog) WriteAction(rec ActionRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return l.write(rec)
}

func (l *EventLog) write(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.encoder.Encode(v); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	return nil
}

// Close closes the log file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// ReadErrors returns every well-formed record in an error log, oldest first.
// Malformed lines are skipped and counted.
func ReadErrors(path string, logger *slog.Logger) ([]ErrorRecord, int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open error log: %w", err)
	}
	defer f.Close()

	var records []ErrorRecord
	skipped := 0
	dec := ndjson.NewDecoder(f, logger)
	for {
		var rec ErrorRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if ndjson.IsMalformed(err) {
			skipped++
			continue
		}
		if err != nil {
			return records, skipped, fmt.Errorf("failed to read error log: %w", err)
		}
		records = append(records, rec)
	}
	return records, skipped, nil
}

// Stats summarizes an error log.
type Stats struct {
	Total      int            `json:"total"`
	ByCategory map[string]int `json:"by_category"`
	ByStage    map[string]int `json:"by_stage"`
	Skipped    int            `json:"skipped,omitempty"`
	Last       *ErrorRecord   `json:"last,omitempty"`
}

// Categories returns the category names present in s, sorted.
func (s Stats) Categories() []string {
	keys := make([]string, 0, len(s.ByCategory))
	for k := range s.ByCategory {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ReadStats counts the records of an error log by category and stage.
func ReadStats(path string, logger *slog.Logger) (Stats, error) {
	records, skipped, err := ReadErrors(path, logger)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Total:      len(records),
		ByCategory: map[string]int{},
		ByStage:    map[string]int{},
		Skipped:    skipped,
	}
	for _, r := range records {
		s.ByCategory[string(r.Category)]++
		s.ByStage[r.Stage]++
	}
	if len(records) > 0 {
		last := records[len(records)-1]
		s.Last = &last
	}
	return s, nil
}

// Package ledger keeps the per-stage dedup record of item ids. A ledger file
// is a newline-delimited list of ids that only ever grows; presence of an id
// means the stage already attempted that item and must skip it.
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/iambrandonn/steward/internal/fsutil"
)

// StagePlan is the stage that turns Inbox items into plans.
const StagePlan = "plan"

const (
	fileExt = ".log"
	// maxLine bounds a single id; item names are file names.
	maxLine = 64 * 1024
)

// Ledger is the in-memory view of one stage's ledger, loaded at the start
// of a cycle.
type Ledger struct {
	stage string
	path  string
	ids   map[string]struct{}
}

// Path returns the file backing stage inside dir.
func Path(dir, stage string) string {
	return filepath.Join(dir, stage+fileExt)
}

// Load reads the stage ledger from dir. A missing file is an empty ledger.
func Load(dir, stage string) (*Ledger, error) {
	if err := validateStage(stage); err != nil {
		return nil, err
	}

	l := &Ledger{
		stage: stage,
		path:  Path(dir, stage),
		ids:   make(map[string]struct{}),
	}

	file, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 4096), maxLine)
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id == "" {
			continue
		}
		l.ids[id] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading ledger %s: %w", stage, err)
	}

	return l, nil
}

// Stage returns the stage name.
func (l *Ledger) Stage() string { return l.stage }

// Has reports whether id was already recorded for this stage.
func (l *Ledger) Has(id string) bool {
	_, ok := l.ids[id]
	return ok
}

// Record appends id to the ledger and fsyncs it. It must be called before the
// stage triggers any side effect for id. Recording a known id is a no-op.
func (l *Ledger) Record(id string) error {
	if id == "" || strings.ContainsAny(id, "\r\n") {
		return fmt.Errorf("invalid ledger id %q", id)
	}
	if l.Has(id) {
		return nil
	}
	if err := fsutil.AppendLine(l.path, []byte(id)); err != nil {
		return fmt.Errorf("failed to record %s in %s ledger: %w", id, l.stage, err)
	}
	l.ids[id] = struct{}{}
	return nil
}

// Len returns the number of recorded ids.
func (l *Ledger) Len() int { return len(l.ids) }

// IDs returns the recorded ids sorted.
func (l *Ledger) IDs() []string {
	out := make([]string, 0, len(l.ids))
	for id := range l.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clear empties a stage ledger. This is the only operation that removes ids
// and is meant for administrators.
func Clear(dir, stage string) error {
	if err := validateStage(stage); err != nil {
		return err
	}
	if err := fsutil.AtomicWrite(Path(dir, stage), nil); err != nil {
		return fmt.Errorf("failed to clear %s ledger: %w", stage, err)
	}
	return nil
}

// Stages lists the stages that have a ledger file in dir.
func Stages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var stages []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || fsutil.IsTempName(name) || filepath.Ext(name) != fileExt {
			continue
		}
		stages = append(stages, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(stages)
	return stages, nil
}

func validateStage(stage string) error {
	if stage == "" || strings.ContainsAny(stage, `/\. `) {
		return fmt.Errorf("invalid ledger stage %q", stage)
	}
	return nil
}

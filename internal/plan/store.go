package plan

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/iambrandonn/steward/internal/fsutil"
	"github.com/iambrandonn/steward/internal/workspace"
)

var (
	// ErrNotFound is returned when no plan with the given name exists.
	ErrNotFound = errors.New("plan: not found")
	// ErrExists is returned by Create when the plan was already written.
	ErrExists = errors.New("plan: already exists")
)

// Store persists plans under Plans/ and archives them into Done/.
type Store struct {
	dir     string
	doneDir string
}

// NewStore creates a plan store for a vault.
func NewStore(layout workspace.Layout) *Store {
	return &Store{
		dir:     layout.PlansDir(),
		doneDir: layout.Dir(workspace.Done),
	}
}

// Create writes a new plan. Plans are append-once: an existing plan with the
// same name is never replaced.
func (s *Store) Create(p *Plan) error {
	if s.Exists(p.Name) {
		return fmt.Errorf("%s: %w", p.Name, ErrExists)
	}
	return s.Save(p)
}

// Save atomically rewrites an active plan.
func (s *Store) Save(p *Plan) error {
	path, err := fsutil.ResolveWithin(s.dir, p.Name)
	if err != nil {
		return err
	}
	data, err := Render(p)
	if err != nil {
		return err
	}
	if err := fsutil.AtomicWrite(path, data); err != nil {
		return fmt.Errorf("failed to write plan %s: %w", p.Name, err)
	}
	return nil
}

// Load reads an active plan.
func (s *Store) Load(name string) (*Plan, error) {
	return load(s.dir, name)
}

// LoadArchived reads a plan that was already moved to Done.
func (s *Store) LoadArchived(name string) (*Plan, error) {
	return load(s.doneDir, name)
}

// UpdateStep changes one step's status and result and persists the plan.
// Step order and the other steps are left as they are.
func (s *Store) UpdateStep(name string, index int, status StepStatus, result string) (*Plan, error) {
	p, err := s.Load(name)
	if err != nil {
		return nil, err
	}
	step, err := p.Step(index)
	if err != nil {
		return nil, err
	}
	step.Status = status
	step.Result = result
	if err := s.Save(p); err != nil {
		return nil, err
	}
	return p, nil
}

// SetStatus updates the plan-level status.
func (s *Store) SetStatus(name string, status Status) (*Plan, error) {
	p, err := s.Load(name)
	if err != nil {
		return nil, err
	}
	p.Status = status
	if err := s.Save(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Archive moves an active plan into Done.
func (s *Store) Archive(name string) error {
	src, err := fsutil.ResolveWithin(s.dir, name)
	if err != nil {
		return err
	}
	dst, err := fsutil.ResolveWithin(s.doneDir, name)
	if err != nil {
		return err
	}
	if err := fsutil.Move(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return err
	}
	return nil
}

// Exists reports whether an active plan named name exists.
func (s *Store) Exists(name string) bool {
	return exists(s.dir, name)
}

// Archived reports whether the plan was already moved to Done.
func (s *Store) Archived(name string) bool {
	return exists(s.doneDir, name)
}

// List returns the names of all active plans, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && !fsutil.IsTempName(e.Name()) && strings.HasSuffix(e.Name(), ".plan.md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func load(dir, name string) (*Plan, error) {
	path, err := fsutil.ResolveWithin(dir, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s in %s: %w", name, filepath.Base(dir), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", name, err)
	}
	return Parse(name, data)
}

func exists(dir, name string) bool {
	path, err := fsutil.ResolveWithin(dir, name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

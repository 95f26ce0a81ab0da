package workitem

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/iambrandonn/steward/internal/frontmatter"
	"github.com/iambrandonn/steward/internal/fsutil"
	"github.com/iambrandonn/steward/internal/workspace"
)

var (
	// ErrNotFound is returned when an item is not in the expected state,
	// usually because a concurrent consumer already moved it.
	ErrNotFound = errors.New("workitem: not found")
	// ErrExists is returned when the destination state already holds an
	// item with the same name.
	ErrExists = errors.New("workitem: already exists")
)

// Seen reports whether an item id was already claimed by a stage.
type Seen interface {
	Has(id string) bool
}

// Store moves items between the lifecycle directories of a vault.
type Store struct {
	layout  workspace.Layout
	include []string
	ignore  []string
	logger  *slog.Logger
}

// NewStore creates a store over layout. include and ignore are doublestar
// patterns matched against item names; an empty include matches everything.
func NewStore(layout workspace.Layout, include, ignore []string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		layout:  layout,
		include: include,
		ignore:  ignore,
		logger:  logger,
	}
}

// Layout returns the vault layout the store operates on.
func (s *Store) Layout() workspace.Layout {
	return s.layout
}

// List returns the names of all regular, non-hidden files in state, sorted.
func (s *Store) List(state workspace.State) ([]string, error) {
	entries, err := os.ReadDir(s.layout.Dir(state))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", state, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || fsutil.IsTempName(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ListNew returns the items in state that match the intake patterns and have
// not been claimed according to seen. A nil seen claims nothing.
func (s *Store) ListNew(state workspace.State, seen Seen) ([]string, error) {
	names, err := s.List(state)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, name := range names {
		if !s.matches(name) {
			continue
		}
		if seen != nil && seen.Has(name) {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

// Read loads an item. A malformed header is not an error; the item is
// returned with an empty header and a warning.
func (s *Store) Read(state workspace.State, name string) (*Item, error) {
	path, err := fsutil.ResolveWithin(s.layout.Dir(state), name)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s in %s: %w", name, state, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	item := &Item{Name: name, State: state, Path: path}
	doc, perr := frontmatter.Parse(content)
	if perr != nil {
		item.Warnings = append(item.Warnings, perr.Error())
	}
	item.Header = headerFromFields(doc.Fields())
	item.Body = string(doc.Body)
	return item, nil
}

// Move transfers an item from one state to another with a single rename.
func (s *Store) Move(name string, from, to workspace.State) error {
	src, err := fsutil.ResolveWithin(s.layout.Dir(from), name)
	if err != nil {
		return err
	}
	dst, err := fsutil.ResolveWithin(s.layout.Dir(to), name)
	if err != nil {
		return err
	}

	if err := fsutil.Move(src, dst); err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("%s in %s: %w", name, from, ErrNotFound)
		case errors.Is(err, fs.ErrExist):
			return fmt.Errorf("%s in %s: %w", name, to, ErrExists)
		}
		return err
	}

	s.logger.Debug("item moved", "item", name, "from", from, "to", to)
	return nil
}

// SetStatus rewrites the item's header status, plus any extra fields, in
// place. The rest of the header and the body are preserved.
func (s *Store) SetStatus(state workspace.State, name, status string, extra map[string]string) error {
	path, err := fsutil.ResolveWithin(s.layout.Dir(state), name)
	if err != nil {
		return err
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s in %s: %w", name, state, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}

	doc, perr := frontmatter.Parse(content)
	if perr != nil {
		// Leave a malformed header alone rather than dropping what a human wrote.
		s.logger.Warn("item header not updated", "item", name, "status", status, "error", perr)
		return nil
	}

	doc.Set(KeyStatus, status)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		doc.Set(k, extra[k])
	}

	out, err := doc.Bytes()
	if err != nil {
		return err
	}
	return fsutil.AtomicWrite(path, out)
}

// Exists reports whether state currently holds name.
func (s *Store) Exists(state workspace.State, name string) bool {
	path, err := fsutil.ResolveWithin(s.layout.Dir(state), name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Locate returns the state that currently holds name.
func (s *Store) Locate(name string) (workspace.State, bool) {
	for _, st := range workspace.States() {
		if s.Exists(st, name) {
			return st, true
		}
	}
	return "", false
}

func (s *Store) matches(name string) bool {
	for _, p := range s.ignore {
		if ok, _ := doublestar.Match(p, name); ok {
			return false
		}
	}
	if len(s.include) == 0 {
		return true
	}
	for _, p := range s.include {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

package workitem

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/steward/internal/workspace"
)

type seenSet map[string]bool

func (s seenSet) Has(id string) bool { return s[id] }

func newTestStore(t *testing.T, include, ignore []string) (*Store, workspace.Layout) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, workspace.Initialize(root))
	layout := workspace.New(root)
	return NewStore(layout, include, ignore, nil), layout
}

func writeItem(t *testing.T, layout workspace.Layout, state workspace.State, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(layout.Dir(state), name), []byte(content), 0600))
}

func TestListNew(t *testing.T) {
	store, layout := newTestStore(t, []string{"*.md"}, []string{"draft-*"})

	writeItem(t, layout, workspace.Inbox, "b.md", "b")
	writeItem(t, layout, workspace.Inbox, "a.md", "a")
	writeItem(t, layout, workspace.Inbox, "c.md", "c")
	writeItem(t, layout, workspace.Inbox, "notes.txt", "ignored by include")
	writeItem(t, layout, workspace.Inbox, "draft-x.md", "ignored by ignore")
	writeItem(t, layout, workspace.Inbox, ".a.md.tmp.1.abcd", "temp")
	require.NoError(t, os.Mkdir(filepath.Join(layout.Dir(workspace.Inbox), "sub.md"), 0700))

	names, err := store.ListNew(workspace.Inbox, seenSet{"c.md": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "b.md"}, names, "lexical order, claimed and filtered entries skipped")
}

func TestListNew_MissingDirectory(t *testing.T) {
	store := NewStore(workspace.New(t.TempDir()), nil, nil, nil)
	names, err := store.ListNew(workspace.Inbox, nil)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestRead(t *testing.T) {
	store, layout := newTestStore(t, nil, nil)
	writeItem(t, layout, workspace.Inbox, "task.md",
		"---\ntype: client_request\npriority: high\ncreated_at: 2026-01-01T00:00:00Z\nfrom: bob\n---\n\nPlease send the invoice.\n")

	item, err := store.Read(workspace.Inbox, "task.md")
	require.NoError(t, err)
	assert.Equal(t, "client_request", item.Header.Type)
	assert.Equal(t, "high", item.Header.Priority)
	assert.Equal(t, "2026-01-01T00:00:00Z", item.Header.CreatedAt)
	assert.Equal(t, map[string]string{"from": "bob"}, item.Header.Extra)
	assert.Equal(t, "Please send the invoice.\n", item.Body)
	assert.Empty(t, item.Warnings)
}

func TestRead_MalformedHeaderDegrades(t *testing.T) {
	store, layout := newTestStore(t, nil, nil)
	writeItem(t, layout, workspace.Inbox, "bad.md", "---\ntype: [oops\n---\nbody\n")

	item, err := store.Read(workspace.Inbox, "bad.md")
	require.NoError(t, err)
	assert.Empty(t, item.Header.Type)
	assert.NotEmpty(t, item.Warnings)
}

func TestRead_NotFound(t *testing.T) {
	store, _ := newTestStore(t, nil, nil)
	_, err := store.Read(workspace.Inbox, "missing.md")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMove(t *testing.T) {
	store, layout := newTestStore(t, nil, nil)
	writeItem(t, layout, workspace.Inbox, "x.md", "x")

	require.NoError(t, store.Move("x.md", workspace.Inbox, workspace.NeedsAction))
	assert.False(t, store.Exists(workspace.Inbox, "x.md"))
	assert.True(t, store.Exists(workspace.NeedsAction, "x.md"))

	state, ok := store.Locate("x.md")
	require.True(t, ok)
	assert.Equal(t, workspace.NeedsAction, state)

	err := store.Move("x.md", workspace.Inbox, workspace.Done)
	assert.ErrorIs(t, err, ErrNotFound, "vanished source is reported as not found")

	writeItem(t, layout, workspace.Done, "x.md", "older")
	err = store.Move("x.md", workspace.NeedsAction, workspace.Done)
	assert.ErrorIs(t, err, ErrExists)
	assert.True(t, store.Exists(workspace.NeedsAction, "x.md"))
}

func TestMove_RejectsTraversal(t *testing.T) {
	store, _ := newTestStore(t, nil, nil)
	assert.Error(t, store.Move("../x.md", workspace.Inbox, workspace.Done))
}

// Concurrent consumers racing for the same item: exactly one wins and the
// item ends up in exactly one state.
func TestMove_ConcurrentConsumers(t *testing.T) {
	store, layout := newTestStore(t, nil, nil)
	writeItem(t, layout, workspace.Inbox, "race.md", "x")

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = store.Move("race.md", workspace.Inbox, workspace.NeedsAction)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		}
	}
	assert.GreaterOrEqual(t, wins, 1)
	assert.False(t, store.Exists(workspace.Inbox, "race.md"))
	assert.True(t, store.Exists(workspace.NeedsAction, "race.md"))
}

func TestSetStatus(t *testing.T) {
	store, layout := newTestStore(t, nil, nil)
	writeItem(t, layout, workspace.NeedsAction, "t.md", "---\ntype: task\nstatus: new\nowner: me\n---\n\nbody\n")

	require.NoError(t, store.SetStatus(workspace.NeedsAction, "t.md", StatusCompleted,
		map[string]string{"completed_at": "2026-01-01T00:00:00Z"}))

	item, err := store.Read(workspace.NeedsAction, "t.md")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, item.Header.Status)
	assert.Equal(t, "task", item.Header.Type)
	assert.Equal(t, "me", item.Header.Extra["owner"])
	assert.Equal(t, "2026-01-01T00:00:00Z", item.Header.Extra["completed_at"])
	assert.Equal(t, "body\n", item.Body)
}

func TestSetStatus_HeaderlessItemGainsHeader(t *testing.T) {
	store, layout := newTestStore(t, nil, nil)
	writeItem(t, layout, workspace.Errors, "plain.md", "just text\n")

	require.NoError(t, store.SetStatus(workspace.Errors, "plain.md", StatusFailed, nil))

	item, err := store.Read(workspace.Errors, "plain.md")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, item.Header.Status)
	assert.Equal(t, "just text\n", item.Body)
}

func TestStem(t *testing.T) {
	assert.Equal(t, "EMAIL_123", Stem("EMAIL_123.md"))
	assert.Equal(t, "noext", Stem("noext"))
}

package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name     string
		path     string
		data     []byte
		existing []byte
	}{
		{name: "new file", path: filepath.Join(tmpDir, "new.txt"), data: []byte("hello world")},
		{name: "overwrite", path: filepath.Join(tmpDir, "existing.txt"), data: []byte("updated"), existing: []byte("original")},
		{name: "empty", path: filepath.Join(tmpDir, "empty.txt"), data: []byte{}},
		{name: "nested directory", path: filepath.Join(tmpDir, "a", "b", "file.txt"), data: []byte("nested")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.existing != nil {
				require.NoError(t, os.WriteFile(tt.path, tt.existing, 0600))
			}

			require.NoError(t, AtomicWrite(tt.path, tt.data))

			got, err := os.ReadFile(tt.path)
			require.NoError(t, err)
			assert.Equal(t, string(tt.data), string(got))

			info, err := os.Stat(tt.path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
		})
	}

	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp."), "temp file left behind: %s", e.Name())
	}
}

func TestAtomicWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")

	require.NoError(t, AtomicWriteJSON(path, map[string]int{"attempts": 2}))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"attempts\": 2\n}\n", string(got))

	assert.Error(t, AtomicWriteJSON(path, nil))
}

func TestMove(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "Inbox", "item.md")
	dst := filepath.Join(root, "Done", "item.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0700))
	require.NoError(t, os.WriteFile(src, []byte("x"), 0600))

	require.NoError(t, Move(src, dst))

	_, err := os.Stat(src)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	_, err = os.Stat(dst)
	assert.NoError(t, err)

	t.Run("vanished source", func(t *testing.T) {
		err := Move(src, dst+".2")
		assert.ErrorIs(t, err, fs.ErrNotExist)
	})

	t.Run("occupied destination", func(t *testing.T) {
		other := filepath.Join(root, "Inbox", "other.md")
		require.NoError(t, os.WriteFile(other, []byte("y"), 0600))

		err := Move(other, dst)
		assert.ErrorIs(t, err, fs.ErrExist)

		got, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, "x", string(got), "destination must not be clobbered")
	})
}

func TestAppendLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger", "plan.log")

	require.NoError(t, AppendLine(path, []byte("a.md")))
	require.NoError(t, AppendLine(path, []byte("b.md")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a.md\nb.md\n", string(got))
}

func TestResolveWithin(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "plain", input: "item.md"},
		{name: "empty", input: "", wantErr: true},
		{name: "absolute", input: "/etc/passwd", wantErr: true},
		{name: "traversal", input: "../escape.md", wantErr: true},
		{name: "nested", input: "sub/item.md", wantErr: true},
		{name: "dotdot", input: "..", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveWithin(root, tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(root, tt.input), got)
		})
	}
}

func TestIsTempName(t *testing.T) {
	assert.True(t, IsTempName(".item.md.tmp.12.abcd"))
	assert.False(t, IsTempName("item.md"))
}

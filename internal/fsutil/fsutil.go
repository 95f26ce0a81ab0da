package fsutil

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// AtomicWrite replaces path with data so that readers only ever observe the
// old or the new content:
// 1. write .<basename>.tmp.<pid>.<rand> next to the target
// 2. fsync the temp file
// 3. rename over the target
// 4. fsync the parent directory
//
// Files are created 0600 and missing parents 0700.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath, err := tempPathFor(path)
	if err != nil {
		return fmt.Errorf("failed to generate temp path: %w", err)
	}

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	committed := false
	defer func() {
		tmp.Close()
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	committed = true

	if err := syncDir(dir); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}

// AtomicWriteJSON writes v as indented JSON with a trailing newline.
func AtomicWriteJSON(path string, v any) error {
	if v == nil {
		return fmt.Errorf("cannot write nil value")
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	data = append(data, '\n')

	return AtomicWrite(path, data)
}

// Move renames src to dst and makes the rename durable in both directories.
//
// A vanished source is reported as fs.ErrNotExist and an occupied destination
// as fs.ErrExist; dst is never overwritten.
func Move(src, dst string) error {
	if _, err := os.Lstat(src); err != nil {
		return fmt.Errorf("move %s: %w", filepath.Base(src), err)
	}
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("move %s: destination %s: %w", filepath.Base(src), dst, fs.ErrExist)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("move %s: %w", filepath.Base(src), err)
	}

	dstDir := filepath.Dir(dst)
	if err := os.MkdirAll(dstDir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s: %w", filepath.Base(src), err)
	}

	if err := syncDir(dstDir); err != nil {
		return err
	}
	if srcDir := filepath.Dir(src); srcDir != dstDir {
		if err := syncDir(srcDir); err != nil {
			return err
		}
	}
	return nil
}

// AppendLine appends line plus a newline to path and fsyncs before returning.
func AppendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("failed to append to %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// ResolveWithin joins name onto root and rejects names that would leave root,
// including absolute names and names with path separators.
func ResolveWithin(root, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty name")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute paths not allowed: %s", name)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("name must be a plain file name: %s", name)
	}

	joined := filepath.Join(root, name)
	rel, err := filepath.Rel(root, joined)
	if err != nil {
		return "", fmt.Errorf("failed to compute relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path escapes %s: %s", root, name)
	}
	return joined, nil
}

// IsTempName reports whether name is hidden, which covers the temp files
// AtomicWrite leaves behind on a crash.
func IsTempName(name string) bool {
	return strings.HasPrefix(name, ".")
}

// tempPathFor returns .<basename>.tmp.<pid>.<8 hex chars> in the target's directory.
func tempPathFor(path string) (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("failed to generate random suffix: %w", err)
	}

	name := fmt.Sprintf(".%s.tmp.%d.%s", filepath.Base(path), os.Getpid(), hex.EncodeToString(suffix))
	return filepath.Join(filepath.Dir(path), name), nil
}

// syncDir makes directory entries (renames, creates) durable.
func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open directory: %w", err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}

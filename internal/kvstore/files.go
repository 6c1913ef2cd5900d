// Package kvstore is the small name-to-bytes store that holds the
// client id, the opt-out flag and the one-shot install campaign.
//
// Reads fail soft: a missing, unreadable or oversized value is reported
// as absent so callers regenerate it.
package kvstore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// MaxValueSize is the largest value Get will return. Larger files are
// treated as corrupt and deleted.
const MaxValueSize = 8192

// Files stores each value in its own file under a directory.
type Files struct {
	dir    string
	logger *slog.Logger
}

// Open creates dir if needed and returns a store rooted there.
func Open(dir string, logger *slog.Logger) (*Files, error) {
	if dir == "" {
		return nil, errors.New("kvstore: empty directory")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create kvstore directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Files{dir: dir, logger: logger}, nil
}

func (f *Files) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("kvstore: invalid name %q", name)
	}
	return filepath.Join(f.dir, name), nil
}

// Get returns the value stored under name.
func (f *Files) Get(name string) ([]byte, bool) {
	p, err := f.path(name)
	if err != nil {
		f.logger.Warn("kvstore read rejected", "error", err)
		return nil, false
	}

	file, err := os.Open(p)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("kvstore read failed", "name", name, "error", err)
		}
		return nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxValueSize+1))
	if err != nil {
		f.logger.Warn("kvstore read failed, deleting value", "name", name, "error", err)
		f.remove(p)
		return nil, false
	}
	if len(data) > MaxValueSize {
		f.logger.Warn("kvstore value too large, deleting it", "name", name)
		f.remove(p)
		return nil, false
	}
	return data, true
}

// Exists reports whether name has a value, without reading it.
func (f *Files) Exists(name string) bool {
	p, err := f.path(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Put replaces the value under name. The write is atomic: readers see
// either the old value or the new one.
func (f *Files) Put(name string, value []byte) error {
	p, err := f.path(name)
	if err != nil {
		return err
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("kvstore: value for %q is %d bytes, limit %d", name, len(value), MaxValueSize)
	}

	tmp := p + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temporary file for %q: %w", name, err)
	}
	if _, err := file.Write(value); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %q: %w", name, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %q: %w", name, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %q: %w", name, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %q into place: %w", name, err)
	}
	return nil
}

// Delete removes name. Deleting a missing value is not an error.
func (f *Files) Delete(name string) error {
	p, err := f.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	return nil
}

func (f *Files) remove(p string) {
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		f.logger.Warn("kvstore delete failed", "path", p, "error", err)
	}
}

package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Local stores everything below a directory on the local filesystem.
type Local struct {
	root string
}

// NewLocal creates the root directory if needed and returns a Local backend.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root %s: %w", root, err)
	}
	return &Local{root: root}, nil
}

func (l *Local) String() string { return l.root }

func (l *Local) abs(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes storage root", path)
	}
	return filepath.Join(l.root, clean), nil
}

// Exists reports whether path is present.
func (l *Local) Exists(_ context.Context, path string) (bool, error) {
	p, err := l.abs(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Read returns the contents of path.
func (l *Local) Read(_ context.Context, path string) ([]byte, error) {
	p, err := l.abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotExist)
	}
	return data, err
}

// Write replaces path by writing a synced temp file and renaming it into place.
func (l *Local) Write(_ context.Context, path string, data []byte) error {
	p, err := l.abs(path)
	if err != nil {
		return writeErr(path, err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return writeErr(path, err)
	}
	tmp := p + ".tmp." + randomSuffix()
	if err := writeSyncFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return writeErr(path, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return writeErr(path, err)
	}
	return nil
}

// List returns every file whose path starts with prefix, sorted.
func (l *Local) List(_ context.Context, prefix string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.Contains(rel, ".tmp.") {
			return nil
		}
		if strings.HasPrefix(rel, prefix) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes path. Deleting a missing path is not an error.
func (l *Local) Delete(_ context.Context, path string) error {
	p, err := l.abs(path)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func writeSyncFile(filename string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err2 := f.Sync(); err2 != nil && err == nil {
		err = err2
	}
	if err2 := f.Close(); err2 != nil && err == nil {
		err = err2
	}
	return err
}

func randomSuffix() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

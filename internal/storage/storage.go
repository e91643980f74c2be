// Package storage is the byte-addressable backend the mirror is kept in.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dwsmith1983/regmirror/pkg/types"
)

var (
	// ErrNotExist is returned by Read for a missing path.
	ErrNotExist = errors.New("storage: path does not exist")
	// ErrWrite wraps every failed write. A run cannot continue after one.
	ErrWrite = errors.New("storage: write failed")
)

// Backend is implemented by every storage location. Paths are slash separated and relative
// to the backend root.
type Backend interface {
	Exists(ctx context.Context, path string) (bool, error)
	Read(ctx context.Context, path string) ([]byte, error)
	// Write replaces path atomically and durably.
	Write(ctx context.Context, path string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, path string) error
	String() string
}

// Open returns the backend for root: s3://bucket/prefix selects S3, anything else is a local
// directory.
func Open(ctx context.Context, root string, s3cfg types.S3Config) (Backend, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if rest, ok := strings.CutPrefix(root, "s3://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		return NewS3(ctx, bucket, prefix, WithRegion(s3cfg.Region), WithEndpoint(s3cfg.Endpoint))
	}
	if strings.Contains(root, "://") {
		return nil, fmt.Errorf("unsupported storage scheme in %q", root)
	}
	return NewLocal(root)
}

func writeErr(path string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrWrite, path, err)
}

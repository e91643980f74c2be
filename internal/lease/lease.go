// Package lease guards against two sync runs working on the same mirror at once.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dwsmith1983/regmirror/internal/storage"
	"github.com/dwsmith1983/regmirror/pkg/types"
)

// DefaultTTL bounds how long a crashed run blocks the next one.
const DefaultTTL = 2 * time.Hour

// ErrHeld is returned by Acquire when another run holds the lease.
var ErrHeld = errors.New("lease: another sync run holds the lease")

// Lease is a single-holder lock with an expiry.
type Lease interface {
	Acquire(ctx context.Context, holder string, ttl time.Duration) error
	Release(ctx context.Context, holder string) error
}

// Noop never blocks.
type Noop struct{}

// Acquire always succeeds.
func (Noop) Acquire(context.Context, string, time.Duration) error { return nil }

// Release always succeeds.
func (Noop) Release(context.Context, string) error { return nil }

// Open builds the lease selected by cfg. key identifies the mirror in a shared DynamoDB table.
func Open(ctx context.Context, cfg types.LockConfig, backend storage.Backend, key string) (Lease, error) {
	switch cfg.Provider {
	case "", types.LockStorage:
		return NewStorage(backend), nil
	case types.LockNone:
		return Noop{}, nil
	case types.LockDynamoDB:
		return NewDynamoDB(ctx, cfg.Table, key, WithDDBRegion(cfg.Region), WithDDBEndpoint(cfg.Endpoint))
	default:
		return nil, fmt.Errorf("unknown lock provider %q", cfg.Provider)
	}
}

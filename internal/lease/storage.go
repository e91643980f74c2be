package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dwsmith1983/regmirror/internal/storage"
)

type lockFile struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Storage keeps the lease as a small JSON resource next to the manifest. The check and the
// write are separate calls, so it protects against overlapping scheduled runs rather than
// true races.
type Storage struct {
	backend storage.Backend
	now     func() time.Time
}

// NewStorage creates a storage-backed lease.
func NewStorage(b storage.Backend) *Storage {
	return &Storage{backend: b, now: time.Now}
}

// Acquire takes the lease unless a different holder has an unexpired one.
func (s *Storage) Acquire(ctx context.Context, holder string, ttl time.Duration) error {
	cur, err := s.read(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	if cur != nil && cur.Holder != holder && now.Before(cur.ExpiresAt) {
		return fmt.Errorf("%w (holder %s until %s)", ErrHeld, cur.Holder, cur.ExpiresAt.Format(time.RFC3339))
	}
	data, err := json.Marshal(lockFile{Holder: holder, ExpiresAt: now.Add(ttl).UTC()})
	if err != nil {
		return err
	}
	return s.backend.Write(ctx, storage.LockPath, data)
}

// Release removes the lease if holder still owns it.
func (s *Storage) Release(ctx context.Context, holder string) error {
	cur, err := s.read(ctx)
	if err != nil {
		return err
	}
	if cur == nil || cur.Holder != holder {
		return nil
	}
	return s.backend.Delete(ctx, storage.LockPath)
}

func (s *Storage) read(ctx context.Context) (*lockFile, error) {
	data, err := s.backend.Read(ctx, storage.LockPath)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lease: %w", err)
	}
	var lf lockFile
	if err := json.Unmarshal(data, &lf); err != nil {
		// A torn lock file is treated as expired.
		return nil, nil
	}
	return &lf, nil
}

// Package checkpoint persists the progress of an in-flight run so it can be resumed.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dwsmith1983/regmirror/internal/storage"
	"github.com/dwsmith1983/regmirror/pkg/types"
)

// Store holds at most one active checkpoint. Every method is safe for concurrent use.
type Store struct {
	backend storage.Backend
	now     func() time.Time

	mu        sync.Mutex
	rec       *types.CheckpointRecord
	completed map[types.Date]bool
	dirty     bool

	flushMu sync.Mutex
}

// New creates a Store backed by b.
func New(b storage.Backend) *Store {
	return &Store{backend: b, now: time.Now}
}

// SetClock replaces the time source (useful for testing).
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Load reads a persisted checkpoint. It returns nil when no run is in progress.
func (s *Store) Load(ctx context.Context) (*types.CheckpointRecord, error) {
	data, err := s.backend.Read(ctx, storage.CheckpointPath)
	if errors.Is(err, storage.ErrNotExist) {
		s.reset()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var rec types.CheckpointRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing checkpoint: %w", err)
	}
	if rec.RunID == "" {
		return nil, fmt.Errorf("checkpoint has no run id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = &rec
	s.completed = make(map[types.Date]bool, len(rec.Completed))
	for _, d := range rec.Completed {
		s.completed[d] = true
	}
	s.dirty = false
	return s.copyLocked(), nil
}

func (s *Store) reset() {
	s.mu.Lock()
	s.rec = nil
	s.completed = nil
	s.dirty = false
	s.mu.Unlock()
}

// Begin starts tracking rec as the active run. It is not durable until Flush.
func (s *Store) Begin(rec types.CheckpointRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now().UTC()
	}
	s.rec = &rec
	s.completed = make(map[types.Date]bool, len(rec.Completed))
	for _, d := range rec.Completed {
		s.completed[d] = true
	}
	s.dirty = true
}

// Active reports whether a run is being tracked.
func (s *Store) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec != nil
}

// MarkCompleted records that d was resolved, successfully or not.
func (s *Store) MarkCompleted(d types.Date) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil || s.completed[d] {
		return
	}
	s.completed[d] = true
	s.rec.Completed = append(s.rec.Completed, d)
	s.rec.UpdatedAt = s.now().UTC()
	s.dirty = true
}

// IsCompleted reports whether d was resolved in the active run.
func (s *Store) IsCompleted(d types.Date) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[d]
}

// Remaining returns the pending candidates not yet completed, in worklist order.
func (s *Store) Remaining() []types.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil
	}
	out := make([]types.Candidate, 0, len(s.rec.Pending))
	for _, c := range s.rec.Pending {
		if !s.completed[c.Date] {
			out = append(out, c)
		}
	}
	return out
}

// Record returns a copy of the active checkpoint, or nil.
func (s *Store) Record() *types.CheckpointRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() *types.CheckpointRecord {
	if s.rec == nil {
		return nil
	}
	c := *s.rec
	c.Pending = append([]types.Candidate(nil), s.rec.Pending...)
	c.Completed = append([]types.Date(nil), s.rec.Completed...)
	sort.Slice(c.Completed, func(i, j int) bool { return c.Completed[i].Before(c.Completed[j]) })
	c.Promotions = append([]types.Promotion(nil), s.rec.Promotions...)
	return &c
}

// Snapshot captures the active checkpoint for a later Persist. It is empty when nothing
// changed since the last snapshot.
type Snapshot struct {
	rec *types.CheckpointRecord
}

// Snapshot takes the current state. Callers that persist other stores alongside the
// checkpoint take it first, so it never lists a completion those stores have not seen.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil || !s.dirty {
		return Snapshot{}
	}
	s.dirty = false
	return Snapshot{rec: s.copyLocked()}
}

// Persist writes snap. A failed write leaves the store dirty so the next snapshot retries.
func (s *Store) Persist(ctx context.Context, snap Snapshot) error {
	if snap.rec == nil {
		return nil
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	data, err := json.MarshalIndent(snap.rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := s.backend.Write(ctx, storage.CheckpointPath, append(data, '\n')); err != nil {
		s.Requeue(snap)
		return err
	}
	return nil
}

// Requeue marks the store changed again after snap was taken but never persisted.
func (s *Store) Requeue(snap Snapshot) {
	if snap.rec == nil {
		return
	}
	s.mu.Lock()
	if s.rec != nil {
		s.dirty = true
	}
	s.mu.Unlock()
}

// Flush persists the active checkpoint if it changed.
func (s *Store) Flush(ctx context.Context) error {
	return s.Persist(ctx, s.Snapshot())
}

// Clear deletes the persisted checkpoint after a run drained its worklist.
func (s *Store) Clear(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if err := s.backend.Delete(ctx, storage.CheckpointPath); err != nil {
		return fmt.Errorf("clearing checkpoint: %w", err)
	}
	s.reset()
	return nil
}

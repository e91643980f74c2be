// Package manifest is the durable ledger of every confirmed document.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dwsmith1983/regmirror/internal/lifecycle"
	"github.com/dwsmith1983/regmirror/internal/storage"
	"github.com/dwsmith1983/regmirror/pkg/types"
)

const formatVersion = 1

// UpsertResult describes what an Upsert did.
type UpsertResult string

// UpsertResult values.
const (
	Inserted       UpsertResult = "inserted"
	Unchanged      UpsertResult = "unchanged"
	ContentChanged UpsertResult = "content_changed"
	Replaced       UpsertResult = "replaced"
	Updated        UpsertResult = "updated"
	Ignored        UpsertResult = "ignored"
)

type document struct {
	Version int                   `json:"version"`
	Entries []types.ManifestEntry `json:"entries"`
}

// Stats summarises the manifest for the status report.
type Stats struct {
	Total             int
	ByStatus          map[types.EntryStatus]int
	Earliest          types.Date // earliest ok date
	Latest            types.Date // latest ok date
	MissingPopulation int
}

// Store holds the manifest in memory and persists it as one JSON resource. Upsert is the only
// way entries change; every method is safe for concurrent use.
type Store struct {
	backend storage.Backend
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[types.Date]*types.ManifestEntry
	dirty   bool

	flushMu sync.Mutex
}

// New creates an empty Store backed by b.
func New(b storage.Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: b,
		logger:  logger,
		entries: make(map[types.Date]*types.ManifestEntry),
	}
}

// Load replaces the in-memory state with the persisted manifest. A missing resource is an
// empty manifest.
func (s *Store) Load(ctx context.Context) error {
	data, err := s.backend.Read(ctx, storage.ManifestPath)
	if errors.Is(err, storage.ErrNotExist) {
		s.mu.Lock()
		s.entries = make(map[types.Date]*types.ManifestEntry)
		s.dirty = false
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing manifest: %w", err)
	}
	entries := make(map[types.Date]*types.ManifestEntry, len(doc.Entries))
	for i := range doc.Entries {
		e := doc.Entries[i]
		if e.Date.IsZero() {
			return fmt.Errorf("manifest entry %d has no date", i)
		}
		if _, dup := entries[e.Date]; dup {
			return fmt.Errorf("manifest has duplicate date %s", e.Date)
		}
		entries[e.Date] = &e
	}

	s.mu.Lock()
	s.entries = entries
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// Flush persists the manifest if it changed since the last Load or Flush.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	doc := document{Version: formatVersion, Entries: s.listLocked()}
	s.dirty = false
	s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := s.backend.Write(ctx, storage.ManifestPath, append(data, '\n')); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}
	return nil
}

// Get returns a copy of the entry for d.
func (s *Store) Get(d types.Date) (types.ManifestEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[d]
	if !ok {
		return types.ManifestEntry{}, false
	}
	return clone(e), true
}

// List returns every entry ordered by date.
func (s *Store) List() []types.ManifestEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

// Dates returns the date of every entry, any status, ascending.
func (s *Store) Dates() []types.Date {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Date, 0, len(s.entries))
	for d := range s.entries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) listLocked() []types.ManifestEntry {
	out := make([]types.ManifestEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// Upsert merges in into the manifest:
//   - a new date is inserted;
//   - ok over ok with the same hash changes nothing;
//   - ok over ok with a different hash keeps the old version in History;
//   - ok over a failure replaces it;
//   - a failure over ok is ignored;
//   - a failure over a failure updates the reason and attempt count.
func (s *Store) Upsert(in types.ManifestEntry) (UpsertResult, error) {
	if in.Date.IsZero() {
		return "", fmt.Errorf("manifest entry has no date")
	}
	if !lifecycle.IsTerminalStatus(in.Status) {
		return "", fmt.Errorf("manifest entry %s has non-terminal status %q", in.Date, in.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[in.Date]
	if !ok {
		e := clone(&in)
		s.entries[in.Date] = &e
		s.dirty = true
		return Inserted, nil
	}

	if !lifecycle.Dominates(cur, in.Status) {
		s.logger.Warn("manifest: ignoring failure for archived date",
			"date", in.Date, "status", in.Status, "error", in.ErrorDetail)
		return Ignored, nil
	}

	switch {
	case cur.Status == types.StatusOK:
		if cur.ContentHash == in.ContentHash {
			return Unchanged, nil
		}
		s.logger.Warn("manifest: document content changed",
			"date", in.Date, "old_hash", cur.ContentHash, "new_hash", in.ContentHash)
		history := append(cur.History, types.ContentVersion{
			URL:         cur.URL,
			ContentHash: cur.ContentHash,
			SizeBytes:   cur.SizeBytes,
			FetchedAt:   cur.FetchedAt,
		})
		e := clone(&in)
		e.History = history
		if e.PopulationRef == "" {
			e.PopulationRef = cur.PopulationRef
		}
		s.entries[in.Date] = &e
		s.dirty = true
		return ContentChanged, nil

	case in.Status == types.StatusOK:
		e := clone(&in)
		e.Attempts += cur.Attempts
		e.History = cur.History
		s.entries[in.Date] = &e
		s.dirty = true
		return Replaced, nil

	default:
		cur.URL = in.URL
		cur.Status = in.Status
		cur.ErrorDetail = in.ErrorDetail
		cur.FetchedAt = in.FetchedAt
		cur.Attempts += in.Attempts
		s.dirty = true
		return Updated, nil
	}
}

// SetPopulationRef records the population snapshot for an archived date.
func (s *Store) SetPopulationRef(d types.Date, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[d]
	if !ok {
		return fmt.Errorf("no manifest entry for %s", d)
	}
	if e.Status != types.StatusOK {
		return fmt.Errorf("manifest entry for %s is %s", d, e.Status)
	}
	if e.PopulationRef == ref {
		return nil
	}
	e.PopulationRef = ref
	s.dirty = true
	return nil
}

// Stats computes the status report numbers.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Total: len(s.entries), ByStatus: make(map[types.EntryStatus]int)}
	for d, e := range s.entries {
		st.ByStatus[e.Status]++
		if e.Status != types.StatusOK {
			continue
		}
		if e.PopulationRef == "" {
			st.MissingPopulation++
		}
		if st.Earliest.IsZero() || d.Before(st.Earliest) {
			st.Earliest = d
		}
		if st.Latest.IsZero() || d.After(st.Latest) {
			st.Latest = d
		}
	}
	return st
}

func clone(e *types.ManifestEntry) types.ManifestEntry {
	c := *e
	if e.History != nil {
		c.History = append([]types.ContentVersion(nil), e.History...)
	}
	return c
}

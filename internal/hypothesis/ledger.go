// Package hypothesis persists the gap windows that have been probed without a hit.
package hypothesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dwsmith1983/regmirror/internal/lifecycle"
	"github.com/dwsmith1983/regmirror/internal/storage"
	"github.com/dwsmith1983/regmirror/pkg/types"
)

const formatVersion = 1

// ErrNotFound is returned for a window that has no record.
var ErrNotFound = errors.New("hypothesis: no record for window")

type document struct {
	Version int                      `json:"version"`
	Records []types.HypothesisRecord `json:"records"`
	Probed  []types.Date             `json:"probed,omitempty"`
}

// Ledger holds hypothesis records keyed by window. Every method is safe for concurrent use.
//
// Negative probes are also kept in a ledger-wide set that outlives the records: a hit
// deletes its window, and the windows derived from the split start from the dates
// already probed inside them.
type Ledger struct {
	backend storage.Backend
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	records map[string]*types.HypothesisRecord
	checked map[string]map[types.Date]bool
	probed  map[types.Date]bool
	dirty   bool

	flushMu sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates an empty Ledger backed by b.
func New(b storage.Backend, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		backend: b,
		logger:  logger,
		now:     time.Now,
		records: make(map[string]*types.HypothesisRecord),
		checked: make(map[string]map[types.Date]bool),
		probed:  make(map[types.Date]bool),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Load replaces the in-memory state with the persisted ledger.
func (l *Ledger) Load(ctx context.Context) error {
	records := make(map[string]*types.HypothesisRecord)
	checked := make(map[string]map[types.Date]bool)
	probed := make(map[types.Date]bool)

	data, err := l.backend.Read(ctx, storage.HypothesesPath)
	switch {
	case errors.Is(err, storage.ErrNotExist):
	case err != nil:
		return fmt.Errorf("reading hypotheses: %w", err)
	default:
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing hypotheses: %w", err)
		}
		for i := range doc.Records {
			r := doc.Records[i]
			if key := r.Window().Key(); r.Key != key {
				return fmt.Errorf("hypothesis record %q does not match its range %s", r.Key, key)
			}
			if lifecycle.Rank(r.Tier) < 0 {
				return fmt.Errorf("hypothesis record %s has unknown tier %q", r.Key, r.Tier)
			}
			records[r.Key] = &r
			set := make(map[types.Date]bool, len(r.CheckedDates))
			for _, d := range r.CheckedDates {
				set[d] = true
			}
			checked[r.Key] = set
			for _, d := range r.CheckedDates {
				probed[d] = true
			}
		}
		for _, d := range doc.Probed {
			probed[d] = true
		}
	}

	l.mu.Lock()
	l.records = records
	l.checked = checked
	l.probed = probed
	l.dirty = false
	l.mu.Unlock()
	return nil
}

// Flush persists the ledger if it changed.
func (l *Ledger) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	if !l.dirty {
		l.mu.Unlock()
		return nil
	}
	doc := document{Version: formatVersion, Records: l.listLocked(), Probed: l.probedLocked()}
	l.dirty = false
	l.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding hypotheses: %w", err)
	}
	if err := l.backend.Write(ctx, storage.HypothesesPath, append(data, '\n')); err != nil {
		l.mu.Lock()
		l.dirty = true
		l.mu.Unlock()
		return err
	}
	return nil
}

// Get returns a copy of the record for key.
func (l *Ledger) Get(key string) (types.HypothesisRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[key]
	if !ok {
		return types.HypothesisRecord{}, false
	}
	return l.cloneLocked(r), true
}

// List returns every record ordered by range start.
func (l *Ledger) List() []types.HypothesisRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listLocked()
}

func (l *Ledger) listLocked() []types.HypothesisRecord {
	out := make([]types.HypothesisRecord, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, l.cloneLocked(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].RangeStart.Compare(out[j].RangeStart); c != 0 {
			return c < 0
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (l *Ledger) probedLocked() []types.Date {
	out := make([]types.Date, 0, len(l.probed))
	for d := range l.probed {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Ensure returns the record for w, creating it at unchecked if absent. A new record
// starts with every date already probed inside w.
func (l *Ledger) Ensure(w types.Window) (types.HypothesisRecord, bool) {
	key := w.Key()
	l.mu.Lock()
	defer l.mu.Unlock()

	if r, ok := l.records[key]; ok {
		return l.cloneLocked(r), false
	}
	now := l.now().UTC()
	r := &types.HypothesisRecord{
		Key:        key,
		RangeStart: w.After,
		RangeEnd:   w.Before,
		Tier:       types.TierUnchecked,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	set := make(map[types.Date]bool)
	for _, d := range l.probedLocked() {
		if w.Contains(d) {
			set[d] = true
			r.CheckedDates = append(r.CheckedDates, d)
		}
	}
	l.records[key] = r
	l.checked[key] = set
	l.dirty = true
	return l.cloneLocked(r), true
}

// Promote advances the record for key to tier. Promoting to the current tier is a no-op;
// any move the state machine forbids is an error.
func (l *Ledger) Promote(key string, to types.Tier) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if r.Tier == to {
		return nil
	}
	if err := lifecycle.Transition(r.Tier, to); err != nil {
		return fmt.Errorf("promoting %s: %w", key, err)
	}
	r.Tier = to
	r.UpdatedAt = l.now().UTC()
	l.dirty = true
	l.logger.Info("hypothesis promoted", "window", key, "tier", to)
	return nil
}

// MarkChecked records negative probes inside the window. When a hit deleted the window in
// the meantime the dates are still remembered for the windows that replace it.
func (l *Ledger) MarkChecked(key string, dates ...types.Date) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, d := range dates {
		if !l.probed[d] {
			l.probed[d] = true
			l.dirty = true
		}
	}
	r, ok := l.records[key]
	if !ok {
		return
	}
	set := l.checked[key]
	for _, d := range dates {
		if set[d] {
			continue
		}
		set[d] = true
		r.CheckedDates = append(r.CheckedDates, d)
	}
	sort.Slice(r.CheckedDates, func(i, j int) bool { return r.CheckedDates[i].Before(r.CheckedDates[j]) })
	now := l.now().UTC()
	r.UpdatedAt = now
	r.LastProbedAt = now
	l.dirty = true
}

// IsChecked reports whether d was already probed inside the window.
func (l *Ledger) IsChecked(key string, d types.Date) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checked[key][d]
}

// DeleteCovering removes every record whose window contains d and returns their keys. A
// negative result recorded earlier for d itself is dropped.
func (l *Ledger) DeleteCovering(d types.Date) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.probed[d] {
		delete(l.probed, d)
		l.dirty = true
	}
	var removed []string
	for key, r := range l.records {
		if r.Window().Contains(d) {
			delete(l.records, key)
			delete(l.checked, key)
			removed = append(removed, key)
		}
	}
	if len(removed) > 0 {
		sort.Strings(removed)
		l.dirty = true
		l.logger.Info("hypothesis resolved by hit", "date", d, "windows", removed)
	}
	return removed
}

// Prune removes records whose window is not in current and returns how many it removed.
func (l *Ledger) Prune(current map[string]bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key := range l.records {
		if current[key] {
			continue
		}
		delete(l.records, key)
		delete(l.checked, key)
		n++
	}
	if n > 0 {
		l.dirty = true
	}
	return n
}

// Outstanding counts records still at unchecked or tier1_checked.
func (l *Ledger) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.records {
		if lifecycle.IsOutstanding(r.Tier) {
			n++
		}
	}
	return n
}

// Exhausted counts records at tier2_checked.
func (l *Ledger) Exhausted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.records {
		if lifecycle.IsTerminalTier(r.Tier) {
			n++
		}
	}
	return n
}

func (l *Ledger) cloneLocked(r *types.HypothesisRecord) types.HypothesisRecord {
	c := *r
	c.CheckedDates = append([]types.Date(nil), r.CheckedDates...)
	return c
}

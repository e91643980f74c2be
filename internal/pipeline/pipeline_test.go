package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dwsmith1983/regmirror/internal/archive"
	"github.com/dwsmith1983/regmirror/internal/checkpoint"
	"github.com/dwsmith1983/regmirror/internal/hypothesis"
	"github.com/dwsmith1983/regmirror/internal/manifest"
	"github.com/dwsmith1983/regmirror/internal/retry"
	"github.com/dwsmith1983/regmirror/internal/storage"
	"github.com/dwsmith1983/regmirror/internal/urlgen"
	"github.com/dwsmith1983/regmirror/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var pdfBody = []byte("%PDF-1.7 register")

type fakeProber struct {
	mu      sync.Mutex
	present map[string]bool
	probeFn func(url string) (bool, error)
	fetchFn func(url string) (*archive.Document, error)
	probed  []string
	fetched []string
}

func (f *fakeProber) Probe(_ context.Context, url string) (bool, error) {
	f.mu.Lock()
	f.probed = append(f.probed, url)
	fn := f.probeFn
	present := f.present[url]
	f.mu.Unlock()
	if fn != nil {
		return fn(url)
	}
	return present, nil
}

func (f *fakeProber) Fetch(_ context.Context, url string) (*archive.Document, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, url)
	fn := f.fetchFn
	f.mu.Unlock()
	if fn != nil {
		return fn(url)
	}
	return &archive.Document{URL: url, ContentType: "application/pdf", Body: pdfBody}, nil
}

func (f *fakeProber) probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.probed)
}

type fakeRoster struct {
	err error
}

func (r *fakeRoster) Snapshot(_ context.Context, d types.Date) (*types.PopulationSnapshot, error) {
	if r.err != nil {
		return nil, r.err
	}
	return &types.PopulationSnapshot{
		Date:    d,
		Period:  "2021-2025",
		Persons: []types.Person{{ID: "JGS", LastName: "Støre", FirstName: "Jonas Gahr", Role: "statsminister"}},
	}, nil
}

// failingBackend fails every write under prefix.
type failingBackend struct {
	storage.Backend
	prefix string
}

func (f *failingBackend) Write(ctx context.Context, path string, data []byte) error {
	if len(path) >= len(f.prefix) && path[:len(f.prefix)] == f.prefix {
		return fmt.Errorf("%w: %s: disk full", storage.ErrWrite, path)
	}
	return f.Backend.Write(ctx, path, data)
}

type harness struct {
	backend storage.Backend
	stores  Stores
	urls    *urlgen.Generator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	return newHarnessOn(b)
}

func newHarnessOn(b storage.Backend) *harness {
	return &harness{
		backend: b,
		stores: Stores{
			Manifest:   manifest.New(b, nil),
			Ledger:     hypothesis.New(b, nil),
			Checkpoint: checkpoint.New(b),
		},
		urls: urlgen.New(""),
	}
}

func (h *harness) candidates(tier types.CandidateTier, window string, dates ...types.Date) []types.Candidate {
	out := make([]types.Candidate, len(dates))
	for i, d := range dates {
		out[i] = types.Candidate{Date: d, URL: h.urls.URL(d), Tier: tier, Window: window}
	}
	return out
}

func testConfig() Config {
	return Config{
		Concurrency: 2,
		FlushEvery:  3,
		Policy:      retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
}

func weekdays(from types.Date, n int) []types.Date {
	var out []types.Date
	for d := from; len(out) < n; d = d.AddDays(1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			out = append(out, d)
		}
	}
	return out
}

func TestRun_HitIsArchived(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d := types.MustParseDate("2024-01-22")
	w := types.Window{After: types.MustParseDate("2024-01-05"), Before: types.MustParseDate("2024-03-01")}
	h.stores.Ledger.Ensure(w)

	prober := &fakeProber{present: map[string]bool{h.urls.URL(d): true}}
	p := New(prober, h.backend, h.stores, testConfig(), nil, WithRoster(&fakeRoster{}))

	res, err := p.Run(ctx, h.candidates(types.CandidateTier1, w.Key(), d))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Probes)
	assert.Equal(t, 1, res.Hits)
	assert.Equal(t, 1, res.Added)
	assert.Empty(t, res.Failures)
	assert.True(t, res.Drained())

	e, ok := h.stores.Manifest.Get(d)
	require.True(t, ok)
	assert.Equal(t, types.StatusOK, e.Status)
	assert.Equal(t, storage.BlobPath(d), e.BlobPath)
	assert.Equal(t, "arkiv_20232024", e.PeriodFolder)
	assert.Equal(t, int64(len(pdfBody)), e.SizeBytes)
	assert.Len(t, e.ContentHash, 64)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, storage.PopulationPath(d), e.PopulationRef)

	stored, err := h.backend.Read(ctx, e.BlobPath)
	require.NoError(t, err)
	assert.Equal(t, pdfBody, stored)
	ok, err = h.backend.Exists(ctx, e.PopulationRef)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok = h.stores.Ledger.Get(w.Key())
	assert.False(t, ok, "a hit closes the window that contained it")

	// The final flush made the manifest durable.
	reloaded := manifest.New(h.backend, nil)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, 1, reloaded.Len())
}

func TestRun_NegativeProbeMarksChecked(t *testing.T) {
	h := newHarness(t)
	w := types.Window{After: types.MustParseDate("2024-01-05"), Before: types.MustParseDate("2024-03-01")}
	h.stores.Ledger.Ensure(w)
	dates := weekdays(types.MustParseDate("2024-01-19"), 5)

	p := New(&fakeProber{}, h.backend, h.stores, testConfig(), nil)
	res, err := p.Run(context.Background(), h.candidates(types.CandidateTier1, w.Key(), dates...))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Probes)
	assert.Zero(t, res.Hits)
	assert.Zero(t, h.stores.Manifest.Len())
	for _, d := range dates {
		assert.True(t, h.stores.Ledger.IsChecked(w.Key(), d), d.String())
	}
}

func TestRun_ConfirmedSkipsProbe(t *testing.T) {
	h := newHarness(t)
	d := types.MustParseDate("2024-02-20")
	c := h.candidates(types.CandidateLanding, "", d)
	c[0].Confirmed = true

	prober := &fakeProber{}
	res, err := New(prober, h.backend, h.stores, testConfig(), nil).Run(context.Background(), c)
	require.NoError(t, err)
	assert.Zero(t, res.Probes)
	assert.Equal(t, 1, res.Hits)
	assert.Equal(t, 1, res.Added)
	assert.Len(t, prober.fetched, 1)
}

func TestRun_FetchFailures(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   types.EntryStatus
		kind     types.FailureKind
		attempts int
	}{
		{"integrity exhausted", &archive.IntegrityError{URL: "u", Reason: "empty body"}, types.StatusFailedVerify, types.FailureVerify, 3},
		{"transient exhausted", &archive.TransientError{URL: "u", StatusCode: 503}, types.StatusFailedFetch, types.FailureFetch, 3},
		{"forbidden", &archive.StatusError{URL: "u", StatusCode: 403}, types.StatusFailedFetch, types.FailureFetch, 1},
		{"vanished", archive.ErrNotFound, types.StatusFailedFetch, types.FailureFetch, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			d := types.MustParseDate("2024-02-20")
			prober := &fakeProber{
				present: map[string]bool{h.urls.URL(d): true},
				fetchFn: func(string) (*archive.Document, error) { return nil, tt.err },
			}
			res, err := New(prober, h.backend, h.stores, testConfig(), nil).Run(context.Background(), h.candidates(types.CandidateTier2, "", d))
			require.NoError(t, err)
			require.Len(t, res.Failures, 1)
			assert.Equal(t, tt.kind, res.Failures[0].Kind)
			assert.Zero(t, res.Added)

			e, ok := h.stores.Manifest.Get(d)
			require.True(t, ok)
			assert.Equal(t, tt.status, e.Status)
			assert.Equal(t, tt.attempts, e.Attempts)
			assert.NotEmpty(t, e.ErrorDetail)
			assert.Len(t, prober.fetched, tt.attempts)
		})
	}
}

func TestRun_ProbeErrorLeavesDateUnchecked(t *testing.T) {
	h := newHarness(t)
	w := types.Window{After: types.MustParseDate("2024-01-05"), Before: types.MustParseDate("2024-03-01")}
	h.stores.Ledger.Ensure(w)
	d := types.MustParseDate("2024-01-22")

	prober := &fakeProber{probeFn: func(url string) (bool, error) {
		return false, &archive.TransientError{URL: url, StatusCode: 502}
	}}
	res, err := New(prober, h.backend, h.stores, testConfig(), nil).Run(context.Background(), h.candidates(types.CandidateTier1, w.Key(), d))
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, types.FailureProbe, res.Failures[0].Kind)
	assert.Equal(t, 3, prober.probes())
	assert.False(t, h.stores.Ledger.IsChecked(w.Key(), d))
	assert.Zero(t, h.stores.Manifest.Len())
}

func TestRun_RosterFailureKeepsEntry(t *testing.T) {
	h := newHarness(t)
	d := types.MustParseDate("2024-02-20")
	prober := &fakeProber{present: map[string]bool{h.urls.URL(d): true}}
	p := New(prober, h.backend, h.stores, testConfig(), nil, WithRoster(&fakeRoster{err: errors.New("roster down")}))

	res, err := p.Run(context.Background(), h.candidates(types.CandidateTier2, "", d))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, types.FailurePopulation, res.Failures[0].Kind)

	e, ok := h.stores.Manifest.Get(d)
	require.True(t, ok)
	assert.Equal(t, types.StatusOK, e.Status)
	assert.Empty(t, e.PopulationRef)
}

func TestRun_StorageWriteIsFatal(t *testing.T) {
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	h := newHarnessOn(&failingBackend{Backend: local, prefix: storage.PDFDir})

	dates := weekdays(types.MustParseDate("2024-02-05"), 6)
	present := make(map[string]bool)
	for _, d := range dates {
		present[h.urls.URL(d)] = true
	}
	h.stores.Checkpoint.Begin(types.CheckpointRecord{RunID: "run", Pending: h.candidates(types.CandidateTier2, "", dates...)})

	cfg := testConfig()
	cfg.Concurrency = 1
	res, err := New(&fakeProber{present: present}, h.backend, h.stores, cfg, nil).Run(context.Background(), h.candidates(types.CandidateTier2, "", dates...))
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrWrite)
	assert.Zero(t, res.Resolved)
	assert.False(t, res.Drained())
	assert.Zero(t, h.stores.Manifest.Len())
}

func TestRun_InterruptedRunResumes(t *testing.T) {
	ctx := context.Background()
	b, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	h := newHarnessOn(b)

	dates := weekdays(types.MustParseDate("2024-01-08"), 40)
	work := h.candidates(types.CandidateTier2, "", dates...)
	h.stores.Checkpoint.Begin(types.CheckpointRecord{RunID: "run-1", Pending: work})

	start := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	first := &fakeProber{}
	clock := func() time.Time {
		if first.probes() >= 15 {
			return start.Add(time.Hour)
		}
		return start
	}
	cfg := testConfig()
	cfg.Concurrency = 1
	cfg.Deadline = start.Add(time.Minute)

	res, err := New(first, b, h.stores, cfg, nil, WithClock(clock)).Run(ctx, work)
	require.NoError(t, err)
	assert.True(t, res.DeadlineReached)
	assert.Equal(t, 15, res.Dispatched)
	assert.Equal(t, 15, res.Resolved)
	assert.Equal(t, 25, res.Remaining)
	assert.False(t, res.Drained())

	// A fresh process picks the run up from storage.
	resumed := newHarnessOn(b)
	rec, err := resumed.stores.Checkpoint.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	remaining := resumed.stores.Checkpoint.Remaining()
	require.Len(t, remaining, 25)

	second := &fakeProber{}
	cfg.Deadline = time.Time{}
	res, err = New(second, b, resumed.stores, cfg, nil).Run(ctx, remaining)
	require.NoError(t, err)
	assert.Equal(t, 25, res.Dispatched)
	assert.Equal(t, 25, second.probes())
	assert.True(t, res.Drained())

	done := make(map[string]bool)
	for _, u := range first.probed {
		done[u] = true
	}
	for _, u := range second.probed {
		assert.False(t, done[u], "re-probed %s", u)
	}
}

func TestRun_ConcurrentDistinctDates(t *testing.T) {
	h := newHarness(t)
	dates := weekdays(types.MustParseDate("2022-01-03"), 60)
	present := make(map[string]bool)
	for _, d := range dates {
		present[h.urls.URL(d)] = true
	}
	cfg := testConfig()
	cfg.Concurrency = 8

	res, err := New(&fakeProber{present: present}, h.backend, h.stores, cfg, nil).Run(context.Background(), h.candidates(types.CandidateInitial, "", dates...))
	require.NoError(t, err)
	assert.Equal(t, 60, res.Added)
	assert.Equal(t, 60, h.stores.Manifest.Len())
	assert.Equal(t, dates, h.stores.Manifest.Dates())
}

func TestRun_CancelledContextStopsDispatch(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dates := weekdays(types.MustParseDate("2024-01-08"), 10)
	prober := &fakeProber{}
	res, err := New(prober, h.backend, h.stores, testConfig(), nil).Run(ctx, h.candidates(types.CandidateTier2, "", dates...))
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Zero(t, prober.probes())
	assert.Equal(t, 10, res.Remaining)
}

// hookBackend runs fn once, just before the first write to path.
type hookBackend struct {
	storage.Backend
	path string
	once sync.Once
	fn   func()
}

func (h *hookBackend) Write(ctx context.Context, path string, data []byte) error {
	if path == h.path && h.fn != nil {
		h.once.Do(h.fn)
	}
	return h.Backend.Write(ctx, path, data)
}

func TestFlush_CheckpointNeverAheadOfManifest(t *testing.T) {
	ctx := context.Background()
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	hook := &hookBackend{Backend: local, path: storage.ManifestPath}
	h := newHarnessOn(hook)

	early, late := types.MustParseDate("2024-02-02"), types.MustParseDate("2024-02-16")
	cands := h.candidates(types.CandidateTier1, "", early, late)
	h.stores.Checkpoint.Begin(types.CheckpointRecord{RunID: "01HRUN", Pending: cands})
	commit := func(d types.Date) {
		_, err := h.stores.Manifest.Upsert(types.ManifestEntry{Date: d, URL: h.urls.URL(d), ContentHash: "h", Status: types.StatusOK})
		require.NoError(t, err)
		h.stores.Checkpoint.MarkCompleted(d)
	}
	commit(early)
	// Another worker commits while the manifest is being written.
	hook.fn = func() { commit(late) }

	p := New(&fakeProber{}, hook, h.stores, testConfig(), nil)
	require.NoError(t, p.flush(ctx))

	durable := newHarnessOn(local)
	require.NoError(t, durable.stores.Manifest.Load(ctx))
	rec, err := durable.stores.Checkpoint.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	for _, d := range rec.Completed {
		_, ok := durable.stores.Manifest.Get(d)
		assert.True(t, ok, "checkpoint completes %s but the manifest lacks it", d)
	}
	assert.Equal(t, []types.Date{early}, rec.Completed)
	assert.Equal(t, cands[1:], durable.stores.Checkpoint.Remaining())

	// The late commit reaches disk with the next flush.
	require.NoError(t, p.flush(ctx))
	require.NoError(t, durable.stores.Manifest.Load(ctx))
	rec, err = durable.stores.Checkpoint.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.Date{early, late}, rec.Completed)
	_, ok := durable.stores.Manifest.Get(late)
	assert.True(t, ok)
}

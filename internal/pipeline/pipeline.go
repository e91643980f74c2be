// Package pipeline drains a run's worklist: probe, fetch, verify, store, and record every
// resolution in the manifest, hypothesis ledger and checkpoint.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dwsmith1983/regmirror/internal/archive"
	"github.com/dwsmith1983/regmirror/internal/checkpoint"
	"github.com/dwsmith1983/regmirror/internal/hypothesis"
	"github.com/dwsmith1983/regmirror/internal/manifest"
	"github.com/dwsmith1983/regmirror/internal/metrics"
	"github.com/dwsmith1983/regmirror/internal/retry"
	"github.com/dwsmith1983/regmirror/internal/storage"
	"github.com/dwsmith1983/regmirror/internal/urlgen"
	"github.com/dwsmith1983/regmirror/pkg/types"
)

// DefaultFlushEvery is the number of resolutions between durable flushes.
const DefaultFlushEvery = 10

// Prober is the archive surface the pipeline needs.
type Prober interface {
	Probe(ctx context.Context, url string) (bool, error)
	Fetch(ctx context.Context, url string) (*archive.Document, error)
}

// PopulationSource returns the roster in scope on a date.
type PopulationSource interface {
	Snapshot(ctx context.Context, d types.Date) (*types.PopulationSnapshot, error)
}

// Stores are the three durable stores a run commits to.
type Stores struct {
	Manifest   *manifest.Store
	Ledger     *hypothesis.Ledger
	Checkpoint *checkpoint.Store
}

// Config tunes a Pipeline.
type Config struct {
	Concurrency int
	Policy      retry.Policy
	FlushEvery  int
	// Deadline stops dispatch once passed. Zero means no deadline.
	Deadline time.Time
}

// Result reports what one Run did.
type Result struct {
	Dispatched int
	Resolved   int
	Probes     int
	Hits       int
	Added      int
	Failures   []types.Failure
	// Remaining counts candidates never dispatched.
	Remaining       int
	DeadlineReached bool
	Interrupted     bool
}

// Drained reports whether every candidate was resolved.
func (r *Result) Drained() bool {
	return r.Remaining == 0 && r.Resolved == r.Dispatched
}

// Pipeline is a fixed-width worker pool over a candidate worklist.
type Pipeline struct {
	prober  Prober
	roster  PopulationSource
	backend storage.Backend
	stores  Stores
	urls    *urlgen.Generator
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	tracer  trace.Tracer

	flushMu  sync.Mutex
	resolved atomic.Int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRoster enables population snapshots for newly archived dates.
func WithRoster(r PopulationSource) Option {
	return func(p *Pipeline) { p.roster = r }
}

// WithURLs sets the generator used to record the period folder of archived documents.
func WithURLs(g *urlgen.Generator) Option {
	return func(p *Pipeline) { p.urls = g }
}

// WithClock overrides the clock used for the deadline and timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline.
func New(prober Prober, backend storage.Backend, stores Stores, cfg Config, logger *slog.Logger, opts ...Option) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = DefaultFlushEvery
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = retry.DefaultPolicy(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		prober:  prober,
		backend: backend,
		stores:  stores,
		urls:    urlgen.New(""),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		tracer:  otel.Tracer("github.com/dwsmith1983/regmirror/internal/pipeline"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type tally struct {
	mu  sync.Mutex
	res Result
}

func (t *tally) update(fn func(r *Result)) {
	t.mu.Lock()
	fn(&t.res)
	t.mu.Unlock()
}

// Run resolves candidates until the worklist drains, the deadline passes, or ctx ends.
// Only a storage failure is returned as an error; the stores are flushed before Run
// returns either way.
func (p *Pipeline) Run(ctx context.Context, candidates []types.Candidate) (*Result, error) {
	queue := make(chan types.Candidate, len(candidates))
	for _, c := range candidates {
		queue <- c
	}
	close(queue)

	var (
		t        tally
		deadline atomic.Bool
	)
	g, gctx := errgroup.WithContext(ctx)
	for range p.cfg.Concurrency {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return nil
				}
				if p.expired() {
					deadline.Store(true)
					return nil
				}
				var (
					c  types.Candidate
					ok bool
				)
				select {
				case <-gctx.Done():
					return nil
				case c, ok = <-queue:
				}
				if !ok {
					return nil
				}
				if p.stores.Checkpoint.IsCompleted(c.Date) {
					continue
				}
				t.update(func(r *Result) { r.Dispatched++ })
				if err := p.resolve(gctx, c, &t); err != nil {
					return err
				}
			}
		})
	}
	runErr := g.Wait()

	res := t.res
	res.Remaining = len(queue)
	res.DeadlineReached = deadline.Load()
	res.Interrupted = ctx.Err() != nil

	// Flush even when a write failed: the other stores may still be consistent.
	if err := p.flush(context.WithoutCancel(ctx)); err != nil {
		if runErr == nil {
			runErr = err
		} else {
			p.logger.Error("pipeline: final flush failed", "error", err)
		}
	}
	return &res, runErr
}

func (p *Pipeline) expired() bool {
	return !p.cfg.Deadline.IsZero() && !p.now().Before(p.cfg.Deadline)
}

// resolve handles one candidate. A nil return with no checkpoint completion means the
// candidate was abandoned because the run is shutting down.
func (p *Pipeline) resolve(ctx context.Context, c types.Candidate, t *tally) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.resolve", trace.WithAttributes(
		attribute.String("date", c.Date.String()),
		attribute.String("tier", c.Tier.String()),
		attribute.Bool("confirmed", c.Confirmed),
	))
	defer span.End()

	logger := p.logger.With("date", c.Date, "tier", c.Tier)
	tier := metrics.Tier(c.Tier.String())

	if !c.Confirmed {
		t.update(func(r *Result) { r.Probes++ })
		metrics.Inc(ctx, metrics.ProbesTotal, tier)
		found, err := p.probe(ctx, c.URL)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.Inc(ctx, metrics.ProbeErrors, tier)
			span.SetStatus(codes.Error, err.Error())
			logger.Warn("pipeline: probe failed", "url", c.URL, "error", err)
			t.update(func(r *Result) {
				r.Failures = append(r.Failures, types.Failure{Date: c.Date, URL: c.URL, Kind: types.FailureProbe, Detail: err.Error()})
			})
			return p.complete(ctx, c, t)
		}
		if !found {
			p.stores.Ledger.MarkChecked(c.Window, c.Date)
			return p.complete(ctx, c, t)
		}
	}

	t.update(func(r *Result) { r.Hits++ })
	metrics.Inc(ctx, metrics.HitsTotal, tier)
	logger.Info("pipeline: document found", "url", c.URL)

	doc, attempts, err := p.fetch(ctx, c.URL)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return p.recordFetchFailure(ctx, c, attempts, err, t)
	}

	sum := sha256.Sum256(doc.Body)
	blob := storage.BlobPath(c.Date)
	if err := p.backend.Write(ctx, blob, doc.Body); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("storing document %s: %w", c.Date, err)
	}
	metrics.BytesStored.Add(ctx, int64(len(doc.Body)))

	_, folder, _ := p.urls.Parse(c.URL)
	result, err := p.stores.Manifest.Upsert(types.ManifestEntry{
		Date:         c.Date,
		URL:          c.URL,
		PeriodFolder: folder,
		BlobPath:     blob,
		ContentHash:  hex.EncodeToString(sum[:]),
		SizeBytes:    int64(len(doc.Body)),
		FetchedAt:    p.now().UTC(),
		Status:       types.StatusOK,
		Attempts:     attempts,
	})
	if err != nil {
		return fmt.Errorf("recording %s: %w", c.Date, err)
	}
	if result == manifest.Inserted || result == manifest.Replaced {
		t.update(func(r *Result) { r.Added++ })
		metrics.Inc(ctx, metrics.EntriesAdded)
	}
	if keys := p.stores.Ledger.DeleteCovering(c.Date); len(keys) > 0 {
		logger.Debug("pipeline: closed gap windows", "windows", keys)
	}

	if err := p.population(ctx, c, t); err != nil {
		return err
	}
	return p.complete(ctx, c, t)
}

func (p *Pipeline) recordFetchFailure(ctx context.Context, c types.Candidate, attempts int, err error, t *tally) error {
	status, kind := types.StatusFailedFetch, types.FailureFetch
	if archive.IsIntegrity(err) {
		status, kind = types.StatusFailedVerify, types.FailureVerify
	}
	metrics.Inc(ctx, metrics.FetchFailures, metrics.Tier(c.Tier.String()))
	trace.SpanFromContext(ctx).SetStatus(codes.Error, err.Error())
	p.logger.Warn("pipeline: fetch failed", "date", c.Date, "url", c.URL, "status", status, "attempts", attempts, "error", err)

	if _, uerr := p.stores.Manifest.Upsert(types.ManifestEntry{
		Date:        c.Date,
		URL:         c.URL,
		FetchedAt:   p.now().UTC(),
		Status:      status,
		ErrorDetail: err.Error(),
		Attempts:    attempts,
	}); uerr != nil {
		return fmt.Errorf("recording %s: %w", c.Date, uerr)
	}
	t.update(func(r *Result) {
		r.Failures = append(r.Failures, types.Failure{Date: c.Date, URL: c.URL, Kind: kind, Detail: err.Error()})
	})
	return p.complete(ctx, c, t)
}

// population stores the roster snapshot for a newly archived date. Roster failures leave
// the population ref unset; only the snapshot write is fatal.
func (p *Pipeline) population(ctx context.Context, c types.Candidate, t *tally) error {
	if p.roster == nil {
		return nil
	}
	if e, ok := p.stores.Manifest.Get(c.Date); ok && e.PopulationRef != "" {
		return nil
	}
	snap, err := p.roster.Snapshot(ctx, c.Date)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.logger.Warn("pipeline: population snapshot failed", "date", c.Date, "error", err)
		t.update(func(r *Result) {
			r.Failures = append(r.Failures, types.Failure{Date: c.Date, Kind: types.FailurePopulation, Detail: err.Error()})
		})
		return nil
	}
	ref, err := WritePopulation(ctx, p.backend, snap)
	if err != nil {
		return err
	}
	return p.stores.Manifest.SetPopulationRef(c.Date, ref)
}

// WritePopulation stores snap and returns its path.
func WritePopulation(ctx context.Context, b storage.Backend, snap *types.PopulationSnapshot) (string, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding population %s: %w", snap.Date, err)
	}
	path := storage.PopulationPath(snap.Date)
	if err := b.Write(ctx, path, append(data, '\n')); err != nil {
		return "", fmt.Errorf("storing population %s: %w", snap.Date, err)
	}
	return path, nil
}

func (p *Pipeline) complete(ctx context.Context, c types.Candidate, t *tally) error {
	p.stores.Checkpoint.MarkCompleted(c.Date)
	t.update(func(r *Result) { r.Resolved++ })
	if n := p.resolved.Add(1); n%int64(p.cfg.FlushEvery) == 0 {
		return p.flush(ctx)
	}
	return nil
}

// flush persists the manifest, then the ledger, then the checkpoint as it stood before
// either was written. A date is marked completed only after its manifest and ledger
// changes, so the durable checkpoint never claims a resolution the other stores lack.
func (p *Pipeline) flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()
	snap := p.stores.Checkpoint.Snapshot()
	if err := p.stores.Manifest.Flush(ctx); err != nil {
		p.stores.Checkpoint.Requeue(snap)
		return fmt.Errorf("flushing manifest: %w", err)
	}
	if err := p.stores.Ledger.Flush(ctx); err != nil {
		p.stores.Checkpoint.Requeue(snap)
		return fmt.Errorf("flushing hypotheses: %w", err)
	}
	if err := p.stores.Checkpoint.Persist(ctx, snap); err != nil {
		return fmt.Errorf("flushing checkpoint: %w", err)
	}
	return nil
}

func (p *Pipeline) probe(ctx context.Context, url string) (bool, error) {
	var found bool
	err := retry.Do(ctx, p.cfg.Policy, archive.IsTransient, func(ctx context.Context) error {
		var err error
		found, err = p.prober.Probe(ctx, url)
		return err
	}, p.onRetry("probe", url))
	return found, err
}

func (p *Pipeline) fetch(ctx context.Context, url string) (*archive.Document, int, error) {
	var (
		doc      *archive.Document
		attempts int
	)
	err := retry.Do(ctx, p.cfg.Policy, archive.Retryable, func(ctx context.Context) error {
		attempts++
		metrics.Inc(ctx, metrics.FetchesTotal)
		var err error
		doc, err = p.prober.Fetch(ctx, url)
		return err
	}, p.onRetry("fetch", url))
	if err != nil && errors.Is(err, archive.ErrNotFound) {
		err = fmt.Errorf("document vanished after a positive probe: %w", err)
	}
	return doc, attempts, err
}

func (p *Pipeline) onRetry(op, url string) func(int, error) {
	return func(attempt int, err error) {
		p.logger.Debug("pipeline: retrying", "op", op, "url", url, "attempt", attempt, "error", err)
	}
}

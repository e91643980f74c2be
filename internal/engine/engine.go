// Package engine runs one mirror sync: it plans the worklist from the manifest and the
// hypothesis ledger, drains it through the pipeline, and settles the run's promotions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dwsmith1983/regmirror/internal/calendar"
	"github.com/dwsmith1983/regmirror/internal/checkpoint"
	"github.com/dwsmith1983/regmirror/internal/gaps"
	"github.com/dwsmith1983/regmirror/internal/hypothesis"
	"github.com/dwsmith1983/regmirror/internal/landing"
	"github.com/dwsmith1983/regmirror/internal/lease"
	"github.com/dwsmith1983/regmirror/internal/manifest"
	"github.com/dwsmith1983/regmirror/internal/metrics"
	"github.com/dwsmith1983/regmirror/internal/pipeline"
	"github.com/dwsmith1983/regmirror/internal/retry"
	"github.com/dwsmith1983/regmirror/internal/storage"
	"github.com/dwsmith1983/regmirror/internal/urlgen"
	"github.com/dwsmith1983/regmirror/pkg/types"
)

// Archive is the remote surface a run needs: probes and fetches for documents, and page
// reads for the landing page.
type Archive interface {
	pipeline.Prober
	landing.PageFetcher
}

// Deps are the collaborators an Engine works with.
type Deps struct {
	Backend  storage.Backend
	Archive  Archive
	Roster   pipeline.PopulationSource // nil disables population snapshots
	Lease    lease.Lease               // nil means no lease
	Calendar *calendar.Calendar
	URLs     *urlgen.Generator
}

// Settings are the run-level knobs.
type Settings struct {
	MaxConcurrent int
	MaxRetries    int
	MaxRuntime    time.Duration // zero means unlimited
	FlushEvery    int
	ScanStart     int
	ScanEnd       int
	Recheck       gaps.RecheckPolicy
	LandingURL    string
	LeaseTTL      time.Duration
}

// Engine orchestrates runs against one mirror.
type Engine struct {
	deps     Deps
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
	policy   retry.Policy
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock (useful for testing).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRetryPolicy replaces the backoff policy built from MaxRetries.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// New creates an Engine.
func New(deps Deps, settings Settings, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Lease == nil {
		deps.Lease = lease.Noop{}
	}
	if deps.URLs == nil {
		deps.URLs = urlgen.New("")
	}
	if deps.Calendar == nil {
		deps.Calendar, _ = calendar.New(0, 0)
	}
	if settings.LandingURL == "" {
		settings.LandingURL = landing.DefaultURL
	}
	if settings.LeaseTTL <= 0 {
		settings.LeaseTTL = lease.DefaultTTL
	}
	e := &Engine{
		deps:     deps,
		settings: settings,
		logger:   logger,
		now:      time.Now,
		policy:   retry.DefaultPolicy(settings.MaxRetries),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type stores struct {
	manifest   *manifest.Store
	ledger     *hypothesis.Ledger
	checkpoint *checkpoint.Store
}

func (e *Engine) load(ctx context.Context) (*stores, *types.CheckpointRecord, error) {
	s := &stores{
		manifest:   manifest.New(e.deps.Backend, e.logger),
		ledger:     hypothesis.New(e.deps.Backend, e.logger, hypothesis.WithClock(e.now)),
		checkpoint: checkpoint.New(e.deps.Backend),
	}
	s.checkpoint.SetClock(e.now)
	if err := s.manifest.Load(ctx); err != nil {
		return nil, nil, err
	}
	if err := s.ledger.Load(ctx); err != nil {
		return nil, nil, err
	}
	rec, err := s.checkpoint.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, rec, nil
}

// Run performs one sync. A run interrupted by its deadline or by ctx leaves a checkpoint
// behind and the next Run resumes it instead of planning again.
func (e *Engine) Run(ctx context.Context) (*types.RunSummary, error) {
	started := e.now()
	holder := ulid.Make().String()
	summary := &types.RunSummary{RunID: holder, StartedAt: started.UTC()}

	if err := e.deps.Lease.Acquire(ctx, holder, e.settings.LeaseTTL); err != nil {
		return nil, err
	}
	defer func() {
		if err := e.deps.Lease.Release(context.WithoutCancel(ctx), holder); err != nil {
			e.logger.Warn("engine: releasing lease failed", "error", err)
		}
	}()

	s, rec, err := e.load(ctx)
	if err != nil {
		return nil, err
	}

	var (
		work       []types.Candidate
		promotions []types.Promotion
	)
	if rec != nil {
		summary.RunID = rec.RunID
		summary.Resumed = true
		summary.Planned = len(rec.Pending)
		work = s.checkpoint.Remaining()
		promotions = rec.Promotions
		e.logger.Info("engine: resuming run", "run", rec.RunID,
			"completed", len(rec.Completed), "remaining", len(work))
	} else {
		plan, hits := e.plan(ctx, s, false)
		summary.LandingHits = len(hits)
		summary.Planned = len(plan.Candidates)
		work = plan.Candidates
		promotions = plan.Promotions

		current := make(map[string]bool, len(plan.Windows))
		for _, w := range plan.Windows {
			current[w.Key()] = true
		}
		if n := s.ledger.Prune(current); n > 0 {
			e.logger.Info("engine: pruned stale gap windows", "count", n)
		}
		s.checkpoint.Begin(types.CheckpointRecord{
			RunID:      summary.RunID,
			StartedAt:  started.UTC(),
			Pending:    work,
			Promotions: promotions,
		})
		if err := s.ledger.Flush(ctx); err != nil {
			return summary, fmt.Errorf("flushing hypotheses: %w", err)
		}
		if err := s.checkpoint.Flush(ctx); err != nil {
			return summary, fmt.Errorf("flushing checkpoint: %w", err)
		}
		e.logger.Info("engine: planned run", "run", summary.RunID, "candidates", len(work),
			"landing_hits", len(hits), "promotions", len(promotions))
	}

	cfg := pipeline.Config{
		Concurrency: e.settings.MaxConcurrent,
		Policy:      e.policy,
		FlushEvery:  e.settings.FlushEvery,
	}
	if e.settings.MaxRuntime > 0 {
		cfg.Deadline = started.Add(e.settings.MaxRuntime)
	}
	opts := []pipeline.Option{pipeline.WithURLs(e.deps.URLs), pipeline.WithClock(e.now)}
	if e.deps.Roster != nil {
		opts = append(opts, pipeline.WithRoster(e.deps.Roster))
	}
	p := pipeline.New(e.deps.Archive, e.deps.Backend, pipeline.Stores{
		Manifest:   s.manifest,
		Ledger:     s.ledger,
		Checkpoint: s.checkpoint,
	}, cfg, e.logger, opts...)

	res, runErr := p.Run(ctx, work)
	if res != nil {
		summary.Dispatched = res.Dispatched
		summary.Probes = res.Probes
		summary.Hits = res.Hits
		summary.Added = res.Added
		summary.Failures = res.Failures
		summary.DeadlineReached = res.DeadlineReached || res.Interrupted
	}
	if runErr != nil {
		summary.FinishedAt = e.now().UTC()
		return summary, runErr
	}

	if res.Drained() && !res.Interrupted {
		if err := e.settle(ctx, s, promotions); err != nil {
			return summary, err
		}
	} else {
		e.logger.Warn("engine: run stopped before the worklist drained",
			"run", summary.RunID, "remaining", len(s.checkpoint.Remaining()))
	}

	summary.OutstandingWindows = s.ledger.Outstanding()
	summary.FinishedAt = e.now().UTC()
	metrics.RunDuration.Record(ctx, summary.FinishedAt.Sub(summary.StartedAt).Seconds())
	return summary, nil
}

// settle applies the run's promotions and retires its checkpoint. Windows closed by a hit
// during the run are gone from the ledger and their promotions are skipped.
func (e *Engine) settle(ctx context.Context, s *stores, promotions []types.Promotion) error {
	for _, pr := range promotions {
		err := s.ledger.Promote(pr.Window, pr.To)
		switch {
		case err == nil:
			metrics.Inc(ctx, metrics.Promotions)
			e.logger.Debug("engine: promoted window", "window", pr.Window, "tier", pr.To)
		case errors.Is(err, hypothesis.ErrNotFound):
		default:
			e.logger.Warn("engine: promotion rejected", "window", pr.Window, "tier", pr.To, "error", err)
		}
	}
	if err := s.ledger.Flush(ctx); err != nil {
		return fmt.Errorf("flushing hypotheses: %w", err)
	}
	return s.checkpoint.Clear(ctx)
}

// plan gathers landing-page hits (unless offline) and runs the gap analyzer.
func (e *Engine) plan(ctx context.Context, s *stores, offline bool) (gaps.Plan, []types.Hit) {
	var hits []types.Hit
	if !offline {
		collector := landing.NewCollector(e.deps.Archive, e.deps.URLs, e.policy, e.logger)
		hits = collector.Collect(ctx, e.settings.LandingURL)
	}
	now := e.now()
	a := &gaps.Analyzer{
		Calendar:  e.deps.Calendar,
		URLs:      e.deps.URLs,
		ScanStart: e.settings.ScanStart,
		ScanEnd:   e.settings.ScanEnd,
		Recheck:   e.settings.Recheck,
		Today:     types.DateOf(now),
		Now:       now,
		Logger:    e.logger,
	}
	return a.Analyze(gaps.Input{Entries: s.manifest.List(), Landing: hits}, s.ledger), hits
}

// Plan computes the worklist a run would start with, without probing or persisting
// anything.
func (e *Engine) Plan(ctx context.Context, offline bool) (gaps.Plan, []types.Hit, error) {
	s, _, err := e.load(ctx)
	if err != nil {
		return gaps.Plan{}, nil, err
	}
	plan, hits := e.plan(ctx, s, offline)
	return plan, hits, nil
}

// Status reports the state of the mirror. It never writes.
func (e *Engine) Status(ctx context.Context) (*types.ArchiveStatus, error) {
	s, rec, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	st := s.manifest.Stats()
	return &types.ArchiveStatus{
		Total:              st.Total,
		ByStatus:           st.ByStatus,
		Earliest:           st.Earliest,
		Latest:             st.Latest,
		MissingPopulation:  st.MissingPopulation,
		OutstandingWindows: s.ledger.Outstanding(),
		ExhaustedWindows:   s.ledger.Exhausted(),
		Checkpoint:         rec,
	}, nil
}

// BackfillSummary reports the outcome of a population backfill.
type BackfillSummary struct {
	Missing  int
	Filled   int
	Failures []types.Failure
}

// Backfill fetches population snapshots for archived dates that have none.
func (e *Engine) Backfill(ctx context.Context) (*BackfillSummary, error) {
	if e.deps.Roster == nil {
		return nil, fmt.Errorf("population snapshots are disabled (roster.enabled is false)")
	}
	holder := ulid.Make().String()
	if err := e.deps.Lease.Acquire(ctx, holder, e.settings.LeaseTTL); err != nil {
		return nil, err
	}
	defer func() {
		if err := e.deps.Lease.Release(context.WithoutCancel(ctx), holder); err != nil {
			e.logger.Warn("engine: releasing lease failed", "error", err)
		}
	}()

	s, _, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	out := &BackfillSummary{}
	for _, entry := range s.manifest.List() {
		if entry.Status != types.StatusOK || entry.PopulationRef != "" {
			continue
		}
		out.Missing++
		snap, err := e.deps.Roster.Snapshot(ctx, entry.Date)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			e.logger.Warn("engine: population snapshot failed", "date", entry.Date, "error", err)
			out.Failures = append(out.Failures, types.Failure{Date: entry.Date, Kind: types.FailurePopulation, Detail: err.Error()})
			continue
		}
		ref, err := pipeline.WritePopulation(ctx, e.deps.Backend, snap)
		if err != nil {
			return out, err
		}
		if err := s.manifest.SetPopulationRef(entry.Date, ref); err != nil {
			return out, err
		}
		out.Filled++
	}
	if err := s.manifest.Flush(ctx); err != nil {
		return out, fmt.Errorf("flushing manifest: %w", err)
	}
	return out, nil
}

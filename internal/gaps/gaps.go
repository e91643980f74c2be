// Package gaps turns the manifest and the hypothesis ledger into a run's worklist.
package gaps

import (
	"log/slog"
	"sort"
	"time"

	"github.com/dwsmith1983/regmirror/internal/calendar"
	"github.com/dwsmith1983/regmirror/internal/urlgen"
	"github.com/dwsmith1983/regmirror/pkg/types"
)

// Escalation constants.
const (
	// EscalationThreshold is the span in days above which a window gets a hypothesis record.
	EscalationThreshold = 21
	// EstimateOffset is the distance from the left boundary to the estimated publication week.
	EstimateOffset = 14
	// EstimateWeek is the length of the estimated publication week in days.
	EstimateWeek = 7
)

// RecheckPolicy decides what happens to windows already at tier2_checked.
type RecheckPolicy struct {
	Mode     types.RecheckMode
	Interval time.Duration // only used by RecheckFull
}

// Ledger is the part of the hypothesis ledger the analyzer reads and seeds.
type Ledger interface {
	Get(key string) (types.HypothesisRecord, bool)
	Ensure(w types.Window) (types.HypothesisRecord, bool)
}

// Input is the manifest-derived state the analyzer works from.
type Input struct {
	Entries []types.ManifestEntry
	Landing []types.Hit
}

// Plan is the analyzer's output for one run.
type Plan struct {
	Candidates []types.Candidate
	Promotions []types.Promotion
	Windows    []types.Window
	Created    []string
}

// Analyzer computes gap windows and the tiered worklist.
type Analyzer struct {
	Calendar  *calendar.Calendar
	URLs      *urlgen.Generator
	ScanStart int // first year of the empty-manifest scan
	ScanEnd   int // last year of the empty-manifest scan; 0 means the current year
	Recheck   RecheckPolicy
	Today     types.Date
	Now       time.Time
	Logger    *slog.Logger
}

// Analyze builds the plan. It creates ledger records for newly escalated windows but never
// promotes them; promotions are returned for the caller to apply once the worklist drains.
func (a *Analyzer) Analyze(in Input, ledger Ledger) Plan {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := newBuilder()
	known := make(map[types.Date]bool)
	ok := make(map[types.Date]bool)
	for _, e := range in.Entries {
		known[e.Date] = true
		if e.Status == types.StatusOK {
			ok[e.Date] = true
		}
	}

	for _, h := range in.Landing {
		known[h.Date] = true
		if ok[h.Date] || h.Date.After(a.Today) {
			continue
		}
		b.add(types.Candidate{Date: h.Date, URL: h.URL, Tier: types.CandidateLanding, Confirmed: true})
	}

	for _, e := range in.Entries {
		if e.Status == types.StatusOK {
			continue
		}
		url := e.URL
		if url == "" {
			url = a.URLs.URL(e.Date)
		}
		b.add(types.Candidate{Date: e.Date, URL: url, Tier: types.CandidateRetry})
	}

	var plan Plan
	if len(known) == 0 {
		w := a.initialWindow()
		plan.Windows = []types.Window{w}
		rec, created := ledger.Ensure(w)
		if created {
			plan.Created = append(plan.Created, rec.Key)
		}
		a.schedule(b, &plan, rec, types.CandidateInitial, types.Tier2Checked, logger)
	} else {
		dates := make([]types.Date, 0, len(known))
		for d := range known {
			dates = append(dates, d)
		}
		sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

		for i := 0; i+1 < len(dates); i++ {
			plan.Windows = append(plan.Windows, types.Window{After: dates[i], Before: dates[i+1]})
		}
		if last := dates[len(dates)-1]; last.Before(a.Today) {
			plan.Windows = append(plan.Windows, types.Window{After: last})
		}

		for _, w := range plan.Windows {
			rec, exists := ledger.Get(w.Key())
			if !exists {
				if w.Span(a.Today) <= EscalationThreshold {
					continue
				}
				rec, _ = ledger.Ensure(w)
				plan.Created = append(plan.Created, rec.Key)
			}
			switch {
			case rec.Tier != types.Tier2Checked && a.covered(rec):
				// Every eligible day was probed already, typically by the initial scan
				// this window was split from.
				plan.Promotions = append(plan.Promotions, types.Promotion{Window: rec.Key, To: types.Tier2Checked})
			case rec.Tier == types.TierUnchecked:
				a.schedule(b, &plan, rec, types.CandidateTier1, types.Tier1Checked, logger)
			case rec.Tier == types.Tier1Checked:
				a.schedule(b, &plan, rec, types.CandidateTier2, types.Tier2Checked, logger)
			case rec.Tier == types.Tier2Checked:
				a.recheck(b, rec)
			}
		}
	}

	plan.Candidates = b.sorted()
	return plan
}

// initialWindow spans the configured scan years. It stays open when the scan reaches the
// current year so its key does not change from day to day.
func (a *Analyzer) initialWindow() types.Window {
	w := types.Window{After: types.NewDate(a.ScanStart, time.January, 1).AddDays(-1)}
	end := a.ScanEnd
	if end == 0 {
		end = a.Today.Year
	}
	if end < a.Today.Year {
		w.Before = types.NewDate(end+1, time.January, 1)
	}
	return w
}

func (a *Analyzer) schedule(b *builder, plan *Plan, rec types.HypothesisRecord, tier types.CandidateTier, to types.Tier, logger *slog.Logger) {
	w := rec.Window()
	var dates []types.Date
	if tier == types.CandidateTier1 {
		start := w.After.AddDays(EstimateOffset)
		dates = a.Calendar.Weekdays(start, start.AddDays(EstimateWeek-1))
	} else {
		dates = a.Calendar.Weekdays(w.After.AddDays(1), a.lastDay(w))
	}
	checked := checkedSet(rec)
	n := 0
	for _, d := range dates {
		if !w.Contains(d) || d.After(a.Today) || checked[d] {
			continue
		}
		if b.add(types.Candidate{Date: d, URL: a.URLs.URL(d), Tier: tier, Window: rec.Key}) {
			n++
		}
	}
	plan.Promotions = append(plan.Promotions, types.Promotion{Window: rec.Key, To: to})
	logger.Debug("gap window scheduled", "window", rec.Key, "tier", rec.Tier, "candidates", n)
}

func (a *Analyzer) recheck(b *builder, rec types.HypothesisRecord) {
	w := rec.Window()
	var skip map[types.Date]bool
	switch a.Recheck.Mode {
	case types.RecheckNone:
		return
	case types.RecheckFull:
		if !rec.LastProbedAt.IsZero() && a.Now.Sub(rec.LastProbedAt) < a.Recheck.Interval {
			return
		}
	default:
		skip = checkedSet(rec)
	}
	for _, d := range a.Calendar.Weekdays(w.After.AddDays(1), a.lastDay(w)) {
		if !w.Contains(d) || d.After(a.Today) || skip[d] {
			continue
		}
		b.add(types.Candidate{Date: d, URL: a.URLs.URL(d), Tier: types.CandidateRecheck, Window: rec.Key})
	}
}

// covered reports whether every eligible day of the window up to today is in its
// checked dates.
func (a *Analyzer) covered(rec types.HypothesisRecord) bool {
	w := rec.Window()
	checked := checkedSet(rec)
	for _, d := range a.Calendar.Weekdays(w.After.AddDays(1), a.lastDay(w)) {
		if w.Contains(d) && !checked[d] {
			return false
		}
	}
	return true
}

func (a *Analyzer) lastDay(w types.Window) types.Date {
	if w.Open() || w.Before.After(a.Today) {
		return a.Today
	}
	return w.Before.AddDays(-1)
}

func checkedSet(rec types.HypothesisRecord) map[types.Date]bool {
	set := make(map[types.Date]bool, len(rec.CheckedDates))
	for _, d := range rec.CheckedDates {
		set[d] = true
	}
	return set
}

// builder keeps the first, highest-priority candidate for each date.
type builder struct {
	byDate map[types.Date]types.Candidate
}

func newBuilder() *builder {
	return &builder{byDate: make(map[types.Date]types.Candidate)}
}

func (b *builder) add(c types.Candidate) bool {
	if cur, ok := b.byDate[c.Date]; ok && cur.Tier <= c.Tier {
		return false
	}
	b.byDate[c.Date] = c
	return true
}

func (b *builder) sorted() []types.Candidate {
	out := make([]types.Candidate, 0, len(b.byDate))
	for _, c := range b.byDate {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"

	"github.com/dwsmith1983/regmirror/internal/gaps"
	"github.com/dwsmith1983/regmirror/pkg/types"
)

func printSummary(w io.Writer, s *types.RunSummary) {
	bold := color.New(color.Bold)
	title := "Sync " + s.RunID
	if s.Resumed {
		title += " (resumed)"
	}
	_, _ = bold.Fprintln(w, title)

	_, _ = fmt.Fprintf(w, "  Landing links:    %d\n", s.LandingHits)
	_, _ = fmt.Fprintf(w, "  Planned:          %d\n", s.Planned)
	_, _ = fmt.Fprintf(w, "  Dispatched:       %d\n", s.Dispatched)
	_, _ = fmt.Fprintf(w, "  Probes:           %d\n", s.Probes)
	_, _ = fmt.Fprintf(w, "  Documents found:  %d\n", s.Hits)
	added := fmt.Sprintf("%d", s.Added)
	if s.Added > 0 {
		added = color.GreenString("%d", s.Added)
	}
	_, _ = fmt.Fprintf(w, "  Documents added:  %s\n", added)
	_, _ = fmt.Fprintf(w, "  Open gap windows: %d\n", s.OutstandingWindows)
	if !s.FinishedAt.IsZero() {
		_, _ = fmt.Fprintf(w, "  Duration:         %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	}
	if s.DeadlineReached {
		_, _ = fmt.Fprintln(w, color.YellowString("  Stopped early; the next sync resumes this run."))
	}
	printFailures(w, s.Failures)
}

func printFailures(w io.Writer, failures []types.Failure) {
	if len(failures) == 0 {
		return
	}
	sorted := append([]types.Failure(nil), failures...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	_, _ = fmt.Fprintln(w)
	_, _ = color.New(color.Bold).Fprintf(w, "Failures (%d):\n", len(sorted))
	for _, f := range sorted {
		_, _ = fmt.Fprintf(w, "  %s  %-17s %s\n", f.Date, color.RedString(string(f.Kind)), f.Detail)
	}
}

func printStatus(w io.Writer, root string, st *types.ArchiveStatus) {
	bold := color.New(color.Bold)
	_, _ = bold.Fprintf(w, "Mirror %s\n", root)

	if st.Total == 0 {
		_, _ = fmt.Fprintln(w, "  No documents archived yet.")
	} else {
		_, _ = fmt.Fprintf(w, "  Documents:        %d\n", st.Total)
		for _, status := range []types.EntryStatus{types.StatusOK, types.StatusFailedFetch, types.StatusFailedVerify} {
			n := st.ByStatus[status]
			if n == 0 {
				continue
			}
			label := color.GreenString(string(status))
			if status != types.StatusOK {
				label = color.RedString(string(status))
			}
			_, _ = fmt.Fprintf(w, "    %-24s %d\n", label, n)
		}
		if !st.Earliest.IsZero() {
			_, _ = fmt.Fprintf(w, "  Earliest:         %s\n", st.Earliest)
			_, _ = fmt.Fprintf(w, "  Latest:           %s\n", st.Latest)
		}
		_, _ = fmt.Fprintf(w, "  No population:    %d\n", st.MissingPopulation)
	}

	outstanding := fmt.Sprintf("%d", st.OutstandingWindows)
	if st.OutstandingWindows > 0 {
		outstanding = color.YellowString("%s", outstanding)
	}
	_, _ = fmt.Fprintf(w, "  Open gap windows: %s\n", outstanding)
	_, _ = fmt.Fprintf(w, "  Exhausted:        %d\n", st.ExhaustedWindows)

	if cp := st.Checkpoint; cp != nil {
		_, _ = fmt.Fprintf(w, "  %s run %s: %d of %d resolved, last update %s\n",
			color.YellowString("Interrupted"), cp.RunID, len(cp.Completed), len(cp.Pending),
			cp.UpdatedAt.Format(time.RFC3339))
	}
}

func printPlan(w io.Writer, plan gaps.Plan, hits []types.Hit) {
	bold := color.New(color.Bold)
	_, _ = bold.Fprintf(w, "Landing links: %d\n", len(hits))
	_, _ = bold.Fprintf(w, "Gap windows:   %d (%d new)\n", len(plan.Windows), len(plan.Created))
	_, _ = bold.Fprintf(w, "Candidates:    %d\n", len(plan.Candidates))

	counts := make(map[types.CandidateTier]int)
	for _, c := range plan.Candidates {
		counts[c.Tier]++
	}
	for tier := types.CandidateLanding; tier <= types.CandidateRecheck; tier++ {
		if n := counts[tier]; n > 0 {
			_, _ = fmt.Fprintf(w, "  %-8s %d\n", tier, n)
		}
	}
	if len(plan.Candidates) > 0 {
		_, _ = fmt.Fprintln(w)
	}
	for _, c := range plan.Candidates {
		_, _ = fmt.Fprintf(w, "  %s  %-8s %s\n", c.Date, c.Tier, c.URL)
	}
	for _, p := range plan.Promotions {
		_, _ = fmt.Fprintf(w, "  promote %s -> %s\n", p.Window, p.To)
	}
}

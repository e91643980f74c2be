// Package urlgen maps publication dates to archive URLs and back.
package urlgen

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dwsmith1983/regmirror/pkg/types"
)

// DefaultBaseURL is the archive root on stortinget.no.
const DefaultBaseURL = "https://www.stortinget.no/globalassets/pdf/verv-og-okonomiske-interesser-register"

// PathPrefix is the path component every archive link starts with.
const PathPrefix = "/globalassets/pdf/verv-og-okonomiske-interesser-register/"

// periodStartMonth is the month a parliamentary period begins.
const periodStartMonth = time.October

var monthNames = [...]string{
	time.January:   "januar",
	time.February:  "februar",
	time.March:     "mars",
	time.April:     "april",
	time.May:       "mai",
	time.June:      "juni",
	time.July:      "juli",
	time.August:    "august",
	time.September: "september",
	time.October:   "oktober",
	time.November:  "november",
	time.December:  "desember",
}

var linkPattern = regexp.MustCompile(`(?i)/(arkiv_[^/]+)/pr-(\d{1,2})-([a-z]+)-(\d{4})\.pdf$`)

// DefaultFolderOverrides lists period folders that break the arkiv_YYYY-YYYY pattern, keyed by
// the year the period starts.
func DefaultFolderOverrides() map[int]string {
	return map[int]string{
		2023: "arkiv_20232024",
	}
}

// DefaultMonthOverrides lists dates published with a non-standard month token.
func DefaultMonthOverrides() map[types.Date]string {
	return map[types.Date]string{
		types.NewDate(2023, time.September, 27): "sept",
	}
}

// Generator builds candidate URLs. It performs no I/O.
type Generator struct {
	BaseURL         string
	FolderOverrides map[int]string
	MonthOverrides  map[types.Date]string
}

// New returns a Generator with the known override tables.
func New(baseURL string) *Generator {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Generator{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		FolderOverrides: DefaultFolderOverrides(),
		MonthOverrides:  DefaultMonthOverrides(),
	}
}

// PeriodStart returns the year in which the parliamentary period containing d began.
func PeriodStart(d types.Date) int {
	if d.Month >= periodStartMonth {
		return d.Year
	}
	return d.Year - 1
}

// Folder returns the period folder token for d.
func (g *Generator) Folder(d types.Date) string {
	start := PeriodStart(d)
	if f, ok := g.FolderOverrides[start]; ok {
		return f
	}
	return fmt.Sprintf("arkiv_%d-%d", start, start+1)
}

// MonthToken returns the month token used in the filename for d.
func (g *Generator) MonthToken(d types.Date) string {
	if m, ok := g.MonthOverrides[d]; ok {
		return m
	}
	return monthNames[d.Month]
}

// Filename returns pr-{day}-{month}-{year}.pdf for d.
func (g *Generator) Filename(d types.Date) string {
	return fmt.Sprintf("pr-%d-%s-%d.pdf", d.Day, g.MonthToken(d), d.Year)
}

// URL returns the single candidate URL for d.
func (g *Generator) URL(d types.Date) string {
	return g.BaseURL + "/" + g.Folder(d) + "/" + g.Filename(d)
}

// Candidates returns the candidate URLs for d. An override, when present, replaces the
// canonical form, so the result always holds exactly one URL.
func (g *Generator) Candidates(d types.Date) []string {
	return []string{g.URL(d)}
}

// Parse recovers the publication date and period folder from an archive URL or path.
func (g *Generator) Parse(raw string) (types.Date, string, bool) {
	path := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		path = u.Path
	}
	m := linkPattern.FindStringSubmatch(path)
	if m == nil {
		return types.Date{}, "", false
	}
	folder := m[1]
	day, err := strconv.Atoi(m[2])
	if err != nil {
		return types.Date{}, "", false
	}
	year, err := strconv.Atoi(m[4])
	if err != nil {
		return types.Date{}, "", false
	}
	month, ok := g.month(strings.ToLower(m[3]), year, day)
	if !ok {
		return types.Date{}, "", false
	}
	d := types.NewDate(year, month, day)
	if d.Day != day || d.Month != month {
		return types.Date{}, "", false
	}
	return d, folder, true
}

func (g *Generator) month(token string, year, day int) (time.Month, bool) {
	for m := time.January; m <= time.December; m++ {
		if monthNames[m] == token {
			return m, true
		}
	}
	for d, tok := range g.MonthOverrides {
		if tok == token && d.Year == year && d.Day == day {
			return d.Month, true
		}
	}
	return 0, false
}

// Package roster fetches the population of the register (representatives, substitutes and
// government members) from the Storting data API.
package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dwsmith1983/regmirror/internal/archive"
	"github.com/dwsmith1983/regmirror/internal/retry"
	"github.com/dwsmith1983/regmirror/pkg/types"
)

// DefaultBaseURL is the Storting open data export API.
const DefaultBaseURL = "https://data.stortinget.no/eksport"

const roleRepresentative = "representant"

// Period is one parliamentary period.
type Period struct {
	ID    string
	Start types.Date
	End   types.Date
}

// Periods covered by the register, oldest first.
var Periods = []Period{
	{ID: "2017-2021", Start: types.NewDate(2017, time.October, 1), End: types.NewDate(2021, time.September, 30)},
	{ID: "2021-2025", Start: types.NewDate(2021, time.October, 1), End: types.NewDate(2025, time.September, 30)},
	{ID: "2025-2029", Start: types.NewDate(2025, time.October, 1), End: types.NewDate(2029, time.September, 30)},
}

// PeriodFor returns the period covering d. Dates outside the table clamp to the nearest end.
func PeriodFor(d types.Date) string {
	for _, p := range Periods {
		if !d.Before(p.Start) && !d.After(p.End) {
			return p.ID
		}
	}
	if d.After(Periods[len(Periods)-1].End) {
		return Periods[len(Periods)-1].ID
	}
	return Periods[0].ID
}

// Fetcher performs a GET and returns the body.
type Fetcher interface {
	Page(ctx context.Context, url string) ([]byte, error)
}

// Client builds population snapshots. Each period is fetched at most once per client,
// and a failed fetch is remembered for the client's lifetime as well.
type Client struct {
	fetcher Fetcher
	baseURL string
	policy  retry.Policy
	logger  *slog.Logger
	now     func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]*periodRoster
}

type periodRoster struct {
	persons []types.Person
	err     error
}

// NewClient creates a roster client.
func NewClient(f Fetcher, baseURL string, policy retry.Policy, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		fetcher: f,
		baseURL: strings.TrimRight(baseURL, "/"),
		policy:  policy,
		logger:  logger,
		now:     time.Now,
		cache:   make(map[string]*periodRoster),
	}
}

// Snapshot returns the population in scope on d, sorted by last name then first name.
func (c *Client) Snapshot(ctx context.Context, d types.Date) (*types.PopulationSnapshot, error) {
	period := PeriodFor(d)
	persons, err := c.persons(ctx, period)
	if err != nil {
		return nil, err
	}
	return &types.PopulationSnapshot{
		Date:      d,
		Period:    period,
		FetchedAt: c.now().UTC(),
		Persons:   persons,
	}, nil
}

func (c *Client) persons(ctx context.Context, period string) ([]types.Person, error) {
	if r, ok := c.cached(period); ok {
		return r.persons, r.err
	}
	v, err, _ := c.group.Do(period, func() (any, error) {
		if r, ok := c.cached(period); ok {
			return r, nil
		}
		persons, err := c.load(ctx, period)
		if err != nil && ctx.Err() != nil {
			return nil, err
		}
		if err != nil {
			c.logger.Warn("roster: period unavailable for the rest of the run", "period", period, "error", err)
		}
		r := &periodRoster{persons: persons, err: err}
		c.mu.Lock()
		c.cache[period] = r
		c.mu.Unlock()
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	r := v.(*periodRoster)
	return r.persons, r.err
}

func (c *Client) cached(period string) (*periodRoster, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.cache[period]
	return r, ok
}

func (c *Client) load(ctx context.Context, period string) ([]types.Person, error) {
	id := url.QueryEscape(period)
	reps, err := c.get(ctx, c.baseURL+"/representanter?stortingsperiodeid="+id+"&vararepresentanter=true&format=json")
	if err != nil {
		return nil, fmt.Errorf("fetching representatives for %s: %w", period, err)
	}
	gov, err := c.get(ctx, c.baseURL+"/regjering?stortingsperiodeid="+id+"&format=json")
	if err != nil {
		return nil, fmt.Errorf("fetching government for %s: %w", period, err)
	}

	repList, err := listByKey(reps, "representanter_liste")
	if err != nil {
		return nil, fmt.Errorf("parsing representatives: %w", err)
	}
	govList, err := firstList(gov)
	if err != nil {
		return nil, fmt.Errorf("parsing government: %w", err)
	}

	seen := make(map[string]bool)
	var out []types.Person
	for _, r := range repList {
		p := r.person(roleRepresentative)
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	for _, r := range govList {
		role := r.Tittel
		if role == "" {
			role = "regjeringsmedlem"
		}
		p := r.person(role)
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := strings.ToLower(out[i].LastName), strings.ToLower(out[j].LastName)
		if li != lj {
			return li < lj
		}
		return strings.ToLower(out[i].FirstName) < strings.ToLower(out[j].FirstName)
	})

	c.logger.Debug("roster: fetched period", "period", period, "persons", len(out))
	return out, nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, c.policy, archive.Retryable, func(ctx context.Context) error {
		var err error
		body, err = c.fetcher.Page(ctx, u)
		return err
	}, nil)
	return body, err
}

type rawPerson struct {
	ID               string          `json:"id"`
	LastName         string          `json:"etternavn"`
	FirstName        string          `json:"fornavn"`
	BirthDate        string          `json:"foedselsdato"`
	Party            *named          `json:"parti"`
	County           *named          `json:"fylke"`
	Department       json.RawMessage `json:"departement"`
	Tittel           string          `json:"tittel"`
	VaraRepresentant bool            `json:"vara_representant"`
}

type named struct {
	ID   string `json:"id"`
	Navn string `json:"navn"`
}

func (r rawPerson) person(role string) types.Person {
	p := types.Person{
		ID:         r.ID,
		LastName:   r.LastName,
		FirstName:  r.FirstName,
		BirthDate:  ParseDotNetDate(r.BirthDate),
		Role:       role,
		Substitute: r.VaraRepresentant,
	}
	if r.Party != nil {
		p.Party = r.Party.ID
	}
	switch {
	case r.County != nil && r.County.Navn != "":
		p.County = r.County.Navn
	case len(r.Department) > 0:
		p.County = department(r.Department)
	}
	return p
}

func department(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n named
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.Navn
	}
	return ""
}

func listByKey(data []byte, key string) ([]rawPerson, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	raw, ok := doc[key]
	if !ok || string(raw) == "null" {
		return nil, nil
	}
	var out []rawPerson
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return out, nil
}

// firstList decodes the first "*_liste" array in the document, taking keys in sorted order.
func firstList(data []byte) ([]rawPerson, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(doc))
	for k := range doc {
		if strings.HasSuffix(k, "_liste") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		var out []rawPerson
		if err := json.Unmarshal(doc[k], &out); err == nil && out != nil {
			return out, nil
		}
	}
	return nil, nil
}

var dotNetDate = regexp.MustCompile(`^/Date\((-?\d+)(?:[+-]\d{4})?\)/$`)

// ParseDotNetDate converts a /Date(ms+zone)/ value into YYYY-MM-DD (UTC). Anything else
// yields "".
func ParseDotNetDate(s string) string {
	m := dotNetDate.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(types.DateLayout)
}

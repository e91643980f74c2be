// Package landing collects document links from the archive's landing page.
package landing

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/dwsmith1983/regmirror/internal/archive"
	"github.com/dwsmith1983/regmirror/internal/retry"
	"github.com/dwsmith1983/regmirror/internal/urlgen"
	"github.com/dwsmith1983/regmirror/pkg/types"
)

// DefaultURL is the page that links the most recent registers.
const DefaultURL = "https://www.stortinget.no/no/stortinget-og-demokratiet/representantene/okonomiske-interesser/"

// PageFetcher fetches a page body.
type PageFetcher interface {
	Page(ctx context.Context, url string) ([]byte, error)
}

// Collector turns the landing page into confirmed hits.
type Collector struct {
	fetcher PageFetcher
	urls    *urlgen.Generator
	policy  retry.Policy
	logger  *slog.Logger
}

// NewCollector creates a Collector.
func NewCollector(f PageFetcher, urls *urlgen.Generator, policy retry.Policy, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{fetcher: f, urls: urls, policy: policy, logger: logger}
}

// Collect fetches pageURL and returns every archive link on it, sorted by date. A page that
// cannot be fetched or parsed yields no hits and a warning; it never fails the run.
func (c *Collector) Collect(ctx context.Context, pageURL string) []types.Hit {
	var body []byte
	err := retry.Do(ctx, c.policy, archive.Retryable, func(ctx context.Context) error {
		var err error
		body, err = c.fetcher.Page(ctx, pageURL)
		return err
	}, func(attempt int, err error) {
		c.logger.Debug("landing: retrying page fetch", "attempt", attempt, "error", err)
	})
	if err != nil {
		c.logger.Warn("landing: page unavailable, continuing with gap probing only", "url", pageURL, "error", err)
		return nil
	}

	hits, err := c.Parse(pageURL, body)
	if err != nil {
		c.logger.Warn("landing: page could not be parsed", "url", pageURL, "error", err)
		return nil
	}
	c.logger.Info("landing: collected links", "url", pageURL, "hits", len(hits))
	return hits
}

// Parse extracts archive links from an HTML document. Relative links are resolved against
// pageURL. When a date is linked more than once the first link wins.
func (c *Collector) Parse(pageURL string, body []byte) ([]types.Hit, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parsing page url: %w", err)
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	byDate := make(map[types.Date]types.Hit)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if href := attr(n, "href"); href != "" {
				c.consider(base, href, byDate)
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	hits := make([]types.Hit, 0, len(byDate))
	for _, h := range byDate {
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Date.Before(hits[j].Date) })
	return hits, nil
}

func (c *Collector) consider(base *url.URL, href string, byDate map[types.Date]types.Hit) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return
	}
	abs := base.ResolveReference(ref)
	if !strings.HasPrefix(strings.ToLower(abs.Path), urlgen.PathPrefix) {
		return
	}
	d, _, ok := c.urls.Parse(abs.String())
	if !ok {
		c.logger.Warn("landing: archive link not in the url grammar, add a month or folder override", "href", href)
		return
	}
	if _, seen := byDate[d]; seen {
		return
	}
	abs.Fragment = ""
	byDate[d] = types.Hit{Date: d, URL: abs.String()}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

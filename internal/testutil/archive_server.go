// Package testutil provides an in-process stand-in for the archive, its landing page and
// the roster API.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dwsmith1983/regmirror/internal/urlgen"
	"github.com/dwsmith1983/regmirror/pkg/types"
)

// LandingPath is where the server serves its landing page.
const LandingPath = "/landing/"

// Representatives and Government are the roster API fixtures the server answers with.
const (
	Representatives = `{"representanter_liste": [
  {"id": "ANB", "etternavn": "Bakke", "fornavn": "Anne", "parti": {"id": "H"}, "fylke": {"navn": "Oslo"}},
  {"id": "OLA", "etternavn": "Aas", "fornavn": "Ola", "parti": {"id": "Sp"}, "fylke": {"navn": "Innlandet"}, "vara_representant": true}
]}`
	Government = `{"regjeringsmedlemmer_liste": [
  {"id": "JGS", "etternavn": "Støre", "fornavn": "Jonas Gahr", "tittel": "statsminister", "departement": "Statsministerens kontor"}
]}`
)

// ArchiveServer is an httptest server with mutable archive contents.
type ArchiveServer struct {
	*httptest.Server
	URLs *urlgen.Generator

	mu       sync.Mutex
	docs     map[string][]byte
	failures map[string]int
	links    []string
	requests map[string]int
}

// NewArchiveServer starts a server that is closed when t ends.
func NewArchiveServer(t *testing.T) *ArchiveServer {
	t.Helper()
	s := &ArchiveServer{
		docs:     make(map[string][]byte),
		failures: make(map[string]int),
		requests: make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	s.URLs = urlgen.New(s.URL + strings.TrimSuffix(urlgen.PathPrefix, "/"))
	t.Cleanup(s.Close)
	return s
}

// BaseURL is the archive root to configure a generator with.
func (s *ArchiveServer) BaseURL() string { return s.URLs.BaseURL }

// LandingURL is the landing page address.
func (s *ArchiveServer) LandingURL() string { return s.URL + LandingPath }

// RosterURL is the roster API base.
func (s *ArchiveServer) RosterURL() string { return s.URL + "/eksport" }

// Publish makes a document for d available.
func (s *ArchiveServer) Publish(d types.Date) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[s.path(d)] = []byte("%PDF-1.6\n% register " + d.String() + "\n")
}

// Link lists d on the landing page with a relative link.
func (s *ArchiveServer) Link(d types.Date) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, s.path(d))
}

// Fail answers every request for d with code.
func (s *ArchiveServer) Fail(d types.Date, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[s.path(d)] = code
}

// Requests returns how many method requests hit the document for d.
func (s *ArchiveServer) Requests(method string, d types.Date) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method+" "+s.path(d)]
}

// Body returns the published bytes for d.
func (s *ArchiveServer) Body(d types.Date) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[s.path(d)]
}

func (s *ArchiveServer) path(d types.Date) string {
	return strings.TrimPrefix(s.URLs.URL(d), s.URL)
}

func (s *ArchiveServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.Method+" "+r.URL.Path]++

	switch {
	case r.URL.Path == LandingPath:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		var sb strings.Builder
		sb.WriteString("<html><body><h1>Registre</h1><ul>")
		for _, p := range s.links {
			// Relative to the landing page, the way the site links them.
			fmt.Fprintf(&sb, `<li><a href="..%s#view">PDF</a></li>`, p)
		}
		sb.WriteString("</ul></body></html>")
		_, _ = w.Write([]byte(sb.String()))

	case r.URL.Path == "/eksport/representanter":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(Representatives))

	case r.URL.Path == "/eksport/regjering":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(Government))

	default:
		if code, ok := s.failures[r.URL.Path]; ok {
			w.WriteHeader(code)
			return
		}
		body, ok := s.docs[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(body)
	}
}

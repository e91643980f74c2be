package types

import (
	"fmt"
	"time"
)

// ManifestEntry is the durable record of one confirmed document. Date is unique.
type ManifestEntry struct {
	Date          Date             `json:"date"`
	URL           string           `json:"url"`
	PeriodFolder  string           `json:"periodFolder,omitempty"`
	BlobPath      string           `json:"blobPath,omitempty"`
	ContentHash   string           `json:"contentHash,omitempty"`
	SizeBytes     int64            `json:"sizeBytes,omitempty"`
	FetchedAt     time.Time        `json:"fetchedAt"`
	Status        EntryStatus      `json:"status"`
	ErrorDetail   string           `json:"errorDetail,omitempty"`
	Attempts      int              `json:"attempts,omitempty"`
	PopulationRef string           `json:"populationRef,omitempty"`
	History       []ContentVersion `json:"history,omitempty"`
}

// ContentVersion preserves a superseded fetch of an entry whose bytes changed.
type ContentVersion struct {
	URL         string    `json:"url"`
	ContentHash string    `json:"contentHash"`
	SizeBytes   int64     `json:"sizeBytes"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// Window is a gap between two known dates. Both bounds are exclusive.
// A zero Before marks the trailing window that stays open up to today.
type Window struct {
	After  Date `json:"after"`
	Before Date `json:"before,omitempty"`
}

// Open reports whether w is the trailing window.
func (w Window) Open() bool {
	return w.Before.IsZero()
}

// Key is the stable identifier of w in the hypothesis ledger.
func (w Window) Key() string {
	if w.Open() {
		return fmt.Sprintf("%s..open", w.After)
	}
	return fmt.Sprintf("%s..%s", w.After, w.Before)
}

// Contains reports whether d lies strictly inside w.
func (w Window) Contains(d Date) bool {
	if !d.After(w.After) {
		return false
	}
	return w.Open() || d.Before(w.Before)
}

// Span returns the number of days between the bounds, using today for an open window.
func (w Window) Span(today Date) int {
	end := w.Before
	if w.Open() {
		end = today
	}
	return end.DaysSince(w.After)
}

// HypothesisRecord tracks a gap window probed without success.
type HypothesisRecord struct {
	Key          string    `json:"key"`
	RangeStart   Date      `json:"rangeStart"`
	RangeEnd     Date      `json:"rangeEnd,omitempty"`
	Tier         Tier      `json:"tier"`
	CheckedDates []Date    `json:"checkedDates,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	LastProbedAt time.Time `json:"lastProbedAt,omitempty"`
}

// Window returns the gap window the record describes.
func (r HypothesisRecord) Window() Window {
	return Window{After: r.RangeStart, Before: r.RangeEnd}
}

// Candidate is one date on a run's worklist.
type Candidate struct {
	Date      Date          `json:"date"`
	URL       string        `json:"url"`
	Tier      CandidateTier `json:"tier"`
	Window    string        `json:"window,omitempty"`
	Confirmed bool          `json:"confirmed,omitempty"`
}

// Promotion is a tier transition applied once a run's worklist has drained.
type Promotion struct {
	Window string `json:"window"`
	To     Tier   `json:"to"`
}

// CheckpointRecord is the in-progress state of a single run.
type CheckpointRecord struct {
	RunID      string      `json:"runId"`
	StartedAt  time.Time   `json:"startedAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
	Pending    []Candidate `json:"pending"`
	Completed  []Date      `json:"completed"`
	Promotions []Promotion `json:"promotions,omitempty"`
}

// Hit is a confirmed document location.
type Hit struct {
	Date Date   `json:"date"`
	URL  string `json:"url"`
}

// Failure is a terminal, per-date failure reported at the end of a run.
type Failure struct {
	Date   Date        `json:"date"`
	URL    string      `json:"url"`
	Kind   FailureKind `json:"kind"`
	Detail string      `json:"detail,omitempty"`
}

// RunSummary is the user-visible outcome of a sync run.
type RunSummary struct {
	RunID              string    `json:"runId"`
	Resumed            bool      `json:"resumed"`
	StartedAt          time.Time `json:"startedAt"`
	FinishedAt         time.Time `json:"finishedAt"`
	LandingHits        int       `json:"landingHits"`
	Planned            int       `json:"planned"`
	Dispatched         int       `json:"dispatched"`
	Probes             int       `json:"probes"`
	Hits               int       `json:"hits"`
	Added              int       `json:"added"`
	Failures           []Failure `json:"failures,omitempty"`
	OutstandingWindows int       `json:"outstandingWindows"`
	DeadlineReached    bool      `json:"deadlineReached"`
}

// ArchiveStatus is the read-only report of the status command.
type ArchiveStatus struct {
	Total              int                 `json:"total"`
	ByStatus           map[EntryStatus]int `json:"byStatus"`
	Earliest           Date                `json:"earliest,omitempty"`
	Latest             Date                `json:"latest,omitempty"`
	MissingPopulation  int                 `json:"missingPopulation"`
	OutstandingWindows int                 `json:"outstandingWindows"`
	ExhaustedWindows   int                 `json:"exhaustedWindows"`
	Checkpoint         *CheckpointRecord   `json:"checkpoint,omitempty"`
}

// Person is one member of a population snapshot.
type Person struct {
	ID         string `json:"id"`
	LastName   string `json:"lastName"`
	FirstName  string `json:"firstName"`
	BirthDate  string `json:"birthDate,omitempty"`
	Party      string `json:"party,omitempty"`
	County     string `json:"county,omitempty"`
	Role       string `json:"role"`
	Substitute bool   `json:"substitute"`
}

// PopulationSnapshot is the roster in scope on a document date.
type PopulationSnapshot struct {
	Date      Date      `json:"date"`
	Period    string    `json:"period"`
	FetchedAt time.Time `json:"fetchedAt"`
	Persons   []Person  `json:"persons"`
}

package types

import "fmt"

// EntryStatus is the terminal outcome recorded for a manifest entry.
type EntryStatus string

// EntryStatus values. Entries are never stored in an in-progress state.
const (
	StatusOK           EntryStatus = "ok"
	StatusFailedVerify EntryStatus = "failed_verify"
	StatusFailedFetch  EntryStatus = "failed_fetch"
)

// Tier is the escalation level of a hypothesis window.
type Tier string

// Tier values, in escalation order.
const (
	TierUnchecked Tier = "unchecked"
	Tier1Checked  Tier = "tier1_checked"
	Tier2Checked  Tier = "tier2_checked"
)

// CandidateTier records why a date was put on a run's worklist.
type CandidateTier int

// CandidateTier values, in dispatch priority order.
const (
	CandidateLanding CandidateTier = iota // tier 0: linked from the landing page
	CandidateRetry                        // earlier terminal failure, fetch again
	CandidateTier1                        // estimated publication week
	CandidateTier2                        // exhaustive weekday scan
	CandidateInitial                      // empty manifest, full-range scan
	CandidateRecheck                      // tier2 window re-probed under the recheck policy
)

// String returns a short label for logs and summaries.
func (t CandidateTier) String() string {
	switch t {
	case CandidateLanding:
		return "tier0"
	case CandidateRetry:
		return "retry"
	case CandidateTier1:
		return "tier1"
	case CandidateTier2:
		return "tier2"
	case CandidateInitial:
		return "initial"
	case CandidateRecheck:
		return "recheck"
	default:
		return "unknown"
	}
}

// RecheckMode selects what happens to windows that reached tier2_checked without a hit.
type RecheckMode string

// RecheckMode values.
const (
	RecheckNone     RecheckMode = "none"
	RecheckNewDates RecheckMode = "new-dates"
	RecheckFull     RecheckMode = "full"
)

// LockProvider selects the single-run guard implementation.
type LockProvider string

// LockProvider values.
const (
	LockNone     LockProvider = "none"
	LockStorage  LockProvider = "storage"
	LockDynamoDB LockProvider = "dynamodb"
)

// FailureKind classifies a terminal failure surfaced in a run summary.
type FailureKind string

// FailureKind values.
const (
	FailureProbe      FailureKind = "probe_error"
	FailureFetch      FailureKind = "failed_fetch"
	FailureVerify     FailureKind = "failed_verify"
	FailurePopulation FailureKind = "population_error"
)

// MarshalText implements encoding.TextMarshaler.
func (t CandidateTier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *CandidateTier) UnmarshalText(b []byte) error {
	for c := CandidateLanding; c <= CandidateRecheck; c++ {
		if c.String() == string(b) {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("unknown candidate tier %q", b)
}

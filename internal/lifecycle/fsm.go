// Package lifecycle implements the hypothesis escalation state machine.
package lifecycle

import (
	"fmt"

	"github.com/dwsmith1983/regmirror/pkg/types"
)

// Transition table: from -> allowed tos
var validTransitions = map[types.Tier][]types.Tier{
	types.TierUnchecked: {types.Tier1Checked, types.Tier2Checked},
	types.Tier1Checked:  {types.Tier2Checked},
	types.Tier2Checked:  {},
}

var tierRank = map[types.Tier]int{
	types.TierUnchecked: 0,
	types.Tier1Checked:  1,
	types.Tier2Checked:  2,
}

// CanTransition checks if a window may move from one tier to another.
func CanTransition(from, to types.Tier) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates a tier change, or returns an error if it is not allowed.
func Transition(from, to types.Tier) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// Rank orders tiers; unknown tiers rank below unchecked.
func Rank(t types.Tier) int {
	r, ok := tierRank[t]
	if !ok {
		return -1
	}
	return r
}

// IsTerminalTier returns true once a window has been searched exhaustively.
func IsTerminalTier(t types.Tier) bool {
	return t == types.Tier2Checked
}

// IsOutstanding returns true for windows that still have escalation ahead of them.
func IsOutstanding(t types.Tier) bool {
	return t == types.TierUnchecked || t == types.Tier1Checked
}

// IsTerminalStatus returns true for every status a manifest entry may be stored with.
func IsTerminalStatus(s types.EntryStatus) bool {
	switch s {
	case types.StatusOK, types.StatusFailedFetch, types.StatusFailedVerify:
		return true
	}
	return false
}

// Dominates reports whether incoming may replace existing for the same date.
// A missing record is dominated by anything and ok is never downgraded.
func Dominates(existing *types.ManifestEntry, incoming types.EntryStatus) bool {
	if existing == nil {
		return true
	}
	if existing.Status == types.StatusOK {
		return incoming == types.StatusOK
	}
	return true
}

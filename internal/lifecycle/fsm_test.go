package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dwsmith1983/regmirror/pkg/types"
)

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from  types.Tier
		to    types.Tier
		valid bool
	}{
		{types.TierUnchecked, types.Tier1Checked, true},
		{types.TierUnchecked, types.Tier2Checked, true},
		{types.Tier1Checked, types.Tier2Checked, true},
		{types.Tier1Checked, types.TierUnchecked, false},
		{types.Tier2Checked, types.Tier1Checked, false},
		{types.Tier2Checked, types.TierUnchecked, false},
		{types.Tier2Checked, types.Tier2Checked, false},
		{types.TierUnchecked, types.TierUnchecked, false},
		{types.Tier("bogus"), types.Tier1Checked, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.valid, CanTransition(tt.from, tt.to))
			err := Transition(tt.from, tt.to)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRank(t *testing.T) {
	assert.Less(t, Rank(types.TierUnchecked), Rank(types.Tier1Checked))
	assert.Less(t, Rank(types.Tier1Checked), Rank(types.Tier2Checked))
	assert.Equal(t, -1, Rank("bogus"))
}

func TestIsTerminalTier(t *testing.T) {
	assert.True(t, IsTerminalTier(types.Tier2Checked))
	assert.False(t, IsTerminalTier(types.Tier1Checked))
	assert.False(t, IsTerminalTier(types.TierUnchecked))

	assert.True(t, IsOutstanding(types.TierUnchecked))
	assert.True(t, IsOutstanding(types.Tier1Checked))
	assert.False(t, IsOutstanding(types.Tier2Checked))
}

func TestIsTerminalStatus(t *testing.T) {
	assert.True(t, IsTerminalStatus(types.StatusOK))
	assert.True(t, IsTerminalStatus(types.StatusFailedFetch))
	assert.True(t, IsTerminalStatus(types.StatusFailedVerify))
	assert.False(t, IsTerminalStatus("pending"))
}

func TestDominates(t *testing.T) {
	ok := &types.ManifestEntry{Status: types.StatusOK}
	failed := &types.ManifestEntry{Status: types.StatusFailedFetch}

	assert.True(t, Dominates(nil, types.StatusOK))
	assert.True(t, Dominates(nil, types.StatusFailedVerify))
	assert.True(t, Dominates(failed, types.StatusOK))
	assert.True(t, Dominates(failed, types.StatusFailedVerify))
	assert.True(t, Dominates(ok, types.StatusOK))
	assert.False(t, Dominates(ok, types.StatusFailedFetch))
	assert.False(t, Dominates(ok, types.StatusFailedVerify))
}

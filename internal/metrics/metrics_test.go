package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInstrumentsInitialised(t *testing.T) {
	for name, c := range map[string]any{
		"probes":   ProbesTotal,
		"errors":   ProbeErrors,
		"hits":     HitsTotal,
		"fetches":  FetchesTotal,
		"failures": FetchFailures,
		"bytes":    BytesStored,
		"added":    EntriesAdded,
		"promoted": Promotions,
		"duration": RunDuration,
	} {
		assert.NotNil(t, c, name)
	}
	assert.NotPanics(t, func() { Inc(context.Background(), HitsTotal, Tier("tier1")) })
}

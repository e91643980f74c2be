package testutil

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/regmirror/internal/manifest"
	"github.com/dwsmith1983/regmirror/internal/storage"
	"github.com/dwsmith1983/regmirror/pkg/types"
)

// Seed writes ok manifest entries for dates.
func Seed(t *testing.T, b storage.Backend, dates ...types.Date) {
	t.Helper()
	m := LoadManifest(t, b)
	for _, d := range dates {
		_, err := m.Upsert(types.ManifestEntry{Date: d, ContentHash: "seed-" + d.String(), Status: types.StatusOK})
		require.NoError(t, err)
	}
	require.NoError(t, m.Flush(context.Background()))
}

// LoadManifest reads the manifest persisted in b.
func LoadManifest(t *testing.T, b storage.Backend) *manifest.Store {
	t.Helper()
	m := manifest.New(b, nil)
	require.NoError(t, m.Load(context.Background()))
	return m
}

// RequireEntry fails the test unless b's manifest has an entry for d with the given status.
func RequireEntry(t *testing.T, b storage.Backend, d types.Date, status types.EntryStatus) types.ManifestEntry {
	t.Helper()
	e, ok := LoadManifest(t, b).Get(d)
	require.True(t, ok, "no manifest entry for %s", d)
	require.Equal(t, status, e.Status, "status of %s", d)
	return e
}

// ReadPopulation decodes the population snapshot stored at ref.
func ReadPopulation(t *testing.T, b storage.Backend, ref string) types.PopulationSnapshot {
	t.Helper()
	data, err := b.Read(context.Background(), ref)
	require.NoError(t, err)
	var snap types.PopulationSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	return snap
}

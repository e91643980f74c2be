package storage

import "github.com/dwsmith1983/regmirror/pkg/types"

// Fixed resource paths under the storage root.
const (
	ManifestPath   = "manifest.json"
	HypothesesPath = "hypotheses.json"
	CheckpointPath = "checkpoint.json"
	LockPath       = "sync.lock"
	PDFDir         = "pdfs/"
	PopulationDir  = "population/"
)

// BlobPath returns the path of the document published on d.
func BlobPath(d types.Date) string {
	return PDFDir + "pr-" + d.String() + ".pdf"
}

// PopulationPath returns the path of the roster snapshot for d.
func PopulationPath(d types.Date) string {
	return PopulationDir + "pr-" + d.String() + ".json"
}

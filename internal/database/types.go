package database

import (
	"time"

	"github.com/jbenedik/face-registry/internal/embedding"
)

// ReviewState tracks where a face sits in the human review workflow.
type ReviewState string

const (
	// ReviewInbox marks faces that have never been reviewed.
	ReviewInbox ReviewState = "inbox"
	// ReviewSkipped marks faces the reviewer deferred. Skipped faces stay
	// eligible for clustering and neighbor search.
	ReviewSkipped ReviewState = "skipped"
	// ReviewResolved marks faces attached to an identity.
	ReviewResolved ReviewState = "resolved"
)

// StoredFace is an immutable face observation. Mu is the encoder mean
// vector; SigmaSq holds one element for scalar variance or Dim elements for
// per-dimension variance. Faces are never deleted, only tombstoned.
type StoredFace struct {
	FaceID     string
	Mu         []float32
	SigmaSq    []float64
	DetScore   float64
	FaceAreaPx float64
	Blur       float64
	Model      string
	Dim        int
	State      ReviewState
	Tombstoned bool
	CreatedAt  time.Time
}

// Embedding returns the face as the Gaussian value type the scoring
// packages work with. Slices are shared, not copied; stored faces are
// immutable so this is safe.
func (f *StoredFace) Embedding() embedding.FaceEmbedding {
	return embedding.FaceEmbedding{FaceID: f.FaceID, Mu: f.Mu, SigmaSq: f.SigmaSq}
}

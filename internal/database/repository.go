package database

import (
	"context"
	"errors"
)

// ErrFaceNotFound is returned by face lookups for unknown or tombstoned IDs.
var ErrFaceNotFound = errors.New("face not found")

// FaceReader provides read-only access to stored face embeddings.
// Tombstoned faces are invisible through every method.
type FaceReader interface {
	// GetFace retrieves a face by ID, returns ErrFaceNotFound if missing
	GetFace(ctx context.Context, faceID string) (*StoredFace, error)
	// GetFaces retrieves multiple faces by ID, failing on the first missing one
	GetFaces(ctx context.Context, faceIDs []string) ([]StoredFace, error)
	// ListByState retrieves all faces in the given review states, ordered by face ID
	ListByState(ctx context.Context, states ...ReviewState) ([]StoredFace, error)
	// Count returns the total number of live faces stored
	Count(ctx context.Context) (int, error)
}

// FaceWriter provides write access to face records. Only the ingestion path
// and the registry review-state bookkeeping use it; everything else reads.
type FaceWriter interface {
	FaceReader

	// SaveFace stores a face record. Saving an existing ID is an error:
	// face observations are immutable.
	SaveFace(ctx context.Context, face StoredFace) error
	// SetState moves a face between review states
	SetState(ctx context.Context, faceID string, state ReviewState) error
	// Tombstone soft-deletes a face. The record stays for audit but stops
	// appearing in reads.
	Tombstone(ctx context.Context, faceID string) error
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/jbenedik/face-registry/internal/database"
)

// FaceRepository provides PostgreSQL-backed face storage with an optional
// in-memory HNSW prefilter index over the mean vectors.
type FaceRepository struct {
	pool *Pool

	hnswMu        sync.RWMutex
	hnswIndex     *database.HNSWIndex
	hnswEnabled   bool
	hnswIndexPath string
}

// Verify interface compliance.
var _ database.FaceReader = (*FaceRepository)(nil)
var _ database.FaceWriter = (*FaceRepository)(nil)

// NewFaceRepository creates a new PostgreSQL face repository.
func NewFaceRepository(pool *Pool) *FaceRepository {
	return &FaceRepository{pool: pool}
}

const faceColumns = `face_id, mu, sigma_sq, det_score, face_area_px, blur, model, dim, state, tombstoned, created_at`

// GetFace retrieves a live face by ID.
func (r *FaceRepository) GetFace(ctx context.Context, faceID string) (*database.StoredFace, error) {
	query := `SELECT ` + faceColumns + ` FROM faces WHERE face_id = $1 AND NOT tombstoned`

	face, err := scanFace(r.pool.QueryRow(ctx, query, faceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", database.ErrFaceNotFound, faceID)
		}
		return nil, err
	}
	return &face, nil
}

// GetFaces retrieves multiple faces, failing if any is missing or tombstoned.
func (r *FaceRepository) GetFaces(ctx context.Context, faceIDs []string) ([]database.StoredFace, error) {
	if len(faceIDs) == 0 {
		return nil, nil
	}

	query := `SELECT ` + faceColumns + ` FROM faces WHERE face_id = ANY($1) AND NOT tombstoned ORDER BY face_id`

	rows, err := r.pool.Query(ctx, query, pq.Array(faceIDs))
	if err != nil {
		return nil, fmt.Errorf("query faces: %w", err)
	}
	defer rows.Close()

	faces, err := scanFaces(rows)
	if err != nil {
		return nil, err
	}
	if len(faces) != len(faceIDs) {
		found := make(map[string]bool, len(faces))
		for i := range faces {
			found[faces[i].FaceID] = true
		}
		for _, id := range faceIDs {
			if !found[id] {
				return nil, fmt.Errorf("%w: %s", database.ErrFaceNotFound, id)
			}
		}
	}
	return faces, nil
}

// ListByState returns live faces in the given review states, ordered by face ID.
func (r *FaceRepository) ListByState(ctx context.Context, states ...database.ReviewState) ([]database.StoredFace, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}

	query := `SELECT ` + faceColumns + ` FROM faces WHERE state = ANY($1) AND NOT tombstoned ORDER BY face_id`

	rows, err := r.pool.Query(ctx, query, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("query faces by state: %w", err)
	}
	defer rows.Close()

	return scanFaces(rows)
}

// Count returns the number of live faces.
func (r *FaceRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM faces WHERE NOT tombstoned").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count faces: %w", err)
	}
	return count, nil
}

// SaveFace stores a new face observation. Faces are immutable; inserting an
// existing face ID is an error.
func (r *FaceRepository) SaveFace(ctx context.Context, face database.StoredFace) error {
	query := `
		INSERT INTO faces (face_id, mu, sigma_sq, det_score, face_area_px, blur, model, dim, state, tombstoned)
		VALUES ($1, $2::vector, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	state := face.State
	if state == "" {
		state = database.ReviewInbox
	}

	_, err := r.pool.Exec(ctx, query,
		face.FaceID,
		pgvector.NewVector(face.Mu),
		pq.Array(face.SigmaSq),
		face.DetScore,
		face.FaceAreaPx,
		face.Blur,
		face.Model,
		face.Dim,
		string(state),
		face.Tombstoned,
	)
	if err != nil {
		return fmt.Errorf("insert face %s: %w", face.FaceID, err)
	}

	if r.isHNSWEnabled() {
		r.hnswMu.Lock()
		stored := face
		_ = r.hnswIndex.Add(&stored)
		r.hnswMu.Unlock()
	}
	return nil
}

// SetState moves a face between review states.
func (r *FaceRepository) SetState(ctx context.Context, faceID string, state database.ReviewState) error {
	result, err := r.pool.Exec(ctx,
		"UPDATE faces SET state = $1 WHERE face_id = $2 AND NOT tombstoned", string(state), faceID)
	if err != nil {
		return fmt.Errorf("update face state: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", database.ErrFaceNotFound, faceID)
	}
	return nil
}

// Tombstone soft-deletes a face. The row stays for history; every read path
// filters it out.
func (r *FaceRepository) Tombstone(ctx context.Context, faceID string) error {
	result, err := r.pool.Exec(ctx, "UPDATE faces SET tombstoned = TRUE WHERE face_id = $1", faceID)
	if err != nil {
		return fmt.Errorf("tombstone face: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", database.ErrFaceNotFound, faceID)
	}

	if r.isHNSWEnabled() {
		r.hnswMu.Lock()
		r.hnswIndex.Remove(faceID)
		r.hnswMu.Unlock()
	}
	return nil
}

// scanFace scans one row of faceColumns.
func scanFace(scanner interface{ Scan(...any) error }) (database.StoredFace, error) {
	var face database.StoredFace
	var vec pgvector.Vector
	var sigmaSq pq.Float64Array
	var state string

	err := scanner.Scan(
		&face.FaceID,
		&vec,
		&sigmaSq,
		&face.DetScore,
		&face.FaceAreaPx,
		&face.Blur,
		&face.Model,
		&face.Dim,
		&state,
		&face.Tombstoned,
		&face.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return face, err
		}
		return face, fmt.Errorf("scan face: %w", err)
	}

	face.Mu = vec.Slice()
	face.SigmaSq = []float64(sigmaSq)
	face.State = database.ReviewState(state)
	return face, nil
}

func scanFaces(rows *sql.Rows) ([]database.StoredFace, error) {
	var faces []database.StoredFace
	for rows.Next() {
		face, err := scanFace(rows)
		if err != nil {
			return nil, err
		}
		faces = append(faces, face)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate faces: %w", err)
	}
	return faces, nil
}

// GetAllFaces retrieves every live face.
func (r *FaceRepository) GetAllFaces(ctx context.Context) ([]database.StoredFace, error) {
	query := `SELECT ` + faceColumns + ` FROM faces WHERE NOT tombstoned ORDER BY face_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query all faces: %w", err)
	}
	defer rows.Close()

	return scanFaces(rows)
}

func (r *FaceRepository) isHNSWEnabled() bool {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()
	return r.hnswEnabled && r.hnswIndex != nil
}

// Index returns the in-memory HNSW index, or nil when disabled.
func (r *FaceRepository) Index() *database.HNSWIndex {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()
	if !r.hnswEnabled {
		return nil
	}
	return r.hnswIndex
}

// faceStats reads the staleness signature of the faces table.
func (r *FaceRepository) faceStats(ctx context.Context) (int, string, error) {
	var count int
	var maxID string
	err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*), COALESCE(MAX(face_id), '') FROM faces WHERE NOT tombstoned").Scan(&count, &maxID)
	if err != nil {
		return 0, "", fmt.Errorf("failed to get face stats: %w", err)
	}
	return count, maxID, nil
}

// tryLoadIndex attempts to load a saved index, rejecting stale snapshots.
func (r *FaceRepository) tryLoadIndex(indexPath string, count int, maxID string) bool {
	metadata, err := database.LoadMetadata(indexPath)
	if err != nil {
		log.Printf("Face index: metadata unavailable: %v (will rebuild)", err)
		return false
	}
	if metadata.Stale(count, maxID) {
		log.Printf("Face index: stale (db: count=%d max_id=%s, cached: count=%d max_id=%s) (will rebuild)",
			count, maxID, metadata.FaceCount, metadata.MaxFaceID)
		return false
	}

	idx := database.NewHNSWIndex()
	if err := idx.Load(indexPath); err != nil {
		log.Printf("Face index: load failed: %v (will rebuild)", err)
		return false
	}
	if idx.IsEmpty() {
		log.Printf("Face index: loaded graph is empty (will rebuild)")
		return false
	}

	r.hnswIndex = idx
	log.Printf("Face index: loaded from disk (%d faces)", idx.Count())
	return true
}

// EnableHNSW loads or builds the in-memory prefilter index. With an index
// path configured a fresh snapshot is loaded from disk; otherwise, or when
// the snapshot is stale, the index is rebuilt from the database and saved.
// Call once at startup.
func (r *FaceRepository) EnableHNSW(ctx context.Context, indexPath string) error {
	r.hnswMu.Lock()
	defer r.hnswMu.Unlock()

	r.hnswIndexPath = indexPath

	count, maxID, err := r.faceStats(ctx)
	if err != nil {
		return err
	}

	if indexPath != "" && r.tryLoadIndex(indexPath, count, maxID) {
		r.hnswEnabled = true
		return nil
	}

	faces, err := r.GetAllFaces(ctx)
	if err != nil {
		return fmt.Errorf("failed to load faces: %w", err)
	}

	idx := database.NewHNSWIndex()
	if err := idx.BuildFromFaces(faces); err != nil {
		return fmt.Errorf("failed to build HNSW index: %w", err)
	}
	r.hnswIndex = idx

	if indexPath != "" && len(faces) > 0 {
		if err := idx.Save(indexPath); err != nil {
			log.Printf("Warning: failed to save HNSW index to disk: %v", err)
		}
	}

	r.hnswEnabled = true
	return nil
}

// SaveIndex persists the current index snapshot to the configured path.
func (r *FaceRepository) SaveIndex() error {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()

	if r.hnswIndexPath == "" || r.hnswIndex == nil {
		return nil
	}
	if err := r.hnswIndex.Save(r.hnswIndexPath); err != nil {
		return fmt.Errorf("saving HNSW face index: %w", err)
	}
	return nil
}

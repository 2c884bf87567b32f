package mariadb

import (
	"context"
	"encoding/json"
	"fmt"
)

// ArchiveFace is one face marker from the legacy archive. The archive only
// carries point embeddings, so the importer derives a scalar variance from
// the detector score and crop size.
type ArchiveFace struct {
	MarkerUID string
	Embedding []float32
	Score     float64 // detector confidence in [0, 1]
	Size      int     // face crop edge length in pixels
}

// CountFaces returns the number of face markers that carry an embedding.
func (p *Pool) CountFaces(ctx context.Context) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM markers
		WHERE marker_type = 'face' AND embeddings_json IS NOT NULL AND embeddings_json != ''
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count archive faces: %w", err)
	}
	return count, nil
}

// GetFaces streams all face markers with embeddings, ordered by marker UID.
// The embeddings_json field holds [[e1, e2, ...]] (JSON list-of-lists,
// stored as a mediumblob); only the first list is used.
func (p *Pool) GetFaces(ctx context.Context) ([]ArchiveFace, error) {
	query := `
		SELECT marker_uid, embeddings_json, score, size
		FROM markers
		WHERE marker_type = 'face' AND embeddings_json IS NOT NULL AND embeddings_json != ''
		ORDER BY marker_uid
	`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query archive faces: %w", err)
	}
	defer rows.Close()

	var faces []ArchiveFace
	for rows.Next() {
		var face ArchiveFace
		var raw []byte
		var score int
		if err := rows.Scan(&face.MarkerUID, &raw, &score, &face.Size); err != nil {
			return nil, fmt.Errorf("scan archive face: %w", err)
		}

		embedding, err := decodeEmbedding(raw)
		if err != nil {
			return nil, fmt.Errorf("marker %s: %w", face.MarkerUID, err)
		}
		face.Embedding = embedding
		face.Score = float64(score) / 100.0

		faces = append(faces, face)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archive faces: %w", err)
	}
	return faces, nil
}

func decodeEmbedding(raw []byte) ([]float32, error) {
	var wrapped [][]float32
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode embeddings_json: %w", err)
	}
	if len(wrapped) == 0 || len(wrapped[0]) == 0 {
		return nil, fmt.Errorf("embeddings_json is empty")
	}
	return wrapped[0], nil
}

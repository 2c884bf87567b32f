package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jbenedik/face-registry/internal/cluster"
)

// ProposalStore persists finished clustering runs.
type ProposalStore struct {
	pool *Pool
}

var _ cluster.Store = (*ProposalStore)(nil)

// NewProposalStore creates a PostgreSQL-backed proposal store.
func NewProposalStore(pool *Pool) *ProposalStore {
	return &ProposalStore{pool: pool}
}

// SaveProposalRun stores a completed run with all its proposals.
func (s *ProposalStore) SaveProposalRun(ctx context.Context, run cluster.Run) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode proposal run: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO proposal_runs (run_id, status, face_count, started_at, finished_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.RunID, string(run.Status), run.FaceCount, run.StartedAt, run.FinishedAt, payload)
	if err != nil {
		return fmt.Errorf("insert proposal run %s: %w", run.RunID, err)
	}
	return nil
}

// LatestProposalRun returns the most recent run, or nil when none exists.
func (s *ProposalStore) LatestProposalRun(ctx context.Context) (*cluster.Run, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		"SELECT payload FROM proposal_runs ORDER BY started_at DESC LIMIT 1").Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest proposal run: %w", err)
	}

	var run cluster.Run
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, fmt.Errorf("decode proposal run: %w", err)
	}
	return &run, nil
}

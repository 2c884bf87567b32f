package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jbenedik/face-registry/internal/registry"
)

// RegistryStore persists the identity event log and projection. Events are
// append-only rows ordered by a serial sequence; identities are JSON
// documents keyed by ID.
type RegistryStore struct {
	pool *Pool
}

var _ registry.Store = (*RegistryStore)(nil)

// NewRegistryStore creates a PostgreSQL-backed registry store.
func NewRegistryStore(pool *Pool) *RegistryStore {
	return &RegistryStore{pool: pool}
}

// LoadEvents returns the full event log in append order.
func (s *RegistryStore) LoadEvents(ctx context.Context) ([]registry.HistoryEvent, error) {
	rows, err := s.pool.Query(ctx, "SELECT payload FROM history_events ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("query history events: %w", err)
	}
	defer rows.Close()

	var events []registry.HistoryEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan history event: %w", err)
		}
		var event registry.HistoryEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("decode history event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history events: %w", err)
	}
	return events, nil
}

// LoadIdentities returns all projection rows, absorbed identities included.
func (s *RegistryStore) LoadIdentities(ctx context.Context) ([]registry.Identity, error) {
	rows, err := s.pool.Query(ctx, "SELECT doc FROM identities ORDER BY identity_id")
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	var identities []registry.Identity
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		var id registry.Identity
		if err := json.Unmarshal(doc, &id); err != nil {
			return nil, fmt.Errorf("decode identity: %w", err)
		}
		identities = append(identities, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return identities, nil
}

// AppendEvent appends one event to the log.
func (s *RegistryStore) AppendEvent(ctx context.Context, event registry.HistoryEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode history event: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO history_events (event_id, identity_id, other_id, action, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, event.EventID, event.IdentityID, event.OtherID, string(event.Action), payload)
	if err != nil {
		return fmt.Errorf("insert history event %s: %w", event.EventID, err)
	}
	return nil
}

// SaveIdentity upserts a projection row.
func (s *RegistryStore) SaveIdentity(ctx context.Context, identity registry.Identity) error {
	doc, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO identities (identity_id, version, state, merged_into, doc, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (identity_id) DO UPDATE SET
			version = EXCLUDED.version,
			state = EXCLUDED.state,
			merged_into = EXCLUDED.merged_into,
			doc = EXCLUDED.doc,
			updated_at = NOW()
	`, identity.ID, identity.Version, string(identity.State), identity.MergedInto, doc)
	if err != nil {
		return fmt.Errorf("save identity %s: %w", identity.ID, err)
	}
	return nil
}

// DeleteIdentity removes a projection row. Only used when a create is
// undone; the event log keeps the full story.
func (s *RegistryStore) DeleteIdentity(ctx context.Context, identityID string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM identities WHERE identity_id = $1", identityID); err != nil {
		return fmt.Errorf("delete identity %s: %w", identityID, err)
	}
	return nil
}

// EventCount returns the number of logged events.
func (s *RegistryStore) EventCount(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM history_events").Scan(&count); err != nil {
		return 0, fmt.Errorf("count history events: %w", err)
	}
	return count, nil
}

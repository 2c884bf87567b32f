package registry

import "context"

// Store persists the event log and the identity projection. The registry
// is the only writer; backends never interpret event semantics.
type Store interface {
	// LoadEvents returns the full log in append order
	LoadEvents(ctx context.Context) ([]HistoryEvent, error)
	// LoadIdentities returns the current projection
	LoadIdentities(ctx context.Context) ([]Identity, error)
	// AppendEvent appends to the log. The log is append-only; there is no
	// update or delete.
	AppendEvent(ctx context.Context, event HistoryEvent) error
	// SaveIdentity upserts a projection row
	SaveIdentity(ctx context.Context, identity Identity) error
	// DeleteIdentity removes a projection row. Only undo of a create uses
	// it; the creating event stays in the log.
	DeleteIdentity(ctx context.Context, identityID string) error
}

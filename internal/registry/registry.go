// Package registry is the event-sourced identity state machine. Every
// mutation appends a history event with full before/after snapshots and
// updates the in-memory projection; the append-only log remains the source
// of truth and replaying it reproduces the projection exactly.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jbenedik/face-registry/internal/database"
	"github.com/jbenedik/face-registry/internal/fusion"
	"github.com/jbenedik/face-registry/internal/mls"
)

// Suggestion asks the reviewer to take another look at a face that was
// rejected before the identity's representation tightened. Suggestions are
// never applied automatically.
type Suggestion struct {
	IdentityID string  `json:"identity_id"`
	FaceID     string  `json:"face_id"`
	Distance   float64 `json:"distance"`
}

// Registry holds the identity projection behind a single writer lock.
// Reads hand out deep copies.
type Registry struct {
	store          Store
	faces          database.FaceWriter
	fuser          *fusion.Engine
	scorer         *mls.Scorer
	distanceCutoff float64

	mu          sync.RWMutex
	identities  map[string]*Identity
	events      []HistoryEvent
	reversed    map[string]string // event ID -> undo event ID
	suggestions map[string][]Suggestion
}

func New(store Store, faces database.FaceWriter, fuser *fusion.Engine, scorer *mls.Scorer, distanceCutoff float64) *Registry {
	return &Registry{
		store:          store,
		faces:          faces,
		fuser:          fuser,
		scorer:         scorer,
		distanceCutoff: distanceCutoff,
		identities:     make(map[string]*Identity),
		reversed:       make(map[string]string),
		suggestions:    make(map[string][]Suggestion),
	}
}

// Load restores the projection and event log from the store.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	identities, err := r.store.LoadIdentities(ctx)
	if err != nil {
		return fmt.Errorf("load identities: %w", err)
	}
	events, err := r.store.LoadEvents(ctx)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}

	r.identities = make(map[string]*Identity, len(identities))
	for i := range identities {
		r.identities[identities[i].ID] = identities[i].Clone()
	}
	r.events = events
	r.reversed = make(map[string]string)
	for i := range events {
		if events[i].Action == ActionUndo && events[i].TargetEventID != "" {
			r.reversed[events[i].TargetEventID] = events[i].EventID
		}
	}

	// The fused anchor is derived state and not persisted. Recompute it for
	// every live identity; contested ones stay cleared.
	for _, id := range r.identities {
		if id.Absorbed() || id.State == StateContested || len(id.Anchors) == 0 {
			continue
		}
		if err := r.refuse(ctx, id); err != nil {
			id.Fused = fusion.FusedAnchor{}
		}
	}

	// Review states are written after the event commit, so a failure
	// between the two can leave them stale. Re-derive them from the
	// projection.
	return r.syncFaceStates(ctx)
}

// syncFaceStates makes every attached face resolved and releases faces
// left in resolved without an attachment. Skipped faces stay skipped;
// skip is an explicit reviewer decision, not derived state.
func (r *Registry) syncFaceStates(ctx context.Context) error {
	attached := make(map[string]struct{})
	for _, id := range r.identities {
		if id.Absorbed() {
			continue
		}
		for _, set := range [][]string{id.Anchors, id.Candidates} {
			for _, f := range set {
				attached[f] = struct{}{}
			}
		}
	}

	resolved, err := r.faces.ListByState(ctx, database.ReviewResolved)
	if err != nil {
		return fmt.Errorf("list resolved faces: %w", err)
	}
	for i := range resolved {
		if _, ok := attached[resolved[i].FaceID]; ok {
			delete(attached, resolved[i].FaceID)
			continue
		}
		if err := r.faces.SetState(ctx, resolved[i].FaceID, database.ReviewInbox); err != nil {
			return fmt.Errorf("release face %s: %w", resolved[i].FaceID, err)
		}
	}
	for f := range attached {
		if err := r.faces.SetState(ctx, f, database.ReviewResolved); err != nil {
			return fmt.Errorf("resolve face %s: %w", f, err)
		}
	}
	return nil
}

// Get returns a copy of an identity. Unknown IDs fail with
// ErrIdentityNotFound; absorbed identities are returned as stored, with
// MergedInto set.
func (r *Registry) Get(identityID string) (*Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.identities[identityID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIdentityNotFound, identityID)
	}
	return id.Clone(), nil
}

// ResolveID follows merge chains to the surviving identity.
func (r *Registry) ResolveID(identityID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveIDLocked(identityID)
}

func (r *Registry) resolveIDLocked(identityID string) (string, error) {
	seen := make(map[string]bool)
	for {
		id, ok := r.identities[identityID]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrIdentityNotFound, identityID)
		}
		if !id.Absorbed() {
			return id.ID, nil
		}
		if seen[id.ID] {
			return "", fmt.Errorf("merge chain cycle at %s", id.ID)
		}
		seen[id.ID] = true
		identityID = id.MergedInto
	}
}

// List returns copies of all identities, absorbed ones included, sorted by
// creation time then ID.
func (r *Registry) List() []*Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Identity, 0, len(r.identities))
	for _, id := range r.identities {
		out = append(out, id.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// History returns the events touching one identity, oldest first.
func (r *Registry) History(identityID string) ([]HistoryEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.identities[identityID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrIdentityNotFound, identityID)
	}

	var out []HistoryEvent
	for i := range r.events {
		if r.events[i].IdentityID == identityID || r.events[i].OtherID == identityID {
			out = append(out, r.events[i])
		}
	}
	return out, nil
}

// Suggestions returns pending re-evaluation suggestions for an identity.
func (r *Registry) Suggestions(identityID string) []Suggestion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Suggestion(nil), r.suggestions[identityID]...)
}

// AllSuggestions returns every pending suggestion grouped by identity.
func (r *Registry) AllSuggestions() []Suggestion {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Suggestion
	for _, s := range r.suggestions {
		out = append(out, s...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IdentityID != out[j].IdentityID {
			return out[i].IdentityID < out[j].IdentityID
		}
		return out[i].FaceID < out[j].FaceID
	})
	return out
}

// mutable fetches an identity for writing: it must exist, must not be
// absorbed, and must carry the version the caller saw.
func (r *Registry) mutable(identityID string, expectedVersion int64) (*Identity, error) {
	id, ok := r.identities[identityID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIdentityNotFound, identityID)
	}
	if id.Absorbed() {
		return nil, &MergedError{IdentityID: id.ID, MergedInto: id.MergedInto}
	}
	if id.Version != expectedVersion {
		return nil, &StaleVersionError{IdentityID: id.ID, Expected: expectedVersion, Actual: id.Version}
	}
	return id, nil
}

// commit persists an event plus the identities it touched, then applies
// them to the projection. The event is written first: if the projection
// write fails the log still records what happened and a rebuild repairs
// the projection.
func (r *Registry) commit(ctx context.Context, event HistoryEvent, updated ...*Identity) error {
	if err := r.store.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	for _, id := range updated {
		if err := r.store.SaveIdentity(ctx, *id); err != nil {
			return fmt.Errorf("save identity %s: %w", id.ID, err)
		}
	}

	r.events = append(r.events, event)
	if event.Action == ActionUndo && event.TargetEventID != "" {
		r.reversed[event.TargetEventID] = event.EventID
	}
	for _, id := range updated {
		r.identities[id.ID] = id
	}
	return nil
}

func newEvent(action Action, actor Actor, identityID string) HistoryEvent {
	return HistoryEvent{
		EventID:    uuid.New().String(),
		Timestamp:  time.Now(),
		IdentityID: identityID,
		Action:     action,
		Actor:      actor,
	}
}

// refuse recomputes the fused anchor from the anchor set. It returns the
// explosion error unwrapped so callers can route the identity to
// CONTESTED. Identities without anchors get a zero fused anchor.
func (r *Registry) refuse(ctx context.Context, id *Identity) error {
	if len(id.Anchors) == 0 {
		id.Fused = fusion.FusedAnchor{}
		return nil
	}

	stored, err := r.faces.GetFaces(ctx, id.Anchors)
	if err != nil {
		return fmt.Errorf("load anchors: %w", err)
	}

	inputs := make([]fusion.Input, len(stored))
	for i := range stored {
		weight := 1.0
		if w, ok := id.AnchorWeights[stored[i].FaceID]; ok {
			weight = w
		}
		inputs[i] = fusion.Input{Embedding: stored[i].Embedding(), Weight: weight}
	}

	fused, err := r.fuser.Fuse(inputs)
	if err != nil {
		return err
	}
	id.Fused = fused
	return nil
}

// reevaluate scores the identity's negatives against the tightened fused
// anchor and records suggestions for those now inside the match cutoff.
func (r *Registry) reevaluate(ctx context.Context, id *Identity) {
	if len(id.Negatives) == 0 || id.Fused.IsZero() {
		delete(r.suggestions, id.ID)
		return
	}

	fusedEmb := id.Fused.AsEmbedding("fused:" + id.ID)
	var suggestions []Suggestion
	for _, faceID := range id.Negatives {
		face, err := r.faces.GetFace(ctx, faceID)
		if err != nil {
			continue
		}
		dist, err := r.scorer.Distance(fusedEmb, face.Embedding())
		if err != nil {
			continue
		}
		if dist <= r.distanceCutoff {
			suggestions = append(suggestions, Suggestion{IdentityID: id.ID, FaceID: faceID, Distance: dist})
		}
	}

	if len(suggestions) == 0 {
		delete(r.suggestions, id.ID)
		return
	}
	sort.Slice(suggestions, func(i, j int) bool { return suggestions[i].Distance < suggestions[j].Distance })
	r.suggestions[id.ID] = suggestions
}

package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jbenedik/face-registry/internal/database"
	"github.com/jbenedik/face-registry/internal/fusion"
)

// Create builds a new identity in PROPOSED from a set of unattached faces,
// typically a clustering proposal the reviewer accepted. The faces become
// candidates; confirming them individually is what makes them anchors.
func (r *Registry) Create(ctx context.Context, name string, faceIDs []string, actor Actor) (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(faceIDs) == 0 {
		return nil, fmt.Errorf("create identity: at least one face required")
	}
	if err := r.assertUnattached(ctx, faceIDs); err != nil {
		return nil, err
	}

	now := time.Now()
	id := &Identity{
		ID:         uuid.New().String(),
		Name:       name,
		State:      StateProposed,
		Anchors:    []string{},
		Candidates: []string{},
		Negatives:  []string{},
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, f := range faceIDs {
		id.Candidates = insertSorted(id.Candidates, f)
	}

	event := newEvent(ActionCreate, actor, id.ID)
	event.FaceIDs = append([]string(nil), id.Candidates...)
	event.After = id.Clone()

	if err := r.commit(ctx, event, id); err != nil {
		return nil, err
	}
	if err := r.setFaceStates(ctx, id.Candidates, database.ReviewResolved); err != nil {
		return nil, err
	}
	return id.Clone(), nil
}

// ConfirmFaces marks faces as anchors: definitive observations of this
// person. Confidence becomes the anchor's fusion weight (1 for a plain
// human decision). Confirming refreshes the fused anchor; contradictory
// anchors trip the variance guardrail and contest the identity instead of
// poisoning it.
func (r *Registry) ConfirmFaces(ctx context.Context, identityID string, expectedVersion int64, faceIDs []string, actor Actor, confidence float64) (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.mutable(identityID, expectedVersion)
	if err != nil {
		return nil, err
	}
	if confidence <= 0 {
		confidence = 1.0
	}

	updated := id.Clone()
	for _, f := range faceIDs {
		if !updated.HasCandidate(f) && !updated.HasNegative(f) && !updated.HasAnchor(f) {
			if err := r.assertUnattached(ctx, []string{f}); err != nil {
				return nil, err
			}
		}
		updated.Candidates = remove(updated.Candidates, f)
		updated.Negatives = remove(updated.Negatives, f)
		updated.Anchors = insertSorted(updated.Anchors, f)
		if updated.AnchorWeights == nil {
			updated.AnchorWeights = make(map[string]float64)
		}
		updated.AnchorWeights[f] = confidence
	}
	updated.Version++
	updated.UpdatedAt = time.Now()

	oldFused := updated.Fused
	explosion, err := r.applyFusion(ctx, updated)
	if err != nil {
		return nil, err
	}

	event := newEvent(ActionConfirmFace, actor, id.ID)
	event.FaceIDs = append([]string(nil), faceIDs...)
	event.Confidence = confidence
	event.PrevVersion = id.Version
	event.Before = id.Clone()
	event.After = updated.Clone()

	if err := r.commit(ctx, event, updated); err != nil {
		return nil, err
	}
	if err := r.setFaceStates(ctx, faceIDs, database.ReviewResolved); err != nil {
		return nil, err
	}

	if explosion != nil {
		return r.contestLocked(ctx, updated, explosion)
	}
	if r.fuser.ShouldReevaluate(oldFused, updated.Fused) {
		r.reevaluate(ctx, updated)
	}
	return updated.Clone(), nil
}

// RejectFaces records faces as confirmed non-matches. They leave the
// anchor or candidate set, join negatives, and return to the inbox.
func (r *Registry) RejectFaces(ctx context.Context, identityID string, expectedVersion int64, faceIDs []string, actor Actor) (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.mutable(identityID, expectedVersion)
	if err != nil {
		return nil, err
	}

	updated := id.Clone()
	for _, f := range faceIDs {
		updated.Anchors = remove(updated.Anchors, f)
		updated.Candidates = remove(updated.Candidates, f)
		delete(updated.AnchorWeights, f)
		updated.Negatives = insertSorted(updated.Negatives, f)
	}
	updated.Version++
	updated.UpdatedAt = time.Now()

	explosion, err := r.applyFusion(ctx, updated)
	if err != nil {
		return nil, err
	}

	event := newEvent(ActionRejectFace, actor, id.ID)
	event.FaceIDs = append([]string(nil), faceIDs...)
	event.PrevVersion = id.Version
	event.Before = id.Clone()
	event.After = updated.Clone()

	if err := r.commit(ctx, event, updated); err != nil {
		return nil, err
	}
	if err := r.setFaceStates(ctx, faceIDs, database.ReviewInbox); err != nil {
		return nil, err
	}

	if explosion != nil {
		return r.contestLocked(ctx, updated, explosion)
	}
	return updated.Clone(), nil
}

// DetachFaces removes faces from the identity without judging them: not an
// anchor, not a negative, just back in the inbox.
func (r *Registry) DetachFaces(ctx context.Context, identityID string, expectedVersion int64, faceIDs []string, actor Actor) (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.mutable(identityID, expectedVersion)
	if err != nil {
		return nil, err
	}

	updated := id.Clone()
	for _, f := range faceIDs {
		updated.Anchors = remove(updated.Anchors, f)
		updated.Candidates = remove(updated.Candidates, f)
		updated.Negatives = remove(updated.Negatives, f)
		delete(updated.AnchorWeights, f)
	}
	updated.Version++
	updated.UpdatedAt = time.Now()

	explosion, err := r.applyFusion(ctx, updated)
	if err != nil {
		return nil, err
	}

	event := newEvent(ActionDetachFace, actor, id.ID)
	event.FaceIDs = append([]string(nil), faceIDs...)
	event.PrevVersion = id.Version
	event.Before = id.Clone()
	event.After = updated.Clone()

	if err := r.commit(ctx, event, updated); err != nil {
		return nil, err
	}
	if err := r.setFaceStates(ctx, faceIDs, database.ReviewInbox); err != nil {
		return nil, err
	}

	if explosion != nil {
		return r.contestLocked(ctx, updated, explosion)
	}
	return updated.Clone(), nil
}

// Promote moves a reviewed identity from PROPOSED to CONFIRMED. It needs
// at least one anchor; an identity nobody confirmed a face for is not
// reviewed.
func (r *Registry) Promote(ctx context.Context, identityID string, expectedVersion int64, actor Actor) (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.mutable(identityID, expectedVersion)
	if err != nil {
		return nil, err
	}
	if id.State != StateProposed {
		return nil, &TransitionError{IdentityID: id.ID, From: id.State, To: StateConfirmed}
	}
	if len(id.Anchors) == 0 {
		return nil, fmt.Errorf("identity %s: promote requires at least one confirmed anchor", id.ID)
	}

	updated := id.Clone()
	updated.State = StateConfirmed
	updated.Version++
	updated.UpdatedAt = time.Now()

	event := newEvent(ActionPromote, actor, id.ID)
	event.PrevVersion = id.Version
	event.Before = id.Clone()
	event.After = updated.Clone()

	if err := r.commit(ctx, event, updated); err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Resolve settles a CONTESTED identity back to CONFIRMED. It only succeeds
// once the anchor set fuses cleanly again; resolving a contradiction by
// decree is not a thing.
func (r *Registry) Resolve(ctx context.Context, identityID string, expectedVersion int64, actor Actor) (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.mutable(identityID, expectedVersion)
	if err != nil {
		return nil, err
	}
	if id.State != StateContested {
		return nil, &TransitionError{IdentityID: id.ID, From: id.State, To: StateConfirmed}
	}

	updated := id.Clone()
	if err := r.refuse(ctx, updated); err != nil {
		var explosion *fusion.ExplosionError
		if errors.As(err, &explosion) {
			return nil, fmt.Errorf("identity %s still contested: %w", id.ID, explosion)
		}
		return nil, err
	}
	updated.State = StateConfirmed
	updated.Version++
	updated.UpdatedAt = time.Now()

	event := newEvent(ActionResolve, actor, id.ID)
	event.PrevVersion = id.Version
	event.Before = id.Clone()
	event.After = updated.Clone()

	if err := r.commit(ctx, event, updated); err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Rename changes the display name.
func (r *Registry) Rename(ctx context.Context, identityID string, expectedVersion int64, name string, actor Actor) (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.mutable(identityID, expectedVersion)
	if err != nil {
		return nil, err
	}

	updated := id.Clone()
	updated.Name = name
	updated.Version++
	updated.UpdatedAt = time.Now()

	event := newEvent(ActionRename, actor, id.ID)
	event.Note = name
	event.PrevVersion = id.Version
	event.Before = id.Clone()
	event.After = updated.Clone()

	if err := r.commit(ctx, event, updated); err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// SkipFace defers an unattached face. Skipped faces stay in the clustering
// pool; skip means "not now", not "never".
func (r *Registry) SkipFace(ctx context.Context, faceID string, actor Actor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.assertUnattached(ctx, []string{faceID}); err != nil {
		return err
	}

	event := newEvent(ActionSkipFace, actor, "")
	event.FaceIDs = []string{faceID}
	if err := r.commit(ctx, event); err != nil {
		return err
	}
	return r.setFaceStates(ctx, []string{faceID}, database.ReviewSkipped)
}

// UnskipFace returns a skipped face to the inbox.
func (r *Registry) UnskipFace(ctx context.Context, faceID string, actor Actor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event := newEvent(ActionSkipFace, actor, "")
	event.FaceIDs = []string{faceID}
	event.Note = "unskip"
	if err := r.commit(ctx, event); err != nil {
		return err
	}
	return r.setFaceStates(ctx, []string{faceID}, database.ReviewInbox)
}

// TombstoneFace soft-orphans a face. The record stays for history but
// drops out of every pool and result.
func (r *Registry) TombstoneFace(ctx context.Context, faceID string, actor Actor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.assertUnattached(ctx, []string{faceID}); err != nil {
		return err
	}

	event := newEvent(ActionTombstone, actor, "")
	event.FaceIDs = []string{faceID}
	if err := r.commit(ctx, event); err != nil {
		return err
	}
	return r.faces.Tombstone(ctx, faceID)
}

// contestLocked routes an identity to CONTESTED after a guardrail
// rejection, recording the explosion as a system event.
func (r *Registry) contestLocked(ctx context.Context, id *Identity, explosion *fusion.ExplosionError) (*Identity, error) {
	updated := id.Clone()
	updated.State = StateContested
	updated.Fused = fusion.FusedAnchor{}
	updated.Version++
	updated.UpdatedAt = time.Now()

	event := newEvent(ActionContest, ActorSystem, id.ID)
	event.Note = explosion.Error()
	event.PrevVersion = id.Version
	event.Before = id.Clone()
	event.After = updated.Clone()

	if err := r.commit(ctx, event, updated); err != nil {
		return nil, err
	}
	delete(r.suggestions, id.ID)
	return updated.Clone(), nil
}

// applyFusion recomputes the fused anchor in place. A guardrail rejection
// is returned as a value, not an error: the caller decides to contest.
func (r *Registry) applyFusion(ctx context.Context, id *Identity) (*fusion.ExplosionError, error) {
	err := r.refuse(ctx, id)
	if err == nil {
		return nil, nil
	}
	var explosion *fusion.ExplosionError
	if errors.As(err, &explosion) {
		id.Fused = fusion.FusedAnchor{}
		return explosion, nil
	}
	return nil, err
}

// assertUnattached verifies faces exist, are live, and belong to no
// identity's anchor or candidate set.
func (r *Registry) assertUnattached(ctx context.Context, faceIDs []string) error {
	for _, f := range faceIDs {
		if _, err := r.faces.GetFace(ctx, f); err != nil {
			return fmt.Errorf("face %s: %w", f, err)
		}
		for _, id := range r.identities {
			if id.Absorbed() {
				continue
			}
			if id.HasAnchor(f) || id.HasCandidate(f) {
				return fmt.Errorf("face %s already attached to identity %s", f, id.ID)
			}
		}
	}
	return nil
}

// setFaceStates writes derived review states after the event commit. The
// log stays authoritative: a failure here surfaces to the caller, and Load
// re-derives the states from the projection.
func (r *Registry) setFaceStates(ctx context.Context, faceIDs []string, state database.ReviewState) error {
	for _, f := range faceIDs {
		if err := r.faces.SetState(ctx, f, state); err != nil {
			return fmt.Errorf("set face %s state: %w", f, err)
		}
	}
	return nil
}

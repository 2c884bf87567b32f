package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/jbenedik/face-registry/internal/database"
)

// Undo reverses the most recent unreversed event touching an identity by
// restoring the snapshots that event recorded. Only one level at a time;
// repeated calls walk further back. Undo events themselves cannot be
// undone.
//
// Versions stay monotonic: the restored identity carries the old content
// with a fresh version, so optimistic concurrency never sees a version
// twice.
//
// Undoing a create removes the identity from the projection (the event log
// keeps the whole story); the returned identity is nil in that case.
func (r *Registry) Undo(ctx context.Context, identityID string, actor Actor) (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.identities[identityID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrIdentityNotFound, identityID)
	}

	var target *HistoryEvent
	for i := len(r.events) - 1; i >= 0; i-- {
		e := &r.events[i]
		if e.IdentityID != identityID && e.OtherID != identityID {
			continue
		}
		if !e.undoable() {
			continue
		}
		if _, done := r.reversed[e.EventID]; done {
			continue
		}
		target = e
		break
	}
	if target == nil {
		return nil, fmt.Errorf("%w: identity %s", ErrNothingToUndo, identityID)
	}

	now := time.Now()
	event := newEvent(ActionUndo, actor, target.IdentityID)
	event.OtherID = target.OtherID
	event.TargetEventID = target.EventID
	event.Note = string(target.Action)

	var updated []*Identity
	var restored *Identity

	if current, ok := r.identities[target.IdentityID]; ok {
		event.Before = current.Clone()
	}
	if target.Before != nil {
		restored = target.Before.Clone()
		if current, ok := r.identities[target.IdentityID]; ok {
			restored.Version = current.Version + 1
		}
		restored.UpdatedAt = now
		event.After = restored.Clone()
		updated = append(updated, restored)
	}

	var restoredOther *Identity
	if target.OtherID != "" {
		if currentOther, ok := r.identities[target.OtherID]; ok {
			event.BeforeOther = currentOther.Clone()
		}
		if target.BeforeOther != nil {
			restoredOther = target.BeforeOther.Clone()
			if currentOther, ok := r.identities[target.OtherID]; ok {
				restoredOther.Version = currentOther.Version + 1
			}
			restoredOther.UpdatedAt = now
			event.AfterOther = restoredOther.Clone()
			updated = append(updated, restoredOther)
		}
	}

	if err := r.commit(ctx, event, updated...); err != nil {
		return nil, err
	}

	if target.Before == nil {
		// Undo of create: drop the projection row.
		if err := r.store.DeleteIdentity(ctx, target.IdentityID); err != nil {
			return nil, fmt.Errorf("delete identity %s: %w", target.IdentityID, err)
		}
		delete(r.identities, target.IdentityID)
	}
	delete(r.suggestions, target.IdentityID)

	if err := r.restoreFaceStates(ctx, target); err != nil {
		return nil, err
	}

	if restored == nil {
		return nil, nil
	}
	return restored.Clone(), nil
}

// restoreFaceStates re-derives review states for every face the reversed
// event touched: attached anywhere means resolved, otherwise back to the
// inbox.
func (r *Registry) restoreFaceStates(ctx context.Context, target *HistoryEvent) error {
	affected := make(map[string]struct{})
	for _, f := range target.FaceIDs {
		affected[f] = struct{}{}
	}
	for _, snap := range []*Identity{target.Before, target.After, target.BeforeOther, target.AfterOther} {
		if snap == nil {
			continue
		}
		for _, set := range [][]string{snap.Anchors, snap.Candidates} {
			for _, f := range set {
				affected[f] = struct{}{}
			}
		}
	}

	for f := range affected {
		state := r.reviewStateFor(f)
		if err := r.faces.SetState(ctx, f, state); err != nil {
			return fmt.Errorf("restore face %s state: %w", f, err)
		}
	}
	return nil
}

func (r *Registry) reviewStateFor(faceID string) database.ReviewState {
	for _, id := range r.identities {
		if id.Absorbed() {
			continue
		}
		if id.HasAnchor(faceID) || id.HasCandidate(faceID) {
			return database.ReviewResolved
		}
	}
	return database.ReviewInbox
}

package registry

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Rebuild reconstructs the identity projection purely from the event log.
// Events carry full after snapshots, so replay is snapshot application in
// append order; no event semantics are re-executed.
func (r *Registry) Rebuild() map[string]*Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return rebuildFrom(r.events)
}

func rebuildFrom(events []HistoryEvent) map[string]*Identity {
	identities := make(map[string]*Identity)

	for i := range events {
		e := &events[i]
		if e.IdentityID != "" {
			if e.After != nil {
				identities[e.IdentityID] = e.After.Clone()
			} else if e.Action == ActionUndo {
				// Undo of a create removes the projection row.
				delete(identities, e.IdentityID)
			}
		}
		if e.OtherID != "" && e.AfterOther != nil {
			identities[e.OtherID] = e.AfterOther.Clone()
		}
	}
	return identities
}

// Verify replays the log and compares the result against the live
// projection. A mismatch means the projection drifted and should be
// rebuilt.
func (r *Registry) Verify() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rebuilt := rebuildFrom(r.events)

	if len(rebuilt) != len(r.identities) {
		return fmt.Errorf("projection has %d identities, replay produced %d", len(r.identities), len(rebuilt))
	}

	var mismatched []string
	for id, live := range r.identities {
		replayed, ok := rebuilt[id]
		if !ok {
			mismatched = append(mismatched, id)
			continue
		}
		if !sameIdentity(live, replayed) {
			mismatched = append(mismatched, id)
		}
	}
	if len(mismatched) > 0 {
		sort.Strings(mismatched)
		return fmt.Errorf("projection drift on identities: %v", mismatched)
	}
	return nil
}

// sameIdentity compares via the JSON form, which covers everything
// persisted and ignores the derived fused anchor.
func sameIdentity(a, b *Identity) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ja) == string(jb)
}

package registry

import (
	"context"
	"fmt"
	"time"
)

// MergeOptions resolve naming conflicts when both sides carry different
// names. Without options such a merge is blocked.
type MergeOptions struct {
	// KeepName picks the surviving name. Must equal one side's name.
	KeepName string
	// KeepBoth keeps the surviving side's name and records the other as
	// an alias.
	KeepBoth bool
}

// Merge folds two identities into one. Direction is policy, not argument
// order: the named side survives. The absorbed identity is never deleted;
// it stays with MergedInto set so old references keep resolving.
//
// The surviving state never downgrades: CONTESTED on either side wins,
// then CONFIRMED, then PROPOSED. The merged anchor set goes through fusion
// and can contest the survivor immediately, which is the guardrail doing
// its job on two people who should not have been merged.
func (r *Registry) Merge(ctx context.Context, firstID, secondID string, firstVersion, secondVersion int64, opts MergeOptions, actor Actor) (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if firstID == secondID {
		return nil, fmt.Errorf("cannot merge identity %s with itself", firstID)
	}

	first, err := r.mutable(firstID, firstVersion)
	if err != nil {
		return nil, err
	}
	second, err := r.mutable(secondID, secondVersion)
	if err != nil {
		return nil, err
	}

	winner, loser, err := pickSurvivor(first, second, opts)
	if err != nil {
		return nil, err
	}

	survivor := winner.Clone()
	absorbed := loser.Clone()

	// Union the face sets. A face confirmed on either side stays an
	// anchor; anchors and candidates override old negative judgments.
	for _, f := range absorbed.Anchors {
		survivor.Anchors = insertSorted(survivor.Anchors, f)
		survivor.Negatives = remove(survivor.Negatives, f)
		if w, ok := absorbed.AnchorWeights[f]; ok {
			if survivor.AnchorWeights == nil {
				survivor.AnchorWeights = make(map[string]float64)
			}
			survivor.AnchorWeights[f] = w
		}
	}
	for _, f := range absorbed.Candidates {
		if !survivor.HasAnchor(f) {
			survivor.Candidates = insertSorted(survivor.Candidates, f)
			survivor.Negatives = remove(survivor.Negatives, f)
		}
	}
	for _, f := range absorbed.Negatives {
		if !survivor.HasAnchor(f) && !survivor.HasCandidate(f) {
			survivor.Negatives = insertSorted(survivor.Negatives, f)
		}
	}

	survivor.Aliases = mergeAliases(survivor, absorbed)
	survivor.State = mergedState(winner.State, loser.State)
	survivor.Version++
	survivor.UpdatedAt = time.Now()

	absorbed.MergedInto = survivor.ID
	absorbed.Anchors = []string{}
	absorbed.Candidates = []string{}
	absorbed.Negatives = []string{}
	absorbed.AnchorWeights = nil
	absorbed.Version++
	absorbed.UpdatedAt = survivor.UpdatedAt

	explosion, err := r.applyFusion(ctx, survivor)
	if err != nil {
		return nil, err
	}

	event := newEvent(ActionMerge, actor, survivor.ID)
	event.OtherID = absorbed.ID
	event.PrevVersion = winner.Version
	event.Before = winner.Clone()
	event.After = survivor.Clone()
	event.BeforeOther = loser.Clone()
	event.AfterOther = absorbed.Clone()

	if err := r.commit(ctx, event, survivor, absorbed); err != nil {
		return nil, err
	}

	if explosion != nil {
		return r.contestLocked(ctx, survivor, explosion)
	}
	return survivor.Clone(), nil
}

// pickSurvivor applies the direction policy.
func pickSurvivor(first, second *Identity, opts MergeOptions) (winner, loser *Identity, err error) {
	switch {
	case first.Name != "" && second.Name == "":
		return first, second, nil
	case second.Name != "" && first.Name == "":
		return second, first, nil
	case first.Name == "" && second.Name == "":
		return first, second, nil
	case SameName(first.Name, second.Name):
		return first, second, nil
	}

	// Both named, differently.
	if opts.KeepName != "" {
		switch opts.KeepName {
		case first.Name:
			return first, second, nil
		case second.Name:
			return second, first, nil
		default:
			return nil, nil, fmt.Errorf("keep_name %q matches neither %q nor %q", opts.KeepName, first.Name, second.Name)
		}
	}
	if opts.KeepBoth {
		return first, second, nil
	}
	return nil, nil, &NamingConflictError{NameA: first.Name, NameB: second.Name}
}

// mergeAliases unions both alias lists plus the absorbed name when it
// differs from the surviving one.
func mergeAliases(survivor, absorbed *Identity) []string {
	aliases := append([]string(nil), survivor.Aliases...)
	add := func(name string) {
		if name == "" || SameName(name, survivor.Name) {
			return
		}
		for _, a := range aliases {
			if SameName(a, name) {
				return
			}
		}
		aliases = insertSorted(aliases, name)
	}
	for _, a := range absorbed.Aliases {
		add(a)
	}
	add(absorbed.Name)
	return aliases
}

// mergedState keeps the most advanced state: contradictions dominate, then
// human confirmation, then proposals.
func mergedState(a, b State) State {
	if a == StateContested || b == StateContested {
		return StateContested
	}
	if a == StateConfirmed || b == StateConfirmed {
		return StateConfirmed
	}
	return StateProposed
}

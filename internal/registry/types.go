package registry

import (
	"sort"
	"time"

	"github.com/jbenedik/face-registry/internal/fusion"
)

// State is the lifecycle state of an identity.
type State string

const (
	// StateProposed marks machine-suggested identities awaiting review.
	StateProposed State = "PROPOSED"
	// StateConfirmed marks human-reviewed identities.
	StateConfirmed State = "CONFIRMED"
	// StateContested marks identities with contradictory evidence. Fusion
	// is frozen until a human resolves the contradiction.
	StateContested State = "CONTESTED"
)

// Identity is the projection of one person built from the event log. The
// three face sets are pairwise disjoint: anchors define the person,
// candidates await review, negatives are confirmed non-matches.
type Identity struct {
	ID            string             `json:"id"`
	Name          string             `json:"name,omitempty"`
	Aliases       []string           `json:"aliases,omitempty"`
	State         State              `json:"state"`
	Anchors       []string           `json:"anchors"`
	AnchorWeights map[string]float64 `json:"anchor_weights,omitempty"`
	Candidates    []string           `json:"candidates"`
	Negatives     []string           `json:"negatives"`
	Version       int64              `json:"version"`
	MergedInto    string             `json:"merged_into,omitempty"`
	Fused         fusion.FusedAnchor `json:"-"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Clone returns a deep copy. Every read path hands out clones so callers
// can never mutate registry state behind the lock.
func (i *Identity) Clone() *Identity {
	c := *i
	c.Aliases = append([]string(nil), i.Aliases...)
	c.Anchors = append([]string(nil), i.Anchors...)
	c.Candidates = append([]string(nil), i.Candidates...)
	c.Negatives = append([]string(nil), i.Negatives...)
	if i.AnchorWeights != nil {
		c.AnchorWeights = make(map[string]float64, len(i.AnchorWeights))
		for k, v := range i.AnchorWeights {
			c.AnchorWeights[k] = v
		}
	}
	c.Fused = i.Fused.Clone()
	return &c
}

// Absorbed reports whether this identity was merged away.
func (i *Identity) Absorbed() bool {
	return i.MergedInto != ""
}

// HasAnchor reports membership in the anchor set.
func (i *Identity) HasAnchor(faceID string) bool {
	return contains(i.Anchors, faceID)
}

// HasCandidate reports membership in the candidate set.
func (i *Identity) HasCandidate(faceID string) bool {
	return contains(i.Candidates, faceID)
}

// HasNegative reports membership in the negative set.
func (i *Identity) HasNegative(faceID string) bool {
	return contains(i.Negatives, faceID)
}

func contains(set []string, id string) bool {
	for _, s := range set {
		if s == id {
			return true
		}
	}
	return false
}

func insertSorted(set []string, id string) []string {
	if contains(set, id) {
		return set
	}
	set = append(set, id)
	sort.Strings(set)
	return set
}

func remove(set []string, id string) []string {
	out := set[:0]
	for _, s := range set {
		if s != id {
			out = append(out, s)
		}
	}
	return out
}

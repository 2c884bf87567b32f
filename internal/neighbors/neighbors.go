// Package neighbors ranks candidate faces against a query by Mutual
// Likelihood Score distance. The ranking contract is deliberately frozen:
// ascending distance, ties broken by face ID, query excluded, empty pool
// returns an empty result. Review tooling and the clustering engine both
// depend on this exact ordering, so changes here are changes everywhere.
package neighbors

import (
	"fmt"
	"math"
	"sort"

	"github.com/jbenedik/face-registry/internal/database"
	"github.com/jbenedik/face-registry/internal/embedding"
	"github.com/jbenedik/face-registry/internal/mls"
)

// Result is one ranked neighbor.
type Result struct {
	FaceID   string  `json:"face_id"`
	Distance float64 `json:"distance"`
}

// Searcher ranks pools of candidate embeddings. An optional HNSW index
// narrows large pools before the exact scoring pass; the final ordering is
// always produced by exact MLS, so the prefilter changes recall only, never
// the contract.
type Searcher struct {
	scorer *mls.Scorer
	index  *database.HNSWIndex
}

func NewSearcher(scorer *mls.Scorer) *Searcher {
	return &Searcher{scorer: scorer}
}

// WithPrefilter attaches an HNSW index used to narrow pools larger than
// database.HNSWPrefilterMin.
func (s *Searcher) WithPrefilter(index *database.HNSWIndex) *Searcher {
	s.index = index
	return s
}

// Rank scores every pool candidate against the query and returns them in
// ascending distance order. Candidates farther than maxDistance are dropped;
// maxDistance of exactly 0 disables the cutoff. Negative thresholds are
// valid, MLS distance goes below zero for near-identical faces. A limit
// <= 0 returns all survivors. The query face never appears in its own
// results.
func (s *Searcher) Rank(query embedding.FaceEmbedding, pool []embedding.FaceEmbedding, limit int, maxDistance float64) ([]Result, error) {
	pool = s.prefilter(query, pool, limit)

	results := make([]Result, 0, len(pool))
	for i := range pool {
		if pool[i].FaceID == query.FaceID {
			continue
		}
		dist, err := s.scorer.Distance(query, pool[i])
		if err != nil {
			return nil, fmt.Errorf("rank %s against %s: %w", query.FaceID, pool[i].FaceID, err)
		}
		if maxDistance != 0 && dist > maxDistance {
			continue
		}
		results = append(results, Result{FaceID: pool[i].FaceID, Distance: dist})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].FaceID < results[j].FaceID
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// IdentityDistance is the distance between two sets of anchors: the minimum
// over all cross pairs (best match). Multi-anchor identities match through
// whichever anchor fits best; averaging anchors into a centroid would blur
// a person whose appearance spans decades into someone nobody looks like.
func (s *Searcher) IdentityDistance(a, b []embedding.FaceEmbedding) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("identity distance requires anchors on both sides")
	}

	best := math.Inf(1)
	for i := range a {
		for j := range b {
			dist, err := s.scorer.Distance(a[i], b[j])
			if err != nil {
				return 0, err
			}
			if dist < best {
				best = dist
			}
		}
	}
	return best, nil
}

// prefilter narrows a large pool to the HNSW neighborhood of the query.
// Small pools and missing indexes score everything exactly.
func (s *Searcher) prefilter(query embedding.FaceEmbedding, pool []embedding.FaceEmbedding, limit int) []embedding.FaceEmbedding {
	if s.index == nil || len(pool) < database.HNSWPrefilterMin {
		return pool
	}

	k := limit * database.HNSWSearchMultiplier
	if limit <= 0 || k > len(pool) {
		return pool
	}

	ids, _, err := s.index.Search(query.Mu, k)
	if err != nil {
		// Index unavailable, fall back to exact scoring of the full pool.
		return pool
	}

	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}

	narrowed := make([]embedding.FaceEmbedding, 0, len(ids))
	for i := range pool {
		if _, ok := keep[pool[i].FaceID]; ok {
			narrowed = append(narrowed, pool[i])
		}
	}
	return narrowed
}

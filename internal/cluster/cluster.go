// Package cluster groups unresolved faces into identity proposals with
// agglomerative complete-linkage clustering. Complete linkage is the
// conservative choice: a cluster is only as good as its worst pair, so one
// in-between face cannot chain two different people together.
package cluster

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jbenedik/face-registry/internal/database"
	"github.com/jbenedik/face-registry/internal/mls"
)

// Tier is the reviewer-facing confidence band of a proposal.
type Tier string

const (
	TierHigh       Tier = "high"
	TierMedium     Tier = "medium"
	TierLow        Tier = "low"
	TierBorderline Tier = "borderline"
)

// TierBounds are the calibrated upper bounds in distance space for each
// tier. Borderline equals the clustering cutoff.
type TierBounds struct {
	High       float64
	Medium     float64
	Low        float64
	Borderline float64
}

// Proposal is one suggested identity grouping. FaceIDs are sorted.
type Proposal struct {
	ProposalID      string   `json:"proposal_id"`
	FaceIDs         []string `json:"face_ids"`
	MaxPairDistance float64  `json:"max_pair_distance"`
	NearestOutside  float64  `json:"nearest_outside"` // 0 when no other cluster exists
	Margin          float64  `json:"margin"`
	Ambiguous       bool     `json:"ambiguous"`
	Tier            Tier     `json:"tier"`
}

// Engine runs the clustering algorithm under a fixed calibration.
type Engine struct {
	scorer          *mls.Scorer
	distanceCutoff  float64
	ambiguityMargin float64
	tiers           TierBounds
}

func NewEngine(scorer *mls.Scorer, distanceCutoff, ambiguityMargin float64, tiers TierBounds) *Engine {
	return &Engine{
		scorer:          scorer,
		distanceCutoff:  distanceCutoff,
		ambiguityMargin: ambiguityMargin,
		tiers:           tiers,
	}
}

// Cluster groups the candidate faces and returns proposals for every group
// of two or more. Singletons stay where they are; an empty input yields an
// empty result. The algorithm is deterministic for any input order: faces
// are sorted by ID up front and merge ties break on the smallest member ID.
// Cancelling ctx abandons the run with ctx.Err(); partial results are never
// returned.
func (e *Engine) Cluster(ctx context.Context, faces []database.StoredFace, progress func(done, total int)) ([]Proposal, error) {
	live := make([]database.StoredFace, 0, len(faces))
	for i := range faces {
		if !faces[i].Tombstoned {
			live = append(live, faces[i])
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].FaceID < live[j].FaceID })

	n := len(live)
	if n == 0 {
		return []Proposal{}, nil
	}

	dist, err := e.pairwiseDistances(ctx, live, progress)
	if err != nil {
		return nil, err
	}

	clusters := make([][]int, n)
	for i := range clusters {
		clusters[i] = []int{i}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		bi, bj, linkage := bestMerge(clusters, dist)
		if bi < 0 || linkage > e.distanceCutoff {
			break
		}

		merged := append(clusters[bi], clusters[bj]...)
		sort.Ints(merged)
		clusters[bi] = merged
		clusters = append(clusters[:bj], clusters[bj+1:]...)
	}

	return e.buildProposals(live, clusters, dist), nil
}

// pairwiseDistances computes the full symmetric distance matrix.
func (e *Engine) pairwiseDistances(ctx context.Context, faces []database.StoredFace, progress func(done, total int)) ([][]float64, error) {
	n := len(faces)
	total := n * (n - 1) / 2
	done := 0

	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j := i + 1; j < n; j++ {
			d, err := e.scorer.Distance(faces[i].Embedding(), faces[j].Embedding())
			if err != nil {
				return nil, fmt.Errorf("score %s against %s: %w", faces[i].FaceID, faces[j].FaceID, err)
			}
			dist[i][j] = d
			dist[j][i] = d
			done++
		}
		if progress != nil {
			progress(done, total)
		}
	}
	return dist, nil
}

// bestMerge finds the cluster pair with the smallest complete linkage.
// Ties break on the smaller leading face index, which is the smaller face
// ID since faces are sorted. Returns (-1, -1, 0) for fewer than two
// clusters.
func bestMerge(clusters [][]int, dist [][]float64) (int, int, float64) {
	bi, bj := -1, -1
	best := 0.0

	for i := 0; i < len(clusters); i++ {
		for j := i + 1; j < len(clusters); j++ {
			l := completeLinkage(clusters[i], clusters[j], dist)
			if bi < 0 || l < best {
				bi, bj, best = i, j, l
			}
		}
	}
	return bi, bj, best
}

// completeLinkage is the maximum pairwise distance across two clusters.
// MLS distances go negative for near-identical faces, so the maximum
// starts below any real distance, never at zero.
func completeLinkage(a, b []int, dist [][]float64) float64 {
	max := math.Inf(-1)
	for _, i := range a {
		for _, j := range b {
			if dist[i][j] > max {
				max = dist[i][j]
			}
		}
	}
	return max
}

func (e *Engine) buildProposals(faces []database.StoredFace, clusters [][]int, dist [][]float64) []Proposal {
	proposals := make([]Proposal, 0, len(clusters))

	for ci, members := range clusters {
		if len(members) < 2 {
			continue
		}

		intra := math.Inf(-1)
		for x := 0; x < len(members); x++ {
			for y := x + 1; y < len(members); y++ {
				if d := dist[members[x]][members[y]]; d > intra {
					intra = d
				}
			}
		}

		nearest := 0.0
		found := false
		for cj, other := range clusters {
			if cj == ci {
				continue
			}
			l := completeLinkage(members, other, dist)
			if !found || l < nearest {
				nearest = l
				found = true
			}
		}

		margin := 1.0
		if found {
			switch {
			case nearest <= intra:
				margin = 0
			case nearest <= 0:
				// Both distances negative: the nearest remaining
				// cluster is itself a near-match, which is as
				// ambiguous as it gets.
				margin = 0
			default:
				margin = (nearest - intra) / nearest
				if margin > 1 {
					margin = 1
				}
			}
		}

		ids := make([]string, len(members))
		for i, m := range members {
			ids[i] = faces[m].FaceID
		}

		proposals = append(proposals, Proposal{
			ProposalID:      uuid.New().String(),
			FaceIDs:         ids,
			MaxPairDistance: intra,
			NearestOutside:  nearest,
			Margin:          margin,
			Ambiguous:       margin < e.ambiguityMargin,
			Tier:            e.tier(intra),
		})
	}

	sort.Slice(proposals, func(i, j int) bool { return proposals[i].FaceIDs[0] < proposals[j].FaceIDs[0] })
	return proposals
}

func (e *Engine) tier(maxPairDistance float64) Tier {
	switch {
	case maxPairDistance < e.tiers.High:
		return TierHigh
	case maxPairDistance < e.tiers.Medium:
		return TierMedium
	case maxPairDistance < e.tiers.Low:
		return TierLow
	default:
		return TierBorderline
	}
}

// Run is one clustering job over the review pool.
type Run struct {
	RunID      string     `json:"run_id"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	FaceCount  int        `json:"face_count"`
	Proposals  []Proposal `json:"proposals"`
	Error      string     `json:"error,omitempty"`
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunDone      RunStatus = "done"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// Package mls implements the Mutual Likelihood Score between two Gaussian
// face embeddings. MLS is the log-likelihood that two faces are observations
// of the same latent identity; higher means more alike. The engine works in
// distance space, which is simply the negated score.
package mls

import (
	"fmt"
	"math"

	"github.com/jbenedik/face-registry/internal/embedding"
)

// Scorer computes MLS under a fixed calibration. It is stateless beyond its
// parameters and safe for concurrent use.
type Scorer struct {
	dim           int
	varianceFloor float64
	scalarTol     float64
}

func NewScorer(dim int, varianceFloor, scalarTol float64) *Scorer {
	return &Scorer{
		dim:           dim,
		varianceFloor: varianceFloor,
		scalarTol:     scalarTol,
	}
}

// Score returns the Mutual Likelihood Score between two embeddings. The
// score is symmetric in its arguments. Both embeddings are validated; a
// malformed one fails with embedding.ErrInvalid.
//
// When both variances are scalar the per-dimension log terms collapse into a
// single log of the combined variance. Summing D copies of that log would
// drown the distance term for 512-d embeddings and push every pair to the
// same score, so the scalar branch is a correctness matter, not a shortcut.
func (s *Scorer) Score(a, b embedding.FaceEmbedding) (float64, error) {
	if err := embedding.Validate(a, s.dim, s.varianceFloor); err != nil {
		return 0, fmt.Errorf("score: %w", err)
	}
	if err := embedding.Validate(b, s.dim, s.varianceFloor); err != nil {
		return 0, fmt.Errorf("score: %w", err)
	}

	if embedding.IsScalar(a.SigmaSq, s.scalarTol) && embedding.IsScalar(b.SigmaSq, s.scalarTol) {
		return scalarScore(a.Mu, b.Mu, embedding.ScalarVariance(a.SigmaSq), embedding.ScalarVariance(b.SigmaSq)), nil
	}
	return vectorScore(a.Mu, b.Mu, a.SigmaSq, b.SigmaSq), nil
}

// Distance returns the negated score, so that smaller means more alike.
func (s *Scorer) Distance(a, b embedding.FaceEmbedding) (float64, error) {
	score, err := s.Score(a, b)
	if err != nil {
		return 0, err
	}
	return -score, nil
}

func scalarScore(muA, muB []float32, varA, varB float64) float64 {
	combined := varA + varB
	sq := 0.0
	for i := range muA {
		d := float64(muA[i]) - float64(muB[i])
		sq += d * d
	}
	return -sq/combined - math.Log(combined)
}

func vectorScore(muA, muB []float32, sigmaA, sigmaB []float64) float64 {
	score := 0.0
	for i := range muA {
		combined := varAt(sigmaA, i) + varAt(sigmaB, i)
		d := float64(muA[i]) - float64(muB[i])
		score -= d*d/combined + math.Log(combined)
	}
	return score
}

// varAt broadcasts a scalar variance across dimensions when one side is
// scalar and the other is per-dimension.
func varAt(sigmaSq []float64, i int) float64 {
	if len(sigmaSq) == 1 {
		return sigmaSq[0]
	}
	return sigmaSq[i]
}

// Package embedding defines the probabilistic face representation used
// across the engine. A face is a Gaussian in embedding space: a mean vector
// plus either a single shared variance or one variance per dimension.
package embedding

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalid marks embeddings that fail structural validation. Callers match
// it with errors.Is.
var ErrInvalid = errors.New("invalid embedding")

// FaceEmbedding is the Gaussian representation of a single detected face.
// Mu is the mean vector as produced by the encoder. SigmaSq holds either one
// element (scalar variance shared by all dimensions) or exactly len(Mu)
// elements (per-dimension variance).
type FaceEmbedding struct {
	FaceID  string
	Mu      []float32
	SigmaSq []float64
}

// QualitySignals are the detector outputs variance is derived from when the
// encoder does not emit uncertainty itself.
type QualitySignals struct {
	DetScore   float64 // detector confidence in [0, 1]
	FaceAreaPx float64 // face crop area in pixels
	Blur       float64 // blur measure, 0 = sharp
}

const (
	// baseVariance is the variance assigned to a perfect-quality face.
	baseVariance = 0.01
	// maxVariance caps derived variance for unusable detections.
	maxVariance = 1.0
	// referenceAreaPx is the crop area above which size stops helping,
	// matching the 112x112 encoder input.
	referenceAreaPx = 112 * 112
)

// Validate checks an embedding against the configured dimensionality and
// variance floor. All failures wrap ErrInvalid.
func Validate(e FaceEmbedding, dim int, varianceFloor float64) error {
	if e.FaceID == "" {
		return fmt.Errorf("%w: empty face id", ErrInvalid)
	}
	if len(e.Mu) != dim {
		return fmt.Errorf("%w: face %s: mean has %d dimensions, expected %d", ErrInvalid, e.FaceID, len(e.Mu), dim)
	}
	if len(e.SigmaSq) != 1 && len(e.SigmaSq) != dim {
		return fmt.Errorf("%w: face %s: variance has %d elements, expected 1 or %d", ErrInvalid, e.FaceID, len(e.SigmaSq), dim)
	}
	for i, v := range e.Mu {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: face %s: mean[%d] is not finite", ErrInvalid, e.FaceID, i)
		}
	}
	for i, v := range e.SigmaSq {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: face %s: variance[%d] is not finite", ErrInvalid, e.FaceID, i)
		}
		if v < varianceFloor {
			return fmt.Errorf("%w: face %s: variance[%d] = %g below floor %g", ErrInvalid, e.FaceID, i, v, varianceFloor)
		}
	}
	return nil
}

// IsScalar reports whether the variance collapses to a single shared value.
// A one-element variance is scalar by construction; a per-dimension variance
// counts as scalar when every element is within tol of the first.
func IsScalar(sigmaSq []float64, tol float64) bool {
	if len(sigmaSq) == 1 {
		return true
	}
	first := sigmaSq[0]
	for _, v := range sigmaSq[1:] {
		if math.Abs(v-first) > tol {
			return false
		}
	}
	return true
}

// ScalarVariance returns the shared variance of a scalar embedding. For a
// near-uniform per-dimension variance it returns the mean of the elements.
func ScalarVariance(sigmaSq []float64) float64 {
	if len(sigmaSq) == 1 {
		return sigmaSq[0]
	}
	sum := 0.0
	for _, v := range sigmaSq {
		sum += v
	}
	return sum / float64(len(sigmaSq))
}

// DeriveVariance estimates a scalar variance from detector quality signals.
// Small, blurry, or low-confidence faces get a wide Gaussian so they match
// weakly everywhere instead of snapping to the nearest identity.
func DeriveVariance(q QualitySignals, varianceFloor float64) float64 {
	det := clamp(q.DetScore, 0.01, 1.0)
	areaFactor := clamp(q.FaceAreaPx/referenceAreaPx, 0.01, 1.0)
	blurFactor := 1.0 / (1.0 + math.Max(q.Blur, 0))

	quality := det * areaFactor * blurFactor
	sigmaSq := baseVariance / quality
	return clamp(sigmaSq, varianceFloor, maxVariance)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

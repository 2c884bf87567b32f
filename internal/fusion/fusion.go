// Package fusion maintains the fused anchor representation of a confirmed
// identity: a single Gaussian combined from the identity's anchor faces by
// precision weighting. Sharp, trusted faces dominate; blurry ones barely
// move the result.
package fusion

import (
	"errors"
	"fmt"

	"github.com/jbenedik/face-registry/internal/embedding"
)

// ErrEmptyInput is returned when fusing zero anchors.
var ErrEmptyInput = errors.New("fusion requires at least one anchor")

// ExplosionError reports a rejected fusion: the anchors disagree so much
// that combining them would produce a representation wider than any single
// input, which means they are probably not the same person.
type ExplosionError struct {
	Adjusted float64 // dispersion-adjusted variance estimate
	Limit    float64 // explosion factor times the largest input variance
}

func (e *ExplosionError) Error() string {
	return fmt.Sprintf("variance explosion: adjusted variance %.6f exceeds limit %.6f", e.Adjusted, e.Limit)
}

// FusedAnchor is the combined Gaussian of an identity's anchors. SigmaSq
// follows the embedding convention: one element for scalar, Dim elements
// for per-dimension.
type FusedAnchor struct {
	Mu      []float32
	SigmaSq []float64
}

// Input pairs an anchor embedding with its confidence weight. Weight scales
// the anchor's precision; a weight of 1 is a fully trusted human decision.
type Input struct {
	Embedding embedding.FaceEmbedding
	Weight    float64
}

// Engine fuses anchors under a fixed calibration. Safe for concurrent use.
type Engine struct {
	dim             int
	varianceFloor   float64
	scalarTol       float64
	explosionFactor float64
	reevalShrink    float64
}

func NewEngine(dim int, varianceFloor, scalarTol, explosionFactor, reevalShrink float64) *Engine {
	return &Engine{
		dim:             dim,
		varianceFloor:   varianceFloor,
		scalarTol:       scalarTol,
		explosionFactor: explosionFactor,
		reevalShrink:    reevalShrink,
	}
}

// Fuse combines the anchor inputs into a single Gaussian. The committed
// values follow the precision-weighted form:
//
//	mu    = sum(w_i * mu_i / sigma_i^2) / sum(w_i / sigma_i^2)
//	sigma = 1 / sum(w_i / sigma_i^2)
//
// The guardrail is evaluated on a dispersion-adjusted variance that also
// counts how far the anchor means sit from the fused mean. The committed
// harmonic form can only shrink, so without the dispersion term two tight
// but contradictory anchors would slip through looking extra confident.
func (e *Engine) Fuse(inputs []Input) (FusedAnchor, error) {
	if len(inputs) == 0 {
		return FusedAnchor{}, ErrEmptyInput
	}
	for i := range inputs {
		if err := embedding.Validate(inputs[i].Embedding, e.dim, e.varianceFloor); err != nil {
			return FusedAnchor{}, fmt.Errorf("fuse: %w", err)
		}
		if inputs[i].Weight <= 0 {
			return FusedAnchor{}, fmt.Errorf("fuse: face %s: weight must be positive, got %f",
				inputs[i].Embedding.FaceID, inputs[i].Weight)
		}
	}

	perDim := false
	for i := range inputs {
		if !embedding.IsScalar(inputs[i].Embedding.SigmaSq, e.scalarTol) {
			perDim = true
			break
		}
	}

	fused := e.fuse(inputs, perDim)

	if err := e.checkExplosion(inputs, fused); err != nil {
		return FusedAnchor{}, err
	}
	return fused, nil
}

func (e *Engine) fuse(inputs []Input, perDim bool) FusedAnchor {
	varLen := 1
	if perDim {
		varLen = e.dim
	}

	muNum := make([]float64, e.dim)
	precision := make([]float64, varLen)

	for i := range inputs {
		in := &inputs[i]
		for j := 0; j < e.dim; j++ {
			p := in.Weight / varAt(in.Embedding.SigmaSq, j)
			muNum[j] += p * float64(in.Embedding.Mu[j])
			if perDim {
				precision[j] += p
			} else if j == 0 {
				precision[0] += p
			}
		}
	}

	mu := make([]float32, e.dim)
	for j := 0; j < e.dim; j++ {
		if perDim {
			mu[j] = float32(muNum[j] / precision[j])
		} else {
			mu[j] = float32(muNum[j] / precision[0])
		}
	}

	sigmaSq := make([]float64, varLen)
	for j := range precision {
		sigmaSq[j] = 1.0 / precision[j]
	}

	return FusedAnchor{Mu: mu, SigmaSq: sigmaSq}
}

// checkExplosion evaluates the guardrail. The adjusted variance is the
// precision-weighted mean of each anchor's variance plus its per-dimension
// squared displacement from the fused mean.
func (e *Engine) checkExplosion(inputs []Input, fused FusedAnchor) error {
	if len(inputs) < 2 {
		return nil
	}

	maxVar := 0.0
	totalP := 0.0
	adjusted := 0.0
	for i := range inputs {
		in := &inputs[i]
		s := embedding.ScalarVariance(in.Embedding.SigmaSq)
		if s > maxVar {
			maxVar = s
		}

		disp := 0.0
		for j := 0; j < e.dim; j++ {
			d := float64(in.Embedding.Mu[j]) - float64(fused.Mu[j])
			disp += d * d
		}
		disp /= float64(e.dim)

		p := in.Weight / s
		adjusted += p * (s + disp)
		totalP += p
	}
	adjusted /= totalP

	limit := e.explosionFactor * maxVar
	if adjusted > limit {
		return &ExplosionError{Adjusted: adjusted, Limit: limit}
	}
	return nil
}

// ShouldReevaluate reports whether the fused variance shrank enough to
// justify re-scoring previously rejected faces. A shrink past the
// calibrated fraction means the identity got significantly more confident,
// so earlier borderline rejections may have been wrong for the right
// reasons.
func (e *Engine) ShouldReevaluate(before, after FusedAnchor) bool {
	if len(before.SigmaSq) == 0 || len(after.SigmaSq) == 0 {
		return false
	}
	prev := embedding.ScalarVariance(before.SigmaSq)
	next := embedding.ScalarVariance(after.SigmaSq)
	if prev <= 0 {
		return false
	}
	return next < prev*(1.0-e.reevalShrink)
}

// AsEmbedding exposes the fused anchor as a face embedding so it can be
// scored with the same machinery as raw faces.
func (f FusedAnchor) AsEmbedding(id string) embedding.FaceEmbedding {
	return embedding.FaceEmbedding{FaceID: id, Mu: f.Mu, SigmaSq: f.SigmaSq}
}

func varAt(sigmaSq []float64, i int) float64 {
	if len(sigmaSq) == 1 {
		return sigmaSq[0]
	}
	return sigmaSq[i]
}

// Clone returns an independent copy of the fused anchor.
func (f FusedAnchor) Clone() FusedAnchor {
	if f.Mu == nil && f.SigmaSq == nil {
		return FusedAnchor{}
	}
	c := FusedAnchor{
		Mu:      make([]float32, len(f.Mu)),
		SigmaSq: make([]float64, len(f.SigmaSq)),
	}
	copy(c.Mu, f.Mu)
	copy(c.SigmaSq, f.SigmaSq)
	return c
}

// IsZero reports whether the anchor is unset.
func (f FusedAnchor) IsZero() bool {
	return len(f.Mu) == 0
}

package mls

import (
	"errors"
	"math"
	"testing"

	"github.com/jbenedik/face-registry/internal/embedding"
)

const (
	testFloor = 1e-6
	testTol   = 1e-5
)

func scalarFace(id string, mu []float32, sigmaSq float64) embedding.FaceEmbedding {
	return embedding.FaceEmbedding{FaceID: id, Mu: mu, SigmaSq: []float64{sigmaSq}}
}

func TestScore_Symmetry(t *testing.T) {
	s := NewScorer(4, testFloor, testTol)
	a := embedding.FaceEmbedding{
		FaceID:  "a",
		Mu:      []float32{0.1, -0.3, 0.7, 0.2},
		SigmaSq: []float64{0.05, 0.02, 0.08, 0.03},
	}
	b := embedding.FaceEmbedding{
		FaceID:  "b",
		Mu:      []float32{-0.2, 0.4, 0.1, 0.9},
		SigmaSq: []float64{0.01, 0.06, 0.04, 0.07},
	}

	ab, err := s.Score(a, b)
	if err != nil {
		t.Fatalf("Score(a, b) failed: %v", err)
	}
	ba, err := s.Score(b, a)
	if err != nil {
		t.Fatalf("Score(b, a) failed: %v", err)
	}

	if ab != ba {
		t.Errorf("score not symmetric: Score(a,b)=%v Score(b,a)=%v", ab, ba)
	}
}

func TestScore_ScalarSingleLogTerm(t *testing.T) {
	// Identical means with scalar variance 0.05 each: the distance term is
	// zero and the penalty must be a single -log(0.1), not one per
	// dimension. With 512 dimensions the difference is three orders of
	// magnitude.
	const dim = 512
	s := NewScorer(dim, testFloor, testTol)
	mu := make([]float32, dim)
	a := scalarFace("a", mu, 0.05)
	b := scalarFace("b", mu, 0.05)

	got, err := s.Score(a, b)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	want := -math.Log(0.1)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected single log term %v, got %v", want, got)
	}
}

func TestScore_UniformPerDimensionMatchesScalar(t *testing.T) {
	// A per-dimension variance array with all elements equal must score
	// identically to the equivalent single-element scalar form.
	s := NewScorer(4, testFloor, testTol)
	mu1 := []float32{0.5, -0.1, 0.3, 0.8}
	mu2 := []float32{0.4, 0.0, 0.2, 0.7}

	scalarA := scalarFace("a", mu1, 0.05)
	scalarB := scalarFace("b", mu2, 0.03)
	uniformA := embedding.FaceEmbedding{FaceID: "a", Mu: mu1, SigmaSq: []float64{0.05, 0.05, 0.05, 0.05}}
	uniformB := embedding.FaceEmbedding{FaceID: "b", Mu: mu2, SigmaSq: []float64{0.03, 0.03, 0.03, 0.03}}

	fromScalar, err := s.Score(scalarA, scalarB)
	if err != nil {
		t.Fatalf("scalar Score failed: %v", err)
	}
	fromUniform, err := s.Score(uniformA, uniformB)
	if err != nil {
		t.Fatalf("uniform Score failed: %v", err)
	}

	if math.Abs(fromScalar-fromUniform) > 1e-12 {
		t.Errorf("uniform per-dimension should match scalar: %v vs %v", fromUniform, fromScalar)
	}
}

func TestScore_PerDimensionHandComputed(t *testing.T) {
	s := NewScorer(2, testFloor, testTol)
	a := embedding.FaceEmbedding{FaceID: "a", Mu: []float32{1, 0}, SigmaSq: []float64{0.1, 0.2}}
	b := embedding.FaceEmbedding{FaceID: "b", Mu: []float32{0, 0}, SigmaSq: []float64{0.1, 0.2}}

	got, err := s.Score(a, b)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	// dim 0: combined 0.2, diff 1 -> -1/0.2 - log(0.2)
	// dim 1: combined 0.4, diff 0 -> -log(0.4)
	want := -1/0.2 - math.Log(0.2) - math.Log(0.4)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestScore_MixedScalarAndPerDimension(t *testing.T) {
	// One scalar side broadcasts across the other side's dimensions.
	s := NewScorer(2, testFloor, testTol)
	a := scalarFace("a", []float32{1, 0}, 0.1)
	b := embedding.FaceEmbedding{FaceID: "b", Mu: []float32{0, 0}, SigmaSq: []float64{0.1, 0.3}}

	got, err := s.Score(a, b)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	want := -1/0.2 - math.Log(0.2) - math.Log(0.4)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestScore_VarianceMonotonicity(t *testing.T) {
	// With identical means, growing combined variance must strictly lower
	// the score: wider Gaussians are a weaker same-person claim.
	s := NewScorer(4, testFloor, testTol)
	mu := []float32{0.2, 0.4, 0.6, 0.8}

	variances := []float64{0.01, 0.05, 0.1, 0.5, 1.0}
	prev := math.Inf(1)
	for _, v := range variances {
		score, err := s.Score(scalarFace("a", mu, v), scalarFace("b", mu, v))
		if err != nil {
			t.Fatalf("Score failed for variance %f: %v", v, err)
		}
		if score >= prev {
			t.Errorf("score should strictly decrease with variance: variance %f gave %v, previous %v", v, score, prev)
		}
		prev = score
	}
}

func TestScore_CloserMeansScoreHigher(t *testing.T) {
	s := NewScorer(2, testFloor, testTol)
	anchor := scalarFace("anchor", []float32{0, 0}, 0.05)
	near := scalarFace("near", []float32{0.1, 0}, 0.05)
	far := scalarFace("far", []float32{2, 0}, 0.05)

	nearScore, err := s.Score(anchor, near)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	farScore, err := s.Score(anchor, far)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	if nearScore <= farScore {
		t.Errorf("closer face should score higher: near=%v far=%v", nearScore, farScore)
	}
}

func TestDistance_NegatedScore(t *testing.T) {
	s := NewScorer(2, testFloor, testTol)
	a := scalarFace("a", []float32{1, 0}, 0.05)
	b := scalarFace("b", []float32{0, 1}, 0.05)

	score, err := s.Score(a, b)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	dist, err := s.Distance(a, b)
	if err != nil {
		t.Fatalf("Distance failed: %v", err)
	}

	if dist != -score {
		t.Errorf("distance should be negated score: score=%v distance=%v", score, dist)
	}
}

func TestScore_InvalidEmbedding(t *testing.T) {
	s := NewScorer(4, testFloor, testTol)
	valid := scalarFace("a", []float32{0, 0, 0, 0}, 0.05)

	tests := []struct {
		name string
		bad  embedding.FaceEmbedding
	}{
		{"dimension mismatch", scalarFace("b", []float32{0, 0}, 0.05)},
		{"zero variance", scalarFace("b", []float32{0, 0, 0, 0}, 0)},
		{"negative variance", scalarFace("b", []float32{0, 0, 0, 0}, -1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Score(valid, tt.bad); !errors.Is(err, embedding.ErrInvalid) {
				t.Errorf("expected embedding.ErrInvalid, got %v", err)
			}
			// Order must not matter for validation either
			if _, err := s.Score(tt.bad, valid); !errors.Is(err, embedding.ErrInvalid) {
				t.Errorf("expected embedding.ErrInvalid with swapped args, got %v", err)
			}
		})
	}
}

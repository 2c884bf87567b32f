package embedding

import (
	"errors"
	"math"
	"testing"
)

const (
	testDim   = 4
	testFloor = 1e-6
	testTol   = 1e-5
)

func validEmbedding() FaceEmbedding {
	return FaceEmbedding{
		FaceID:  "face-1",
		Mu:      []float32{0.1, 0.2, 0.3, 0.4},
		SigmaSq: []float64{0.05},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*FaceEmbedding)
		wantErr bool
	}{
		{"valid scalar", func(e *FaceEmbedding) {}, false},
		{"valid per-dimension", func(e *FaceEmbedding) {
			e.SigmaSq = []float64{0.05, 0.04, 0.03, 0.02}
		}, false},
		{"empty face id", func(e *FaceEmbedding) { e.FaceID = "" }, true},
		{"wrong dimension", func(e *FaceEmbedding) { e.Mu = []float32{0.1, 0.2} }, true},
		{"wrong variance length", func(e *FaceEmbedding) {
			e.SigmaSq = []float64{0.05, 0.04}
		}, true},
		{"variance below floor", func(e *FaceEmbedding) { e.SigmaSq = []float64{1e-9} }, true},
		{"zero variance", func(e *FaceEmbedding) { e.SigmaSq = []float64{0} }, true},
		{"negative variance", func(e *FaceEmbedding) { e.SigmaSq = []float64{-0.05} }, true},
		{"NaN mean", func(e *FaceEmbedding) { e.Mu[2] = float32(math.NaN()) }, true},
		{"Inf variance", func(e *FaceEmbedding) { e.SigmaSq = []float64{math.Inf(1)} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEmbedding()
			tt.mutate(&e)
			err := Validate(e, testDim, testFloor)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("expected ErrInvalid, got %v", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestIsScalar(t *testing.T) {
	tests := []struct {
		name    string
		sigmaSq []float64
		want    bool
	}{
		{"single element", []float64{0.05}, true},
		{"uniform per-dimension", []float64{0.05, 0.05, 0.05, 0.05}, true},
		{"within tolerance", []float64{0.05, 0.05 + 1e-6, 0.05 - 1e-6, 0.05}, true},
		{"outside tolerance", []float64{0.05, 0.06, 0.05, 0.05}, false},
		{"distinct values", []float64{0.01, 0.02, 0.03, 0.04}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsScalar(tt.sigmaSq, testTol); got != tt.want {
				t.Errorf("IsScalar(%v) = %v, want %v", tt.sigmaSq, got, tt.want)
			}
		})
	}
}

func TestScalarVariance(t *testing.T) {
	if got := ScalarVariance([]float64{0.05}); got != 0.05 {
		t.Errorf("expected 0.05, got %f", got)
	}

	// Near-uniform case returns the mean
	got := ScalarVariance([]float64{0.04, 0.06})
	if math.Abs(got-0.05) > 1e-12 {
		t.Errorf("expected mean 0.05, got %f", got)
	}
}

func TestDeriveVariance_PerfectQuality(t *testing.T) {
	q := QualitySignals{DetScore: 1.0, FaceAreaPx: 112 * 112, Blur: 0}

	got := DeriveVariance(q, testFloor)

	if math.Abs(got-0.01) > 1e-12 {
		t.Errorf("expected base variance 0.01 for perfect quality, got %f", got)
	}
}

func TestDeriveVariance_QualityOrdering(t *testing.T) {
	good := DeriveVariance(QualitySignals{DetScore: 0.99, FaceAreaPx: 200 * 200, Blur: 0.1}, testFloor)
	small := DeriveVariance(QualitySignals{DetScore: 0.99, FaceAreaPx: 40 * 40, Blur: 0.1}, testFloor)
	blurry := DeriveVariance(QualitySignals{DetScore: 0.99, FaceAreaPx: 200 * 200, Blur: 3.0}, testFloor)
	uncertain := DeriveVariance(QualitySignals{DetScore: 0.3, FaceAreaPx: 200 * 200, Blur: 0.1}, testFloor)

	if small <= good {
		t.Errorf("small face should have larger variance: small=%f good=%f", small, good)
	}
	if blurry <= good {
		t.Errorf("blurry face should have larger variance: blurry=%f good=%f", blurry, good)
	}
	if uncertain <= good {
		t.Errorf("low-confidence face should have larger variance: uncertain=%f good=%f", uncertain, good)
	}
}

func TestDeriveVariance_Capped(t *testing.T) {
	q := QualitySignals{DetScore: 0.01, FaceAreaPx: 1, Blur: 100}

	got := DeriveVariance(q, testFloor)

	if got > maxVariance {
		t.Errorf("variance should be capped at %f, got %f", maxVariance, got)
	}
}

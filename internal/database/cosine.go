package database

import "math"

// CosineDistance is the metric of the HNSW prefilter: 1 - cosine
// similarity, in [0, 2]. It runs over mean vectors only and ignores
// variance, so it is a recall filter, never a ranking; exact MLS scoring
// decides the final order. Degenerate input (mismatched lengths, zero
// vectors) maps to the maximum distance so broken faces sort last instead
// of erroring inside the index.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2.0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2.0
	}

	// Clamp against floating point drift before converting to a distance.
	similarity := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}
	return 1 - similarity
}

package database

// HNSW index parameters for 512-dim face embeddings
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	// Higher values improve recall but slow down search.
	HNSWEfSearch = 100

	// HNSWSearchMultiplier is the factor to request more candidates from
	// HNSW so enough survive the exact rescoring pass.
	HNSWSearchMultiplier = 3

	// HNSWPrefilterMin is the pool size below which the prefilter is
	// skipped and every candidate is scored exactly.
	HNSWPrefilterMin = 256
)

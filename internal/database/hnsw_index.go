package database

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coder/hnsw"
)

// HNSWIndexMetadata stores metadata for validating cached HNSW indexes.
type HNSWIndexMetadata struct {
	FaceCount int       `json:"face_count"`
	MaxFaceID string    `json:"max_face_id"`
	BuildTime time.Time `json:"build_time"`
	Version   int       `json:"version"`
}

const hnswMetadataVersion = 2

// HNSWIndex wraps an HNSW graph over face mean vectors. It is a recall
// prefilter only: cosine over means approximates the full probabilistic
// score well enough to narrow a pool, and exact rescoring happens outside.
type HNSWIndex struct {
	graph      *hnsw.Graph[string]
	savedGraph *hnsw.SavedGraph[string] // For persistence
	idToFace   map[string]*StoredFace
	mu         sync.RWMutex
	path       string
}

// NewHNSWIndex creates a new empty HNSW index.
func NewHNSWIndex() *HNSWIndex {
	return &HNSWIndex{
		idToFace: make(map[string]*StoredFace),
	}
}

func newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.Distance = hnsw.CosineDistance
	return g
}

// BuildFromFaces builds the index from a slice of faces. Tombstoned faces
// are skipped.
func (h *HNSWIndex) BuildFromFaces(faces []StoredFace) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(faces) == 0 {
		h.graph = nil
		h.savedGraph = nil
		h.idToFace = make(map[string]*StoredFace)
		return nil
	}

	g := newGraph()
	h.idToFace = make(map[string]*StoredFace, len(faces))

	for i := range faces {
		face := &faces[i]
		if face.Tombstoned || len(face.Mu) == 0 {
			continue
		}

		g.Add(hnsw.MakeNode(face.FaceID, face.Mu))
		h.idToFace[face.FaceID] = face
	}

	h.graph = g
	return nil
}

// Search finds the k nearest neighbors to the query vector.
// Returns face IDs and their cosine distances.
func (h *HNSWIndex) Search(query []float32, k int) ([]string, []float64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil && h.savedGraph == nil {
		return nil, nil, errors.New("index not initialized")
	}

	var neighbors []hnsw.Node[string]
	if h.savedGraph != nil {
		neighbors = h.savedGraph.Search(query, k)
	} else {
		neighbors = h.graph.Search(query, k)
	}

	ids := make([]string, 0, len(neighbors))
	distances := make([]float64, 0, len(neighbors))

	for _, n := range neighbors {
		// Removed faces stay in the graph but drop out of idToFace.
		if _, ok := h.idToFace[n.Key]; !ok {
			continue
		}
		ids = append(ids, n.Key)
		if len(n.Value) > 0 {
			distances = append(distances, CosineDistance(query, n.Value))
		} else {
			distances = append(distances, 2.0)
		}
	}

	return ids, distances, nil
}

// GetFace returns the indexed face for a given ID, or nil.
func (h *HNSWIndex) GetFace(id string) *StoredFace {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.idToFace[id]
}

// Add adds a single face to the index.
func (h *HNSWIndex) Add(face *StoredFace) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if face.Tombstoned || len(face.Mu) == 0 {
		return nil
	}

	if h.graph == nil {
		h.graph = newGraph()
	}

	h.graph.Add(hnsw.MakeNode(face.FaceID, face.Mu))
	h.idToFace[face.FaceID] = face

	return nil
}

// Remove drops a face from the index. HNSW has no true deletion; the node
// stays in the graph and is filtered out of search results by the idToFace
// lookup.
func (h *HNSWIndex) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.idToFace, id)
}

// Count returns the number of indexed faces.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.idToFace)
}

// IsEmpty returns true if the index has no graph data loaded.
func (h *HNSWIndex) IsEmpty() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.graph == nil && h.savedGraph == nil
}

// Save persists the graph, its metadata, and the indexed face records to
// path, path+".meta" and path+".faces". An empty index removes the files.
func (h *HNSWIndex) Save(path string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil && h.savedGraph == nil {
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		_ = os.Remove(path + ".faces")
		return nil
	}

	f, err := os.Create(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create HNSW index file: %w", err)
	}
	defer f.Close()

	if h.savedGraph != nil {
		err = h.savedGraph.Export(f)
	} else {
		err = h.graph.Export(f)
	}
	if err != nil {
		return fmt.Errorf("failed to export HNSW graph: %w", err)
	}

	metadata := HNSWIndexMetadata{
		FaceCount: len(h.idToFace),
		MaxFaceID: h.maxFaceIDLocked(),
		BuildTime: time.Now(),
		Version:   hnswMetadataVersion,
	}
	metaData, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}

	faces := make([]StoredFace, 0, len(h.idToFace))
	for _, face := range h.idToFace {
		faces = append(faces, *face)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(faces); err != nil {
		return fmt.Errorf("failed to encode faces: %w", err)
	}
	if err := os.WriteFile(path+".faces", buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write faces file: %w", err)
	}

	h.path = path
	return nil
}

// Load restores the graph and face records saved by Save. A missing index
// file is not an error; the caller rebuilds from the database instead.
func (h *HNSWIndex) Load(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.path = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	saved, err := hnsw.LoadSavedGraph[string](path)
	if err != nil {
		return fmt.Errorf("failed to load HNSW index: %w", err)
	}

	faces, err := loadFaceSidecar(path)
	if err != nil {
		return fmt.Errorf("failed to load face metadata: %w", err)
	}

	h.savedGraph = saved
	h.idToFace = make(map[string]*StoredFace, len(faces))
	for i := range faces {
		h.idToFace[faces[i].FaceID] = &faces[i]
	}

	return nil
}

// LoadMetadata reads the staleness metadata written next to a saved index.
func LoadMetadata(path string) (HNSWIndexMetadata, error) {
	var metadata HNSWIndexMetadata

	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata file: %w", err)
	}

	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return metadata, nil
}

// Stale compares saved metadata against the live store. A changed face
// count or a new highest face ID means the saved index is out of date.
func (m HNSWIndexMetadata) Stale(faceCount int, maxFaceID string) bool {
	if m.Version != hnswMetadataVersion {
		return true
	}
	return m.FaceCount != faceCount || m.MaxFaceID != maxFaceID
}

func (h *HNSWIndex) maxFaceIDLocked() string {
	max := ""
	for id := range h.idToFace {
		if id > max {
			max = id
		}
	}
	return max
}

func loadFaceSidecar(path string) ([]StoredFace, error) {
	data, err := os.ReadFile(path + ".faces") //nolint:gosec // path is from trusted config
	if err != nil {
		return nil, fmt.Errorf("failed to read faces file: %w", err)
	}

	var faces []StoredFace
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&faces); err != nil {
		return nil, fmt.Errorf("failed to decode faces: %w", err)
	}

	return faces, nil
}

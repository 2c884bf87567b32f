package handlers

import (
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jbenedik/face-registry/internal/database"
	"github.com/jbenedik/face-registry/internal/embedding"
	"github.com/jbenedik/face-registry/internal/neighbors"
	"github.com/jbenedik/face-registry/internal/registry"
)

// FacesHandler serves the face review surface: listing the inbox, ranked
// neighbor lookups, and the skip/tombstone face decisions.
type FacesHandler struct {
	faces          database.FaceWriter
	registry       *registry.Registry
	searcher       *neighbors.Searcher
	distanceCutoff float64
}

// NewFacesHandler creates a faces handler.
func NewFacesHandler(faces database.FaceWriter, reg *registry.Registry, searcher *neighbors.Searcher, distanceCutoff float64) *FacesHandler {
	return &FacesHandler{
		faces:          faces,
		registry:       reg,
		searcher:       searcher,
		distanceCutoff: distanceCutoff,
	}
}

// FaceResponse is the JSON shape of one face. The mean vector is omitted;
// clients work with face IDs and distances, never raw embeddings.
type FaceResponse struct {
	FaceID         string    `json:"face_id"`
	State          string    `json:"state"`
	ScalarVariance float64   `json:"scalar_variance"`
	DetScore       float64   `json:"det_score"`
	FaceAreaPx     float64   `json:"face_area_px"`
	Blur           float64   `json:"blur"`
	Model          string    `json:"model"`
	Dim            int       `json:"dim"`
	CreatedAt      time.Time `json:"created_at"`
}

func toFaceResponse(face *database.StoredFace) FaceResponse {
	return FaceResponse{
		FaceID:         face.FaceID,
		State:          string(face.State),
		ScalarVariance: embedding.ScalarVariance(face.SigmaSq),
		DetScore:       face.DetScore,
		FaceAreaPx:     face.FaceAreaPx,
		Blur:           face.Blur,
		Model:          face.Model,
		Dim:            face.Dim,
		CreatedAt:      face.CreatedAt,
	}
}

// List returns faces filtered by review state. Without a state filter the
// inbox is returned.
func (h *FacesHandler) List(w http.ResponseWriter, r *http.Request) {
	states := []database.ReviewState{database.ReviewInbox}
	if param := r.URL.Query().Get("state"); param != "" {
		states = states[:0]
		for _, s := range strings.Split(param, ",") {
			switch database.ReviewState(s) {
			case database.ReviewInbox, database.ReviewSkipped, database.ReviewResolved:
				states = append(states, database.ReviewState(s))
			default:
				respondError(w, http.StatusBadRequest, "unknown review state: "+sanitizeForLog(s))
				return
			}
		}
	}

	faces, err := h.faces.ListByState(r.Context(), states...)
	if err != nil {
		log.Printf("list faces: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to list faces")
		return
	}

	out := make([]FaceResponse, len(faces))
	for i := range faces {
		out[i] = toFaceResponse(&faces[i])
	}
	respondJSON(w, http.StatusOK, map[string]any{"faces": out, "count": len(out)})
}

// Get returns a single face.
func (h *FacesHandler) Get(w http.ResponseWriter, r *http.Request) {
	faceID := chi.URLParam(r, "id")

	face, err := h.faces.GetFace(r.Context(), faceID)
	if err != nil {
		respondRegistryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toFaceResponse(face))
}

// Neighbors returns the ranked most similar faces for a probe face. The
// candidate pool is every live face; threshold defaults to the calibrated
// match cutoff.
func (h *FacesHandler) Neighbors(w http.ResponseWriter, r *http.Request) {
	faceID := chi.URLParam(r, "id")

	face, err := h.faces.GetFace(r.Context(), faceID)
	if err != nil {
		respondRegistryError(w, err)
		return
	}

	limit := 20
	if param := r.URL.Query().Get("limit"); param != "" {
		n, err := strconv.Atoi(param)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	threshold := h.distanceCutoff
	if param := r.URL.Query().Get("threshold"); param != "" {
		f, err := strconv.ParseFloat(param, 64)
		if err != nil || f == 0 {
			respondError(w, http.StatusBadRequest, "threshold must be a nonzero number")
			return
		}
		// Negative thresholds are valid: MLS distance goes below zero
		// for near-identical faces.
		threshold = f
	}

	pool, err := h.faces.ListByState(r.Context(),
		database.ReviewInbox, database.ReviewSkipped, database.ReviewResolved)
	if err != nil {
		log.Printf("neighbors pool for %s: %v", sanitizeForLog(faceID), err)
		respondError(w, http.StatusInternalServerError, "failed to load candidate pool")
		return
	}

	candidates := make([]embedding.FaceEmbedding, len(pool))
	for i := range pool {
		candidates[i] = pool[i].Embedding()
	}

	results, err := h.searcher.Rank(face.Embedding(), candidates, limit, threshold)
	if err != nil {
		log.Printf("rank neighbors for %s: %v", sanitizeForLog(faceID), err)
		respondError(w, http.StatusInternalServerError, "failed to rank neighbors")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"face_id":   faceID,
		"threshold": threshold,
		"neighbors": results,
	})
}

// Skip defers an unattached face.
func (h *FacesHandler) Skip(w http.ResponseWriter, r *http.Request) {
	faceID := chi.URLParam(r, "id")

	if err := h.registry.SkipFace(r.Context(), faceID, registry.ActorHuman); err != nil {
		respondRegistryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"face_id": faceID, "state": string(database.ReviewSkipped)})
}

// Unskip returns a skipped face to the inbox.
func (h *FacesHandler) Unskip(w http.ResponseWriter, r *http.Request) {
	faceID := chi.URLParam(r, "id")

	if err := h.registry.UnskipFace(r.Context(), faceID, registry.ActorHuman); err != nil {
		respondRegistryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"face_id": faceID, "state": string(database.ReviewInbox)})
}

// Tombstone soft-deletes a face.
func (h *FacesHandler) Tombstone(w http.ResponseWriter, r *http.Request) {
	faceID := chi.URLParam(r, "id")

	if err := h.registry.TombstoneFace(r.Context(), faceID, registry.ActorHuman); err != nil {
		respondRegistryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"face_id": faceID, "status": "tombstoned"})
}

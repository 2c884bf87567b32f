package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jbenedik/face-registry/internal/embedding"
	"github.com/jbenedik/face-registry/internal/registry"
)

// IdentitiesHandler serves the identity registry: listing, creation from
// accepted proposals, the single decision entry point, and history.
type IdentitiesHandler struct {
	registry *registry.Registry
}

// NewIdentitiesHandler creates an identities handler.
func NewIdentitiesHandler(reg *registry.Registry) *IdentitiesHandler {
	return &IdentitiesHandler{registry: reg}
}

// IdentityResponse wraps an identity with derived fields that are not part
// of the persisted document.
type IdentityResponse struct {
	*registry.Identity
	FusedScalarVariance float64 `json:"fused_scalar_variance,omitempty"`
}

func toIdentityResponse(id *registry.Identity) IdentityResponse {
	resp := IdentityResponse{Identity: id}
	if !id.Fused.IsZero() {
		resp.FusedScalarVariance = embedding.ScalarVariance(id.Fused.SigmaSq)
	}
	return resp
}

// List returns all identities, absorbed ones included.
func (h *IdentitiesHandler) List(w http.ResponseWriter, r *http.Request) {
	identities := h.registry.List()
	out := make([]IdentityResponse, len(identities))
	for i, id := range identities {
		out[i] = toIdentityResponse(id)
	}
	respondJSON(w, http.StatusOK, map[string]any{"identities": out, "count": len(out)})
}

// Get returns one identity with its pending suggestions.
func (h *IdentitiesHandler) Get(w http.ResponseWriter, r *http.Request) {
	identityID := chi.URLParam(r, "id")

	id, err := h.registry.Get(identityID)
	if err != nil {
		respondRegistryError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"identity":    toIdentityResponse(id),
		"suggestions": h.registry.Suggestions(identityID),
	})
}

// CreateRequest creates an identity from reviewed faces, typically an
// accepted clustering proposal.
type CreateRequest struct {
	Name    string   `json:"name"`
	FaceIDs []string `json:"face_ids"`
}

// Create handles POST /identities.
func (h *IdentitiesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if len(req.FaceIDs) == 0 {
		respondError(w, http.StatusBadRequest, "face_ids must not be empty")
		return
	}

	id, err := h.registry.Create(r.Context(), req.Name, req.FaceIDs, registry.ActorHuman)
	if err != nil {
		respondRegistryError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toIdentityResponse(id))
}

// DecisionRequest is the single write entry point for identity decisions.
// ExpectedVersion carries the version the reviewer saw; a mismatch returns
// 409 and the client refetches.
type DecisionRequest struct {
	Action          string   `json:"action"`
	ExpectedVersion int64    `json:"expected_version"`
	FaceIDs         []string `json:"face_ids,omitempty"`
	Confidence      float64  `json:"confidence,omitempty"`
	Name            string   `json:"name,omitempty"`
	OtherID         string   `json:"other_id,omitempty"`
	OtherVersion    int64    `json:"other_version,omitempty"`
	KeepName        string   `json:"keep_name,omitempty"`
	KeepBoth        bool     `json:"keep_both,omitempty"`
}

// Decide handles POST /identities/{id}/decision.
func (h *IdentitiesHandler) Decide(w http.ResponseWriter, r *http.Request) {
	identityID := chi.URLParam(r, "id")

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	ctx := r.Context()
	var id *registry.Identity
	var err error

	switch req.Action {
	case "confirm":
		id, err = h.registry.ConfirmFaces(ctx, identityID, req.ExpectedVersion, req.FaceIDs, registry.ActorHuman, req.Confidence)
	case "reject":
		id, err = h.registry.RejectFaces(ctx, identityID, req.ExpectedVersion, req.FaceIDs, registry.ActorHuman)
	case "detach":
		id, err = h.registry.DetachFaces(ctx, identityID, req.ExpectedVersion, req.FaceIDs, registry.ActorHuman)
	case "promote":
		id, err = h.registry.Promote(ctx, identityID, req.ExpectedVersion, registry.ActorHuman)
	case "resolve":
		id, err = h.registry.Resolve(ctx, identityID, req.ExpectedVersion, registry.ActorHuman)
	case "rename":
		if req.Name == "" {
			respondError(w, http.StatusBadRequest, "rename requires a name")
			return
		}
		id, err = h.registry.Rename(ctx, identityID, req.ExpectedVersion, req.Name, registry.ActorHuman)
	case "merge":
		if req.OtherID == "" {
			respondError(w, http.StatusBadRequest, "merge requires other_id")
			return
		}
		opts := registry.MergeOptions{KeepName: req.KeepName, KeepBoth: req.KeepBoth}
		id, err = h.registry.Merge(ctx, identityID, req.OtherID, req.ExpectedVersion, req.OtherVersion, opts, registry.ActorHuman)
	case "undo":
		id, err = h.registry.Undo(ctx, identityID, registry.ActorHuman)
		if err == nil && id == nil {
			// The undone event was the creation; the identity is gone.
			respondJSON(w, http.StatusOK, map[string]any{"identity": nil, "removed": true})
			return
		}
	default:
		respondError(w, http.StatusBadRequest, "unknown action: "+sanitizeForLog(req.Action))
		return
	}

	if err != nil {
		respondRegistryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"identity": toIdentityResponse(id)})
}

// History returns the event log entries touching one identity.
func (h *IdentitiesHandler) History(w http.ResponseWriter, r *http.Request) {
	identityID := chi.URLParam(r, "id")

	events, err := h.registry.History(identityID)
	if err != nil {
		respondRegistryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// Suggestions returns every pending re-evaluation suggestion.
func (h *IdentitiesHandler) Suggestions(w http.ResponseWriter, r *http.Request) {
	suggestions := h.registry.AllSuggestions()
	respondJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions, "count": len(suggestions)})
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/jbenedik/face-registry/internal/database"
	"github.com/jbenedik/face-registry/internal/registry"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondRegistryError maps registry and face store errors to HTTP statuses.
// Stale versions and merged identities return 409 with enough context for
// the client to refetch and retry.
func respondRegistryError(w http.ResponseWriter, err error) {
	var stale *registry.StaleVersionError
	var merged *registry.MergedError
	var conflict *registry.NamingConflictError
	var transition *registry.TransitionError

	switch {
	case errors.Is(err, registry.ErrIdentityNotFound), errors.Is(err, database.ErrFaceNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &stale):
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":           "stale version",
			"identity_id":     stale.IdentityID,
			"current_version": stale.Actual,
		})
	case errors.As(err, &merged):
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":       "identity was merged",
			"identity_id": merged.IdentityID,
			"merged_into": merged.MergedInto,
		})
	case errors.As(err, &conflict):
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":  "naming conflict",
			"name_a": conflict.NameA,
			"name_b": conflict.NameB,
		})
	case errors.As(err, &transition):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrNothingToUndo):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusBadRequest, err.Error())
	}
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

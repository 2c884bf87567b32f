package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jbenedik/face-registry/internal/cluster"
)

// ProposalsHandler serves clustering: starting background runs, polling
// their status, and fetching the latest published proposals.
type ProposalsHandler struct {
	runner *cluster.Runner
	store  cluster.Store
}

// NewProposalsHandler creates a proposals handler.
func NewProposalsHandler(runner *cluster.Runner, store cluster.Store) *ProposalsHandler {
	return &ProposalsHandler{runner: runner, store: store}
}

// StartRun handles POST /cluster. Only one run at a time.
func (h *ProposalsHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	runID, err := h.runner.Start()
	if err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// RunStatus handles GET /cluster/{runID}.
func (h *ProposalsHandler) RunStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := h.runner.Status(runID)
	if err != nil {
		if errors.Is(err, cluster.ErrRunNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// CancelRun handles DELETE /cluster/{runID}.
func (h *ProposalsHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if err := h.runner.Cancel(runID); err != nil {
		if errors.Is(err, cluster.ErrRunNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "cancelling"})
}

// Latest handles GET /proposals: the most recent completed run with its
// proposals, or 404 when no run has finished yet.
func (h *ProposalsHandler) Latest(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.LatestProposalRun(r.Context())
	if err != nil {
		log.Printf("latest proposal run: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to load proposal run")
		return
	}
	if run == nil {
		respondError(w, http.StatusNotFound, "no clustering run has completed yet")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

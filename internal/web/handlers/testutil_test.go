package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/jbenedik/face-registry/internal/cluster"
	"github.com/jbenedik/face-registry/internal/database"
	"github.com/jbenedik/face-registry/internal/database/mock"
	"github.com/jbenedik/face-registry/internal/fusion"
	"github.com/jbenedik/face-registry/internal/mls"
	"github.com/jbenedik/face-registry/internal/neighbors"
	"github.com/jbenedik/face-registry/internal/registry"
)

// testEnv wires the engine packages over in-memory stores for handler tests.
// All embeddings are 2-dimensional to keep distances easy to reason about.
type testEnv struct {
	faces    *mock.FaceStore
	store    *mock.RegistryStore
	runs     *mock.ProposalStore
	registry *registry.Registry
	runner   *cluster.Runner
	searcher *neighbors.Searcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	scorer := mls.NewScorer(2, 1e-6, 1e-5)
	fuser := fusion.NewEngine(2, 1e-6, 1e-5, 1.5, 0.10)
	faces := mock.NewFaceStore()
	store := mock.NewRegistryStore()
	runs := mock.NewProposalStore()

	engine := cluster.NewEngine(scorer, 500, 0.15,
		cluster.TierBounds{High: 200, Medium: 350, Low: 450, Borderline: 500})

	return &testEnv{
		faces:    faces,
		store:    store,
		runs:     runs,
		registry: registry.New(store, faces, fuser, scorer, 500),
		runner:   cluster.NewRunner(engine, faces, runs),
		searcher: neighbors.NewSearcher(scorer),
	}
}

func (e *testEnv) seedFace(id string, x, y float32, sigmaSq float64) {
	e.faces.AddFace(database.StoredFace{
		FaceID:  id,
		Mu:      []float32{x, y},
		SigmaSq: []float64{sigmaSq},
		Dim:     2,
		State:   database.ReviewInbox,
	})
}

func (e *testEnv) facesHandler() *FacesHandler {
	return NewFacesHandler(e.faces, e.registry, e.searcher, 500)
}

func (e *testEnv) identitiesHandler() *IdentitiesHandler {
	return NewIdentitiesHandler(e.registry)
}

func (e *testEnv) proposalsHandler() *ProposalsHandler {
	return NewProposalsHandler(e.runner, e.runs)
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// jsonRequest builds a request with a JSON body.
func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// decodeBody unmarshals a recorded JSON response.
func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", recorder.Body.String(), err)
	}
}

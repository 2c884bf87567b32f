package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/jbenedik/face-registry/internal/web/handlers"
)

func (s *Server) setupRoutes(deps Deps) {
	facesHandler := handlers.NewFacesHandler(
		deps.Faces, deps.Registry, deps.Searcher, s.config.Calibration.Matching.DistanceCutoff)
	identitiesHandler := handlers.NewIdentitiesHandler(deps.Registry)
	proposalsHandler := handlers.NewProposalsHandler(deps.Runner, deps.Runs)

	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Faces
		r.Get("/faces", facesHandler.List)
		r.Get("/faces/{id}", facesHandler.Get)
		r.Get("/faces/{id}/neighbors", facesHandler.Neighbors)
		r.Post("/faces/{id}/skip", facesHandler.Skip)
		r.Post("/faces/{id}/unskip", facesHandler.Unskip)
		r.Delete("/faces/{id}", facesHandler.Tombstone)

		// Identities
		r.Get("/identities", identitiesHandler.List)
		r.Post("/identities", identitiesHandler.Create)
		r.Get("/identities/{id}", identitiesHandler.Get)
		r.Post("/identities/{id}/decision", identitiesHandler.Decide)
		r.Get("/identities/{id}/history", identitiesHandler.History)
		r.Get("/suggestions", identitiesHandler.Suggestions)

		// Clustering
		r.Post("/cluster", proposalsHandler.StartRun)
		r.Get("/cluster/{runID}", proposalsHandler.RunStatus)
		r.Delete("/cluster/{runID}", proposalsHandler.CancelRun)
		r.Get("/proposals", proposalsHandler.Latest)
	})
}

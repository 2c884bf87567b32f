package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbenedik/face-registry/internal/cluster"
	"github.com/jbenedik/face-registry/internal/config"
	"github.com/jbenedik/face-registry/internal/database/postgres"
	"github.com/jbenedik/face-registry/internal/fusion"
	"github.com/jbenedik/face-registry/internal/mls"
	"github.com/jbenedik/face-registry/internal/registry"
)

// engine bundles the scoring components built from one calibration so every
// command wires them identically.
type engine struct {
	scorer  *mls.Scorer
	fuser   *fusion.Engine
	cluster *cluster.Engine
}

func newEngine(cfg *config.Config) engine {
	cal := cfg.Calibration
	scorer := mls.NewScorer(cal.Embedding.Dim, cal.Embedding.VarianceFloor, cal.Embedding.ScalarTolerance)
	return engine{
		scorer: scorer,
		fuser: fusion.NewEngine(cal.Embedding.Dim, cal.Embedding.VarianceFloor,
			cal.Embedding.ScalarTolerance, cal.Fusion.ExplosionFactor, cal.Fusion.ReevalShrink),
		cluster: cluster.NewEngine(scorer, cal.Matching.DistanceCutoff, cal.Matching.AmbiguityMargin,
			cluster.TierBounds{
				High:       cal.Matching.TierBounds.High,
				Medium:     cal.Matching.TierBounds.Medium,
				Low:        cal.Matching.TierBounds.Low,
				Borderline: cal.Matching.TierBounds.Borderline,
			}),
	}
}

// loadConfig loads configuration and enforces the settings every database
// command needs.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}
	return cfg, nil
}

// openRegistry connects to PostgreSQL, runs migrations, and loads the
// registry projection from the event log. The caller closes the pool.
func openRegistry(ctx context.Context, cfg *config.Config) (*registry.Registry, *postgres.FaceRepository, *postgres.Pool, error) {
	if err := postgres.Initialize(&cfg.Database); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}

	pool := postgres.GetGlobalPool()
	faceRepo := postgres.NewFaceRepository(pool)
	eng := newEngine(cfg)
	reg := registry.New(postgres.NewRegistryStore(pool), faceRepo, eng.fuser, eng.scorer,
		cfg.Calibration.Matching.DistanceCutoff)

	if err := reg.Load(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("failed to load registry: %w", err)
	}
	return reg, faceRepo, pool, nil
}

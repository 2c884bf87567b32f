//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jbenedik/face-registry/internal/cluster"
	"github.com/jbenedik/face-registry/internal/config"
	"github.com/jbenedik/face-registry/internal/database"
	"github.com/jbenedik/face-registry/internal/registry"
)

func setupTestContainer(t *testing.T) (*Pool, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}
	if container == nil {
		t.Skip("Docker not available, skipping integration test")
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dbURL := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	cfg := &config.DatabaseConfig{
		URL:          dbURL,
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	pool, err := NewPool(cfg)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to create pool: %v", err)
	}

	// Run migrations
	if err := pool.Migrate(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		container.Terminate(ctx)
	}

	return pool, cleanup
}

func TestMigrations(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()

	applied, err := pool.MigrationsApplied(ctx)
	if err != nil {
		t.Fatalf("Failed to list applied migrations: %v", err)
	}
	if len(applied) != 4 {
		t.Fatalf("Expected 4 applied migrations, got %d: %v", len(applied), applied)
	}

	// A second run must be a no-op.
	if err := pool.Migrate(ctx); err != nil {
		t.Fatalf("Re-running migrations failed: %v", err)
	}
	again, err := pool.MigrationsApplied(ctx)
	if err != nil {
		t.Fatalf("Failed to list applied migrations: %v", err)
	}
	if len(again) != len(applied) {
		t.Errorf("Re-run changed applied count: %d -> %d", len(applied), len(again))
	}
}

func testFace(id string) database.StoredFace {
	mu := make([]float32, 512)
	for i := range mu {
		mu[i] = float32(i) / 512.0
	}
	return database.StoredFace{
		FaceID:   id,
		Mu:       mu,
		SigmaSq:  []float64{0.05},
		DetScore: 0.9,
		Model:    "pfe-r100",
		Dim:      512,
		State:    database.ReviewInbox,
	}
}

func TestFaceRepository(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewFaceRepository(pool)

	t.Run("SaveAndGet", func(t *testing.T) {
		if err := repo.SaveFace(ctx, testFace("face-1")); err != nil {
			t.Fatalf("Failed to save face: %v", err)
		}

		got, err := repo.GetFace(ctx, "face-1")
		if err != nil {
			t.Fatalf("Failed to get face: %v", err)
		}
		if got.FaceID != "face-1" {
			t.Errorf("Expected FaceID 'face-1', got '%s'", got.FaceID)
		}
		if len(got.Mu) != 512 {
			t.Errorf("Expected 512-dim mean, got %d", len(got.Mu))
		}
		if len(got.SigmaSq) != 1 || got.SigmaSq[0] != 0.05 {
			t.Errorf("Expected scalar variance 0.05, got %v", got.SigmaSq)
		}
		if got.State != database.ReviewInbox {
			t.Errorf("Expected inbox state, got '%s'", got.State)
		}
	})

	t.Run("DuplicateInsertFails", func(t *testing.T) {
		if err := repo.SaveFace(ctx, testFace("face-1")); err == nil {
			t.Error("Expected duplicate insert to fail")
		}
	})

	t.Run("SetStateAndList", func(t *testing.T) {
		if err := repo.SaveFace(ctx, testFace("face-2")); err != nil {
			t.Fatalf("Failed to save face: %v", err)
		}
		if err := repo.SetState(ctx, "face-2", database.ReviewSkipped); err != nil {
			t.Fatalf("Failed to set state: %v", err)
		}

		faces, err := repo.ListByState(ctx, database.ReviewSkipped)
		if err != nil {
			t.Fatalf("Failed to list faces: %v", err)
		}
		if len(faces) != 1 || faces[0].FaceID != "face-2" {
			t.Errorf("Expected [face-2], got %v", faces)
		}
	})

	t.Run("Tombstone", func(t *testing.T) {
		if err := repo.SaveFace(ctx, testFace("face-3")); err != nil {
			t.Fatalf("Failed to save face: %v", err)
		}
		if err := repo.Tombstone(ctx, "face-3"); err != nil {
			t.Fatalf("Failed to tombstone face: %v", err)
		}
		if _, err := repo.GetFace(ctx, "face-3"); err == nil {
			t.Error("Expected tombstoned face to be invisible")
		}
	})

	t.Run("EnableHNSW", func(t *testing.T) {
		if err := repo.EnableHNSW(ctx, ""); err != nil {
			t.Fatalf("Failed to enable HNSW: %v", err)
		}
		idx := repo.Index()
		if idx == nil {
			t.Fatal("Expected an index after EnableHNSW")
		}
		if idx.Count() == 0 {
			t.Error("Expected indexed faces")
		}
	})
}

func TestRegistryStore(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	store := NewRegistryStore(pool)

	identity := registry.Identity{
		ID:         "identity-1",
		Name:       "Jan Novák",
		State:      registry.StateProposed,
		Anchors:    []string{},
		Candidates: []string{"face-1"},
		Negatives:  []string{},
		Version:    1,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}

	t.Run("AppendAndLoadEvents", func(t *testing.T) {
		event := registry.HistoryEvent{
			EventID:    "event-1",
			Timestamp:  time.Now().UTC(),
			IdentityID: identity.ID,
			Action:     registry.ActionCreate,
			Actor:      registry.ActorHuman,
			FaceIDs:    []string{"face-1"},
			After:      &identity,
		}
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("Failed to append event: %v", err)
		}

		events, err := store.LoadEvents(ctx)
		if err != nil {
			t.Fatalf("Failed to load events: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("Expected 1 event, got %d", len(events))
		}
		if events[0].EventID != "event-1" || events[0].Action != registry.ActionCreate {
			t.Errorf("Unexpected event %+v", events[0])
		}
		if events[0].After == nil || events[0].After.ID != identity.ID {
			t.Error("Event snapshot did not round-trip")
		}
	})

	t.Run("DuplicateEventFails", func(t *testing.T) {
		event := registry.HistoryEvent{EventID: "event-1", Action: registry.ActionRename}
		if err := store.AppendEvent(ctx, event); err == nil {
			t.Error("Expected duplicate event ID to fail")
		}
	})

	t.Run("SaveAndLoadIdentity", func(t *testing.T) {
		if err := store.SaveIdentity(ctx, identity); err != nil {
			t.Fatalf("Failed to save identity: %v", err)
		}

		// Upsert with a newer version.
		updated := identity
		updated.Version = 2
		updated.State = registry.StateConfirmed
		if err := store.SaveIdentity(ctx, updated); err != nil {
			t.Fatalf("Failed to update identity: %v", err)
		}

		identities, err := store.LoadIdentities(ctx)
		if err != nil {
			t.Fatalf("Failed to load identities: %v", err)
		}
		if len(identities) != 1 {
			t.Fatalf("Expected 1 identity, got %d", len(identities))
		}
		if identities[0].Version != 2 || identities[0].State != registry.StateConfirmed {
			t.Errorf("Upsert did not stick: %+v", identities[0])
		}
	})

	t.Run("DeleteIdentity", func(t *testing.T) {
		if err := store.DeleteIdentity(ctx, identity.ID); err != nil {
			t.Fatalf("Failed to delete identity: %v", err)
		}
		identities, err := store.LoadIdentities(ctx)
		if err != nil {
			t.Fatalf("Failed to load identities: %v", err)
		}
		if len(identities) != 0 {
			t.Errorf("Expected no identities, got %d", len(identities))
		}
	})
}

func TestProposalStore(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	store := NewProposalStore(pool)

	t.Run("EmptyLatest", func(t *testing.T) {
		run, err := store.LatestProposalRun(ctx)
		if err != nil {
			t.Fatalf("Failed to query latest run: %v", err)
		}
		if run != nil {
			t.Errorf("Expected nil, got %+v", run)
		}
	})

	t.Run("SaveAndLatest", func(t *testing.T) {
		finished := time.Now().UTC()
		run := cluster.Run{
			RunID:      "run-1",
			Status:     cluster.RunDone,
			StartedAt:  finished.Add(-time.Minute),
			FinishedAt: &finished,
			FaceCount:  2,
			Proposals: []cluster.Proposal{
				{ProposalID: "prop-1", FaceIDs: []string{"face-1", "face-2"}, MaxPairDistance: 37.7, Tier: cluster.TierHigh},
			},
		}
		if err := store.SaveProposalRun(ctx, run); err != nil {
			t.Fatalf("Failed to save run: %v", err)
		}

		latest, err := store.LatestProposalRun(ctx)
		if err != nil {
			t.Fatalf("Failed to query latest run: %v", err)
		}
		if latest == nil || latest.RunID != "run-1" {
			t.Fatalf("Expected run-1, got %+v", latest)
		}
		if len(latest.Proposals) != 1 || latest.Proposals[0].ProposalID != "prop-1" {
			t.Errorf("Proposals did not round-trip: %+v", latest.Proposals)
		}
	})
}

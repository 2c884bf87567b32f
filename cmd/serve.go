package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbenedik/face-registry/internal/cluster"
	"github.com/jbenedik/face-registry/internal/database/postgres"
	"github.com/jbenedik/face-registry/internal/neighbors"
	"github.com/jbenedik/face-registry/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the review API server",
	Long: `Start the Face Registry review API.
The API lists faces and identities, serves ranked neighbors and cluster
proposals, and takes review decisions through a single decision endpoint.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides PORT)")
}

// initFaceHNSW builds or loads the HNSW prefilter index over face means.
// The index is an optimization only; on failure neighbor search falls back
// to exact scoring of the full pool.
func initFaceHNSW(ctx context.Context, faceRepo *postgres.FaceRepository, indexPath string) {
	if indexPath != "" {
		fmt.Printf("Loading face HNSW index from %s...\n", indexPath)
	} else {
		fmt.Printf("Building in-memory HNSW index for neighbor search...\n")
	}
	if err := faceRepo.EnableHNSW(ctx, indexPath); err != nil {
		fmt.Printf("Warning: failed to build face HNSW index: %v\n", err)
		fmt.Printf("Neighbor search will score the full pool (slower)\n")
		return
	}
	if index := faceRepo.Index(); index != nil {
		fmt.Printf("Face HNSW index ready with %d faces\n", index.Count())
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Server.Port = port
	}

	ctx := context.Background()

	fmt.Printf("Connecting to PostgreSQL database...\n")
	reg, faceRepo, pool, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	initFaceHNSW(ctx, faceRepo, cfg.Database.HNSWIndexPath)

	eng := newEngine(cfg)
	runs := postgres.NewProposalStore(pool)
	runner := cluster.NewRunner(eng.cluster, faceRepo, runs)
	searcher := neighbors.NewSearcher(eng.scorer).WithPrefilter(faceRepo.Index())

	server := web.NewServer(cfg, web.Deps{
		Faces:    faceRepo,
		Registry: reg,
		Searcher: searcher,
		Runner:   runner,
		Runs:     runs,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		if cfg.Database.HNSWIndexPath != "" {
			if err := faceRepo.SaveIndex(); err != nil {
				fmt.Printf("Warning: failed to save face HNSW index: %v\n", err)
			} else {
				fmt.Println("Face HNSW index saved to disk")
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting Face Registry API on http://localhost:%d\n", cfg.Server.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}

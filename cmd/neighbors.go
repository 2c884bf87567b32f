package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jbenedik/face-registry/internal/database"
	"github.com/jbenedik/face-registry/internal/database/postgres"
	"github.com/jbenedik/face-registry/internal/embedding"
	"github.com/jbenedik/face-registry/internal/neighbors"
)

var neighborsCmd = &cobra.Command{
	Use:   "neighbors <face-id>",
	Short: "Rank the closest faces to a probe face",
	Long: `Rank every stored face against a probe by MLS distance, closest
first. Resolved faces are included so a probe can be matched against
people who already have identities.`,
	Args: cobra.ExactArgs(1),
	RunE: runNeighbors,
}

func init() {
	rootCmd.AddCommand(neighborsCmd)

	neighborsCmd.Flags().Int("limit", 20, "Maximum number of neighbors")
	neighborsCmd.Flags().Float64("threshold", 0, "Distance cutoff (defaults to the calibrated cutoff; negative values are valid)")
}

func runNeighbors(cmd *cobra.Command, args []string) error {
	faceID := args[0]
	limit := mustGetInt(cmd, "limit")
	threshold := mustGetFloat64(cmd, "threshold")

	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("threshold") {
		threshold = cfg.Calibration.Matching.DistanceCutoff
	}

	if err := postgres.Initialize(&cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	pool := postgres.GetGlobalPool()
	defer pool.Close()
	faceRepo := postgres.NewFaceRepository(pool)

	probe, err := faceRepo.GetFace(ctx, faceID)
	if err != nil {
		return fmt.Errorf("probe face %s: %w", faceID, err)
	}

	faces, err := faceRepo.ListByState(ctx,
		database.ReviewInbox, database.ReviewSkipped, database.ReviewResolved)
	if err != nil {
		return fmt.Errorf("failed to list faces: %w", err)
	}

	states := make(map[string]database.ReviewState, len(faces))
	candidates := make([]embedding.FaceEmbedding, 0, len(faces))
	for i := range faces {
		states[faces[i].FaceID] = faces[i].State
		candidates = append(candidates, faces[i].Embedding())
	}

	eng := newEngine(cfg)
	results, err := neighbors.NewSearcher(eng.scorer).Rank(probe.Embedding(), candidates, limit, threshold)
	if err != nil {
		return fmt.Errorf("failed to rank neighbors: %w", err)
	}

	if len(results) == 0 {
		fmt.Printf("No faces within distance %.1f of %s\n", threshold, faceID)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FACE\tDISTANCE\tSTATE")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%.1f\t%s\n", r.FaceID, r.Distance, states[r.FaceID])
	}
	return w.Flush()
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/jbenedik/face-registry/internal/cluster"
	"github.com/jbenedik/face-registry/internal/database/postgres"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Run clustering over the unresolved faces",
	Long: `Cluster the inbox and skipped faces into identity proposals using
complete-linkage agglomeration over MLS distance. The finished run is
published atomically; reviewers pick it up with 'face-registry serve' or
the proposals endpoint.`,
	RunE: runCluster,
}

func init() {
	rootCmd.AddCommand(clusterCmd)
}

func runCluster(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println("Connecting to PostgreSQL...")
	if err := postgres.Initialize(&cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	pool := postgres.GetGlobalPool()
	defer pool.Close()

	faceRepo := postgres.NewFaceRepository(pool)
	eng := newEngine(cfg)
	runner := cluster.NewRunner(eng.cluster, faceRepo, postgres.NewProposalStore(pool))

	poolSize, err := faceRepo.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count faces: %w", err)
	}
	fmt.Printf("Faces in database: %d\n", poolSize)

	runID, err := runner.Start()
	if err != nil {
		return fmt.Errorf("failed to start clustering: %w", err)
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Clustering"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionShowElapsedTimeOnFinish(),
	)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(100 * time.Millisecond):
				bar.Add(1)
			}
		}
	}()

	run, err := runner.Wait(runID)
	close(done)
	bar.Finish()
	fmt.Println()
	if err != nil {
		return fmt.Errorf("clustering run failed: %w", err)
	}

	switch run.Status {
	case cluster.RunDone:
	case cluster.RunCancelled:
		fmt.Println("Clustering run was cancelled; nothing published")
		return nil
	default:
		return fmt.Errorf("clustering run %s: %s", run.Status, run.Error)
	}

	fmt.Printf("Clustered %d faces into %d proposals\n\n", run.FaceCount, len(run.Proposals))
	if len(run.Proposals) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROPOSAL\tFACES\tTIER\tMAX DIST\tMARGIN\tAMBIGUOUS")
	for _, p := range run.Proposals {
		fmt.Fprintf(w, "%s\t%d\t%s\t%.1f\t%.3f\t%v\n",
			p.ProposalID, len(p.FaceIDs), p.Tier, p.MaxPairDistance, p.Margin, p.Ambiguous)
	}
	return w.Flush()
}

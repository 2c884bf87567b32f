package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbenedik/face-registry/internal/database/postgres"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the registry against its event log",
	Long: `Rebuild every identity from the append-only history and compare the
result with the stored projection. Any divergence means the projection
drifted from the log and is reported as an error.`,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println("Connecting to PostgreSQL...")
	reg, _, pool, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	events, err := postgres.NewRegistryStore(pool).EventCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to count events: %w", err)
	}
	fmt.Printf("Replaying %d events over %d identities...\n", events, len(reg.List()))

	if err := reg.Verify(); err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	fmt.Println("OK: event log and projection agree")
	return nil
}

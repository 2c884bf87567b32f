package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jbenedik/face-registry/internal/embedding"
	"github.com/jbenedik/face-registry/internal/neighbors"
	"github.com/jbenedik/face-registry/internal/registry"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Inspect and review identities",
	Long: `Inspect identities and apply review decisions from the terminal.
Every decision is appended to the identity's history and can be undone
with 'face-registry identity undo'.`,
}

var identityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
			identities := reg.List()
			if len(identities) == 0 {
				fmt.Println("No identities yet")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATE\tANCHORS\tCANDIDATES\tVERSION")
			for _, id := range identities {
				if id.Absorbed() {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
					id.ID, id.Name, id.State, len(id.Anchors), len(id.Candidates), id.Version)
			}
			return w.Flush()
		})
	},
}

var identityShowCmd = &cobra.Command{
	Use:   "show <identity-id>",
	Short: "Show one identity in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
			id, err := reg.Get(args[0])
			if err != nil {
				return err
			}
			printIdentity(id)

			if suggestions := reg.Suggestions(id.ID); len(suggestions) > 0 {
				fmt.Println("\nRe-evaluation suggestions:")
				for _, s := range suggestions {
					fmt.Printf("  %s (distance %.1f)\n", s.FaceID, s.Distance)
				}
			}
			return nil
		})
	},
}

var identityHistoryCmd = &cobra.Command{
	Use:   "history <identity-id>",
	Short: "List the decision history of an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
			events, err := reg.History(args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tACTION\tACTOR\tFACES\tEVENT")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.Actor, e.FaceIDs, e.EventID)
			}
			return w.Flush()
		})
	},
}

var identityCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an identity from candidate faces",
	RunE: func(cmd *cobra.Command, args []string) error {
		name := mustGetString(cmd, "name")
		faces := mustGetStringSlice(cmd, "faces")

		return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
			id, err := reg.Create(ctx, name, faces, registry.ActorHuman)
			if err != nil {
				return err
			}
			fmt.Printf("Created identity %s with %d candidates\n", id.ID, len(id.Candidates))
			return nil
		})
	},
}

var identityConfirmCmd = &cobra.Command{
	Use:   "confirm <identity-id>",
	Short: "Confirm candidate faces as anchors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		faces := mustGetStringSlice(cmd, "faces")
		confidence := mustGetFloat64(cmd, "confidence")

		return mutateIdentity(args[0], func(ctx context.Context, reg *registry.Registry, version int64) (*registry.Identity, error) {
			return reg.ConfirmFaces(ctx, args[0], version, faces, registry.ActorHuman, confidence)
		})
	},
}

var identityRejectCmd = &cobra.Command{
	Use:   "reject <identity-id>",
	Short: "Reject candidate faces as non-matches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		faces := mustGetStringSlice(cmd, "faces")

		return mutateIdentity(args[0], func(ctx context.Context, reg *registry.Registry, version int64) (*registry.Identity, error) {
			return reg.RejectFaces(ctx, args[0], version, faces, registry.ActorHuman)
		})
	},
}

var identityDetachCmd = &cobra.Command{
	Use:   "detach <identity-id>",
	Short: "Detach anchor faces back to the inbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		faces := mustGetStringSlice(cmd, "faces")

		return mutateIdentity(args[0], func(ctx context.Context, reg *registry.Registry, version int64) (*registry.Identity, error) {
			return reg.DetachFaces(ctx, args[0], version, faces, registry.ActorHuman)
		})
	},
}

var identityPromoteCmd = &cobra.Command{
	Use:   "promote <identity-id>",
	Short: "Promote a proposed identity to confirmed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutateIdentity(args[0], func(ctx context.Context, reg *registry.Registry, version int64) (*registry.Identity, error) {
			return reg.Promote(ctx, args[0], version, registry.ActorHuman)
		})
	},
}

var identityResolveCmd = &cobra.Command{
	Use:   "resolve <identity-id>",
	Short: "Resolve a contested identity",
	Long: `Resolve a contested identity after the contradictory anchors have
been detached. Resolution re-runs fusion and fails if the remaining
anchors still contradict each other.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutateIdentity(args[0], func(ctx context.Context, reg *registry.Registry, version int64) (*registry.Identity, error) {
			return reg.Resolve(ctx, args[0], version, registry.ActorHuman)
		})
	},
}

var identityRenameCmd = &cobra.Command{
	Use:   "rename <identity-id> <name>",
	Short: "Rename an identity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutateIdentity(args[0], func(ctx context.Context, reg *registry.Registry, version int64) (*registry.Identity, error) {
			return reg.Rename(ctx, args[0], version, args[1], registry.ActorHuman)
		})
	},
}

var identityMergeCmd = &cobra.Command{
	Use:   "merge <identity-id> <other-id>",
	Short: "Merge two identities",
	Long: `Merge two identities into one. The named side survives regardless of
argument order; when both carry different names the merge fails until
--keep-name or --keep-both picks a resolution.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := registry.MergeOptions{
			KeepName: mustGetString(cmd, "keep-name"),
			KeepBoth: mustGetBool(cmd, "keep-both"),
		}

		return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
			first, err := reg.Get(args[0])
			if err != nil {
				return err
			}
			second, err := reg.Get(args[1])
			if err != nil {
				return err
			}

			survivor, err := reg.Merge(ctx, first.ID, second.ID, first.Version, second.Version, opts, registry.ActorHuman)
			if err != nil {
				return err
			}
			fmt.Printf("Merged into %s\n", survivor.ID)
			printIdentity(survivor)
			return nil
		})
	},
}

var identityUndoCmd = &cobra.Command{
	Use:   "undo <identity-id>",
	Short: "Undo the most recent decision on an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
			id, err := reg.Undo(ctx, args[0], registry.ActorHuman)
			if err != nil {
				return err
			}
			if id == nil {
				fmt.Println("Undid the creating event; the identity is gone")
				return nil
			}
			printIdentity(id)
			return nil
		})
	},
}

var identityDistanceCmd = &cobra.Command{
	Use:   "distance <identity-id> <other-id>",
	Short: "Best-match anchor distance between two identities",
	Long: `Compute the MLS distance between two identities as the best match
over their anchor pairs. Useful for judging a merge before committing
to it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		reg, faceRepo, pool, err := openRegistry(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		anchors := func(identityID string) ([]embedding.FaceEmbedding, error) {
			id, err := reg.Get(identityID)
			if err != nil {
				return nil, err
			}
			faces, err := faceRepo.GetFaces(ctx, id.Anchors)
			if err != nil {
				return nil, fmt.Errorf("load anchors of %s: %w", identityID, err)
			}
			out := make([]embedding.FaceEmbedding, len(faces))
			for i := range faces {
				out[i] = faces[i].Embedding()
			}
			return out, nil
		}

		a, err := anchors(args[0])
		if err != nil {
			return err
		}
		b, err := anchors(args[1])
		if err != nil {
			return err
		}

		eng := newEngine(cfg)
		dist, err := neighbors.NewSearcher(eng.scorer).IdentityDistance(a, b)
		if err != nil {
			return err
		}

		fmt.Printf("Best-match anchor distance: %.1f (cutoff %.1f)\n",
			dist, cfg.Calibration.Matching.DistanceCutoff)
		return nil
	},
}

var identitySuggestionsCmd = &cobra.Command{
	Use:   "suggestions",
	Short: "List open re-evaluation suggestions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
			suggestions := reg.AllSuggestions()
			if len(suggestions) == 0 {
				fmt.Println("No open suggestions")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTITY\tFACE\tDISTANCE")
			for _, s := range suggestions {
				fmt.Fprintf(w, "%s\t%s\t%.1f\n", s.IdentityID, s.FaceID, s.Distance)
			}
			return w.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(identityCmd)
	identityCmd.AddCommand(identityListCmd, identityShowCmd, identityHistoryCmd,
		identityCreateCmd, identityConfirmCmd, identityRejectCmd, identityDetachCmd,
		identityPromoteCmd, identityResolveCmd, identityRenameCmd, identityMergeCmd,
		identityUndoCmd, identityDistanceCmd, identitySuggestionsCmd)

	identityCreateCmd.Flags().String("name", "", "Person name (optional)")
	identityCreateCmd.Flags().StringSlice("faces", nil, "Candidate face IDs")
	identityCreateCmd.MarkFlagRequired("faces")

	identityConfirmCmd.Flags().StringSlice("faces", nil, "Face IDs to confirm")
	identityConfirmCmd.Flags().Float64("confidence", 1.0, "Decision confidence in (0, 1]")
	identityConfirmCmd.MarkFlagRequired("faces")

	identityRejectCmd.Flags().StringSlice("faces", nil, "Face IDs to reject")
	identityRejectCmd.MarkFlagRequired("faces")

	identityDetachCmd.Flags().StringSlice("faces", nil, "Anchor face IDs to detach")
	identityDetachCmd.MarkFlagRequired("faces")

	identityMergeCmd.Flags().String("keep-name", "", "Name to keep when both sides are named")
	identityMergeCmd.Flags().Bool("keep-both", false, "Keep the losing name as an alias")
}

// withRegistry loads the configuration, opens the registry over PostgreSQL,
// and runs fn. Connection teardown is handled here.
func withRegistry(fn func(ctx context.Context, reg *registry.Registry) error) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reg, _, pool, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, reg)
}

// mutateIdentity runs one optimistic-concurrency mutation against the
// identity's current version and prints the result. The CLI is a
// single-user surface, so reading the version just before the write is
// safe.
func mutateIdentity(identityID string, fn func(ctx context.Context, reg *registry.Registry, version int64) (*registry.Identity, error)) error {
	return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
		current, err := reg.Get(identityID)
		if err != nil {
			return err
		}

		updated, err := fn(ctx, reg, current.Version)
		if err != nil {
			return err
		}
		printIdentity(updated)
		return nil
	})
}

func printIdentity(id *registry.Identity) {
	fmt.Printf("Identity %s (version %d)\n", id.ID, id.Version)
	if id.Name != "" {
		fmt.Printf("  Name:       %s\n", id.Name)
	}
	if len(id.Aliases) > 0 {
		fmt.Printf("  Aliases:    %v\n", id.Aliases)
	}
	fmt.Printf("  State:      %s\n", id.State)
	fmt.Printf("  Anchors:    %v\n", id.Anchors)
	fmt.Printf("  Candidates: %v\n", id.Candidates)
	if len(id.Negatives) > 0 {
		fmt.Printf("  Negatives:  %v\n", id.Negatives)
	}
	if id.Absorbed() {
		fmt.Printf("  Merged into %s\n", id.MergedInto)
	}
}

package cli

import (
	"fmt"
	"strings"

	"github.com/ashureev/funnel-relay/internal/funnel"
	"github.com/spf13/cobra"
)

// FunnelCmd validates and seeds funnel definitions.
func FunnelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "funnel",
		Short: "Validate and seed the funnel definition",
	}
	cmd.AddCommand(funnelValidateCmd(), funnelSeedCmd())
	return cmd
}

func addFileFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("file", "f", envOr("FUNNEL_PATH", "./configs/funnel.yaml"), "funnel definition file")
}

func funnelValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a funnel definition without touching the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("file")
			def, err := funnel.LoadDefinition(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ %s: %d steps, start %q, max burst %d\n", path, len(def.Steps), def.StartStep, def.MaxBurst)
			for _, s := range def.Steps {
				marker := " "
				if s.Burst {
					marker = "*"
				}
				next := s.Next
				if next == "" {
					next = "(end)"
				}
				fmt.Fprintf(out, "  %s %-20s → %s\n", marker, s.Key, next)
			}
			for _, cycle := range def.BurstCycles() {
				fmt.Fprintf(out, "⚠ burst cycle: %s (bounded by max burst)\n", strings.Join(cycle, " → "))
			}
			return nil
		},
	}
	addFileFlag(cmd)
	return cmd
}

func funnelSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write the funnel definition into the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("file")
			def, err := funnel.LoadDefinition(path)
			if err != nil {
				return err
			}

			repo, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			ctx := ctxOrBackground(cmd)
			if err := funnel.Seed(ctx, repo, def); err != nil {
				return err
			}
			if err := funnel.NewGraph(repo, def, logger(cmd)).Validate(ctx); err != nil {
				return fmt.Errorf("seeded graph is invalid: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Seeded %d steps from %s\n", len(def.Steps), path)
			return nil
		},
	}
	addFileFlag(cmd)
	addDBFlag(cmd)
	return cmd
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	engine, cfg, err := newEngine(ctx, true)
	if err != nil {
		return err
	}
	defer engine.Close()

	stats, err := engine.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read index stats: %w", err)
	}

	cmd.Printf("Backend:    %s\n", cfg.Store.Backend)
	cmd.Printf("Chunks:     %d\n", stats.NumChunks)
	cmd.Printf("Dimension:  %d\n", stats.Dimension)
	cmd.Printf("Index size: %d bytes\n", stats.IndexSize)

	if len(stats.Sources) > 0 {
		cmd.Println("\nSources:")
		for _, s := range stats.Sources {
			cmd.Printf("  %s\n", s)
		}
	}
	return nil
}

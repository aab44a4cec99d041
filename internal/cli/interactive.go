package cli

import (
	"fmt"
	"os"
	"runtime/debug"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/parallax-labs/ragpipe/internal/tui"
)

var interactiveTopK int

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Launch the interactive query console",
	Long: `Launch the terminal console for querying the index.

Controls:
  Enter       - Run the query
  Up/Down     - Cycle through results
  Esc, Ctrl+C - Quit`,
	Args: cobra.NoArgs,
	RunE: runInteractive,
}

func init() {
	interactiveCmd.Flags().IntVarP(&interactiveTopK, "top-k", "k", 0, "number of results per query (default from config)")
	rootCmd.AddCommand(interactiveCmd)
}

func runInteractive(cmd *cobra.Command, args []string) error {
	// Recover panics so the stack trace reaches stderr after the alt
	// screen is torn down.
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Panic in console: %v\n", r)
			fmt.Fprintf(os.Stderr, "Stack trace:\n%s\n", debug.Stack())
		}
	}()

	ctx := cmd.Context()
	engine, cfg, err := newEngine(ctx, true)
	if err != nil {
		return err
	}
	defer engine.Close()

	topK := interactiveTopK
	if topK <= 0 {
		topK = cfg.Retrieval.TopK
	}

	stats, err := engine.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read index stats: %w", err)
	}
	summary := fmt.Sprintf("%d chunks from %d sources (%s backend)",
		stats.NumChunks, len(stats.Sources), cfg.Store.Backend)

	p := tea.NewProgram(tui.New(engine, summary, topK), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("console error: %w", err)
	}
	return nil
}

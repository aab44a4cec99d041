package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parallax-labs/ragpipe/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Watch a directory and ingest changes",
	Long: `Ingests the directory, then keeps watching it: new and modified
files route through the normal ingestion path and the index is persisted
after each one. Runs until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := openEngine(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer engine.Close()

	watcher, err := watch.NewWatcher(&watch.Config{
		Dir:        args[0],
		Extensions: cfg.Ingestion.Extensions,
		Recursive:  cfg.Ingestion.Recursive,
	}, engine)
	if err != nil {
		return err
	}
	defer watcher.Stop()

	cmd.Printf("Watching %s. Ctrl+C stops.\n", args[0])
	return watcher.Start(ctx)
}

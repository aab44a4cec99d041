package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/parallax-labs/ragpipe/pkg/rag"
)

var (
	ingestFile       string
	ingestDir        string
	ingestText       string
	ingestExtensions []string
	ingestNoRecurse  bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest documents into the index",
	Long: `Chunks, embeds and indexes documents from a file, a directory or a
literal string, then persists the index.`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "ingest a single file")
	ingestCmd.Flags().StringVar(&ingestDir, "dir", "", "ingest a directory")
	ingestCmd.Flags().StringVar(&ingestText, "text", "", "ingest a literal string")
	ingestCmd.Flags().StringSliceVar(&ingestExtensions, "extensions", nil, "file extensions to ingest (default from config)")
	ingestCmd.Flags().BoolVar(&ingestNoRecurse, "no-recursive", false, "do not descend into subdirectories")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	set := 0
	for _, v := range []string{ingestFile, ingestDir, ingestText} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return errors.New("exactly one of --file, --dir or --text is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(ingestExtensions) > 0 {
		cfg.Ingestion.Extensions = rag.NormalizeExtensions(ingestExtensions)
	}
	if ingestNoRecurse {
		cfg.Ingestion.Recursive = false
	}

	ctx := cmd.Context()
	engine, err := openEngine(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer engine.Close()

	if ingestDir != "" {
		engine.OnIngestProgress(func(p rag.IngestProgress) {
			cmd.Printf("  [%d/%d] %-6s %s\n", p.Completed, p.Total, p.Status, p.Path)
		})
	}

	var report *rag.IngestReport
	switch {
	case ingestText != "":
		report, err = engine.IngestText(ctx, ingestText, rag.DocumentMeta{Source: "inline", FileType: "txt"})
	case ingestFile != "":
		report, err = engine.IngestFile(ctx, ingestFile)
	default:
		report, err = engine.IngestDirectory(ctx, ingestDir)
	}
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	if err := engine.Save(ctx); err != nil {
		return fmt.Errorf("failed to persist index: %w", err)
	}

	cmd.Printf("Ingested %d files in %s: %d chunks added, %d duplicates skipped.\n",
		report.Files, report.Elapsed.Round(time.Millisecond), report.Added, report.Duplicates)
	for _, f := range report.Failures {
		cmd.Printf("  failed: %s: %s\n", f.Path, f.Err)
	}

	stats, err := engine.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read index stats: %w", err)
	}
	cmd.Printf("Index now holds %d chunks.\n", stats.NumChunks)
	return nil
}

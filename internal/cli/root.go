// Package cli wires the command-line surface of the pipeline.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/parallax-labs/ragpipe/pkg/rag"
)

var (
	cfgFile       string
	storeOverride string
)

var rootCmd = &cobra.Command{
	Use:   "ragpipe",
	Short: "Document ingestion and retrieval pipeline",
	Long: `ragpipe chunks documents, embeds them through a remote embedding
service and retrieves the most relevant chunks for a question, optionally
reranked by a cross-encoder. Indexes persist in a local flat store or in
Weaviate.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initEnv)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&storeOverride, "store", "", `vector store backend ("flat" or "weaviate")`)
}

// initEnv loads a .env file when present so RAGPIPE_* overrides work the
// same in development and in deployment.
func initEnv() {
	_ = godotenv.Load()
}

// loadConfig reads the configuration and applies the --store override.
func loadConfig() (*rag.PipelineConfig, error) {
	cfg, err := rag.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if storeOverride != "" {
		cfg.Store.Backend = storeOverride
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// openEngine builds the pipeline from cfg and, when loadState is set, loads
// the persisted index. A missing snapshot is not an error: the engine simply
// starts empty.
func openEngine(ctx context.Context, cfg *rag.PipelineConfig, loadState bool) (*rag.Engine, error) {
	engine, err := rag.NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	if loadState {
		if err := engine.Load(ctx); err != nil && !errors.Is(err, os.ErrNotExist) {
			_ = engine.Close()
			return nil, fmt.Errorf("failed to load index: %w", err)
		}
	}
	return engine, nil
}

// newEngine is openEngine with the default configuration load.
func newEngine(ctx context.Context, loadState bool) (*rag.Engine, *rag.PipelineConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	engine, err := openEngine(ctx, cfg, loadState)
	if err != nil {
		return nil, nil, err
	}
	return engine, cfg, nil
}

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	queryTopK        int
	queryContextOnly bool
	queryVerbose     bool
)

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Retrieve the most relevant chunks for a question",
	Long: `Embeds the question, searches the index and prints the top results.
With reranking enabled the results carry both ranks.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "number of results (default from config)")
	queryCmd.Flags().BoolVar(&queryContextOnly, "context-only", false, "print only the concatenated context block")
	queryCmd.Flags().BoolVar(&queryVerbose, "verbose", false, "print full chunk content instead of a snippet")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	question := strings.Join(args, " ")

	ctx := cmd.Context()
	engine, _, err := newEngine(ctx, true)
	if err != nil {
		return err
	}
	defer engine.Close()

	result, err := engine.Query(ctx, question, queryTopK)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	if queryContextOnly {
		cmd.Println(result.Context)
		return nil
	}

	if len(result.Results) == 0 {
		cmd.Println("No results found.")
		return nil
	}

	cmd.Printf("Results for %q:\n\n", question)
	for i := range result.Results {
		r := &result.Results[i]

		cmd.Printf("  [%d] score=%.3f", i+1, r.Score)
		if r.RerankScore != nil {
			cmd.Printf("  rerank=%.3f (was #%d)", *r.RerankScore, r.OriginalRank)
		}
		cmd.Println()

		source := r.Chunk.Meta.Source
		if source == "" {
			source = "unknown"
		}
		if r.Chunk.Meta.Page > 0 {
			source = fmt.Sprintf("%s (page %d)", source, r.Chunk.Meta.Page)
		}
		cmd.Printf("      Source: %s\n", source)

		content := r.Chunk.Content
		if !queryVerbose {
			content = snippet(content, 200)
		}
		cmd.Printf("      %s\n", strings.ReplaceAll(content, "\n", "\n      "))
		cmd.Println()
	}
	return nil
}

// snippet collapses whitespace and truncates on a rune boundary.
func snippet(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

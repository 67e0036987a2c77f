package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/spacesai/spaces-engine/internal/retrieval"
	"github.com/spacesai/spaces-engine/internal/storage"
)

// newSearchCmd creates the search subcommand.
func newSearchCmd() *cobra.Command {
	var (
		userID   int64
		spaceID  int64
		mode     string
		topK     int
		provider string
	)

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search a user's knowledge base",
		Long: `Search runs a query against the configured backend.
Modes: semantic, fulltext, hybrid, rag. The rag mode retrieves with
hybrid fusion and synthesizes an answer with the configured LLM.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			if userID <= 0 {
				return fmt.Errorf("--user is required")
			}
			var space *int64
			if spaceID > 0 {
				space = &spaceID
			}
			query := strings.Join(args, " ")

			svc, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer svc.close()

			if mode == "rag" {
				res, err := svc.engine.Answer(ctx, retrieval.RAGQuery{
					Query:            query,
					Mode:             retrieval.ModeHybrid,
					TopK:             topK,
					UserID:           userID,
					SpaceID:          space,
					ProviderOverride: provider,
				})
				if err != nil {
					return fmt.Errorf("rag query failed: %w", err)
				}
				if outputJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(res)
				}
				color.New(color.FgCyan, color.Bold).Println("Answer:")
				fmt.Println(res.Answer)
				fmt.Println()
				printHits(res.Hits)
				return nil
			}

			q := retrieval.Query{Query: query, TopK: topK, UserID: userID, SpaceID: space}
			var hits []storage.ChunkHit
			switch mode {
			case "semantic":
				hits, err = svc.engine.Semantic(ctx, q)
			case "fulltext":
				hits, err = svc.engine.Fulltext(ctx, q)
			case "hybrid", "":
				hits, err = svc.engine.Hybrid(ctx, q)
			default:
				return fmt.Errorf("unknown mode: %s", mode)
			}
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}

			if outputJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{"mode": mode, "hits": hits})
			}
			printHits(hits)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id to search as (required)")
	cmd.Flags().Int64Var(&spaceID, "space", 0, "space id to scope the search to")
	cmd.Flags().StringVar(&mode, "mode", "hybrid", "search mode (semantic, fulltext, hybrid, rag)")
	cmd.Flags().IntVar(&topK, "top-k", 0, "result count (0 uses the configured default)")
	cmd.Flags().StringVar(&provider, "llm", "", "LLM provider override for rag mode")

	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func printHits(hits []storage.ChunkHit) {
	if len(hits) == 0 {
		fmt.Println("No results.")
		return
	}
	for i, hit := range hits {
		content := hit.Content
		if len(content) > 160 {
			content = content[:160] + "..."
		}
		score := ""
		if hit.Distance != nil {
			score = fmt.Sprintf(" (dist %.3f)", *hit.Distance)
		} else if hit.Rank != nil {
			score = fmt.Sprintf(" (rank %.3f)", *hit.Rank)
		}
		color.New(color.FgYellow).Printf("%d. ", i+1)
		fmt.Printf("doc %d chunk %d%s\n   %s\n", hit.DocumentID, hit.ChunkIndex, score, content)
	}
}

// newVersionCmd creates the version subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if outputJSON {
				_ = json.NewEncoder(os.Stdout).Encode(map[string]string{"version": "0.1.0"})
				return
			}
			fmt.Println("spaces-cli v0.1.0")
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	progressbar "github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/spacesai/spaces-engine/internal/ingest"
)

// newReindexCmd creates the reindex subcommand.
func newReindexCmd() *cobra.Command {
	var (
		userID  int64
		docID   int64
		spaceID int64
		all     bool
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the secondary text index from the relational store",
		Long: `Reindex re-embeds and re-mirrors chunks into the secondary index.
Scope with --doc or --space, or pass --all for the whole tenant.
Failing documents are counted and skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()

			if userID <= 0 {
				return fmt.Errorf("--user is required")
			}
			if docID <= 0 && spaceID <= 0 && !all {
				return fmt.Errorf("one of --doc, --space or --all is required")
			}

			scope := ingest.ReindexScope{UserID: userID, Force: force}
			if docID > 0 {
				scope.DocID = &docID
			}
			if spaceID > 0 {
				scope.SpaceID = &spaceID
			}

			svc, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer svc.close()

			report, err := svc.pipeline.Reindex(ctx, scope, barProgress("reindexing"))
			if err != nil {
				return fmt.Errorf("reindex failed: %w", err)
			}

			if outputJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			color.New(color.FgGreen).Printf("✓ Reindex completed\n")
			fmt.Printf("  Documents: %d | Chunks: %d | Failed: %d\n",
				report.Documents, report.Chunks, report.Failed)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id to reindex (required)")
	cmd.Flags().Int64Var(&docID, "doc", 0, "reindex a single document")
	cmd.Flags().Int64Var(&spaceID, "space", 0, "reindex one space")
	cmd.Flags().BoolVar(&all, "all", false, "reindex the whole tenant")
	cmd.Flags().BoolVar(&force, "force", false, "recreate index mappings before writing")

	_ = cmd.MarkFlagRequired("user")

	return cmd
}

// newReindexImagesCmd creates the reindex-images subcommand.
func newReindexImagesCmd() *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "reindex-images",
		Short: "Rebuild the secondary image index for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()

			if userID <= 0 {
				return fmt.Errorf("--user is required")
			}

			svc, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer svc.close()

			report, err := svc.pipeline.ReindexImages(ctx, userID, barProgress("reindexing images"))
			if err != nil {
				return fmt.Errorf("reindex images failed: %w", err)
			}

			if outputJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			color.New(color.FgGreen).Printf("✓ Image reindex completed\n")
			fmt.Printf("  Images: %d | Failed: %d\n", report.Images, report.Failed)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id to reindex (required)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

// barProgress adapts a terminal progress bar to the pipeline's callback.
// The total is only known once the pipeline has listed its scope, so the
// bar is created on the first callback.
func barProgress(label string) ingest.Progress {
	if outputJSON {
		return nil
	}
	var bar *progressbar.ProgressBar
	return func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription(label),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set(done)
	}
}

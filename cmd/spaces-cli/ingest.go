package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// newIngestCmd creates the ingest subcommand.
func newIngestCmd() *cobra.Command {
	var (
		userID  int64
		spaceID int64
		title   string
	)

	cmd := &cobra.Command{
		Use:   "ingest [file or directory]",
		Short: "Ingest documents into a user's knowledge base",
		Long: `Ingest extracts text from the given file, chunks and embeds it, stores
the chunks in Postgres, and mirrors them into the secondary index.

When given a directory, every regular file in it is ingested.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			if userID <= 0 {
				return fmt.Errorf("--user is required")
			}
			var space *int64
			if spaceID > 0 {
				space = &spaceID
			}

			paths, err := collectFiles(args[0])
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no files found under %s", args[0])
			}

			svc, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer svc.close()

			var sp *spinner.Spinner
			if !outputJSON {
				sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				sp.Start()
			}

			type fileResult struct {
				Path       string `json:"path"`
				DocumentID int64  `json:"document_id,omitempty"`
				Chunks     int    `json:"chunks,omitempty"`
				Mirrored   int    `json:"mirrored,omitempty"`
				Error      string `json:"error,omitempty"`
			}
			var (
				results     []fileResult
				totalChunks int
				failed      int
			)
			for _, path := range paths {
				if sp != nil {
					sp.Suffix = fmt.Sprintf(" ingesting %s", filepath.Base(path))
				}
				fileTitle := title
				if len(paths) > 1 {
					fileTitle = ""
				}
				res, err := svc.pipeline.IngestFile(ctx, path, userID, space, fileTitle)
				if err != nil {
					failed++
					results = append(results, fileResult{Path: path, Error: err.Error()})
					continue
				}
				totalChunks += res.Chunks
				results = append(results, fileResult{
					Path:       path,
					DocumentID: res.DocumentID,
					Chunks:     res.Chunks,
					Mirrored:   res.Mirrored,
				})
			}
			if sp != nil {
				sp.Stop()
			}

			if outputJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"files":  results,
					"chunks": totalChunks,
					"failed": failed,
				})
			}

			for _, r := range results {
				if r.Error != "" {
					color.New(color.FgRed).Printf("✗ %s: %s\n", r.Path, r.Error)
				} else {
					color.New(color.FgGreen).Printf("✓ %s (doc %d, %d chunks, %d mirrored)\n",
						r.Path, r.DocumentID, r.Chunks, r.Mirrored)
				}
			}
			fmt.Printf("Ingested %d/%d files, %d chunks total\n", len(paths)-failed, len(paths), totalChunks)
			if failed > 0 {
				return fmt.Errorf("%d files failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id owning the documents (required)")
	cmd.Flags().Int64Var(&spaceID, "space", 0, "space id to scope the documents to")
	cmd.Flags().StringVar(&title, "title", "", "document title (single-file ingest only)")

	_ = cmd.MarkFlagRequired("user")

	return cmd
}

// collectFiles resolves a path into the list of regular files under it.
func collectFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var paths []string
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", root, err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			paths = append(paths, filepath.Join(root, e.Name()))
		}
	}
	return paths, nil
}

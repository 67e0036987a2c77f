package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// newStatusCmd creates the status subcommand.
func newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check a running API server's health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(addr + "/health")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return fmt.Errorf("read health response: %w", err)
			}

			if outputJSON {
				_, err := os.Stdout.Write(append(body, '\n'))
				return err
			}

			var health struct {
				Status string `json:"status"`
				Cache  struct {
					State     string  `json:"state"`
					Hits      int64   `json:"hits"`
					Misses    int64   `json:"misses"`
					Cooldown  float64 `json:"cooldown_remaining_seconds"`
					LastError string  `json:"last_error"`
				} `json:"cache"`
			}
			if err := json.Unmarshal(body, &health); err != nil {
				return fmt.Errorf("parse health response: %w", err)
			}

			switch health.Status {
			case "ok":
				color.New(color.FgGreen).Printf("✓ %s is healthy\n", addr)
			case "degraded":
				color.New(color.FgYellow).Printf("⚠ %s is degraded\n", addr)
			default:
				color.New(color.FgRed).Printf("✗ %s reported %q\n", addr, health.Status)
			}
			fmt.Printf("  Cache: %s (hits %d, misses %d)\n",
				health.Cache.State, health.Cache.Hits, health.Cache.Misses)
			if health.Cache.LastError != "" {
				fmt.Printf("  Last cache error: %s\n", health.Cache.LastError)
			}
			if health.Cache.Cooldown > 0 {
				fmt.Printf("  Cooldown remaining: %.1fs\n", health.Cache.Cooldown)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "API server base URL")
	return cmd
}

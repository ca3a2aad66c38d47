package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"orafinite.ai/cli/internal/core/feed"
	"orafinite.ai/cli/internal/infrastructure/api"
	"orafinite.ai/cli/internal/interfaces/di"
)

// LogsFlags holds command-line flags for the logs command.
type LogsFlags struct {
	Page        int
	PerPage     int
	Status      string
	RequestType string
	JSON        bool
}

// NewLogsCommand creates the one-shot guard log listing command, for
// scripting and quick checks without the full dashboard.
func NewLogsCommand(container *di.Container) *cobra.Command {
	flags := &LogsFlags{}

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List guard log history",
		Long: `Print one page of the guard log history and exit.

Examples:
  orafin logs                      # Newest entries
  orafin logs --status threat      # Blocked requests only
  orafin logs --page 3 --json      # Page 3 as JSON`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			perPage := flags.PerPage
			if perPage == 0 {
				perPage = container.Config.PerPage
			}

			resp, err := container.Gateway.GuardLogs(cmd.Context(), api.GuardLogQuery{
				Page:    flags.Page,
				PerPage: perPage,
				Filters: feed.Filters{
					Status:      flags.Status,
					RequestType: flags.RequestType,
				},
			})
			if err != nil {
				return fmt.Errorf("failed to fetch guard logs: %w", err)
			}

			if flags.JSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}

			printGuardLogPage(resp)
			return nil
		},
	}

	cmd.Flags().IntVar(&flags.Page, "page", 1, "History page to fetch")
	cmd.Flags().IntVar(&flags.PerPage, "per-page", 0, "Entries per page (default from config)")
	cmd.Flags().StringVar(&flags.Status, "status", "", "Filter by verdict (safe, threat)")
	cmd.Flags().StringVar(&flags.RequestType, "request-type", "", "Filter by request type")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "Output raw JSON")

	return cmd
}

func printGuardLogPage(page api.GuardLogPage) {
	if len(page.Logs) == 0 {
		fmt.Println("No guard log entries.")
		return
	}

	fmt.Printf("%-20s %-7s %-5s %-10s %-8s %s\n", "TIME", "VERDICT", "RISK", "TYPE", "LATENCY", "THREATS")
	for _, e := range page.Logs {
		verdict := "safe"
		if !e.IsSafe {
			verdict = "threat"
		}
		fmt.Printf("%-20s %-7s %4.0f %-10s %6dms %s\n",
			e.CreatedAt, verdict, e.RiskScore, e.RequestType, e.LatencyMS,
			strings.Join(e.ThreatCategories, ","))
	}

	info := page.Pagination
	fmt.Printf("\nPage %d/%d (%d entries)\n", info.Page, info.TotalPages, info.TotalItems)
}

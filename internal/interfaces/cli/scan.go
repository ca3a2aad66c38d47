package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"orafinite.ai/cli/internal/application/services"
	"orafinite.ai/cli/internal/core/event"
	"orafinite.ai/cli/internal/core/scan"
	"orafinite.ai/cli/internal/infrastructure/api"
	"orafinite.ai/cli/internal/interfaces/di"
)

// NewScanCommand creates the scan command group.
func NewScanCommand(container *di.Container) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run and follow vulnerability scans against model endpoints",
	}

	cmd.AddCommand(newScanStartCommand(container))
	cmd.AddCommand(newScanWatchCommand(container))
	cmd.AddCommand(newScanResultsCommand(container))
	cmd.AddCommand(newScanListCommand(container))
	cmd.AddCommand(newScanCancelCommand(container))

	return cmd
}

// ScanStartFlags holds command-line flags for scan start.
type ScanStartFlags struct {
	Provider string
	Model    string
	Endpoint string
	APIKey   string
	ScanType string
	Probes   []string
	Follow   bool
}

func newScanStartCommand(container *di.Container) *cobra.Command {
	flags := &ScanStartFlags{}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a vulnerability scan",
		Long: `Start a vulnerability scan against a model endpoint.

Examples:
  orafin scan start --provider openai --model gpt-4o
  orafin scan start --provider custom --endpoint https://llm.internal/v1 --probes prompt_injection,jailbreak
  orafin scan start --provider openai --model gpt-4o --follow`,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := container.Gateway.StartScan(cmd.Context(), api.StartScanRequest{
				ModelConfig: api.ScanModelConfig{
					Provider: flags.Provider,
					Model:    flags.Model,
					BaseURL:  flags.Endpoint,
					APIKey:   flags.APIKey,
				},
				ScanType: flags.ScanType,
				Probes:   flags.Probes,
			})
			if err != nil {
				return fmt.Errorf("failed to start scan: %w", err)
			}

			fmt.Printf("Scan started: %s (status: %s)\n", resp.ScanID, resp.Status)
			if !flags.Follow {
				fmt.Printf("Follow it with: orafin scan watch %s\n", resp.ScanID)
				return nil
			}
			return watchScan(container, resp.ScanID)
		},
	}

	cmd.Flags().StringVar(&flags.Provider, "provider", "", "Model provider (openai, anthropic, custom, ...)")
	cmd.Flags().StringVar(&flags.Model, "model", "", "Model name")
	cmd.Flags().StringVar(&flags.Endpoint, "endpoint", "", "Custom endpoint URL for self-hosted models")
	cmd.Flags().StringVar(&flags.APIKey, "api-key", "", "Provider API key, if the backend needs one")
	cmd.Flags().StringVar(&flags.ScanType, "type", "standard", "Scan type (quick, standard, comprehensive, custom)")
	cmd.Flags().StringSliceVar(&flags.Probes, "probes", nil, "Probe names to run (default: full suite)")
	cmd.Flags().BoolVar(&flags.Follow, "follow", false, "Watch scan progress after starting")
	cmd.MarkFlagRequired("provider")

	return cmd
}

func newScanWatchCommand(container *di.Container) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <scan-id>",
		Short: "Follow a running scan's progress live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchScan(container, args[0])
		},
	}
}

// ScanResultsFlags holds command-line flags for scan results.
type ScanResultsFlags struct {
	Page    int
	PerPage int
	JSON    bool
}

func newScanResultsCommand(container *di.Container) *cobra.Command {
	flags := &ScanResultsFlags{}

	cmd := &cobra.Command{
		Use:   "results <scan-id>",
		Short: "Show the findings of a finished scan",
		Long: `Print a finished scan's findings and severity summary.

Examples:
  orafin scan results 0b7e1c2a-...
  orafin scan results 0b7e1c2a-... --page 2 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := container.Gateway.ScanResults(cmd.Context(), args[0], flags.Page, flags.PerPage)
			if err != nil {
				return fmt.Errorf("failed to fetch scan results: %w", err)
			}

			if flags.JSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}

			printScanResults(results)
			return nil
		},
	}

	cmd.Flags().IntVar(&flags.Page, "page", 1, "Findings page to fetch")
	cmd.Flags().IntVar(&flags.PerPage, "per-page", 0, "Findings per page (default from backend)")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "Output raw JSON")

	return cmd
}

func newScanListCommand(container *di.Container) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent scans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scans, err := container.Gateway.ListScans(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list scans: %w", err)
			}
			if len(scans) == 0 {
				fmt.Println("No scans found.")
				return nil
			}

			fmt.Printf("%-38s %-10s %-9s %-6s %s\n", "SCAN ID", "STATUS", "PROGRESS", "VULNS", "STARTED")
			for _, s := range scans {
				fmt.Printf("%-38s %-10s %7d%% %6d %s\n",
					s.ID, s.Status, s.Progress, s.VulnerabilitiesFound, s.CreatedAt)
			}
			return nil
		},
	}
}

func newScanCancelCommand(container *di.Container) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <scan-id>",
		Short: "Cancel a queued or running scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := container.Gateway.CancelScan(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to cancel scan: %w", err)
			}
			fmt.Printf("Cancellation requested for scan %s\n", args[0])
			return nil
		},
	}
}

// watchScan runs the progress TUI until the scan reaches a terminal
// status or the user quits.
func watchScan(container *di.Container, scanID string) error {
	model := newWatchModel(scanID)
	program := tea.NewProgram(model)

	monitor := container.ScanMonitor(scanID, services.ScanMonitorEvents{
		OnUpdate: func(s scan.Snapshot) {
			program.Send(scanUpdateMsg{snap: s})
		},
		OnVulnerability: func(v event.LiveVulnerability) {
			program.Send(scanVulnMsg{vuln: v})
		},
		OnComplete: func(s scan.Snapshot) {
			program.Send(scanDoneMsg{snap: s})
		},
	})

	monitor.Start(context.Background())
	defer monitor.Stop()

	finished, err := program.Run()
	if err != nil {
		return fmt.Errorf("watch failed: %w", err)
	}

	if m, ok := finished.(watchModel); ok && m.final != nil {
		// The stream only carries findings observed while attached.
		// For the full list, ask the results endpoint once the scan is
		// terminal; fall back to what the watch saw if it refuses.
		if results, rerr := container.Gateway.ScanResults(context.Background(), scanID, 1, 0); rerr == nil {
			printScanResults(results)
		} else {
			printScanResult(*m.final, m.vulns)
		}
		if m.final.Status == scan.StatusFailed {
			return fmt.Errorf("scan failed: %s", m.final.ErrorMessage)
		}
	}
	return nil
}

type scanUpdateMsg struct{ snap scan.Snapshot }

type scanVulnMsg struct{ vuln event.LiveVulnerability }

type scanDoneMsg struct{ snap scan.Snapshot }

// watchModel is the Bubble Tea model for scan watch.
type watchModel struct {
	scanID string
	snap   scan.Snapshot
	vulns  []event.LiveVulnerability
	final  *scan.Snapshot
	width  int
}

func newWatchModel(scanID string) watchModel {
	return watchModel{
		scanID: scanID,
		snap:   scan.Snapshot{ScanID: scanID, Status: scan.StatusQueued},
	}
}

func (m watchModel) Init() tea.Cmd {
	return nil
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil

	case scanUpdateMsg:
		m.snap = msg.snap
		return m, nil

	case scanVulnMsg:
		m.vulns = append(m.vulns, msg.vuln)
		return m, nil

	case scanDoneMsg:
		m.snap = msg.snap
		m.final = &msg.snap
		return m, tea.Quit
	}

	return m, nil
}

func (m watchModel) View() string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86")).
		Render(fmt.Sprintf("Scan %s", m.scanID))

	status := fmt.Sprintf("Status: %s", styleScanStatus(m.snap.Status))
	progress := renderProgressBar(m.snap.Progress, 40)
	probes := ""
	if m.snap.ProbesTotal > 0 {
		probes = fmt.Sprintf("  Probes: %d/%d", m.snap.ProbesCompleted, m.snap.ProbesTotal)
	}

	lines := []string{
		title,
		"",
		status,
		fmt.Sprintf("%s %3d%%%s", progress, m.snap.Progress, probes),
		fmt.Sprintf("Vulnerabilities found: %d", m.snap.VulnerabilitiesFound),
	}

	for _, v := range lastN(m.vulns, 5) {
		lines = append(lines, "  "+renderVulnLine(v))
	}

	lines = append(lines, "", lipgloss.NewStyle().
		Foreground(lipgloss.Color("245")).
		Render("[q] Quit (scan keeps running)"))

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func styleScanStatus(s scan.Status) string {
	style := lipgloss.NewStyle().Bold(true)
	switch s {
	case scan.StatusCompleted:
		style = style.Foreground(lipgloss.Color("46"))
	case scan.StatusFailed:
		style = style.Foreground(lipgloss.Color("196"))
	case scan.StatusCancelled:
		style = style.Foreground(lipgloss.Color("240"))
	case scan.StatusRunning:
		style = style.Foreground(lipgloss.Color("214"))
	default:
		style = style.Foreground(lipgloss.Color("245"))
	}
	return style.Render(string(s))
}

func renderProgressBar(progress, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	filled := progress * width / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Render(bar)
}

func renderVulnLine(v event.LiveVulnerability) string {
	sevColor := lipgloss.Color("245")
	switch strings.ToLower(v.Severity) {
	case "critical", "high":
		sevColor = lipgloss.Color("196")
	case "medium":
		sevColor = lipgloss.Color("214")
	case "low":
		sevColor = lipgloss.Color("46")
	}
	sev := lipgloss.NewStyle().Bold(true).Foreground(sevColor).Render(strings.ToUpper(v.Severity))
	return fmt.Sprintf("%s %s (%s)", sev, v.ProbeName, v.Category)
}

func lastN(vulns []event.LiveVulnerability, n int) []event.LiveVulnerability {
	if len(vulns) <= n {
		return vulns
	}
	return vulns[len(vulns)-n:]
}

// printScanResults writes a finished scan's summary and findings.
func printScanResults(results api.ScanResults) {
	fmt.Printf("\nScan %s finished: %s\n", results.ScanID, results.Status)
	fmt.Printf("  Probes: %d passed, %d failed of %d  Risk score: %.1f\n",
		results.Summary.Passed, results.Summary.Failed, results.Summary.TotalProbes,
		results.Summary.RiskScore)

	sb := results.Summary.SeverityBreakdown
	if sb.Critical+sb.High+sb.Medium+sb.Low > 0 {
		fmt.Printf("  Severity: %d critical, %d high, %d medium, %d low\n",
			sb.Critical, sb.High, sb.Medium, sb.Low)
	}

	for _, v := range results.Vulnerabilities {
		fmt.Printf("\n  [%s] %s (%s)\n", strings.ToUpper(v.Severity), v.ProbeName, v.Category)
		fmt.Printf("    %s\n", v.Description)
		if v.Recommendation != "" {
			fmt.Printf("    Recommendation: %s\n", v.Recommendation)
		}
	}

	p := results.Pagination
	if p.TotalPages > 1 {
		fmt.Printf("\nPage %d/%d (%d findings). Fetch more with --page.\n",
			p.Page, p.TotalPages, p.TotalItems)
	}
}

// printScanResult writes the final summary after the TUI exits, so it
// survives in the scrollback.
func printScanResult(snap scan.Snapshot, vulns []event.LiveVulnerability) {
	fmt.Printf("\nScan %s finished: %s\n", snap.ScanID, snap.Status)
	fmt.Printf("  Progress: %d%%  Vulnerabilities: %d\n", snap.Progress, snap.VulnerabilitiesFound)
	if snap.ErrorMessage != "" {
		fmt.Printf("  Error: %s\n", snap.ErrorMessage)
	}
	for _, v := range vulns {
		fmt.Printf("  [%s] %s - %s\n", strings.ToUpper(v.Severity), v.ProbeName, v.Description)
	}
}

package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"orafinite.ai/cli/internal/application/services"
	"orafinite.ai/cli/internal/core/event"
	"orafinite.ai/cli/internal/core/feed"
	"orafinite.ai/cli/internal/infrastructure/sse"
	"orafinite.ai/cli/internal/interfaces/di"
)

// DashboardFlags holds command-line flags for the dashboard command.
type DashboardFlags struct {
	StatsHours int
}

// NewDashboardCommand creates the dashboard command.
func NewDashboardCommand(container *di.Container) *cobra.Command {
	flags := &DashboardFlags{}

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Live terminal dashboard for the guard log",
		Long: `Launch an interactive terminal dashboard streaming the guard log of
screened LLM requests in real time.

New events appear at the top of page one as they happen. Browsing older
pages freezes the view; arriving events are counted and folded back in
when you jump to latest.

Examples:
  orafin dashboard                # Live guard log feed
  orafin dashboard --stats-hours 1  # Stats banner over the last hour`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard(container, flags)
		},
	}

	cmd.Flags().IntVar(&flags.StatsHours, "stats-hours", 24, "Window for the stats banner, in hours")

	return cmd
}

// runDashboard starts the terminal dashboard.
func runDashboard(container *di.Container, flags *DashboardFlags) error {
	feedSvc := container.LiveFeed()
	defer feedSvc.Stop()

	model := newDashboardModel(feedSvc, flags)
	program := tea.NewProgram(model, tea.WithAltScreen())

	// Stream callbacks arrive on their own goroutines; Send is the
	// thread-safe way into the update loop.
	feedSvc.SetOnChange(func() {
		program.Send(feedChangedMsg{})
	})

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("dashboard failed: %w", err)
	}
	return nil
}

type feedChangedMsg struct{}

type feedStartedMsg struct{ err error }

type pageLoadedMsg struct{ err error }

// statusFilterCycle is the order the f key steps through.
var statusFilterCycle = []string{"", "threat", "safe"}

// dashboardModel holds the state for the Bubble Tea dashboard.
type dashboardModel struct {
	feed  *services.LiveFeedService
	flags *DashboardFlags

	filterIdx    int
	lastErr      error
	windowWidth  int
	windowHeight int
}

func newDashboardModel(feedSvc *services.LiveFeedService, flags *DashboardFlags) dashboardModel {
	return dashboardModel{
		feed:  feedSvc,
		flags: flags,
	}
}

// Init implements the Bubble Tea init method.
func (m dashboardModel) Init() tea.Cmd {
	return m.startFeedCmd()
}

func (m dashboardModel) startFeedCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := m.feed.Start(ctx); err != nil {
			return feedStartedMsg{err: err}
		}
		return feedStartedMsg{err: m.feed.RefreshStats(ctx, m.flags.StatsHours)}
	}
}

func (m dashboardModel) pageCmd(move func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return pageLoadedMsg{err: move(ctx)}
	}
}

// Update implements the Bubble Tea update method.
func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		m.windowHeight = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case feedChangedMsg:
		// State lives in the service; a change just means re-render.
		return m, nil

	case feedStartedMsg:
		m.lastErr = msg.err
		return m, nil

	case pageLoadedMsg:
		m.lastErr = msg.err
		return m, nil
	}

	return m, nil
}

func (m dashboardModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "n", "right":
		return m, m.pageCmd(m.feed.NextPage)

	case "p", "left":
		return m, m.pageCmd(m.feed.PrevPage)

	case "g":
		return m, m.pageCmd(m.feed.JumpToLatest)

	case "f":
		m.filterIdx = (m.filterIdx + 1) % len(statusFilterCycle)
		status := statusFilterCycle[m.filterIdx]
		return m, m.pageCmd(func(ctx context.Context) error {
			return m.feed.SetFilters(ctx, feed.Filters{Status: status})
		})

	case "r":
		return m, m.pageCmd(func(ctx context.Context) error {
			if err := m.feed.LoadPage(ctx, m.feed.Page()); err != nil {
				return err
			}
			return m.feed.RefreshStats(ctx, m.flags.StatsHours)
		})

	case "c":
		state, _ := m.feed.ConnectionState()
		if state == sse.StateDisconnected {
			m.feed.Reconnect()
		} else {
			m.feed.Stop()
		}
		return m, nil
	}

	return m, nil
}

// View implements the Bubble Tea view method.
func (m dashboardModel) View() string {
	header := m.renderHeader()
	banner := m.renderPendingBanner()
	table := m.renderEventTable()
	footer := m.renderFooter()

	sections := []string{header}
	if banner != "" {
		sections = append(sections, banner)
	}
	sections = append(sections, table, footer)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m dashboardModel) renderHeader() string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86")).
		Render("Orafinite Guard Log")

	line1 := lipgloss.JoinHorizontal(lipgloss.Left,
		title,
		"  ",
		m.renderConnState(),
		"  ",
		m.renderFilter(),
	)

	stats := m.feed.Stats()
	line2 := fmt.Sprintf("Requests: %d | Threats blocked: %d | Safe: %d | Avg latency: %dms",
		stats.TotalRequests,
		stats.ThreatsBlocked,
		stats.SafeRequests,
		stats.AvgLatencyMS,
	)

	if m.lastErr != nil {
		line2 += lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Render(fmt.Sprintf("  error: %v", m.lastErr))
	}

	return lipgloss.JoinVertical(lipgloss.Left, line1, line2, divider())
}

func (m dashboardModel) renderConnState() string {
	state, attempt := m.feed.ConnectionState()

	style := lipgloss.NewStyle().Bold(true)
	label := strings.ToUpper(state.String())
	switch state {
	case sse.StateConnected:
		style = style.Foreground(lipgloss.Color("46"))
	case sse.StateReconnecting:
		style = style.Foreground(lipgloss.Color("214"))
		label = fmt.Sprintf("%s (attempt %d)", label, attempt+1)
	case sse.StateConnecting:
		style = style.Foreground(lipgloss.Color("214"))
	default:
		style = style.Foreground(lipgloss.Color("196"))
	}
	return style.Render(label)
}

func (m dashboardModel) renderFilter() string {
	f := m.feed.Filters()
	if f.Status == "" && f.RequestType == "" {
		return ""
	}
	parts := []string{}
	if f.Status != "" {
		parts = append(parts, "status="+f.Status)
	}
	if f.RequestType != "" {
		parts = append(parts, "type="+f.RequestType)
	}
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("245")).
		Render("filter: " + strings.Join(parts, " "))
}

func (m dashboardModel) renderPendingBanner() string {
	pending := m.feed.PendingCount()
	if pending == 0 {
		return ""
	}
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("214")).
		Render(fmt.Sprintf("  %d new events - press [g] to jump to latest", pending))
}

func (m dashboardModel) renderEventTable() string {
	events := m.feed.Visible()
	if len(events) == 0 {
		return lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Render("\n  No guard log entries. Waiting for traffic...\n")
	}

	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86")).
		Render(fmt.Sprintf("%-8s │ %-6s │ %-5s │ %-10s │ %-7s │ %-15s │ %s",
			"TIME", "VERDICT", "RISK", "TYPE", "LATENCY", "SOURCE", "THREATS"))

	rows := []string{header}

	maxRows := len(events)
	if m.windowHeight > 0 {
		// Header, stats, divider, banner, footer.
		if budget := m.windowHeight - 8; budget > 0 && budget < maxRows {
			maxRows = budget
		}
	}

	for _, e := range events[:maxRows] {
		rows = append(rows, m.renderEventRow(e))
	}

	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (m dashboardModel) renderEventRow(e event.GuardLogEvent) string {
	verdict := "SAFE"
	verdictColor := lipgloss.Color("46")
	if !e.IsSafe {
		verdict = "THREAT"
		verdictColor = lipgloss.Color("196")
	}

	row := fmt.Sprintf("%-8s │ %s │ %-5s │ %-10s │ %-7s │ %-15s │ %s",
		formatClock(e.CreatedAt),
		lipgloss.NewStyle().Bold(true).Foreground(verdictColor).Render(fmt.Sprintf("%-6s", verdict)),
		fmt.Sprintf("%.0f", e.RiskScore),
		truncate(e.RequestType, 10),
		fmt.Sprintf("%dms", e.LatencyMS),
		truncate(e.IPAddress, 15),
		truncate(strings.Join(e.ThreatCategories, ","), 40),
	)
	return row
}

func (m dashboardModel) renderFooter() string {
	info := m.feed.Pagination()
	pagination := fmt.Sprintf("Page %d/%d (%d entries)",
		info.Page, info.TotalPages, info.TotalItems)

	controls := lipgloss.NewStyle().
		Foreground(lipgloss.Color("245")).
		Render("[n/p] Pages | [g] Latest | [f] Filter | [r] Refresh | [c] Connect/Disconnect | [q] Quit")

	return lipgloss.JoinVertical(lipgloss.Left, divider(), pagination, controls)
}

func divider() string {
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Render(strings.Repeat("─", 80))
}

// formatClock renders the HH:MM:SS portion of an RFC 3339 timestamp,
// falling back to the raw value when it doesn't parse.
func formatClock(createdAt string) string {
	ts, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return truncate(createdAt, 8)
	}
	return ts.Format("15:04:05")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

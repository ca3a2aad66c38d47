// Package cli defines the orafin command tree.
package cli

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"orafinite.ai/cli/internal/interfaces/di"
)

var (
	Version   = "dev"     // Overridden by ldflags
	BuildTime = "unknown" // Overridden by ldflags
)

// NewRootCommand builds the base command when called without any
// subcommands.
func NewRootCommand(container *di.Container) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orafin",
		Short: "Orafinite CLI - LLM security scanning and guard monitoring",
		Long: `Orafinite CLI is a terminal client for the Orafinite LLM security
platform. It runs vulnerability scans against model endpoints, follows
their progress live, and streams the guard log of screened requests
into an interactive dashboard.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return applyOverrides(cmd, container)
		},
	}

	rootCmd.SetVersionTemplate(fmt.Sprintf("{{.Name}} version {{.Version}}\nBuild time: %s\nGo version: %s\nPlatform: %s/%s\n",
		BuildTime, goVersion(), runtime.GOOS, runtime.GOARCH))

	rootCmd.PersistentFlags().String("api-url", "", "Backend API URL (default from ORAFINITE_API_URL)")
	rootCmd.PersistentFlags().String("session-token", "", "Session token for API authentication")
	rootCmd.PersistentFlags().String("log-file", "", "Log file path (default $HOME/.orafinite/orafin.log)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(NewDashboardCommand(container))
	rootCmd.AddCommand(NewScanCommand(container))
	rootCmd.AddCommand(NewLogsCommand(container))

	return rootCmd
}

// goVersion returns the Go version used to build the binary.
func goVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.GoVersion
	}
	return "unknown"
}

// applyOverrides pushes explicitly set persistent flags into the
// container before any command runs.
func applyOverrides(cmd *cobra.Command, container *di.Container) error {
	if cmd.Flags().Changed("api-url") {
		apiURL, _ := cmd.Flags().GetString("api-url")
		container.ApplyAPIURLOverride(apiURL)
	}
	if cmd.Flags().Changed("session-token") {
		token, _ := cmd.Flags().GetString("session-token")
		container.ApplySessionTokenOverride(token)
	}

	logFile, _ := cmd.Flags().GetString("log-file")
	level := ""
	if debugFlag, _ := cmd.Flags().GetBool("debug"); debugFlag {
		level = "debug"
	}
	if logFile != "" || level != "" {
		if err := container.ApplyLogOverrides(logFile, level); err != nil {
			return fmt.Errorf("failed to reconfigure logging: %w", err)
		}
	}
	return nil
}

// Execute runs the root command and exits non-zero on error.
func Execute(container *di.Container) {
	rootCmd := NewRootCommand(container)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

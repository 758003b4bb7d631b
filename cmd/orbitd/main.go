// Orbitd runs feature requests through research, planning and
// implementation agents and opens a pull request with the result.
//
// Usage:
//
//	# Start the daemon with ~/.config/orbitd/config.yaml
//	orbitd serve
//
//	# Use an in-process NATS server and a custom config file
//	ORBITD_NATS_EMBEDDED=true orbitd serve --config ./orbitd.yaml
//
//	# Check agent definitions before deploying them
//	orbitd agents validate ./agents
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "orbitd",
	Short: "Agent orchestration daemon",
	Long: `orbitd drives a feature request through research, planning and
implementation phases, each run by tool-using agents, and finalizes the
result as a GitHub pull request.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/orbitd/config.yaml)")
	rootCmd.AddCommand(serveCmd, mcpCmd, agentsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "orbitd by Fyrsmith Labs\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/orbitd/internal/config"
	"github.com/fyrsmithlabs/orbitd/internal/logging"
	"github.com/fyrsmithlabs/orbitd/internal/mcp"
)

var daemonURL string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP over stdio, delegating to a running daemon",
	Long: `Serve the orbitd tools over the MCP stdio transport. Every tool call is
forwarded to the orbitd HTTP API, so a daemon must be running.

Examples:
  # Use the daemon address from the config file
  orbitd mcp

  # Point at a remote daemon
  orbitd mcp --daemon http://10.0.0.5:8420`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		url := daemonURL
		if url == "" {
			cfg, err := config.LoadWithFile(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			url = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
		}

		// stdout carries the protocol, so nothing else may write to it.
		srv, err := mcp.NewServer(mcp.Config{
			DaemonURL: url,
			Version:   version,
			Logger:    logging.NewNop(),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "orbitd mcp started (delegating to daemon at %s)\n", url)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return srv.Run(ctx)
	},
}

func init() {
	mcpCmd.Flags().StringVar(&daemonURL, "daemon", "", "orbitd HTTP API URL (default from server.host and server.port)")
}

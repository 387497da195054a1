package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	ConfigPath string
	Port       int
	NoAgent    bool
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "agentd",
		Short: "Supervised agent runner with a health endpoint",
		Long: `Agentd runs a long-lived agent worker under supervision and exposes
liveness/readiness over HTTP for an external orchestrator to poll.

Examples:
  agentd serve                      # Run with env-only configuration
  agentd serve --config=agentd.toml # Run with a TOML config file
  agentd serve --port=9090          # Override the HTTP listen port`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")

	return root
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agentd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("agentd", version)
		},
	}
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the agent under supervision with the health server",
		Long: `Start the supervised agent worker and the health HTTP server.
The health server always starts, even when environment validation fails, so
the orchestrator can observe the failure reason instead of a dead endpoint.

Examples:
  agentd serve
  agentd serve agentd.toml
  agentd serve --no-agent           # Health surface only, worker not started`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(serveFlags)
		},
	}

	cmd.Flags().IntVar(&serveFlags.Port, "port", 0, "HTTP listen port (overrides PORT env and config)")
	cmd.Flags().BoolVar(&serveFlags.NoAgent, "no-agent", false, "serve health endpoints without starting the worker")

	return cmd
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DatanoiseTV/tabitha/internal/config"
	"github.com/DatanoiseTV/tabitha/internal/logging"
)

// version is set at build time.
var version = "dev"

var (
	cfg    *config.Config
	logger *zap.Logger

	debugFlag   bool
	browserFlag string
	httpFlag    string
	demoFlag    bool
	noStdioFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "tabitha",
	Short: "Tabitha - a conversational assistant for your browser tabs",
	Long: `Tabitha understands requests about your browser tabs ("open my cover letter",
"close all youtube tabs", "what doc was I editing yesterday?") and acts on them.

Run "tabitha serve" to expose it over MCP and HTTP, or "tabitha repl" to try it
from a terminal.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(nil)
		if err != nil {
			return err
		}
		if debugFlag {
			cfg.Debug = true
		}
		if browserFlag != "" {
			cfg.Browser = browserFlag
		}
		if httpFlag != "" {
			cfg.HTTPAddr = httpFlag
		}
		logger, err = logging.New(cfg.Debug)
		if err != nil {
			return err
		}
		zap.ReplaceGlobals(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP on stdio and the HTTP API",
	Long: `Starts the assistant. MCP clients talk to it on stdin/stdout; the browser
extension and other clients use the HTTP API:

  POST /api/message              one protocol message
  POST /api/cancel/{requestID}   cancel an in-flight request
  GET  /healthz                  liveness
  GET  /metrics                  Prometheus counters
  GET  /bridge                   extension websocket (browser: bridge)`,
	RunE: runServe,
}

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Talk to the assistant from a terminal",
	RunE:  runREPL,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("tabitha", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&browserFlag, "browser", "", "Browser backend: memory, bridge, or cdp")
	serveCmd.Flags().StringVar(&httpFlag, "http", "", "HTTP listen address (empty keeps the configured one)")
	serveCmd.Flags().BoolVar(&noStdioFlag, "no-stdio", false, "Serve HTTP only")
	replCmd.Flags().BoolVar(&demoFlag, "demo", false, "Seed the in-memory browser with sample tabs")

	rootCmd.AddCommand(serveCmd, replCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

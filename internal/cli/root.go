// Package cli implements the gatectl commands.
package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"gatekeeper/internal/client"
)

var (
	// Version is set at build time
	Version = "dev"

	// Global flags
	cfgServer string
	cfgAPIKey string
	cfgTrace  bool
	cfgJSON   bool

	// Colors for output
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
	warnColor    = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	dimColor     = color.New(color.Faint)
)

// Exit codes
const (
	ExitSuccess         = 0
	ExitValidationError = 1
	ExitNetworkError    = 2
)

// RootCmd is the root command for gatectl.
var RootCmd = &cobra.Command{
	Use:   "gatectl",
	Short: "gatectl - operator CLI for the gatekeeper preflight service",
	Long: `gatectl runs preflight checks against a gatekeeper server and manages
its abuse state, deny-list and audit records.

Configuration can be provided via:
  - Command-line flags (highest priority)
  - Environment variables (GATECTL_SERVER, GATECTL_API_KEY)
  - Config file (~/.gatectl/config.yaml)`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgServer, "server", "", "gatekeeper server URL (default: http://localhost:8080)")
	RootCmd.PersistentFlags().StringVar(&cfgAPIKey, "api-key", "", "API key for authentication")
	RootCmd.PersistentFlags().BoolVar(&cfgTrace, "trace", false, "Print HTTP request/response metadata")
	RootCmd.PersistentFlags().BoolVar(&cfgJSON, "json", false, "Output raw JSON response")

	RootCmd.AddCommand(pingCmd)
	RootCmd.AddCommand(checkCmd)
	RootCmd.AddCommand(checksCmd)
	RootCmd.AddCommand(abuseCmd)
	RootCmd.AddCommand(denylistCmd)
	RootCmd.AddCommand(auditCmd)
	RootCmd.AddCommand(policyCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() {
	client.Version = Version
	if err := RootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(ExitNetworkError)
	}
}

// loadConfig loads configuration with flag overrides.
func loadConfig() (*Config, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	if cfgServer != "" {
		cfg.Server = cfgServer
	}
	if cfgAPIKey != "" {
		cfg.APIKey = cfgAPIKey
	}
	cfg.Trace = cfgTrace || cfg.Trace
	cfg.JSON = cfgJSON || cfg.JSON
	cfgJSON = cfg.JSON

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newClient creates a new API client from config.
func newClient(cfg *Config) *client.Client {
	var opts []client.Option
	if cfg.Trace {
		opts = append(opts, client.WithTrace(os.Stderr))
	}
	return client.New(cfg.Server, cfg.APIKey, opts...)
}

// mustClient loads config and builds a client, exiting on bad config.
func mustClient() *client.Client {
	cfg, err := loadConfig()
	if err != nil {
		printError("%v", err)
		os.Exit(ExitValidationError)
	}
	return newClient(cfg)
}

// Output helpers

func printSuccess(format string, args ...any) {
	if cfgJSON {
		return
	}
	successColor.Fprintf(os.Stdout, "✓ "+format+"\n", args...)
}

func printError(format string, args ...any) {
	errorColor.Fprintf(os.Stderr, "✗ "+format+"\n", args...)
}

func printWarn(format string, args ...any) {
	if cfgJSON {
		return
	}
	warnColor.Fprintf(os.Stderr, "⚠ "+format+"\n", args...)
}

func printJSON(data []byte) {
	fmt.Fprintln(os.Stdout, string(data))
}

func printKeyValue(key, value string) {
	if cfgJSON {
		return
	}
	fmt.Fprintf(os.Stdout, "  %-20s %s\n", key+":", value)
}

func printSection(title string) {
	if cfgJSON {
		return
	}
	fmt.Fprintf(os.Stdout, "\n%s\n", infoColor.Sprint(title))
}

// fail reports a request error and exits with the network exit code.
func fail(what string, err error) {
	printError("%s: %v", what, err)
	os.Exit(ExitNetworkError)
}

// Package cli implements the orca command-line interface.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/emily-flambe/orca-sub000/internal/config"
)

var (
	cfgFile string
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "orca",
	Short: "Agent orchestrator driven by your issue tracker",
	Long: `orca drives AI coding-agent sessions against tasks synced from an
issue tracker. Ready issues are implemented on isolated git worktrees,
reviewed, fixed until approved, and delivered as pull requests.

Quick start:
  orca start                 Run the orchestrator
  orca status                Show tasks and orchestrator state
  orca status --watch        Live dashboard
  orca add EMI-42 "prompt"   Register a task without a tracker`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Exit codes: 0 success, 1 runtime failure, 2 usage error.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return ExitOK
	}
	PrintError(err)
	// Flag and argument mistakes exit 2 so scripts can tell them from
	// runtime failures.
	if isUsageError(err) {
		return ExitUsage
	}
	return ExitError
}

func isUsageError(err error) bool {
	var usage *usageError
	if errors.As(err, &usage) {
		return true
	}
	return strings.Contains(err.Error(), "unknown command")
}

// usageError marks argument validation failures raised by commands.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageErrorf("%v", err)
	})

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.orca/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newAddCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initViper wires the ORCA_ environment for the client-side commands
// (status, sync) that only need the daemon address, without loading the
// full orchestrator config.
func initViper() {
	viper.SetEnvPrefix("ORCA")
	viper.AutomaticEnv()
	viper.SetDefault("port", config.Default().Port)
}

// loadConfig builds the effective configuration for commands that need
// more than the daemon address.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newLogger builds the process logger: human-readable text on a
// terminal, JSON when redirected.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

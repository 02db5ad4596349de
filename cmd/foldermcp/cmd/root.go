// Package cmd implements the foldermcp command tree.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/foldermcp/internal/config"
	"github.com/Aman-CERP/foldermcp/internal/logging"
)

// Exit codes.
const (
	ExitOK               = 0
	ExitUsage            = 2
	ExitDaemonNotRunning = 3
	ExitInternal         = 4
)

// errDaemonNotRunning tags failures caused by an absent daemon so Execute
// can map them to the right exit code.
var errDaemonNotRunning = errors.New("daemon is not running")

var (
	flagDebug  bool
	loadedCfg  *config.Config
	logCleanup func()
)

var rootCmd = &cobra.Command{
	Use:   "foldermcp",
	Short: "Semantic folder search for MCP clients",
	Long: `foldermcp watches folders, indexes their documents with embedding
models, and serves semantic search to MCP clients. The daemon owns the
indexes; this CLI manages the daemon over its control socket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		loadedCfg = cfg

		logCfg := logging.DefaultConfig()
		logCfg.Level = cfg.Daemon.LogLevel
		if flagDebug {
			logCfg.Level = "debug"
		}
		// The MCP transport owns stdout and the CLI prints to it; logs go
		// to the file only.
		logCfg.WriteToStderr = false

		logger, cleanup, err := logging.Setup(logCfg)
		if err != nil {
			return err
		}
		logCleanup = cleanup
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCleanup != nil {
			logCleanup()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
}

// Execute runs the command tree and maps failures onto exit codes.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return ExitOK
	}

	fmt.Fprintln(os.Stderr, "Error:", err)

	switch {
	case errors.Is(err, errDaemonNotRunning) || strings.Contains(err.Error(), "not reachable"):
		return ExitDaemonNotRunning
	case isUsageError(err):
		return ExitUsage
	default:
		fmt.Fprintln(os.Stderr, "Log:", logging.DefaultLogPath())
		return ExitInternal
	}
}

// isUsageError identifies argument and flag mistakes.
func isUsageError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unknown command") ||
		strings.Contains(msg, "unknown flag") ||
		strings.Contains(msg, "accepts") ||
		strings.Contains(msg, "requires") ||
		strings.Contains(msg, "is required")
}

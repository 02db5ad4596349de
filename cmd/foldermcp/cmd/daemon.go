package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/foldermcp/internal/daemon"
	"github.com/Aman-CERP/foldermcp/internal/logging"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the background indexing daemon",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := daemon.NewClient(loadedCfg.Daemon.SocketPath)
		if err := client.Shutdown(cmd.Context()); err != nil {
			return fmt.Errorf("%w: %v", errDaemonNotRunning, err)
		}
		fmt.Println("daemon stopping")
		return nil
	},
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd)
	rootCmd.AddCommand(daemonCmd)
}

// runDaemon is the daemon main loop: stale-process cleanup, orchestrator,
// control server, signal handling, ordered shutdown.
func runDaemon() error {
	pidFile := daemon.NewPIDFile(loadedCfg.Daemon.PIDFile)

	// A stale daemon still holding native modules makes healthy stores
	// look corrupt; it dies before any store opens.
	if err := pidFile.TerminateStale(); err != nil {
		return fmt.Errorf("stale daemon cleanup: %w", err)
	}
	if err := pidFile.Write(); err != nil {
		return err
	}
	defer func() { _ = pidFile.Remove() }()

	// Panics become a crash log plus a clean shutdown, not a silent death.
	var orch *daemon.Orchestrator
	defer func() {
		if r := recover(); r != nil {
			crash := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
			_ = os.WriteFile(logging.CrashLogPath(), []byte(crash), 0o644)
			slog.Error("daemon panicked", slog.String("crash_log", logging.CrashLogPath()))
			if orch != nil {
				orch.Shutdown()
			}
			panic(r)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch = daemon.NewOrchestrator(loadedCfg)
	if err := orch.Start(ctx); err != nil {
		return err
	}

	server := daemon.NewServer(loadedCfg.Daemon.SocketPath, orch)
	server.OnShutdownRequest(cancel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	err := server.ListenAndServe(ctx)

	// Stores close before the process exits, always.
	orch.Shutdown()

	if err == context.Canceled {
		return nil
	}
	return err
}

package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/foldermcp/internal/daemon"
	"github.com/Aman-CERP/foldermcp/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP over stdio",
	Long: `Runs the full indexing stack in-process and serves the MCP tool
surface over stdio. Configured folders are restored from the registry; the
client should run one instance and let it own the folder stores.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		orch := daemon.NewOrchestrator(loadedCfg)
		if err := orch.Start(ctx); err != nil {
			return err
		}
		defer orch.Shutdown()

		server, err := mcp.NewServer(orch)
		if err != nil {
			return err
		}

		err = server.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean signal shutdown
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

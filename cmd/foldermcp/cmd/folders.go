package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/foldermcp/internal/daemon"
)

var addModel string

var addCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Add a folder to the index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := daemon.NewClient(loadedCfg.Daemon.SocketPath)
		res, err := client.AddFolder(cmd.Context(), args[0], addModel)
		if err != nil {
			return wrapDaemonErr(err)
		}
		fmt.Printf("added %s\n", res.Path)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <path>",
	Short: "Remove a folder from the index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := daemon.NewClient(loadedCfg.Daemon.SocketPath)
		res, err := client.RemoveFolder(cmd.Context(), args[0])
		if err != nil {
			return wrapDaemonErr(err)
		}
		fmt.Printf("removed %s\n", res.Path)
		return nil
	},
}

var reindexModel string

var reindexCmd = &cobra.Command{
	Use:   "reindex <path>",
	Short: "Rebuild a folder's embeddings, optionally under a new model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := daemon.NewClient(loadedCfg.Daemon.SocketPath)
		res, err := client.ReindexFolder(cmd.Context(), args[0], reindexModel)
		if err != nil {
			return wrapDaemonErr(err)
		}
		fmt.Printf("reindexing %s\n", res.Path)
		return nil
	},
}

func init() {
	addCmd.Flags().StringVar(&addModel, "model", "", "embedding model id (default: curated default)")
	reindexCmd.Flags().StringVar(&reindexModel, "model", "", "switch to this embedding model")
	rootCmd.AddCommand(addCmd, removeCmd, reindexCmd)
}

// wrapDaemonErr passes daemon errors through unchanged; Execute maps
// connection failures to the exit code by the client's "not reachable" text.
func wrapDaemonErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w", err)
}

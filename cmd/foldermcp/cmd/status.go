package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/foldermcp/internal/daemon"
	"github.com/Aman-CERP/foldermcp/internal/model"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print daemon diagnostics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := daemon.NewClient(loadedCfg.Daemon.SocketPath)
		diag, err := client.Diagnostics(cmd.Context())
		if err != nil {
			return fmt.Errorf("%w: %v", errDaemonNotRunning, err)
		}

		if statusJSON || !isatty.IsTerminal(os.Stdout.Fd()) {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(diag)
		}

		fmt.Printf("foldermcp %s, up %s\n", diag.Version, diag.Uptime)
		fmt.Printf("hardware: %s, %d cores, %.1f GB RAM, gpu=%s\n",
			diag.Hardware.OS, diag.Hardware.CPUCores, diag.Hardware.RAMGB, diag.Hardware.GPU.Kind)
		fmt.Printf("model cache: %s (%d bytes)\n", diag.ModelCacheDir, diag.ModelCacheSize)
		fmt.Printf("folders (%d open stores):\n", diag.OpenStores)
		for _, f := range diag.Folders {
			line := fmt.Sprintf("  %-10s %s  model=%s", f.Status, f.Path, f.Model)
			if f.ActiveBackend != "" {
				line += "  backend=" + f.ActiveBackend
			}
			fmt.Println(line)
			if f.Error != "" {
				fmt.Printf("             error: %s\n", f.Error)
			}
		}
		return nil
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the curated embedding models",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, m := range model.List() {
			marker := " "
			if m.ID == model.DefaultModelID {
				marker = "*"
			}
			fmt.Printf("%s %-16s %4d dims  %-4s  ~%d MB  %s\n",
				marker, m.ID, m.Dimensions, m.Quantization, m.SizeBytes/1_000_000, m.DisplayName)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
	rootCmd.AddCommand(statusCmd, modelsCmd)
}

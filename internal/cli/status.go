package cli

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marlow/overseer/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	pidFile := pidFilePath()

	data, err := os.ReadFile(pidFile)
	if err != nil {
		fmt.Println("Daemon: not running")
		return nil
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		fmt.Println("Daemon: unknown (corrupt PID file)")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err == nil && process.Signal(syscall.Signal(0)) == nil {
		fmt.Printf("Daemon: running (PID %d)\n", pid)
	} else {
		fmt.Println("Daemon: not running (stale PID file)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil
	}

	fmt.Printf("Config: %s\n", config.NewLoader(cfgFile).GetConfigPath())
	fmt.Printf("Agents: %d configured\n", len(cfg.Agents))
	if cfg.Gateway.Enabled {
		fmt.Printf("Gateway: ws://%s:%d/ws\n", cfg.Gateway.Host, cfg.Gateway.Port)
	} else {
		fmt.Println("Gateway: disabled")
	}

	return nil
}

package cli

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running overseer daemon",
	RunE:  runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pidFile := pidFilePath()

	data, err := os.ReadFile(pidFile)
	if err != nil {
		return fmt.Errorf("daemon does not appear to be running (no PID file at %s)", pidFile)
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("invalid PID file contents: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidFile)
		return fmt.Errorf("process %d is not running: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to daemon (PID %d)\n", pid)

	// Give the daemon a moment to clean up its PID file
	for i := 0; i < 50; i++ {
		if process.Signal(syscall.Signal(0)) != nil {
			fmt.Println("Daemon stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Println("Daemon is still shutting down")
	return nil
}

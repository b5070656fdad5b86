package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd)
	stopCmd.Flags().Duration("wait", 15*time.Second, "how long to wait for pending writes to flush and the daemon to exit")
}

var errNoDaemon = errors.New("no running daemon")

// daemonProcess resolves the PID file to a live process.
func daemonProcess() (*os.Process, error) {
	cfg := loadConfig()
	data, err := os.ReadFile(pidFilePath(cfg.DataDir))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w (PID file not found)", errNoDaemon)
	}
	if err != nil {
		return nil, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid PID file content: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("find process %d: %w", pid, err)
	}
	if !alive(proc) {
		return nil, fmt.Errorf("%w (process %d not found)", errNoDaemon, pid)
	}
	return proc, nil
}

func alive(proc *os.Process) bool {
	return proc.Signal(syscall.Signal(0)) == nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon after it flushes pending writes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		proc, err := daemonProcess()
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("send SIGTERM: %w", err)
		}

		wait, _ := cmd.Flags().GetDuration("wait")
		deadline := time.Now().Add(wait)
		for alive(proc) {
			if time.Now().After(deadline) {
				return fmt.Errorf("daemon (PID %d) still running after %s", proc.Pid, wait)
			}
			time.Sleep(100 * time.Millisecond)
		}
		fmt.Fprintf(os.Stdout, "Daemon (PID %d) stopped.\n", proc.Pid)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running daemon in place",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		proc, err := daemonProcess()
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGHUP); err != nil {
			return fmt.Errorf("send SIGHUP: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Sent SIGHUP to daemon (PID %d) for restart.\n", proc.Pid)
		return nil
	},
}

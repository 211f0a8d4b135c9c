package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/forgepool/forgepool/internal/daemon"
)

var (
	daemonPidPath    string
	daemonLogPath    string
	daemonReadyText  string
	daemonReadyRegex string
	daemonTimeout    time.Duration
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Detach a process into the background and wait for it to report ready",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Daemonize the current process",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := daemon.Options{
			ReopenStdio: true,
			Chdir:       true,
			Timeout:     daemonTimeout,
			LogPath:     daemonLogPath,
			ReadyPhrase: daemonReadyText,
			ReadyRegexp: daemonReadyRegex,
			PidPath:     daemonPidPath,
		}
		if daemonLogPath != "" {
			opts.Strategy = daemon.StrategyLogWatch
		}

		pid, err := daemon.Start(opts)
		if err != nil {
			return err
		}

		if daemonPidPath != "" {
			if err := os.WriteFile(daemonPidPath, []byte(fmt.Sprintf("%d\n", pid)), 0640); err != nil {
				return fmt.Errorf("write pidfile: %w", err)
			}
		}

		color.New(color.FgGreen).Fprintf(os.Stdout, "daemon started, pid=%d\n", pid)
		return nil
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Send SIGTERM (then SIGKILL on timeout) to a daemonized pidfile's process",
	RunE: func(cmd *cobra.Command, args []string) error {
		if daemonPidPath == "" {
			return fmt.Errorf("--pidfile is required")
		}
		data, err := os.ReadFile(daemonPidPath)
		if err != nil {
			return err
		}
		var pid int
		if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
			return fmt.Errorf("parse pidfile %s: %w", daemonPidPath, err)
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return err
		}

		deadline := time.Now().Add(daemonTimeout)
		for time.Now().Before(deadline) {
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				os.Remove(daemonPidPath)
				color.New(color.FgGreen).Fprintln(os.Stdout, "stopped")
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}

		_ = proc.Signal(syscall.SIGKILL)
		os.Remove(daemonPidPath)
		color.New(color.FgYellow).Fprintln(os.Stdout, "killed after timeout")
		return nil
	},
}

func init() {
	daemonStartCmd.Flags().StringVar(&daemonPidPath, "pidfile", "", "Where to write the daemon's pid")
	daemonStartCmd.Flags().StringVar(&daemonLogPath, "logfile", "", "Log file to watch for the ready phrase")
	daemonStartCmd.Flags().StringVar(&daemonReadyText, "ready-phrase", "", "Literal substring indicating readiness")
	daemonStartCmd.Flags().StringVar(&daemonReadyRegex, "ready-pattern", "", "Regular expression indicating readiness")
	daemonStartCmd.Flags().DurationVar(&daemonTimeout, "timeout", 10*time.Second, "How long to wait for readiness before escalating")

	daemonStopCmd.Flags().StringVar(&daemonPidPath, "pidfile", "", "Pidfile naming the daemon to stop")
	daemonStopCmd.Flags().DurationVar(&daemonTimeout, "timeout", 10*time.Second, "Grace period before SIGKILL")

	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd)
	rootCmd.AddCommand(daemonCmd)
}

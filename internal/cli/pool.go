package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/forgepool/forgepool/internal/pidfile"
	"github.com/forgepool/forgepool/internal/pool"
)

var (
	poolWorkers          int
	poolHeartbeatTimeout time.Duration
	poolHeartbeatPeriod  time.Duration
	poolShutdownTimeout  time.Duration
	poolEntrypoint       string
	poolMinWorkers       int
	poolMaxWorkers       int
	poolPidDir           string
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Manage a prefork worker pool",
}

var poolStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a worker pool and block until it is told to stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		if poolEntrypoint == "" {
			return fmt.Errorf("--entrypoint is required")
		}
		os.Setenv(envEntrypointPath, poolEntrypoint)

		p, err := pool.New(pool.Config{
			Capability:        entrypointCapability(),
			CapabilityName:    entrypointCapabilityName,
			HeartbeatInterval: poolHeartbeatPeriod,
			HeartbeatTimeout:  poolHeartbeatTimeout,
			ShutdownTimeout:   poolShutdownTimeout,
			MinWorkers:        poolMinWorkers,
			MaxWorkers:        poolMaxWorkers,
		})
		if err != nil {
			return err
		}

		pf := pidfile.New("forgepoolctl", poolPidDir, 0)
		if err := pf.Write(os.Getpid()); err != nil {
			return fmt.Errorf("write pidfile: %w", err)
		}
		defer pf.Delete()

		if err := p.Start(poolWorkers); err != nil {
			return err
		}
		color.New(color.FgGreen).Fprintf(os.Stdout, "started %d worker(s), entrypoint=%s\n", poolWorkers, poolEntrypoint)

		waitForSignal()

		color.New(color.FgYellow).Fprintln(os.Stdout, "stopping pool...")
		return p.Stop()
	},
}

var poolStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a forgepoolctl pool process is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		pf := pidfile.New("forgepoolctl", poolPidDir, 0)
		pid, err := pf.PID()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return printStatus(map[string]any{"running": false})
			}
			return err
		}

		alive, err := pf.Alive()
		if err != nil {
			return err
		}
		return printStatus(map[string]any{"running": alive, "pid": pid})
	},
}

func printStatus(v map[string]any) error {
	if jsonOutput {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	if running, _ := v["running"].(bool); running {
		fmt.Printf("running, pid=%v\n", v["pid"])
	} else {
		fmt.Println("not running")
	}
	return nil
}

func init() {
	poolStartCmd.Flags().IntVar(&poolWorkers, "workers", 1, "Number of workers to start")
	poolStartCmd.Flags().DurationVar(&poolHeartbeatTimeout, "heartbeat-timeout", 5*time.Second, "Heartbeat reply timeout")
	poolStartCmd.Flags().DurationVar(&poolHeartbeatPeriod, "heartbeat-interval", time.Second, "Interval between heartbeat rounds")
	poolStartCmd.Flags().DurationVar(&poolShutdownTimeout, "shutdown-timeout", 5*time.Second, "Grace period before escalating to SIGKILL")
	poolStartCmd.Flags().StringVar(&poolEntrypoint, "entrypoint", "", "Path to the executable each worker runs per heartbeat round")
	poolStartCmd.Flags().IntVar(&poolMinWorkers, "min-workers", 0, "Minimum worker floor enforced by EnsureSize")
	poolStartCmd.Flags().IntVar(&poolMaxWorkers, "max-workers", 0, "Maximum worker ceiling enforced by AddWorkers")
	poolStartCmd.Flags().StringVar(&poolPidDir, "pid-dir", "/var/run", "Directory for forgepoolctl's own pidfile")
	poolStatusCmd.Flags().StringVar(&poolPidDir, "pid-dir", "/var/run", "Directory for forgepoolctl's own pidfile")

	poolCmd.AddCommand(poolStartCmd, poolStatusCmd)
	rootCmd.AddCommand(poolCmd)
}

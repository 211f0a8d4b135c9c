// Package runner implements the Child external collaborator (spec §4.E):
// running an arbitrary external command to completion with a bounded
// timeout and a configurable signal-escalation sequence, independent of
// the heartbeat-protocol children internal/worker supervises.
//
// Grounded on Worker.Stop's graceful-signal-then-timeout-then-SIGKILL
// shape, generalized from a single fixed escalation step to a
// configurable sequence of signals separated by a configurable pause, and
// on sysmon/pidfile's shared use of gopsutil/v3/process.PidExists for the
// "has it actually gone" check after a signal.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/forgepool/forgepool/internal/ferrors"
)

// Options configures one Run call's timeout and escalation sequence.
type Options struct {
	// Timeout bounds how long the command may run before escalation
	// begins; escalation then takes up to len(Signals) × Suspend more.
	// Zero means no timeout (Run blocks until the command exits on its own
	// or ctx is canceled).
	Timeout time.Duration

	// Signals is the escalation sequence sent, in order, to a command
	// that hasn't exited by the time Timeout (or ctx) fires. Defaults to
	// [SIGTERM, SIGQUIT, SIGKILL].
	Signals []os.Signal

	// Suspend is the pause between escalation steps. Defaults to 2s.
	Suspend time.Duration
}

func (o Options) withDefaults() Options {
	if len(o.Signals) == 0 {
		o.Signals = defaultEscalation()
	}
	if o.Suspend <= 0 {
		o.Suspend = 2 * time.Second
	}
	return o
}

// Run executes name with args to completion. If the command has not
// exited by Timeout (or ctx is canceled first), Run sends each signal in
// Signals in turn, pausing Suspend between them, polling process liveness
// via gopsutil after each, and gives up escalating once the process is
// confirmed gone. Run returns the command's own exit error, if any, once
// it has actually exited; if escalation exhausts every signal and the
// process is still alive, it returns ferrors.ErrTimeout.
func Run(ctx context.Context, name string, args []string, opts Options) error {
	opts = opts.withDefaults()

	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("runner: start %s: %w", name, err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-waitErr:
		return err
	case <-ctx.Done():
	case <-timeoutCh:
	}

	return escalate(cmd, opts, waitErr)
}

func escalate(cmd *exec.Cmd, opts Options, waitErr chan error) error {
	pid := cmd.Process.Pid

	for _, sig := range opts.Signals {
		_ = cmd.Process.Signal(sig)

		select {
		case err := <-waitErr:
			return err
		case <-time.After(opts.Suspend):
		}

		alive, err := process.PidExists(int32(pid))
		if err == nil && !alive {
			select {
			case err := <-waitErr:
				return err
			default:
				return nil
			}
		}
	}

	return fmt.Errorf("runner: %s (pid %d) survived full escalation: %w", cmd.Path, pid, ferrors.ErrTimeout)
}

func defaultEscalation() []os.Signal {
	return []os.Signal{terminateSig(), quitSig(), killSig()}
}

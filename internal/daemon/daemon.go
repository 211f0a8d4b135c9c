// Package daemon implements the Daemon external collaborator (spec
// §4.E): detaching a process via piper.Daemonize, then waiting for it to
// report readiness through one of two caller-selected strategies before
// Start returns.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/forgepool/forgepool/internal/ferrors"
	"github.com/forgepool/forgepool/internal/piper"
)

// Strategy selects how Start decides the detached child is ready.
type Strategy int

const (
	// StrategyAlive polls the PID for existence.
	StrategyAlive Strategy = iota
	// StrategyLogWatch waits for a phrase to appear in a log file after
	// the byte offset recorded when the watch began.
	StrategyLogWatch
)

// Options controls one Start call.
type Options struct {
	Chdir       bool
	ReopenStdio bool
	Umask       *int

	Strategy Strategy
	Timeout  time.Duration

	// Used when Strategy == StrategyLogWatch.
	LogPath     string
	ReadyPhrase string // literal substring; ignored when ReadyRegexp is set
	ReadyRegexp string // regular expression

	// PidPath, if set, is checked before daemonizing: if it already names
	// a live process, Start fails with ferrors.ErrAlreadyStarted instead
	// of forking a second daemon on top of it.
	PidPath string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	return o
}

// Start daemonizes the current process (piper.Daemonize) and, in the
// original foreground caller, blocks until the detached grandchild reports
// readiness or Timeout elapses. On success it returns the grandchild's
// PID. On timeout it escalates SIGTERM then SIGKILL to the orphaned
// grandchild before returning an ErrTimeout.
//
// piper.Daemonize re-execs this same binary twice (a throwaway
// intermediate stage, then the detached daemon itself), so Start runs
// again — via the host program's ordinary main() — in every stage. Only
// the original foreground invocation performs the readiness wait; once
// piper.Daemonize returns a Piper with IsDaemonSelf true, this call IS the
// detached daemon, and Start returns immediately so the host program's
// main() can continue on as the daemon body (waiting on itself here would
// deadlock: it would be polling for a readiness line it has not logged
// yet).
//
// The foreground caller's readiness token is set via os.Setenv before
// Daemonize runs so it is inherited across both re-exec stages: under
// StrategyLogWatch against a log file shared by concurrent daemon starts,
// a daemon body that logs FORGEPOOL_DAEMON_TOKEN (read from its own
// environment) alongside its ready phrase prevents one caller's readiness
// marker from being mistaken for another's. The token comes from
// uuid.NewString.
func Start(opts Options) (int, error) {
	opts = opts.withDefaults()

	if opts.PidPath != "" {
		if pid, running := alreadyRunning(opts.PidPath); running {
			return 0, fmt.Errorf("daemon: pid %d already running (%s): %w", pid, opts.PidPath, ferrors.ErrAlreadyStarted)
		}
	}

	token := uuid.NewString()
	os.Setenv("FORGEPOOL_DAEMON_TOKEN", token)

	p, err := piper.Daemonize(piper.DaemonizeOptions{
		Chdir:       opts.Chdir,
		ReopenStdio: opts.ReopenStdio,
		Umask:       opts.Umask,
	})
	if err != nil {
		return 0, fmt.Errorf("daemon: detach: %w", err)
	}

	pid := derefPID(p.PID())
	if pid == 0 {
		return 0, fmt.Errorf("daemon: detach returned no pid")
	}

	if p.IsDaemonSelf() {
		return pid, nil
	}

	var ready bool
	switch opts.Strategy {
	case StrategyLogWatch:
		ready, err = waitLogReady(pid, opts, token)
	default:
		ready, err = waitAlive(pid, opts.Timeout)
	}
	if err != nil {
		return 0, err
	}
	if !ready {
		escalate(pid)
		return 0, fmt.Errorf("daemon: startup: %w", ferrors.ErrTimeout)
	}
	return pid, nil
}

// alreadyRunning reports whether pidPath names a file whose recorded PID
// is still alive, mirroring PidFile.Alive's check against an arbitrary
// path rather than one this process itself wrote.
func alreadyRunning(pidPath string) (int, bool) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return 0, false
	}
	return pid, true
}

func waitAlive(pid int, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		exists, err := process.PidExists(int32(pid))
		if err == nil && exists {
			return true, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false, nil
}

func escalate(pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)
	time.Sleep(500 * time.Millisecond)
	if exists, _ := process.PidExists(int32(pid)); exists {
		_ = proc.Kill()
	}
}

func derefPID(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

package piper

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/forgepool/forgepool/internal/ferrors"
	"github.com/forgepool/forgepool/internal/frame"
)

const envDaemonStage = "FORGEPOOL_DAEMON_STAGE"

const daemonizeHandshakeTimeout = 1 * time.Second

// DaemonizeOptions controls what the detached process does to itself
// before Daemonize hands control back to the caller. Chdir and
// ReopenStdio are opt-in; the umask reset is not — a daemon that kept
// whatever umask its interactive launcher happened to have would leak
// that launcher's file-creation mask into unattended runs, so Daemonize
// always resets it. Umask only overrides the value applied (0 when nil),
// it never gates whether the reset happens.
type DaemonizeOptions struct {
	Chdir       bool
	ReopenStdio bool
	Umask       *int
}

// Daemonize is the double-fork substitute: a POSIX daemon() performs one
// fork to escape the parent's process group, setsid(), a second fork so
// the result can never reacquire a controlling terminal, then returns in
// the grandchild alone. Go's runtime rules out a literal fork, so each
// "fork" here is a self-re-exec stage distinguished by an environment
// variable:
//
//   - called with no stage marker (the original foreground invocation):
//     re-execs itself as stage 1, waits for the eventual grandchild's PID
//     over a handshake pipe, and returns a Piper carrying only that PID —
//     the caller is expected to report it and exit shortly after.
//   - stage 1 (the throwaway intermediate): setsid, re-exec again as
//     stage 2, then exit without ever returning to caller code.
//   - stage 2 (the final detached daemon): applies the requested
//     chdir/umask/stdio options, sends its own PID back down the
//     handshake pipe, and returns normally so the hosting program's own
//     main() continues running as the daemon body.
func Daemonize(opts DaemonizeOptions) (*Piper, error) {
	switch os.Getenv(envDaemonStage) {
	case "":
		return daemonizeStageZero(opts)
	case "1":
		daemonizeStageOne()
		panic("piper: daemonize stage 1 returned")
	case "2":
		return daemonizeStageTwo(opts)
	default:
		return nil, fmt.Errorf("piper: daemonize: unrecognized %s", envDaemonStage)
	}
}

func daemonizeStageZero(opts DaemonizeOptions) (*Piper, error) {
	hr, hw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("piper: daemonize: handshake pipe: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		hr.Close()
		hw.Close()
		return nil, fmt.Errorf("piper: daemonize: resolve executable: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), envDaemonStage+"=1")
	cmd.ExtraFiles = []*os.File{hw}

	if err := cmd.Start(); err != nil {
		hr.Close()
		hw.Close()
		return nil, fmt.Errorf("piper: daemonize: start stage 1: %w", err)
	}
	hw.Close()
	defer hr.Close()

	// Stage 1 is a direct child and exits almost immediately after
	// launching stage 2; reap it so it never lingers as a zombie.
	_, _ = cmd.Process.Wait()

	reader := bufio.NewReader(hr)
	frameCh := make(chan frame.Frame, 1)
	errCh := make(chan error, 1)
	go func() {
		f, err := frame.ReadFrame(reader)
		if err != nil {
			errCh <- err
			return
		}
		frameCh <- f
	}()

	select {
	case f := <-frameCh:
		var pid int
		if f.Kind == frame.KindError {
			return nil, &ferrorsChildError{kind: f.Err.Kind, message: f.Err.Message}
		}
		if err := f.Decode(&pid); err != nil {
			return nil, fmt.Errorf("piper: daemonize: decode pid: %w", err)
		}
		return &Piper{pid: &pid}, nil
	case err := <-errCh:
		return nil, fmt.Errorf("piper: daemonize: handshake: %w", err)
	case <-time.After(daemonizeHandshakeTimeout):
		return nil, fmt.Errorf("piper: daemonize: %w", ferrors.ErrTimeout)
	}
}

func daemonizeStageOne() {
	if err := daemonSetsid(); err != nil {
		os.Exit(1)
	}

	exe, err := os.Executable()
	if err != nil {
		os.Exit(1)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), envDaemonStage+"=2")
	cmd.ExtraFiles = []*os.File{os.NewFile(3, "daemon-handshake")}

	if err := cmd.Start(); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func daemonizeStageTwo(opts DaemonizeOptions) (*Piper, error) {
	mask := 0
	if opts.Umask != nil {
		mask = *opts.Umask
	}
	applyUmask(mask)

	if opts.Chdir {
		if err := os.Chdir("/"); err != nil {
			return nil, fmt.Errorf("piper: daemonize: chdir: %w", err)
		}
	}
	if opts.ReopenStdio {
		if err := reopenStdioToDevNull(); err != nil {
			return nil, fmt.Errorf("piper: daemonize: reopen stdio: %w", err)
		}
	}

	pid := os.Getpid()
	hs := os.NewFile(3, "daemon-handshake")
	f, err := frame.NewValue(pid)
	if err != nil {
		return nil, fmt.Errorf("piper: daemonize: encode pid: %w", err)
	}
	if err := frame.WriteFrame(hs, f); err != nil {
		return nil, fmt.Errorf("piper: daemonize: send pid: %w", err)
	}
	hs.Close()

	return &Piper{pid: &pid, isDaemonSelf: true}, nil
}

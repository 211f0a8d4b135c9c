//go:build windows

package piper

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// applyChildProcAttrs is a no-op on Windows; job objects would be the
// equivalent of a process group but need golang.org/x/sys/windows beyond
// what this package already imports.
func applyChildProcAttrs(cmd *exec.Cmd) {}

// daemonSetsid has no Windows equivalent; Windows services are detached
// through the Service Control Manager instead of setsid + double-fork.
func daemonSetsid() error { return nil }

func applyUmask(mask int) {}

func childSignals() []os.Signal {
	return []os.Signal{syscall.SIGTERM}
}

// isHupSignal is always false on Windows: there is no SIGHUP equivalent,
// so the restart-on-HUP path is unix-only.
func isHupSignal(sig os.Signal) bool { return false }

func reopenStdioToDevNull() error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	os.Stdin, os.Stdout, os.Stderr = devNull, devNull, devNull
	return nil
}

func isProcessGoneErr(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}

func isClosedErr(err error) bool {
	return errors.Is(err, os.ErrClosed)
}

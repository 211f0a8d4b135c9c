//go:build !windows

package piper

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// applyChildProcAttrs puts the re-exec'd child in its own process group.
// Signals sent through Piper.Signal (including a Worker's SIGTERM/SIGKILL
// escalation) go to the child's own PID, not to the group.
func applyChildProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func daemonSetsid() error {
	_, err := syscall.Setsid()
	return err
}

func applyUmask(mask int) {
	syscall.Umask(mask)
}

func childSignals() []os.Signal {
	return []os.Signal{syscall.SIGHUP, syscall.SIGTERM}
}

func isHupSignal(sig os.Signal) bool { return sig == syscall.SIGHUP }

func reopenStdioToDevNull() error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()
	fd := int(devNull.Fd())
	for _, std := range []int{0, 1, 2} {
		if err := syscall.Dup2(fd, std); err != nil {
			return err
		}
	}
	return nil
}

func isProcessGoneErr(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}

func isClosedErr(err error) bool {
	return errors.Is(err, os.ErrClosed)
}

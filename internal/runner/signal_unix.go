//go:build !windows

package runner

import (
	"os"
	"syscall"
)

func terminateSig() os.Signal { return syscall.SIGTERM }
func quitSig() os.Signal      { return syscall.SIGQUIT }
func killSig() os.Signal      { return syscall.SIGKILL }

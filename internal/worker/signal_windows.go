//go:build windows

package worker

import "os"

func terminateSignal() os.Signal { return os.Interrupt }
func killSignal() os.Signal      { return os.Kill }

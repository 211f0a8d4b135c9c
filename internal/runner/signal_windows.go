//go:build windows

package runner

import "os"

func terminateSig() os.Signal { return os.Interrupt }
func quitSig() os.Signal      { return os.Interrupt }
func killSig() os.Signal      { return os.Kill }

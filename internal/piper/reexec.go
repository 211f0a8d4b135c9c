package piper

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/forgepool/forgepool/internal/capability"
)

const (
	envChildFlag  = "FORGEPOOL_CHILD"
	envMode       = "FORGEPOOL_MODE"
	envTimeoutMS  = "FORGEPOOL_TIMEOUT_MS"
	envCapability = "FORGEPOOL_CAPABILITY"
)

// Bootstrap must be the first statement of any program that hosts
// forgepool Workers. If the running process is one Piper.New re-exec'd,
// Bootstrap reconstructs the child-side Piper, looks up the registered
// capability set named in the environment, runs the child driver loop, and
// never returns — the process exits when the driver does. Otherwise
// Bootstrap returns immediately and the caller's ordinary main proceeds.
func Bootstrap() {
	if os.Getenv(envChildFlag) != "1" {
		return
	}

	mode, err := parseMode(os.Getenv(envMode))
	if err != nil {
		fmt.Fprintln(os.Stderr, "piper: bootstrap:", err)
		os.Exit(1)
	}

	var timeoutMS int64
	if v := os.Getenv(envTimeoutMS); v != "" {
		timeoutMS, _ = strconv.ParseInt(v, 10, 64)
	}

	p := newChildSide(mode, time.Duration(timeoutMS)*time.Millisecond)

	cs, err := capability.Build(os.Getenv(envCapability))
	if err != nil {
		fmt.Fprintln(os.Stderr, "piper: bootstrap:", err)
		os.Exit(1)
	}

	RunChildDriver(cs, p)
	os.Exit(0)
}

func parseMode(s string) (Mode, error) {
	switch s {
	case "R":
		return ModeR, nil
	case "W":
		return ModeW, nil
	case "RW":
		return ModeRW, nil
	default:
		return 0, fmt.Errorf("piper: unrecognized %s=%q", envMode, s)
	}
}

// newChildSide rebuilds the child's half of a Piper.New pipe pair from the
// file descriptors New attached via Cmd.ExtraFiles. Descriptor 3 is always
// present; descriptor 4 exists only in ModeRW. Which end each descriptor is
// mirrors New's own ExtraFiles ordering.
func newChildSide(mode Mode, suspendTimeout time.Duration) *Piper {
	p := &Piper{mode: mode, suspendTimeout: suspendTimeout}

	switch mode {
	case ModeR:
		p.writeFile = os.NewFile(3, "piper-child-write")
	case ModeW:
		p.readFile = os.NewFile(3, "piper-child-read")
		p.reader = bufio.NewReader(p.readFile)
	case ModeRW:
		p.readFile = os.NewFile(3, "piper-child-read")
		p.reader = bufio.NewReader(p.readFile)
		p.writeFile = os.NewFile(4, "piper-child-write")
	}
	return p
}

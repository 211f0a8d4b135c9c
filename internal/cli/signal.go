package cli

import (
	"os"
	"os/signal"
	"syscall"
)

// waitForSignal blocks until the process receives SIGINT or SIGTERM.
func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	signal.Stop(ch)
}

// Command forgepoolctl starts, inspects, and tears down a prefork worker
// pool whose children are supervised over a heartbeat protocol.
package main

import (
	"github.com/forgepool/forgepool/internal/cli"
	"github.com/forgepool/forgepool/internal/piper"
)

func main() {
	// Bootstrap must run before anything else: a re-exec'd worker child
	// never falls through to cli.Execute at all.
	piper.Bootstrap()

	cli.Execute()
}

package cli

import (
	"context"
	"os"
	"os/exec"

	"github.com/forgepool/forgepool/internal/capability"
)

const (
	entrypointCapabilityName = "forgepoolctl-entrypoint"
	envEntrypointPath        = "FORGEPOOLCTL_ENTRYPOINT"
)

// entrypointSet runs an external command to completion once per heartbeat
// round — the CLI's stand-in for an application-defined capability.Set,
// so `forgepoolctl pool start --entrypoint <path>` has something concrete
// to supervise. The path travels to the re-exec'd child the same way
// every other piece of a Worker's child environment does: as a plain
// environment variable, since capability.Register's builder closures
// cannot themselves cross the re-exec boundary (see
// internal/capability/registry.go).
type entrypointSet struct {
	capability.Hooks
	path string
}

func (e *entrypointSet) Execute(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, e.path)
	return cmd.Run()
}

func (e *entrypointSet) Clone() capability.Set {
	return &entrypointSet{path: e.path}
}

func init() {
	capability.Register(entrypointCapabilityName, func() capability.Set {
		return &entrypointSet{path: os.Getenv(envEntrypointPath)}
	})
}

// entrypointCapability builds the Set a fresh "pool start" invocation hands
// to pool.Config.Capability, which pool.New only checks for presence; the
// re-exec'd child rebuilds an equivalent Set from
// CapabilityName/envEntrypointPath instead of receiving this value.
func entrypointCapability() capability.Set {
	return &entrypointSet{path: os.Getenv(envEntrypointPath)}
}

// Package capability implements the "capability set" a Worker's child
// process runs: Execute plus optional lifecycle hooks. Rather than probing
// a value at runtime for which hooks it happens to implement, a Set
// declares the full optional-hook table up front (see Hooks) and callers
// dispatch against it directly.
package capability

import "context"

// Set is the capability a Worker drives inside its child process. Execute
// is required; the hooks are optional and dispatched only when non-nil.
type Set interface {
	// Execute performs one unit of work for a single heartbeat round.
	Execute(ctx context.Context) error

	// BeforeExecuting runs exactly once before the child blocks for its
	// first START frame. Errors are logged, never propagated.
	BeforeExecuting(ctx context.Context) error

	// AfterExecuting runs exactly once after the child driver breaks out
	// of its receive loop, before the Piper is closed. Errors are logged,
	// never propagated.
	AfterExecuting(ctx context.Context) error

	// OnHup runs in the child's SIGHUP handler after the restart handshake
	// with the parent completes, just before the child process exits.
	OnHup() error

	// OnTerm runs in the child's SIGTERM handler, just before the child
	// process exits.
	OnTerm() error

	// Clone returns a fresh copy of this capability set, so hook state
	// (counters, open handles, etc.) kept by one copy never leaks into
	// another's. Worker children do not use it: each child builds its own
	// Set through the registry (see Build).
	Clone() Set
}

// Hooks is an embeddable base providing no-op implementations of every
// optional hook, so implementations only need to override what they use.
// It does not implement Execute — embedders must still supply that.
type Hooks struct{}

func (Hooks) BeforeExecuting(context.Context) error { return nil }
func (Hooks) AfterExecuting(context.Context) error  { return nil }
func (Hooks) OnHup() error                          { return nil }
func (Hooks) OnTerm() error                         { return nil }

// funcSet adapts a single Execute function into a Set, for the common case
// of a pool constructed directly from an execute function with no hooks.
type funcSet struct {
	Hooks
	fn func(context.Context) error
}

func (f *funcSet) Execute(ctx context.Context) error { return f.fn(ctx) }

func (f *funcSet) Clone() Set {
	return &funcSet{fn: f.fn}
}

// FromFunc adapts fn into a minimal capability set with no lifecycle hooks.
func FromFunc(fn func(context.Context) error) Set {
	return &funcSet{fn: fn}
}

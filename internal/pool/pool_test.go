package pool

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/forgepool/forgepool/internal/capability"
	"github.com/forgepool/forgepool/internal/piper"
	"github.com/forgepool/forgepool/internal/worker"
)

// TestMain lets this test binary double as the re-exec'd child, exactly as
// internal/worker's TestMain does.
func TestMain(m *testing.M) {
	piper.Bootstrap()
	os.Exit(m.Run())
}

type echoCapability struct {
	capability.Hooks
}

func (echoCapability) Execute(ctx context.Context) error { return nil }
func (e echoCapability) Clone() capability.Set           { return echoCapability{} }

func init() {
	capability.Register("pool-test-echo", func() capability.Set { return echoCapability{} })
}

func newTestConfig() Config {
	return Config{
		Capability:        echoCapability{},
		CapabilityName:    "pool-test-echo",
		HeartbeatInterval: 30 * time.Millisecond,
		HeartbeatTimeout:  2 * time.Second,
		ShutdownTimeout:   2 * time.Second,
	}
}

func TestNewRejectsMissingCapability(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected an error for a Pool with no capability set")
	}
}

func TestStartProducesExactlyNWorkers(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns real child processes")
	}

	p, err := New(newTestConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(4); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	if got := p.Len(); got != 4 {
		t.Fatalf("got %d workers, want 4", got)
	}

	time.Sleep(150 * time.Millisecond)
	for _, w := range p.Workers() {
		if !w.Alive() {
			t.Fatalf("worker %d not alive: state=%s err=%v", w.ID, w.State(), w.Error())
		}
	}
}

func TestStopLeavesNoWorkersAlive(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns real child processes")
	}

	p, err := New(newTestConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(2); err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	for _, w := range p.Workers() {
		if w.Alive() {
			t.Fatalf("worker %d still alive after Stop", w.ID)
		}
	}
	if remaining := p.Reap(); len(remaining) != 0 {
		t.Fatalf("harvest not empty after Stop+Reap: %v", remaining)
	}
}

func TestAddWorkersRespectsMaxCap(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns real child processes")
	}

	cfg := newTestConfig()
	cfg.MaxWorkers = 3
	p, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(2); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	if err := p.AddWorkers(2); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := p.Len(); got != 3 {
		t.Fatalf("got %d workers, want 3 (capped)", got)
	}
}

func TestEnsureSizeGrowsToMinWorkers(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns real child processes")
	}

	cfg := newTestConfig()
	cfg.MinWorkers = 3
	p, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(1); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	if err := p.EnsureSize(); err != nil {
		t.Fatalf("ensure size: %v", err)
	}
	if got := p.Len(); got != 3 {
		t.Fatalf("got %d workers, want 3", got)
	}
}

func TestPruneWorkersRemovesDead(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns real child processes")
	}

	p, err := New(newTestConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(2); err != nil {
		t.Fatalf("start: %v", err)
	}

	workers := p.Workers()
	if err := workers[0].Stop(); err != nil {
		t.Fatalf("stop worker 0: %v", err)
	}
	defer p.Stop()

	p.PruneWorkers()
	if got := p.Len(); got != 1 {
		t.Fatalf("got %d workers after prune, want 1", got)
	}
}

func TestErrorsOnlyVisitsFailedWorkers(t *testing.T) {
	p, err := New(newTestConfig())
	if err != nil {
		t.Fatal(err)
	}

	var visited int
	p.Errors(func(w *worker.Worker) {
		visited++
	})
	if visited != 0 {
		t.Fatalf("expected no errored workers on an empty pool, got %d", visited)
	}
}

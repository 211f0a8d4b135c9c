package worker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/forgepool/forgepool/internal/capability"
	"github.com/forgepool/forgepool/internal/piper"
)

// TestMain lets this test binary double as the re-exec'd child: when
// Worker.Start forks via piper.New, the "child" is just this same test
// binary started again with a sentinel environment variable set.
// piper.Bootstrap recognizes that and takes over before any test runs.
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
	capability.Register("test-echo", func() capability.Set { return echoCapability{} })
}

func TestWorkerStartAndStop(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real child process")
	}

	w := New(1, Config{
		CapabilityName:    "test-echo",
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  2 * time.Second,
		ShutdownTimeout:   2 * time.Second,
	})

	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	time.Sleep(200 * time.Millisecond)

	if !w.Alive() {
		t.Fatalf("worker should be alive, state=%s, err=%v", w.State(), w.Error())
	}
	if w.PID() == 0 {
		t.Fatal("expected a non-zero PID once started")
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if w.Alive() {
		t.Fatal("worker should not be alive after Stop")
	}
}

func TestWorkerPIDIsZeroBeforeStart(t *testing.T) {
	w := New(2, Config{CapabilityName: "test-echo"})
	if w.PID() != 0 {
		t.Fatalf("got PID %d before Start, want 0", w.PID())
	}
	if w.Alive() {
		t.Fatal("worker should not be alive before Start")
	}
}

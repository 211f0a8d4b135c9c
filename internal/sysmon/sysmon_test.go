package sysmon

import (
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func thisProcessPID() int { return os.Getpid() }

type fakeSubject struct {
	pid     int
	alive   bool
	stopped int32
}

func (f *fakeSubject) PID() int    { return f.pid }
func (f *fakeSubject) Alive() bool { return f.alive }
func (f *fakeSubject) Stop() error {
	atomic.AddInt32(&f.stopped, 1)
	return nil
}

func TestMonitorIgnoresDeadSubjects(t *testing.T) {
	dead := &fakeSubject{pid: 1, alive: false}
	m := New(Limits{MaxMemoryBytes: 1}, 10*time.Millisecond, func() []Subject {
		return []Subject{dead}
	})
	m.sampleOnce()
	if atomic.LoadInt32(&dead.stopped) != 0 {
		t.Fatal("a dead subject should never be sampled or stopped")
	}
}

func TestMonitorSkipsSubjectsWithNoPID(t *testing.T) {
	s := &fakeSubject{pid: 0, alive: true}
	m := New(Limits{MaxMemoryBytes: 1, Hard: true}, 10*time.Millisecond, func() []Subject {
		return []Subject{s}
	})
	m.sampleOnce()
	if atomic.LoadInt32(&s.stopped) != 0 {
		t.Fatal("a subject with no pid should never be stopped")
	}
}

func TestMonitorStartStopLifecycle(t *testing.T) {
	calls := int32(0)
	m := New(Limits{}, 5*time.Millisecond, func() []Subject {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	m.Start()
	time.Sleep(30 * time.Millisecond)
	m.Stop()

	if atomic.LoadInt32(&calls) == 0 {
		t.Fatal("expected the sampling loop to have ticked at least once")
	}
}

func TestZeroLimitsNeverEnforce(t *testing.T) {
	self := &fakeSubject{pid: 1, alive: true}
	m := New(Limits{}, time.Second, func() []Subject { return []Subject{self} })
	// MaxMemoryBytes and MaxCPUPercent are both zero, so even a real
	// process (this test binary's own pid, guaranteed to have nonzero
	// RSS) must never trigger a stop.
	self.pid = thisProcessPID()
	m.sampleOnce()
	if atomic.LoadInt32(&self.stopped) != 0 {
		t.Fatal("zero-valued limits must disable enforcement entirely")
	}
}

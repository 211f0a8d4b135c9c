// Package sysmon implements optional per-worker resource-ceiling
// enforcement: a background loop that samples each live worker's RSS and
// CPU percentage via gopsutil and kills (or merely logs, depending on
// Limits.Hard) workers that exceed a configured ceiling.
//
// Grounded on cluster.ClusterManager.monitorLoop's "Resource Enforcement"
// block (memory via process.MemoryInfo, CPU via process.CPUPercent,
// near-limit vs over-limit logging, hard-limit kill), generalized from a
// cluster-wide mutex-guarded loop into a Monitor any Pool can opt into.
package sysmon

import (
	"log"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Limits bounds a single worker's resource consumption. Zero disables
// that dimension's check.
type Limits struct {
	MaxMemoryBytes uint64
	MaxCPUPercent  float64

	// Hard, when true, kills a worker that exceeds a limit. When false,
	// the monitor only logs a warning.
	Hard bool
}

// Subject is the minimal view a monitored worker needs to expose. Worker
// satisfies this directly; Stop is Worker's graceful-then-SIGKILL
// teardown, reused here as the "hard" enforcement action.
type Subject interface {
	PID() int
	Alive() bool
	Stop() error
}

// Monitor periodically samples a set of Subjects and enforces Limits
// against each.
type Monitor struct {
	limits   Limits
	interval time.Duration
	subjects func() []Subject

	stop chan struct{}
	done chan struct{}
}

// New constructs a Monitor. subjects is called once per tick to obtain the
// current live set, so callers can back it with a Pool's EachWorker
// snapshot without the Monitor needing to know about Pool at all.
func New(limits Limits, interval time.Duration, subjects func() []Subject) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		limits:   limits,
		interval: interval,
		subjects: subjects,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sampling loop in a background goroutine until Stop is
// called.
func (m *Monitor) Start() {
	go m.loop()
}

// Stop halts the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

func (m *Monitor) sampleOnce() {
	for _, s := range m.subjects() {
		if !s.Alive() {
			continue
		}
		pid := s.PID()
		if pid == 0 {
			continue
		}
		p, err := process.NewProcess(int32(pid))
		if err != nil {
			continue
		}
		m.checkMemory(s, p, pid)
		m.checkCPU(s, p, pid)
	}
}

func (m *Monitor) checkMemory(s Subject, p *process.Process, pid int) {
	if m.limits.MaxMemoryBytes == 0 {
		return
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return
	}
	if mem.RSS <= m.limits.MaxMemoryBytes {
		return
	}
	if m.limits.Hard {
		log.Printf("[sysmon] pid %d exceeded memory limit (%d MB > %d MB), killing",
			pid, mem.RSS/1024/1024, m.limits.MaxMemoryBytes/1024/1024)
		_ = s.Stop()
		return
	}
	log.Printf("[sysmon] pid %d exceeded memory limit (%d MB > %d MB), not enforcing",
		pid, mem.RSS/1024/1024, m.limits.MaxMemoryBytes/1024/1024)
}

func (m *Monitor) checkCPU(s Subject, p *process.Process, pid int) {
	if m.limits.MaxCPUPercent == 0 {
		return
	}
	pct, err := p.CPUPercent()
	if err != nil || pct <= m.limits.MaxCPUPercent {
		return
	}
	if m.limits.Hard {
		log.Printf("[sysmon] pid %d exceeded cpu limit (%.1f%% > %.1f%%), killing",
			pid, pct, m.limits.MaxCPUPercent)
		_ = s.Stop()
		return
	}
	log.Printf("[sysmon] pid %d exceeded cpu limit (%.1f%% > %.1f%%), not enforcing", pid, pct, m.limits.MaxCPUPercent)
}

// Package pool implements the Prefork Pool: a collection of supervised
// Workers with start/stop/reap, dynamic resizing (add/prune/ensure), and
// per-worker error iteration.
//
// Grounded on cluster/manager.go's ClusterManager — Workers []*Worker,
// Start/Stop/monitorLoop, GetWorkerPIDs — generalized from bare exec.Cmd
// workers to heartbeat-supervised ones. AddWorkers/PruneWorkers/EnsureSize
// are new (the teacher always starts with a fixed-size cluster) but reuse
// its rapid-restart cooldown constants as backoff for EnsureSize's implicit
// respawns.
package pool

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/forgepool/forgepool/internal/capability"
	"github.com/forgepool/forgepool/internal/ferrors"
	"github.com/forgepool/forgepool/internal/sysmon"
	"github.com/forgepool/forgepool/internal/worker"
)

const (
	// maxRapidRestarts and rapidRestartWindow/respawnCooldown mirror
	// cluster/manager.go's constants of the same name: a worker that has
	// been (re)started this many times within the window is throttled
	// before EnsureSize tries again.
	maxRapidRestarts   = 5
	rapidRestartWindow = 10 * time.Second
	respawnCooldown    = 30 * time.Second
)

// Config describes a Pool's fixed parameters.
type Config struct {
	// Capability is required, but only checked for presence: Start does
	// not clone it or hand it to Workers. Each re-exec'd child builds its
	// own Set from CapabilityName, so per-worker hook state never leaks
	// across workers.
	Capability capability.Set

	// CapabilityName is the name Capability was registered under via
	// capability.Register; it is what's threaded through to each
	// re-exec'd child so it can rebuild an equivalent Set.
	CapabilityName string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ShutdownTimeout   time.Duration

	// MinWorkers and MaxWorkers bound EnsureSize/AddWorkers. Zero means
	// "unbounded" for MaxWorkers and "no floor" for MinWorkers.
	MinWorkers int
	MaxWorkers int

	// ResourceLimits, when non-zero, enables a background sysmon.Monitor
	// over the Pool's current workers. Left zero-valued, no monitor runs.
	ResourceLimits   sysmon.Limits
	ResourceInterval time.Duration
}

// Pool owns an ordered list of Workers sharing one capability set.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	workers []*worker.Worker
	nextID  int

	harvestMu sync.Mutex
	harvest   []int

	restartMu    sync.Mutex
	restartCount map[int]int
	lastRestart  map[int]time.Time

	monitor *sysmon.Monitor
}

// New validates cfg and constructs an empty Pool. It returns
// ferrors.ErrArgument if Capability is nil or CapabilityName is empty.
func New(cfg Config) (*Pool, error) {
	if cfg.Capability == nil {
		return nil, fmt.Errorf("pool: no capability set: %w", ferrors.ErrArgument)
	}
	if cfg.CapabilityName == "" {
		return nil, fmt.Errorf("pool: no capability name registered for re-exec: %w", ferrors.ErrArgument)
	}
	return &Pool{
		cfg:          cfg,
		restartCount: map[int]int{},
		lastRestart:  map[int]time.Time{},
	}, nil
}

// Start clears the worker list and builds n fresh Workers, each configured
// with the Pool's CapabilityName, then starts each one.
func (p *Pool) Start(n int) error {
	p.mu.Lock()
	p.workers = make([]*worker.Worker, 0, n)
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		if err := p.spawnOne(); err != nil {
			return err
		}
	}

	if p.cfg.ResourceLimits != (sysmon.Limits{}) {
		p.monitor = sysmon.New(p.cfg.ResourceLimits, p.cfg.ResourceInterval, p.monitorSubjects)
		p.monitor.Start()
	}
	return nil
}

func (p *Pool) monitorSubjects() []sysmon.Subject {
	workers := p.Workers()
	subjects := make([]sysmon.Subject, len(workers))
	for i, w := range workers {
		subjects[i] = w
	}
	return subjects
}

// spawnOne appends one new Worker to the list and starts it. Capability
// registration is process-wide (see capability.Register), so every
// Worker's child rebuilds an equivalent Set from cfg.CapabilityName;
// cfg.Capability is neither cloned nor passed on, and the re-exec'd child
// never receives it.
func (p *Pool) spawnOne() error {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	w := worker.New(id, worker.Config{
		CapabilityName:    p.cfg.CapabilityName,
		HeartbeatInterval: p.cfg.HeartbeatInterval,
		HeartbeatTimeout:  p.cfg.HeartbeatTimeout,
		ShutdownTimeout:   p.cfg.ShutdownTimeout,
	})
	w.SetExitHook(p.recordHarvest)

	if err := w.Start(); err != nil {
		return fmt.Errorf("pool: spawn worker %d: %w", id, err)
	}

	p.mu.Lock()
	p.workers = append(p.workers, w)
	p.mu.Unlock()
	return nil
}

func (p *Pool) recordHarvest(pid int) {
	p.harvestMu.Lock()
	p.harvest = append(p.harvest, pid)
	p.harvestMu.Unlock()
}

// Stop stops every Worker in order, then reaps. It returns once every
// child has been awaited.
func (p *Pool) Stop() error {
	if p.monitor != nil {
		p.monitor.Stop()
		p.monitor = nil
	}

	p.mu.Lock()
	workers := append([]*worker.Worker(nil), p.workers...)
	p.mu.Unlock()

	var firstErr error
	for _, w := range workers {
		if err := w.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.Reap()
	return firstErr
}

// Reap drains the harvest list built up by Workers whose child has exited
// (natural death, crash, or HUP replacement). Each Worker's own background
// goroutine already calls the underlying exec.Cmd.Wait() — Go's substitute
// for wait_pid, which is what actually clears the kernel's zombie entry —
// so Reap's job here is purely the bookkeeping swap the spec describes
// ("moves the harvest list to a local via atomic swap"), not a second
// independent wait. It is a no-op when the harvest list is empty.
func (p *Pool) Reap() []int {
	p.harvestMu.Lock()
	drained := p.harvest
	p.harvest = nil
	p.harvestMu.Unlock()
	return drained
}

// AddWorkers appends min(k, max_workers-len) new Workers (unbounded growth
// if MaxWorkers is unset) and starts them.
func (p *Pool) AddWorkers(k int) error {
	if k <= 0 {
		return nil
	}

	p.mu.Lock()
	cur := len(p.workers)
	p.mu.Unlock()

	if p.cfg.MaxWorkers > 0 {
		room := p.cfg.MaxWorkers - cur
		if room <= 0 {
			return nil
		}
		if k > room {
			k = room
		}
	}

	for i := 0; i < k; i++ {
		if err := p.spawnOne(); err != nil {
			return err
		}
	}
	return nil
}

// PruneWorkers removes every Worker whose child is not alive from the
// list. It does not stop the survivors.
func (p *Pool) PruneWorkers() {
	p.mu.Lock()
	defer p.mu.Unlock()

	alive := p.workers[:0:0]
	for _, w := range p.workers {
		if w.Alive() {
			alive = append(alive, w)
		} else {
			log.Printf("[pool] pruning worker %d (state=%s)", w.ID, w.State())
		}
	}
	p.workers = alive
}

// EnsureSize computes deficit = MinWorkers - len(alive workers); if
// positive, it calls AddWorkers(deficit) subject to MaxWorkers. Dead
// Workers are pruned first so they do not count toward "alive." If any
// worker id recorded through NoteRestart has reached maxRapidRestarts and
// restarted less than respawnCooldown ago, the whole round's growth is
// deferred, mirroring the teacher's cooldown for its own auto-respawn.
// EnsureSize runs only when a caller calls it; the Pool has no background
// loop that calls it.
func (p *Pool) EnsureSize() error {
	p.PruneWorkers()

	p.mu.Lock()
	alive := len(p.workers)
	p.mu.Unlock()

	deficit := p.cfg.MinWorkers - alive
	if deficit <= 0 {
		return nil
	}

	if p.inCooldown() {
		log.Printf("[pool] ensure_worker_pool_size: in cooldown, deferring %d spawn(s)", deficit)
		return nil
	}

	return p.AddWorkers(deficit)
}

func (p *Pool) inCooldown() bool {
	p.restartMu.Lock()
	defer p.restartMu.Unlock()

	now := time.Now()
	for id, count := range p.restartCount {
		if count < maxRapidRestarts {
			continue
		}
		if now.Sub(p.lastRestart[id]) < respawnCooldown {
			return true
		}
		p.restartCount[id] = 0
	}
	return false
}

// NoteRestart records that worker id was just (re)started, feeding the
// rapid-restart cooldown EnsureSize consults. It is the only source of
// those counts: AddWorkers, EnsureSize and HUP restarts do not call it.
func (p *Pool) NoteRestart(id int) {
	p.restartMu.Lock()
	defer p.restartMu.Unlock()

	now := time.Now()
	if last, ok := p.lastRestart[id]; ok && now.Sub(last) < rapidRestartWindow {
		p.restartCount[id]++
	} else {
		p.restartCount[id] = 1
	}
	p.lastRestart[id] = now
}

// Len returns the number of Workers currently in the Pool's list.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Workers returns a snapshot of the current worker list.
func (p *Pool) Workers() []*worker.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*worker.Worker(nil), p.workers...)
}

// EachWorker calls fn for every Worker currently in the Pool.
func (p *Pool) EachWorker(fn func(*worker.Worker)) {
	for _, w := range p.Workers() {
		fn(w)
	}
}

// Errors calls fn only for Workers with a non-nil recorded error.
func (p *Pool) Errors(fn func(*worker.Worker)) {
	for _, w := range p.Workers() {
		if w.Error() != nil {
			fn(w)
		}
	}
}

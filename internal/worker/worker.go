// Package worker drives one prefork pool member: it owns the Piper
// connected to a re-exec'd child and the heartbeat supervisor loop that
// keeps it alive. The overall shape — a state enum guarded by a mutex, a
// done channel closed once the underlying process has been reaped, and a
// graceful-signal-then-timeout-then-kill shutdown — mirrors the process
// supervision a worker process needed even when it was a bare exec.Cmd;
// what changed is that liveness is now driven by heartbeat frames over a
// Piper instead of an exited/not-exited exec.Cmd.Wait().
package worker

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/forgepool/forgepool/internal/ferrors"
	"github.com/forgepool/forgepool/internal/frame"
	"github.com/forgepool/forgepool/internal/piper"
	"github.com/forgepool/forgepool/internal/threaded"
)

// errRestarting is returned by heartbeatRound to unwind the current
// threaded.Runner loop after a HUP-triggered restart has already spawned
// the replacement piper/runner in place. It is never recorded as the
// Worker's error (see handleRestartRequest) — it only carries the
// in-flight iteration back to threaded.Runner.loop, which treats it like
// any other terminating error: it logs it as a fatal iteration error and
// ends the superseded runner's loop.
var errRestarting = errors.New("worker: restarting in place")

// State is a worker's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
	StateCrashed
	StateKilling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	case StateKilling:
		return "killing"
	default:
		return "unknown"
	}
}

// Config controls how a Worker spawns and supervises its child.
type Config struct {
	// CapabilityName must already be registered with capability.Register
	// in this binary; it is what the re-exec'd child rebuilds its
	// capability.Set from.
	CapabilityName string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ShutdownTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Worker is one supervised prefork child.
type Worker struct {
	ID     int
	cfg    Config
	p      *piper.Piper
	runner *threaded.Runner

	mu            sync.RWMutex
	state         State
	lastHeartbeat time.Time
	restarts      uint32
	recordedErr   error
	stopRequested bool

	// generation increments every time Start replaces the underlying
	// piper/runner pair (fresh spawn or HUP-triggered in-place restart).
	// A process-reap goroutine captures the generation it belongs to and
	// refuses to mutate state/recordedErr once a newer generation has
	// taken over the slot, so a slow report of the old child's exit can
	// never clobber the replacement's freshly-running state.
	generation uint64

	// exitHook, if set, is called with the child's PID once that
	// generation's process has actually exited (natural death, crash, or
	// a deliberate HUP replacement). The owning Pool uses it to populate
	// its harvest list.
	exitHook func(pid int)

	done chan struct{}
}

// New allocates a Worker with the given ID. It does not spawn anything —
// call Start for that.
func New(id int, cfg Config) *Worker {
	return &Worker{
		ID:    id,
		cfg:   cfg.withDefaults(),
		state: StateIdle,
		done:  make(chan struct{}),
	}
}

// SetExitHook registers fn to be called with the child's PID once its
// process has exited. The owning Pool calls this before the first Start so
// it can feed its harvest list (spec §4.D). It must not be called
// concurrently with Start.
func (w *Worker) SetExitHook(fn func(pid int)) {
	w.mu.Lock()
	w.exitHook = fn
	w.mu.Unlock()
}

// Start forks the child (via piper.New) and launches the parent-side
// heartbeat supervisor. It is safe to call again after the worker has
// stopped, to respawn it, and safe to call from within the supervisor's
// own iteration (see handleRestartRequest) to replace the piper/runner
// pair in place without tearing down the Worker's own identity or slot.
func (w *Worker) Start() error {
	p, err := piper.New(piper.ModeRW, w.cfg.HeartbeatTimeout, w.cfg.CapabilityName)
	if err != nil {
		return fmt.Errorf("worker %d: start: %w", w.ID, err)
	}

	if _, err := p.Send(frame.TagStart); err != nil {
		p.Close()
		return fmt.Errorf("worker %d: send start: %w", w.ID, err)
	}

	runner, err := threaded.New(threaded.RunnableFunc(w.heartbeatRound), threaded.Options{
		Interval: w.cfg.HeartbeatInterval,
	})
	if err != nil {
		p.Close()
		return fmt.Errorf("worker %d: build supervisor: %w", w.ID, err)
	}

	done := make(chan struct{})

	w.mu.Lock()
	w.p = p
	w.runner = runner
	w.state = StateRunning
	w.lastHeartbeat = time.Now()
	w.recordedErr = nil
	w.stopRequested = false
	w.done = done
	w.generation++
	gen := w.generation
	hook := w.exitHook
	w.mu.Unlock()

	runner.Start()
	log.Printf("[worker %d] started pid=%v", w.ID, derefPID(p.PID()))

	// done tracks the OS process itself, not the heartbeat loop: Stop's
	// kill escalation needs to know when the child has actually exited,
	// which may be well after the supervisor loop gives up on it.
	go func() {
		waitErr := p.Wait()
		pid := derefPID(p.PID())

		w.mu.Lock()
		if w.generation == gen {
			if waitErr != nil {
				if w.state != StateKilling {
					w.state = StateCrashed
				} else {
					w.state = StateStopped
				}
				if w.recordedErr == nil {
					w.recordedErr = waitErr
				}
			} else {
				w.state = StateStopped
			}
		}
		w.mu.Unlock()

		if hook != nil && pid != 0 {
			hook(pid)
		}
		close(done)
	}()

	return nil
}

// heartbeatRound is one iteration of the supervisor's threaded.Runner: it
// sends one HEARTBEAT frame and waits for the reply. A TagStart reply is
// the child's SIGHUP restart request (spec §4.C.1/§4.C.2 step 3): the
// round spawns the replacement in place and unwinds the current
// threaded.Runner loop via errRestarting, rather than treating it as a
// protocol violation. Any other error (a send failure, a receive timeout,
// or an unrecognized reply) is fatal for this generation: failRound
// records it and tears the child down the same way Stop does, so a
// timed-out or protocol-violating child never lingers as an orphan (spec
// §4.C.2 step 3, §8 invariant 8).
func (w *Worker) heartbeatRound() error {
	w.mu.RLock()
	p := w.p
	gen := w.generation
	done := w.done
	w.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("worker: heartbeat round with no piper: %w", ferrors.ErrArgument)
	}

	if _, err := p.Send(frame.TagHeartbeat); err != nil {
		return w.failRound(gen, p, done, fmt.Errorf("worker %d: send heartbeat: %w", w.ID, err))
	}

	reply, err := p.Receive()
	if err != nil {
		return w.failRound(gen, p, done, err)
	}

	if reply == frame.TagStart {
		w.handleRestartRequest(p, gen)
		return errRestarting
	}

	if reply != frame.TagHeartbeat {
		childErr := fmt.Errorf("worker %d: %w: %v", w.ID, ferrors.ErrUnknownResponse, reply)
		return w.failRound(gen, p, done, childErr)
	}

	w.mu.Lock()
	if w.generation == gen {
		w.lastHeartbeat = time.Now()
	}
	w.mu.Unlock()
	return nil
}

// failRound records err on generation gen, then tears down that
// generation's child exactly as Stop does: a best-effort HALT, a bounded
// wait for the child to exit on its own, and an escalation to SIGTERM then
// SIGKILL if it doesn't. It is a no-op past the HALT/close attempt if a
// newer generation has already replaced this one (e.g. a concurrent HUP
// restart), so it can never tear down a child that isn't the one that
// actually failed.
func (w *Worker) failRound(gen uint64, p *piper.Piper, done <-chan struct{}, err error) error {
	w.recordError(gen, err)

	w.mu.RLock()
	stale := w.generation != gen
	w.mu.RUnlock()
	if stale {
		return err
	}

	if _, sendErr := p.Send(frame.TagHalt); sendErr != nil {
		log.Printf("[worker %d] send halt after failed round: %v", w.ID, sendErr)
	}

	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownTimeout):
		log.Printf("[worker %d] did not exit within %s after failed round, escalating", w.ID, w.cfg.ShutdownTimeout)
		if sigErr := p.Signal(terminateSignal()); sigErr != nil {
			log.Printf("[worker %d] SIGTERM failed: %v", w.ID, sigErr)
		}
		select {
		case <-done:
		case <-time.After(w.cfg.ShutdownTimeout):
			if sigErr := p.Signal(killSignal()); sigErr != nil {
				log.Printf("[worker %d] SIGKILL failed: %v", w.ID, sigErr)
			}
			<-done
		}
	}

	p.Close()
	return err
}

// handleRestartRequest acks the child's restart handshake (the spec's
// "final START/ack before close"), closes the superseded piper, and spawns
// a fresh one in the same slot — preserving the Worker's identity and the
// Pool's slot position (spec §8 invariant 5) while the PID underneath
// changes (invariant 4). It is a no-op if Stop already claimed this
// worker, letting the ordinary shutdown path finish the handshake instead.
func (w *Worker) handleRestartRequest(oldP *piper.Piper, gen uint64) {
	w.mu.RLock()
	stopRequested := w.stopRequested
	w.mu.RUnlock()
	if stopRequested {
		return
	}

	if _, err := oldP.Send(frame.TagHalt); err != nil {
		log.Printf("[worker %d] restart ack failed: %v", w.ID, err)
	}
	oldP.Close()

	log.Printf("[worker %d] restarting (pid=%v)", w.ID, derefPID(oldP.PID()))

	w.mu.Lock()
	w.restarts++
	w.mu.Unlock()

	if err := w.Start(); err != nil {
		w.recordError(gen, fmt.Errorf("worker %d: restart: %w", w.ID, err))
	}
}

func (w *Worker) recordError(gen uint64, err error) {
	w.mu.Lock()
	if w.generation == gen {
		w.recordedErr = err
	}
	w.mu.Unlock()
}

// Stop asks the child to halt, waits up to the configured shutdown
// timeout, then escalates to SIGTERM/SIGKILL via the Piper. Stop is a
// no-op if the worker isn't running.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.state != StateRunning {
		w.mu.Unlock()
		return nil
	}
	w.state = StateKilling
	w.stopRequested = true
	p := w.p
	runner := w.runner
	done := w.done
	w.mu.Unlock()

	if p == nil {
		return nil
	}

	if _, err := p.Send(frame.TagHalt); err != nil {
		log.Printf("[worker %d] send halt failed: %v", w.ID, err)
	}

	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownTimeout):
		log.Printf("[worker %d] did not exit within %s, escalating", w.ID, w.cfg.ShutdownTimeout)
		if err := p.Signal(terminateSignal()); err != nil {
			log.Printf("[worker %d] SIGTERM failed: %v", w.ID, err)
		}
		select {
		case <-done:
		case <-time.After(w.cfg.ShutdownTimeout):
			if err := p.Signal(killSignal()); err != nil {
				log.Printf("[worker %d] SIGKILL failed: %v", w.ID, err)
			}
			<-done
		}
	}

	if runner != nil {
		_ = runner.Stop(time.Second)
	}

	return p.Close()
}

// Alive reports whether the worker is currently running or being killed.
func (w *Worker) Alive() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state == StateRunning || w.state == StateKilling
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// PID returns the child's PID, or 0 if it was never started.
func (w *Worker) PID() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.p == nil {
		return 0
	}
	return derefPID(w.p.PID())
}

// Wait reports, without blocking, whether the current generation's child
// process has exited and been reaped (the exit goroutine Start launches
// reaps it through exec.Cmd.Wait). It returns false if the worker was never
// started.
func (w *Worker) Wait() bool {
	w.mu.RLock()
	done := w.done
	started := w.p != nil
	w.mu.RUnlock()
	if !started {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// Signal forwards sig to the child process.
func (w *Worker) Signal(sig os.Signal) error {
	w.mu.RLock()
	p := w.p
	w.mu.RUnlock()
	if p == nil {
		return nil
	}
	return p.Signal(sig)
}

// HeartbeatAge reports how long it has been since the last heartbeat
// reply was received.
func (w *Worker) HeartbeatAge() time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return time.Since(w.lastHeartbeat)
}

// Error returns the most recently recorded supervisor error, if any.
func (w *Worker) Error() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.recordedErr
}

// Restarts returns how many times this Worker has been restarted: one per
// HUP-triggered in-place restart plus one per MarkRestarted call. The
// initial Start is not counted.
func (w *Worker) Restarts() uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.restarts
}

// MarkRestarted increments the restart counter, for callers that respawn
// this Worker themselves. Pool does not call it.
func (w *Worker) MarkRestarted() {
	w.mu.Lock()
	w.restarts++
	w.mu.Unlock()
}

func derefPID(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// Package service implements the Server external collaborator (spec
// §4.E): a long-running single-process service built on threaded.Runner,
// holding a PidFile for its lifetime and dispatching OS signals to
// optional same-named hooks.
//
// Grounded in shape on server.StartServer's
// acquire-resources/install-signals/serve-until-told-to-stop lifecycle,
// with the teacher's HTTP-specific body (routing, compression, proxying —
// out of scope per this module's Non-goals, which exclude a network
// protocol) replaced by a caller-supplied Run loop body.
package service

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/forgepool/forgepool/internal/ferrors"
	"github.com/forgepool/forgepool/internal/pidfile"
	"github.com/forgepool/forgepool/internal/threaded"
)

// Hooks are the optional signal dispatch targets spec §4.E/§6 names.
// OnInt and OnTerm default to Shutdown when unset; the others are no-ops.
type Hooks struct {
	Run func() error

	OnHup  func()
	OnInt  func()
	OnTerm func()
	OnUsr1 func()
	OnUsr2 func()

	BeforeStopping func()
	AfterStopping  func()
}

// Config configures a Server's PidFile and shutdown behavior.
type Config struct {
	ProgramName     string
	PidDir          string
	PidMode         os.FileMode
	ShutdownTimeout time.Duration
}

// Server is a long-running single-process service.
type Server struct {
	cfg    Config
	hooks  Hooks
	pf     *pidfile.PidFile
	runner *threaded.Runner

	mu       sync.Mutex
	cond     *sync.Cond
	shutdown bool
	sigCh    chan os.Signal
}

// New constructs a Server. It returns ferrors.ErrNotImplemented if
// hooks.Run is nil.
func New(cfg Config, hooks Hooks) (*Server, error) {
	if hooks.Run == nil {
		return nil, fmt.Errorf("service: no Run hook: %w", ferrors.ErrNotImplemented)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		cfg:   cfg,
		hooks: hooks,
		pf:    pidfile.New(cfg.ProgramName, cfg.PidDir, cfg.PidMode),
	}
	s.cond = sync.NewCond(&s.mu)

	runner, err := threaded.New(threaded.RunnableFunc(hooks.Run), threaded.Options{
		BeforeStopping: s.runBeforeStopping,
		AfterStopping:  s.runAfterStopping,
	})
	if err != nil {
		return nil, err
	}
	s.runner = runner
	return s, nil
}

// Startup acquires the PidFile, installs signal handlers, and starts the
// run loop. If wait is true, Startup blocks until Shutdown has fully
// completed (including AfterStopping) before returning.
func (s *Server) Startup(wait bool) error {
	if err := s.pf.Write(os.Getpid()); err != nil {
		return fmt.Errorf("service: acquire pidfile: %w", err)
	}

	s.sigCh = make(chan os.Signal, 8)
	signal.Notify(s.sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	go s.dispatchSignals()

	s.runner.Start()
	log.Printf("[service] %s started, pid=%d", s.cfg.ProgramName, os.Getpid())

	if wait {
		s.mu.Lock()
		for !s.shutdown {
			s.cond.Wait()
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *Server) dispatchSignals() {
	for sig := range s.sigCh {
		switch sig {
		case syscall.SIGHUP:
			if s.hooks.OnHup != nil {
				s.hooks.OnHup()
			}
		case syscall.SIGUSR1:
			if s.hooks.OnUsr1 != nil {
				s.hooks.OnUsr1()
			}
		case syscall.SIGUSR2:
			if s.hooks.OnUsr2 != nil {
				s.hooks.OnUsr2()
			}
		case syscall.SIGINT:
			if s.hooks.OnInt != nil {
				s.hooks.OnInt()
			} else {
				s.Shutdown()
			}
		case syscall.SIGTERM:
			if s.hooks.OnTerm != nil {
				s.hooks.OnTerm()
			} else {
				s.Shutdown()
			}
		}
	}
}

// Shutdown stops the run loop and releases the PidFile. It is safe to
// call more than once; subsequent calls are no-ops.
func (s *Server) Shutdown() {
	signal.Stop(s.sigCh)
	if err := s.runner.Stop(s.cfg.ShutdownTimeout); err != nil {
		log.Printf("[service] %s shutdown: %v", s.cfg.ProgramName, err)
	}
}

func (s *Server) runBeforeStopping() {
	if s.hooks.BeforeStopping != nil {
		s.hooks.BeforeStopping()
	}
}

func (s *Server) runAfterStopping() {
	if s.hooks.AfterStopping != nil {
		s.hooks.AfterStopping()
	}
	if err := s.pf.Delete(); err != nil {
		log.Printf("[service] %s: delete pidfile: %v", s.cfg.ProgramName, err)
	}

	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// PidFile exposes the Server's PidFile for callers that need its path.
func (s *Server) PidFile() *pidfile.PidFile { return s.pf }

// Package piper implements the Piper: a bidirectional, framed,
// object-carrying channel across a parent/child process boundary.
//
// Go cannot fork() a running process and keep both halves of the runtime
// alive (goroutines, GC, and other OS threads do not survive a bare fork).
// The substitute used here is self-re-exec: the parent
// starts a fresh copy of its own binary with os/exec, handing the child
// two pipe file descriptors via Cmd.ExtraFiles instead of "inheriting" them
// through a fork. Bootstrap, called as the first statement of the hosting
// program's main(), recognizes when the running binary IS one of those
// re-exec'd children and hands control to the registered child driver
// before any of the program's ordinary startup code runs.
package piper

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgepool/forgepool/internal/ferrors"
	"github.com/forgepool/forgepool/internal/frame"
)

// Mode selects which direction(s) of the pipe pair a Piper keeps open.
type Mode int

const (
	// ModeR: parent reads, child writes.
	ModeR Mode = iota
	// ModeW: parent writes, child reads.
	ModeW
	// ModeRW: both directions.
	ModeRW
)

func (m Mode) String() string {
	switch m {
	case ModeR:
		return "R"
	case ModeW:
		return "W"
	case ModeRW:
		return "RW"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func (m Mode) valid() bool {
	return m == ModeR || m == ModeW || m == ModeRW
}

// Piper is one end of the pipe pair. The parent-side Piper returned by New
// carries a non-nil PID; the child-side Piper built by Bootstrap carries a
// nil PID.
type Piper struct {
	mode           Mode
	suspendTimeout time.Duration

	readFile  *os.File
	writeFile *os.File
	reader    *bufio.Reader

	cmd *exec.Cmd
	pid *int

	// isDaemonSelf is true only on the Piper daemonizeStageTwo returns: it
	// marks "this call is executing inside the detached daemon process
	// itself," as opposed to the original foreground caller waiting on it.
	isDaemonSelf bool

	frameCh chan frame.Frame
	errCh   chan error
	pumpOn  sync.Once

	pendingMu sync.Mutex
	pending   *frame.Frame
	pendErr   error

	closeOnce sync.Once
	closed    atomic.Bool
}

// New forks (via self-re-exec) a child process and returns the parent-side
// Piper connected to it. capabilityName must have been registered with
// capability.Register in the hosting binary; it is handed to the child
// through the environment so the child can rebuild the same capability set
// without sharing any Go values with the parent.
func New(mode Mode, suspendTimeout time.Duration, capabilityName string) (*Piper, error) {
	if !mode.valid() {
		return nil, fmt.Errorf("piper: unknown mode %v: %w", mode, ferrors.ErrArgument)
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("piper: resolve executable: %w", err)
	}

	p := &Piper{mode: mode, suspendTimeout: suspendTimeout}

	var extraFiles []*os.File
	var closeAfterStart []*os.File

	var parentToChildR, parentToChildW *os.File
	var childToParentR, childToParentW *os.File

	if mode == ModeW || mode == ModeRW {
		parentToChildR, parentToChildW, err = os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("piper: pipe: %w", err)
		}
		p.writeFile = parentToChildW
		extraFiles = append(extraFiles, parentToChildR)
		closeAfterStart = append(closeAfterStart, parentToChildR)
	}
	if mode == ModeR || mode == ModeRW {
		childToParentR, childToParentW, err = os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("piper: pipe: %w", err)
		}
		p.readFile = childToParentR
		p.reader = bufio.NewReader(p.readFile)
		extraFiles = append(extraFiles, childToParentW)
		closeAfterStart = append(closeAfterStart, childToParentW)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(),
		envChildFlag+"=1",
		envMode+"="+mode.String(),
		envTimeoutMS+"="+strconv.FormatInt(suspendTimeout.Milliseconds(), 10),
		envCapability+"="+capabilityName,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = extraFiles
	applyChildProcAttrs(cmd)

	if err := cmd.Start(); err != nil {
		for _, f := range closeAfterStart {
			f.Close()
		}
		return nil, fmt.Errorf("piper: start child: %w", err)
	}

	for _, f := range closeAfterStart {
		f.Close()
	}

	pid := cmd.Process.Pid
	p.cmd = cmd
	p.pid = &pid

	return p, nil
}

// PID returns the child process's PID, or nil on the child side.
func (p *Piper) PID() *int { return p.pid }

// IsDaemonSelf reports whether this Piper is the one Daemonize returned
// inside the detached daemon process itself (stage two), as opposed to the
// one returned to the original foreground caller. Only the foreground
// caller should poll for the daemon's readiness; the daemon process itself
// should simply proceed into its own body.
func (p *Piper) IsDaemonSelf() bool { return p.isDaemonSelf }

// Wait blocks until the child process exits and returns its exit error, if
// any. It is only meaningful on the parent side; the child-side Piper
// built by Bootstrap has no *exec.Cmd to wait on and returns nil
// immediately.
func (p *Piper) Wait() error {
	if p.cmd == nil {
		return nil
	}
	return p.cmd.Wait()
}

// Mode reports this Piper's direction.
func (p *Piper) Mode() Mode { return p.mode }

func (p *Piper) startPump() {
	p.pumpOn.Do(func() {
		if p.reader == nil {
			return
		}
		p.frameCh = make(chan frame.Frame, 16)
		p.errCh = make(chan error, 1)
		go func() {
			for {
				f, err := frame.ReadFrame(p.reader)
				if err != nil {
					p.errCh <- err
					return
				}
				p.frameCh <- f
			}
		}()
	})
}

// Send serializes v as one frame and writes it, flushing immediately.
// v may be a frame.Tag (control), an error (sent as a structured error
// frame), or any JSON-marshalable application value. It returns the number
// of bytes written, or (0, nil) if the write end is closed or would block
// past the configured suspend timeout — it never partially delivers a
// value.
func (p *Piper) Send(v any) (int, error) {
	if p.writeFile == nil || p.closed.Load() {
		return 0, nil
	}

	f, err := toFrame(v)
	if err != nil {
		return 0, err
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		var counting countingWriter
		werr := frame.WriteFrame(&countingToFile{cw: &counting, f: p.writeFile}, f)
		done <- result{n: counting.n, err: werr}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if isClosedErr(r.err) {
				return 0, nil
			}
			return 0, r.err
		}
		return r.n, nil
	case <-p.timeoutChan():
		return 0, nil
	}
}

func toFrame(v any) (frame.Frame, error) {
	switch val := v.(type) {
	case frame.Tag:
		return frame.NewControl(val), nil
	case error:
		return frame.NewError(frame.StructuredError{Kind: "error", Message: val.Error()}), nil
	default:
		return frame.NewValue(v)
	}
}

// Receive blocks up to the configured suspend timeout for one complete
// frame and returns its decoded application value (or the reconstructed
// error, if the peer sent one). It returns ferrors.ErrTimeout if no frame
// arrived in time.
func (p *Piper) Receive() (any, error) {
	f, err := p.receiveFrame()
	if err != nil {
		return nil, err
	}
	switch f.Kind {
	case frame.KindControl:
		return f.Tag, nil
	case frame.KindError:
		return nil, &ferrorsChildError{kind: f.Err.Kind, message: f.Err.Message}
	default:
		var v any
		if err := f.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// ReceiveFrame exposes the raw decoded frame.Frame, for callers (the
// Worker supervisor, the child driver) that need to dispatch on Kind/Tag
// precisely rather than on an interface{} value.
func (p *Piper) ReceiveFrame() (frame.Frame, error) {
	return p.receiveFrame()
}

func (p *Piper) receiveFrame() (frame.Frame, error) {
	p.startPump()

	p.pendingMu.Lock()
	if p.pending != nil {
		f := *p.pending
		p.pending = nil
		p.pendingMu.Unlock()
		return f, nil
	}
	if p.pendErr != nil {
		err := p.pendErr
		p.pendingMu.Unlock()
		return frame.Frame{}, err
	}
	p.pendingMu.Unlock()

	if p.frameCh == nil {
		return frame.Frame{}, fmt.Errorf("piper: not readable in mode %v", p.mode)
	}

	select {
	case f := <-p.frameCh:
		return f, nil
	case err := <-p.errCh:
		p.pendingMu.Lock()
		p.pendErr = err
		p.pendingMu.Unlock()
		return frame.Frame{}, err
	case <-p.timeoutChan():
		return frame.Frame{}, fmt.Errorf("piper: receive: %w", ferrors.ErrTimeout)
	}
}

func (p *Piper) timeoutChan() <-chan time.Time {
	if p.suspendTimeout <= 0 {
		// Block "forever" in practice — still bounded so tests never hang.
		return time.After(24 * time.Hour)
	}
	return time.After(p.suspendTimeout)
}

// Readable performs a bounded wait (<= suspend timeout) and reports whether
// a Receive would succeed without blocking further.
func (p *Piper) Readable() bool {
	p.startPump()

	p.pendingMu.Lock()
	if p.pending != nil || p.pendErr != nil {
		p.pendingMu.Unlock()
		return true
	}
	p.pendingMu.Unlock()

	if p.frameCh == nil {
		return false
	}

	select {
	case f := <-p.frameCh:
		p.pendingMu.Lock()
		p.pending = &f
		p.pendingMu.Unlock()
		return true
	case err := <-p.errCh:
		p.pendingMu.Lock()
		p.pendErr = err
		p.pendingMu.Unlock()
		return true
	case <-p.timeoutChan():
		return false
	}
}

// Writable reports whether this Piper has a write end at all. A pipe's
// kernel buffer makes an actual "would Send block" probe unreliable
// without racing the write itself, so Writable only rules out the cases
// that are certain: a Piper opened in R-only mode, or one that has been
// Closed.
func (p *Piper) Writable() bool {
	return p.writeFile != nil && !p.closed.Load()
}

// Signal delivers POSIX signal sig to the child PID. It is a no-op on the
// child side, and swallows delivery errors against a process that is
// already gone.
func (p *Piper) Signal(sig os.Signal) error {
	if p.pid == nil {
		return nil
	}
	proc, err := os.FindProcess(*p.pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(sig); err != nil {
		if isProcessGoneErr(err) {
			return nil
		}
		return err
	}
	return nil
}

// Close releases this Piper's file descriptors. It is idempotent.
func (p *Piper) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		if p.writeFile != nil {
			err = p.writeFile.Close()
		}
		if p.readFile != nil {
			if cerr := p.readFile.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

type ferrorsChildError struct {
	kind    string
	message string
}

func (e *ferrorsChildError) Error() string { return e.kind + ": " + e.message }
func (e *ferrorsChildError) Unwrap() error { return ferrors.ErrChildRaised }

// countingWriter and countingToFile let Send report bytes written without
// a second pass over the serialized frame.
type countingWriter struct{ n int }

type countingToFile struct {
	cw *countingWriter
	f  *os.File
}

func (c *countingToFile) Write(b []byte) (int, error) {
	n, err := c.f.Write(b)
	c.cw.n += n
	return n, err
}

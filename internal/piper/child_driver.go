package piper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/forgepool/forgepool/internal/capability"
	"github.com/forgepool/forgepool/internal/ferrors"
	"github.com/forgepool/forgepool/internal/frame"
)

// RunChildDriver is the body of a re-exec'd worker child: it waits for the
// initial START frame, then alternates HEARTBEAT requests with Execute
// calls until it sees HALT or its parent's Piper goes away. It is the
// counterpart to the parent-side supervisor loop built on threaded.Runner.
// RunChildDriver always terminates the process itself (os.Exit) rather
// than returning, so deferred cleanup in an ordinary main() never runs —
// the child's only cleanup duty is AfterExecuting, which this function
// already calls.
func RunChildDriver(cs capability.Set, p *Piper) {
	ctx := context.Background()

	hupCh := make(chan struct{}, 1)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, childSignals()...)
	go watchChildSignals(sigCh, cs, hupCh)

	if err := cs.BeforeExecuting(ctx); err != nil {
		log.Printf("[piper] before_executing: %v", err)
	}

	awaitStart(p)
	driveHeartbeats(ctx, cs, p, hupCh)

	if err := cs.AfterExecuting(ctx); err != nil {
		log.Printf("[piper] after_executing: %v", err)
	}
	p.Close()
	os.Exit(0)
}

// watchChildSignals only flips hupCh for SIGHUP: the actual restart
// handshake (send START, await the parent's ack) shares the Piper's read
// side with driveHeartbeats, so it must run on that same goroutine rather
// than racing it here. SIGTERM has no handshake to perform and is handled
// directly.
func watchChildSignals(sigCh <-chan os.Signal, cs capability.Set, hupCh chan<- struct{}) {
	for sig := range sigCh {
		if isHupSignal(sig) {
			select {
			case hupCh <- struct{}{}:
			default:
			}
			continue
		}
		if err := cs.OnTerm(); err != nil {
			log.Printf("[piper] on_term: %v", err)
		}
		os.Exit(0)
	}
}

func awaitStart(p *Piper) {
	for {
		f, err := p.ReceiveFrame()
		if err != nil {
			if errors.Is(err, ferrors.ErrTimeout) {
				continue
			}
			log.Printf("[piper] waiting for start: %v", err)
			os.Exit(1)
		}
		if f.Kind == frame.KindControl && f.Tag == frame.TagStart {
			return
		}
	}
}

// driveHeartbeats alternates HEARTBEAT/Execute rounds with the parent until
// HALT, a broken Piper, or a pending SIGHUP wins the race at an iteration
// boundary. Each round's blocking ReceiveFrame runs on its own goroutine so
// a HUP delivered mid-wait is noticed at the next select rather than only
// after the in-flight receive happens to return; the abandoned goroutine
// dies shortly after when performRestart closes the Piper.
//
// A receive timeout means the parent has gone silent past its own
// heartbeat budget — a protocol violation from the child's point of view,
// not a transient hiccup, so it is fatal: raise it as a timeout error,
// sent back as a single error frame, and exit rather than loop forever as
// an orphan. A frame that is not a HEARTBEAT or HALT control tag is
// handled the same way, with an unknown-signal error.
func driveHeartbeats(ctx context.Context, cs capability.Set, p *Piper, hupCh <-chan struct{}) {
	for {
		type recvResult struct {
			f   frame.Frame
			err error
		}
		rc := make(chan recvResult, 1)
		go func() {
			f, err := p.ReceiveFrame()
			rc <- recvResult{f, err}
		}()

		select {
		case <-hupCh:
			performRestart(cs, p)
			return
		case r := <-rc:
			if r.err != nil {
				if errors.Is(r.err, ferrors.ErrTimeout) {
					log.Printf("[piper] heartbeat timeout waiting for parent, raising")
					_, _ = p.Send(fmt.Errorf("piper: child: %w", ferrors.ErrTimeout))
					return
				}
				log.Printf("[piper] receive: %v", r.err)
				return
			}

			if r.f.Kind != frame.KindControl {
				log.Printf("[piper] %v", ferrors.ErrUnknownSignal)
				_, _ = p.Send(fmt.Errorf("piper: child: %w", ferrors.ErrUnknownSignal))
				return
			}

			switch r.f.Tag {
			case frame.TagHeartbeat:
				if err := cs.Execute(ctx); err != nil {
					_, _ = p.Send(err)
					continue
				}
				_, _ = p.Send(frame.TagHeartbeat)
			case frame.TagHalt:
				return
			default:
				log.Printf("[piper] %v: %s", ferrors.ErrUnknownSignal, r.f.Tag)
				_, _ = p.Send(fmt.Errorf("piper: child: %w: %s", ferrors.ErrUnknownSignal, r.f.Tag))
				return
			}
		}
	}
}

// performRestart implements the spec's SIGHUP handshake (§4.C.1): announce
// a restart request with a START frame, await the parent's one-frame
// acknowledgement (discarded), close the Piper, run the hup hook, then exit.
// A failure or timeout waiting for the ack does not block the restart — the
// parent converges on a missing ack via reap + EnsureSize (Design Notes,
// Open Question 2) regardless of whether this handshake completes cleanly.
func performRestart(cs capability.Set, p *Piper) {
	if _, err := p.Send(frame.TagStart); err != nil {
		log.Printf("[piper] restart: send start: %v", err)
	}
	if _, err := p.ReceiveFrame(); err != nil && !errors.Is(err, ferrors.ErrTimeout) {
		log.Printf("[piper] restart: await ack: %v", err)
	}
	p.Close()
	if err := cs.OnHup(); err != nil {
		log.Printf("[piper] on_hup: %v", err)
	}
	os.Exit(0)
}

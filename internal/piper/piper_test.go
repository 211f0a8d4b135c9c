package piper

import (
	"bufio"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/forgepool/forgepool/internal/ferrors"
	"github.com/forgepool/forgepool/internal/frame"
)

// wirePair builds two Pipers directly connected by a pair of OS pipes,
// skipping Piper.New's self-re-exec entirely. It exercises exactly the
// same Send/Receive/Readable machinery New's result would use, without
// forcing every test to spawn a real child process.
func wirePair(t *testing.T, timeout time.Duration) (a, b *Piper) {
	t.Helper()
	ar, aw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	br, bw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	a = &Piper{mode: ModeRW, suspendTimeout: timeout, readFile: ar, writeFile: bw}
	a.reader = bufio.NewReader(a.readFile)
	b = &Piper{mode: ModeRW, suspendTimeout: timeout, readFile: br, writeFile: aw}
	b.reader = bufio.NewReader(b.readFile)
	return a, b
}

func TestSendReceiveRoundTrip(t *testing.T) {
	a, b := wirePair(t, time.Second)
	defer a.Close()
	defer b.Close()

	if _, err := a.Send(map[string]int{"n": 7}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := b.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok || m["n"].(float64) != 7 {
		t.Fatalf("got %#v", got)
	}
}

func TestSendReceiveControlTag(t *testing.T) {
	a, b := wirePair(t, time.Second)
	defer a.Close()
	defer b.Close()

	if _, err := a.Send(frame.TagHeartbeat); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := b.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got != frame.TagHeartbeat {
		t.Fatalf("got %#v, want TagHeartbeat", got)
	}
}

func TestSendReceiveError(t *testing.T) {
	a, b := wirePair(t, time.Second)
	defer a.Close()
	defer b.Close()

	sent := errors.New("capability exploded")
	if _, err := a.Send(sent); err != nil {
		t.Fatalf("send: %v", err)
	}
	_, err := b.Receive()
	if err == nil {
		t.Fatal("expected a reconstructed error")
	}
	if !errors.Is(err, ferrors.ErrChildRaised) {
		t.Fatalf("got %v, want wrapped ErrChildRaised", err)
	}
}

func TestReceiveTimesOutWithNoData(t *testing.T) {
	a, b := wirePair(t, 50*time.Millisecond)
	defer a.Close()
	defer b.Close()

	_, err := b.Receive()
	if !errors.Is(err, ferrors.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestReadableDoesNotConsumeTheFrame(t *testing.T) {
	a, b := wirePair(t, time.Second)
	defer a.Close()
	defer b.Close()

	if _, err := a.Send(frame.TagHalt); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	if !b.Readable() {
		t.Fatal("expected Readable to report true")
	}
	got, err := b.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if got != frame.TagHalt {
		t.Fatalf("got %#v, want TagHalt", got)
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(Mode(99), time.Second, "whatever")
	if !errors.Is(err, ferrors.ErrArgument) {
		t.Fatalf("got %v, want ErrArgument", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a, b := wirePair(t, time.Second)
	defer b.Close()

	if err := a.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if a.Writable() {
		t.Fatal("Writable should be false after Close")
	}
}

func TestSignalIsNoOpWithoutPID(t *testing.T) {
	a, b := wirePair(t, time.Second)
	defer a.Close()
	defer b.Close()

	if err := a.Signal(os.Interrupt); err != nil {
		t.Fatalf("Signal on a child-side Piper (nil pid) should be a no-op: %v", err)
	}
}

package frame

import (
	"bytes"
	"testing"
)

func TestControlRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for _, tag := range []Tag{TagStart, TagHalt, TagHeartbeat, TagError} {
		if err := WriteFrame(&buf, NewControl(tag)); err != nil {
			t.Fatalf("write %s: %v", tag, err)
		}
	}
	for _, want := range []Tag{TagStart, TagHalt, TagHeartbeat, TagError} {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.Kind != KindControl || got.Tag != want {
			t.Fatalf("got %+v, want tag %s", got, want)
		}
	}
}

func TestValueRoundTrip(t *testing.T) {
	type payload struct {
		Name string
		N    int
	}
	var buf bytes.Buffer
	in := payload{Name: "worker-7", N: 42}
	f, err := NewValue(in)
	if err != nil {
		t.Fatalf("NewValue: %v", err)
	}
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out payload
	if err := got.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestErrorRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	se := StructuredError{Kind: "timeout", Message: "heartbeat not received within 2s"}
	if err := WriteFrame(&buf, NewError(se)); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Kind != KindError || *got.Err != se {
		t.Fatalf("got %+v, want %+v", got, se)
	}
}

func TestMultipleFramesDoNotCollide(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, NewControl(TagHeartbeat)); err != nil {
		t.Fatal(err)
	}
	f, _ := NewValue(map[string]int{"a": 1})
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(&buf, NewControl(TagHalt)); err != nil {
		t.Fatal(err)
	}

	first, err := ReadFrame(&buf)
	if err != nil || first.Tag != TagHeartbeat {
		t.Fatalf("first frame: %+v, %v", first, err)
	}
	second, err := ReadFrame(&buf)
	if err != nil || second.Kind != KindValue {
		t.Fatalf("second frame: %+v, %v", second, err)
	}
	third, err := ReadFrame(&buf)
	if err != nil || third.Tag != TagHalt {
		t.Fatalf("third frame: %+v, %v", third, err)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7F, 0xFF, 0xFF, 0xFF})
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for oversized frame length")
	}
}

// Package frame implements the wire format shared by every Piper: a
// self-delimited, length-prefixed record carrying either a control tag
// (START, HALT, ERROR, HEARTBEAT) or an opaque application value.
//
// The length-prefix scheme (rather than a magic delimiter sequence) mirrors
// the framing ipc/bridge.go originally used in this tool's HTTP transport —
// read a 4-byte big-endian size, then read exactly that many payload bytes —
// which keeps framing unambiguous without scanning the payload for a
// sentinel byte.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Tag is one of the four control mnemonics exchanged over a Piper.
type Tag string

const (
	TagStart     Tag = "START"
	TagHalt      Tag = "HALT"
	TagHeartbeat Tag = "HEARTBEAT"
	TagError     Tag = "ERROR"
)

// Kind distinguishes the three frame bodies. It occupies its own
// length-prefixed byte, never a byte inside the payload, so it cannot
// collide with any JSON-encoded application value.
type Kind byte

const (
	KindControl Kind = 0x00
	KindValue   Kind = 0x01
	KindError   Kind = 0x02
)

// MaxFrameSize bounds a single frame's payload, guarding against a
// corrupted or hostile length prefix. Adapted from ipc.MaxMessageSize.
const MaxFrameSize = 64 * 1024 * 1024

// StructuredError is the wire representation of an error value sent from a
// child back to its parent. Kind and Message round-trip losslessly.
type StructuredError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Frame is one decoded record: either a control Tag, or a Value payload, or
// an Err payload. Exactly one of Tag/Value/Err is meaningful, selected by
// Kind.
type Frame struct {
	Kind  Kind
	Tag   Tag
	Value json.RawMessage
	Err   *StructuredError
}

// NewControl builds a control frame for tag t.
func NewControl(t Tag) Frame {
	return Frame{Kind: KindControl, Tag: t}
}

// NewValue marshals v as a value frame.
func NewValue(v any) (Frame, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("frame: marshal value: %w", err)
	}
	return Frame{Kind: KindValue, Value: raw}, nil
}

// NewError builds an error frame from a StructuredError.
func NewError(se StructuredError) Frame {
	return Frame{Kind: KindError, Err: &se}
}

// Decode unmarshals the frame's Value payload into v. It is a thin helper
// over json.Unmarshal for callers that know the expected concrete type.
func (f Frame) Decode(v any) error {
	if f.Kind != KindValue {
		return fmt.Errorf("frame: not a value frame (kind=%d)", f.Kind)
	}
	return json.Unmarshal(f.Value, v)
}

// WriteFrame serializes f as one length-prefixed record and writes it to w
// in a single buffered write so a partial write cannot split header and
// body across two syscalls.
func WriteFrame(w io.Writer, f Frame) error {
	var body []byte
	var err error

	switch f.Kind {
	case KindControl:
		body = []byte(f.Tag)
	case KindValue:
		body = f.Value
	case KindError:
		body, err = json.Marshal(f.Err)
		if err != nil {
			return fmt.Errorf("frame: marshal error body: %w", err)
		}
	default:
		return fmt.Errorf("frame: unknown kind %d", f.Kind)
	}

	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame: body of %d bytes exceeds MaxFrameSize", len(body))
	}

	buf := make([]byte, 4+1+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)+1))
	buf[4] = byte(f.Kind)
	copy(buf[5:], body)

	_, err = w.Write(buf)
	return err
}

// ReadFrame blocks until one complete frame is available on r and decodes
// it. Callers that need a bounded wait should wrap r with a deadline-aware
// reader (see piper.Piper) before calling ReadFrame.
func ReadFrame(r io.Reader) (Frame, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return Frame{}, err
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	if size == 0 {
		return Frame{}, fmt.Errorf("frame: empty frame")
	}
	if size > MaxFrameSize {
		return Frame{}, fmt.Errorf("frame: advertised size %d exceeds MaxFrameSize", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}

	kind := Kind(payload[0])
	body := payload[1:]

	switch kind {
	case KindControl:
		return Frame{Kind: KindControl, Tag: Tag(body)}, nil
	case KindValue:
		return Frame{Kind: KindValue, Value: json.RawMessage(body)}, nil
	case KindError:
		var se StructuredError
		if err := json.Unmarshal(body, &se); err != nil {
			return Frame{}, fmt.Errorf("frame: unmarshal error body: %w", err)
		}
		return Frame{Kind: KindError, Err: &se}, nil
	default:
		return Frame{}, fmt.Errorf("frame: unknown kind byte %d", kind)
	}
}

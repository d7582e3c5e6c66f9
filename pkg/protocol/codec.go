package protocol

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"time"
)

const codecLogPrefix = "protocol:codec"

// Value types that may appear inside Fields. gob needs every concrete type
// stored behind an interface to be registered on both ends.
func init() {
	gob.Register(map[string]any{})
	gob.Register([]map[string]any{})
	gob.Register([]any{})
	gob.Register([]string{})
	gob.Register([]int64{})
	gob.Register([]int{})
	gob.Register([]byte{})
	gob.Register(Fields{})
	gob.Register(time.Time{})
}

// ProtocolError reports a frame that was read intact but could not be
// interpreted. The stream stays usable; callers log and skip.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsTerminal reports whether err ends the stream. Only protocol errors are
// recoverable; every other read failure is a transport failure.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProtocolError
	return !errors.As(err, &pe)
}

var bufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

func encodePayload(v any) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)
	if err := gob.NewEncoder(buf).Encode(v); err != nil {
		return nil, fmt.Errorf("%s - failed to encode payload: %w", codecLogPrefix, err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func decodePayload(b []byte, out any) error {
	if len(b) == 0 {
		return errors.New("empty payload")
	}
	return gob.NewDecoder(bytes.NewReader(b)).Decode(out)
}

// EncodeEnvelope produces a self-contained encoding of e, used by
// message-oriented transports where each frame is decoded independently.
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	return encodePayload(e)
}

// DecodeEnvelope is the inverse of EncodeEnvelope. Failures are protocol errors.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	if err := decodePayload(b, &e); err != nil {
		return nil, &ProtocolError{Reason: "undecodable envelope", Err: err}
	}
	return &e, nil
}

package protocol

import (
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const streamLogPrefix = "protocol:stream"

// ErrStreamClosed is returned by writes on a closed stream.
var ErrStreamClosed = errors.New("stream closed")

// Stream moves envelopes over one connection. WriteEnvelope is safe for
// concurrent use; ReadEnvelope must only be called from a single goroutine.
type Stream interface {
	WriteEnvelope(e *Envelope) error
	ReadEnvelope() (*Envelope, error)
	Close() error
	RemoteAddr() string
}

// StreamOptions tunes deadlines on a stream. Zero values disable the deadline.
type StreamOptions struct {
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// ConnStream carries envelopes over a byte stream with one long-lived gob
// encoder and decoder, so type information is sent once per connection.
type ConnStream struct {
	conn net.Conn
	opts StreamOptions

	wmu sync.Mutex
	enc *gob.Encoder
	dec *gob.Decoder

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewConnStream wraps conn. The caller hands ownership of conn to the stream.
func NewConnStream(conn net.Conn, opts StreamOptions) *ConnStream {
	return &ConnStream{
		conn:   conn,
		opts:   opts,
		enc:    gob.NewEncoder(conn),
		dec:    gob.NewDecoder(conn),
		closed: make(chan struct{}),
	}
}

// WriteEnvelope encodes e as one frame.
func (s *ConnStream) WriteEnvelope(e *Envelope) error {
	if e == nil {
		return fmt.Errorf("%s - nil envelope", streamLogPrefix)
	}
	select {
	case <-s.closed:
		return ErrStreamClosed
	default:
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.opts.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	if err := s.enc.Encode(e); err != nil {
		return fmt.Errorf("%s - failed to write %s envelope: %w", streamLogPrefix, e.Kind, err)
	}
	return nil
}

// ReadEnvelope blocks for the next frame. A decode failure here desynchronises
// the gob stream, so every error it returns is terminal.
func (s *ConnStream) ReadEnvelope() (*Envelope, error) {
	if s.opts.IdleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
	}
	var e Envelope
	if err := s.dec.Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Close closes the underlying connection. Safe to call more than once.
func (s *ConnStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *ConnStream) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

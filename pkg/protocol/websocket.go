package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsLogPrefix = "protocol:websocket"

// WebSocketStream carries one envelope per binary websocket message. Each
// message is decoded on its own, so a bad message does not poison the stream.
type WebSocketStream struct {
	conn *websocket.Conn
	opts StreamOptions

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewWebSocketStream wraps an established websocket connection.
func NewWebSocketStream(conn *websocket.Conn, opts StreamOptions) *WebSocketStream {
	return &WebSocketStream{conn: conn, opts: opts, closed: make(chan struct{})}
}

func (s *WebSocketStream) WriteEnvelope(e *Envelope) error {
	if e == nil {
		return fmt.Errorf("%s - nil envelope", wsLogPrefix)
	}
	select {
	case <-s.closed:
		return ErrStreamClosed
	default:
	}
	data, err := EncodeEnvelope(e)
	if err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.opts.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%s - failed to write %s envelope: %w", wsLogPrefix, e.Kind, err)
	}
	return nil
}

// ReadEnvelope returns a *ProtocolError for text frames and undecodable
// binary frames; other errors come from the connection and are terminal.
func (s *WebSocketStream) ReadEnvelope() (*Envelope, error) {
	if s.opts.IdleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
	}
	mt, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, &ProtocolError{Reason: fmt.Sprintf("unexpected websocket message type %d", mt)}
	}
	return DecodeEnvelope(data)
}

// Close sends a close frame, best effort, and closes the connection.
func (s *WebSocketStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wmu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.wmu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *WebSocketStream) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// IsClosed reports whether err means the peer or the local side closed the
// connection, as opposed to a genuine transport fault.
func IsClosed(err error) bool {
	var ce *websocket.CloseError
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrStreamClosed) ||
		errors.As(err, &ce)
}

// Package client connects to a chat server, sends one request at a time and
// delivers server-pushed notifications to subscribers.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/morezero/chatcore/pkg/protocol"
)

const logPrefix = "client:adapter"

const (
	defaultRequestTimeout = 10 * time.Second
	defaultDialTimeout    = 5 * time.Second
	reasonConnectionLost  = "Conexión con el servidor perdida"
)

// Config tunes an Adapter. Zero values select defaults.
type Config struct {
	RequestTimeout time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	// HeartbeatInterval of zero disables heartbeats.
	HeartbeatInterval time.Duration
	// Bus receives pushed events. NewAdapter creates one when nil.
	Bus *EventBus
}

// connection is one attached stream and the goroutines serving it.
type connection struct {
	stream protocol.Stream
	// lost is closed when the reader exits.
	lost chan struct{}
	// stop is closed by Disconnect before the stream is closed.
	stop     chan struct{}
	stopOnce sync.Once
	forced   sync.Once
}

// Adapter owns the client side of one server connection. Requests are
// single flight: SendRequest holds a lock until its reply arrives, so at most
// one reply is ever outstanding.
type Adapter struct {
	cfg Config
	bus *EventBus

	reqMu sync.Mutex
	seq   uint64
	slot  chan *protocol.Envelope

	mu        sync.Mutex
	cur       *connection
	connected bool
}

// NewAdapter creates a disconnected adapter.
func NewAdapter(cfg Config) *Adapter {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Bus == nil {
		cfg.Bus = NewEventBus()
	}
	return &Adapter{
		cfg:  cfg,
		bus:  cfg.Bus,
		slot: make(chan *protocol.Envelope, 1),
	}
}

// Events returns the bus pushed notifications are published on.
func (a *Adapter) Events() *EventBus { return a.bus }

// Connected reports whether the adapter has a live connection.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Connect dials the server over TCP.
func (a *Adapter) Connect(ctx context.Context, host string, port int) error {
	if a.Connected() {
		return ErrAlreadyConnected
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	d := net.Dialer{Timeout: a.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to %s: %w", logPrefix, addr, err)
	}
	if err := a.Attach(protocol.NewConnStream(conn, a.streamOptions())); err != nil {
		_ = conn.Close()
		return err
	}
	slog.Info(fmt.Sprintf("%s - Connected to %s", logPrefix, addr))
	return nil
}

// ConnectWebSocket dials the server's websocket endpoint, e.g. ws://host:8080/ws.
func (a *Adapter) ConnectWebSocket(ctx context.Context, url string) error {
	if a.Connected() {
		return ErrAlreadyConnected
	}
	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to %s: %w", logPrefix, url, err)
	}
	if err := a.Attach(protocol.NewWebSocketStream(conn, a.streamOptions())); err != nil {
		_ = conn.Close()
		return err
	}
	slog.Info(fmt.Sprintf("%s - Connected to %s", logPrefix, url))
	return nil
}

func (a *Adapter) streamOptions() protocol.StreamOptions {
	return protocol.StreamOptions{WriteTimeout: a.cfg.WriteTimeout}
}

// Attach starts the adapter over an already open stream.
func (a *Adapter) Attach(stream protocol.Stream) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return ErrAlreadyConnected
	}
	c := &connection{
		stream: stream,
		lost:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	a.cur = c
	a.connected = true
	a.mu.Unlock()

	go a.read(c)
	if a.cfg.HeartbeatInterval > 0 {
		go a.heartbeat(c, a.cfg.HeartbeatInterval)
	}
	return nil
}

// Disconnect closes the connection and waits for the reader to exit. It is
// safe to call repeatedly and never publishes a forced-disconnect event. It
// must not be called synchronously from an event handler.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	c := a.cur
	a.cur = nil
	a.connected = false
	a.mu.Unlock()
	if c == nil {
		return
	}

	c.stopOnce.Do(func() { close(c.stop) })
	if err := c.stream.Close(); err != nil {
		slog.Debug(fmt.Sprintf("%s - close: %v", logPrefix, err))
	}
	<-c.lost
	slog.Info(fmt.Sprintf("%s - Disconnected", logPrefix))
}

// expectClose marks the current connection as closing on our behalf, so the
// server hanging up does not raise a forced-disconnect event.
func (a *Adapter) expectClose() {
	a.mu.Lock()
	c := a.cur
	a.mu.Unlock()
	if c != nil {
		c.stopOnce.Do(func() { close(c.stop) })
	}
}

// SendRequest writes req and waits for its reply. timeout <= 0 uses
// Config.RequestTimeout. Application failures are returned as a Response
// with Success=false, not as an error.
func (a *Adapter) SendRequest(ctx context.Context, req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	a.reqMu.Lock()
	defer a.reqMu.Unlock()

	a.mu.Lock()
	c := a.cur
	connected := a.connected
	a.mu.Unlock()
	if !connected || c == nil {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = a.cfg.RequestTimeout
	}

	// a reply that arrived after its caller gave up must not answer this request
	select {
	case <-a.slot:
	default:
	}

	a.seq++
	seq := a.seq
	env, err := protocol.NewRequestEnvelope(seq, req)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode %s: %w", logPrefix, req.Operation, err)
	}
	if err := c.stream.WriteEnvelope(env); err != nil {
		if protocol.IsClosed(err) {
			return nil, ErrConnectionLost
		}
		return nil, fmt.Errorf("%s - failed to send %s: %w", logPrefix, req.Operation, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case reply := <-a.slot:
			if reply.Seq != seq {
				slog.Debug(fmt.Sprintf("%s - discarding stale reply seq=%d (want %d)", logPrefix, reply.Seq, seq))
				continue
			}
			return decodeReply(reply)
		case <-c.lost:
			select {
			case reply := <-a.slot:
				if reply.Seq == seq {
					return decodeReply(reply)
				}
			default:
			}
			return nil, ErrConnectionLost
		case <-timer.C:
			return nil, &TimeoutError{Operation: req.Operation, After: timeout}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func decodeReply(env *protocol.Envelope) (*protocol.Response, error) {
	resp, err := env.Response()
	if err != nil {
		return nil, fmt.Errorf("%s - failed to decode reply: %w", logPrefix, err)
	}
	return resp, nil
}

// offer places a reply in the slot, replacing any unclaimed one.
func (a *Adapter) offer(env *protocol.Envelope) {
	for {
		select {
		case a.slot <- env:
			return
		default:
		}
		select {
		case <-a.slot:
		default:
		}
	}
}

func (a *Adapter) read(c *connection) {
	err := a.readLoop(c)

	a.mu.Lock()
	if a.cur == c {
		a.connected = false
	}
	a.mu.Unlock()
	close(c.lost)

	select {
	case <-c.stop:
		return
	default:
	}
	slog.Warn(fmt.Sprintf("%s - Connection lost: %v", logPrefix, err))
	c.forced.Do(func() {
		a.bus.Publish(Event{Kind: EventForcedDisconnect, Text: reasonConnectionLost})
	})
}

// readLoop returns the terminal error that ended the connection.
func (a *Adapter) readLoop(c *connection) error {
	for {
		env, err := c.stream.ReadEnvelope()
		if err != nil {
			if !protocol.IsTerminal(err) {
				slog.Warn(fmt.Sprintf("%s - skipping frame: %v", logPrefix, err))
				continue
			}
			return err
		}

		switch env.Kind {
		case protocol.KindResponse:
			a.offer(env)
		case protocol.KindNotification:
			a.notify(c, env)
		case protocol.KindHeartbeat:
		default:
			slog.Warn(fmt.Sprintf("%s - ignoring %s envelope", logPrefix, env.Kind))
		}
	}
}

func (a *Adapter) notify(c *connection, env *protocol.Envelope) {
	n, err := env.Response()
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - skipping notification: %v", logPrefix, err))
		return
	}
	ev, ok := decodeEvent(n)
	if !ok {
		slog.Debug(fmt.Sprintf("%s - unknown notification %q", logPrefix, protocol.NotificationKindOf(n)))
		return
	}
	if ev.Kind == EventForcedDisconnect {
		c.forced.Do(func() { a.bus.Publish(ev) })
		return
	}
	a.bus.Publish(ev)
}

func (a *Adapter) heartbeat(c *connection, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.lost:
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.stream.WriteEnvelope(protocol.NewHeartbeatEnvelope()); err != nil {
				slog.Debug(fmt.Sprintf("%s - heartbeat failed: %v", logPrefix, err))
				return
			}
		}
	}
}

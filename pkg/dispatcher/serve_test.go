package dispatcher

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/morezero/chatcore/pkg/protocol"
)

const serveTestPrefix = "dispatcher:serve_test"

type pipeClient struct {
	stream *protocol.ConnStream
	seq    uint64
}

// startServe runs a dispatcher over one end of a net.Pipe and returns a
// client on the other end plus the channel Serve's result lands on.
func startServe(t *testing.T, ctx context.Context, f *fixture) (*pipeClient, <-chan error) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	d := New(protocol.NewConnStream(serverConn, protocol.StreamOptions{}), f.svc)
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()

	c := &pipeClient{stream: protocol.NewConnStream(clientConn, protocol.StreamOptions{})}
	t.Cleanup(func() { _ = c.stream.Close() })
	return c, done
}

func (c *pipeClient) roundTrip(t *testing.T, op protocol.Operation, fields protocol.Fields) *protocol.Response {
	t.Helper()
	c.seq++
	env, err := protocol.NewRequestEnvelope(c.seq, protocol.NewRequest(op, fields))
	if err != nil {
		t.Fatalf("%s - failed to build request: %v", serveTestPrefix, err)
	}
	if err := c.stream.WriteEnvelope(env); err != nil {
		t.Fatalf("%s - failed to write request: %v", serveTestPrefix, err)
	}
	return c.readReply(t, c.seq)
}

func (c *pipeClient) readReply(t *testing.T, seq uint64) *protocol.Response {
	t.Helper()
	for {
		env, err := c.stream.ReadEnvelope()
		if err != nil {
			t.Fatalf("%s - failed to read reply: %v", serveTestPrefix, err)
		}
		if env.Kind != protocol.KindResponse {
			continue
		}
		if env.Seq != seq {
			t.Fatalf("%s - reply seq = %d, want %d", serveTestPrefix, env.Seq, seq)
		}
		resp, err := env.Response()
		if err != nil {
			t.Fatalf("%s - failed to decode reply: %v", serveTestPrefix, err)
		}
		return resp
	}
}

func waitServe(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("%s - Serve returned %v, want nil", serveTestPrefix, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("%s - Serve did not return", serveTestPrefix)
	}
}

func TestServe_LogoutClosesConnection(t *testing.T) {
	f := newFixture(t, Limits{})
	c, done := startServe(t, context.Background(), f)

	c.roundTrip(t, protocol.OpRegister, protocol.Fields{
		protocol.FieldUsername: "alice",
		protocol.FieldEmail:    "alice@example.com",
		protocol.FieldPassword: "secret",
	})
	login := c.roundTrip(t, protocol.OpLogin, protocol.Fields{
		protocol.FieldUsername: "alice",
		protocol.FieldPassword: "secret",
	})
	if !login.Success {
		t.Fatalf("%s - login failed: %s", serveTestPrefix, login.Message)
	}
	if token, _ := login.Field(protocol.FieldSessionToken).(string); token == "" {
		t.Errorf("%s - login reply should carry a token", serveTestPrefix)
	}

	if resp := c.roundTrip(t, protocol.OpLogout, nil); !resp.Success {
		t.Fatalf("%s - logout failed: %s", serveTestPrefix, resp.Message)
	}
	waitServe(t, done)

	if _, err := c.stream.ReadEnvelope(); err == nil {
		t.Errorf("%s - connection should be closed after logout", serveTestPrefix)
	}
	if f.router.Count() != 0 {
		t.Errorf("%s - router should be empty, got %d", serveTestPrefix, f.router.Count())
	}
}

func TestServe_RateLimited(t *testing.T) {
	f := newFixture(t, Limits{RatePerSecond: 0.001, RateBurst: 1})
	c, _ := startServe(t, context.Background(), f)

	if resp := c.roundTrip(t, protocol.OpPing, nil); !resp.Success {
		t.Fatalf("%s - first ping failed: %s", serveTestPrefix, resp.Message)
	}
	resp := c.roundTrip(t, protocol.OpPing, nil)
	if resp.Status != protocol.StatusTooManyRequests {
		t.Errorf("%s - expected TOO_MANY_REQUESTS, got %s", serveTestPrefix, resp.Status)
	}
}

func TestServe_SkipsUndecodableRequest(t *testing.T) {
	f := newFixture(t, Limits{})
	c, _ := startServe(t, context.Background(), f)

	bad := &protocol.Envelope{Kind: protocol.KindRequest, Seq: 1, SentAt: time.Now(), Payload: []byte("not gob")}
	if err := c.stream.WriteEnvelope(bad); err != nil {
		t.Fatalf("%s - failed to write: %v", serveTestPrefix, err)
	}
	if err := c.stream.WriteEnvelope(protocol.NewHeartbeatEnvelope()); err != nil {
		t.Fatalf("%s - failed to write heartbeat: %v", serveTestPrefix, err)
	}
	c.seq = 1
	if resp := c.roundTrip(t, protocol.OpPing, nil); !resp.Success {
		t.Errorf("%s - ping after bad frame failed: %s", serveTestPrefix, resp.Message)
	}
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t, Limits{})
	ctx, cancel := context.WithCancel(context.Background())
	c, done := startServe(t, ctx, f)

	c.roundTrip(t, protocol.OpPing, nil)
	cancel()
	waitServe(t, done)
}

func TestServe_ClientHangUp(t *testing.T) {
	f := newFixture(t, Limits{})
	c, done := startServe(t, context.Background(), f)

	c.roundTrip(t, protocol.OpPing, nil)
	_ = c.stream.Close()
	waitServe(t, done)
}

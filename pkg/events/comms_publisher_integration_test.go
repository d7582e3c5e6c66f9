package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
)

// startTestServer starts an in-process NATS server for testing.
func startTestServer(t *testing.T, port int) (*comms.Conn, func()) {
	t.Helper()

	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to create server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("events:comms_publisher_integration_test - server failed to start")
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("events:comms_publisher_integration_test - failed to connect: %v", err)
	}

	cleanup := func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	}

	return nc, cleanup
}

func subscribeEvents(t *testing.T, nc *comms.Conn, subject string) (chan *ChatEvent, func()) {
	t.Helper()
	received := make(chan *ChatEvent, 4)
	sub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		var event ChatEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			t.Errorf("events:comms_publisher_integration_test - failed to unmarshal: %v", err)
			return
		}
		received <- &event
	})
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to subscribe: %v", err)
	}
	return received, func() { _ = sub.Unsubscribe() }
}

func TestCommsPublisher_Publish_BothSubjects(t *testing.T) {
	nc, cleanup := startTestServer(t, 14230)
	defer cleanup()

	publisher := NewCommsPublisher(nc, &CommsPublisherOpts{Server: "node-a"})

	granular, unsub1 := subscribeEvents(t, nc, "chat.events.message.private")
	defer unsub1()
	global, unsub2 := subscribeEvents(t, nc, "chat.events")
	defer unsub2()

	event := NewChatEvent(PrivateMessageSent)
	event.UserID = 1
	event.Username = "alice"
	event.TargetUsername = "bob"
	event.MessageID = 42
	event.Delivered = 1

	if err := publisher.Publish(context.Background(), event); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - Publish failed: %v", err)
	}
	nc.Flush()

	for _, ch := range []struct {
		name string
		ch   chan *ChatEvent
	}{
		{"granular", granular},
		{"global", global},
	} {
		select {
		case got := <-ch.ch:
			if got.Type != PrivateMessageSent {
				t.Errorf("events:comms_publisher_integration_test - %s Type = %q", ch.name, got.Type)
			}
			if got.TargetUsername != "bob" || got.MessageID != 42 {
				t.Errorf("events:comms_publisher_integration_test - %s fields not preserved: %+v", ch.name, got)
			}
			if got.Server != "node-a" {
				t.Errorf("events:comms_publisher_integration_test - %s Server = %q, want node-a", ch.name, got.Server)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("events:comms_publisher_integration_test - timeout waiting for %s event", ch.name)
		}
	}
}

func TestCommsPublisher_CustomPrefix(t *testing.T) {
	nc, cleanup := startTestServer(t, 14231)
	defer cleanup()

	publisher := NewCommsPublisher(nc, &CommsPublisherOpts{SubjectPrefix: "staging.chat"})
	received, unsub := subscribeEvents(t, nc, "staging.chat.>")
	defer unsub()

	if err := publisher.Publish(context.Background(), NewChatEvent(ChannelCreated)); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - Publish failed: %v", err)
	}
	nc.Flush()

	select {
	case got := <-received:
		if got.Type != ChannelCreated {
			t.Errorf("events:comms_publisher_integration_test - Type = %q, want %q", got.Type, ChannelCreated)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events:comms_publisher_integration_test - timeout waiting for custom prefix event")
	}
}

func TestNewCommsPublisher_Defaults(t *testing.T) {
	nc, cleanup := startTestServer(t, 14232)
	defer cleanup()

	for _, opts := range []*CommsPublisherOpts{nil, {SubjectPrefix: ""}} {
		publisher := NewCommsPublisher(nc, opts)
		if publisher.subjectPrefix != "chat.events" {
			t.Errorf("events:comms_publisher_integration_test - subjectPrefix = %q, want %q",
				publisher.subjectPrefix, "chat.events")
		}
	}
}

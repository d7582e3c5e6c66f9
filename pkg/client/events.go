package client

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/chatcore/pkg/protocol"
)

const eventsLogPrefix = "client:events"

// EventKind identifies a server-pushed event.
type EventKind string

const (
	EventPrivateMessage   EventKind = "private_message"
	EventGroupMessage     EventKind = "group_message"
	EventPresenceChanged  EventKind = "presence_changed"
	EventInviteReceived   EventKind = "invite_received"
	EventPrivateAudio     EventKind = "private_audio"
	EventGroupAudio       EventKind = "group_audio"
	EventServerBroadcast  EventKind = "server_broadcast"
	EventChannelBroadcast EventKind = "channel_broadcast"
	EventForcedDisconnect EventKind = "forced_disconnect"
)

var notificationKinds = map[protocol.NotificationKind]EventKind{
	protocol.NotifyPrivateMessage:   EventPrivateMessage,
	protocol.NotifyGroupMessage:     EventGroupMessage,
	protocol.NotifyPresenceChanged:  EventPresenceChanged,
	protocol.NotifyInviteReceived:   EventInviteReceived,
	protocol.NotifyPrivateAudio:     EventPrivateAudio,
	protocol.NotifyGroupAudio:       EventGroupAudio,
	protocol.NotifyServerBroadcast:  EventServerBroadcast,
	protocol.NotifyChannelBroadcast: EventChannelBroadcast,
	protocol.NotifyForcedDisconnect: EventForcedDisconnect,
}

// Event is a decoded notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	Sender    string
	Content   string
	MessageID int64
	ChannelID int64

	Audio           []byte
	AudioFormat     string
	DurationSeconds int64

	Invitation *Invitation

	// Text is the operator message of a broadcast or the reason of a forced disconnect.
	Text        string
	ChannelName string
	Timestamp   time.Time
}

// decodeEvent maps a pushed response to an Event. ok is false for
// notifications this client does not understand.
func decodeEvent(n *protocol.Response) (Event, bool) {
	kind, ok := notificationKinds[protocol.NotificationKindOf(n)]
	if !ok {
		return Event{}, false
	}
	f := n.Fields
	if f == nil {
		f = protocol.Fields{}
	}
	ev := Event{Kind: kind}
	switch kind {
	case EventPrivateMessage, EventGroupMessage:
		ev.Sender = f.OptString(protocol.FieldSender)
		ev.Content, _ = f[protocol.FieldContent].(string)
		ev.MessageID = f.OptInt64(protocol.FieldMessageID, 0)
		ev.ChannelID = f.OptInt64(protocol.FieldChannelID, 0)
	case EventPrivateAudio, EventGroupAudio:
		ev.Sender = f.OptString(protocol.FieldSender)
		ev.Audio = f.OptBytes(protocol.FieldAudio)
		ev.AudioFormat = f.OptString(protocol.FieldAudioFormat)
		ev.DurationSeconds = f.OptInt64(protocol.FieldDurationSeconds, 0)
		ev.MessageID = f.OptInt64(protocol.FieldMessageID, 0)
		ev.ChannelID = f.OptInt64(protocol.FieldChannelID, 0)
	case EventInviteReceived:
		inv := invitationFrom(f)
		ev.Invitation = &inv
		ev.ChannelID = inv.ChannelID
	case EventServerBroadcast, EventChannelBroadcast:
		ev.Text, _ = f[protocol.FieldBroadcastMessage].(string)
		ev.ChannelID = f.OptInt64(protocol.FieldChannelID, 0)
		ev.ChannelName = f.OptString(protocol.FieldChannelName)
		ev.Timestamp = f.Time(protocol.FieldTimestamp)
	case EventForcedDisconnect:
		ev.Text = f.OptString(protocol.FieldReason)
		if ev.Text == "" {
			ev.Text = n.Message
		}
	}
	return ev, true
}

// Handler receives events on the adapter's reader goroutine. It must not
// block on a request to the same adapter.
type Handler func(Event)

type subscription struct {
	id      uint64
	kind    EventKind
	all     bool
	handler Handler
}

// EventBus fans events out to subscribers. Safe for concurrent use.
type EventBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers h for events of kind and returns a function that removes it.
func (b *EventBus) Subscribe(kind EventKind, h Handler) func() {
	return b.add(subscription{kind: kind, handler: h})
}

// SubscribeAll registers h for every event.
func (b *EventBus) SubscribeAll(h Handler) func() {
	return b.add(subscription{all: true, handler: h})
}

func (b *EventBus) add(s subscription) func() {
	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(s.id) })
	}
}

func (b *EventBus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every matching subscriber in subscription order.
// A panicking handler is logged and does not stop delivery to the rest.
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.all || s.kind == ev.Kind {
			targets = append(targets, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		deliver(h, ev)
	}
}

func deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - handler for %s panicked: %v", eventsLogPrefix, ev.Kind, r))
		}
	}()
	h(ev)
}

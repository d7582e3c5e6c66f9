// Package protocol defines the wire frames exchanged between chat clients and the server.
package protocol

import (
	"fmt"
	"time"
)

// Kind discriminates the payload carried by an Envelope.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindNotification
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindResponse:
		return "RESPONSE"
	case KindNotification:
		return "NOTIFICATION"
	case KindHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Envelope is the only on-the-wire unit. Payload holds the gob encoding of a
// Request (KindRequest) or a Response (KindResponse, KindNotification);
// heartbeats carry no payload. Seq is assigned by the client on requests and
// echoed by the server on the matching response.
type Envelope struct {
	Kind    Kind
	Seq     uint64
	SentAt  time.Time
	Payload []byte
}

// NewRequestEnvelope wraps req in a REQUEST envelope.
func NewRequestEnvelope(seq uint64, req *Request) (*Envelope, error) {
	if req == nil {
		return nil, fmt.Errorf("%s - nil request", codecLogPrefix)
	}
	payload, err := encodePayload(req)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: KindRequest, Seq: seq, SentAt: time.Now().UTC(), Payload: payload}, nil
}

// NewResponseEnvelope wraps resp in a RESPONSE envelope replying to seq.
func NewResponseEnvelope(seq uint64, resp *Response) (*Envelope, error) {
	return newResponseKind(KindResponse, seq, resp)
}

// NewNotificationEnvelope wraps a pushed event in a NOTIFICATION envelope.
func NewNotificationEnvelope(resp *Response) (*Envelope, error) {
	return newResponseKind(KindNotification, 0, resp)
}

// NewHeartbeatEnvelope returns a payload-less keepalive frame.
func NewHeartbeatEnvelope() *Envelope {
	return &Envelope{Kind: KindHeartbeat, SentAt: time.Now().UTC()}
}

func newResponseKind(kind Kind, seq uint64, resp *Response) (*Envelope, error) {
	if resp == nil {
		return nil, fmt.Errorf("%s - nil response", codecLogPrefix)
	}
	payload, err := encodePayload(resp)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: kind, Seq: seq, SentAt: time.Now().UTC(), Payload: payload}, nil
}

// Request decodes the payload of a REQUEST envelope.
func (e *Envelope) Request() (*Request, error) {
	if e.Kind != KindRequest {
		return nil, &ProtocolError{Reason: fmt.Sprintf("expected REQUEST, got %s", e.Kind)}
	}
	var req Request
	if err := decodePayload(e.Payload, &req); err != nil {
		return nil, &ProtocolError{Reason: "undecodable request payload", Err: err}
	}
	return &req, nil
}

// Response decodes the payload of a RESPONSE or NOTIFICATION envelope.
func (e *Envelope) Response() (*Response, error) {
	if e.Kind != KindResponse && e.Kind != KindNotification {
		return nil, &ProtocolError{Reason: fmt.Sprintf("expected RESPONSE or NOTIFICATION, got %s", e.Kind)}
	}
	var resp Response
	if err := decodePayload(e.Payload, &resp); err != nil {
		return nil, &ProtocolError{Reason: "undecodable response payload", Err: err}
	}
	return &resp, nil
}

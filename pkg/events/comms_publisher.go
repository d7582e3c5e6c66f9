package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/chatcore/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// SubjectPrefix overrides the event subject prefix (e.g. from EVENT_SUBJECT_PREFIX).
	SubjectPrefix string
	// Server is stamped on events that carry no server name.
	Server string
}

// CommsPublisher publishes chat events to COMMS subjects.
type CommsPublisher struct {
	nc            *comms.Conn
	subjectPrefix string
	server        string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	p := &CommsPublisher{nc: nc, subjectPrefix: commsutil.SubjectEventPrefix}
	if opts != nil {
		if opts.SubjectPrefix != "" {
			p.subjectPrefix = opts.SubjectPrefix
		}
		p.server = opts.Server
	}
	return p
}

// Publish sends event to its granular subject (<prefix>.<type>) and to the
// prefix subject itself.
func (p *CommsPublisher) Publish(_ context.Context, event *ChatEvent) error {
	if event.Server == "" {
		event.Server = p.server
	}
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	granularSubject := commsutil.BuildEventSubject(p.subjectPrefix, string(event.Type))
	if err := p.nc.Publish(granularSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, granularSubject, err))
		return err
	}

	if err := p.nc.Publish(p.subjectPrefix, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.subjectPrefix, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published %s event", commsPublisherLogPrefix, event.Type))
	return nil
}

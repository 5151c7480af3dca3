package outbox

import (
	"context"
	"fmt"

	"github.com/mcdev12/modulith/go/internal/messaging"
	"github.com/mcdev12/modulith/go/internal/natsconn"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// JetStreamPublisher publishes envelopes to "<prefix>.<source>.<type>". The
// message id is the outbox id, so a republish after a crash falls inside the
// stream's duplicate window and is dropped by the server.
type JetStreamPublisher struct {
	js     jetstream.JetStream
	config natsconn.Config
}

func NewJetStreamPublisher(ctx context.Context, js jetstream.JetStream, cfg natsconn.Config) (*JetStreamPublisher, error) {
	if err := natsconn.EnsureStream(ctx, js, cfg); err != nil {
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return &JetStreamPublisher{js: js, config: cfg}, nil
}

func (p *JetStreamPublisher) Publish(ctx context.Context, env messaging.Envelope) error {
	subject := messaging.Subject(p.config.SubjectPrefix, env.Source, env.Type)

	data, err := env.Marshal()
	if err != nil {
		return err
	}

	ack, err := p.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			messaging.HeaderEventType: []string{env.Type},
			messaging.HeaderEventID:   []string{env.ID.String()},
			messaging.HeaderSource:    []string{env.Source},
		},
	},
		jetstream.WithMsgID(env.ID.String()),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("event_id", env.ID.String()).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Str("stream", ack.Stream).
		Msg("published to JetStream")

	return nil
}

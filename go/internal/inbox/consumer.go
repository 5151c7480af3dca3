package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/modulith/go/internal/messaging"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

type ConsumerConfig struct {
	StreamName    string
	ConsumerName  string
	SubjectFilter string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
	NakDelay      time.Duration
}

// DefaultConsumerConfig subscribes module to every event published by source.
func DefaultConsumerConfig(stream, subjectPrefix, module, source string) ConsumerConfig {
	return ConsumerConfig{
		StreamName:    stream,
		ConsumerName:  fmt.Sprintf("%s-from-%s", module, source),
		SubjectFilter: fmt.Sprintf("%s.%s.>", subjectPrefix, source),
		MaxDeliver:    -1,
		AckWait:       30 * time.Second,
		MaxAckPending: 256,
		NakDelay:      2 * time.Second,
	}
}

// Consumer feeds a durable JetStream consumer into a Receiver. Messages are
// acked only after the receive transaction commits.
type Consumer struct {
	js       jetstream.JetStream
	consumer jetstream.Consumer
	receiver *Receiver
	config   ConsumerConfig
}

func NewConsumer(ctx context.Context, js jetstream.JetStream, receiver *Receiver, cfg ConsumerConfig) (*Consumer, error) {
	c := &Consumer{js: js, receiver: receiver, config: cfg}
	if err := c.ensureConsumer(ctx); err != nil {
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}
	return c, nil
}

func (c *Consumer) ensureConsumer(ctx context.Context) error {
	stream, err := c.js.Stream(ctx, c.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          c.config.ConsumerName,
		Durable:       c.config.ConsumerName,
		Description:   "Inbox consumer " + c.config.ConsumerName,
		FilterSubject: c.config.SubjectFilter,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    c.config.MaxDeliver,
		AckWait:       c.config.AckWait,
		MaxAckPending: c.config.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	log.Info().
		Str("consumer", c.config.ConsumerName).
		Str("stream", c.config.StreamName).
		Str("filter", c.config.SubjectFilter).
		Msg("JetStream inbox consumer ready")

	c.consumer = consumer
	return nil
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	log.Info().Str("consumer", c.config.ConsumerName).Msg("starting inbox consumer")

	messageCh := make(chan jetstream.Msg, 100)
	consumeCtx, err := c.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("consumer", c.config.ConsumerName).Msg("inbox consumer shutting down")
			return nil
		case msg := <-messageCh:
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg jetstream.Msg) {
	env, err := messaging.UnmarshalEnvelope(msg.Data())
	if err != nil {
		log.Error().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed message")
		if termErr := msg.Term(); termErr != nil {
			log.Error().Err(termErr).Msg("failed to TERM message")
		}
		return
	}

	err = c.receiver.ReceiveEnvelope(ctx, env)
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Str("subject", msg.Subject()).Msg("failed to ACK message")
		}
	case errors.Is(err, ErrNoHandler), errors.Is(err, messaging.ErrUnknownType):
		// not for this module; redelivery would not change that
		log.Debug().Err(err).Str("subject", msg.Subject()).Msg("skipping message")
		if termErr := msg.Term(); termErr != nil {
			log.Error().Err(termErr).Msg("failed to TERM message")
		}
	default:
		log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to process message")
		if nakErr := msg.NakWithDelay(c.config.NakDelay); nakErr != nil {
			log.Error().Err(nakErr).Msg("failed to NAK message")
		}
	}
}

package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"perpvault/internal/event"
	"perpvault/internal/observability"
)

const (
	streamName    = "VAULT_EVENTS"
	subjectPrefix = "vault.events"
)

// wireEvent is the outbound JSON shape on NATS.
type wireEvent struct {
	Sequence  int64       `json:"sequence"`
	EventType string      `json:"event_type"`
	Key       string      `json:"key"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher pushes persisted events to NATS for downstream consumers.
// Events reach it only after the persistence worker has committed
// them, so subscribers never see an event the log does not have.
type Publisher struct {
	js      jetstream.JetStream
	input   <-chan event.Envelope
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewPublisher(js jetstream.JetStream, input <-chan event.Envelope, log zerolog.Logger, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		js:      js,
		input:   input,
		log:     log,
		metrics: metrics,
	}
}

// Run publishes until ctx is cancelled or the channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, env); err != nil {
				p.log.Warn().
					Err(err).
					Int64("sequence", env.Sequence).
					Msg("outbound publish failed")
				if p.metrics != nil {
					p.metrics.PublishErrors.Inc()
				}
				// Non-fatal: consumers can read vault_log directly.
				continue
			}
			if p.metrics != nil {
				p.metrics.EventsPublished.WithLabelValues(env.Type.String()).Inc()
			}
		}
	}
}

// publish sends to vault.events.{event_type}.{key}.
func (p *Publisher) publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(wireEvent{
		Sequence:  env.Sequence,
		EventType: env.Type.String(),
		Key:       env.Key,
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", subjectPrefix, env.Type.String(), env.Key)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}

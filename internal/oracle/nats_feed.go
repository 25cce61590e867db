package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perpvault/internal/fixed"
)

const (
	priceStream  = "VAULT_PRICES"
	priceSubject = "vault.prices.>"
	consumerName = "perpvault-prices"
)

// PriceUpdate is the wire format published by price relayers. Price is
// a decimal string so producers do not need to know the internal scale.
type PriceUpdate struct {
	Feed      string    `json:"feed"`
	Price     string    `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// FeedSubscriber consumes price updates off JetStream and keeps the
// Store current.
type FeedSubscriber struct {
	js       jetstream.JetStream
	store    *Store
	log      zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewFeedSubscriber(js jetstream.JetStream, store *Store, log zerolog.Logger) *FeedSubscriber {
	return &FeedSubscriber{
		js:    js,
		store: store,
		log:   log,
	}
}

// EnsureStream creates the price stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      priceStream,
		Subjects:  []string{priceSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", priceStream, err)
	}
	return nil
}

// Subscribe starts consuming price updates. Malformed updates are
// acked and dropped so a bad relayer cannot wedge the feed.
func (fs *FeedSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := fs.js.CreateOrUpdateConsumer(ctx, priceStream, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: priceSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		update, err := parseUpdate(msg.Data())
		if err != nil {
			fs.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed price update")
			msg.Ack()
			return
		}
		price, err := scalePrice(update.Price)
		if err != nil {
			fs.log.Warn().Err(err).Str("feed", update.Feed).Msg("dropping unscalable price")
			msg.Ack()
			return
		}
		fs.store.SetPrice(update.Feed, price, update.Timestamp)
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}

	fs.consumer = cc
	fs.log.Info().Str("subject", priceSubject).Msg("price feed subscribed")
	return nil
}

func (fs *FeedSubscriber) Stop() {
	if fs.consumer != nil {
		fs.consumer.Stop()
	}
}

func parseUpdate(data []byte) (PriceUpdate, error) {
	var u PriceUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return u, fmt.Errorf("decode price update: %w", err)
	}
	if u.Feed == "" {
		return u, fmt.Errorf("price update missing feed")
	}
	if u.Timestamp.IsZero() {
		return u, fmt.Errorf("price update missing timestamp")
	}
	return u, nil
}

func scalePrice(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	if d.Sign() <= 0 {
		return 0, fmt.Errorf("price %q not positive", s)
	}
	scaled := d.Shift(fixed.PriceDecimals)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("price %q exceeds %d decimals", s, fixed.PriceDecimals)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("price %q out of range", s)
	}
	return scaled.BigInt().Int64(), nil
}

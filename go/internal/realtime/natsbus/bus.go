// Package natsbus carries presence, broadcasts and row changes over core NATS subjects.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mcdev12/spinwheel/go/internal/realtime"
)

const subscriberBuffer = 64

// Config holds connection and presence settings.
type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	// Heartbeat is how often tracked presence is re-announced. Records silent for three heartbeats are dropped.
	Heartbeat time.Duration
	Clock     clockwork.Clock
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "spinwheel",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
		Heartbeat:     2 * time.Second,
	}
}

// Bus implements realtime.Bus on a NATS connection.
type Bus struct {
	nc        *nats.Conn
	clock     clockwork.Clock
	heartbeat time.Duration
}

var _ realtime.Bus = (*Bus)(nil)

// Connect dials NATS.
func Connect(cfg Config) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return New(nc, cfg), nil
}

// New wraps an existing connection.
func New(nc *nats.Conn, cfg Config) *Bus {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultConfig().Heartbeat
	}
	return &Bus{nc: nc, clock: cfg.Clock, heartbeat: cfg.Heartbeat}
}

// Close drains the connection.
func (b *Bus) Close() {
	if err := b.nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("failed to drain NATS connection")
	}
}

func broadcastSubject(channel, event string) string { return "broadcast." + channel + "." + event }
func rowSubject(table string) string { return "rows." + table }

// Broadcast publishes payload to every subscriber of channel/event.
func (b *Bus) Broadcast(ctx context.Context, channel, event string, payload *structpb.Struct) error {
	if payload == nil {
		payload = &structpb.Struct{}
	}
	data, err := protojson.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast payload: %w", err)
	}
	if err := b.nc.Publish(broadcastSubject(channel, event), data); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	return nil
}

// SubscribeBroadcast implements realtime.BroadcastSubscriber.
func (b *Bus) SubscribeBroadcast(ctx context.Context, channel, event string) (<-chan realtime.BroadcastEvent, error) {
	return subscribe(ctx, b.nc, broadcastSubject(channel, event), func(msg *nats.Msg) (realtime.BroadcastEvent, bool) {
		payload := &structpb.Struct{}
		if err := protojson.Unmarshal(msg.Data, payload); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed broadcast")
			return realtime.BroadcastEvent{}, false
		}
		return realtime.BroadcastEvent{Channel: channel, Event: event, Payload: payload}, true
	})
}

// PublishRowChange sends change to row subscribers. Failures are logged; subscribers fall back to polling.
func (b *Bus) PublishRowChange(change realtime.RowChange) {
	data, err := json.Marshal(change)
	if err != nil {
		log.Error().Err(err).Str("table", change.Table).Msg("failed to marshal row change")
		return
	}
	if err := b.nc.Publish(rowSubject(change.Table), data); err != nil {
		log.Warn().Err(err).Str("table", change.Table).Msg("failed to publish row change")
	}
}

// SubscribeRowChange implements realtime.RowChangeSubscriber.
func (b *Bus) SubscribeRowChange(ctx context.Context, table string, filter realtime.Filter) (<-chan realtime.RowChange, error) {
	return subscribe(ctx, b.nc, rowSubject(table), func(msg *nats.Msg) (realtime.RowChange, bool) {
		var change realtime.RowChange
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed row change")
			return change, false
		}
		return change, filter.Matches(change)
	})
}

// subscribe bridges a NATS subscription to a typed channel that is closed when ctx ends.
func subscribe[T any](ctx context.Context, nc *nats.Conn, subject string, decode func(*nats.Msg) (T, bool)) (<-chan T, error) {
	raw := make(chan *nats.Msg, subscriberBuffer)
	sub, err := nc.ChanSubscribe(subject, raw)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	out := make(chan T, subscriberBuffer)
	go func() {
		defer close(out)
		defer func() {
			if err := sub.Unsubscribe(); err != nil && nc.IsConnected() {
				log.Debug().Err(err).Str("subject", subject).Msg("unsubscribe failed")
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-raw:
				v, ok := decode(msg)
				if !ok {
					continue
				}
				select {
				case out <- v:
				default:
					log.Warn().Str("subject", subject).Msg("subscriber full, dropping message")
				}
			}
		}
	}()
	return out, nil
}

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fauxparse/lilbirdie-sub001/internal/adapter/metrics"
	"github.com/fauxparse/lilbirdie-sub001/internal/broadcast"
	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	channelPrefix  = "lilbirdie:host:"
	channelPattern = channelPrefix + "*"
	relaySource    = "redis"
)

func hostChannel(host string) string {
	return channelPrefix + host
}

// Publisher sends envelopes to the pub/sub channel of a host instance. It
// implements gateway.Sender.
type Publisher struct {
	rdb *goredis.Client
}

func NewPublisher(rdb *goredis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

func (p *Publisher) Send(ctx context.Context, host string, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := p.rdb.Publish(ctx, hostChannel(host), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", hostChannel(host), err)
	}
	return nil
}

// Relay feeds envelopes published on any host channel into the local
// registry. Hosts are resolved by the channel suffix.
type Relay struct {
	rdb      *goredis.Client
	registry *broadcast.Registry
	metrics  *metrics.GatewayMetrics
}

func NewRelay(rdb *goredis.Client, registry *broadcast.Registry, m *metrics.GatewayMetrics) *Relay {
	if m == nil {
		m = metrics.NewNopGatewayMetrics()
	}
	return &Relay{rdb: rdb, registry: registry, metrics: m}
}

// Start blocks until ctx is cancelled or the subscription closes.
func (r *Relay) Start(ctx context.Context) {
	pubsub := r.rdb.PSubscribe(ctx, channelPattern)
	defer func() { _ = pubsub.Close() }()

	slog.Info("Redis relay subscribed", "pattern", channelPattern)

	ch := pubsub.Channel()
	for {
		select {
		case msg := <-ch:
			if msg == nil {
				return
			}
			r.handleMessage(msg.Channel, msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) handleMessage(channel, payload string) {
	host := strings.TrimPrefix(channel, channelPrefix)
	if host == "" || host == channel {
		slog.Warn("Relay message on unexpected channel", "channel", channel)
		r.metrics.RelayMessages.WithLabelValues(relaySource, "bad_channel").Inc()
		return
	}

	event, err := domain.DecodeEvent([]byte(payload))
	if err != nil {
		slog.Warn("Dropping undecodable relay message", "channel", channel, "error", err)
		r.metrics.RelayMessages.WithLabelValues(relaySource, "invalid").Inc()
		return
	}

	h := r.registry.Host(host)
	if h == nil {
		r.metrics.RelayMessages.WithLabelValues(relaySource, "stopped").Inc()
		return
	}
	h.PublishEvent(event)
	r.metrics.RelayMessages.WithLabelValues(relaySource, "ok").Inc()
	slog.Debug("Relayed event", "source", relaySource, "host", host, "event_type", event.Type)
}

package store

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/flonle/rediscope/app/rediscope/relay"
)

// OpenConn returns a dedicated subscribe-mode connection. go-redis dials it
// on first use, outside the command pool.
func (s *Store) OpenConn(ctx context.Context) (relay.Conn, error) {
	return &pubsubConn{ps: s.client.Subscribe(ctx)}, nil
}

func (s *Store) Publish(ctx context.Context, channel, payload string) (int64, error) {
	n, err := s.client.Publish(ctx, channel, payload).Result()
	return n, classify(err)
}

func (s *Store) PubSubChannels(ctx context.Context, pattern string) ([]string, error) {
	channels, err := s.client.PubSubChannels(ctx, pattern).Result()
	return channels, classify(err)
}

func (s *Store) PubSubNumSub(ctx context.Context, channels ...string) (map[string]int64, error) {
	counts, err := s.client.PubSubNumSub(ctx, channels...).Result()
	return counts, classify(err)
}

type pubsubConn struct {
	ps *redis.PubSub
}

func (c *pubsubConn) Subscribe(ctx context.Context, channel string) error {
	return classify(c.ps.Subscribe(ctx, channel))
}

func (c *pubsubConn) PSubscribe(ctx context.Context, pattern string) error {
	return classify(c.ps.PSubscribe(ctx, pattern))
}

func (c *pubsubConn) Unsubscribe(ctx context.Context, channel string) error {
	return classify(c.ps.Unsubscribe(ctx, channel))
}

func (c *pubsubConn) PUnsubscribe(ctx context.Context, pattern string) error {
	return classify(c.ps.PUnsubscribe(ctx, pattern))
}

func (c *pubsubConn) Receive(ctx context.Context) (relay.Delivery, error) {
	for {
		msg, err := c.ps.Receive(ctx)
		if err != nil {
			return relay.Delivery{}, err
		}
		if d, ok := delivery(msg); ok {
			return d, nil
		}
	}
}

func (c *pubsubConn) Close() error {
	return c.ps.Close()
}

// delivery maps a go-redis push message. Pongs and sharded-channel
// acknowledgements have no counterpart and are skipped.
func delivery(msg any) (relay.Delivery, bool) {
	switch m := msg.(type) {
	case *redis.Message:
		return relay.Delivery{Kind: relay.DeliveryMessage, Channel: m.Channel, Pattern: m.Pattern, Payload: m.Payload}, true
	case *redis.Subscription:
		switch m.Kind {
		case "subscribe":
			return relay.Delivery{Kind: relay.DeliverySubscribed, Channel: m.Channel}, true
		case "psubscribe":
			return relay.Delivery{Kind: relay.DeliverySubscribed, Pattern: m.Channel}, true
		case "unsubscribe":
			return relay.Delivery{Kind: relay.DeliveryUnsubscribed, Channel: m.Channel}, true
		case "punsubscribe":
			return relay.Delivery{Kind: relay.DeliveryUnsubscribed, Pattern: m.Channel}, true
		}
	}
	return relay.Delivery{}, false
}

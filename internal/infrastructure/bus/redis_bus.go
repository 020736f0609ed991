package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"peercam/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultChannelSize = 256

// RedisBus maps bus topics onto Redis pub/sub channels. Topics are prefixed
// so several deployments can share one Redis database.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *zap.SugaredLogger
}

func NewRedisBus(client *redis.Client, prefix string, logger *zap.SugaredLogger) *RedisBus {
	return &RedisBus{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + topic
}

func (b *RedisBus) topic(channel string) string {
	return strings.TrimPrefix(channel, b.prefix)
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe blocks until Redis confirms the subscription so messages
// published after it returns are not missed.
func (b *RedisBus) Subscribe(ctx context.Context, topics ...string) (ports.Subscription, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("no topics to subscribe to")
	}

	channels := make([]string, len(topics))
	for i, t := range topics {
		channels[i] = b.channel(t)
	}

	pubsub := b.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %v: %w", topics, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan ports.BusMessage, defaultChannelSize),
		done:   make(chan struct{}),
	}
	go sub.forward(b)

	b.logger.Debugw("Subscribed", "topics", topics)
	return sub, nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan ports.BusMessage
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) forward(b *RedisBus) {
	defer close(s.out)

	ch := s.pubsub.Channel(redis.WithChannelSize(defaultChannelSize))
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.out <- ports.BusMessage{Topic: b.topic(msg.Channel), Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan ports.BusMessage {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

package ports

import "context"

type BusMessage struct {
	Topic   string
	Payload []byte
}

// Subscription delivers messages for the topics it was opened with. The
// Messages channel is closed when the subscription ends, either through
// Close or because the underlying connection was lost.
type Subscription interface {
	Messages() <-chan BusMessage
	Close() error
}

// Bus is a topic-addressed publish/subscribe transport. Every subscriber of a
// topic receives every message published to it, including the publisher.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

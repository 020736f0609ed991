package bus

import (
	"context"
	"testing"
	"time"

	"peercam/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub ports.Subscription) ports.BusMessage {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return ports.BusMessage{}
}

func assertEnded(t *testing.T, sub ports.Subscription) {
	t.Helper()
	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok, "expected subscription to end")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end")
	}
}

func TestMemoryBus_FanOutIncludesPublisher(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()

	a, err := b.Subscribe(ctx, "webrtc/signaling")
	require.NoError(t, err)
	c, err := b.Subscribe(ctx, "webrtc/signaling", "camera/announce")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "webrtc/signaling", []byte(`{"type":"presence","from":"a"}`)))

	assert.Equal(t, `{"type":"presence","from":"a"}`, string(receive(t, a).Payload))
	msg := receive(t, c)
	assert.Equal(t, "webrtc/signaling", msg.Topic)

	require.NoError(t, b.Publish(ctx, "camera/announce", []byte(`{}`)))
	assert.Equal(t, "camera/announce", receive(t, c).Topic)
	assert.Empty(t, a.Messages())
}

func TestMemoryBus_PayloadIsCopied(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()
	sub, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)

	payload := []byte("abc")
	require.NoError(t, b.Publish(ctx, "t", payload))
	payload[0] = 'x'

	assert.Equal(t, "abc", string(receive(t, sub).Payload))
}

func TestMemoryBus_SeverEndsSubscriptions(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()
	sub, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)

	b.Sever()
	assertEnded(t, sub)
	assert.ErrorIs(t, b.Publish(ctx, "t", nil), ErrBusDown)
	assert.ErrorIs(t, b.Ping(ctx), ErrBusDown)
	_, err = b.Subscribe(ctx, "t")
	assert.ErrorIs(t, err, ErrBusDown)

	b.Restore()
	require.NoError(t, b.Ping(ctx))
	sub, err = b.Subscribe(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "t", []byte("again")))
	assert.Equal(t, "again", string(receive(t, sub).Payload))
}

func TestMemoryBus_CloseSubscription(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()
	sub, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers())

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assertEnded(t, sub)
	assert.Equal(t, 0, b.Subscribers())

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(ctx, "t", nil), ErrBusClosed)
}

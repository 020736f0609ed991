package bus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Requires a reachable Redis; set PEERCAM_TEST_REDIS_ADDR to run.
func TestRedisBus_PublishSubscribe(t *testing.T) {
	addr := os.Getenv("PEERCAM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PEERCAM_TEST_REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger := zap.NewNop().Sugar()
	client, err := NewRedisClient(ctx, addr, "", 0, 4, logger)
	require.NoError(t, err)

	b := NewRedisBus(client, "peercam-test:", logger)
	defer b.Close()

	require.NoError(t, b.Ping(ctx))

	sub, err := b.Subscribe(ctx, "webrtc/signaling")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, "webrtc/signaling", []byte(`{"type":"presence","from":"peer_abc123"}`)))

	msg := receive(t, sub)
	assert.Equal(t, "webrtc/signaling", msg.Topic)
	assert.JSONEq(t, `{"type":"presence","from":"peer_abc123"}`, string(msg.Payload))

	require.NoError(t, sub.Close())
	assertEnded(t, sub)
}

package bus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"peercam/internal/infrastructure/relay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startRelay(t *testing.T) (*relay.Hub, string) {
	t.Helper()
	hub := relay.NewHub(relay.DefaultConfig(), zap.NewNop().Sugar())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newWSBus(t *testing.T, url, peerID string) *WebSocketBus {
	t.Helper()
	b := NewWebSocketBus(WebSocketConfig{URL: url, PeerID: peerID}, zap.NewNop().Sugar())
	t.Cleanup(func() { b.Close() })
	return b
}

func waitSubscribers(t *testing.T, hub *relay.Hub, topic string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.Stats().Topics[topic] == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketBus_PublishSubscribe(t *testing.T) {
	hub, url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	viewer := newWSBus(t, url, "viewer_a")
	camera := newWSBus(t, url, "camera_b")

	vsub, err := viewer.Subscribe(ctx, "webrtc/signaling")
	require.NoError(t, err)
	csub, err := camera.Subscribe(ctx, "webrtc/signaling")
	require.NoError(t, err)
	waitSubscribers(t, hub, "webrtc/signaling", 2)

	payload := `{"type":"offer","from":"camera_b","to":"viewer_a","data":{"type":"offer","sdp":"v=0"}}`
	require.NoError(t, camera.Publish(ctx, "webrtc/signaling", []byte(payload)))

	msg := receive(t, vsub)
	assert.Equal(t, "webrtc/signaling", msg.Topic)
	assert.Equal(t, payload, string(msg.Payload))

	// the publisher receives its own message
	assert.Equal(t, payload, string(receive(t, csub).Payload))
}

func TestWebSocketBus_PingAndTopicsIsolated(t *testing.T) {
	hub, url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := newWSBus(t, url, "camera_b")
	require.NoError(t, b.Ping(ctx))

	sub, err := b.Subscribe(ctx, "camera/announce")
	require.NoError(t, err)
	waitSubscribers(t, hub, "camera/announce", 1)

	require.NoError(t, b.Publish(ctx, "webrtc/signaling", []byte(`{}`)))
	require.NoError(t, b.Publish(ctx, "camera/announce", []byte(`{"type":"camera_available"}`)))
	assert.Equal(t, "camera/announce", receive(t, sub).Topic)
}

func TestWebSocketBus_ConnectionLossEndsSubscriptions(t *testing.T) {
	hub, url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := newWSBus(t, url, "viewer_a")
	sub, err := b.Subscribe(ctx, "webrtc/signaling")
	require.NoError(t, err)
	waitSubscribers(t, hub, "webrtc/signaling", 1)

	hub.Close()
	assertEnded(t, sub)

	// the next subscribe redials
	sub, err = b.Subscribe(ctx, "webrtc/signaling")
	require.NoError(t, err)
	waitSubscribers(t, hub, "webrtc/signaling", 1)
	require.NoError(t, b.Publish(ctx, "webrtc/signaling", []byte("x")))
	assert.Equal(t, "x", string(receive(t, sub).Payload))
}

func TestWebSocketBus_DialFailure(t *testing.T) {
	b := newWSBus(t, "ws://127.0.0.1:1/ws", "viewer_a")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Error(t, b.Ping(ctx))
	_, err := b.Subscribe(ctx, "webrtc/signaling")
	assert.Error(t, err)
}

func TestWebSocketBus_Closed(t *testing.T) {
	_, url := startRelay(t)
	b := newWSBus(t, url, "viewer_a")
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "t", nil), ErrBusClosed)
}

package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHub(t *testing.T, cfg Config) (*Hub, string) {
	t.Helper()
	hub := NewHub(cfg, zap.NewNop().Sugar())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url, peerID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?peer_id="+peerID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHub_FanOut(t *testing.T) {
	hub, url := newTestHub(t, DefaultConfig())

	a := dial(t, url, "viewer_a")
	b := dial(t, url, "camera_b")
	c := dial(t, url, "other_c")

	require.NoError(t, a.WriteJSON(Frame{Op: OpSubscribe, Topics: []string{"webrtc/signaling"}}))
	require.NoError(t, b.WriteJSON(Frame{Op: OpSubscribe, Topics: []string{"webrtc/signaling"}}))
	require.NoError(t, c.WriteJSON(Frame{Op: OpSubscribe, Topics: []string{"camera/announce"}}))
	require.Eventually(t, func() bool {
		s := hub.Stats()
		return s.Topics["webrtc/signaling"] == 2 && s.Topics["camera/announce"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	payload := `{"type":"presence","from":"camera_b"}`
	require.NoError(t, b.WriteJSON(Frame{Op: OpPublish, Topic: "webrtc/signaling", Payload: payload}))

	for _, conn := range []*websocket.Conn{a, b} {
		f := readFrame(t, conn)
		assert.Equal(t, OpMessage, f.Op)
		assert.Equal(t, "webrtc/signaling", f.Topic)
		assert.Equal(t, payload, f.Payload)
	}

	assert.Equal(t, 3, hub.Stats().Connections)
	assert.True(t, hub.IsPeerConnected("other_c"))
}

func TestHub_RejectsMissingPeerID(t *testing.T) {
	_, url := newTestHub(t, DefaultConfig())

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHub_InvalidFrames(t *testing.T) {
	_, url := newTestHub(t, DefaultConfig())
	conn := dial(t, url, "viewer_a")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := readFrame(t, conn)
	assert.Equal(t, OpError, f.Op)
	assert.Equal(t, "invalid frame", f.Error)

	require.NoError(t, conn.WriteJSON(Frame{Op: "shout"}))
	assert.Equal(t, OpError, readFrame(t, conn).Op)

	require.NoError(t, conn.WriteJSON(Frame{Op: OpPublish, Topic: "bad//topic"}))
	assert.Equal(t, OpError, readFrame(t, conn).Op)

	require.NoError(t, conn.WriteJSON(Frame{Op: OpSubscribe}))
	assert.Equal(t, OpError, readFrame(t, conn).Op)
}

func TestHub_Unsubscribe(t *testing.T) {
	hub, url := newTestHub(t, DefaultConfig())
	conn := dial(t, url, "viewer_a")

	require.NoError(t, conn.WriteJSON(Frame{Op: OpSubscribe, Topics: []string{"webrtc/signaling"}}))
	require.Eventually(t, func() bool { return hub.Stats().Topics["webrtc/signaling"] == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(Frame{Op: OpUnsubscribe, Topics: []string{"webrtc/signaling"}}))
	require.Eventually(t, func() bool { return len(hub.Stats().Topics) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hub.Publish("webrtc/signaling", "x"))
}

func TestHub_RateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessagesPerSecond = 1
	cfg.Burst = 1
	_, url := newTestHub(t, cfg)
	conn := dial(t, url, "viewer_a")

	require.NoError(t, conn.WriteJSON(Frame{Op: OpSubscribe, Topics: []string{"t"}}))
	require.NoError(t, conn.WriteJSON(Frame{Op: OpPublish, Topic: "t", Payload: "x"}))

	f := readFrame(t, conn)
	assert.Equal(t, OpError, f.Op)
	assert.Equal(t, "rate limit exceeded", f.Error)
}

func TestHub_ReconnectReplacesConnection(t *testing.T) {
	hub, url := newTestHub(t, DefaultConfig())

	old := dial(t, url, "viewer_a")
	require.NoError(t, old.WriteJSON(Frame{Op: OpSubscribe, Topics: []string{"t"}}))
	require.Eventually(t, func() bool { return hub.Stats().Topics["t"] == 1 }, 2*time.Second, 10*time.Millisecond)

	dial(t, url, "viewer_a")
	require.Eventually(t, func() bool { return len(hub.Stats().Topics) == 0 }, 2*time.Second, 10*time.Millisecond)

	old.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := old.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 1, hub.Stats().Connections)
}

func TestHub_SlowPeerIsDisconnected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendBuffer = 1
	cfg.WriteTimeout = time.Minute
	hub, url := newTestHub(t, cfg)

	// never reads, so its socket and then its send buffer fill up
	slow := dial(t, url, "viewer_slow")
	require.NoError(t, slow.WriteJSON(Frame{Op: OpSubscribe, Topics: []string{"webrtc/signaling"}}))
	require.Eventually(t, func() bool { return hub.Stats().Topics["webrtc/signaling"] == 1 }, 2*time.Second, 10*time.Millisecond)

	payload := strings.Repeat("x", 64*1024)
	for i := 0; i < 10000 && hub.Stats().DroppedFrames == 0; i++ {
		hub.Publish("webrtc/signaling", payload)
	}

	assert.GreaterOrEqual(t, hub.Stats().DroppedFrames, uint64(1))
	require.Eventually(t, func() bool { return !hub.IsPeerConnected("viewer_slow") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hub.Publish("webrtc/signaling", "{}"))
}

package bus

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeMQTTMessage struct {
	topic   string
	payload []byte
}

func (m fakeMQTTMessage) Duplicate() bool   { return false }
func (m fakeMQTTMessage) Qos() byte         { return 1 }
func (m fakeMQTTMessage) Retained() bool    { return false }
func (m fakeMQTTMessage) Topic() string     { return m.topic }
func (m fakeMQTTMessage) MessageID() uint16 { return 1 }
func (m fakeMQTTMessage) Payload() []byte   { return m.payload }
func (m fakeMQTTMessage) Ack()              {}

var _ mqtt.Message = fakeMQTTMessage{}

func TestNewMQTTBus_Options(t *testing.T) {
	b, err := NewMQTTBus(MQTTConfig{
		Host:     "broker.example.com",
		ClientID: "peercam_camera_3f9a1c",
		Username: "camera",
		Password: "secret",
		TLS:      true,
		QoS:      1,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)

	opts, err := b.clientOptions()
	require.NoError(t, err)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "ssl://broker.example.com:8883", opts.Servers[0].String())
	assert.Equal(t, "peercam_camera_3f9a1c", opts.ClientID)
	assert.Equal(t, "camera", opts.Username)
	assert.True(t, opts.CleanSession)
	assert.False(t, opts.AutoReconnect)
	require.NotNil(t, opts.TLSConfig)
	assert.Equal(t, "broker.example.com", opts.TLSConfig.ServerName)
	assert.Equal(t, int64(60), opts.KeepAlive)
}

func TestMQTTConfig_BrokerURL(t *testing.T) {
	tests := []struct {
		cfg  MQTTConfig
		want string
	}{
		{MQTTConfig{Host: "localhost", Port: 1883}, "tcp://localhost:1883"},
		{MQTTConfig{Host: "broker.example.com", Port: 8883, TLS: true}, "ssl://broker.example.com:8883"},
		{MQTTConfig{Host: "::1", Port: 1883}, "tcp://[::1]:1883"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.cfg.brokerURL())
	}
}

func TestNewMQTTBus_RejectsBadConfig(t *testing.T) {
	logger := zap.NewNop().Sugar()

	_, err := NewMQTTBus(MQTTConfig{}, logger)
	assert.Error(t, err)

	_, err = NewMQTTBus(MQTTConfig{Host: "localhost", QoS: 3}, logger)
	assert.Error(t, err)

	_, err = NewMQTTBus(MQTTConfig{Host: "localhost", TLS: true, CAFile: "/nonexistent/ca.pem"}, logger)
	assert.Error(t, err)
}

func TestMQTTBus_RoutesAndEndsOnConnectionLoss(t *testing.T) {
	b, err := NewMQTTBus(MQTTConfig{Host: "localhost", Port: 1883}, zap.NewNop().Sugar())
	require.NoError(t, err)

	signaling := b.track([]string{"webrtc/signaling"})
	announce := b.track([]string{"camera/announce"})

	b.onMessage(nil, fakeMQTTMessage{topic: "webrtc/signaling", payload: []byte(`{"type":"presence","from":"camera_3f9a1c"}`)})

	msg := receive(t, signaling)
	assert.Equal(t, "webrtc/signaling", msg.Topic)
	assert.JSONEq(t, `{"type":"presence","from":"camera_3f9a1c"}`, string(msg.Payload))
	select {
	case <-announce.Messages():
		t.Fatal("announce subscription got a signaling message")
	default:
	}

	b.lost(errors.New("connection reset"))
	assertEnded(t, signaling)
	assertEnded(t, announce)
}

func TestMQTTBus_ClosedBusRefusesWork(t *testing.T) {
	b, err := NewMQTTBus(MQTTConfig{Host: "localhost", Port: 1883}, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, b.Close())

	err = b.Publish(context.Background(), "webrtc/signaling", []byte(`{}`))
	assert.ErrorIs(t, err, ErrBusClosed)
	_, err = b.Subscribe(context.Background(), "webrtc/signaling")
	assert.ErrorIs(t, err, ErrBusClosed)
}

// Requires a reachable broker; set PEERCAM_TEST_MQTT_HOST (and optionally
// PEERCAM_TEST_MQTT_PORT) to run.
func TestMQTTBus_PublishSubscribe(t *testing.T) {
	host := os.Getenv("PEERCAM_TEST_MQTT_HOST")
	if host == "" {
		t.Skip("PEERCAM_TEST_MQTT_HOST not set")
	}
	port := 1883
	if v := os.Getenv("PEERCAM_TEST_MQTT_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		require.NoError(t, err)
		port = p
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := NewMQTTBus(MQTTConfig{Host: host, Port: port, ClientID: "peercam_test_" + strconv.FormatInt(time.Now().UnixNano(), 36), QoS: 1}, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Ping(ctx))

	sub, err := b.Subscribe(ctx, "peercam-test/signaling")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "peercam-test/signaling", []byte(`{"type":"presence","from":"peer_abc123"}`)))

	msg := receive(t, sub)
	assert.Equal(t, "peercam-test/signaling", msg.Topic)
	assert.JSONEq(t, `{"type":"presence","from":"peer_abc123"}`, string(msg.Payload))

	require.NoError(t, sub.Close())
	assertEnded(t, sub)
}

package webrtc

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"peercam/internal/core/domain"
	"peercam/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	_ ports.MediaEngine = (*Engine)(nil)
	_ ports.MediaSource = (*VideoSource)(nil)
	_ ports.SideChannel = (*sideChannel)(nil)
)

type recordingMediaMetrics struct {
	mu       sync.Mutex
	sent     int
	received int
	rtcp     map[string]int
}

func newRecordingMediaMetrics() *recordingMediaMetrics {
	return &recordingMediaMetrics{rtcp: make(map[string]int)}
}

func (r *recordingMediaMetrics) FramesSent(n int) {
	r.mu.Lock()
	r.sent += n
	r.mu.Unlock()
}

func (r *recordingMediaMetrics) FramesReceived(n int) {
	r.mu.Lock()
	r.received += n
	r.mu.Unlock()
}

func (r *recordingMediaMetrics) RTCPReceived(kind string) {
	r.mu.Lock()
	r.rtcp[kind]++
	r.mu.Unlock()
}

// writeIVF writes a minimal IVF container with the given frames.
func writeIVF(t *testing.T, fourcc string, width, height uint16, frames ...[]byte) string {
	t.Helper()

	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:], 0)
	binary.LittleEndian.PutUint16(header[6:], 32)
	copy(header[8:12], fourcc)
	binary.LittleEndian.PutUint16(header[12:], width)
	binary.LittleEndian.PutUint16(header[14:], height)
	binary.LittleEndian.PutUint32(header[16:], 30)
	binary.LittleEndian.PutUint32(header[20:], 1)
	binary.LittleEndian.PutUint32(header[24:], uint32(len(frames)))

	data := header
	for i, frame := range frames {
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:], uint32(len(frame)))
		binary.LittleEndian.PutUint64(fh[4:], uint64(i))
		data = append(data, fh...)
		data = append(data, frame...)
	}

	path := filepath.Join(t.TempDir(), "camera.ivf")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func newSource(t *testing.T, cfg VideoSourceConfig) *VideoSource {
	t.Helper()
	source, err := NewVideoSource(cfg, nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	return source
}

func TestVideoSource_Synthetic(t *testing.T) {
	metrics := newRecordingMediaMetrics()
	source, err := NewVideoSource(VideoSourceConfig{FPS: 100}, metrics, zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.True(t, source.IsFake())
	assert.Equal(t, "640x480", source.Resolution())
	assert.Equal(t, 100, source.FPS())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, source.Run(ctx))

	assert.Greater(t, source.FramesCaptured(), uint64(0))
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, int(source.FramesCaptured()), metrics.sent)
}

func TestVideoSource_IVFFileLoops(t *testing.T) {
	path := writeIVF(t, "VP80", 320, 240, []byte{0x10, 0x02, 0x00}, []byte{0x31, 0x02, 0x00})
	source := newSource(t, VideoSourceConfig{File: path, Resolution: "640x480"})
	defer source.close()

	assert.False(t, source.IsFake())
	assert.Equal(t, "320x240", source.Resolution())

	for i := 0; i < 5; i++ {
		require.NoError(t, source.writeFrame(time.Second/30))
	}
	assert.Equal(t, uint64(5), source.FramesCaptured())
}

func TestVideoSource_RejectsBadFiles(t *testing.T) {
	_, err := NewVideoSource(VideoSourceConfig{File: filepath.Join(t.TempDir(), "missing.ivf")}, nil, zap.NewNop().Sugar())
	assert.Error(t, err)

	path := writeIVF(t, "AV01", 320, 240, []byte{1})
	_, err = NewVideoSource(VideoSourceConfig{File: path}, nil, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AV01")

	empty := writeIVF(t, "VP80", 320, 240)
	source := newSource(t, VideoSourceConfig{File: empty})
	defer source.close()
	assert.Error(t, source.writeFrame(time.Second/30))
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(EngineConfig{Role: domain.RoleSource}, nil, nil, zap.NewNop().Sugar())
	assert.Error(t, err)

	cfg := EngineConfig{Role: domain.RoleViewer}
	cfg.PortRange.Min, cfg.PortRange.Max = 20000, 10000
	_, err = NewEngine(cfg, nil, nil, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func newEngines(t *testing.T) (*Engine, *Engine, *VideoSource) {
	t.Helper()
	source := newSource(t, VideoSourceConfig{CameraID: "camera_3f9a1c"})

	camera, err := NewEngine(EngineConfig{Role: domain.RoleSource}, source, nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	viewer, err := NewEngine(EngineConfig{Role: domain.RoleViewer}, nil, nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	return camera, viewer, source
}

func TestEngine_OfferAnswerExchange(t *testing.T) {
	camera, viewer, _ := newEngines(t)
	ctx := context.Background()

	offerer, err := viewer.NewConnection(ctx, "camera_3f9a1c")
	require.NoError(t, err)
	defer offerer.Close()

	var mu sync.Mutex
	var states []string
	offerer.OnEvent(func(ev ports.ConnectionEvent) {
		if ev.Kind == ports.EventSignalingState {
			mu.Lock()
			states = append(states, ev.State)
			mu.Unlock()
		}
	})

	require.NoError(t, offerer.AttachLocalMedia(ctx))
	ch, err := offerer.OpenSideChannel("camera_control")
	require.NoError(t, err)
	assert.Equal(t, "camera_control", ch.Label())
	assert.False(t, ch.IsOpen())

	offer, err := offerer.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.Contains(t, offer.SDP, "m=video")
	assert.Contains(t, offer.SDP, "a=recvonly")
	assert.Contains(t, offer.SDP, "m=application")
	require.NoError(t, offerer.SetLocalDescription(ctx, offer))

	answerer, err := camera.NewConnection(ctx, "viewer_0b12de")
	require.NoError(t, err)
	defer answerer.Close()

	require.NoError(t, answerer.AttachLocalMedia(ctx))
	require.NoError(t, answerer.SetRemoteDescription(ctx, offer))

	answer, err := answerer.CreateAnswer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	assert.True(t, strings.Contains(answer.SDP, "m=video"), "camera answers with its video track")
	require.NoError(t, answerer.SetLocalDescription(ctx, answer))
	require.NoError(t, offerer.SetRemoteDescription(ctx, answer))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range states {
			if s == "stable" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestConnection_RejectsInvalidInput(t *testing.T) {
	_, viewer, _ := newEngines(t)
	ctx := context.Background()

	conn, err := viewer.NewConnection(ctx, "camera_3f9a1c")
	require.NoError(t, err)
	defer conn.Close()

	err = conn.AddICECandidate(ctx, domain.ICECandidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.2 50000 typ host"})
	assert.ErrorIs(t, err, errRemoteNotSet)

	err = conn.SetRemoteDescription(ctx, domain.SessionDescription{Type: "rollback-ish", SDP: "v=0"})
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = viewer.NewConnection(cancelled, "camera_3f9a1c")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = conn.CreateOffer(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConnection_FramesSentCountsFromAttach(t *testing.T) {
	camera, _, source := newEngines(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, source.writeFrame(time.Second/30))
	}

	conn, err := camera.NewConnection(ctx, "viewer_0b12de")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, uint64(0), conn.Stats().FramesSent)

	require.NoError(t, conn.AttachLocalMedia(ctx))
	for i := 0; i < 2; i++ {
		require.NoError(t, source.writeFrame(time.Second/30))
	}
	assert.Equal(t, uint64(2), conn.Stats().FramesSent)
}

func TestConnection_CountsFeedbackAndFrames(t *testing.T) {
	metrics := newRecordingMediaMetrics()
	c := &connection{metrics: metrics, logger: zap.NewNop().Sugar()}

	c.countRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: 1},
		&rtcp.TransportLayerNack{MediaSSRC: 1, Nacks: []rtcp.NackPair{{PacketID: 10}}},
		&rtcp.ReceiverReport{Reports: []rtcp.ReceptionReport{{SSRC: 1, TotalLost: 4}}},
		&rtcp.ReceiverReport{Reports: []rtcp.ReceptionReport{{SSRC: 1, TotalLost: 7}}},
	})

	c.countPacket(&rtp.Packet{Header: rtp.Header{Marker: false}})
	c.countPacket(&rtp.Packet{Header: rtp.Header{Marker: true}})
	c.countPacket(&rtp.Packet{Header: rtp.Header{Marker: true}})

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.PLIReceived)
	assert.Equal(t, uint64(1), stats.NACKReceived)
	assert.Equal(t, uint64(7), stats.PacketsLost)
	assert.Equal(t, uint64(2), stats.FramesReceived)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 2, metrics.received)
	assert.Equal(t, 1, metrics.rtcp["pli"])
	assert.Equal(t, 2, metrics.rtcp["receiver_report"])
}

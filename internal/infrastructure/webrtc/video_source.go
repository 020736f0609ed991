package webrtc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"peercam/pkg/validation"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"go.uber.org/zap"
)

const (
	defaultFPS        = 30
	defaultResolution = "640x480"
	vp8FourCC         = "VP80"
)

type VideoSourceConfig struct {
	// File is a VP8 IVF file looped forever. Empty selects the synthetic
	// source, whose payloads are frame-numbered placeholders.
	File       string
	FPS        int
	Resolution string
	CameraID   string
}

// VideoSource writes frames at a fixed rate to one VP8 track shared by every
// connection of a source engine. It implements ports.MediaSource.
type VideoSource struct {
	cfg     VideoSourceConfig
	track   *webrtc.TrackLocalStaticSample
	metrics MediaMetrics
	logger  *zap.SugaredLogger

	frames atomic.Uint64

	mu     sync.Mutex
	file   *os.File
	reader *ivfreader.IVFReader
}

func NewVideoSource(cfg VideoSourceConfig, metrics MediaMetrics, logger *zap.SugaredLogger) (*VideoSource, error) {
	if cfg.FPS <= 0 {
		cfg.FPS = defaultFPS
	}
	if cfg.Resolution == "" {
		cfg.Resolution = defaultResolution
	}
	if metrics == nil {
		metrics = nopMediaMetrics{}
	}
	streamID := cfg.CameraID
	if streamID == "" {
		streamID = "peercam"
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	v := &VideoSource{
		cfg:     cfg,
		track:   track,
		metrics: metrics,
		logger:  logger,
	}

	if cfg.File != "" {
		header, err := v.open()
		if err != nil {
			return nil, err
		}
		res := fmt.Sprintf("%dx%d", header.Width, header.Height)
		if err := validation.ValidateResolution(res); err == nil {
			v.cfg.Resolution = res
		}
	}
	return v, nil
}

func (v *VideoSource) Track() *webrtc.TrackLocalStaticSample { return v.track }

func (v *VideoSource) FramesCaptured() uint64 { return v.frames.Load() }
func (v *VideoSource) Resolution() string     { return v.cfg.Resolution }
func (v *VideoSource) FPS() int               { return v.cfg.FPS }
func (v *VideoSource) IsFake() bool           { return v.cfg.File == "" }

// Run writes one frame per tick until ctx is done.
func (v *VideoSource) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(v.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer v.close()

	v.logger.Infow("Video source started",
		"file", v.cfg.File,
		"resolution", v.cfg.Resolution,
		"fps", v.cfg.FPS,
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := v.writeFrame(interval); err != nil {
				return err
			}
		}
	}
}

func (v *VideoSource) writeFrame(duration time.Duration) error {
	frame, err := v.nextFrame()
	if err != nil {
		return err
	}
	if err := v.track.WriteSample(media.Sample{Data: frame, Duration: duration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		v.logger.Warnw("Failed to write video sample", "error", err)
	}
	v.frames.Add(1)
	v.metrics.FramesSent(1)
	return nil
}

func (v *VideoSource) nextFrame() ([]byte, error) {
	if v.cfg.File == "" {
		frame := make([]byte, 16)
		binary.BigEndian.PutUint64(frame, v.frames.Load())
		binary.BigEndian.PutUint64(frame[8:], uint64(time.Now().UnixNano()))
		return frame, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for attempt := 0; attempt < 2; attempt++ {
		if v.reader == nil {
			if _, err := v.openLocked(); err != nil {
				return nil, err
			}
		}
		frame, _, err := v.reader.ParseNextFrame()
		if err == nil {
			return frame, nil
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("failed to read ivf frame: %w", err)
		}
		// loop the file
		v.closeLocked()
	}
	return nil, fmt.Errorf("ivf file %s has no frames", v.cfg.File)
}

func (v *VideoSource) open() (*ivfreader.IVFFileHeader, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.openLocked()
}

func (v *VideoSource) openLocked() (*ivfreader.IVFFileHeader, error) {
	f, err := os.Open(v.cfg.File)
	if err != nil {
		return nil, fmt.Errorf("failed to open video file: %w", err)
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read ivf header: %w", err)
	}
	if header.FourCC != vp8FourCC {
		f.Close()
		return nil, fmt.Errorf("unsupported ivf codec %q", header.FourCC)
	}
	v.file, v.reader = f, reader
	return header, nil
}

func (v *VideoSource) close() {
	v.mu.Lock()
	v.closeLocked()
	v.mu.Unlock()
}

func (v *VideoSource) closeLocked() {
	if v.file != nil {
		v.file.Close()
	}
	v.file, v.reader = nil, nil
}

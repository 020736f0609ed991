package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	assert.True(t, New("debug", "json").Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New("warn", "console").Core().Enabled(zapcore.InfoLevel))
	assert.True(t, New("nonsense", "json").Core().Enabled(zapcore.InfoLevel))
	assert.False(t, New("nonsense", "json").Core().Enabled(zapcore.DebugLevel))
}

func TestContextLogger_AddsIDs(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithPeerID(context.Background(), "viewer_a")
	ctx = WithRequestID(ctx, "req_1")
	cl.LogRequest(ctx, "GET", "/api/v1/sessions", 200, 3)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "viewer_a", fields["peer_id"])
	assert.Equal(t, "req_1", fields["request_id"])
	assert.Equal(t, int64(200), fields["status_code"])
	assert.Equal(t, "req_1", RequestID(ctx))
}

func TestContextLogger_NoFields(t *testing.T) {
	base := zap.NewNop()
	cl := NewContextLogger(base)
	assert.Same(t, base, cl.WithContext(context.Background()))
}

package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"peercam/internal/core/domain"
	"peercam/internal/core/services"
	"peercam/internal/infrastructure/monitoring"
	apperrors "peercam/pkg/errors"
	"peercam/pkg/logger"
	"peercam/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultCommandTimeout = 5 * time.Second

// SessionService is the part of the session controller the API drives.
type SessionService interface {
	LocalID() domain.PeerID
	Sessions() []domain.SessionStats
	Session(remote domain.PeerID) (domain.SessionStats, bool)
	Initiate(ctx context.Context, remote domain.PeerID) error
	RequestView(ctx context.Context, remote domain.PeerID) error
	Close(ctx context.Context, remote domain.PeerID) error
	Commands(remote domain.PeerID) (*services.CommandClient, error)
}

// PeerDirectory lists peers seen on the discovery topics.
type PeerDirectory interface {
	Snapshot(now time.Time, exclude domain.PeerID) []domain.PeerEntry
}

type StatusHandler struct {
	sessions       SessionService
	peers          PeerDirectory
	health         *monitoring.HealthChecker
	metrics        http.Handler
	commandTimeout time.Duration
	now            func() time.Time
	logger         *zap.SugaredLogger
}

// NewStatusHandler creates the status API. metrics may be nil to leave the
// metrics route out.
func NewStatusHandler(
	sessions SessionService,
	peers PeerDirectory,
	health *monitoring.HealthChecker,
	metrics http.Handler,
	logger *zap.SugaredLogger,
) *StatusHandler {
	return &StatusHandler{
		sessions:       sessions,
		peers:          peers,
		health:         health,
		metrics:        metrics,
		commandTimeout: defaultCommandTimeout,
		now:            time.Now,
		logger:         logger,
	}
}

func (h *StatusHandler) SetupRoutes(router *gin.Engine, metricsPath string) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if h.metrics != nil {
		router.GET(metricsPath, gin.WrapH(h.metrics))
	}

	api := router.Group("/api/v1")
	{
		api.GET("/peers", h.ListPeers)
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
		api.POST("/sessions/:id", h.StartSession)
		api.DELETE("/sessions/:id", h.CloseSession)
		api.GET("/sessions/:id/ping", h.Ping)
		api.GET("/sessions/:id/info", h.GetInfo)
		api.GET("/sessions/:id/stats", h.GetRemoteStats)
	}
}

// Health is a liveness probe.
func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"peer_id": h.sessions.LocalID(),
		"time":    h.now().UTC(),
	})
}

// Ready reports 503 until every registered health check passes.
func (h *StatusHandler) Ready(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *StatusHandler) ListPeers(c *gin.Context) {
	peers := h.peers.Snapshot(h.now(), h.sessions.LocalID())
	c.JSON(http.StatusOK, gin.H{
		"peers": peers,
		"count": len(peers),
	})
}

func (h *StatusHandler) ListSessions(c *gin.Context) {
	sessions := h.sessions.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *StatusHandler) GetSession(c *gin.Context) {
	remote, ok := h.remoteParam(c)
	if !ok {
		return
	}
	stats, found := h.sessions.Session(remote)
	if !found {
		_ = c.Error(fmt.Errorf("session %s: %w", remote, domain.ErrUnknownSession))
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": stats})
}

// StartSession offers a session to the remote peer, or sends it a view
// request when this node may not offer.
func (h *StatusHandler) StartSession(c *gin.Context) {
	remote, ok := h.remoteParam(c)
	if !ok {
		return
	}

	action := "initiate"
	err := h.sessions.Initiate(c.Request.Context(), remote)
	if errors.Is(err, domain.ErrNotAllowed) {
		action = "view_request"
		err = h.sessions.RequestView(c.Request.Context(), remote)
	}
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.logger.Infow("Session requested over API", "remote_id", remote, "action", action)
	c.JSON(http.StatusAccepted, gin.H{
		"remote_id": remote,
		"action":    action,
	})
}

func (h *StatusHandler) CloseSession(c *gin.Context) {
	remote, ok := h.remoteParam(c)
	if !ok {
		return
	}
	if err := h.sessions.Close(c.Request.Context(), remote); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *StatusHandler) Ping(c *gin.Context) {
	h.command(c, func(ctx context.Context, client *services.CommandClient) (interface{}, error) {
		start := h.now()
		remoteTime, err := client.Ping(ctx)
		if err != nil {
			return nil, err
		}
		return gin.H{
			"remote_time": remoteTime.UTC(),
			"rtt_ms":      h.now().Sub(start).Milliseconds(),
		}, nil
	})
}

func (h *StatusHandler) GetInfo(c *gin.Context) {
	h.command(c, func(ctx context.Context, client *services.CommandClient) (interface{}, error) {
		info, err := client.GetInfo(ctx)
		if err != nil {
			return nil, err
		}
		return gin.H{"info": info}, nil
	})
}

func (h *StatusHandler) GetRemoteStats(c *gin.Context) {
	h.command(c, func(ctx context.Context, client *services.CommandClient) (interface{}, error) {
		stats, err := client.GetStats(ctx)
		if err != nil {
			return nil, err
		}
		return gin.H{"stats": stats}, nil
	})
}

// command runs one side channel request against the session with :id.
func (h *StatusHandler) command(c *gin.Context, fn func(ctx context.Context, client *services.CommandClient) (interface{}, error)) {
	remote, ok := h.remoteParam(c)
	if !ok {
		return
	}
	client, err := h.sessions.Commands(remote)
	if err != nil {
		_ = c.Error(err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.commandTimeout)
	defer cancel()

	body, err := fn(ctx, client)
	if errors.Is(err, services.ErrSideChannelClosed) {
		_ = c.Error(apperrors.NewServiceUnavailableError("side channel not open").WithContext("remote_id", remote))
		return
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (h *StatusHandler) remoteParam(c *gin.Context) (domain.PeerID, bool) {
	id := c.Param("id")
	if err := validation.ValidatePeerID(id); err != nil {
		_ = c.Error(fmt.Errorf("%w: %v", domain.ErrInvalidPeerID, err))
		return "", false
	}
	c.Request = c.Request.WithContext(logger.WithPeerID(c.Request.Context(), id))
	return domain.PeerID(id), true
}

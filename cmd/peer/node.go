package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"peercam/internal/core/domain"
	"peercam/internal/core/ports"
	"peercam/internal/core/services"
	httphandlers "peercam/internal/handlers/http"
	"peercam/internal/infrastructure/bus"
	"peercam/internal/infrastructure/middleware"
	"peercam/internal/infrastructure/monitoring"
	"peercam/internal/infrastructure/signal"
	webrtcinfra "peercam/internal/infrastructure/webrtc"
	"peercam/pkg/config"
	"peercam/pkg/logger"
	"peercam/pkg/retry"
	"peercam/pkg/tracing"
	"peercam/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	healthCheckInterval = 10 * time.Second
	healthCheckTimeout  = 2 * time.Second
	infoTimeout         = 5 * time.Second
)

// runNode wires one peer process and blocks until ctx is cancelled or a
// component fails.
func runNode(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	localID := domain.PeerID(cfg.Node.ID)
	if localID == "" {
		localID = domain.PeerID(utils.GeneratePeerID(cfg.Node.IDPrefix))
	}
	role := domain.NodeRole(cfg.Node.Role)
	mode := domain.DiscoveryMode(cfg.Discovery.Mode)

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format).With(
		zap.String("peer_id", string(localID)),
		zap.String("role", string(role)),
	)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(cfg.TracingConfig(),
		attribute.String("peer.id", string(localID)),
		attribute.String("peer.role", string(role)),
	)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("Failed to flush traces", "error", err)
		}
	}()

	metrics := monitoring.NewPrometheusCollector(nil)

	signalBus, err := newBus(ctx, cfg, localID, log)
	if err != nil {
		return err
	}
	defer signalBus.Close()

	channel := signal.NewChannel(signal.ChannelConfig{
		LocalID:        localID,
		Mode:           mode,
		SignalingTopic: cfg.Bus.SignalingTopic,
		AnnounceTopic:  cfg.Bus.AnnounceTopic,
		RatePerSecond:  signalingRate(cfg),
		RateBurst:      cfg.RateLimiting.Signaling.Burst,
		Retry:          cfg.RetryConfig(),
		Reconnect:      reconnectConfig(cfg.RetryConfig()),
		Breaker:        cfg.CircuitBreakerConfig(),
	}, signalBus, metrics, log.Named("signal"))

	var (
		source *webrtcinfra.VideoSource
		media  ports.MediaSource
	)
	if role == domain.RoleSource {
		source, err = webrtcinfra.NewVideoSource(webrtcinfra.VideoSourceConfig{
			File:       cfg.WebRTC.VideoFile,
			FPS:        cfg.WebRTC.FPS,
			Resolution: cfg.WebRTC.Resolution,
			CameraID:   string(localID),
		}, metrics, log.Named("video"))
		if err != nil {
			return err
		}
		media = source
	}

	engineCfg := webrtcinfra.EngineConfig{
		Role:       role,
		ICEServers: iceServers(cfg),
	}
	engineCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	engineCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	engine, err := webrtcinfra.NewEngine(engineCfg, source, metrics, log.Named("webrtc"))
	if err != nil {
		return err
	}

	dispatcher := services.NewCommandDispatcher(localID, role, media, metrics, log.Named("commands"))
	controller, err := services.NewSessionController(services.ControllerConfig{
		LocalID:              localID,
		Role:                 role,
		Mode:                 mode,
		NegotiationTimeout:   cfg.Session.NegotiationTimeout,
		SideChannelLabel:     cfg.Session.SideChannelLabel,
		MaxPendingCandidates: cfg.Session.MaxPendingCandidates,
		ReplaceWait:          cfg.Session.ReplaceWait,
	}, engine, channel, dispatcher, metrics, log.Named("sessions"))
	if err != nil {
		return err
	}

	registry := services.NewPeerRegistry(cfg.Discovery.OnlineWindow, cfg.Discovery.ExpiryWindow)
	discoveryCfg := services.DiscoveryConfig{
		LocalID:       localID,
		Role:          role,
		Mode:          mode,
		Interval:      cfg.Discovery.Interval,
		AutoConnect:   cfg.Discovery.AutoConnect,
		Target:        domain.PeerID(cfg.Discovery.Target),
		RetryInterval: cfg.Discovery.RetryInterval,
	}
	if source != nil {
		discoveryCfg.Resolution = source.Resolution()
		discoveryCfg.IsFake = source.IsFake()
	}
	discovery := services.NewDiscoveryService(discoveryCfg, registry, channel, controller, metrics, log.Named("discovery"))

	channel.Attach(controller, discovery)

	health := monitoring.NewHealthChecker()
	health.AddBusCheck(signalBus, healthCheckInterval, healthCheckTimeout)
	health.AddTransportCheck(func() string { return string(channel.Status()) }, healthCheckInterval, healthCheckTimeout)

	log.Infow("Starting peer", "mode", mode, "bus", cfg.Bus.Type, "auto_connect", cfg.Discovery.AutoConnect, "target", cfg.Discovery.Target)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return channel.Run(gctx) })
	g.Go(func() error { return controller.Run(gctx) })
	g.Go(func() error { return discovery.Run(gctx) })
	g.Go(func() error {
		health.StartBackgroundChecks(gctx)
		return nil
	})
	if source != nil {
		g.Go(func() error { return source.Run(gctx) })
	}
	g.Go(func() error {
		watchSessions(gctx, controller, role, log)
		return nil
	})
	if cfg.Server.Enabled {
		var metricsHandler http.Handler
		if cfg.Monitoring.PrometheusEnabled {
			metricsHandler = promhttp.Handler()
		}
		handler := httphandlers.NewStatusHandler(controller, registry, health, metricsHandler, log.Named("http"))
		srv := newStatusServer(cfg, handler, zapLogger, log)
		g.Go(func() error { return serveStatus(gctx, cfg, srv, log) })
	}

	err = g.Wait()
	log.Infow("Peer stopped", "error", err)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newBus(ctx context.Context, cfg *config.Config, localID domain.PeerID, log *zap.SugaredLogger) (ports.Bus, error) {
	switch cfg.Bus.Type {
	case "redis":
		client, err := bus.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log.Named("redis"))
		if err != nil {
			return nil, err
		}
		return bus.NewRedisBus(client, cfg.Redis.ChannelPrefix, log.Named("bus")), nil
	case "websocket":
		return bus.NewWebSocketBus(bus.WebSocketConfig{
			URL:          cfg.Signal.URL,
			PeerID:       string(localID),
			WriteTimeout: cfg.Signal.WriteTimeout,
			ReadTimeout:  cfg.Signal.PongTimeout + cfg.Signal.PingInterval,
		}, log.Named("bus")), nil
	case "mqtt":
		return bus.NewMQTTBus(bus.MQTTConfig{
			Host:               cfg.MQTT.Host,
			Port:               cfg.MQTT.Port,
			ClientID:           cfg.MQTT.ClientIDPrefix + string(localID),
			Username:           cfg.MQTT.Username,
			Password:           cfg.MQTT.Password,
			TLS:                cfg.MQTT.TLS,
			CAFile:             cfg.MQTT.CAFile,
			InsecureSkipVerify: cfg.MQTT.InsecureSkipVerify,
			QoS:                byte(cfg.MQTT.QoS),
			KeepAlive:          cfg.MQTT.KeepAlive,
			ConnectTimeout:     cfg.MQTT.ConnectTimeout,
		}, log.Named("bus"))
	case "memory":
		log.Warn("Using the in-process bus; only peers in this process are reachable")
		return bus.NewMemoryBus(), nil
	default:
		return nil, fmt.Errorf("unsupported bus type %q", cfg.Bus.Type)
	}
}

func signalingRate(cfg *config.Config) float64 {
	if !cfg.RateLimiting.Enabled {
		return 0
	}
	return cfg.RateLimiting.Signaling.MessagesPerSecond
}

// reconnectConfig backs resubscription off further than a single publish.
func reconnectConfig(base retry.Config) retry.Config {
	if base.MaxDelay < 10*time.Second {
		base.MaxDelay = 10 * time.Second
	}
	return base
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

// watchSessions logs session transitions. A viewer also asks each camera it
// connects to for its info.
func watchSessions(ctx context.Context, controller *services.SessionController, role domain.NodeRole, log *zap.SugaredLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-controller.Events():
			if ev.Failed {
				log.Warnw("Session failed", "remote_id", ev.RemoteID, "session_id", ev.SessionID, "error", ev.Err)
			} else {
				log.Infow("Session state changed", "remote_id", ev.RemoteID, "session_id", ev.SessionID, "state", ev.State, "role", ev.Role)
			}
			if role == domain.RoleViewer && ev.State == domain.SessionConnected {
				go fetchInfo(ctx, controller, ev.RemoteID, log)
			}
		}
	}
}

func fetchInfo(ctx context.Context, controller *services.SessionController, remote domain.PeerID, log *zap.SugaredLogger) {
	// the side channel may open shortly after the media connects
	cfg := retry.Config{MaxAttempts: 5, InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2}
	var info services.Info
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		client, err := controller.Commands(remote)
		if err != nil {
			return retry.Permanent(err)
		}
		reqCtx, cancel := context.WithTimeout(ctx, infoTimeout)
		defer cancel()
		info, err = client.GetInfo(reqCtx)
		return err
	})
	if err != nil {
		log.Warnw("Failed to get camera info", "remote_id", remote, "error", err)
		return
	}
	log.Infow("Camera info",
		"remote_id", remote,
		"camera_id", info.CameraID,
		"resolution", info.Resolution,
		"fps", info.FPS,
		"frames_sent", info.FramesSent,
		"has_camera", info.HasCamera,
	)
}

func newStatusServer(cfg *config.Config, handler *httphandlers.StatusHandler, zapLogger *zap.Logger, log *zap.SugaredLogger) *http.Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(),
		middleware.LoggingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)
	handler.SetupRoutes(router, cfg.Monitoring.MetricsPath)

	return &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

func serveStatus(ctx context.Context, cfg *config.Config, srv *http.Server, log *zap.SugaredLogger) error {
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting status API on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err, ok := <-serverErr:
		if ok {
			return fmt.Errorf("status API failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during status API shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing status API", "error", closeErr)
		}
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"peercam/pkg/circuitbreaker"
	"peercam/pkg/retry"
	"peercam/pkg/tracing"
	"peercam/pkg/validation"

	"gopkg.in/yaml.v2"
)

const envPrefix = "PEERCAM_"

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Node struct {
		// ID is generated from IDPrefix when empty.
		ID       string `yaml:"id"`
		IDPrefix string `yaml:"id_prefix"`
		Role     string `yaml:"role"`
	} `yaml:"node"`

	Discovery struct {
		Mode          string        `yaml:"mode"`
		Interval      time.Duration `yaml:"interval"`
		OnlineWindow  time.Duration `yaml:"online_window"`
		ExpiryWindow  time.Duration `yaml:"expiry_window"`
		AutoConnect   bool          `yaml:"auto_connect"`
		Target        string        `yaml:"target"`
		RetryInterval time.Duration `yaml:"retry_interval"`
	} `yaml:"discovery"`

	Bus struct {
		Type           string `yaml:"type"`
		SignalingTopic string `yaml:"signaling_topic"`
		AnnounceTopic  string `yaml:"announce_topic"`
	} `yaml:"bus"`

	Redis struct {
		Address       string `yaml:"address"`
		Password      string `yaml:"password"`
		DB            int    `yaml:"db"`
		PoolSize      int    `yaml:"pool_size"`
		ChannelPrefix string `yaml:"channel_prefix"`
	} `yaml:"redis"`

	MQTT struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		TLS      bool   `yaml:"tls"`
		CAFile   string `yaml:"ca_file"`
		// InsecureSkipVerify accepts any broker certificate.
		InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
		// The client id is ClientIDPrefix followed by the node id.
		ClientIDPrefix string        `yaml:"client_id_prefix"`
		QoS            int           `yaml:"qos"`
		KeepAlive      time.Duration `yaml:"keep_alive"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
	} `yaml:"mqtt"`

	Signal struct {
		// Address is where cmd/signal listens; URL is what peers dial.
		Address         string        `yaml:"address"`
		URL             string        `yaml:"url"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	Session struct {
		NegotiationTimeout   time.Duration `yaml:"negotiation_timeout"`
		MaxPendingCandidates int           `yaml:"max_pending_candidates"`
		SideChannelLabel     string        `yaml:"side_channel_label"`
		ReplaceWait          time.Duration `yaml:"replace_wait"`
	} `yaml:"session"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		// VideoFile is an IVF (VP8) file looped as the source's video.
		// Without it the source sends a synthetic test pattern.
		VideoFile  string `yaml:"video_file"`
		FPS        int    `yaml:"fps"`
		Resolution string `yaml:"resolution"`
	} `yaml:"webrtc"`

	Server struct {
		Enabled         bool          `yaml:"enabled"`
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		// Signaling limits inbound envelopes per remote peer.
		Signaling struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"signaling"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Retry struct {
		MaxAttempts  int           `yaml:"max_attempts"`
		InitialDelay time.Duration `yaml:"initial_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
		Multiplier   float64       `yaml:"multiplier"`
		Jitter       bool          `yaml:"jitter"`
	} `yaml:"retry"`

	CircuitBreaker struct {
		FailureThreshold    int           `yaml:"failure_threshold"`
		SuccessThreshold    int           `yaml:"success_threshold"`
		Timeout             time.Duration `yaml:"timeout"`
		MaxRequestsHalfOpen int           `yaml:"max_requests_half_open"`
	} `yaml:"circuit_breaker"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Node
	if c.Node.ID != "" {
		if err := validation.ValidatePeerID(c.Node.ID); err != nil {
			return fmt.Errorf("node.id: %w", err)
		}
	}
	switch c.Node.Role {
	case "", "source", "viewer":
	default:
		return fmt.Errorf("node.role must be source or viewer, got %q", c.Node.Role)
	}

	// Discovery
	switch c.Discovery.Mode {
	case "presence", "announce":
	default:
		return fmt.Errorf("discovery.mode must be presence or announce, got %q", c.Discovery.Mode)
	}
	if c.Discovery.Interval <= 0 {
		return fmt.Errorf("discovery.interval must be > 0")
	}
	if c.Discovery.OnlineWindow <= 0 {
		return fmt.Errorf("discovery.online_window must be > 0")
	}
	if c.Discovery.ExpiryWindow < c.Discovery.OnlineWindow {
		return fmt.Errorf("discovery.expiry_window must be >= discovery.online_window")
	}
	if c.Discovery.Target != "" {
		if err := validation.ValidatePeerID(c.Discovery.Target); err != nil {
			return fmt.Errorf("discovery.target: %w", err)
		}
	}

	// Bus
	switch c.Bus.Type {
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when bus.type=redis")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when bus.type=redis")
		}
	case "websocket":
		if err := validation.ValidateURL(c.Signal.URL, "ws", "wss"); err != nil {
			return fmt.Errorf("signal.url: %w", err)
		}
	case "mqtt":
		if c.MQTT.Host == "" {
			return fmt.Errorf("mqtt.host must not be empty when bus.type=mqtt")
		}
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt.port must be in (0, 65535]")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if c.MQTT.CAFile != "" && !c.MQTT.TLS {
			return fmt.Errorf("mqtt.ca_file requires mqtt.tls")
		}
	case "memory":
	default:
		return fmt.Errorf("bus.type must be redis, websocket, mqtt or memory, got %q", c.Bus.Type)
	}
	if err := validation.ValidateTopic(c.Bus.SignalingTopic); err != nil {
		return fmt.Errorf("bus.signaling_topic: %w", err)
	}
	if err := validation.ValidateTopic(c.Bus.AnnounceTopic); err != nil {
		return fmt.Errorf("bus.announce_topic: %w", err)
	}
	if c.Bus.SignalingTopic == c.Bus.AnnounceTopic {
		return fmt.Errorf("bus.signaling_topic and bus.announce_topic must differ")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}

	// Session
	if c.Session.NegotiationTimeout < 0 {
		return fmt.Errorf("session.negotiation_timeout must be >= 0")
	}
	if c.Session.MaxPendingCandidates <= 0 {
		return fmt.Errorf("session.max_pending_candidates must be > 0")
	}

	// WebRTC
	for _, s := range c.WebRTC.ICEServers {
		for _, u := range s.URLs {
			if err := validation.ValidateICEServerURL(u); err != nil {
				return fmt.Errorf("webrtc.ice_servers: %w", err)
			}
		}
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.FPS <= 0 || c.WebRTC.FPS > 120 {
		return fmt.Errorf("webrtc.fps must be in (0, 120]")
	}
	if err := validation.ValidateResolution(c.WebRTC.Resolution); err != nil {
		return fmt.Errorf("webrtc.resolution: %w", err)
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Address == "" {
			return fmt.Errorf("server.address must not be empty")
		}
		if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
			return fmt.Errorf("server timeouts must be > 0")
		}
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if err := validation.ValidateURL(c.Tracing.JaegerURL, "http", "https"); err != nil {
			return fmt.Errorf("tracing.jaeger_url: %w", err)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Signaling.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.signaling.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Signaling.Burst <= 0 {
			return fmt.Errorf("rate_limiting.signaling.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	// Retry and circuit breaker
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry delays must satisfy 0 < initial_delay <= max_delay")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if c.CircuitBreaker.FailureThreshold <= 0 || c.CircuitBreaker.SuccessThreshold <= 0 {
		return fmt.Errorf("circuit_breaker thresholds must be > 0")
	}
	if c.CircuitBreaker.Timeout <= 0 {
		return fmt.Errorf("circuit_breaker.timeout must be > 0")
	}

	return nil
}

// Load reads configuration from a YAML file, applies env overrides and
// validates the result. A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		default:
			if err := yaml.UnmarshalStrict(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Node.IDPrefix = "peer"

	cfg.Discovery.Mode = "presence"
	cfg.Discovery.Interval = time.Second
	cfg.Discovery.OnlineWindow = time.Second
	cfg.Discovery.ExpiryWindow = 5 * time.Second
	cfg.Discovery.RetryInterval = 5 * time.Second

	cfg.Bus.Type = "websocket"
	cfg.Bus.SignalingTopic = "webrtc/signaling"
	cfg.Bus.AnnounceTopic = "camera/announce"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.ChannelPrefix = "peercam:"

	cfg.MQTT.Port = 8883
	cfg.MQTT.TLS = true
	cfg.MQTT.ClientIDPrefix = "peercam_"
	cfg.MQTT.QoS = 1
	cfg.MQTT.KeepAlive = 60 * time.Second
	cfg.MQTT.ConnectTimeout = 10 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 10 * time.Second

	cfg.Session.NegotiationTimeout = 30 * time.Second
	cfg.Session.MaxPendingCandidates = 64
	cfg.Session.SideChannelLabel = "camera_control"
	cfg.Session.ReplaceWait = 2 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.FPS = 30
	cfg.WebRTC.Resolution = "640x480"

	cfg.Server.Enabled = true
	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	tc := tracing.DefaultConfig()
	cfg.Tracing.Enabled = tc.Enabled
	cfg.Tracing.ServiceName = tc.ServiceName
	cfg.Tracing.JaegerURL = tc.JaegerURL
	cfg.Tracing.Environment = tc.Environment
	cfg.Tracing.SampleRate = tc.SampleRate

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.Signaling.MessagesPerSecond = 50
	cfg.RateLimiting.Signaling.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	rc := retry.DefaultConfig()
	cfg.Retry.MaxAttempts = rc.MaxAttempts
	cfg.Retry.InitialDelay = rc.InitialDelay
	cfg.Retry.MaxDelay = rc.MaxDelay
	cfg.Retry.Multiplier = rc.Multiplier
	cfg.Retry.Jitter = rc.Jitter

	bc := circuitbreaker.DefaultConfig()
	cfg.CircuitBreaker.FailureThreshold = bc.FailureThreshold
	cfg.CircuitBreaker.SuccessThreshold = bc.SuccessThreshold
	cfg.CircuitBreaker.Timeout = bc.Timeout
	cfg.CircuitBreaker.MaxRequestsHalfOpen = bc.MaxRequestsHalfOpen

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	str := map[string]*string{
		"NODE_ID":        &c.Node.ID,
		"ROLE":           &c.Node.Role,
		"DISCOVERY_MODE": &c.Discovery.Mode,
		"TARGET":         &c.Discovery.Target,
		"BUS_TYPE":       &c.Bus.Type,
		"REDIS_ADDRESS":  &c.Redis.Address,
		"REDIS_PASSWORD": &c.Redis.Password,
		"MQTT_HOST":      &c.MQTT.Host,
		"MQTT_USERNAME":  &c.MQTT.Username,
		"MQTT_PASSWORD":  &c.MQTT.Password,
		"MQTT_CA_FILE":   &c.MQTT.CAFile,
		"RELAY_URL":      &c.Signal.URL,
		"SIGNAL_ADDRESS": &c.Signal.Address,
		"SERVER_ADDRESS": &c.Server.Address,
		"VIDEO_FILE":     &c.WebRTC.VideoFile,
		"JAEGER_URL":     &c.Tracing.JaegerURL,
		"LOG_LEVEL":      &c.Logging.Level,
		"LOG_FORMAT":     &c.Logging.Format,
	}
	for name, dst := range str {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}

	flags := map[string]*bool{
		"AUTO_CONNECT":    &c.Discovery.AutoConnect,
		"TRACING_ENABLED": &c.Tracing.Enabled,
		"MQTT_TLS":        &c.MQTT.TLS,
	}
	for name, dst := range flags {
		if v := os.Getenv(envPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
			}
			*dst = b
		}
	}
	if v := os.Getenv(envPrefix + "MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMQTT_PORT: %w", envPrefix, err)
		}
		c.MQTT.Port = port
	}
	return nil
}

func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Multiplier:   c.Retry.Multiplier,
		Jitter:       c.Retry.Jitter,
	}
}

func (c *Config) CircuitBreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold:    c.CircuitBreaker.FailureThreshold,
		SuccessThreshold:    c.CircuitBreaker.SuccessThreshold,
		Timeout:             c.CircuitBreaker.Timeout,
		MaxRequestsHalfOpen: c.CircuitBreaker.MaxRequestsHalfOpen,
	}
}

func (c *Config) TracingConfig() tracing.Config {
	return tracing.Config{
		Enabled:     c.Tracing.Enabled,
		ServiceName: c.Tracing.ServiceName,
		JaegerURL:   c.Tracing.JaegerURL,
		Environment: c.Tracing.Environment,
		SampleRate:  c.Tracing.SampleRate,
	}
}

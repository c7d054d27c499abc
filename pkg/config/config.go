package config

import (
	"fmt"
	"os"
	"time"

	"pairline/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		RelayURL       string        `yaml:"relay_url"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		OpenTimeout    time.Duration `yaml:"open_timeout"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		GatherTimeout time.Duration `yaml:"gather_timeout"`
	} `yaml:"webrtc"`

	Matchmaking struct {
		EmptyBackoff   time.Duration `yaml:"empty_backoff"`
		NetworkBackoff time.Duration `yaml:"network_backoff"`
		MaxJitter      time.Duration `yaml:"max_jitter"`
		DialTimeoutMin time.Duration `yaml:"dial_timeout_min"`
		DialTimeoutMax time.Duration `yaml:"dial_timeout_max"`
	} `yaml:"matchmaking"`

	Media struct {
		PreferredFacing string        `yaml:"preferred_facing"`
		Cameras         []string      `yaml:"cameras"`
		Microphone      bool          `yaml:"microphone"`
		FrameInterval   time.Duration `yaml:"frame_interval"`
	} `yaml:"media"`

	Directory struct {
		RequestTimeout time.Duration `yaml:"request_timeout"`
		PeerTTL        time.Duration `yaml:"peer_ttl"`
		CircuitBreaker struct {
			Enabled          bool          `yaml:"enabled"`
			FailureThreshold int           `yaml:"failure_threshold"`
			OpenTimeout      time.Duration `yaml:"open_timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"directory"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsAddress    string `yaml:"metrics_address"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.RelayURL == "" {
		return fmt.Errorf("signal.relay_url must not be empty")
	}
	if err := validation.ValidateURL(c.Signal.RelayURL); err != nil {
		return fmt.Errorf("signal.relay_url: %w", err)
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.OpenTimeout <= 0 {
		return fmt.Errorf("signal.open_timeout must be > 0")
	}

	// WebRTC
	if len(c.WebRTC.ICEServers) == 0 {
		return fmt.Errorf("webrtc.ice_servers must not be empty")
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.GatherTimeout <= 0 {
		return fmt.Errorf("webrtc.gather_timeout must be > 0")
	}

	// Matchmaking
	if c.Matchmaking.EmptyBackoff <= 0 {
		return fmt.Errorf("matchmaking.empty_backoff must be > 0")
	}
	if c.Matchmaking.NetworkBackoff <= 0 {
		return fmt.Errorf("matchmaking.network_backoff must be > 0")
	}
	if c.Matchmaking.MaxJitter < 0 {
		return fmt.Errorf("matchmaking.max_jitter must be >= 0")
	}
	if c.Matchmaking.DialTimeoutMin <= 0 {
		return fmt.Errorf("matchmaking.dial_timeout_min must be > 0")
	}
	if c.Matchmaking.DialTimeoutMax < c.Matchmaking.DialTimeoutMin {
		return fmt.Errorf("matchmaking.dial_timeout_max must be >= dial_timeout_min")
	}

	// Media
	switch c.Media.PreferredFacing {
	case "user", "environment":
	default:
		return fmt.Errorf("media.preferred_facing must be user or environment, got %q", c.Media.PreferredFacing)
	}
	for _, cam := range c.Media.Cameras {
		if cam != "user" && cam != "environment" {
			return fmt.Errorf("media.cameras contains unknown facing %q", cam)
		}
	}
	if c.Media.FrameInterval <= 0 {
		return fmt.Errorf("media.frame_interval must be > 0")
	}

	// Directory
	if c.Directory.RequestTimeout <= 0 {
		return fmt.Errorf("directory.request_timeout must be > 0")
	}
	if c.Directory.PeerTTL <= c.Signal.PingInterval {
		return fmt.Errorf("directory.peer_ttl must be > signal.ping_interval")
	}
	if c.Directory.CircuitBreaker.Enabled {
		if c.Directory.CircuitBreaker.FailureThreshold <= 0 {
			return fmt.Errorf("directory.circuit_breaker.failure_threshold must be > 0 when enabled")
		}
		if c.Directory.CircuitBreaker.OpenTimeout <= 0 {
			return fmt.Errorf("directory.circuit_breaker.open_timeout must be > 0 when enabled")
		}
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.MetricsAddress == "" {
		return fmt.Errorf("monitoring.metrics_address must not be empty when prometheus_enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
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
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.RelayURL = "ws://localhost:8080/ws"
	cfg.Signal.PingInterval = 20 * time.Second
	cfg.Signal.PongTimeout = 45 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.OpenTimeout = 10 * time.Second
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
		{URLs: []string{"stun:stun2.l.google.com:19302"}},
		{URLs: []string{"stun:stun3.l.google.com:19302"}},
		{URLs: []string{"stun:stun4.l.google.com:19302"}},
	}
	cfg.WebRTC.GatherTimeout = 5 * time.Second

	cfg.Matchmaking.EmptyBackoff = 3 * time.Second
	cfg.Matchmaking.NetworkBackoff = 3 * time.Second
	cfg.Matchmaking.MaxJitter = 2 * time.Second
	cfg.Matchmaking.DialTimeoutMin = 5 * time.Second
	cfg.Matchmaking.DialTimeoutMax = 8 * time.Second

	cfg.Media.PreferredFacing = "user"
	cfg.Media.Cameras = []string{"user", "environment"}
	cfg.Media.Microphone = true
	cfg.Media.FrameInterval = 33 * time.Millisecond

	cfg.Directory.RequestTimeout = 5 * time.Second
	cfg.Directory.PeerTTL = 60 * time.Second
	cfg.Directory.CircuitBreaker.Enabled = true
	cfg.Directory.CircuitBreaker.FailureThreshold = 5
	cfg.Directory.CircuitBreaker.OpenTimeout = 15 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsAddress = ":9090"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "pairline"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 30
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 20
	cfg.RateLimiting.WebSocket.Burst = 40
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("PAIRLINE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if url := os.Getenv("PAIRLINE_RELAY_URL"); url != "" {
		c.Signal.RelayURL = url
	}
	if level := os.Getenv("PAIRLINE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("PAIRLINE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if facing := os.Getenv("PAIRLINE_FACING"); facing != "" {
		c.Media.PreferredFacing = facing
	}
}

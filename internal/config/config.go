package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents piecebufd configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Buffer pool configuration
	Buffer BufferConfig `yaml:"buffer"`

	// Redis configuration
	Redis RedisConfig `yaml:"redis"`

	// Piece store write policy
	Store StoreConfig `yaml:"store"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing"`

	// Graceful shutdown timeout
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	// Listen address for piece connections
	ListenAddr string `yaml:"listen_addr"`

	// Health check and metrics port
	HealthCheckPort int `yaml:"health_check_port"`

	// Read deadline applied before every frame
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// Write deadline applied before every ack
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Maximum pieces a single connection may have partially received
	MaxPiecesInFlight int `yaml:"max_pieces_in_flight"`
}

// BufferConfig represents buffer pool configuration
type BufferConfig struct {
	// Storage capacity of each newly constructed buffer
	InitialCapacity int `yaml:"initial_capacity"`

	// Buffers constructed at startup
	Prewarm int `yaml:"prewarm"`

	// Maximum decoded piece size; larger pieces are rejected
	MaxPieceSize int `yaml:"max_piece_size"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	// Empty address disables the Redis piece store
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Key prefix for Redis keys
	KeyPrefix string `yaml:"key_prefix"`

	// Connection pool configuration
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StoreConfig represents the piece store write policy
type StoreConfig struct {
	// Retry configuration
	MaxRetries int           `yaml:"max_retries"` // Maximum attempts per write
	RetryDelay time.Duration `yaml:"retry_delay"` // Base delay between attempts

	// Circuit breaker configuration
	BreakerFailures int64         `yaml:"breaker_failures"` // Consecutive failures before opening
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`  // Open duration before a trial write
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	// Maximum block payload size (in bytes) on the wire to prevent DoS attacks
	MaxBlockSize int `yaml:"max_block_size"`

	// Maximum concurrent piece connections
	MaxConnections int `yaml:"max_connections"`

	// Maximum connections per IP address
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"`

	// Connection rate limit (connections per second per IP)
	ConnectionRateLimit int `yaml:"connection_rate_limit"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	// Jaeger collector endpoint (e.g. http://jaeger:14268/api/traces)
	// Empty disables tracing; JAEGER_ENDPOINT overrides it
	JaegerEndpoint string `yaml:"jaeger_endpoint"`

	// Fraction of root spans sampled, in (0, 1]
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML configuration, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set default values
	setDefaults(&cfg)

	// Validate configuration
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var cfg Config
	setDefaults(&cfg)
	return &cfg
}

// ValidateConfig validates the configuration (exported for hot reload)
func ValidateConfig(cfg *Config) error {
	return validateConfig(cfg)
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	// Validate server configuration
	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if cfg.Server.HealthCheckPort < 0 || cfg.Server.HealthCheckPort > 65535 {
		return fmt.Errorf("server.health_check_port must be between 0 and 65535")
	}
	if cfg.Server.MaxPiecesInFlight <= 0 {
		return fmt.Errorf("server.max_pieces_in_flight must be greater than 0")
	}

	// Validate buffer configuration
	if cfg.Buffer.InitialCapacity < 0 {
		return fmt.Errorf("buffer.initial_capacity must not be negative")
	}
	if cfg.Buffer.Prewarm < 0 {
		return fmt.Errorf("buffer.prewarm must not be negative")
	}
	if cfg.Buffer.MaxPieceSize <= 0 {
		return fmt.Errorf("buffer.max_piece_size must be greater than 0")
	}

	// Validate Redis configuration
	if cfg.Redis.Addr != "" && cfg.Redis.PoolSize <= 0 {
		return fmt.Errorf("redis.pool_size must be greater than 0")
	}

	// Validate store configuration
	if cfg.Store.MaxRetries <= 0 {
		return fmt.Errorf("store.max_retries must be greater than 0")
	}
	if cfg.Store.BreakerFailures <= 0 {
		return fmt.Errorf("store.breaker_failures must be greater than 0")
	}

	// Validate security configuration
	if cfg.Security.MaxBlockSize <= 0 {
		return fmt.Errorf("security.max_block_size must be greater than 0")
	}
	if cfg.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be greater than 0")
	}

	// Validate tracing configuration
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	// Validate graceful shutdown timeout
	if cfg.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be greater than 0")
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":6881"
	}

	if cfg.Server.HealthCheckPort == 0 {
		cfg.Server.HealthCheckPort = 9090
	}

	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}

	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}

	if cfg.Server.MaxPiecesInFlight == 0 {
		cfg.Server.MaxPiecesInFlight = 4
	}

	if cfg.Buffer.InitialCapacity == 0 {
		cfg.Buffer.InitialCapacity = 256 * 1024 // common piece size
	}

	if cfg.Buffer.MaxPieceSize == 0 {
		cfg.Buffer.MaxPieceSize = 16 * 1024 * 1024
	}

	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "piecebuf:"
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}

	if cfg.Redis.MinIdleConns == 0 {
		cfg.Redis.MinIdleConns = 2
	}

	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}

	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 3 * time.Second
	}

	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 3 * time.Second
	}

	if cfg.Store.MaxRetries == 0 {
		cfg.Store.MaxRetries = 3
	}

	if cfg.Store.RetryDelay == 0 {
		cfg.Store.RetryDelay = 100 * time.Millisecond
	}

	if cfg.Store.BreakerFailures == 0 {
		cfg.Store.BreakerFailures = 5
	}

	if cfg.Store.BreakerTimeout == 0 {
		cfg.Store.BreakerTimeout = 30 * time.Second
	}

	// Security defaults
	if cfg.Security.MaxBlockSize == 0 {
		cfg.Security.MaxBlockSize = 1024 * 1024 // 1MB default
	}
	if cfg.Security.MaxConnections == 0 {
		cfg.Security.MaxConnections = 1000
	}
	if cfg.Security.MaxConnectionsPerIP == 0 {
		cfg.Security.MaxConnectionsPerIP = 10
	}
	if cfg.Security.ConnectionRateLimit == 0 {
		cfg.Security.ConnectionRateLimit = 5 // 5 connections per second per IP
	}

	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}

	// Tracing stays disabled unless an endpoint is configured
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 0.1
	}
}

// Package config provides configuration management for the minerelay service.
// Values come from environment variables, optionally layered over a TOML file
// named by RELAY_CONFIG_FILE, with sensible defaults underneath both.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

// DefaultPoolPort is used when the pool address carries no port.
const DefaultPoolPort = 10004

// Config holds the global configuration for the relay
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Browser-facing listener
	ListenAddr     string
	ListenPort     int
	WebsocketPath  string
	MaxConnections int
	MaxMessageSize int

	// Pool connection
	PoolURL        string
	OperatorWallet string
	PoolPassword   string
	PoolAgent      string
	PoolAlgos      []string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// Wallet switching
	CycleLength  time.Duration
	UserFraction float64

	// Session behaviour
	SubmitInterval    time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	JobWaitTimeout    time.Duration

	// Optional event sinks
	KafkaEnabled bool
	KafkaBrokers []string

	RedisEnabled bool
	RedisURL     string
	SessionTTL   time.Duration

	InfluxEnabled bool
	InfluxURL     string
	InfluxToken   string
	InfluxOrg     string
	InfluxBucket  string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from the environment (and RELAY_CONFIG_FILE, if set)
func Load() (*Config, error) {
	src := source{}
	if path := os.Getenv("RELAY_CONFIG_FILE"); path != "" {
		tree, err := toml.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		src.tree = tree
	}

	cfg := &Config{
		ServiceName: src.str("SERVICE_NAME", "service.name", "minerelay"),
		Version:     src.str("VERSION", "service.version", "dev"),
		Environment: src.str("ENVIRONMENT", "service.environment", "development"),

		ListenAddr:     src.str("LISTEN_ADDR", "server.listen_addr", "0.0.0.0"),
		ListenPort:     src.int("LISTEN_PORT", "server.listen_port", 8080),
		WebsocketPath:  src.str("WS_PATH", "server.ws_path", "/ws"),
		MaxConnections: src.int("MAX_CONNECTIONS", "server.max_connections", 1000),
		MaxMessageSize: src.int("MAX_MESSAGE_SIZE", "server.max_message_size", 64*1024),

		PoolURL:        src.str("POOL_URL", "pool.url", "gulf.moneroocean.stream:10004"),
		OperatorWallet: src.str("OPERATOR_WALLET", "pool.operator_wallet", ""),
		PoolPassword:   src.str("POOL_PASSWORD", "pool.password", "x"),
		PoolAgent:      src.str("POOL_AGENT", "pool.agent", "MineWithMe/1.0"),
		PoolAlgos:      src.slice("POOL_ALGOS", "pool.algos", []string{"cn/r", "cn/0", "cn/1", "cn/2", "cn-lite/1", "rx/0"}),
		ConnectTimeout: src.duration("CONNECT_TIMEOUT", "pool.connect_timeout", 30*time.Second),
		ReadTimeout:    src.duration("READ_TIMEOUT", "pool.read_timeout", 30*time.Second),
		WriteTimeout:   src.duration("WRITE_TIMEOUT", "pool.write_timeout", 30*time.Second),

		CycleLength:  src.duration("CYCLE_LENGTH", "wallet.cycle_length", 100*time.Second),
		UserFraction: src.float("USER_FRACTION", "wallet.user_fraction", 0.85),

		SubmitInterval:    src.duration("SUBMIT_INTERVAL", "session.submit_interval", 2*time.Second),
		ReconnectAttempts: src.int("RECONNECT_ATTEMPTS", "session.reconnect_attempts", 5),
		ReconnectDelay:    src.duration("RECONNECT_DELAY", "session.reconnect_delay", 5*time.Second),
		JobWaitTimeout:    src.duration("JOB_WAIT_TIMEOUT", "session.job_wait_timeout", 2*time.Second),

		KafkaEnabled: src.bool("KAFKA_ENABLED", "kafka.enabled", false),
		KafkaBrokers: src.slice("KAFKA_BROKERS", "kafka.brokers", []string{"localhost:9092"}),

		RedisEnabled: src.bool("REDIS_ENABLED", "redis.enabled", false),
		RedisURL:     src.str("REDIS_URL", "redis.url", "redis://localhost:6379/0"),
		SessionTTL:   src.duration("SESSION_TTL", "redis.session_ttl", 5*time.Minute),

		InfluxEnabled: src.bool("INFLUX_ENABLED", "influx.enabled", false),
		InfluxURL:     src.str("INFLUX_URL", "influx.url", "http://localhost:8086"),
		InfluxToken:   src.str("INFLUX_TOKEN", "influx.token", ""),
		InfluxOrg:     src.str("INFLUX_ORG", "influx.org", "minerelay"),
		InfluxBucket:  src.str("INFLUX_BUCKET", "influx.bucket", "relay"),

		LogLevel:  src.str("LOG_LEVEL", "log.level", "info"),
		LogFormat: src.str("LOG_FORMAT", "log.format", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT must be between 0 and 65535")
	}

	if !strings.HasPrefix(c.WebsocketPath, "/") {
		return fmt.Errorf("WS_PATH must start with '/'")
	}

	if c.OperatorWallet == "" {
		return fmt.Errorf("OPERATOR_WALLET is required")
	}

	if _, _, err := ParsePoolAddr(c.PoolURL); err != nil {
		return fmt.Errorf("POOL_URL: %w", err)
	}

	if c.UserFraction < 0 || c.UserFraction > 1 {
		return fmt.Errorf("USER_FRACTION must be between 0 and 1")
	}

	if c.CycleLength <= 0 {
		return fmt.Errorf("CYCLE_LENGTH must be positive")
	}

	if c.SubmitInterval < 0 {
		return fmt.Errorf("SUBMIT_INTERVAL cannot be negative")
	}

	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("RECONNECT_ATTEMPTS cannot be negative")
	}

	if c.ConnectTimeout <= 0 || c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("pool timeouts must be positive")
	}

	if c.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive")
	}

	return nil
}

// PoolAddress returns the pool "host:port" with the default port applied.
func (c *Config) PoolAddress() string {
	host, port, err := ParsePoolAddr(c.PoolURL)
	if err != nil {
		return c.PoolURL
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ParsePoolAddr splits "host[:port]", defaulting the port to DefaultPoolPort.
func ParsePoolAddr(addr string) (string, int, error) {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "stratum+tcp://")
	if addr == "" {
		return "", 0, fmt.Errorf("empty pool address")
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// no port present
		if strings.Contains(err.Error(), "missing port") {
			return addr, DefaultPoolPort, nil
		}
		return "", 0, fmt.Errorf("invalid pool address %q: %w", addr, err)
	}

	if host == "" {
		return "", 0, fmt.Errorf("invalid pool address %q: empty host", addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid pool port %q", portStr)
	}

	return host, port, nil
}

// source resolves a setting from the environment first, then the TOML tree.
type source struct {
	tree *toml.Tree
}

func (s source) lookup(envKey, fileKey string) (string, bool) {
	if value := os.Getenv(envKey); value != "" {
		return value, true
	}
	if s.tree == nil || !s.tree.Has(fileKey) {
		return "", false
	}

	switch v := s.tree.Get(fileKey).(type) {
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ","), true
	case nil:
		return "", false
	default:
		return fmt.Sprint(v), true
	}
}

func (s source) str(envKey, fileKey, defaultValue string) string {
	if value, ok := s.lookup(envKey, fileKey); ok {
		return value
	}
	return defaultValue
}

func (s source) int(envKey, fileKey string, defaultValue int) int {
	if value, ok := s.lookup(envKey, fileKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (s source) float(envKey, fileKey string, defaultValue float64) float64 {
	if value, ok := s.lookup(envKey, fileKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (s source) bool(envKey, fileKey string, defaultValue bool) bool {
	if value, ok := s.lookup(envKey, fileKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (s source) duration(envKey, fileKey string, defaultValue time.Duration) time.Duration {
	if value, ok := s.lookup(envKey, fileKey); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (s source) slice(envKey, fileKey string, defaultValue []string) []string {
	value, ok := s.lookup(envKey, fileKey)
	if !ok {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

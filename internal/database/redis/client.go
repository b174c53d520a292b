// Package redis keeps the live-session registry in Redis so the dashboard can
// see which browser sessions are mining right now.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// ActiveSessionsKey is the set of session ids with a live pool link
const ActiveSessionsKey = "relay:active_sessions"

// Client wraps Redis operations for the relay
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Options converts cfg to go-redis options. Explicit fields override
// anything set in the URL.
func (cfg *Config) Options() (*redis.Options, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.MaxRetries != 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return opts, nil
}

// NewClient creates a new Redis client and pings it
func NewClient(cfg *Config) (*Client, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SessionKey returns the key holding a session snapshot
func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

// SetSession stores a session snapshot with expiration
func (c *Client) SetSession(ctx context.Context, sessionID string, data any, expiration time.Duration) error {
	jsonData, err := sonic.ConfigStd.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal session data: %w", err)
	}

	if err := c.rdb.Set(ctx, SessionKey(sessionID), jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set session: %w", err)
	}
	return nil
}

// DeleteSession removes a session snapshot
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.rdb.Del(ctx, SessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ExtendSession extends session expiration
func (c *Client) ExtendSession(ctx context.Context, sessionID string, expiration time.Duration) error {
	if err := c.rdb.Expire(ctx, SessionKey(sessionID), expiration).Err(); err != nil {
		return fmt.Errorf("failed to extend session: %w", err)
	}
	return nil
}

// AddActive marks a session as holding a live pool link
func (c *Client) AddActive(ctx context.Context, sessionID string) error {
	if err := c.rdb.SAdd(ctx, ActiveSessionsKey, sessionID).Err(); err != nil {
		return fmt.Errorf("failed to add active session: %w", err)
	}
	return nil
}

// RemoveActive drops a session from the active set
func (c *Client) RemoveActive(ctx context.Context, sessionID string) error {
	if err := c.rdb.SRem(ctx, ActiveSessionsKey, sessionID).Err(); err != nil {
		return fmt.Errorf("failed to remove active session: %w", err)
	}
	return nil
}

// ActiveCount returns the number of active sessions across all relays
func (c *Client) ActiveCount(ctx context.Context) (int64, error) {
	n, err := c.rdb.SCard(ctx, ActiveSessionsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return n, nil
}

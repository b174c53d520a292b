// Package database mirrors relay events into Redis (live sessions) and
// InfluxDB (operational metrics).
package database

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/minerelay/internal/database/influx"
	"github.com/bardlex/minerelay/internal/database/redis"
	"github.com/bardlex/minerelay/internal/messaging"
	"github.com/bardlex/minerelay/pkg/circuit"
	"github.com/bardlex/minerelay/pkg/errors"
	"github.com/bardlex/minerelay/pkg/log"
)

const (
	defaultSessionTTL = 5 * time.Minute
	defaultBuffer     = 4096
	storeTimeout      = 3 * time.Second
)

// SessionStore is the live-session registry
type SessionStore interface {
	SetSession(ctx context.Context, sessionID string, data any, expiration time.Duration) error
	ExtendSession(ctx context.Context, sessionID string, expiration time.Duration) error
	DeleteSession(ctx context.Context, sessionID string) error
	AddActive(ctx context.Context, sessionID string) error
	RemoveActive(ctx context.Context, sessionID string) error
	ActiveCount(ctx context.Context) (int64, error)
}

// MetricsWriter accepts InfluxDB points
type MetricsWriter interface {
	WritePoint(p *write.Point)
}

// SessionRecord is the snapshot stored under session:<id>
type SessionRecord struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	PoolAddr      string    `json:"pool_addr"`
	WalletType    string    `json:"wallet_type"`
	HasUserWallet bool      `json:"has_user_wallet"`
	JobID         string    `json:"job_id,omitempty"`
	Submitted     uint64    `json:"submitted"`
	Accepted      uint64    `json:"accepted"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Config holds configuration for the enabled stores. A nil entry disables it.
type Config struct {
	Redis      *redis.Config
	Influx     *influx.Config
	SessionTTL time.Duration
}

// Manager coordinates Redis and InfluxDB. It implements the relay observer
// interface: metrics are written inline since the Influx client batches,
// Redis calls are queued to a worker and dropped when the queue is full.
type Manager struct {
	Redis  *redis.Client
	Influx *influx.Client

	sessions SessionStore
	metrics  MetricsWriter
	ttl      time.Duration
	logger   *log.Logger

	circuitBreaker *circuit.Breaker

	queue   chan storeTask
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

type storeTask struct {
	op string
	id string
	fn func(ctx context.Context) error
}

// NewManager connects to every configured store
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	var (
		redisClient  *redis.Client
		influxClient *influx.Client
		err          error
	)

	if cfg.Redis != nil {
		redisClient, err = redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis")
		}
	}

	if cfg.Influx != nil {
		influxClient, err = influx.NewClient(cfg.Influx, logger)
		if err != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB")
			if redisClient != nil {
				if closeErr := redisClient.Close(); closeErr != nil {
					return nil, origErr.WithContext("cleanup_error", closeErr.Error())
				}
			}
			return nil, origErr
		}
	}

	var (
		store   SessionStore
		metrics MetricsWriter
	)
	if redisClient != nil {
		store = redisClient
	}
	if influxClient != nil {
		metrics = influxClient
	}

	m := New(store, metrics, cfg.SessionTTL, logger)
	m.Redis = redisClient
	m.Influx = influxClient
	return m, nil
}

// New builds a manager over explicit stores; either may be nil
func New(store SessionStore, metrics MetricsWriter, ttl time.Duration, logger *log.Logger) *Manager {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent("database")

	m := &Manager{
		sessions: store,
		metrics:  metrics,
		ttl:      ttl,
		logger:   logger,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "redis",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		queue: make(chan storeTask, defaultBuffer),
	}

	if store != nil {
		m.wg.Add(1)
		go m.run()
	}
	return m
}

func (m *Manager) run() {
	defer m.wg.Done()
	for task := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := m.circuitBreaker.Execute(ctx, func() error {
			if err := task.fn(ctx); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, task.op,
					"session store update failed").
					WithContext("session_id", task.id)
			}
			return nil
		})
		cancel()
		if err != nil {
			m.logger.WithError(err).Warn("session store update failed", "op", task.op, "session_id", task.id)
		}
	}
}

func (m *Manager) enqueue(op, id string, fn func(ctx context.Context) error) {
	if m.sessions == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- storeTask{op: op, id: id, fn: fn}:
	default:
		if n := m.dropped.Add(1); n == 1 || n%1000 == 0 {
			m.logger.Warn("session store queue full, dropping updates", "dropped", n)
		}
	}
}

func (m *Manager) writePoint(p *write.Point) {
	if m.metrics != nil {
		m.metrics.WritePoint(p)
	}
}

// SessionChanged keeps the session snapshot and the active set current
func (m *Manager) SessionChanged(ev messaging.SessionEvent) {
	m.writePoint(influx.SessionPoint(ev))

	id := ev.SessionID
	switch {
	case ev.Event == messaging.SessionKeepalive:
		m.enqueue("extend_session", id, func(ctx context.Context) error {
			return m.sessions.ExtendSession(ctx, id, m.ttl)
		})

	case ev.Event == messaging.SessionFatal || ev.State == "closed":
		m.enqueue("remove_session", id, func(ctx context.Context) error {
			if err := m.sessions.RemoveActive(ctx, id); err != nil {
				return err
			}
			return m.sessions.DeleteSession(ctx, id)
		})

	default:
		rec := SessionRecord{
			ID:            id,
			State:         ev.State,
			PoolAddr:      ev.PoolAddr,
			WalletType:    ev.WalletType,
			HasUserWallet: ev.HasUserWallet,
			JobID:         ev.JobID,
			Submitted:     ev.Submitted,
			Accepted:      ev.Accepted,
			UpdatedAt:     ev.At,
		}
		connected := ev.State == "connected"
		m.enqueue("set_session", id, func(ctx context.Context) error {
			if err := m.sessions.SetSession(ctx, id, rec, m.ttl); err != nil {
				return err
			}
			if connected {
				return m.sessions.AddActive(ctx, id)
			}
			return nil
		})
	}
}

// ShareProcessed records share metrics
func (m *Manager) ShareProcessed(ev messaging.ShareEvent) {
	m.writePoint(influx.SharePoint(ev))
}

// WalletSwitched records wallet switch metrics
func (m *Manager) WalletSwitched(ev messaging.WalletSwitchEvent) {
	m.writePoint(influx.WalletSwitchPoint(ev))
}

// Reconnecting records reconnect metrics
func (m *Manager) Reconnecting(ev messaging.ReconnectEvent) {
	m.writePoint(influx.ReconnectPoint(ev))
}

// ActiveSessions returns the relay-wide active session count, or -1 without Redis
func (m *Manager) ActiveSessions(ctx context.Context) int64 {
	if m.sessions == nil {
		return -1
	}
	n, err := m.sessions.ActiveCount(ctx)
	if err != nil {
		m.logger.WithError(err).Debug("failed to count active sessions")
		return -1
	}
	return n
}

// Health checks every configured store
func (m *Manager) Health(ctx context.Context) error {
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}

// Close drains queued updates and closes all connections
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()

	m.wg.Wait()

	var errs []error
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Package main implements relayd, the browser-to-pool mining relay.
// Browsers connect over WebSocket; each connection gets its own pool session.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/minerelay/internal/config"
	"github.com/bardlex/minerelay/internal/database"
	"github.com/bardlex/minerelay/internal/database/influx"
	"github.com/bardlex/minerelay/internal/database/redis"
	"github.com/bardlex/minerelay/internal/messaging"
	"github.com/bardlex/minerelay/internal/relay"
	"github.com/bardlex/minerelay/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting relayd",
		"version", cfg.Version,
		"listen_addr", cfg.ListenAddr,
		"listen_port", cfg.ListenPort,
		"pool", cfg.PoolAddress(),
	)

	sinks, err := newEventSinks(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize event sinks")
		os.Exit(1)
	}

	server := NewRelayServer(cfg, logger, sinks.observer, sinks.db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start(ctx)
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
	}
	sinks.Close()

	logger.Info("relayd stopped")
}

// eventSinks holds the optional consumers of relay events
type eventSinks struct {
	observer  relay.Observer
	kafka     *messaging.KafkaClient
	publisher *messaging.Publisher
	db        *database.Manager
	logger    *log.Logger
}

func newEventSinks(cfg *config.Config, logger *log.Logger) (*eventSinks, error) {
	s := &eventSinks{logger: logger}
	var observers relay.Observers

	if cfg.KafkaEnabled {
		s.kafka = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		s.publisher = messaging.NewPublisher(s.kafka, messaging.DefaultBufferSize, logger)
		s.publisher.Start()
		observers = append(observers, s.publisher)
		logger.Info("publishing relay events to Kafka", "brokers", cfg.KafkaBrokers)
	}

	if cfg.RedisEnabled || cfg.InfluxEnabled {
		dbConfig := &database.Config{SessionTTL: cfg.SessionTTL}
		if cfg.RedisEnabled {
			dbConfig.Redis = &redis.Config{
				URL:          cfg.RedisURL,
				PoolSize:     10,
				MinIdleConns: 2,
				MaxRetries:   3,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			}
		}
		if cfg.InfluxEnabled {
			dbConfig.Influx = &influx.Config{
				URL:    cfg.InfluxURL,
				Token:  cfg.InfluxToken,
				Org:    cfg.InfluxOrg,
				Bucket: cfg.InfluxBucket,
			}
		}

		db, err := database.NewManager(dbConfig, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.db = db
		observers = append(observers, db)
	}

	s.observer = observers
	return s, nil
}

// Close flushes and closes every sink
func (s *eventSinks) Close() {
	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.WithError(err).Error("failed to close Kafka client")
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.WithError(err).Error("failed to close database manager")
		}
	}
}

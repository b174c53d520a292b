// Package messaging publishes relay events to Kafka for the dashboard and
// offline accounting.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/minerelay/pkg/circuit"
	"github.com/bardlex/minerelay/pkg/errors"
	"github.com/bardlex/minerelay/pkg/log"
	"github.com/bardlex/minerelay/pkg/retry"
)

// KafkaClient wraps kafka-go writers with a per-topic pool, retries and a
// circuit breaker.
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]*kafka.Writer
	writersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config

	// write sends one message; replaced in tests.
	write func(ctx context.Context, topic string, msg kafka.Message) error
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent("kafka")

	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	k := &KafkaClient{
		brokers:        brokers,
		logger:         logger,
		writers:        make(map[string]*kafka.Writer),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}
	k.write = func(ctx context.Context, topic string, msg kafka.Message) error {
		return k.GetProducer(topic).WriteMessages(ctx, msg)
	}
	return k
}

// GetProducer gets or creates a Kafka producer for a topic
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(k.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// PublishJSON publishes an encoded event. Messages with the same key (the
// session id) land on the same partition and keep their order.
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, data []byte) error {
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			msg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := k.write(ctx, topic, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_json",
					"failed to publish JSON message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published JSON message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// Close closes all producers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var lastErr error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	return lastErr
}

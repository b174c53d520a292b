package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"

	"github.com/bardlex/minerelay/pkg/log"
)

// DefaultBufferSize is the number of events queued before new ones are dropped
const DefaultBufferSize = 4096

const publishTimeout = 5 * time.Second

// JSONPublisher writes one encoded event to a topic
type JSONPublisher interface {
	PublishJSON(ctx context.Context, topic, key string, data []byte) error
}

type envelope struct {
	topic string
	key   string
	data  []byte
}

// Publisher turns relay events into Kafka messages. Events are queued and
// written by a single worker, so callers never wait on the broker; when the
// queue is full the event is dropped and counted.
type Publisher struct {
	out    JSONPublisher
	logger *log.Logger
	queue  chan envelope

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	started atomic.Bool

	dropped   atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64
}

// NewPublisher creates a publisher with a queue of bufferSize events
func NewPublisher(out JSONPublisher, bufferSize int, logger *log.Logger) *Publisher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Publisher{
		out:    out,
		logger: logger.WithComponent("event_publisher"),
		queue:  make(chan envelope, bufferSize),
	}
}

// Start launches the worker. Calling it again is a no-op.
func (p *Publisher) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go p.run()
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for env := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.out.PublishJSON(ctx, env.topic, env.key, env.data)
		cancel()
		if err != nil {
			p.failed.Add(1)
			p.logger.WithError(err).Warn("failed to publish relay event", "topic", env.topic)
			continue
		}
		p.published.Add(1)
	}
}

// Close stops accepting events and waits for the queue to drain
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("event publisher stopped",
		"published", p.published.Load(),
		"failed", p.failed.Load(),
		"dropped", p.dropped.Load())
}

// Dropped returns how many events were discarded because the queue was full
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// SessionChanged publishes to TopicSessions
func (p *Publisher) SessionChanged(ev SessionEvent) {
	p.enqueue(TopicSessions, ev.SessionID, ev)
}

// ShareProcessed publishes to TopicShares
func (p *Publisher) ShareProcessed(ev ShareEvent) {
	p.enqueue(TopicShares, ev.SessionID, ev)
}

// WalletSwitched publishes to TopicWalletSwitches
func (p *Publisher) WalletSwitched(ev WalletSwitchEvent) {
	p.enqueue(TopicWalletSwitches, ev.SessionID, ev)
}

// Reconnecting publishes to TopicReconnects
func (p *Publisher) Reconnecting(ev ReconnectEvent) {
	p.enqueue(TopicReconnects, ev.SessionID, ev)
}

func (p *Publisher) enqueue(topic, key string, v any) {
	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		p.logger.WithError(err).Error("failed to encode relay event", "topic", topic)
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.queue <- envelope{topic: topic, key: key, data: data}:
	default:
		if n := p.dropped.Add(1); n == 1 || n%1000 == 0 {
			p.logger.Warn("event queue full, dropping events", "topic", topic, "dropped", n)
		}
	}
}

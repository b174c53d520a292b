// Package influx writes relay operational metrics to InfluxDB.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/minerelay/internal/messaging"
	"github.com/bardlex/minerelay/pkg/log"
)

// Measurement names
const (
	MeasurementShares         = "relay_shares"
	MeasurementWalletSwitches = "relay_wallet_switches"
	MeasurementReconnects     = "relay_reconnects"
	MeasurementSessions       = "relay_sessions"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
	done     chan struct{}
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client. Asynchronous write errors are
// reported to logger.
func NewClient(cfg *Config, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Discard()
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(500).SetFlushInterval(1000))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := health(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
		done:     make(chan struct{}),
	}

	errs := c.writeAPI.Errors()
	go func() {
		for {
			select {
			case err := <-errs:
				logger.WithComponent("influx").WithError(err).Warn("metric write failed")
			case <-c.done:
				return
			}
		}
	}()

	return c, nil
}

func health(ctx context.Context, client influxdb2.Client) error {
	h, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if h.Status != "pass" {
		msg := ""
		if h.Message != nil {
			msg = *h.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}
	return nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	close(c.done)
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return health(ctx, c.client)
}

// WritePoint queues a point for the next batch
func (c *Client) WritePoint(p *write.Point) {
	c.writeAPI.WritePoint(p)
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// SharePoint records a forwarded share or the pool's verdict on it
func SharePoint(ev messaging.ShareEvent) *write.Point {
	tags := map[string]string{
		"status":      ev.Status,
		"wallet_type": ev.WalletType,
	}
	fields := map[string]any{
		"count":      1,
		"difficulty": int64(ev.Difficulty),
	}
	if ev.LatencyMs > 0 {
		fields["latency_ms"] = ev.LatencyMs
	}
	return write.NewPoint(MeasurementShares, tags, fields, ev.At)
}

// WalletSwitchPoint records a scheduler phase change
func WalletSwitchPoint(ev messaging.WalletSwitchEvent) *write.Point {
	tags := map[string]string{
		"wallet_type": ev.WalletType,
		"reason":      ev.Reason,
	}
	fields := map[string]any{
		"count":         1,
		"phase_seconds": ev.Duration.Seconds(),
		"relogin":       ev.Relogin,
		"cycle":         int64(ev.Cycle),
	}
	return write.NewPoint(MeasurementWalletSwitches, tags, fields, ev.At)
}

// ReconnectPoint records one reconnect step
func ReconnectPoint(ev messaging.ReconnectEvent) *write.Point {
	tags := map[string]string{
		"outcome": ev.Outcome,
		"pool":    ev.PoolAddr,
	}
	fields := map[string]any{
		"attempt":       ev.Attempt,
		"delay_seconds": ev.Delay.Seconds(),
	}
	return write.NewPoint(MeasurementReconnects, tags, fields, ev.At)
}

// SessionPoint records a session lifecycle event
func SessionPoint(ev messaging.SessionEvent) *write.Point {
	tags := map[string]string{
		"event":       ev.Event,
		"state":       ev.State,
		"wallet_type": ev.WalletType,
	}
	fields := map[string]any{
		"count":     1,
		"submitted": int64(ev.Submitted),
		"accepted":  int64(ev.Accepted),
	}
	return write.NewPoint(MeasurementSessions, tags, fields, ev.At)
}

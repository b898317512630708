// Package influx writes the miner's time series (hashrate, shares and
// connection state) to InfluxDB.
package influx

import (
	"context"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// Measurement names
const (
	MeasurementShares      = "shares"
	MeasurementHashrate    = "hashrate"
	MeasurementJobs        = "jobs"
	MeasurementConnections = "connections"
)

// pointWriter is the part of api.WriteAPI the client uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client influxdb2.Client
	writer pointWriter
	logger *log.Logger

	errMu   sync.Mutex
	lastErr error
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     uint
	FlushInterval time.Duration
}

// NewClient creates a new InfluxDB client. Writes are batched and
// asynchronous; write failures surface on the next Record.
func NewClient(cfg *Config, logger *log.Logger) (*Client, error) {
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(uint(cfg.FlushInterval.Milliseconds()))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "influx_connect", "failed to check InfluxDB health")
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, errors.New(errors.ErrorTypeStorage, "influx_connect", "InfluxDB health check failed: "+msg)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	c := newClient(writeAPI, logger)
	c.client = client

	go func() {
		for err := range writeAPI.Errors() {
			c.setErr(err)
		}
	}()

	return c, nil
}

func newClient(w pointWriter, logger *log.Logger) *Client {
	return &Client{writer: w, logger: logger.WithComponent("influx")}
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
	c.logger.WithError(err).Warn("InfluxDB write failed")
}

func (c *Client) takeErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	err := c.lastErr
	c.lastErr = nil
	return err
}

// Name identifies the sink.
func (c *Client) Name() string { return "influx" }

// Close flushes pending points and closes the connection
func (c *Client) Close() error {
	c.writer.Flush()
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// Flush forces pending points out
func (c *Client) Flush() {
	c.writer.Flush()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	health, err := c.client.Health(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "influx_health", "failed to check health")
	}
	if health.Status != "pass" {
		return errors.New(errors.ErrorTypeStorage, "influx_health", "health check failed")
	}
	return nil
}

// Record implements messaging.Sink. It reports the last asynchronous write
// failure, if any, so the dispatcher's breaker sees it.
func (c *Client) Record(_ context.Context, ev messaging.Event) error {
	if p := Point(ev); p != nil {
		c.writer.WritePoint(p)
	}
	if err := c.takeErr(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "influx_write", "failed to write points")
	}
	return nil
}

// Point converts an event to a line protocol point, or nil for unknown kinds.
func Point(ev messaging.Event) *write.Point {
	switch e := ev.(type) {
	case messaging.ShareEvent:
		tags := map[string]string{
			"pool":   e.Pool,
			"worker": e.Worker,
			"status": e.Status,
		}
		if e.Reason != "" {
			tags["reason"] = e.Reason
		}
		fields := map[string]any{
			"difficulty": e.Difficulty,
			"latency_ms": e.LatencyMs,
			"count":      1,
		}
		return write.NewPoint(MeasurementShares, tags, fields, e.SubmittedAt)

	case messaging.HashrateEvent:
		tags := map[string]string{
			"pool":    e.Pool,
			"worker":  e.Worker,
			"backend": e.Backend,
		}
		fields := map[string]any{
			"hashrate":       e.Hashrate,
			"hashes":         e.Hashes,
			"window_seconds": e.WindowSeconds,
			"accepted":       e.Accepted,
			"rejected":       e.Rejected,
		}
		return write.NewPoint(MeasurementHashrate, tags, fields, e.SampledAt)

	case messaging.JobEvent:
		tags := map[string]string{
			"pool":  e.Pool,
			"clean": strconv.FormatBool(e.CleanJobs),
		}
		fields := map[string]any{
			"difficulty": e.Difficulty,
			"count":      1,
		}
		return write.NewPoint(MeasurementJobs, tags, fields, e.ReceivedAt)

	case messaging.ConnectionEvent:
		tags := map[string]string{
			"pool":  e.Pool,
			"state": e.State,
		}
		fields := map[string]any{
			"attempt":  e.Attempt,
			"delay_ms": e.DelayMs,
			"count":    1,
		}
		return write.NewPoint(MeasurementConnections, tags, fields, e.At)
	}
	return nil
}

// Package database builds the miner's optional stats sinks (Redis, PostgreSQL,
// InfluxDB and Kafka) from configuration and keeps them healthy.
package database

import (
	"context"
	"time"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/postgres"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// Manager owns the sinks that were configured and reachable at startup.
type Manager struct {
	Redis    *redis.Client
	Postgres *postgres.Client
	Influx   *influx.Client
	Kafka    *messaging.Publisher

	// read side of the stores, used for the periodic worker summary
	live    liveStats
	history shareHistory

	logger *log.Logger
}

type liveStats interface {
	ShareCounts(ctx context.Context, worker string) (map[string]int64, error)
	AverageHashrate(ctx context.Context, worker string, now time.Time) (float64, error)
}

type shareHistory interface {
	WorkerStats(ctx context.Context, worker string) (*postgres.ShareStats, error)
}

// WorkerSummary is a worker's totals as read back from the stores.
type WorkerSummary struct {
	Counts             map[string]int64
	AverageHashrate    float64
	AcceptedDifficulty float64
	LastShare          *time.Time
}

// connectors is swapped in tests.
var connectors = struct {
	redis    func(*redis.Config) (*redis.Client, error)
	postgres func(*postgres.Config) (*postgres.Client, error)
	influx   func(*influx.Config, *log.Logger) (*influx.Client, error)
}{
	redis:    redis.NewClient,
	postgres: postgres.NewClient,
	influx:   influx.NewClient,
}

// NewManager connects every configured sink. A sink that cannot be reached
// is logged and left out; mining never depends on one. Only a Kafka
// configuration error is returned.
func NewManager(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{logger: logger.WithComponent("sinks")}

	// A short connect retry covers sinks starting alongside the miner.
	connectRetry := &retry.Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
	}

	if cfg.RedisURL != "" {
		c, err := retry.DoWithResult(ctx, connectRetry, func() (*redis.Client, error) {
			return connectors.redis(&redis.Config{URL: cfg.RedisURL, Window: 2 * cfg.StatsInterval})
		})
		if err != nil {
			m.logger.WithError(err).Warn("Redis sink disabled")
		} else {
			m.Redis = c
			m.live = c
		}
	}

	if cfg.PostgresURL != "" {
		c, err := retry.DoWithResult(ctx, connectRetry, func() (*postgres.Client, error) {
			return connectors.postgres(&postgres.Config{DSN: cfg.PostgresURL, MaxOpenConns: 4, MaxIdleConns: 2, MaxLifetime: time.Hour})
		})
		if err != nil {
			m.logger.WithError(err).Warn("PostgreSQL sink disabled")
		} else {
			m.Postgres = c
			m.history = c.Shares
		}
	}

	if cfg.InfluxURL != "" {
		c, err := retry.DoWithResult(ctx, connectRetry, func() (*influx.Client, error) {
			return connectors.influx(&influx.Config{
				URL:           cfg.InfluxURL,
				Token:         cfg.InfluxToken,
				Org:           cfg.InfluxOrg,
				Bucket:        cfg.InfluxBucket,
				BatchSize:     100,
				FlushInterval: 10 * time.Second,
			}, logger)
		})
		if err != nil {
			m.logger.WithError(err).Warn("InfluxDB sink disabled")
		} else {
			m.Influx = c
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		p, err := messaging.NewPublisher(cfg.KafkaBrokers, cfg.KafkaEncoding, logger)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.Kafka = p
	}

	m.logger.Info("stats sinks ready", "sinks", sinkNames(m.Sinks()))
	return m, nil
}

func sinkNames(sinks []messaging.Sink) []string {
	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	return names
}

// Sinks returns the connected sinks in a fixed order.
func (m *Manager) Sinks() []messaging.Sink {
	var sinks []messaging.Sink
	if m.Redis != nil {
		sinks = append(sinks, m.Redis)
	}
	if m.Postgres != nil {
		sinks = append(sinks, m.Postgres)
	}
	if m.Influx != nil {
		sinks = append(sinks, m.Influx)
	}
	if m.Kafka != nil {
		sinks = append(sinks, m.Kafka)
	}
	return sinks
}

// Health checks the connected stores and returns the first failure.
func (m *Manager) Health(ctx context.Context) error {
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return err
		}
	}
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return err
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Summary reads worker's totals back from Redis and PostgreSQL. Redis
// counters win over the history counts when both are connected. It reports
// false when neither store is connected.
func (m *Manager) Summary(ctx context.Context, worker string, now time.Time) (WorkerSummary, bool, error) {
	var s WorkerSummary
	if m.live == nil && m.history == nil {
		return s, false, nil
	}

	if m.history != nil {
		stats, err := m.history.WorkerStats(ctx, worker)
		if err != nil {
			return s, true, err
		}
		s.Counts = stats.Counts
		s.AcceptedDifficulty = stats.Difficulty
		s.LastShare = stats.LastShare
	}

	if m.live != nil {
		counts, err := m.live.ShareCounts(ctx, worker)
		if err != nil {
			return s, true, err
		}
		rate, err := m.live.AverageHashrate(ctx, worker, now)
		if err != nil {
			return s, true, err
		}
		s.Counts = counts
		s.AverageHashrate = rate
	}
	return s, true, nil
}

func (m *Manager) logSummary(ctx context.Context, worker string) {
	s, ok, err := m.Summary(ctx, worker, time.Now())
	if err != nil {
		m.logger.WithError(err).Warn("failed to read worker totals", "worker", worker)
		return
	}
	if !ok {
		return
	}

	args := []any{
		"worker", worker,
		"accepted", s.Counts[messaging.ShareAccepted],
		"rejected", s.Counts[messaging.ShareRejected],
		"stale", s.Counts[messaging.ShareStale],
	}
	if m.live != nil {
		args = append(args, "avg_hashrate", s.AverageHashrate)
	}
	if s.LastShare != nil {
		args = append(args, "accepted_difficulty", s.AcceptedDifficulty, "last_share", s.LastShare.Format(time.RFC3339))
	}
	m.logger.Info("worker totals", args...)
}

// StartPeriodicTasks flushes InfluxDB, checks store health and logs the
// worker's stored totals until ctx is done.
func (m *Manager) StartPeriodicTasks(ctx context.Context, interval time.Duration, worker string) {
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		flush := time.NewTicker(10 * time.Second)
		health := time.NewTicker(interval)
		defer flush.Stop()
		defer health.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-flush.C:
				if m.Influx != nil {
					m.Influx.Flush()
				}
			case <-health.C:
				hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := m.Health(hctx); err != nil {
					m.logger.WithError(err).Warn("stats store unhealthy")
				} else {
					m.logSummary(hctx, worker)
				}
				cancel()
			}
		}
	}()
}

// Close closes every sink. The dispatcher normally does this; Close is for
// startup failures before the dispatcher exists.
func (m *Manager) Close() {
	for _, s := range m.Sinks() {
		if err := s.Close(); err != nil {
			m.logger.WithError(err).Warn("failed to close sink", "sink", s.Name())
		}
	}
}

// Package redis keeps a live view of the miner in Redis: share counters per
// worker, the current job, recent hashrate samples and connection state.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/pkg/errors"
)

// Client wraps Redis operations for the miner stats cache
type Client struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	window time.Duration
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	Prefix       string        // key namespace, "miner" when empty
	TTL          time.Duration // expiry of per-worker keys
	Window       time.Duration // hashrate samples kept
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient connects to Redis and checks the connection.
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "redis_connect", "invalid Redis URL")
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
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

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "redis_connect", "failed to ping Redis")
	}

	return newClient(rdb, cfg), nil
}

func newClient(rdb *redis.Client, cfg *Config) *Client {
	c := &Client{rdb: rdb, prefix: cfg.Prefix, ttl: cfg.TTL, window: cfg.Window}
	if c.prefix == "" {
		c.prefix = "miner"
	}
	if c.ttl <= 0 {
		c.ttl = 24 * time.Hour
	}
	if c.window <= 0 {
		c.window = 10 * time.Minute
	}
	return c
}

// Name identifies the sink.
func (c *Client) Name() string { return "redis" }

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key layout

// SharesKey is the hash of share outcome counters for a worker.
func (c *Client) SharesKey(worker string) string {
	return fmt.Sprintf("%s:worker:%s:shares", c.prefix, worker)
}

// HashrateKey is the sorted set of hashrate samples for a worker, scored by unix time.
func (c *Client) HashrateKey(worker string) string {
	return fmt.Sprintf("%s:worker:%s:hashrate", c.prefix, worker)
}

// JobKey holds the current job for a pool.
func (c *Client) JobKey(pool string) string {
	return fmt.Sprintf("%s:pool:%s:job", c.prefix, pool)
}

// ConnectionKey is the hash describing a pool connection.
func (c *Client) ConnectionKey(pool string) string {
	return fmt.Sprintf("%s:pool:%s:connection", c.prefix, pool)
}

// Record implements messaging.Sink.
func (c *Client) Record(ctx context.Context, ev messaging.Event) error {
	var err error
	switch e := ev.(type) {
	case messaging.ShareEvent:
		err = c.RecordShare(ctx, e)
	case messaging.JobEvent:
		err = c.SetCurrentJob(ctx, e)
	case messaging.HashrateEvent:
		err = c.AddHashrate(ctx, e)
	case messaging.ConnectionEvent:
		err = c.SetConnection(ctx, e)
	default:
		return nil
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "redis_record", "failed to record event").
			WithContext("kind", string(ev.Kind()))
	}
	return nil
}

// RecordShare increments the worker's counter for the share's status.
func (c *Client) RecordShare(ctx context.Context, ev messaging.ShareEvent) error {
	key := c.SharesKey(ev.Worker)

	pipe := c.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, ev.Status, 1)
	pipe.HIncrByFloat(ctx, key, "difficulty_"+ev.Status, ev.Difficulty)
	pipe.HSet(ctx, key, "last_share_at", ev.SubmittedAt.Unix())
	pipe.Expire(ctx, key, c.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record share: %w", err)
	}
	return nil
}

// ShareCounts returns the worker's share counters by status.
func (c *Client) ShareCounts(ctx context.Context, worker string) (map[string]int64, error) {
	values, err := c.rdb.HGetAll(ctx, c.SharesKey(worker)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get share counts: %w", err)
	}

	counts := make(map[string]int64)
	for _, status := range []string{
		messaging.ShareAccepted, messaging.ShareRejected, messaging.ShareStale,
		messaging.ShareInvalid, messaging.ShareFailed,
	} {
		if v, ok := values[status]; ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err == nil {
				counts[status] = n
			}
		}
	}
	return counts, nil
}

// SetCurrentJob stores the current job for its pool
func (c *Client) SetCurrentJob(ctx context.Context, ev messaging.JobEvent) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := c.rdb.Set(ctx, c.JobKey(ev.Pool), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set current job: %w", err)
	}
	return nil
}

// AddHashrate stores a hashrate sample and trims samples older than the window.
func (c *Client) AddHashrate(ctx context.Context, ev messaging.HashrateEvent) error {
	key := c.HashrateKey(ev.Worker)
	ts := ev.SampledAt.Unix()

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(ts),
		Member: hashrateMember(ev),
	})
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(ts-int64(c.window.Seconds()), 10))
	pipe.Expire(ctx, key, c.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set hashrate: %w", err)
	}
	return nil
}

// hashrateMember makes samples unique per timestamp so equal rates are not collapsed.
func hashrateMember(ev messaging.HashrateEvent) string {
	return strconv.FormatInt(ev.SampledAt.UnixNano(), 10) + ":" + strconv.FormatFloat(ev.Hashrate, 'f', -1, 64)
}

// AverageHashrate averages the samples within the window ending now.
func (c *Client) AverageHashrate(ctx context.Context, worker string, now time.Time) (float64, error) {
	members, err := c.rdb.ZRangeByScore(ctx, c.HashrateKey(worker), &redis.ZRangeBy{
		Min: strconv.FormatInt(now.Add(-c.window).Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}
	return averageMembers(members), nil
}

func averageMembers(members []string) float64 {
	var total float64
	var n int
	for _, m := range members {
		for i := len(m) - 1; i >= 0; i-- {
			if m[i] != ':' {
				continue
			}
			if rate, err := strconv.ParseFloat(m[i+1:], 64); err == nil {
				total += rate
				n++
			}
			break
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// SetConnection stores the latest connection state for a pool.
func (c *Client) SetConnection(ctx context.Context, ev messaging.ConnectionEvent) error {
	key := c.ConnectionKey(ev.Pool)

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"state", ev.State,
		"addr", ev.Addr,
		"reason", ev.Reason,
		"at", ev.At.Unix(),
	)
	if ev.State == messaging.ConnReconnecting {
		pipe.HIncrBy(ctx, key, "reconnects", 1)
	}
	pipe.Expire(ctx, key, c.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set connection state: %w", err)
	}
	return nil
}

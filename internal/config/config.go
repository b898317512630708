// Package config provides configuration management for the miner.
// Values come from built-in defaults, an optional TOML file named by
// MINER_CONFIG, and environment variables, in increasing precedence.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

// DefaultTransientRejectReasons are the pool reject reasons that earn one resubmission.
var DefaultTransientRejectReasons = []string{"stale-prevblk", "stale-work", "duplicate", "unknown-work"}

// Config holds the miner configuration
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	ConfigPath  string

	// Pool connection
	PoolName  string
	PoolHost  string
	PoolPort  int
	PoolUser  string
	PoolPass  string
	UserAgent string

	// Session timing
	HandshakeTimeout    time.Duration
	ReadPollInterval    time.Duration
	WriteTimeout        time.Duration
	KeepaliveInterval   time.Duration
	ResubscribeInterval time.Duration
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	MaxMessageSize      int
	QueueSize           int

	// Share submission
	SubmitTimeout          time.Duration
	SubmitRate             float64
	TransientRejectReasons []string

	// Hashing
	HashBackend  string
	HashLanes    int
	BatchSize    int
	VerifyShares bool

	// Stats sinks; an empty address disables the sink
	StatsInterval time.Duration
	RedisURL      string
	PostgresURL   string
	InfluxURL     string
	InfluxToken   string
	InfluxOrg     string
	InfluxBucket  string
	KafkaBrokers  []string
	KafkaEncoding string
	NodeZMQAddr   string

	// Node JSON-RPC, polled for the chain tip when NodeZMQAddr is empty
	NodeRPCAddr         string
	NodeRPCUser         string
	NodeRPCPass         string
	NodeRPCPollInterval time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// PoolPreset is a named pool entry in the config file.
type PoolPreset struct {
	Name string `toml:"name"`
	Host string `toml:"host"`
	Port int    `toml:"port"`
	User string `toml:"user"`
	Pass string `toml:"pass"`
}

// fileConfig mirrors the TOML layout. Pointer fields distinguish unset from zero.
type fileConfig struct {
	Pool  string       `toml:"pool"`
	Pools []PoolPreset `toml:"pools"`

	UserAgent              *string  `toml:"user_agent"`
	HandshakeTimeout       *string  `toml:"handshake_timeout"`
	KeepaliveInterval      *string  `toml:"keepalive_interval"`
	ResubscribeInterval    *string  `toml:"resubscribe_interval"`
	SubmitRate             *float64 `toml:"submit_rate"`
	TransientRejectReasons []string `toml:"transient_reject_reasons"`

	HashBackend  *string `toml:"hash_backend"`
	HashLanes    *int    `toml:"hash_lanes"`
	BatchSize    *int    `toml:"batch_size"`
	VerifyShares *bool   `toml:"verify_shares"`

	StatsInterval *string  `toml:"stats_interval"`
	RedisURL      *string  `toml:"redis_url"`
	PostgresURL   *string  `toml:"postgres_url"`
	InfluxURL     *string  `toml:"influx_url"`
	InfluxOrg     *string  `toml:"influx_org"`
	InfluxBucket  *string  `toml:"influx_bucket"`
	KafkaBrokers  []string `toml:"kafka_brokers"`
	KafkaEncoding *string  `toml:"kafka_encoding"`
	NodeZMQAddr   *string  `toml:"node_zmq_addr"`

	NodeRPCAddr         *string `toml:"node_rpc_addr"`
	NodeRPCUser         *string `toml:"node_rpc_user"`
	NodeRPCPollInterval *string `toml:"node_rpc_poll_interval"`

	LogLevel  *string `toml:"log_level"`
	LogFormat *string `toml:"log_format"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ServiceName: "gominer",
		Version:     "dev",

		PoolPort:  3333,
		PoolPass:  "x",
		UserAgent: "gominer/dev",

		HandshakeTimeout:    30 * time.Second,
		ReadPollInterval:    100 * time.Millisecond,
		WriteTimeout:        10 * time.Second,
		KeepaliveInterval:   45 * time.Second,
		ResubscribeInterval: 90 * time.Second,
		BackoffBase:         time.Second,
		BackoffMax:          60 * time.Second,
		MaxMessageSize:      1 << 20,
		QueueSize:           256,

		SubmitTimeout:          10 * time.Second,
		SubmitRate:             20,
		TransientRejectReasons: append([]string(nil), DefaultTransientRejectReasons...),

		HashBackend:  "reference",
		HashLanes:    4,
		BatchSize:    4096,
		VerifyShares: false,

		StatsInterval: 60 * time.Second,
		InfluxOrg:     "gominer",
		InfluxBucket:  "mining",
		KafkaEncoding: "json",

		NodeRPCPollInterval: 5 * time.Second,

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load builds the configuration from defaults, the optional config file and
// the environment.
func Load() (*Config, error) {
	cfg := Defaults()
	cfg.ConfigPath = os.Getenv("MINER_CONFIG")

	if cfg.ConfigPath != "" {
		fc, err := loadFile(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.applyFile(fc); err != nil {
			return nil, fmt.Errorf("config file %s: %w", cfg.ConfigPath, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, nil
}

func (c *Config) applyFile(fc *fileConfig) error {
	c.PoolName = getEnv("POOL_NAME", fc.Pool)
	if c.PoolName != "" {
		preset, ok := findPreset(fc.Pools, c.PoolName)
		if !ok {
			return fmt.Errorf("pool %q not found in [[pools]]", c.PoolName)
		}
		c.PoolHost = preset.Host
		if preset.Port != 0 {
			c.PoolPort = preset.Port
		}
		c.PoolUser = preset.User
		if preset.Pass != "" {
			c.PoolPass = preset.Pass
		}
	}

	setString(&c.UserAgent, fc.UserAgent)
	setString(&c.HashBackend, fc.HashBackend)
	setString(&c.RedisURL, fc.RedisURL)
	setString(&c.PostgresURL, fc.PostgresURL)
	setString(&c.InfluxURL, fc.InfluxURL)
	setString(&c.InfluxOrg, fc.InfluxOrg)
	setString(&c.InfluxBucket, fc.InfluxBucket)
	setString(&c.KafkaEncoding, fc.KafkaEncoding)
	setString(&c.NodeZMQAddr, fc.NodeZMQAddr)
	setString(&c.NodeRPCAddr, fc.NodeRPCAddr)
	setString(&c.NodeRPCUser, fc.NodeRPCUser)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)

	if fc.HashLanes != nil {
		c.HashLanes = *fc.HashLanes
	}
	if fc.BatchSize != nil {
		c.BatchSize = *fc.BatchSize
	}
	if fc.VerifyShares != nil {
		c.VerifyShares = *fc.VerifyShares
	}
	if fc.SubmitRate != nil {
		c.SubmitRate = *fc.SubmitRate
	}
	if len(fc.TransientRejectReasons) > 0 {
		c.TransientRejectReasons = fc.TransientRejectReasons
	}
	if len(fc.KafkaBrokers) > 0 {
		c.KafkaBrokers = fc.KafkaBrokers
	}

	durations := []struct {
		dst *time.Duration
		src *string
		key string
	}{
		{&c.HandshakeTimeout, fc.HandshakeTimeout, "handshake_timeout"},
		{&c.KeepaliveInterval, fc.KeepaliveInterval, "keepalive_interval"},
		{&c.ResubscribeInterval, fc.ResubscribeInterval, "resubscribe_interval"},
		{&c.StatsInterval, fc.StatsInterval, "stats_interval"},
		{&c.NodeRPCPollInterval, fc.NodeRPCPollInterval, "node_rpc_poll_interval"},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	return nil
}

func findPreset(pools []PoolPreset, name string) (PoolPreset, bool) {
	for _, p := range pools {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return PoolPreset{}, false
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func (c *Config) applyEnv() {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Version = getEnv("VERSION", c.Version)

	c.PoolHost = getEnv("POOL_HOST", c.PoolHost)
	c.PoolPort = getEnvInt("POOL_PORT", c.PoolPort)
	c.PoolUser = getEnv("POOL_USER", c.PoolUser)
	c.PoolPass = getEnv("POOL_PASS", c.PoolPass)
	c.UserAgent = getEnv("USER_AGENT", c.UserAgent)

	c.HandshakeTimeout = getEnvDuration("HANDSHAKE_TIMEOUT", c.HandshakeTimeout)
	c.ReadPollInterval = getEnvDuration("READ_POLL_INTERVAL", c.ReadPollInterval)
	c.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", c.WriteTimeout)
	c.KeepaliveInterval = getEnvDuration("KEEPALIVE_INTERVAL", c.KeepaliveInterval)
	c.ResubscribeInterval = getEnvDuration("RESUBSCRIBE_INTERVAL", c.ResubscribeInterval)
	c.BackoffBase = getEnvDuration("BACKOFF_BASE", c.BackoffBase)
	c.BackoffMax = getEnvDuration("BACKOFF_MAX", c.BackoffMax)
	c.MaxMessageSize = getEnvInt("MAX_MESSAGE_SIZE", c.MaxMessageSize)
	c.QueueSize = getEnvInt("QUEUE_SIZE", c.QueueSize)

	c.SubmitTimeout = getEnvDuration("SUBMIT_TIMEOUT", c.SubmitTimeout)
	c.SubmitRate = getEnvFloat("SUBMIT_RATE", c.SubmitRate)
	c.TransientRejectReasons = getEnvSlice("TRANSIENT_REJECT_REASONS", c.TransientRejectReasons)

	c.HashBackend = getEnv("HASH_BACKEND", c.HashBackend)
	c.HashLanes = getEnvInt("HASH_LANES", c.HashLanes)
	c.BatchSize = getEnvInt("BATCH_SIZE", c.BatchSize)
	c.VerifyShares = getEnvBool("VERIFY_SHARES", c.VerifyShares)

	c.StatsInterval = getEnvDuration("STATS_INTERVAL", c.StatsInterval)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.PostgresURL = getEnv("POSTGRES_URL", c.PostgresURL)
	c.InfluxURL = getEnv("INFLUX_URL", c.InfluxURL)
	c.InfluxToken = getEnv("INFLUX_TOKEN", c.InfluxToken)
	c.InfluxOrg = getEnv("INFLUX_ORG", c.InfluxOrg)
	c.InfluxBucket = getEnv("INFLUX_BUCKET", c.InfluxBucket)
	c.KafkaBrokers = getEnvSlice("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaEncoding = getEnv("KAFKA_ENCODING", c.KafkaEncoding)
	c.NodeZMQAddr = getEnv("NODE_ZMQ_ADDR", c.NodeZMQAddr)
	c.NodeRPCAddr = getEnv("NODE_RPC_ADDR", c.NodeRPCAddr)
	c.NodeRPCUser = getEnv("NODE_RPC_USER", c.NodeRPCUser)
	c.NodeRPCPass = getEnv("NODE_RPC_PASS", c.NodeRPCPass)
	c.NodeRPCPollInterval = getEnvDuration("NODE_RPC_POLL_INTERVAL", c.NodeRPCPollInterval)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// PoolAddr returns host:port for the selected pool.
func (c *Config) PoolAddr() string {
	return fmt.Sprintf("%s:%d", c.PoolHost, c.PoolPort)
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.PoolHost == "" {
		return fmt.Errorf("POOL_HOST cannot be empty")
	}

	if c.PoolPort <= 0 || c.PoolPort > 65535 {
		return fmt.Errorf("POOL_PORT must be between 1 and 65535")
	}

	if c.PoolUser == "" {
		return fmt.Errorf("POOL_USER cannot be empty")
	}

	switch c.HashBackend {
	case "reference", "xcrypto":
	default:
		return fmt.Errorf("HASH_BACKEND must be reference or xcrypto, got %q", c.HashBackend)
	}

	if c.HashLanes <= 0 {
		return fmt.Errorf("HASH_LANES must be positive")
	}

	if c.BatchSize <= 0 || uint64(c.BatchSize) > math.MaxUint32 {
		return fmt.Errorf("BATCH_SIZE must be between 1 and %d, got %d", uint64(math.MaxUint32), c.BatchSize)
	}

	if c.SubmitRate <= 0 {
		return fmt.Errorf("SUBMIT_RATE must be positive")
	}

	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("BACKOFF_MAX must be at least BACKOFF_BASE and both positive")
	}

	if c.ReadPollInterval <= 0 || c.HandshakeTimeout <= 0 || c.SubmitTimeout <= 0 {
		return fmt.Errorf("READ_POLL_INTERVAL, HANDSHAKE_TIMEOUT and SUBMIT_TIMEOUT must be positive")
	}

	if c.KeepaliveInterval <= 0 || c.ResubscribeInterval <= c.KeepaliveInterval {
		return fmt.Errorf("RESUBSCRIBE_INTERVAL must exceed KEEPALIVE_INTERVAL")
	}

	if c.MaxMessageSize < 1024 || c.QueueSize <= 0 {
		return fmt.Errorf("MAX_MESSAGE_SIZE must be at least 1024 and QUEUE_SIZE positive")
	}

	if c.NodeRPCAddr != "" && c.NodeRPCPollInterval <= 0 {
		return fmt.Errorf("NODE_RPC_POLL_INTERVAL must be positive")
	}

	switch c.KafkaEncoding {
	case "json", "proto":
	default:
		return fmt.Errorf("KAFKA_ENCODING must be json or proto, got %q", c.KafkaEncoding)
	}

	return nil
}

// ExampleFile renders a commented TOML file holding the defaults and one preset.
func ExampleFile() ([]byte, error) {
	d := Defaults()
	handshake := d.HandshakeTimeout.String()
	keepalive := d.KeepaliveInterval.String()
	resubscribe := d.ResubscribeInterval.String()
	stats := d.StatsInterval.String()

	fc := fileConfig{
		Pool: "example",
		Pools: []PoolPreset{{
			Name: "example",
			Host: "pool.example.com",
			Port: d.PoolPort,
			User: "wallet.worker",
			Pass: d.PoolPass,
		}},
		UserAgent:              &d.UserAgent,
		HandshakeTimeout:       &handshake,
		KeepaliveInterval:      &keepalive,
		ResubscribeInterval:    &resubscribe,
		SubmitRate:             &d.SubmitRate,
		TransientRejectReasons: d.TransientRejectReasons,
		HashBackend:            &d.HashBackend,
		HashLanes:              &d.HashLanes,
		BatchSize:              &d.BatchSize,
		VerifyShares:           &d.VerifyShares,
		StatsInterval:          &stats,
		KafkaEncoding:          &d.KafkaEncoding,
		LogLevel:               &d.LogLevel,
		LogFormat:              &d.LogFormat,
	}

	data, err := toml.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("encode example: %w", err)
	}
	return append([]byte("# gominer example config (set MINER_CONFIG to its path)\n\n"), data...), nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for part := range strings.SplitSeq(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

package database

import (
	"context"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/postgres"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// stubConnectors makes every store connection fail with a non-retryable
// error and counts attempts.
func stubConnectors(t *testing.T) map[string]int {
	t.Helper()
	saved := connectors
	t.Cleanup(func() { connectors = saved })

	calls := make(map[string]int)
	refuse := func(name string) error {
		calls[name]++
		return errors.New(errors.ErrorTypeConfig, name+"_connect", "refused")
	}
	connectors.redis = func(*redis.Config) (*redis.Client, error) { return nil, refuse("redis") }
	connectors.postgres = func(*postgres.Config) (*postgres.Client, error) { return nil, refuse("postgres") }
	connectors.influx = func(*influx.Config, *log.Logger) (*influx.Client, error) { return nil, refuse("influx") }
	return calls
}

func TestNewManager_NothingConfigured(t *testing.T) {
	calls := stubConnectors(t)

	m, err := NewManager(context.Background(), config.Defaults(), log.Discard())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if n := len(m.Sinks()); n != 0 {
		t.Errorf("Sinks() = %d, want 0", n)
	}
	if len(calls) != 0 {
		t.Errorf("connectors called: %v", calls)
	}
	if err := m.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}

func TestNewManager_UnreachableStoresDisabled(t *testing.T) {
	calls := stubConnectors(t)

	cfg := config.Defaults()
	cfg.RedisURL = "redis://localhost:6379/0"
	cfg.PostgresURL = "postgres://miner@localhost/miner"
	cfg.InfluxURL = "http://localhost:8086"

	m, err := NewManager(context.Background(), cfg, log.Discard())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if n := len(m.Sinks()); n != 0 {
		t.Errorf("Sinks() = %d, want 0", n)
	}
	for _, name := range []string{"redis", "postgres", "influx"} {
		if calls[name] != 1 {
			t.Errorf("%s connect attempts = %d, want 1", name, calls[name])
		}
	}
}

func TestNewManager_Kafka(t *testing.T) {
	stubConnectors(t)

	cfg := config.Defaults()
	cfg.KafkaBrokers = []string{"localhost:9092"}

	m, err := NewManager(context.Background(), cfg, log.Discard())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	sinks := m.Sinks()
	if len(sinks) != 1 || sinks[0].Name() != "kafka" {
		t.Fatalf("Sinks() = %v, want [kafka]", sinkNames(sinks))
	}
	m.Close()
}

func TestNewManager_BadKafkaEncoding(t *testing.T) {
	stubConnectors(t)

	cfg := config.Defaults()
	cfg.KafkaBrokers = []string{"localhost:9092"}
	cfg.KafkaEncoding = "avro"

	if _, err := NewManager(context.Background(), cfg, log.Discard()); !errors.IsType(err, errors.ErrorTypeConfig) {
		t.Errorf("NewManager() error = %v, want config error", err)
	}
}

type fakeLive struct {
	counts map[string]int64
	rate   float64
	err    error
}

func (f *fakeLive) ShareCounts(context.Context, string) (map[string]int64, error) {
	return f.counts, f.err
}

func (f *fakeLive) AverageHashrate(context.Context, string, time.Time) (float64, error) {
	return f.rate, f.err
}

type fakeHistory struct {
	stats *postgres.ShareStats
	err   error
}

func (f *fakeHistory) WorkerStats(context.Context, string) (*postgres.ShareStats, error) {
	return f.stats, f.err
}

func TestManager_Summary(t *testing.T) {
	last := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	history := &fakeHistory{stats: &postgres.ShareStats{
		Worker:     "wallet.rig",
		Counts:     map[string]int64{"accepted": 90, "rejected": 3},
		Difficulty: 360,
		LastShare:  &last,
	}}
	live := &fakeLive{counts: map[string]int64{"accepted": 12, "stale": 1}, rate: 5400}

	tests := []struct {
		name         string
		live         liveStats
		history      shareHistory
		wantOK       bool
		wantErr      bool
		wantAccepted int64
		wantRate     float64
		wantDiff     float64
	}{
		{"no stores", nil, nil, false, false, 0, 0, 0},
		{"history only", nil, history, true, false, 90, 0, 360},
		{"live only", live, nil, true, false, 12, 5400, 0},
		{"live counters win", live, history, true, false, 12, 5400, 360},
		{"live failure", &fakeLive{err: errors.New(errors.ErrorTypeStorage, "hgetall", "down")}, history, true, true, 0, 0, 0},
		{"history failure", live, &fakeHistory{err: errors.New(errors.ErrorTypeStorage, "query", "down")}, true, true, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manager{live: tt.live, history: tt.history, logger: log.Discard()}
			got, ok, err := m.Summary(context.Background(), "wallet.rig", time.Now())
			if ok != tt.wantOK || (err != nil) != tt.wantErr {
				t.Fatalf("Summary() ok = %v, err = %v, want ok %v, wantErr %v", ok, err, tt.wantOK, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Counts["accepted"] != tt.wantAccepted || got.AverageHashrate != tt.wantRate || got.AcceptedDifficulty != tt.wantDiff {
				t.Errorf("Summary() = %+v", got)
			}
		})
	}
}

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/pkg/errors"
)

func unreachableClient(t *testing.T) *Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := newClient(rdb, &Config{})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(&Config{URL: "http://localhost:6379"})
	if err == nil {
		t.Fatal("NewClient() expected error")
	}
	if !errors.IsType(err, errors.ErrorTypeConfig) {
		t.Errorf("error type = %v, want config", err)
	}
}

func TestClient_Keys(t *testing.T) {
	c := unreachableClient(t)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"shares", c.SharesKey("wallet.rig"), "miner:worker:wallet.rig:shares"},
		{"hashrate", c.HashrateKey("wallet.rig"), "miner:worker:wallet.rig:hashrate"},
		{"job", c.JobKey("ltc"), "miner:pool:ltc:job"},
		{"connection", c.ConnectionKey("ltc"), "miner:pool:ltc:connection"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("key = %q, want %q", tt.got, tt.want)
			}
		})
	}

	if c.Name() != "redis" {
		t.Errorf("Name() = %q, want redis", c.Name())
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c := newClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), &Config{Prefix: "rig7"})
	defer func() { _ = c.Close() }()

	if c.prefix != "rig7" || c.ttl != 24*time.Hour || c.window != 10*time.Minute {
		t.Errorf("client = prefix %q ttl %v window %v", c.prefix, c.ttl, c.window)
	}
}

func TestAverageMembers(t *testing.T) {
	tests := []struct {
		name    string
		members []string
		want    float64
	}{
		{"empty", nil, 0},
		{"single", []string{"1714564800000000000:1500"}, 1500},
		{"several", []string{"1:1000", "2:2000", "3:3000"}, 2000},
		{"skips garbage", []string{"1:1000", "nonsense", "2:abc", "3:3000"}, 2000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := averageMembers(tt.members); got != tt.want {
				t.Errorf("averageMembers() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHashrateMember_UniquePerSample(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := hashrateMember(messaging.HashrateEvent{Hashrate: 1000, SampledAt: at})
	b := hashrateMember(messaging.HashrateEvent{Hashrate: 1000, SampledAt: at.Add(time.Second)})
	if a == b {
		t.Errorf("hashrateMember() = %q for both samples", a)
	}
	if got := averageMembers([]string{a, b}); got != 1000 {
		t.Errorf("averageMembers() = %v, want 1000", got)
	}
}

type otherEvent struct{}

func (otherEvent) Kind() messaging.Kind   { return "other" }
func (otherEvent) Key() string            { return "" }
func (otherEvent) Fields() map[string]any { return nil }

func TestClient_RecordIgnoresUnknownEvents(t *testing.T) {
	c := unreachableClient(t)
	if err := c.Record(context.Background(), otherEvent{}); err != nil {
		t.Errorf("Record() error = %v, want nil", err)
	}
}

func TestClient_ReadsUnavailable(t *testing.T) {
	c := unreachableClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.ShareCounts(ctx, "w"); err == nil {
		t.Error("ShareCounts() expected error without a server")
	}
	if _, err := c.AverageHashrate(ctx, "w", time.Now()); err == nil {
		t.Error("AverageHashrate() expected error without a server")
	}
}

func TestClient_RecordUnavailable(t *testing.T) {
	c := unreachableClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.Record(ctx, messaging.ShareEvent{Worker: "w", Status: messaging.ShareAccepted})
	if err == nil {
		t.Fatal("Record() expected error without a server")
	}
	if !errors.IsType(err, errors.ErrorTypeStorage) {
		t.Errorf("error type = %v, want storage", err)
	}
	if got := errors.GetContext(err)["kind"]; got != "share" {
		t.Errorf("context kind = %v, want share", got)
	}
}

package miner

import (
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/internal/messaging"
)

// Stats counts share outcomes. Safe for concurrent reads.
type Stats struct {
	accepted atomic.Uint64
	rejected atomic.Uint64
	stale    atomic.Uint64
	invalid  atomic.Uint64
	failed   atomic.Uint64
}

func newStats() *Stats { return &Stats{} }

func (s *Stats) add(status string) {
	switch status {
	case messaging.ShareAccepted:
		s.accepted.Add(1)
	case messaging.ShareRejected:
		s.rejected.Add(1)
	case messaging.ShareStale:
		s.stale.Add(1)
	case messaging.ShareInvalid:
		s.invalid.Add(1)
	case messaging.ShareFailed:
		s.failed.Add(1)
	}
}

// Accepted returns the number of shares the pool accepted.
func (s *Stats) Accepted() uint64 { return s.accepted.Load() }

// Rejected returns the number of shares the pool rejected.
func (s *Stats) Rejected() uint64 { return s.rejected.Load() }

// Stale returns the number of results discarded or refused as stale.
func (s *Stats) Stale() uint64 { return s.stale.Load() }

// Invalid returns the number of candidates that failed local validation.
func (s *Stats) Invalid() uint64 { return s.invalid.Load() }

// Failed returns the number of submissions that got no verdict.
func (s *Stats) Failed() uint64 { return s.failed.Load() }

// hashCounter is the part of the hash engine the reporter reads.
type hashCounter interface {
	TotalHashes() uint64
}

// Sample is one hashrate measurement.
type Sample struct {
	Hashes   uint64
	Window   time.Duration
	Hashrate float64 // hashes per second
	At       time.Time
}

// reporter turns the engine's running hash count into periodic samples.
type reporter struct {
	counter  hashCounter
	interval time.Duration
	last     time.Time
	lastSeen uint64
}

func newReporter(counter hashCounter, interval time.Duration, now time.Time) *reporter {
	return &reporter{
		counter:  counter,
		interval: interval,
		last:     now,
		lastSeen: counter.TotalHashes(),
	}
}

// Sample returns a measurement once per interval.
func (r *reporter) Sample(now time.Time) (Sample, bool) {
	window := now.Sub(r.last)
	if window < r.interval || window <= 0 {
		return Sample{}, false
	}

	total := r.counter.TotalHashes()
	s := Sample{
		Hashes:   total - r.lastSeen,
		Window:   window,
		Hashrate: float64(total-r.lastSeen) / window.Seconds(),
		At:       now,
	}
	r.last = now
	r.lastSeen = total
	return s, true
}

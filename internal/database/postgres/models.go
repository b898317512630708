package postgres

import (
	"time"

	"github.com/bardlex/gominer/internal/messaging"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS shares (
		id           BIGSERIAL PRIMARY KEY,
		pool         TEXT NOT NULL,
		worker       TEXT NOT NULL,
		job_id       TEXT NOT NULL,
		extranonce2  TEXT NOT NULL,
		ntime        TEXT NOT NULL,
		nonce        TEXT NOT NULL,
		difficulty   DOUBLE PRECISION NOT NULL,
		status       TEXT NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		latency_ms   DOUBLE PRECISION NOT NULL DEFAULT 0,
		submitted_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS shares_worker_submitted_idx ON shares (worker, submitted_at DESC)`,
	`CREATE TABLE IF NOT EXISTS connection_events (
		id       BIGSERIAL PRIMARY KEY,
		pool     TEXT NOT NULL,
		addr     TEXT NOT NULL,
		state    TEXT NOT NULL,
		attempt  INTEGER NOT NULL DEFAULT 0,
		delay_ms BIGINT NOT NULL DEFAULT 0,
		reason   TEXT NOT NULL DEFAULT '',
		at       TIMESTAMPTZ NOT NULL
	)`,
}

// Share is one row of share history
type Share struct {
	ID          int64     `db:"id"`
	Pool        string    `db:"pool"`
	Worker      string    `db:"worker"`
	JobID       string    `db:"job_id"`
	Extranonce2 string    `db:"extranonce2"`
	NTime       string    `db:"ntime"`
	Nonce       string    `db:"nonce"`
	Difficulty  float64   `db:"difficulty"`
	Status      string    `db:"status"` // accepted, rejected, stale, invalid, failed
	Reason      string    `db:"reason"`
	LatencyMs   float64   `db:"latency_ms"`
	SubmittedAt time.Time `db:"submitted_at"`
}

// Connection is one pool connection state change
type Connection struct {
	ID      int64     `db:"id"`
	Pool    string    `db:"pool"`
	Addr    string    `db:"addr"`
	State   string    `db:"state"` // connected, disconnected, reconnecting
	Attempt int       `db:"attempt"`
	DelayMs int64     `db:"delay_ms"`
	Reason  string    `db:"reason"`
	At      time.Time `db:"at"`
}

// ShareFromEvent converts a share event into a row.
func ShareFromEvent(ev messaging.ShareEvent) *Share {
	return &Share{
		Pool:        ev.Pool,
		Worker:      ev.Worker,
		JobID:       ev.JobID,
		Extranonce2: ev.Extranonce2,
		NTime:       ev.NTime,
		Nonce:       ev.Nonce,
		Difficulty:  ev.Difficulty,
		Status:      ev.Status,
		Reason:      ev.Reason,
		LatencyMs:   ev.LatencyMs,
		SubmittedAt: ev.SubmittedAt,
	}
}

// ConnectionFromEvent converts a connection event into a row.
func ConnectionFromEvent(ev messaging.ConnectionEvent) *Connection {
	return &Connection{
		Pool:    ev.Pool,
		Addr:    ev.Addr,
		State:   ev.State,
		Attempt: ev.Attempt,
		DelayMs: ev.DelayMs,
		Reason:  ev.Reason,
		At:      ev.At,
	}
}

// ShareStats aggregates a worker's shares by status
type ShareStats struct {
	Worker     string
	Counts     map[string]int64
	Difficulty float64 // sum over accepted shares
	LastShare  *time.Time
}

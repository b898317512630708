package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// DBTX is the part of *sql.DB and *sql.Tx the repositories use.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ShareRepository handles share history
type ShareRepository struct {
	db DBTX
}

// NewShareRepository creates a new share repository
func NewShareRepository(db DBTX) *ShareRepository {
	return &ShareRepository{db: db}
}

const insertShareQuery = `
	INSERT INTO shares (pool, worker, job_id, extranonce2, ntime, nonce, difficulty,
	                    status, reason, latency_ms, submitted_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// InsertShare stores a share outcome
func (r *ShareRepository) InsertShare(ctx context.Context, share *Share) error {
	_, err := r.db.ExecContext(ctx, insertShareQuery,
		share.Pool, share.Worker, share.JobID, share.Extranonce2, share.NTime, share.Nonce,
		share.Difficulty, share.Status, share.Reason, share.LatencyMs, share.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert share: %w", err)
	}
	return nil
}

// WorkerStats aggregates a worker's shares by status
func (r *ShareRepository) WorkerStats(ctx context.Context, worker string) (*ShareStats, error) {
	query := `
		SELECT status, COUNT(*),
		       COALESCE(SUM(difficulty), 0),
		       MAX(submitted_at)
		FROM shares
		WHERE worker = $1
		GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query, worker)
	if err != nil {
		return nil, fmt.Errorf("failed to query share stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &ShareStats{Worker: worker, Counts: make(map[string]int64)}
	for rows.Next() {
		var (
			status string
			count  int64
			diff   float64
			last   sql.NullTime
		)
		if err := rows.Scan(&status, &count, &diff, &last); err != nil {
			return nil, fmt.Errorf("failed to scan share stats: %w", err)
		}
		stats.Counts[status] = count
		if status == "accepted" {
			stats.Difficulty = diff
		}
		if last.Valid && (stats.LastShare == nil || last.Time.After(*stats.LastShare)) {
			t := last.Time
			stats.LastShare = &t
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating share stats: %w", err)
	}
	return stats, nil
}

// ConnectionRepository handles connection history
type ConnectionRepository struct {
	db DBTX
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(db DBTX) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

const insertConnectionQuery = `
	INSERT INTO connection_events (pool, addr, state, attempt, delay_ms, reason, at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// InsertConnection stores a connection state change
func (r *ConnectionRepository) InsertConnection(ctx context.Context, c *Connection) error {
	_, err := r.db.ExecContext(ctx, insertConnectionQuery,
		c.Pool, c.Addr, c.State, c.Attempt, c.DelayMs, c.Reason, c.At,
	)
	if err != nil {
		return fmt.Errorf("failed to insert connection event: %w", err)
	}
	return nil
}

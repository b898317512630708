// Package postgres stores the miner's share and connection history in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"

	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/pkg/errors"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db          *sql.DB
	Shares      *ShareRepository
	Connections *ConnectionRepository
}

// Config holds PostgreSQL connection configuration
type Config struct {
	DSN          string // URL or key=value connection string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// NewClient opens the database, checks the connection and creates the
// tables if they do not exist.
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "postgres_connect", "failed to open database")
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "postgres_connect", "failed to ping database")
	}

	c := newClient(db)
	if err := c.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func newClient(db *sql.DB) *Client {
	return &Client{
		db:          db,
		Shares:      NewShareRepository(db),
		Connections: NewConnectionRepository(db),
	}
}

// Name identifies the sink.
func (c *Client) Name() string { return "postgres" }

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// EnsureSchema creates the history tables.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "postgres_schema", "failed to create schema")
		}
	}
	return nil
}

// Record implements messaging.Sink. Only share and connection events are kept.
func (c *Client) Record(ctx context.Context, ev messaging.Event) error {
	var err error
	switch e := ev.(type) {
	case messaging.ShareEvent:
		err = c.Shares.InsertShare(ctx, ShareFromEvent(e))
	case messaging.ConnectionEvent:
		err = c.Connections.InsertConnection(ctx, ConnectionFromEvent(e))
	default:
		return nil
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "postgres_record", "failed to record event").
			WithContext("kind", string(ev.Kind()))
	}
	return nil
}

// Package dbpool owns the PostgreSQL connections of a streamgate instance.
//
// Postgres is optional and carries little load: the connection audit writer
// and one connection held in LISTEN by the notify bridge.
package dbpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	maxConns           = 5
	statementTimeoutMS = "30000"
)

// ErrIdle is returned by Listener.Wait when nothing arrived within the idle
// window. The connection is still usable.
var ErrIdle = errors.New("no notification within idle window")

// Pool wraps a pgxpool.Pool. The underlying pool is unexported so stores go
// through the timeout helpers.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool connects and pings.
func NewPool(ctx context.Context, databaseURL string) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	cfg.ConnConfig.RuntimeParams["statement_timeout"] = statementTimeoutMS
	cfg.ConnConfig.RuntimeParams["application_name"] = "streamgate"

	cfg.MaxConns = maxConns
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Pool{pool: pool}, nil
}

// Exec executes a query that doesn't return rows.
func (p *Pool) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return p.pool.Exec(ctx, sql, arguments...)
}

// Query executes a query that returns rows.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.pool.Query(ctx, sql, args...)
}

// QueryRow executes a query that returns at most one row.
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

// CopyFrom bulk-loads rows into table with the COPY protocol.
func (p *Pool) CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, rows pgx.CopyFromSource) (int64, error) {
	return p.pool.CopyFrom(ctx, table, columns, rows)
}

// Ping verifies the pool can reach the database.
func (p *Pool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// HealthCheck runs a trivial query.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var one int
	if err := p.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check query: %w", err)
	}

	return nil
}

// ConnString returns the connection string used to create the pool.
func (p *Pool) ConnString() string {
	return p.pool.Config().ConnString()
}

// Close closes the connection pool.
func (p *Pool) Close() {
	p.pool.Close()
}

// Listener is a pooled connection held in LISTEN on one channel.
type Listener struct {
	conn    *pgxpool.Conn
	channel string
}

// Listen takes a connection out of the pool and subscribes it to channel.
// The caller must Close the listener to return the connection.
func (p *Pool) Listen(ctx context.Context, channel string) (*Listener, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}

	// LISTEN takes an identifier, not a parameter.
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("executing LISTEN %s: %w", channel, err)
	}

	return &Listener{conn: conn, channel: channel}, nil
}

// Wait blocks for the next notification. It returns ErrIdle when idle
// elapses first, so callers can notice a connection that died silently.
func (l *Listener) Wait(ctx context.Context, idle time.Duration) (*pgconn.Notification, error) {
	if err := l.conn.Conn().PgConn().Conn().SetReadDeadline(time.Now().Add(idle)); err != nil {
		return nil, fmt.Errorf("setting read deadline: %w", err)
	}

	n, err := l.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		var netErr net.Error
		if ctx.Err() == nil && errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrIdle
		}

		return nil, fmt.Errorf("waiting for notification on %s: %w", l.channel, err)
	}

	return n, nil
}

// Close returns the connection to the pool. The connection is destroyed
// rather than reused because it is still subscribed.
func (l *Listener) Close() {
	l.conn.Conn().Close(context.Background()) //nolint:errcheck // connection is discarded either way
	l.conn.Release()
}

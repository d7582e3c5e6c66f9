// Package db is the PostgreSQL store of the chat server: pooling via pgx,
// forward-only SQL migrations and a Repository implementing store.Store.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// PoolConfig sizes the pool. Zero fields keep pgxpool's defaults.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnIdleTime time.Duration
	// LogQueries traces every statement at debug level.
	LogQueries bool
}

// DefaultPoolConfig is what NewPool uses.
var DefaultPoolConfig = PoolConfig{MaxConns: 20, MinConns: 2, MaxConnIdleTime: 30 * time.Minute}

// NewPool connects with DefaultPoolConfig.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	return NewPoolWithConfig(ctx, databaseURL, DefaultPoolConfig)
}

// NewPoolWithConfig creates a pgx pool and pings it before returning.
func NewPoolWithConfig(ctx context.Context, databaseURL string, pc PoolConfig) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}
	applyPoolConfig(config, pc)

	slog.Info(fmt.Sprintf("%s - Connecting to %s/%s (max %d conns)", logPrefix, config.ConnConfig.Host, config.ConnConfig.Database, config.MaxConns))
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", logPrefix))
	return pool, nil
}

func applyPoolConfig(config *pgxpool.Config, pc PoolConfig) {
	if pc.MaxConns > 0 {
		config.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 && pc.MinConns <= config.MaxConns {
		config.MinConns = pc.MinConns
	}
	if pc.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = pc.MaxConnIdleTime
	}
	if pc.LogQueries {
		config.ConnConfig.Tracer = queryTracer{}
	}
}

type traceKey struct{}

type traceStart struct {
	sql   string
	start time.Time
}

// queryTracer logs each statement with its duration at debug level.
type queryTracer struct{}

func (queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, traceStart{sql: data.SQL, start: time.Now()})
}

func (queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	ts, ok := ctx.Value(traceKey{}).(traceStart)
	if !ok {
		return
	}
	elapsed := time.Since(ts.start).Round(time.Microsecond)
	if data.Err != nil {
		slog.Debug(fmt.Sprintf("%s - query failed after %s: %s: %v", logPrefix, elapsed, compactSQL(ts.sql), data.Err))
		return
	}
	slog.Debug(fmt.Sprintf("%s - query %s (%d rows) in %s", logPrefix, compactSQL(ts.sql), data.CommandTag.RowsAffected(), elapsed))
}

// compactSQL folds whitespace so a statement fits on one log line.
func compactSQL(sql string) string {
	s := strings.Join(strings.Fields(sql), " ")
	if len(s) > 160 {
		s = s[:157] + "..."
	}
	return s
}

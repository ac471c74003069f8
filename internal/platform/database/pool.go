// Package database provides the PostgreSQL pool backing the projection
// store and the read API.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dbPoolOpenConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "credindex_db_pool_open_conns",
		Help: "Number of established connections in the pool",
	})
	dbPoolIdleConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "credindex_db_pool_idle_conns",
		Help: "Number of idle connections in the pool",
	})
	dbPoolInUseConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "credindex_db_pool_in_use_conns",
		Help: "Number of connections currently in use",
	})
	dbPoolWaitCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credindex_db_pool_waits_total",
		Help: "Number of times a connection had to be waited for",
	})
	dbPoolWaitSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credindex_db_pool_wait_seconds_total",
		Help: "Total time spent waiting for a connection",
	})
)

// Config holds database connection configuration.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig sizes the pool for the indexer: one consumer goroutine
// writing projections plus the read API serving lookups.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Pool wraps a *sql.DB with health checking and pool metrics.
type Pool struct {
	db        *sql.DB
	cfg       Config
	lastStats *sql.DBStats
}

// New creates a new database connection pool.
// Returns nil if the URL is empty.
func New(cfg Config) (*Pool, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup on init failure
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{db: db, cfg: cfg}, nil
}

// DB returns the underlying *sql.DB for query operations.
func (p *Pool) DB() *sql.DB {
	return p.db
}

// Health checks if the database is reachable.
func (p *Pool) Health(ctx context.Context) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("database not configured")
	}
	return p.db.PingContext(ctx)
}

// Close closes the database connection pool.
func (p *Pool) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// RecordPoolStats updates Prometheus metrics with current pool statistics.
// Call this periodically from a background goroutine.
func (p *Pool) RecordPoolStats() {
	if p == nil || p.db == nil {
		return
	}
	stats := p.db.Stats()

	dbPoolOpenConns.Set(float64(stats.OpenConnections))
	dbPoolIdleConns.Set(float64(stats.Idle))
	dbPoolInUseConns.Set(float64(stats.InUse))

	// Wait stats are cumulative; record the delta since the last tick.
	if p.lastStats != nil {
		if stats.WaitCount > p.lastStats.WaitCount {
			dbPoolWaitCount.Add(float64(stats.WaitCount - p.lastStats.WaitCount))
		}
		if stats.WaitDuration > p.lastStats.WaitDuration {
			dbPoolWaitSeconds.Add((stats.WaitDuration - p.lastStats.WaitDuration).Seconds())
		}
	} else {
		dbPoolWaitCount.Add(float64(stats.WaitCount))
		dbPoolWaitSeconds.Add(stats.WaitDuration.Seconds())
	}

	p.lastStats = &stats
}

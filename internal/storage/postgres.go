package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sarpel/privrelay/internal/config"
)

// Postgres wraps a PostgreSQL connection pool
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL connection pool sized from cfg.
func NewPostgres(cfg *config.Config) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = cfg.DBPoolMaxSize
	poolConfig.MinConns = cfg.DBPoolMinSize

	if cfg.Environment != "production" {
		log.Printf("Database pool config: MaxConns=%d, MinConns=%d", poolConfig.MaxConns, poolConfig.MinConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("Connected to PostgreSQL (pool: %d-%d connections)", cfg.DBPoolMinSize, cfg.DBPoolMaxSize)

	return &Postgres{pool: pool}, nil
}

// Pool returns the underlying connection pool
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Close closes the connection pool
func (p *Postgres) Close() {
	p.pool.Close()
	log.Println("PostgreSQL connection pool closed")
}

// HealthCheck verifies the database connection is alive
func (p *Postgres) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.pool.Ping(ctx)
}

// Stats returns the current pool statistics
func (p *Postgres) Stats() *pgxpool.Stat {
	return p.pool.Stat()
}

// LogStats logs current pool statistics, useful from a periodic monitoring goroutine.
func (p *Postgres) LogStats() {
	stats := p.pool.Stat()
	log.Printf("DB Pool Stats: total=%d, idle=%d, inUse=%d, maxConns=%d",
		stats.TotalConns(),
		stats.IdleConns(),
		stats.TotalConns()-stats.IdleConns(),
		stats.MaxConns(),
	)
}

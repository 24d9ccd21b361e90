// Package postgres persists extracted products in Postgres via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/product-scraper/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and target table.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

const defaultTable = "products"

// Pool is the subset of pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// ProductStore implements crawler.ProductStore. Products are unique by URL.
type ProductStore struct {
	pool  Pool
	table string
	ids   crawler.IDGenerator
}

// NewProductStore connects a pgx pool using cfg.
func NewProductStore(ctx context.Context, cfg Config, ids crawler.IDGenerator) (*ProductStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewProductStoreWithPool(pool, cfg.Table, ids)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewProductStoreWithPool wraps an existing pool.
func NewProductStoreWithPool(pool Pool, table string, ids crawler.IDGenerator) (*ProductStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ProductStore{pool: pool, table: table, ids: ids}, nil
}

// EnsureSchema creates the products table when missing.
func (s *ProductStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id           TEXT PRIMARY KEY,
	url          TEXT NOT NULL UNIQUE,
	title        TEXT NOT NULL,
	price        TEXT NOT NULL,
	rating       TEXT NOT NULL,
	reviews      TEXT NOT NULL,
	snapshot_uri TEXT NOT NULL DEFAULT '',
	fetched_at   TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure %s schema: %w", s.table, err)
	}
	return nil
}

// Exists reports whether a product with url has been saved.
func (s *ProductStore) Exists(ctx context.Context, url string) (bool, error) {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE url = $1)`, s.table)
	if err := s.pool.QueryRow(ctx, query, url).Scan(&exists); err != nil {
		return false, fmt.Errorf("check product exists: %w", err)
	}
	return exists, nil
}

// Save inserts the product and returns its ID. Saving a URL that already
// exists leaves the row untouched and returns the stored ID.
func (s *ProductStore) Save(ctx context.Context, p crawler.Product) (string, error) {
	id := p.ID
	if id == "" {
		var err error
		if id, err = s.ids.NewID(); err != nil {
			return "", fmt.Errorf("product id: %w", err)
		}
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, url, title, price, rating, reviews, snapshot_uri, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (url) DO UPDATE SET url = EXCLUDED.url
RETURNING id`, s.table)

	var saved string
	err := s.pool.QueryRow(ctx, query,
		id, p.URL, p.Title, p.Price, p.Rating, p.Reviews, p.SnapshotURI, p.FetchedAt,
	).Scan(&saved)
	if err != nil {
		return "", fmt.Errorf("insert product: %w", err)
	}
	return saved, nil
}

// Ping checks connectivity for readiness probes.
func (s *ProductStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *ProductStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

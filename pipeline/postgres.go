package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresColumns = []string{
	"run_id", "product_id", "name", "brand", "price", "mrp", "discount_percent", "rating",
	"rating_count", "sizes", "image_url", "product_url", "in_stock", "is_sponsored",
	"source_url", "scraped_at",
}

// copyExecer is the subset of *pgxpool.Pool the writer needs.
type copyExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Ping(ctx context.Context) error
}

// PostgresWriter bulk-loads batches with COPY into a products table.
type PostgresWriter struct {
	db      copyExecer
	closeDB func()
	table   pgx.Identifier
	runID   string
	timeout time.Duration

	mu      sync.Mutex
	written int64
}

// NewPostgresWriter connects to dsn and creates the target table when missing.
func NewPostgresWriter(ctx context.Context, dsn, table, runID string) (*PostgresWriter, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	w, err := newPostgresWriter(ctx, pool, table, runID)
	if err != nil {
		pool.Close()
		return nil, err
	}
	w.closeDB = pool.Close
	return w, nil
}

func newPostgresWriter(ctx context.Context, db copyExecer, table, runID string) (*PostgresWriter, error) {
	w := &PostgresWriter{
		db:      db,
		closeDB: func() {},
		table:   pgx.Identifier{table},
		runID:   runID,
		timeout: 30 * time.Second,
	}
	if err := w.ensureTable(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *PostgresWriter) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id bigserial PRIMARY KEY,
  run_id text NOT NULL,
  product_id text,
  name text,
  brand text,
  price double precision,
  mrp double precision,
  discount_percent double precision,
  rating double precision,
  rating_count double precision,
  sizes text[],
  image_url text,
  product_url text,
  in_stock boolean NOT NULL,
  is_sponsored boolean NOT NULL,
  source_url text NOT NULL,
  scraped_at timestamptz NOT NULL
)`, w.table.Sanitize())

	if _, err := w.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", w.table.Sanitize(), err)
	}
	return nil
}

// Write copies one batch into the table.
func (w *PostgresWriter) Write(products []*models.Product) error {
	if len(products) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(products))
	for _, p := range products {
		rows = append(rows, []any{
			w.runID, p.ProductID, p.Name, p.Brand, p.Price, p.MRP, p.DiscountPercent, p.Rating,
			p.RatingCount, p.Sizes, p.ImageURL, p.ProductURL, p.InStock, p.IsSponsored,
			p.SourceURL, p.ScrapedAt,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.db.CopyFrom(ctx, w.table, postgresColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy into %s: %w", w.table.Sanitize(), err)
	}
	w.written += n
	slog.Debug("postgres batch copied", "table", w.table.Sanitize(), "rows", n)
	return nil
}

// Close releases the connection pool.
func (w *PostgresWriter) Close() error {
	w.closeDB()
	return nil
}

// Validate checks the connection is alive. It must run before Close.
func (w *PostgresWriter) Validate() error {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.written == 0 {
		slog.Warn("no rows written", slog.String("table", w.table.Sanitize()))
	}
	return nil
}

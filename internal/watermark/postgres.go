// ABOUTME: PostgreSQL watermark store backed by a pgx pool.
// ABOUTME: The single-row table is created by an embedded goose migration on open.

package watermark

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db     querier
	close  func()
	logger *logrus.Logger
}

// OpenPostgres connects, applies pending migrations and returns the store
func OpenPostgres(ctx context.Context, dsn string, logger *logrus.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	cfg.MaxConns = 2
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{db: pool, close: pool.Close, logger: logger}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool, logger *logrus.Logger) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, result := range results {
		logger.WithFields(logrus.Fields{
			"migration": result.Source.Path,
			"duration":  result.Duration,
		}).Info("Applied watermark migration")
	}
	return nil
}

func (p *PostgresStore) Load(ctx context.Context) (time.Time, bool, error) {
	var watermark time.Time
	err := p.db.QueryRow(ctx, `SELECT watermark FROM anubis_watermark WHERE id = 1`).Scan(&watermark)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to load watermark: %w", err)
	}
	return watermark.UTC(), true, nil
}

func (p *PostgresStore) Save(ctx context.Context, watermark time.Time) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO anubis_watermark (id, watermark, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET watermark = EXCLUDED.watermark, updated_at = EXCLUDED.updated_at
	`, watermark.UTC())
	if err != nil {
		return fmt.Errorf("failed to save watermark: %w", err)
	}

	p.logger.WithField("watermark", watermark).Debug("Saved watermark to postgres")
	return nil
}

func (p *PostgresStore) Close() {
	if p.close != nil {
		p.close()
	}
}

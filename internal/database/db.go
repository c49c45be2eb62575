package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"shelter-api/internal/config"
	"shelter-api/internal/models"
)

// New connects to Postgres and returns a Bun DB handle.
func New(dsn string, cfg *config.Config) (*bun.DB, error) {
	connector := pgdriver.NewConnector(
		pgdriver.WithDSN(dsn),
		pgdriver.WithTimeout(60*time.Second),
		pgdriver.WithDialTimeout(15*time.Second),
		pgdriver.WithReadTimeout(60*time.Second),
		// a reinitialize writes every row in one transaction
		pgdriver.WithWriteTimeout(60*time.Second),
	)

	sqldb := sql.OpenDB(connector)
	db := bun.NewDB(sqldb, pgdialect.New())

	sqldb.SetMaxOpenConns(25)
	sqldb.SetMaxIdleConns(10)
	sqldb.SetConnMaxLifetime(5 * time.Minute)
	sqldb.SetConnMaxIdleTime(10 * time.Minute)

	if cfg.BunDebug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.ExecContext(ctx, `SET statement_timeout = '120s'`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set database configuration: %w", err)
	}

	return db, nil
}

// EnsureSchema creates the shelter table and, when withAuth is set, the
// operator user and refresh-token tables. Existing tables only gain
// missing columns.
func EnsureSchema(ctx context.Context, db *bun.DB, withAuth bool) error {
	tables := []any{(*models.Shelter)(nil)}
	if withAuth {
		if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`); err != nil {
			return fmt.Errorf("failed to enable uuid-ossp: %w", err)
		}
		tables = append(tables, (*models.User)(nil), (*models.RefreshToken)(nil))
	}

	for _, model := range tables {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", model, err)
		}
	}

	// tables created before the region columns existed
	for _, col := range []string{"province", "city"} {
		if _, err := db.ExecContext(ctx, "ALTER TABLE shelters ADD COLUMN IF NOT EXISTS ? varchar", bun.Ident(col)); err != nil {
			return fmt.Errorf("failed to add shelters.%s: %w", col, err)
		}
	}

	_, err := db.NewCreateIndex().
		Model((*models.Shelter)(nil)).
		Index("shelters_lat_lng_idx").
		Column("latitude", "longitude").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create shelter coordinate index: %w", err)
	}
	return nil
}

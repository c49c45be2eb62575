package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/uptrace/bun"

	"shelter-api/internal/geo"
	"shelter-api/internal/models"
)

// insertChunk bounds the rows per INSERT statement.
const insertChunk = 500

type PostgresStore struct {
	db bun.IDB
}

func NewPostgresStore(db *bun.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DeleteAll(ctx context.Context) error {
	if _, err := deleteAllQuery(s.db).Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete shelters: %w", err)
	}
	return nil
}

// SaveAll inserts every chunk inside one transaction, so a failed chunk
// leaves none of the rows behind.
func (s *PostgresStore) SaveAll(ctx context.Context, shelters []models.Shelter) ([]models.Shelter, error) {
	var saved []models.Shelter
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		saved, err = insertAll(ctx, tx, shelters)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// ReplaceAll deletes and inserts inside one transaction. Concurrent readers
// keep seeing the previous rows until commit.
func (s *PostgresStore) ReplaceAll(ctx context.Context, shelters []models.Shelter) ([]models.Shelter, error) {
	var saved []models.Shelter
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := deleteAllQuery(tx).Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete shelters: %w", err)
		}
		var err error
		saved, err = insertAll(ctx, tx, shelters)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *PostgresStore) FindAll(ctx context.Context) ([]models.Shelter, error) {
	shelters := []models.Shelter{}
	if err := selectShelters(s.db).Scan(ctx, &shelters); err != nil {
		return nil, fmt.Errorf("failed to query shelters: %w", err)
	}
	return shelters, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id int64) (*models.Shelter, error) {
	shelter := new(models.Shelter)
	err := s.db.NewSelect().Model(shelter).Where("s.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query shelter %d: %w", id, err)
	}
	return shelter, nil
}

func (s *PostgresStore) FindInBoundingBox(ctx context.Context, b geo.Bounds) ([]models.Shelter, error) {
	shelters := []models.Shelter{}
	if err := boundingBoxQuery(s.db, b).Scan(ctx, &shelters); err != nil {
		return nil, fmt.Errorf("failed to query shelters in bounding box: %w", err)
	}
	return shelters, nil
}

func (s *PostgresStore) FindByAddressSubstring(ctx context.Context, text string) ([]models.Shelter, error) {
	return s.findContaining(ctx, "address", text)
}

func (s *PostgresStore) FindByNameSubstring(ctx context.Context, text string) ([]models.Shelter, error) {
	return s.findContaining(ctx, "shelter_name", text)
}

func (s *PostgresStore) findContaining(ctx context.Context, column, text string) ([]models.Shelter, error) {
	shelters := []models.Shelter{}
	if err := containsQuery(s.db, column, text).Scan(ctx, &shelters); err != nil {
		return nil, fmt.Errorf("failed to search shelters by %s: %w", column, err)
	}
	return shelters, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	n, err := s.db.NewSelect().Model((*models.Shelter)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count shelters: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountByRegion(ctx context.Context, provinces []string) ([]models.RegionCount, error) {
	counts := []models.RegionCount{}
	if err := regionCountQuery(s.db, provinces).Scan(ctx, &counts); err != nil {
		return nil, fmt.Errorf("failed to count shelters by region: %w", err)
	}
	return counts, nil
}

// Query builders are split out so their SQL can be checked without a server.

func selectShelters(db bun.IDB) *bun.SelectQuery {
	return db.NewSelect().Model((*models.Shelter)(nil)).Order("s.id ASC")
}

func boundingBoxQuery(db bun.IDB, b geo.Bounds) *bun.SelectQuery {
	return selectShelters(db).
		Where("s.latitude IS NOT NULL AND s.longitude IS NOT NULL").
		Where("s.latitude BETWEEN ? AND ?", b.MinLat, b.MaxLat).
		Where("s.longitude BETWEEN ? AND ?", b.MinLng, b.MaxLng)
}

// containsQuery matches case-sensitively. strpos avoids LIKE so that % and
// _ in the keyword are literal.
func containsQuery(db bun.IDB, column, text string) *bun.SelectQuery {
	q := selectShelters(db)
	if text == "" {
		return q
	}
	return q.Where("strpos(?, ?) > 0", bun.Ident("s."+column), text)
}

func regionCountQuery(db bun.IDB, provinces []string) *bun.SelectQuery {
	q := db.NewSelect().
		Model((*models.Shelter)(nil)).
		ColumnExpr("s.province, s.city").
		ColumnExpr("count(*) AS count").
		GroupExpr("s.province, s.city").
		OrderExpr("s.province ASC, s.city ASC")

	if len(provinces) > 0 {
		lower := make([]string, len(provinces))
		for i, p := range provinces {
			lower[i] = strings.ToLower(p)
		}
		q = q.Where("LOWER(s.province) IN (?)", bun.In(lower))
	}
	return q
}

func deleteAllQuery(db bun.IDB) *bun.DeleteQuery {
	return db.NewDelete().Model((*models.Shelter)(nil)).Where("TRUE")
}

func insertAll(ctx context.Context, db bun.IDB, shelters []models.Shelter) ([]models.Shelter, error) {
	saved := make([]models.Shelter, len(shelters))
	copy(saved, shelters)
	for i := range saved {
		saved[i].ID = 0
	}

	for start := 0; start < len(saved); start += insertChunk {
		end := min(start+insertChunk, len(saved))
		chunk := saved[start:end]
		if _, err := db.NewInsert().Model(&chunk).Returning("id").Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to insert shelters %d-%d: %w", start, end, err)
		}
	}
	return saved, nil
}

// Package store persists shelter records and answers the lookups the
// query layer needs: by id, by bounding box and by text containment.
package store

import (
	"context"
	"errors"
	"fmt"

	"shelter-api/internal/geo"
	"shelter-api/internal/models"
)

// ErrNotFound is returned by FindByID when no row has the id.
var ErrNotFound = errors.New("shelter not found")

// Gateway is the storage contract. All list reads return rows in ascending
// id order, which is also insertion order.
type Gateway interface {
	DeleteAll(ctx context.Context) error
	// SaveAll appends the records, assigns ids and returns them. It is all
	// or nothing: on error none of the records are stored.
	SaveAll(ctx context.Context, shelters []models.Shelter) ([]models.Shelter, error)
	// ReplaceAll swaps the full contents in one step; readers see either
	// the old set or the new one.
	ReplaceAll(ctx context.Context, shelters []models.Shelter) ([]models.Shelter, error)
	FindAll(ctx context.Context) ([]models.Shelter, error)
	FindByID(ctx context.Context, id int64) (*models.Shelter, error)
	// FindInBoundingBox is inclusive on both axes and never returns rows
	// with a missing coordinate.
	FindInBoundingBox(ctx context.Context, b geo.Bounds) ([]models.Shelter, error)
	FindByAddressSubstring(ctx context.Context, text string) ([]models.Shelter, error)
	FindByNameSubstring(ctx context.Context, text string) ([]models.Shelter, error)
	Count(ctx context.Context) (int, error)
	// CountByRegion groups shelters by province and city, ordered by
	// both. A non-empty provinces list keeps only those provinces,
	// compared case-insensitively.
	CountByRegion(ctx context.Context, provinces []string) ([]models.RegionCount, error)
}

// Driver selects a Gateway implementation.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMemory   Driver = "memory"
)

// ParseDriver validates a STORE_DRIVER value.
func ParseDriver(s string) (Driver, error) {
	switch Driver(s) {
	case DriverPostgres, "":
		return DriverPostgres, nil
	case DriverMemory:
		return DriverMemory, nil
	}
	return "", fmt.Errorf("unknown store driver %q", s)
}

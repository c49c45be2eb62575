package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"shelter-api/internal/geo"
	"shelter-api/internal/models"
)

// MemoryStore keeps shelters in process. Rows are held in id order and
// every read hands out copies.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   []models.Shelter
	nextID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (s *MemoryStore) DeleteAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.rows = nil
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SaveAll(ctx context.Context, shelters []models.Shelter) ([]models.Shelter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(shelters), nil
}

func (s *MemoryStore) ReplaceAll(ctx context.Context, shelters []models.Shelter) ([]models.Shelter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = nil
	return s.appendLocked(shelters), nil
}

func (s *MemoryStore) appendLocked(shelters []models.Shelter) []models.Shelter {
	now := time.Now()
	saved := make([]models.Shelter, len(shelters))
	for i, sh := range shelters {
		sh = cloneShelter(sh)
		sh.ID = s.nextID
		s.nextID++
		if sh.CreatedAt.IsZero() {
			sh.CreatedAt = now
		}
		s.rows = append(s.rows, sh)
		saved[i] = cloneShelter(sh)
	}
	return saved
}

func (s *MemoryStore) FindAll(ctx context.Context) ([]models.Shelter, error) {
	return s.filter(ctx, func(*models.Shelter) bool { return true })
}

func (s *MemoryStore) FindByID(ctx context.Context, id int64) (*models.Shelter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.rows {
		if s.rows[i].ID == id {
			sh := cloneShelter(s.rows[i])
			return &sh, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindInBoundingBox(ctx context.Context, b geo.Bounds) ([]models.Shelter, error) {
	return s.filter(ctx, func(sh *models.Shelter) bool {
		if sh.Latitude == nil || sh.Longitude == nil {
			return false
		}
		return b.Contains(geo.Point{Lat: *sh.Latitude, Lng: *sh.Longitude})
	})
}

func (s *MemoryStore) FindByAddressSubstring(ctx context.Context, text string) ([]models.Shelter, error) {
	return s.filter(ctx, func(sh *models.Shelter) bool { return strings.Contains(sh.Address, text) })
}

func (s *MemoryStore) FindByNameSubstring(ctx context.Context, text string) ([]models.Shelter, error) {
	return s.filter(ctx, func(sh *models.Shelter) bool { return strings.Contains(sh.ShelterName, text) })
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows), nil
}

func (s *MemoryStore) filter(ctx context.Context, keep func(*models.Shelter) bool) ([]models.Shelter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Shelter{}
	for i := range s.rows {
		if keep(&s.rows[i]) {
			out = append(out, cloneShelter(s.rows[i]))
		}
	}
	return out, nil
}

func (s *MemoryStore) CountByRegion(ctx context.Context, provinces []string) ([]models.RegionCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type region struct{ province, city string }

	s.mu.RLock()
	counts := map[region]int{}
	for i := range s.rows {
		sh := &s.rows[i]
		if len(provinces) > 0 && !slices.ContainsFunc(provinces, func(p string) bool {
			return strings.EqualFold(p, sh.Province)
		}) {
			continue
		}
		counts[region{sh.Province, sh.City}]++
	}
	s.mu.RUnlock()

	out := make([]models.RegionCount, 0, len(counts))
	for r, n := range counts {
		out = append(out, models.RegionCount{Province: r.province, City: r.city, Count: n})
	}
	slices.SortFunc(out, func(a, b models.RegionCount) int {
		if c := strings.Compare(a.Province, b.Province); c != 0 {
			return c
		}
		return strings.Compare(a.City, b.City)
	})
	return out, nil
}

// cloneShelter copies the pointer fields so callers cannot mutate stored rows.
func cloneShelter(sh models.Shelter) models.Shelter {
	if sh.Latitude != nil {
		v := *sh.Latitude
		sh.Latitude = &v
	}
	if sh.Longitude != nil {
		v := *sh.Longitude
		sh.Longitude = &v
	}
	if sh.AccommodationCapacity != nil {
		v := *sh.AccommodationCapacity
		sh.AccommodationCapacity = &v
	}
	return sh
}

package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"shelter-api/internal/config"
	"shelter-api/internal/geo"
	"shelter-api/internal/ingest"
	"shelter-api/internal/metrics"
	"shelter-api/internal/models"
	"shelter-api/internal/store"
)

var (
	ErrNoRecords     = errors.New("no shelter records were fetched")
	ErrInvalidRadius = errors.New("radius must be a non-negative number")
	ErrInvalidPoint  = errors.New("query point is not a valid coordinate")
)

// ReinitMode decides what happens to stored rows while a reinitialize runs.
type ReinitMode string

const (
	// ReinitAtomic fetches first and swaps the rows in one transaction, so
	// a failed fetch leaves the previous data in place.
	ReinitAtomic ReinitMode = "atomic"
	// ReinitTruncate deletes every row before fetching.
	ReinitTruncate ReinitMode = "truncate"
)

// ParseReinitMode validates a REINIT_MODE value.
func ParseReinitMode(s string) (ReinitMode, error) {
	switch ReinitMode(s) {
	case ReinitAtomic, "":
		return ReinitAtomic, nil
	case ReinitTruncate:
		return ReinitTruncate, nil
	}
	return "", fmt.Errorf("unknown reinitialize mode %q", s)
}

// SearchKind names the text field a search matches against.
type SearchKind string

const (
	SearchAddress SearchKind = "address"
	SearchName    SearchKind = "name"
)

const DefaultNearestPrefilterKm = 50.0

// ShelterOptions tune the query and reinitialize behaviour.
type ShelterOptions struct {
	// NearestPrefilterKm bounds the candidate box for FindNearest. Zero
	// disables the prefilter and scans every stored row.
	NearestPrefilterKm float64
	ReinitMode         ReinitMode
}

// ReinitResult summarises one reinitialize run.
type ReinitResult struct {
	RunID         string        `json:"runId"`
	Count         int           `json:"count"`
	Complete      bool          `json:"complete"`
	TotalReported *int          `json:"totalReported,omitempty"`
	Pages         int           `json:"pages"`
	Dropped       int           `json:"dropped"`
	Duration      time.Duration `json:"duration"`
}

// ShelterService answers shelter queries and rebuilds the store.
type ShelterService struct {
	store    store.Gateway
	pipeline *ingest.Pipeline
	logr     *zap.Logger
	metrics  *metrics.Metrics
	opts     ShelterOptions

	reinitMu    sync.Mutex
	reinitGroup singleflight.Group
}

func NewShelterService(gw store.Gateway, p *ingest.Pipeline, logr *zap.Logger, m *metrics.Metrics, opts ShelterOptions) *ShelterService {
	if logr == nil {
		logr = zap.NewNop()
	}
	if opts.ReinitMode == "" {
		opts.ReinitMode = ReinitAtomic
	}
	if opts.NearestPrefilterKm < 0 || math.IsNaN(opts.NearestPrefilterKm) {
		opts.NearestPrefilterKm = DefaultNearestPrefilterKm
	}
	return &ShelterService{store: gw, pipeline: p, logr: logr, metrics: m, opts: opts}
}

// Reinitialize replaces the stored shelters with a fresh fetch of the
// configured source. Calls that arrive while a run is in flight wait for
// and share its result. The shared run uses the context of the call that
// started it: cancelling that context fails every waiting caller, and a
// joining caller's own context is not consulted.
func (s *ShelterService) Reinitialize(ctx context.Context) (ReinitResult, error) {
	v, err, shared := s.reinitGroup.Do("reinitialize", func() (any, error) {
		s.reinitMu.Lock()
		defer s.reinitMu.Unlock()
		return s.reinitialize(ctx)
	})
	if shared {
		s.logr.Info("reinitialize joined an in-flight run")
	}
	res, _ := v.(ReinitResult)
	return res, err
}

func (s *ShelterService) reinitialize(ctx context.Context) (ReinitResult, error) {
	if s.pipeline == nil {
		return ReinitResult{}, errors.New("no ingestion pipeline configured")
	}
	start := time.Now()
	res := ReinitResult{RunID: uuid.NewString()}
	logr := s.logr.With(
		zap.String("run_id", res.RunID),
		zap.String("source", s.pipeline.Source().Name()),
		zap.String("mode", string(s.opts.ReinitMode)))
	logr.Info("reinitialize started")

	if s.opts.ReinitMode == ReinitTruncate {
		if err := s.store.DeleteAll(ctx); err != nil {
			s.recordReinit("error")
			return res, fmt.Errorf("clear shelters: %w", err)
		}
	}

	fetched := s.pipeline.FetchAll(ctx)
	res.Complete = fetched.Complete
	res.TotalReported = fetched.TotalReported
	res.Pages = fetched.PagesFetched
	res.Dropped = fetched.Dropped

	if len(fetched.Records) == 0 {
		res.Duration = time.Since(start)
		s.recordReinit("empty")
		logr.Warn("reinitialize fetched nothing, store left as is",
			zap.Int("pages", fetched.PagesFetched),
			zap.Error(fetched.Err))
		if fetched.Err != nil {
			return res, fmt.Errorf("%w: %w", ErrNoRecords, fetched.Err)
		}
		return res, ErrNoRecords
	}

	var (
		saved []models.Shelter
		err   error
	)
	if s.opts.ReinitMode == ReinitTruncate {
		saved, err = s.store.SaveAll(ctx, fetched.Records)
	} else {
		saved, err = s.store.ReplaceAll(ctx, fetched.Records)
	}
	if err != nil {
		s.recordReinit("error")
		logr.Error("reinitialize failed to store shelters", zap.Error(err))
		return res, fmt.Errorf("store shelters: %w", err)
	}

	res.Count = len(saved)
	res.Duration = time.Since(start)
	outcome := "success"
	if !fetched.Complete {
		outcome = "partial"
		logr.Warn("reinitialize stored a partial fetch", zap.Error(fetched.Err))
	}
	s.recordReinit(outcome)
	if s.metrics != nil {
		s.metrics.StoredShelters.Set(float64(res.Count))
	}
	logr.Info("reinitialize finished",
		zap.Int("count", res.Count),
		zap.Int("dropped", res.Dropped),
		zap.Int("pages", res.Pages),
		zap.Bool("complete", res.Complete),
		zap.Duration("elapsed", res.Duration))
	return res, nil
}

// FindNearest returns up to limit shelters ordered by distance from p.
// Only shelters inside the prefilter box are considered, so a store with
// nothing nearby returns an empty slice.
func (s *ShelterService) FindNearest(ctx context.Context, p geo.Point, limit int) ([]models.ShelterResult, error) {
	if !p.Valid() {
		return nil, ErrInvalidPoint
	}
	s.recordQuery("nearest")
	if limit <= 0 {
		return []models.ShelterResult{}, nil
	}

	var (
		candidates []models.Shelter
		err        error
	)
	if s.opts.NearestPrefilterKm > 0 {
		candidates, err = s.store.FindInBoundingBox(ctx, geo.SearchBounds(p, s.opts.NearestPrefilterKm))
	} else {
		candidates, err = s.store.FindAll(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("find nearest candidates: %w", err)
	}
	s.recordCandidates(len(candidates))

	results := rankByDistance(p, candidates, math.Inf(1))
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// FindWithinRadius returns every shelter whose distance from p is at most
// radiusKm, nearest first.
func (s *ShelterService) FindWithinRadius(ctx context.Context, p geo.Point, radiusKm float64) ([]models.ShelterResult, error) {
	if !p.Valid() {
		return nil, ErrInvalidPoint
	}
	if radiusKm < 0 || math.IsNaN(radiusKm) {
		return nil, ErrInvalidRadius
	}
	s.recordQuery("radius")

	candidates, err := s.store.FindInBoundingBox(ctx, geo.SearchBounds(p, radiusKm))
	if err != nil {
		return nil, fmt.Errorf("find radius candidates: %w", err)
	}
	s.recordCandidates(len(candidates))
	return rankByDistance(p, candidates, radiusKm), nil
}

// SearchByField matches keyword as a case-sensitive substring of the
// field named by kind. Unknown kinds yield an empty result.
func (s *ShelterService) SearchByField(ctx context.Context, kind SearchKind, keyword string) ([]models.Shelter, error) {
	s.recordQuery("search")
	var (
		out []models.Shelter
		err error
	)
	switch kind {
	case SearchAddress:
		out, err = s.store.FindByAddressSubstring(ctx, keyword)
	case SearchName:
		out, err = s.store.FindByNameSubstring(ctx, keyword)
	default:
		return []models.Shelter{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("search shelters by %s: %w", kind, err)
	}
	return out, nil
}

func (s *ShelterService) FindAll(ctx context.Context) ([]models.Shelter, error) {
	return s.store.FindAll(ctx)
}

func (s *ShelterService) FindByID(ctx context.Context, id int64) (*models.Shelter, error) {
	return s.store.FindByID(ctx, id)
}

func (s *ShelterService) Count(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}

// RegionSummary counts stored shelters per province and city. Rows whose
// region is unknown are grouped under empty names.
func (s *ShelterService) RegionSummary(ctx context.Context, provinces []string) ([]models.RegionCount, error) {
	counts, err := s.store.CountByRegion(ctx, provinces)
	if err != nil {
		return nil, fmt.Errorf("region summary: %w", err)
	}
	return counts, nil
}

// rankByDistance keeps spatially valid candidates within maxKm and sorts
// them by distance. The sort is stable so equal distances keep storage
// order.
func rankByDistance(p geo.Point, candidates []models.Shelter, maxKm float64) []models.ShelterResult {
	results := make([]models.ShelterResult, 0, len(candidates))
	for _, c := range candidates {
		if !c.HasValidCoordinates() {
			continue
		}
		d := geo.Distance(p, c.Point())
		if d > maxKm {
			continue
		}
		results = append(results, models.ShelterResult{Shelter: c, DistanceKm: d})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].DistanceKm < results[j].DistanceKm
	})
	return results
}

func (s *ShelterService) recordReinit(outcome string) {
	if s.metrics != nil {
		s.metrics.Reinitialize.WithLabelValues(outcome).Inc()
	}
}

func (s *ShelterService) recordQuery(kind string) {
	if s.metrics != nil {
		s.metrics.Queries.WithLabelValues(kind).Inc()
	}
}

func (s *ShelterService) recordCandidates(n int) {
	if s.metrics != nil {
		s.metrics.QueryCandidates.Observe(float64(n))
	}
}

// NewShelterServiceFromConfig wires the store, source and pipeline the
// configuration selects. db may be nil when STORE_DRIVER=memory.
func NewShelterServiceFromConfig(cfg *config.Config, db *bun.DB, logr *zap.Logger, m *metrics.Metrics) (*ShelterService, error) {
	driver, err := store.ParseDriver(cfg.StoreDriver)
	if err != nil {
		return nil, err
	}
	var gw store.Gateway
	switch driver {
	case store.DriverMemory:
		gw = store.NewMemoryStore()
	default:
		if db == nil {
			return nil, errors.New("postgres store selected without a database handle")
		}
		gw = store.NewPostgresStore(db)
	}

	src, err := ingest.NewSource(ingest.SourceConfig{
		Kind:        ingest.SourceKind(cfg.ShelterSource),
		BaseURL:     cfg.ShelterAPIBaseURL,
		Endpoint:    cfg.ShelterAPIEndpoint,
		ServiceKey:  cfg.ShelterServiceKey,
		FixturePath: cfg.ShelterFixturePath,
		Timeout:     cfg.IngestPageTimeout,
		Logger:      logr,
	})
	if err != nil {
		return nil, fmt.Errorf("shelter source: %w", err)
	}

	mode, err := ParseReinitMode(cfg.ReinitMode)
	if err != nil {
		return nil, err
	}

	pipeline := ingest.New(src, ingest.NewNormalizer(src.Name(), logr, m), ingest.Options{
		PageSize:     cfg.IngestPageSize,
		MaxPages:     cfg.IngestMaxPages,
		PageTimeout:  cfg.IngestPageTimeout,
		PageInterval: cfg.IngestPageInterval,
	}, logr, m)

	return NewShelterService(gw, pipeline, logr, m, ShelterOptions{
		NearestPrefilterKm: cfg.NearestPrefilterKm,
		ReinitMode:         mode,
	}), nil
}

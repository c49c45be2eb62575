package services_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"shelter-api/internal/geo"
	"shelter-api/internal/ingest"
	"shelter-api/internal/metrics"
	"shelter-api/internal/models"
	"shelter-api/internal/services"
	"shelter-api/internal/store"
)

// --- fakes ---

type pagedSource struct {
	items      []ingest.RawItem
	total      *int
	failOnPage int
	calls      atomic.Int32
	gate       chan struct{} // when set, FetchPage waits on it
}

func (p *pagedSource) Name() string { return "paged" }

func (p *pagedSource) FetchPage(ctx context.Context, pageNo, numOfRows int) (ingest.Page, error) {
	p.calls.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ingest.Page{}, ctx.Err()
		}
	}
	if pageNo == p.failOnPage {
		return ingest.Page{}, errors.New("503 from upstream")
	}
	start := min((pageNo-1)*numOfRows, len(p.items))
	end := min(start+numOfRows, len(p.items))
	return ingest.Page{PageNo: pageNo, TotalCount: p.total, Items: p.items[start:end]}, nil
}

func rawItems(n int) []ingest.RawItem {
	items := make([]ingest.RawItem, n)
	for i := range items {
		items[i] = ingest.RawItem{
			Name:      fmt.Sprintf("대피소 %d", i+1),
			Address:   "서울특별시",
			Latitude:  fmt.Sprintf("%.5f", 37.5+float64(i)*0.001),
			Longitude: fmt.Sprintf("%.5f", 127.0+float64(i)*0.001),
		}
	}
	return items
}

func intp(v int) *int { return &v }
func fp(v float64) *float64 { return &v }
func nop() *zap.Logger { return zap.NewNop() }
func bg() context.Context { return context.Background() }
func at(lat, lng float64) geo.Point { return geo.Point{Lat: lat, Lng: lng} }

func newService(t *testing.T, src ingest.Source, gw store.Gateway, opts services.ShelterOptions) (*services.ShelterService, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewForTesting()
	var p *ingest.Pipeline
	if src != nil {
		n := ingest.NewNormalizer(src.Name(), nop(), m)
		p = ingest.New(src, n, ingest.Options{PageSize: 10, PageInterval: time.Millisecond}, nop(), m)
	}
	return services.NewShelterService(gw, p, nop(), m, opts), m
}

// offset returns a point roughly km kilometres north of p.
func offset(p geo.Point, km float64) geo.Point {
	return geo.Point{Lat: p.Lat + km/111.0, Lng: p.Lng}
}

// --- queries ---

func TestFindNearest_OrdersAndSkipsMissingCoordinates(t *testing.T) {
	origin := at(37.5665, 126.9780)
	a, b := offset(origin, 0.5), offset(origin, 5)

	gw := store.NewMemoryStore()
	_, err := gw.SaveAll(bg(), []models.Shelter{
		{ShelterName: "B", Latitude: fp(b.Lat), Longitude: fp(b.Lng)},
		{ShelterName: "C"},
		{ShelterName: "A", Latitude: fp(a.Lat), Longitude: fp(a.Lng)},
	})
	require.NoError(t, err)
	svc, _ := newService(t, nil, gw, services.ShelterOptions{})

	got, err := svc.FindNearest(bg(), origin, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].ShelterName)
	assert.Equal(t, "B", got[1].ShelterName)
	assert.InDelta(t, 0.5, got[0].DistanceKm, 0.01)
	assert.InDelta(t, 5, got[1].DistanceKm, 0.05)

	got, err = svc.FindNearest(bg(), origin, 10)
	require.NoError(t, err)
	assert.Len(t, got, 2, "C has no coordinates")
}

func TestFindNearest_LimitAndPrefilter(t *testing.T) {
	origin := at(37.5665, 126.9780)
	far := offset(origin, 200)
	gw := store.NewMemoryStore()
	_, err := gw.SaveAll(bg(), []models.Shelter{
		{ShelterName: "far", Latitude: fp(far.Lat), Longitude: fp(far.Lng)},
	})
	require.NoError(t, err)

	prefiltered, _ := newService(t, nil, gw, services.ShelterOptions{NearestPrefilterKm: 50})
	got, err := prefiltered.FindNearest(bg(), origin, 5)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	fullScan, _ := newService(t, nil, gw, services.ShelterOptions{NearestPrefilterKm: 0})
	got, err = fullScan.FindNearest(bg(), origin, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = fullScan.FindNearest(bg(), origin, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = fullScan.FindNearest(bg(), at(math.NaN(), 0), 5)
	require.ErrorIs(t, err, services.ErrInvalidPoint)
}

func TestFindNearest_TiesKeepStorageOrder(t *testing.T) {
	origin := at(35.0, 129.0)
	p := offset(origin, 1)
	gw := store.NewMemoryStore()
	_, err := gw.SaveAll(bg(), []models.Shelter{
		{ShelterName: "first", Latitude: fp(p.Lat), Longitude: fp(p.Lng)},
		{ShelterName: "second", Latitude: fp(p.Lat), Longitude: fp(p.Lng)},
	})
	require.NoError(t, err)
	svc, _ := newService(t, nil, gw, services.ShelterOptions{})

	got, err := svc.FindNearest(bg(), origin, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].ShelterName)
	assert.Equal(t, "second", got[1].ShelterName)
}

func TestFindWithinRadius_MatchesFullScan(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	gw := store.NewMemoryStore()
	var rows []models.Shelter
	for i := range 400 {
		rows = append(rows, models.Shelter{
			ShelterName: fmt.Sprintf("s%d", i),
			Latitude:    fp(33 + rng.Float64()*5),
			Longitude:   fp(125 + rng.Float64()*5),
		})
	}
	all, err := gw.SaveAll(bg(), rows)
	require.NoError(t, err)
	svc, m := newService(t, nil, gw, services.ShelterOptions{})

	for range 25 {
		center := at(33+rng.Float64()*5, 125+rng.Float64()*5)
		radius := rng.Float64() * 150

		got, err := svc.FindWithinRadius(bg(), center, radius)
		require.NoError(t, err)

		want := map[int64]bool{}
		for _, s := range all {
			if geo.Distance(center, s.Point()) <= radius {
				want[s.ID] = true
			}
		}
		gotIDs := map[int64]bool{}
		for i, r := range got {
			gotIDs[r.ID] = true
			if i > 0 {
				assert.LessOrEqual(t, got[i-1].DistanceKm, r.DistanceKm)
			}
		}
		assert.Equal(t, want, gotIDs, "radius %.2f km around %+v", radius, center)
	}
	assert.InDelta(t, 25, testutil.ToFloat64(m.Queries.WithLabelValues("radius")), 0)
}

func TestFindWithinRadius_InvalidInput(t *testing.T) {
	svc, _ := newService(t, nil, store.NewMemoryStore(), services.ShelterOptions{})

	_, err := svc.FindWithinRadius(bg(), at(37, 127), -1)
	require.ErrorIs(t, err, services.ErrInvalidRadius)
	_, err = svc.FindWithinRadius(bg(), at(37, 127), math.NaN())
	require.ErrorIs(t, err, services.ErrInvalidRadius)
	_, err = svc.FindWithinRadius(bg(), at(91, 127), 1)
	require.ErrorIs(t, err, services.ErrInvalidPoint)

	got, err := svc.FindWithinRadius(bg(), at(37, 127), 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchByField(t *testing.T) {
	gw := store.NewMemoryStore()
	_, err := gw.SaveAll(bg(), []models.Shelter{
		{ShelterName: "서울역", Address: "중구"},
		{ShelterName: "시청", Address: "중구 세종대로"},
		{ShelterName: "강남역 지하", Address: "강남구"},
		{ShelterName: "Station", Address: "station road"},
	})
	require.NoError(t, err)
	svc, _ := newService(t, nil, gw, services.ShelterOptions{})

	got, err := svc.SearchByField(bg(), services.SearchName, "역")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "서울역", got[0].ShelterName)
	assert.Equal(t, "강남역 지하", got[1].ShelterName)

	got, err = svc.SearchByField(bg(), services.SearchAddress, "중구")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = svc.SearchByField(bg(), services.SearchName, "station")
	require.NoError(t, err)
	assert.Empty(t, got, "matching is case-sensitive")

	got, err = svc.SearchByField(bg(), "phone", "02")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

// --- reinitialize ---

func TestReinitialize_PagesThroughTotal(t *testing.T) {
	src := &pagedSource{items: rawItems(23), total: intp(23)}
	gw := store.NewMemoryStore()
	svc, m := newService(t, src, gw, services.ShelterOptions{})

	res, err := svc.Reinitialize(bg())
	require.NoError(t, err)

	assert.Equal(t, int32(3), src.calls.Load())
	assert.Equal(t, 23, res.Count)
	assert.Equal(t, 3, res.Pages)
	assert.True(t, res.Complete)
	assert.NotEmpty(t, res.RunID)

	n, err := svc.Count(bg())
	require.NoError(t, err)
	assert.Equal(t, 23, n)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Reinitialize.WithLabelValues("success")), 0)
	assert.InDelta(t, 23, testutil.ToFloat64(m.StoredShelters), 0)
}

func TestReinitialize_ReplacesPreviousRows(t *testing.T) {
	src := &pagedSource{items: rawItems(5), total: intp(5)}
	gw := store.NewMemoryStore()
	_, err := gw.SaveAll(bg(), []models.Shelter{{ShelterName: "stale", Latitude: fp(1), Longitude: fp(1)}})
	require.NoError(t, err)
	svc, _ := newService(t, src, gw, services.ShelterOptions{})

	_, err = svc.Reinitialize(bg())
	require.NoError(t, err)

	stale, err := svc.SearchByField(bg(), services.SearchName, "stale")
	require.NoError(t, err)
	assert.Empty(t, stale)
	n, err := svc.Count(bg())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestReinitialize_NothingFetched(t *testing.T) {
	tests := []struct {
		name      string
		mode      services.ReinitMode
		wantCount int
	}{
		{"atomic keeps previous data", services.ReinitAtomic, 1},
		{"truncate leaves the store empty", services.ReinitTruncate, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &pagedSource{items: rawItems(10), total: intp(10), failOnPage: 1}
			gw := store.NewMemoryStore()
			_, err := gw.SaveAll(bg(), []models.Shelter{{ShelterName: "old", Latitude: fp(37), Longitude: fp(127)}})
			require.NoError(t, err)
			svc, m := newService(t, src, gw, services.ShelterOptions{ReinitMode: tt.mode})

			res, err := svc.Reinitialize(bg())
			require.ErrorIs(t, err, services.ErrNoRecords)
			assert.Contains(t, err.Error(), "503 from upstream")
			assert.False(t, res.Complete)
			assert.Zero(t, res.Count)

			n, err := svc.Count(bg())
			require.NoError(t, err)
			assert.Equal(t, tt.wantCount, n)
			assert.InDelta(t, 1, testutil.ToFloat64(m.Reinitialize.WithLabelValues("empty")), 0)
		})
	}
}

func TestReinitialize_PartialFetchIsStoredAndFlagged(t *testing.T) {
	src := &pagedSource{items: rawItems(30), total: intp(30), failOnPage: 3}
	gw := store.NewMemoryStore()
	svc, m := newService(t, src, gw, services.ShelterOptions{})

	res, err := svc.Reinitialize(bg())
	require.NoError(t, err)
	assert.False(t, res.Complete)
	assert.Equal(t, 20, res.Count)
	require.NotNil(t, res.TotalReported)
	assert.Equal(t, 30, *res.TotalReported)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Reinitialize.WithLabelValues("partial")), 0)
}

func TestReinitialize_ConcurrentCallsShareOneRun(t *testing.T) {
	gate := make(chan struct{})
	src := &pagedSource{items: rawItems(5), total: intp(5), gate: gate}
	svc, _ := newService(t, src, store.NewMemoryStore(), services.ShelterOptions{})

	var wg sync.WaitGroup
	results := make([]services.ReinitResult, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Reinitialize(bg())
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	// let every caller reach the in-flight run before the page completes
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	for _, r := range results {
		assert.Equal(t, results[0].RunID, r.RunID)
		assert.Equal(t, 5, r.Count)
	}
}

func TestReinitialize_JoinedCallerSharesStarterContext(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	src := &pagedSource{items: rawItems(5), total: intp(5), gate: gate}
	svc, _ := newService(t, src, store.NewMemoryStore(), services.ShelterOptions{})

	ctx, cancel := context.WithCancel(bg())
	errs := make(chan error, 2)
	go func() {
		_, err := svc.Reinitialize(ctx)
		errs <- err
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	go func() {
		_, err := svc.Reinitialize(bg())
		errs <- err
	}()
	// let the second caller join before the starter gives up
	time.Sleep(50 * time.Millisecond)
	cancel()

	for range 2 {
		err := <-errs
		require.ErrorIs(t, err, services.ErrNoRecords)
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestParseReinitMode(t *testing.T) {
	m, err := services.ParseReinitMode("")
	require.NoError(t, err)
	assert.Equal(t, services.ReinitAtomic, m)

	m, err = services.ParseReinitMode("truncate")
	require.NoError(t, err)
	assert.Equal(t, services.ReinitTruncate, m)

	_, err = services.ParseReinitMode("yolo")
	assert.Error(t, err)
}

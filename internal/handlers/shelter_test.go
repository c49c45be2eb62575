package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"shelter-api/internal/handlers"
	"shelter-api/internal/ingest"
	"shelter-api/internal/metrics"
	"shelter-api/internal/models"
	"shelter-api/internal/services"
	"shelter-api/internal/store"
)

type staticSource struct {
	items []ingest.RawItem
	err   error
}

func (s staticSource) Name() string { return "static" }

func (s staticSource) FetchPage(_ context.Context, pageNo, _ int) (ingest.Page, error) {
	if s.err != nil {
		return ingest.Page{}, s.err
	}
	if pageNo > 1 {
		return ingest.Page{PageNo: pageNo}, nil
	}
	total := len(s.items)
	return ingest.Page{PageNo: 1, TotalCount: &total, Items: s.items}, nil
}

func fp(v float64) *float64 { return &v }

func newRouter(t *testing.T, src ingest.Source, rows ...models.Shelter) (http.Handler, store.Gateway) {
	t.Helper()
	gw := store.NewMemoryStore()
	if len(rows) > 0 {
		_, err := gw.SaveAll(context.Background(), rows)
		require.NoError(t, err)
	}

	m := metrics.NewForTesting()
	var p *ingest.Pipeline
	if src != nil {
		p = ingest.New(src, ingest.NewNormalizer(src.Name(), nil, m),
			ingest.Options{PageSize: 100, PageTimeout: time.Second}, nil, m)
	}
	svc := services.NewShelterService(gw, p, zap.NewNop(), m, services.ShelterOptions{NearestPrefilterKm: 50})
	sh := handlers.NewShelterHandler(svc, zap.NewNop())
	ah := handlers.NewAdminHandler(svc, zap.NewNop())

	r := chi.NewRouter()
	r.Post("/admin/initialize", ah.Initialize)
	r.Post("/api/nearest-shelters", sh.FindNearest)
	r.Post("/api/shelters-in-radius", sh.FindWithinRadius)
	r.Get("/api/search", sh.Search)
	r.Get("/api/shelters", sh.List)
	r.Get("/api/shelters/count", sh.Count)
	r.Get("/api/regions", sh.Regions)
	r.Get("/api/shelter/{id}", sh.GetByID)
	return r, gw
}

func seoulRows() []models.Shelter {
	return []models.Shelter{
		{ShelterName: "시청역", Address: "서울특별시 중구 세종대로 110", Latitude: fp(37.5657), Longitude: fp(126.9769)},
		{ShelterName: "광화문 지하", Address: "서울특별시 종로구 세종대로 172", Latitude: fp(37.5716), Longitude: fp(126.9768)},
		{ShelterName: "좌표없음", Address: "서울특별시 중구"},
		{ShelterName: "부산역", Address: "부산광역시 동구 중앙대로 206", Latitude: fp(35.1151), Longitude: fp(129.0414)},
	}
}

func postForm(h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestFindNearest(t *testing.T) {
	h, _ := newRouter(t, nil, seoulRows()...)

	rec := postForm(h, "/api/nearest-shelters", url.Values{
		"latitude": {"37.5665"}, "longitude": {"126.9780"}, "limit": {"1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	got := decode[[]map[string]any](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, "시청역", got[0]["shelterName"])
	assert.Contains(t, got[0], "distanceFromUser")
	assert.Contains(t, got[0], "accommodationCapacity")
	assert.NotContains(t, got[0], "createdAt")
}

func TestFindNearest_DefaultLimitAndEmpty(t *testing.T) {
	h, _ := newRouter(t, nil, seoulRows()...)

	rec := postForm(h, "/api/nearest-shelters", url.Values{"latitude": {"37.5665"}, "longitude": {"126.9780"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.ShelterResult](t, rec), 2, "Busan is outside the prefilter box")

	// middle of the Pacific
	rec = postForm(h, "/api/nearest-shelters", url.Values{"latitude": {"10"}, "longitude": {"-150"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestFindNearest_BadParams(t *testing.T) {
	h, _ := newRouter(t, nil, seoulRows()...)

	tests := []url.Values{
		{"longitude": {"126.9"}},
		{"latitude": {"abc"}, "longitude": {"126.9"}},
		{"latitude": {"37.5"}, "longitude": {"126.9"}, "limit": {"ten"}},
		{"latitude": {"95"}, "longitude": {"126.9"}},
	}
	for _, form := range tests {
		rec := postForm(h, "/api/nearest-shelters", form)
		assert.Equal(t, http.StatusBadRequest, rec.Code, form.Encode())
		assert.Contains(t, decode[map[string]string](t, rec), "error")
	}
}

func TestFindWithinRadius(t *testing.T) {
	h, _ := newRouter(t, nil, seoulRows()...)

	rec := postForm(h, "/api/shelters-in-radius", url.Values{
		"latitude": {"37.5665"}, "longitude": {"126.9780"}, "radius": {"0.5"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]models.ShelterResult](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, "시청역", got[0].ShelterName)
	assert.Less(t, got[0].DistanceKm, 0.5)

	rec = postForm(h, "/api/shelters-in-radius", url.Values{
		"latitude": {"37.5665"}, "longitude": {"126.9780"}, "radius": {"400"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[[]models.ShelterResult](t, rec)
	require.Len(t, got, 3)
	assert.Equal(t, "부산역", got[2].ShelterName)

	rec = postForm(h, "/api/shelters-in-radius", url.Values{
		"latitude": {"37.5665"}, "longitude": {"126.9780"}, "radius": {"-1"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearch(t *testing.T) {
	h, _ := newRouter(t, nil, seoulRows()...)

	rec := get(h, "/api/search?type=name&keyword="+url.QueryEscape("역"))
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]models.Shelter](t, rec)
	require.Len(t, got, 2)
	assert.Equal(t, "시청역", got[0].ShelterName)
	assert.Equal(t, "부산역", got[1].ShelterName)

	rec = get(h, "/api/search?type=address&keyword="+url.QueryEscape("세종대로"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Shelter](t, rec), 2)

	rec = get(h, "/api/search?type=phone&keyword=02")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestSearch_KeywordMatchedAsSent(t *testing.T) {
	h, _ := newRouter(t, nil, seoulRows()...)

	rec := get(h, "/api/search?type=name&keyword="+url.QueryEscape(" 지하"))
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]models.Shelter](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, "광화문 지하", got[0].ShelterName)

	rec = get(h, "/api/search?type=name&keyword="+url.QueryEscape(" 시청역"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String(), "leading space is part of the keyword")
}

func TestListCountAndGet(t *testing.T) {
	h, _ := newRouter(t, nil, seoulRows()...)

	rec := get(h, "/api/shelters")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Shelter](t, rec), 4)

	rec = get(h, "/api/shelters/count")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":4}`, rec.Body.String())

	rec = get(h, "/api/shelter/2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "광화문 지하", decode[models.Shelter](t, rec).ShelterName)

	assert.Equal(t, http.StatusNotFound, get(h, "/api/shelter/99").Code)
	assert.Equal(t, http.StatusBadRequest, get(h, "/api/shelter/abc").Code)
}

func TestRegions(t *testing.T) {
	rows := seoulRows()
	rows[0].Province, rows[0].City = "서울특별시", "중구"
	rows[1].Province, rows[1].City = "서울특별시", "종로구"
	rows[2].Province, rows[2].City = "서울특별시", "중구"
	rows[3].Province, rows[3].City = "부산광역시", "동구"
	h, _ := newRouter(t, nil, rows...)

	rec := get(h, "/api/regions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[
		{"province":"부산광역시","city":"동구","count":1},
		{"province":"서울특별시","city":"종로구","count":1},
		{"province":"서울특별시","city":"중구","count":2}
	]`, rec.Body.String())

	rec = get(h, "/api/regions?provinces="+url.QueryEscape("부산광역시"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.RegionCount](t, rec), 1)

	rec = get(h, "/api/regions?provinces=nowhere")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestEmptyStoreListsEncodeAsArray(t *testing.T) {
	h, _ := newRouter(t, nil)

	rec := get(h, "/api/shelters")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestInitialize(t *testing.T) {
	src := staticSource{items: []ingest.RawItem{
		{Name: "a", Latitude: "37.1", Longitude: "127.1"},
		{Name: "b", Latitude: "0.0", Longitude: "127.2"},
		{Name: "c", Latitude: "37.3", Longitude: "127.3"},
	}}
	h, gw := newRouter(t, src)

	rec := postForm(h, "/admin/initialize", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "데이터 초기화가 완료되었습니다. (2건)", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Run-ID"))
	assert.Equal(t, "true", rec.Header().Get("X-Reinit-Complete"))

	n, err := gw.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestInitialize_Failure(t *testing.T) {
	h, gw := newRouter(t, staticSource{err: errors.New("upstream down")}, seoulRows()...)

	rec := postForm(h, "/admin/initialize", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "데이터 초기화 중 오류가 발생했습니다: "))
	assert.Contains(t, rec.Body.String(), "upstream down")

	n, err := gw.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n, "a failed fetch keeps the previous rows")
}

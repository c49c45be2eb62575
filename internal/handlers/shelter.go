package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"shelter-api/internal/geo"
	"shelter-api/internal/models"
	"shelter-api/internal/services"
	"shelter-api/internal/store"
	"shelter-api/internal/utils"
)

const defaultNearestLimit = 10

type ShelterHandler struct {
	service *services.ShelterService
	logr    *zap.Logger
}

func NewShelterHandler(svc *services.ShelterService, logr *zap.Logger) *ShelterHandler {
	return &ShelterHandler{service: svc, logr: logr}
}

// POST /api/nearest-shelters  latitude, longitude, limit
func (h *ShelterHandler) FindNearest(w http.ResponseWriter, r *http.Request) {
	p, err := pointParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := utils.OptionalInt(r, "limit", defaultNearestLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	results, err := h.service.FindNearest(r.Context(), p, limit)
	if err != nil {
		h.fail(w, "find nearest shelters", err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// POST /api/shelters-in-radius  latitude, longitude, radius (km)
func (h *ShelterHandler) FindWithinRadius(w http.ResponseWriter, r *http.Request) {
	p, err := pointParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	radius, err := utils.RequiredFloat(r, "radius")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	results, err := h.service.FindWithinRadius(r.Context(), p, radius)
	if err != nil {
		h.fail(w, "find shelters in radius", err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// GET /api/search?type=address|name&keyword=
//
// The keyword is matched as sent, untrimmed.
func (h *ShelterHandler) Search(w http.ResponseWriter, r *http.Request) {
	kind := services.SearchKind(utils.FormValue(r, "type"))
	keyword := r.FormValue("keyword")

	results, err := h.service.SearchByField(r.Context(), kind, keyword)
	if err != nil {
		h.fail(w, "search shelters", err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// GET /api/shelters
func (h *ShelterHandler) List(w http.ResponseWriter, r *http.Request) {
	results, err := h.service.FindAll(r.Context())
	if err != nil {
		h.fail(w, "list shelters", err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// GET /api/shelters/count
func (h *ShelterHandler) Count(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.Count(r.Context())
	if err != nil {
		h.fail(w, "count shelters", err)
		return
	}
	writeJSON(w, http.StatusOK, models.ShelterCount{Count: n})
}

// GET /api/regions?provinces=서울특별시,부산광역시
func (h *ShelterHandler) Regions(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.RegionSummary(r.Context(), utils.ParseQueryList(r.URL.Query(), "provinces"))
	if err != nil {
		h.fail(w, "region summary", err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// GET /api/shelter/{id}
func (h *ShelterHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("id must be an integer"))
		return
	}

	shelter, err := h.service.FindByID(r.Context(), id)
	if err != nil {
		h.fail(w, "get shelter", err)
		return
	}
	writeJSON(w, http.StatusOK, shelter)
}

func pointParam(r *http.Request) (geo.Point, error) {
	lat, err := utils.RequiredFloat(r, "latitude")
	if err != nil {
		return geo.Point{}, err
	}
	lng, err := utils.RequiredFloat(r, "longitude")
	if err != nil {
		return geo.Point{}, err
	}
	return geo.Point{Lat: lat, Lng: lng}, nil
}

// fail maps service errors onto status codes.
func (h *ShelterHandler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidPoint), errors.Is(err, services.ErrInvalidRadius):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		h.logr.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("internal server error"))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(data); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

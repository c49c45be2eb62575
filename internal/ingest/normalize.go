package ingest

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"shelter-api/internal/geo"
	"shelter-api/internal/metrics"
	"shelter-api/internal/models"
)

var (
	errNotFinite        = errors.New("value is not a finite number")
	errNegativeCapacity = errors.New("capacity is negative")
)

// Normalizer turns raw upstream items into shelter records.
type Normalizer struct {
	source  string
	logr    *zap.Logger
	metrics *metrics.Metrics
}

// NewNormalizer creates a Normalizer that tags records with the source name.
func NewNormalizer(source string, logr *zap.Logger, m *metrics.Metrics) *Normalizer {
	if logr == nil {
		logr = zap.NewNop()
	}
	return &Normalizer{source: source, logr: logr, metrics: m}
}

// Normalize converts one item. The boolean is false when the item must be
// dropped: missing coordinates, or either coordinate exactly 0.0. Unparsable
// numeric fields are left unset and never reject the record on their own.
func (n *Normalizer) Normalize(item RawItem) (models.Shelter, bool) {
	s := models.Shelter{
		ShelterName:      item.Name,
		Address:          item.Address,
		FacilityArea:     item.FacilityArea,
		ManagementAgency: item.ManagementAgency,
		ContactNumber:    item.ContactNumber,
		DesignationDate:  item.DesignationDate,
		Province:         item.Province,
		City:             item.City,
		Source:           n.source,
	}
	if strings.TrimSpace(s.Province) == "" {
		s.Province, s.City = regionFromAddress(s.Address)
	}

	s.Latitude = n.parseFloatField("latitude", item.Latitude, s.ShelterName)
	s.Longitude = n.parseFloatField("longitude", item.Longitude, s.ShelterName)
	s.AccommodationCapacity = n.parseCapacity(item.Capacity, s.ShelterName)

	if !geo.ValidCoordinates(s.Latitude, s.Longitude) {
		n.logr.Debug("dropping shelter without usable coordinates",
			zap.String("name", s.ShelterName),
			zap.String("latitude", item.Latitude),
			zap.String("longitude", item.Longitude))
		return models.Shelter{}, false
	}
	return s, true
}

func (n *Normalizer) parseFloatField(field, raw, name string) *float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
		err = errNotFinite
	}
	if err != nil {
		n.fieldError(field, raw, name, err)
		return nil
	}
	return &v
}

func (n *Normalizer) parseCapacity(raw, name string) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	// thousands separators and "120.0" both occur upstream
	raw = strings.ReplaceAll(raw, ",", "")
	v, err := strconv.Atoi(raw)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) {
			n.fieldError("accommodation_capacity", raw, name, err)
			return nil
		}
		v = int(f)
	}
	if v < 0 {
		n.fieldError("accommodation_capacity", raw, name, errNegativeCapacity)
		return nil
	}
	return &v
}

func (n *Normalizer) fieldError(field, raw, name string, err error) {
	n.logr.Warn("numeric field parse failed, leaving unset",
		zap.String("field", field),
		zap.String("value", raw),
		zap.String("name", name),
		zap.Error(err))
	if n.metrics != nil {
		n.metrics.FieldParseErrors.WithLabelValues(field).Inc()
	}
}

// regionFromAddress reads the province and city from the first two words
// of a Korean road or lot address ("부산광역시 동구 중앙대로 206").
func regionFromAddress(addr string) (province, city string) {
	fields := strings.Fields(addr)
	if len(fields) < 2 || addr == MissingPlaceholder {
		return "", ""
	}
	return fields[0], fields[1]
}

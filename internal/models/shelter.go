package models

import (
	"time"

	"github.com/uptrace/bun"

	"shelter-api/internal/geo"
)

// Shelter is a stored emergency-shelter record. Rows are written only by a
// full reinitialize and never updated in place.
type Shelter struct {
	bun.BaseModel `bun:"table:shelters,alias:s"`

	ID                    int64     `bun:"id,pk,autoincrement" json:"id"`
	ShelterName           string    `bun:"shelter_name" json:"shelterName"`
	Address               string    `bun:"address" json:"address"`
	Latitude              *float64  `bun:"latitude" json:"latitude"`
	Longitude             *float64  `bun:"longitude" json:"longitude"`
	FacilityArea          string    `bun:"facility_area" json:"facilityArea"`
	AccommodationCapacity *int      `bun:"accommodation_capacity" json:"accommodationCapacity"`
	ManagementAgency      string    `bun:"management_agency" json:"managementAgency"`
	ContactNumber         string    `bun:"contact_number" json:"contactNumber"`
	DesignationDate       string    `bun:"designation_date" json:"designationDate"`
	Province              string    `bun:"province" json:"province,omitempty"`
	City                  string    `bun:"city" json:"city,omitempty"`
	Source                string    `bun:"source" json:"source,omitempty"`
	CreatedAt             time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"-"`
}

// HasValidCoordinates reports whether the shelter can take part in
// spatial queries.
func (s *Shelter) HasValidCoordinates() bool {
	return geo.ValidCoordinates(s.Latitude, s.Longitude)
}

// Point returns the shelter location. Call only when HasValidCoordinates.
func (s *Shelter) Point() geo.Point {
	return geo.Point{Lat: *s.Latitude, Lng: *s.Longitude}
}

// ShelterResult annotates a shelter with its distance from a query point.
// The distance belongs to one query and is never written back.
type ShelterResult struct {
	Shelter
	DistanceKm float64 `json:"distanceFromUser"`
}

// ShelterCount is the count endpoint payload.
type ShelterCount struct {
	Count int `json:"count"`
}

// RegionCount is one row of the per-region summary.
type RegionCount struct {
	Province string `bun:"province" json:"province"`
	City     string `bun:"city" json:"city"`
	Count    int    `bun:"count" json:"count"`
}

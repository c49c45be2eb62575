package ingest

import (
	"bytes"
	"encoding/json"
	"strings"
)

// MissingPlaceholder fills text fields a source schema never carries.
const MissingPlaceholder = "정보없음"

// Page is one page of upstream input.
type Page struct {
	PageNo     int
	NumOfRows  int
	TotalCount *int // nil until the upstream reports it
	ResultCode string
	ResultMsg  string
	Items      []RawItem
}

// RawItem is a schema-neutral shelter item. Numeric fields are kept as the
// literal upstream text and parsed by the Normalizer.
type RawItem struct {
	Name             string
	Address          string
	Latitude         string
	Longitude        string
	Capacity         string
	FacilityArea     string
	ManagementAgency string
	ContactNumber    string
	DesignationDate  string
	Province         string
	City             string
}

// flexText decodes a JSON string, number or null into its text form.
// Upstream schemas disagree on whether coordinates are quoted.
type flexText string

func (f *flexText) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexText(s)
		return nil
	}
	// numbers, booleans and anything else keep their literal text; the
	// normalizer decides whether it parses
	*f = flexText(strings.TrimSpace(string(b)))
	return nil
}

func (f flexText) String() string { return string(f) }

// flexInt decodes an integer that may arrive quoted, e.g. totalCount.
type flexInt struct {
	Value int
	Set   bool
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var t flexText
	if err := t.UnmarshalJSON(b); err != nil {
		return err
	}
	s := strings.TrimSpace(t.String())
	if s == "" {
		*f = flexInt{}
		return nil
	}
	v, err := json.Number(s).Int64()
	if err != nil {
		return err
	}
	*f = flexInt{Value: int(v), Set: true}
	return nil
}

func (f flexInt) ptr() *int {
	if !f.Set {
		return nil
	}
	v := f.Value
	return &v
}

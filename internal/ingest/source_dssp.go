package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// dsspSource reads the compact disaster-safety dataset: short upper-case
// keys, native numeric coordinates and no agency/contact/area/date columns.
type dsspSource struct {
	client *apiClient
}

func newDSSPSource(cfg SourceConfig) (Source, error) {
	client, err := newAPIClient(string(SourceDSSP), cfg)
	if err != nil {
		return nil, err
	}
	return &dsspSource{client: client}, nil
}

func (s *dsspSource) Name() string { return string(SourceDSSP) }

func (s *dsspSource) FetchPage(ctx context.Context, pageNo, numOfRows int) (Page, error) {
	body, err := s.client.get(ctx, pageNo, numOfRows, url.Values{"returnType": {"json"}})
	if err != nil {
		return Page{}, err
	}
	return decodeDSSPPage(body)
}

func decodeDSSPPage(body []byte) (Page, error) {
	var resp dsspResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Page{}, fmt.Errorf("decode dssp response: %w", err)
	}

	h := resp.Header
	msg := h.ResultMsg
	if h.ErrorMsg != "" {
		msg = h.ErrorMsg
	}
	if err := checkResultCode(string(SourceDSSP), h.ResultCode, msg); err != nil {
		return Page{}, err
	}

	page := Page{
		PageNo:     resp.PageNo.Value,
		NumOfRows:  resp.NumOfRows.Value,
		TotalCount: resp.TotalCount.ptr(),
		ResultCode: h.ResultCode,
		ResultMsg:  h.ResultMsg,
		Items:      make([]RawItem, 0, len(resp.Body)),
	}
	for _, it := range resp.Body {
		page.Items = append(page.Items, it.raw())
	}
	return page, nil
}

type dsspResponse struct {
	Header struct {
		ResultMsg  string `json:"resultMsg"`
		ResultCode string `json:"resultCode"`
		ErrorMsg   string `json:"errorMsg"`
	} `json:"header"`
	NumOfRows  flexInt    `json:"numOfRows"`
	PageNo     flexInt    `json:"pageNo"`
	TotalCount flexInt    `json:"totalCount"`
	Body       []dsspItem `json:"body"`
}

type dsspItem struct {
	Latitude    flexText `json:"LA"`
	Longitude   flexText `json:"LO"`
	ShelterName flexText `json:"SHNT_PLACE_NM"`
	Address     flexText `json:"SHNT_PLACE_DTL_POSITION"`
	Capacity    flexText `json:"PSBL_NMPR"`
}

func (it dsspItem) raw() RawItem {
	return RawItem{
		Name:             it.ShelterName.String(),
		Address:          it.Address.String(),
		Latitude:         it.Latitude.String(),
		Longitude:        it.Longitude.String(),
		Capacity:         it.Capacity.String(),
		FacilityArea:     MissingPlaceholder,
		ManagementAgency: MissingPlaceholder,
		ContactNumber:    MissingPlaceholder,
		DesignationDate:  MissingPlaceholder,
	}
}

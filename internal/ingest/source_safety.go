package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// safetySource reads the data.go.kr shelter dataset, whose items use
// verbose lower-case keys and quote every numeric field.
type safetySource struct {
	client *apiClient
}

func newSafetySource(cfg SourceConfig) (Source, error) {
	client, err := newAPIClient(string(SourceSafety), cfg)
	if err != nil {
		return nil, err
	}
	return &safetySource{client: client}, nil
}

func (s *safetySource) Name() string { return string(SourceSafety) }

func (s *safetySource) FetchPage(ctx context.Context, pageNo, numOfRows int) (Page, error) {
	body, err := s.client.get(ctx, pageNo, numOfRows, url.Values{"type": {"json"}})
	if err != nil {
		return Page{}, err
	}
	return decodeSafetyPage(body)
}

func decodeSafetyPage(body []byte) (Page, error) {
	var resp safetyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Page{}, fmt.Errorf("decode safety response: %w", err)
	}

	h := resp.Response.Header
	if err := checkResultCode(string(SourceSafety), h.ResultCode, h.ResultMsg); err != nil {
		return Page{}, err
	}

	b := resp.Response.Body
	page := Page{
		PageNo:     b.PageNo.Value,
		NumOfRows:  b.NumOfRows.Value,
		TotalCount: b.TotalCount.ptr(),
		ResultCode: h.ResultCode,
		ResultMsg:  h.ResultMsg,
		Items:      make([]RawItem, 0, len(b.Items.Item)),
	}
	for _, it := range b.Items.Item {
		page.Items = append(page.Items, it.raw())
	}
	return page, nil
}

type safetyResponse struct {
	Response struct {
		Header struct {
			ResultCode string `json:"resultCode"`
			ResultMsg  string `json:"resultMsg"`
		} `json:"header"`
		Body struct {
			Items      safetyItems `json:"items"`
			NumOfRows  flexInt     `json:"numOfRows"`
			PageNo     flexInt     `json:"pageNo"`
			TotalCount flexInt     `json:"totalCount"`
		} `json:"body"`
	} `json:"response"`
}

// safetyItems accepts both {"item": [...]} and the empty-result "" the
// upstream sends when a page is past the end.
type safetyItems struct {
	Item []safetyItem `json:"item"`
}

func (s *safetyItems) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		*s = safetyItems{}
		return nil
	}
	type plain safetyItems
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = safetyItems(p)
	return nil
}

type safetyItem struct {
	Capacity         flexText `json:"vt_acmd_psbl_nmpr"`
	Address          flexText `json:"dtl_adres"`
	DesignationDate  flexText `json:"dsgntn_de"`
	ManagementAgency flexText `json:"mngnt_instt_nm"`
	ProvinceName     flexText `json:"ctprvn_nm"`
	CityName         flexText `json:"signgu_nm"`
	ShelterName      flexText `json:"shnt_nm"`
	Longitude        flexText `json:"xcnts"`
	Latitude         flexText `json:"ydnts"`
	FacilityArea     flexText `json:"fclty_ar"`
	ContactNumber    flexText `json:"cntct_no"`
}

func (it safetyItem) raw() RawItem {
	return RawItem{
		Name:             it.ShelterName.String(),
		Address:          it.Address.String(),
		Latitude:         it.Latitude.String(),
		Longitude:        it.Longitude.String(),
		Capacity:         it.Capacity.String(),
		FacilityArea:     it.FacilityArea.String(),
		ManagementAgency: it.ManagementAgency.String(),
		ContactNumber:    it.ContactNumber.String(),
		DesignationDate:  it.DesignationDate.String(),
		Province:         it.ProvinceName.String(),
		City:             it.CityName.String(),
	}
}

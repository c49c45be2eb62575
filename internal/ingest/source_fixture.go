package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// fixtureSource serves a local JSON file as if it were the paged upstream.
// The file holds a single array of items in the verbose schema.
type fixtureSource struct {
	path string

	once  sync.Once
	items []RawItem
	err   error
}

func newFixtureSource(cfg SourceConfig) (Source, error) {
	if cfg.FixturePath == "" {
		return nil, ErrMissingFixture
	}
	return &fixtureSource{path: cfg.FixturePath}, nil
}

func (s *fixtureSource) Name() string { return string(SourceFixture) }

func (s *fixtureSource) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.err = fmt.Errorf("read fixture: %w", err)
		return
	}
	var raw []safetyItem
	if err := json.Unmarshal(data, &raw); err != nil {
		s.err = fmt.Errorf("decode fixture %s: %w", s.path, err)
		return
	}
	s.items = make([]RawItem, 0, len(raw))
	for _, it := range raw {
		s.items = append(s.items, it.raw())
	}
}

func (s *fixtureSource) FetchPage(ctx context.Context, pageNo, numOfRows int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	s.once.Do(s.load)
	if s.err != nil {
		return Page{}, s.err
	}
	if pageNo < 1 || numOfRows < 1 {
		return Page{}, fmt.Errorf("fixture: invalid page %d/%d", pageNo, numOfRows)
	}

	total := len(s.items)
	start := (pageNo - 1) * numOfRows
	end := start + numOfRows
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	items := make([]RawItem, end-start)
	copy(items, s.items[start:end])
	return Page{
		PageNo:     pageNo,
		NumOfRows:  numOfRows,
		TotalCount: &total,
		ResultCode: "00",
		ResultMsg:  "NORMAL SERVICE.",
		Items:      items,
	}, nil
}

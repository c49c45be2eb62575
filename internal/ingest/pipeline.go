package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"shelter-api/internal/metrics"
	"shelter-api/internal/models"
)

// ErrMaxPages is set on a FetchResult that stopped at the page cap.
var ErrMaxPages = errors.New("ingest stopped at the configured page limit")

// Options tune the paging loop. Zero values fall back to defaults.
type Options struct {
	PageSize     int
	MaxPages     int // 0 means unlimited
	PageTimeout  time.Duration
	PageInterval time.Duration
}

const (
	DefaultPageSize     = 1000
	DefaultPageTimeout  = 30 * time.Second
	DefaultPageInterval = 100 * time.Millisecond
)

// FetchResult is what one full walk of a source produced.
type FetchResult struct {
	Records       []models.Shelter
	TotalReported *int
	ItemsSeen     int
	PagesFetched  int
	Dropped       int
	// Complete is true only when the walk ended because the source ran out
	// of items. Partial results after an error, a cancel or the page cap
	// are never complete.
	Complete bool
	Err      error
}

// Pipeline pages through a Source and normalizes every item.
type Pipeline struct {
	source     Source
	normalizer *Normalizer
	opts       Options
	logr       *zap.Logger
	metrics    *metrics.Metrics
}

// New creates a Pipeline.
func New(src Source, n *Normalizer, opts Options, logr *zap.Logger, m *metrics.Metrics) *Pipeline {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = DefaultPageTimeout
	}
	if opts.PageInterval < 0 {
		opts.PageInterval = 0
	}
	if logr == nil {
		logr = zap.NewNop()
	}
	return &Pipeline{source: src, normalizer: n, opts: opts, logr: logr, metrics: m}
}

// Source returns the source the pipeline reads from.
func (p *Pipeline) Source() Source { return p.source }

// FetchAll walks the source from page 1 until it is exhausted, a page
// fails, ctx is cancelled or the page cap is hit. It never returns an
// error directly; a failure is reported in FetchResult.Err together with
// whatever was accumulated before it.
func (p *Pipeline) FetchAll(ctx context.Context) FetchResult {
	var res FetchResult
	limiter := p.newLimiter()
	start := time.Now()

	for pageNo := 1; ; pageNo++ {
		if err := ctx.Err(); err != nil {
			res.Err = fmt.Errorf("ingest cancelled before page %d: %w", pageNo, err)
			break
		}
		if p.opts.MaxPages > 0 && pageNo > p.opts.MaxPages {
			res.Err = fmt.Errorf("%w (%d)", ErrMaxPages, p.opts.MaxPages)
			break
		}
		if pageNo > 1 && limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				res.Err = fmt.Errorf("ingest cancelled before page %d: %w", pageNo, err)
				break
			}
		}

		page, err := p.fetchPage(ctx, pageNo)
		if err != nil {
			p.logr.Error("shelter page fetch failed",
				zap.String("source", p.source.Name()),
				zap.Int("page", pageNo),
				zap.Int("accumulated", len(res.Records)),
				zap.Error(err))
			res.Err = fmt.Errorf("fetch page %d: %w", pageNo, err)
			break
		}
		res.PagesFetched++
		if page.TotalCount != nil {
			total := *page.TotalCount
			res.TotalReported = &total
		}

		accepted := p.consume(&res, page.Items)
		p.logr.Info("shelter page ingested",
			zap.String("source", p.source.Name()),
			zap.Int("page", pageNo),
			zap.Int("items", len(page.Items)),
			zap.Int("accepted", accepted),
			zap.Int("total_seen", res.ItemsSeen),
			zap.Intp("total_reported", res.TotalReported))

		if res.TotalReported != nil && res.ItemsSeen >= *res.TotalReported {
			res.Complete = true
			break
		}
		if len(page.Items) < p.opts.PageSize {
			res.Complete = true
			break
		}
	}

	p.logr.Info("shelter ingest finished",
		zap.String("source", p.source.Name()),
		zap.Int("pages", res.PagesFetched),
		zap.Int("records", len(res.Records)),
		zap.Int("dropped", res.Dropped),
		zap.Bool("complete", res.Complete),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(res.Err))
	return res
}

func (p *Pipeline) newLimiter() *rate.Limiter {
	if p.opts.PageInterval <= 0 {
		return nil
	}
	// burst 1 so the first Wait after page 1 already pays the interval
	l := rate.NewLimiter(rate.Every(p.opts.PageInterval), 1)
	l.Allow()
	return l
}

func (p *Pipeline) fetchPage(ctx context.Context, pageNo int) (Page, error) {
	pageCtx, cancel := context.WithTimeout(ctx, p.opts.PageTimeout)
	defer cancel()

	start := time.Now()
	page, err := p.source.FetchPage(pageCtx, pageNo, p.opts.PageSize)
	if p.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		p.metrics.PagesFetched.WithLabelValues(p.source.Name(), outcome).Inc()
		p.metrics.PageDuration.Observe(time.Since(start).Seconds())
	}
	return page, err
}

func (p *Pipeline) consume(res *FetchResult, items []RawItem) int {
	accepted := 0
	for _, item := range items {
		res.ItemsSeen++
		s, ok := p.normalizer.Normalize(item)
		if !ok {
			res.Dropped++
			if p.metrics != nil {
				p.metrics.RecordsDropped.Inc()
			}
			continue
		}
		res.Records = append(res.Records, s)
		accepted++
	}
	if p.metrics != nil {
		p.metrics.RecordsAccepted.Add(float64(accepted))
	}
	return accepted
}

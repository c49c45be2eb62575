package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Common errors
var (
	ErrUnknownSource     = errors.New("unknown shelter source")
	ErrMissingServiceKey = errors.New("SHELTER_API_SERVICE_KEY is required for live shelter sources")
	ErrMissingFixture    = errors.New("SHELTER_FIXTURE_PATH is required for the fixture source")
)

// maxResponseBytes caps a single upstream page body.
const maxResponseBytes = 10 << 20

// Source walks one upstream dataset page by page.
type Source interface {
	// Name identifies the source in logs, metrics and stored rows.
	Name() string

	// FetchPage returns page pageNo (1-based) of at most numOfRows items.
	FetchPage(ctx context.Context, pageNo, numOfRows int) (Page, error)
}

// SourceKind selects a Source implementation.
type SourceKind string

const (
	SourceSafety  SourceKind = "safety"
	SourceDSSP    SourceKind = "dssp"
	SourceFixture SourceKind = "fixture"
)

// SourceConfig holds what any Source constructor may need.
type SourceConfig struct {
	Kind        SourceKind
	BaseURL     string
	Endpoint    string
	ServiceKey  string
	FixturePath string
	Timeout     time.Duration
	Logger      *zap.Logger
}

var sourceRegistry = make(map[SourceKind]func(SourceConfig) (Source, error))

// RegisterSource makes a Source constructor available to NewSource.
func RegisterSource(kind SourceKind, constructor func(SourceConfig) (Source, error)) {
	sourceRegistry[kind] = constructor
}

// NewSource builds the Source selected by cfg.Kind.
func NewSource(cfg SourceConfig) (Source, error) {
	constructor, ok := sourceRegistry[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, cfg.Kind)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return constructor(cfg)
}

func init() {
	RegisterSource(SourceSafety, newSafetySource)
	RegisterSource(SourceDSSP, newDSSPSource)
	RegisterSource(SourceFixture, newFixtureSource)
}

// apiClient is the HTTP plumbing shared by the live sources.
type apiClient struct {
	name       string
	url        string
	serviceKey string
	httpClient *http.Client
	logr       *zap.Logger
}

func newAPIClient(name string, cfg SourceConfig) (*apiClient, error) {
	if cfg.ServiceKey == "" {
		return nil, ErrMissingServiceKey
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &apiClient{
		name:       name,
		url:        cfg.BaseURL + cfg.Endpoint,
		serviceKey: cfg.ServiceKey,
		httpClient: &http.Client{Timeout: timeout},
		logr:       cfg.Logger,
	}, nil
}

// get requests one page and returns the (size-capped) body.
func (c *apiClient) get(ctx context.Context, pageNo, numOfRows int, extra url.Values) ([]byte, error) {
	params := url.Values{}
	params.Set("serviceKey", c.serviceKey)
	params.Set("pageNo", strconv.Itoa(pageNo))
	params.Set("numOfRows", strconv.Itoa(numOfRows))
	for k, vs := range extra {
		for _, v := range vs {
			params.Add(k, v)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.logr.Debug("requesting shelter page",
		zap.String("source", c.name),
		zap.String("url", c.url),
		zap.Int("page", pageNo),
		zap.Int("rows", numOfRows))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s page %d request: %w", c.name, pageNo, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s page %d read body: %w", c.name, pageNo, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s API error: status %d: %s", c.name, resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

// checkResultCode treats anything but the documented success codes as a
// failed page.
func checkResultCode(source, code, msg string) error {
	switch code {
	case "", "0", "00":
		return nil
	}
	return fmt.Errorf("%s API result %s: %s", source, code, msg)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SourceConfig describes one configured price source.
type SourceConfig struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Endpoint string            `yaml:"endpoint"`
	APIKey   string            `yaml:"apiKey"`
	Prices   map[string]string `yaml:"prices"`
}

// Registry constructs sources from configuration.
type Registry struct {
	HTTPClient *http.Client
	Clock      func() time.Time
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}, Clock: time.Now}
}

// Build creates a source from cfg.
func (r *Registry) Build(cfg SourceConfig) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "static":
		return NewStaticSource(label(cfg.Name, "static"), cfg.Prices, r.clock())
	case "http":
		if strings.TrimSpace(cfg.Endpoint) == "" {
			return nil, fmt.Errorf("source %s: endpoint required", cfg.Name)
		}
		return &HTTPSource{name: label(cfg.Name, "http"), client: r.client(), endpoint: cfg.Endpoint, apiKey: cfg.APIKey}, nil
	default:
		return nil, fmt.Errorf("unknown oracle type %q", cfg.Type)
	}
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (r *Registry) clock() func() time.Time {
	if r.Clock != nil {
		return r.Clock
	}
	return time.Now
}

// StaticSource serves fixed prices stamped with the current time. It backs
// development setups and tests.
type StaticSource struct {
	name   string
	prices map[string]decimal.Decimal
	clock  func() time.Time
}

// NewStaticSource parses prices keyed by asset.
func NewStaticSource(name string, prices map[string]string, clock func() time.Time) (*StaticSource, error) {
	parsed := make(map[string]decimal.Decimal, len(prices))
	for asset, raw := range prices {
		price, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("source %s: price for %s: %w", name, asset, err)
		}
		parsed[normalize(asset)] = price
	}
	if clock == nil {
		clock = time.Now
	}
	return &StaticSource{name: name, prices: parsed, clock: clock}, nil
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Fetch(_ context.Context, asset string) (Quote, error) {
	price, ok := s.prices[normalize(asset)]
	if !ok {
		return Quote{}, fmt.Errorf("%s: no price for %s", s.name, normalize(asset))
	}
	return Quote{Price: price, Timestamp: s.clock()}, nil
}

// HTTPSource reads a JSON quote from an endpoint. The literal "{asset}" in the
// endpoint is replaced with the asset symbol.
type HTTPSource struct {
	name     string
	client   *http.Client
	endpoint string
	apiKey   string
}

type httpQuote struct {
	Price     decimal.Decimal `json:"price"`
	UpdatedAt int64           `json:"updatedAt"`
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Fetch(ctx context.Context, asset string) (Quote, error) {
	url := strings.ReplaceAll(s.endpoint, "{asset}", normalize(asset))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("%s: %w", s.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("%s: status %d: %s", s.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload httpQuote
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("%s: decode quote: %w", s.name, err)
	}
	if payload.UpdatedAt <= 0 {
		return Quote{}, fmt.Errorf("%s: quote missing updatedAt", s.name)
	}
	return Quote{Price: payload.Price, Timestamp: time.Unix(payload.UpdatedAt, 0).UTC()}, nil
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}

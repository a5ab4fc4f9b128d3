package oracle

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"lukechampine.com/blake3"

	"nhblend/native/lending"
	"nhblend/observability/metrics"
	"nhblend/services/oracle/storage"
)

// Quote is one price observation in USD per whole token.
type Quote struct {
	Price     decimal.Decimal
	Timestamp time.Time
}

// Source resolves a price quote for an asset.
type Source interface {
	Name() string
	Fetch(ctx context.Context, asset string) (Quote, error)
}

// Publisher receives each aggregated update.
type Publisher interface {
	PublishOracleUpdate(ctx context.Context, update Update) error
}

// Update is one aggregated price.
type Update struct {
	Asset         string
	Median        decimal.Decimal
	Feeders       []string
	ConfidenceBps uint64
	ProofID       string
	Time          time.Time
}

// Manager polls every source for every asset and publishes medians.
type Manager struct {
	logger    *slog.Logger
	storage   *storage.Storage
	sources   []Source
	assets    []string
	minFeeds  int
	maxAge    time.Duration
	interval  time.Duration
	publisher Publisher
	clock     func() time.Time
	metrics   *metrics.OracleMetrics
	once      sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithPublisher overrides the default publisher.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithMetrics records updates and rejected quotes.
func WithMetrics(m *metrics.OracleMetrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// New constructs a manager. A nil store disables sample persistence.
func New(store *storage.Storage, sources []Source, assets []string, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("at least one asset required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	mgr := &Manager{
		logger:    slog.Default(),
		storage:   store,
		sources:   append([]Source{}, sources...),
		interval:  interval,
		maxAge:    maxAge,
		minFeeds:  minFeeds,
		publisher: PublisherFunc(func(context.Context, Update) error { return nil }),
		clock:     time.Now,
	}
	for _, asset := range assets {
		if normalized := lending.NormalizeAsset(asset); normalized != "" {
			mgr.assets = append(mgr.assets, normalized)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	if mgr.publisher == nil {
		mgr.publisher = PublisherFunc(func(context.Context, Update) error { return nil })
	}
	return mgr, nil
}

// Run blocks, polling sources until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("oracle manager started", "sources", len(m.sources), "assets", m.assets)
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("oracle tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one aggregation cycle. Every asset is attempted; the first
// failure is returned.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	var first error
	for _, asset := range m.assets {
		if err := m.processAsset(ctx, asset); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Manager) processAsset(ctx context.Context, asset string) error {
	now := m.clock()
	quotes := make([]decimal.Decimal, 0, len(m.sources))
	feeders := make([]string, 0, len(m.sources))
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		quote, err := src.Fetch(ctx, asset)
		if err != nil {
			m.logger.Warn("oracle source failed", "source", src.Name(), "asset", asset, "error", err)
			m.metrics.RecordRejected(asset, "fetch")
			continue
		}
		if !quote.Price.IsPositive() {
			m.logger.Warn("oracle source returned invalid price", "source", src.Name(), "asset", asset)
			m.metrics.RecordRejected(asset, "invalid")
			continue
		}
		if quote.Timestamp.After(now.Add(5 * time.Second)) {
			m.logger.Warn("oracle source produced future timestamp", "source", src.Name(), "asset", asset)
			m.metrics.RecordRejected(asset, "future")
			continue
		}
		if quote.Timestamp.Before(now.Add(-m.maxAge)) {
			m.logger.Warn("oracle source quote expired", "source", src.Name(), "asset", asset)
			m.metrics.RecordRejected(asset, "stale")
			continue
		}
		feeders = append(feeders, src.Name())
		quotes = append(quotes, quote.Price)
		if m.storage != nil {
			sample := storage.Sample{Asset: asset, Source: src.Name(), Price: quote.Price.String(), ObservedAt: quote.Timestamp}
			if err := m.storage.RecordSample(ctx, sample, now); err != nil {
				m.logger.Warn("oracle record sample failed", "error", err)
			}
		}
	}
	if len(quotes) < m.minFeeds {
		return fmt.Errorf("insufficient oracle feeds for %s: %d of %d", asset, len(quotes), m.minFeeds)
	}
	median := computeMedian(quotes)
	update := Update{
		Asset:         asset,
		Median:        median,
		Feeders:       feeders,
		ConfidenceBps: uint64(len(feeders)) * lending.BasisPoints / uint64(len(m.sources)),
		ProofID:       proofID(asset, median, feeders, now),
		Time:          now,
	}
	if m.storage != nil {
		snap := storage.Snapshot{
			Asset:         asset,
			Median:        median.StringFixed(18),
			Feeders:       feeders,
			ConfidenceBps: update.ConfidenceBps,
			ProofID:       update.ProofID,
			ObservedAt:    now,
		}
		if err := m.storage.RecordSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("record snapshot: %w", err)
		}
	}
	if err := m.publisher.PublishOracleUpdate(ctx, update); err != nil {
		return fmt.Errorf("publish update: %w", err)
	}
	m.metrics.RecordUpdate(asset, len(feeders), now)
	return nil
}

func computeMedian(quotes []decimal.Decimal) decimal.Decimal {
	sorted := append([]decimal.Decimal{}, quotes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}

func proofID(asset string, median decimal.Decimal, feeders []string, ts time.Time) string {
	digest := blake3.New(32, nil)
	digest.Write([]byte(asset))
	digest.Write([]byte("|"))
	digest.Write([]byte(median.StringFixed(18)))
	digest.Write([]byte("|"))
	digest.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	sorted := append([]string{}, feeders...)
	sort.Strings(sorted)
	for _, f := range sorted {
		digest.Write([]byte(strings.ToLower(strings.TrimSpace(f))))
	}
	return hex.EncodeToString(digest.Sum(nil))
}

// PublisherFunc adapts ordinary functions to Publisher.
type PublisherFunc func(ctx context.Context, update Update) error

// PublishOracleUpdate implements Publisher.
func (f PublisherFunc) PublishOracleUpdate(ctx context.Context, update Update) error {
	if f == nil {
		return nil
	}
	return f(ctx, update)
}

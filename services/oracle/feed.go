package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"nhblend/native/lending"
)

// Feed holds the latest aggregated price per asset and serves them to the
// lending engine.
type Feed struct {
	mu     sync.RWMutex
	prices map[string]lending.PriceData
}

// NewFeed constructs an empty feed.
func NewFeed() *Feed {
	return &Feed{prices: make(map[string]lending.PriceData)}
}

// Set records price as the latest observation for asset.
func (f *Feed) Set(asset string, price *big.Int, updatedAt time.Time, confidenceBps uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[normalize(asset)] = lending.PriceData{
		Price:      new(big.Int).Set(price),
		UpdatedAt:  updatedAt.UTC(),
		Confidence: confidenceBps,
	}
}

// SetDecimal records a USD-per-token decimal price.
func (f *Feed) SetDecimal(asset string, price decimal.Decimal, updatedAt time.Time, confidenceBps uint64) error {
	scaled, err := ToPriceScale(price)
	if err != nil {
		return fmt.Errorf("%s: %w", asset, err)
	}
	f.Set(asset, scaled, updatedAt, confidenceBps)
	return nil
}

// GetPrice implements lending.PriceOracle.
func (f *Feed) GetPrice(_ context.Context, asset string) (lending.PriceData, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, ok := f.prices[normalize(asset)]
	if !ok {
		return lending.PriceData{}, fmt.Errorf("%w: %s", lending.ErrNoPrice, normalize(asset))
	}
	return lending.PriceData{Price: new(big.Int).Set(data.Price), UpdatedAt: data.UpdatedAt, Confidence: data.Confidence}, nil
}

// Assets lists the assets with a published price.
func (f *Feed) Assets() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.prices))
	for asset := range f.prices {
		out = append(out, asset)
	}
	return out
}

// PublishOracleUpdate implements Publisher by installing the update's median.
func (f *Feed) PublishOracleUpdate(_ context.Context, update Update) error {
	return f.SetDecimal(update.Asset, update.Median, update.Time, update.ConfidenceBps)
}

// ToPriceScale converts a decimal USD price into the engine's fixed-point
// representation, truncating beyond 18 decimal places.
func ToPriceScale(price decimal.Decimal) (*big.Int, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("price must be positive, got %s", price)
	}
	scaled := price.Shift(18).Truncate(0).BigInt()
	if scaled.Sign() <= 0 {
		return nil, fmt.Errorf("price %s below fixed-point resolution", price)
	}
	return scaled, nil
}

// FromPriceScale renders a fixed-point value as a decimal.
func FromPriceScale(value *big.Int) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -18)
}

func normalize(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

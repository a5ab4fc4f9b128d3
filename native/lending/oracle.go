package lending

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// PriceData is one oracle observation. Price is the USD value of one whole
// token scaled by PriceScale; Confidence is in basis points.
type PriceData struct {
	Price      *big.Int
	UpdatedAt  time.Time
	Confidence uint64
}

// PriceOracle supplies the latest USD valuation for an asset. Implementations
// return ErrNoPrice for assets they do not track.
type PriceOracle interface {
	GetPrice(ctx context.Context, asset string) (PriceData, error)
}

// price fetches and validates the latest price for asset.
func (e *Engine) price(ctx context.Context, now time.Time, asset string) (*big.Int, error) {
	data, err := e.oracle.GetPrice(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("price %s: %w", asset, err)
	}
	if !isPositive(data.Price) {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, asset)
	}
	if e.staleness > 0 {
		age := now.Sub(data.UpdatedAt)
		if age > e.staleness {
			return nil, fmt.Errorf("%w: %s is %s old", ErrPriceTooOld, asset, age.Truncate(time.Second))
		}
	}
	if e.minConfidenceBps > 0 && data.Confidence < e.minConfidenceBps {
		return nil, fmt.Errorf("%w: %s confidence %d", ErrLowConfidence, asset, data.Confidence)
	}
	return new(big.Int).Set(data.Price), nil
}

// valueOf converts an amount of asset into a USD valuation at PriceScale.
func (e *Engine) valueOf(ctx context.Context, now time.Time, asset string, amount *big.Int) (*big.Int, error) {
	price, err := e.price(ctx, now, asset)
	if err != nil {
		return nil, err
	}
	if !isPositive(amount) {
		return big.NewInt(0), nil
	}
	return mulDiv(amount, price, pow10(e.decimals(asset))), nil
}

// amountFor converts a USD valuation into a floor quantity of asset.
func (e *Engine) amountFor(ctx context.Context, now time.Time, asset string, value *big.Int) (*big.Int, error) {
	price, err := e.price(ctx, now, asset)
	if err != nil {
		return nil, err
	}
	return mulDiv(value, pow10(e.decimals(asset)), price), nil
}

func (e *Engine) decimals(asset string) uint8 {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	if cfg, ok := e.collateral[asset]; ok {
		return cfg.Decimals
	}
	if cfg, ok := e.markets[asset]; ok {
		return cfg.Decimals
	}
	return 0
}

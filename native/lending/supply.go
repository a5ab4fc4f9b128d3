package lending

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"nhblend/core/events"
)

// SupplyLiquidity moves amount of a market's asset from the caller into
// custody and mints supply shares against the pool.
func (e *Engine) SupplyLiquidity(ctx context.Context, auth AuthorizationContext, asset string, amount *big.Int) (*big.Int, error) {
	asset = NormalizeAsset(asset)
	var minted *big.Int
	err := e.update(ctx, "supply_liquidity", func(u *unit) error {
		provider, err := requireRole(auth, RoleSupplier)
		if err != nil {
			return err
		}
		if err := e.guard(ActionSupply); err != nil {
			return err
		}
		market, cfg, err := e.ensureMarket(u, asset)
		if err != nil {
			return err
		}
		if !cfg.Enabled {
			return fmt.Errorf("%w: %s", ErrMarketDisabled, asset)
		}
		if !isPositive(amount) {
			return ErrInvalidAmount
		}
		shares := new(big.Int).Set(amount)
		if isPositive(market.TotalSupplyShares) && isPositive(market.TotalSupplied) {
			shares = mulDiv(amount, market.TotalSupplyShares, market.TotalSupplied)
		}
		if shares.Sign() == 0 {
			return fmt.Errorf("%w: %s mints no shares", ErrInvalidAmount, amount)
		}
		held, err := loadSupplierShares(u.kv, asset, provider)
		if err != nil {
			return err
		}
		if err := e.bank.TransferIn(u.ctx, u.kv, asset, provider, amount); err != nil {
			return fmt.Errorf("supply transfer: %w", err)
		}
		if err := storeSupplierShares(u.kv, asset, provider, new(big.Int).Add(held, shares)); err != nil {
			return err
		}
		market.TotalSupplied = new(big.Int).Add(market.TotalSupplied, amount)
		market.TotalSupplyShares = new(big.Int).Add(market.TotalSupplyShares, shares)
		if err := e.refreshMarket(u, market, cfg); err != nil {
			return err
		}
		u.emit(events.LiquidityMoved{
			Provider:      provider,
			Asset:         asset,
			Amount:        cloneBig(amount),
			TotalSupplied: cloneBig(market.TotalSupplied),
		})
		minted = shares
		return nil
	})
	return minted, err
}

// WithdrawLiquidity returns amount of supplied liquidity to the caller,
// bounded by the caller's share of the pool and by unborrowed liquidity.
func (e *Engine) WithdrawLiquidity(ctx context.Context, auth AuthorizationContext, asset string, amount *big.Int) (*big.Int, error) {
	asset = NormalizeAsset(asset)
	var burned *big.Int
	err := e.update(ctx, "withdraw_liquidity", func(u *unit) error {
		provider, err := requireCaller(auth)
		if err != nil {
			return err
		}
		if err := e.guard(ActionSupply); err != nil {
			return err
		}
		market, cfg, err := e.ensureMarket(u, asset)
		if err != nil {
			return err
		}
		if !isPositive(amount) {
			return ErrInvalidAmount
		}
		held, err := loadSupplierShares(u.kv, asset, provider)
		if err != nil {
			return err
		}
		if !isPositive(market.TotalSupplyShares) || !isPositive(market.TotalSupplied) {
			return fmt.Errorf("%w: nothing supplied", ErrInsufficientShares)
		}
		shares := mulDivUp(amount, market.TotalSupplyShares, market.TotalSupplied)
		if shares.Cmp(held) > 0 {
			return fmt.Errorf("%w: needs %s shares, holds %s", ErrInsufficientShares, shares, held)
		}
		if amount.Cmp(market.AvailableSupply()) > 0 {
			return fmt.Errorf("%w: requested %s, available %s", ErrInsufficientLiquidity, amount, market.AvailableSupply())
		}
		if err := e.bank.TransferOut(u.ctx, u.kv, asset, provider, amount); err != nil {
			return fmt.Errorf("withdraw transfer: %w", err)
		}
		if err := storeSupplierShares(u.kv, asset, provider, new(big.Int).Sub(held, shares)); err != nil {
			return err
		}
		market.TotalSupplied = new(big.Int).Sub(market.TotalSupplied, amount)
		market.TotalSupplyShares = new(big.Int).Sub(market.TotalSupplyShares, shares)
		if err := e.refreshMarket(u, market, cfg); err != nil {
			return err
		}
		u.emit(events.LiquidityMoved{
			Withdrawal:    true,
			Provider:      provider,
			Asset:         asset,
			Amount:        cloneBig(amount),
			TotalSupplied: cloneBig(market.TotalSupplied),
		})
		burned = shares
		return nil
	})
	return burned, err
}

// WithdrawReserves pays protocol reserves of asset out to recipient.
func (e *Engine) WithdrawReserves(ctx context.Context, auth AuthorizationContext, asset string, amount *big.Int, recipient common.Address) (*MarketState, error) {
	asset = NormalizeAsset(asset)
	var out *MarketState
	err := e.update(ctx, "withdraw_reserves", func(u *unit) error {
		caller, err := requireRole(auth, RoleAdmin)
		if err != nil {
			return err
		}
		if recipient == (common.Address{}) {
			recipient = e.treasury
		}
		market, cfg, err := e.ensureMarket(u, asset)
		if err != nil {
			return err
		}
		if !isPositive(amount) {
			return ErrInvalidAmount
		}
		if amount.Cmp(market.TotalReserves) > 0 {
			return fmt.Errorf("%w: %s > %s", ErrInsufficientReserves, amount, market.TotalReserves)
		}
		if err := e.bank.TransferOut(u.ctx, u.kv, asset, recipient, amount); err != nil {
			return fmt.Errorf("reserve transfer: %w", err)
		}
		market.TotalReserves = new(big.Int).Sub(market.TotalReserves, amount)
		if err := e.refreshMarket(u, market, cfg); err != nil {
			return err
		}
		u.emit(events.ReservesWithdrawn{
			Asset:     asset,
			Recipient: recipient,
			Amount:    cloneBig(amount),
			Remaining: cloneBig(market.TotalReserves),
		})
		e.logger.Info("lending reserves withdrawn", "asset", asset, "amount", amount.String(), "recipient", recipient.Hex(), "caller", caller.Hex())
		out = market.Clone()
		return nil
	})
	return out, err
}

// SupplierBalance is a provider's stake in a market.
type SupplierBalance struct {
	Shares *big.Int
	Amount *big.Int
}

// GetSupplierBalance reports provider's shares and their current redemption
// value.
func (e *Engine) GetSupplierBalance(ctx context.Context, asset string, provider common.Address) (*SupplierBalance, error) {
	asset = NormalizeAsset(asset)
	var out *SupplierBalance
	err := e.view(ctx, func(u *unit) error {
		market, _, err := e.ensureMarket(u, asset)
		if err != nil {
			return err
		}
		shares, err := loadSupplierShares(u.kv, asset, provider)
		if err != nil {
			return err
		}
		out = &SupplierBalance{
			Shares: shares,
			Amount: mulDiv(shares, market.TotalSupplied, market.TotalSupplyShares),
		}
		return nil
	})
	return out, err
}

// GetMarketRates returns the market's accounting and its rates as of the last
// refresh.
func (e *Engine) GetMarketRates(ctx context.Context, asset string) (*MarketState, error) {
	asset = NormalizeAsset(asset)
	var out *MarketState
	err := e.view(ctx, func(u *unit) error {
		cfg, err := e.marketConfig(asset)
		if err != nil {
			return err
		}
		market, existed, err := loadMarket(u.kv, asset)
		if err != nil {
			return err
		}
		if !existed {
			market.ReserveFactorBps = cfg.Rate.ReserveFactorBps
			market.BorrowRateBps = cfg.Rate.BorrowRate(0)
		}
		out = market
		return nil
	})
	return out, err
}

// GetRateHistory returns the retained rate samples for asset, oldest first.
func (e *Engine) GetRateHistory(ctx context.Context, asset string) ([]RateSample, error) {
	asset = NormalizeAsset(asset)
	var out []RateSample
	err := e.view(ctx, func(u *unit) error {
		if _, err := e.marketConfig(asset); err != nil {
			return err
		}
		history, err := loadRateHistory(u.kv, asset, e.historySize)
		if err != nil {
			return err
		}
		out = history.Samples()
		return nil
	})
	return out, err
}

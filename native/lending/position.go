package lending

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"nhblend/core/events"
)

func validateBorrowAmount(cfg MarketConfig, amount, principalAfter *big.Int, opening bool) error {
	if !isPositive(amount) {
		return ErrInvalidAmount
	}
	if opening && cfg.MinBorrow != nil && amount.Cmp(cfg.MinBorrow) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrAmountBelowMinimum, amount, cfg.MinBorrow)
	}
	if isPositive(cfg.MaxBorrow) && principalAfter.Cmp(cfg.MaxBorrow) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrAmountAboveMaximum, principalAfter, cfg.MaxBorrow)
	}
	return nil
}

// checkCapacity ensures the market can fund amount.
func checkCapacity(market *MarketState, cfg MarketConfig, amount *big.Int) error {
	if amount.Cmp(market.AvailableSupply()) > 0 {
		return fmt.Errorf("%w: requested %s, available %s", ErrInsufficientLiquidity, amount, market.AvailableSupply())
	}
	if isPositive(cfg.BorrowCap) {
		projected := new(big.Int).Add(market.TotalBorrowed, amount)
		if projected.Cmp(cfg.BorrowCap) > 0 {
			return fmt.Errorf("%w: %s > %s", ErrBorrowCapExceeded, projected, cfg.BorrowCap)
		}
	}
	return nil
}

// disburse pays a borrow out of custody, skimming the origination fee to the
// treasury. It returns the fee.
func (e *Engine) disburse(u *unit, cfg MarketConfig, borrower common.Address, amount *big.Int) (*big.Int, error) {
	fee := applyBps(amount, cfg.OriginationFeeBps)
	net := new(big.Int).Sub(amount, fee)
	if net.Sign() > 0 {
		if err := e.bank.TransferOut(u.ctx, u.kv, cfg.Asset, borrower, net); err != nil {
			return nil, fmt.Errorf("borrow transfer: %w", err)
		}
	}
	if fee.Sign() > 0 {
		if err := e.bank.TransferOut(u.ctx, u.kv, cfg.Asset, e.treasury, fee); err != nil {
			return nil, fmt.Errorf("origination fee transfer: %w", err)
		}
	}
	return fee, nil
}

// ownedPosition loads a position the caller controls and that can still be
// mutated.
func (e *Engine) ownedPosition(u *unit, caller common.Address, id string) (*BorrowPosition, error) {
	position, err := loadPosition(u.kv, id)
	if err != nil {
		return nil, err
	}
	if position.Borrower != caller {
		return nil, fmt.Errorf("%w: %s", ErrNotBorrower, id)
	}
	if !position.Active {
		return nil, fmt.Errorf("%w: %s is %s", ErrPositionInactive, id, position.Status())
	}
	if position.InAuction {
		return nil, fmt.Errorf("%w: %s", ErrPositionQueued, id)
	}
	return position, nil
}

func positionEvent(kind string, p *BorrowPosition, amount *big.Int, ltv uint64) events.PositionChanged {
	return events.PositionChanged{
		Kind:            kind,
		PositionID:      p.ID,
		Borrower:        p.Borrower,
		BorrowAsset:     p.BorrowAsset,
		CollateralAsset: p.CollateralAsset,
		Amount:          cloneBig(amount),
		Principal:       cloneBig(p.Principal),
		AccruedInterest: cloneBig(p.AccruedInterest),
		Collateral:      cloneBig(p.CollateralAmount),
		LtvBps:          ltv,
	}
}

// CreatePosition opens a loan of borrowAmount backed by collateralAmount of
// the caller's already deposited collateral.
func (e *Engine) CreatePosition(ctx context.Context, auth AuthorizationContext, borrowAsset, collateralAsset string, borrowAmount, collateralAmount *big.Int) (*BorrowPosition, error) {
	borrowAsset = NormalizeAsset(borrowAsset)
	collateralAsset = NormalizeAsset(collateralAsset)
	var out *BorrowPosition
	err := e.update(ctx, "create_position", func(u *unit) error {
		caller, err := requireRole(auth, RoleBorrower)
		if err != nil {
			return err
		}
		if err := e.guard(ActionBorrow); err != nil {
			return err
		}
		if borrowAsset == collateralAsset {
			return ErrSameAsset
		}
		market, cfg, err := e.ensureMarket(u, borrowAsset)
		if err != nil {
			return err
		}
		if !cfg.Enabled {
			return fmt.Errorf("%w: %s", ErrMarketDisabled, borrowAsset)
		}
		collCfg, ok := e.collateralConfig(collateralAsset)
		if !ok || !collCfg.Enabled {
			return fmt.Errorf("%w: %s", ErrCollateralNotAccepted, collateralAsset)
		}
		if cfg.WhitelistRequired && !e.whitelisted(caller) {
			return fmt.Errorf("%w: %s", ErrNotWhitelisted, caller.Hex())
		}
		if err := validateBorrowAmount(cfg, borrowAmount, borrowAmount, true); err != nil {
			return err
		}
		if !isPositive(collateralAmount) {
			return ErrInvalidAmount
		}
		if err := checkCapacity(market, cfg, borrowAmount); err != nil {
			return err
		}

		borrowValue, err := e.valueOf(u.ctx, u.now, borrowAsset, borrowAmount)
		if err != nil {
			return err
		}
		collValue, err := e.valueOf(u.ctx, u.now, collateralAsset, collateralAmount)
		if err != nil {
			return err
		}
		if !withinLtv(borrowValue, collValue, collCfg.MaxLtvBps) {
			return fmt.Errorf("%w: %d bp > %d bp", ErrLTVExceeded, ltvBps(borrowValue, collValue), collCfg.MaxLtvBps)
		}

		if err := e.lock(u, caller, collateralAsset, collateralAmount); err != nil {
			return err
		}
		id, err := nextID(u.kv, "pos")
		if err != nil {
			return err
		}
		if _, err := e.disburse(u, cfg, caller, borrowAmount); err != nil {
			return err
		}

		position := &BorrowPosition{
			ID:                      id,
			Borrower:                caller,
			BorrowAsset:             borrowAsset,
			CollateralAsset:         collateralAsset,
			Principal:               cloneBig(borrowAmount),
			AccruedInterest:         big.NewInt(0),
			InterestRemainder:       big.NewInt(0),
			CollateralAmount:        cloneBig(collateralAmount),
			CreatedAt:               u.now,
			LastInterestUpdate:      u.now,
			LiquidationThresholdBps: collCfg.LiquidationThresholdBps,
			MaxLtvBps:               collCfg.MaxLtvBps,
			Active:                  true,
		}
		if err := storePosition(u.kv, position); err != nil {
			return err
		}
		if err := u.kv.KVAppend(accountPositionsKey(caller), []byte(id)); err != nil {
			return err
		}

		market.TotalBorrowed = new(big.Int).Add(market.TotalBorrowed, borrowAmount)
		market.ActivePositions++
		adjustLocked(market, collateralAsset, collateralAmount)
		if err := e.refreshMarket(u, market, cfg); err != nil {
			return err
		}

		ltv := ltvBps(borrowValue, collValue)
		u.emit(positionEvent(events.TypePositionOpened, position, borrowAmount, ltv))
		e.logger.Info("lending position opened",
			"position", id,
			"borrower", caller.Hex(),
			"borrowAsset", borrowAsset,
			"amount", borrowAmount.String(),
			"ltvBps", ltv)
		out = position.Clone()
		return nil
	})
	return out, err
}

// IncreaseBorrow draws extra on an existing position after re-checking the
// loan-to-value ratio against the new total debt.
func (e *Engine) IncreaseBorrow(ctx context.Context, auth AuthorizationContext, positionID string, extra *big.Int) (*BorrowPosition, error) {
	var out *BorrowPosition
	err := e.update(ctx, "increase_borrow", func(u *unit) error {
		caller, err := requireRole(auth, RoleBorrower)
		if err != nil {
			return err
		}
		if err := e.guard(ActionBorrow); err != nil {
			return err
		}
		position, err := e.ownedPosition(u, caller, positionID)
		if err != nil {
			return err
		}
		market, cfg, err := e.ensureMarket(u, position.BorrowAsset)
		if err != nil {
			return err
		}
		if !cfg.Enabled {
			return fmt.Errorf("%w: %s", ErrMarketDisabled, position.BorrowAsset)
		}
		if cfg.WhitelistRequired && !e.whitelisted(caller) {
			return fmt.Errorf("%w: %s", ErrNotWhitelisted, caller.Hex())
		}
		if !isPositive(extra) {
			return ErrInvalidAmount
		}
		e.accrue(u.now, position, market, cfg)
		if err := validateBorrowAmount(cfg, extra, new(big.Int).Add(position.Principal, extra), false); err != nil {
			return err
		}
		if err := checkCapacity(market, cfg, extra); err != nil {
			return err
		}

		newDebt := new(big.Int).Add(position.TotalDebt(), extra)
		debtValue, err := e.valueOf(u.ctx, u.now, position.BorrowAsset, newDebt)
		if err != nil {
			return err
		}
		collValue, err := e.valueOf(u.ctx, u.now, position.CollateralAsset, position.CollateralAmount)
		if err != nil {
			return err
		}
		if !withinLtv(debtValue, collValue, position.MaxLtvBps) {
			return fmt.Errorf("%w: %d bp > %d bp", ErrLTVExceeded, ltvBps(debtValue, collValue), position.MaxLtvBps)
		}

		if _, err := e.disburse(u, cfg, caller, extra); err != nil {
			return err
		}
		position.Principal = new(big.Int).Add(position.Principal, extra)
		if err := storePosition(u.kv, position); err != nil {
			return err
		}
		market.TotalBorrowed = new(big.Int).Add(market.TotalBorrowed, extra)
		if err := e.refreshMarket(u, market, cfg); err != nil {
			return err
		}
		u.emit(positionEvent(events.TypePositionBorrowIncreased, position, extra, ltvBps(debtValue, collValue)))
		out = position.Clone()
		return nil
	})
	return out, err
}

// AddCollateral locks extra free collateral behind a position. It only ever
// improves the loan-to-value ratio, so it never fails on it.
func (e *Engine) AddCollateral(ctx context.Context, auth AuthorizationContext, positionID string, extra *big.Int) (*BorrowPosition, error) {
	var out *BorrowPosition
	err := e.update(ctx, "add_collateral", func(u *unit) error {
		caller, err := requireCaller(auth)
		if err != nil {
			return err
		}
		if err := e.guard(ActionCollateral); err != nil {
			return err
		}
		position, err := e.ownedPosition(u, caller, positionID)
		if err != nil {
			return err
		}
		market, cfg, err := e.ensureMarket(u, position.BorrowAsset)
		if err != nil {
			return err
		}
		if !isPositive(extra) {
			return ErrInvalidAmount
		}
		e.accrue(u.now, position, market, cfg)
		if err := e.lock(u, caller, position.CollateralAsset, extra); err != nil {
			return err
		}
		position.CollateralAmount = new(big.Int).Add(position.CollateralAmount, extra)
		adjustLocked(market, position.CollateralAsset, extra)
		if err := storePosition(u.kv, position); err != nil {
			return err
		}
		if err := storeMarket(u.kv, market); err != nil {
			return err
		}
		var ltv uint64
		if h, err := e.health(u, position); err == nil {
			ltv = h.CurrentLtvBps
		}
		u.emit(positionEvent(events.TypePositionCollateralAdded, position, extra, ltv))
		out = position.Clone()
		return nil
	})
	return out, err
}

// Repay pays down accrued interest first and then principal. Paying the full
// outstanding debt closes the position and unlocks its collateral.
func (e *Engine) Repay(ctx context.Context, auth AuthorizationContext, positionID string, amount *big.Int) (*BorrowPosition, error) {
	var out *BorrowPosition
	err := e.update(ctx, "repay", func(u *unit) error {
		caller, err := requireCaller(auth)
		if err != nil {
			return err
		}
		if err := e.guard(ActionRepay); err != nil {
			return err
		}
		position, err := e.ownedPosition(u, caller, positionID)
		if err != nil {
			return err
		}
		market, cfg, err := e.ensureMarket(u, position.BorrowAsset)
		if err != nil {
			return err
		}
		if !isPositive(amount) {
			return ErrInvalidAmount
		}
		e.accrue(u.now, position, market, cfg)
		total := position.TotalDebt()
		if amount.Cmp(total) > 0 {
			return fmt.Errorf("%w: %s > %s", ErrRepayExceedsDebt, amount, total)
		}
		if err := e.bank.TransferIn(u.ctx, u.kv, position.BorrowAsset, caller, amount); err != nil {
			return fmt.Errorf("repay transfer: %w", err)
		}
		settleDebt(position, market, amount)
		closed := amount.Cmp(total) == 0
		if closed {
			if err := e.closePosition(u, position, market, false); err != nil {
				return err
			}
		}
		if err := storePosition(u.kv, position); err != nil {
			return err
		}
		if err := e.refreshMarket(u, market, cfg); err != nil {
			return err
		}
		u.emit(positionEvent(events.TypePositionRepaid, position, amount, 0))
		if closed {
			u.emit(positionEvent(events.TypePositionClosed, position, nil, 0))
			e.logger.Info("lending position repaid", "position", position.ID, "borrower", caller.Hex())
		}
		out = position.Clone()
		return nil
	})
	return out, err
}

// WithdrawPositionCollateral releases amount of a position's collateral back
// to the borrower provided the reduced collateral still satisfies the
// position's maximum loan-to-value ratio.
func (e *Engine) WithdrawPositionCollateral(ctx context.Context, auth AuthorizationContext, positionID string, amount *big.Int) (*BorrowPosition, error) {
	var out *BorrowPosition
	err := e.update(ctx, "withdraw_position_collateral", func(u *unit) error {
		caller, err := requireCaller(auth)
		if err != nil {
			return err
		}
		if err := e.guard(ActionCollateral); err != nil {
			return err
		}
		position, err := e.ownedPosition(u, caller, positionID)
		if err != nil {
			return err
		}
		market, cfg, err := e.ensureMarket(u, position.BorrowAsset)
		if err != nil {
			return err
		}
		if !isPositive(amount) {
			return ErrInvalidAmount
		}
		if amount.Cmp(position.CollateralAmount) > 0 {
			return fmt.Errorf("%w: %s > %s", ErrWithdrawExceedsLocked, amount, position.CollateralAmount)
		}
		e.accrue(u.now, position, market, cfg)

		remaining := new(big.Int).Sub(position.CollateralAmount, amount)
		var ltv uint64
		if remaining.Sign() == 0 {
			if position.TotalDebt().Sign() > 0 {
				return fmt.Errorf("%w: %s", ErrDebtOutstanding, position.TotalDebt())
			}
		} else {
			debtValue, err := e.valueOf(u.ctx, u.now, position.BorrowAsset, position.TotalDebt())
			if err != nil {
				return err
			}
			collValue, err := e.valueOf(u.ctx, u.now, position.CollateralAsset, remaining)
			if err != nil {
				return err
			}
			if !withinLtv(debtValue, collValue, position.MaxLtvBps) {
				return fmt.Errorf("%w: %d bp > %d bp", ErrLTVExceeded, ltvBps(debtValue, collValue), position.MaxLtvBps)
			}
			ltv = ltvBps(debtValue, collValue)
		}

		if err := e.unlock(u, caller, position.CollateralAsset, amount); err != nil {
			return err
		}
		if _, err := e.withdraw(u, caller, position.CollateralAsset, amount, caller); err != nil {
			return err
		}
		position.CollateralAmount = remaining
		adjustLocked(market, position.CollateralAsset, new(big.Int).Neg(amount))
		if err := storePosition(u.kv, position); err != nil {
			return err
		}
		if err := storeMarket(u.kv, market); err != nil {
			return err
		}
		u.emit(positionEvent(events.TypePositionCollateralRemoved, position, amount, ltv))
		out = position.Clone()
		return nil
	})
	return out, err
}

// GetPosition returns the position with interest projected to now.
func (e *Engine) GetPosition(ctx context.Context, positionID string) (*BorrowPosition, error) {
	var out *BorrowPosition
	err := e.view(ctx, func(u *unit) error {
		position, err := e.projectPosition(u, positionID)
		out = position
		return err
	})
	return out, err
}

// GetPositionHealth projects interest to now and values the position at
// current prices.
func (e *Engine) GetPositionHealth(ctx context.Context, positionID string) (*PositionHealth, error) {
	var out *PositionHealth
	err := e.view(ctx, func(u *unit) error {
		position, err := e.projectPosition(u, positionID)
		if err != nil {
			return err
		}
		out, err = e.health(u, position)
		return err
	})
	return out, err
}

// GetUserPositions lists the user's positions that borrow or are backed by
// asset. An empty asset returns every position.
func (e *Engine) GetUserPositions(ctx context.Context, user common.Address, asset string) ([]*BorrowPosition, error) {
	asset = NormalizeAsset(asset)
	var out []*BorrowPosition
	err := e.view(ctx, func(u *unit) error {
		var ids []string
		if err := u.kv.KVGetList(accountPositionsKey(user), &ids); err != nil {
			return err
		}
		out = make([]*BorrowPosition, 0, len(ids))
		for _, id := range ids {
			position, err := e.projectPosition(u, id)
			if err != nil {
				return err
			}
			if asset != "" && position.BorrowAsset != asset && position.CollateralAsset != asset {
				continue
			}
			out = append(out, position)
		}
		return nil
	})
	return out, err
}

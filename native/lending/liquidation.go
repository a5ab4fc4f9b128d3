package lending

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"nhblend/core/events"
)

// LiquidationResult reports what a liquidate call did. Auction is set only
// when the market queued the position for auction.
type LiquidationResult struct {
	Record  *LiquidationRecord
	Auction *AuctionState
}

// Liquidate unwinds an unsafe position, either by direct seizure or by
// queuing it behind a collateral auction depending on the market's mode.
func (e *Engine) Liquidate(ctx context.Context, auth AuthorizationContext, positionID string) (*LiquidationResult, error) {
	var out *LiquidationResult
	err := e.update(ctx, "liquidate", func(u *unit) error {
		caller, err := requireRole(auth, RoleLiquidator)
		if err != nil {
			return err
		}
		if err := e.guard(ActionLiquidate); err != nil {
			return err
		}
		position, err := loadPosition(u.kv, positionID)
		if err != nil {
			return err
		}
		if position.InAuction {
			return fmt.Errorf("%w: %s (%s)", ErrAlreadyLiquidating, positionID, position.LiquidationID)
		}
		if !position.Active {
			return fmt.Errorf("%w: %s is %s", ErrPositionInactive, positionID, position.Status())
		}
		market, cfg, err := e.ensureMarket(u, position.BorrowAsset)
		if err != nil {
			return err
		}
		e.accrue(u.now, position, market, cfg)
		health, err := e.health(u, position)
		if err != nil {
			return err
		}
		if !health.IsLiquidatable {
			return fmt.Errorf("%w: ltv %d bp below threshold %d bp", ErrNotLiquidatable, health.CurrentLtvBps, health.LiquidationThresholdBps)
		}

		switch cfg.Liquidation.Mode {
		case ModeAuction:
			out, err = e.openAuction(u, caller, position, health, cfg)
		default:
			out, err = e.liquidateDirect(u, caller, position, market, cfg)
		}
		return err
	})
	return out, err
}

func (e *Engine) liquidateDirect(u *unit, liquidator common.Address, position *BorrowPosition, market *MarketState, cfg MarketConfig) (*LiquidationResult, error) {
	liq := cfg.Liquidation
	total := position.TotalDebt()
	repay := new(big.Int).Set(total)
	if isPositive(liq.MaxLiquidationAmount) && repay.Cmp(liq.MaxLiquidationAmount) > 0 {
		repay = new(big.Int).Set(liq.MaxLiquidationAmount)
	}
	penalty := applyBps(repay, liq.PenaltyBps)
	claim := new(big.Int).Add(repay, penalty)

	claimValue, err := e.valueOf(u.ctx, u.now, position.BorrowAsset, claim)
	if err != nil {
		return nil, err
	}
	want, err := e.amountFor(u.ctx, u.now, position.CollateralAsset, claimValue)
	if err != nil {
		return nil, err
	}
	if want.Cmp(position.CollateralAmount) > 0 {
		want = new(big.Int).Set(position.CollateralAmount)
	}

	if err := e.bank.TransferIn(u.ctx, u.kv, position.BorrowAsset, liquidator, repay); err != nil {
		return nil, fmt.Errorf("liquidation repay transfer: %w", err)
	}
	seized, err := e.seize(u, position.Borrower, position.CollateralAsset, want, common.Address{})
	if err != nil {
		return nil, err
	}

	// Payout splits use the seized quantity, which may fall short of want.
	penaltySeized := mulDiv(seized, penalty, claim)
	reward := applyBps(penaltySeized, liq.LiquidatorShareBps)
	fee := new(big.Int).Sub(penaltySeized, reward)
	toLiquidator := new(big.Int).Sub(seized, fee)
	if toLiquidator.Sign() > 0 {
		if err := e.bank.TransferOut(u.ctx, u.kv, position.CollateralAsset, liquidator, toLiquidator); err != nil {
			return nil, fmt.Errorf("liquidator payout: %w", err)
		}
	}
	if fee.Sign() > 0 {
		if err := e.bank.TransferOut(u.ctx, u.kv, position.CollateralAsset, e.treasury, fee); err != nil {
			return nil, fmt.Errorf("protocol fee payout: %w", err)
		}
	}

	settleDebt(position, market, repay)
	position.CollateralAmount = new(big.Int).Sub(position.CollateralAmount, seized)
	adjustLocked(market, position.CollateralAsset, new(big.Int).Neg(seized))
	closed := repay.Cmp(total) == 0
	if closed {
		if err := e.closePosition(u, position, market, true); err != nil {
			return nil, err
		}
	}

	id, err := nextID(u.kv, "liq")
	if err != nil {
		return nil, err
	}
	record := &LiquidationRecord{
		ID:                id,
		PositionID:        position.ID,
		Borrower:          position.Borrower,
		Liquidator:        liquidator,
		BorrowAssetAmount: repay,
		CollateralSeized:  seized,
		LiquidatorReward:  reward,
		ProtocolFee:       fee,
		Timestamp:         u.now,
		Completed:         true,
	}
	position.LiquidationID = id
	if err := e.persistLiquidation(u, position, record); err != nil {
		return nil, err
	}
	if err := e.refreshMarket(u, market, cfg); err != nil {
		return nil, err
	}

	u.emit(events.LiquidationExecuted{
		LiquidationID:    id,
		PositionID:       position.ID,
		Borrower:         position.Borrower,
		Liquidator:       liquidator,
		Repaid:           cloneBig(repay),
		CollateralSeized: cloneBig(seized),
		LiquidatorReward: cloneBig(reward),
		ProtocolFee:      cloneBig(fee),
		Closed:           closed,
	})
	if closed {
		u.emit(positionEvent(events.TypePositionClosed, position, nil, 0))
	}
	e.logger.Info("lending position liquidated",
		"position", position.ID,
		"liquidation", id,
		"liquidator", liquidator.Hex(),
		"repaid", repay.String(),
		"seized", seized.String(),
		"closed", closed)
	return &LiquidationResult{Record: record}, nil
}

func (e *Engine) openAuction(u *unit, caller common.Address, position *BorrowPosition, health *PositionHealth, cfg MarketConfig) (*LiquidationResult, error) {
	auctionID, err := nextID(u.kv, "auc")
	if err != nil {
		return nil, err
	}
	recordID, err := nextID(u.kv, "liq")
	if err != nil {
		return nil, err
	}
	duration := time.Duration(cfg.Liquidation.AuctionDurationSeconds) * time.Second
	auction := &AuctionState{
		ID:               auctionID,
		PositionID:       position.ID,
		LiquidationID:    recordID,
		Borrower:         position.Borrower,
		BorrowAsset:      position.BorrowAsset,
		CollateralAsset:  position.CollateralAsset,
		DebtAmount:       position.TotalDebt(),
		CollateralAmount: cloneBig(position.CollateralAmount),
		StartPrice:       cloneBig(health.CollateralValue),
		CurrentPrice:     cloneBig(health.CollateralValue),
		StartTime:        u.now,
		EndTime:          u.now.Add(duration),
		HighestBid:       big.NewInt(0),
		Active:           true,
	}
	record := &LiquidationRecord{
		ID:                recordID,
		PositionID:        position.ID,
		Borrower:          position.Borrower,
		Liquidator:        caller,
		BorrowAssetAmount: cloneBig(auction.DebtAmount),
		CollateralSeized:  big.NewInt(0),
		LiquidatorReward:  big.NewInt(0),
		ProtocolFee:       big.NewInt(0),
		Timestamp:         u.now,
		IsAuction:         true,
		AuctionID:         auctionID,
	}
	position.InAuction = true
	position.LiquidationID = recordID
	position.AuctionID = auctionID
	if err := e.persistLiquidation(u, position, record); err != nil {
		return nil, err
	}
	if err := storeAuction(u.kv, auction); err != nil {
		return nil, err
	}

	u.emit(events.AuctionOpened{
		AuctionID:  auctionID,
		PositionID: position.ID,
		Debt:       cloneBig(auction.DebtAmount),
		Collateral: cloneBig(auction.CollateralAmount),
		StartPrice: cloneBig(auction.StartPrice),
		StartTime:  auction.StartTime.Unix(),
		EndTime:    auction.EndTime.Unix(),
	})
	e.logger.Info("lending auction opened",
		"position", position.ID,
		"auction", auctionID,
		"debt", auction.DebtAmount.String(),
		"endTime", auction.EndTime)
	return &LiquidationResult{Record: record, Auction: auction}, nil
}

func (e *Engine) persistLiquidation(u *unit, position *BorrowPosition, record *LiquidationRecord) error {
	if err := storePosition(u.kv, position); err != nil {
		return err
	}
	if err := storeLiquidation(u.kv, record); err != nil {
		return err
	}
	return u.kv.KVAppend(positionLiquidationsKey(position.ID), []byte(record.ID))
}

// GetLiquidationData returns a liquidation record.
func (e *Engine) GetLiquidationData(ctx context.Context, id string) (*LiquidationRecord, error) {
	var out *LiquidationRecord
	err := e.view(ctx, func(u *unit) error {
		record, err := loadLiquidation(u.kv, id)
		out = record
		return err
	})
	return out, err
}

// GetPositionLiquidations lists every liquidation record linked to a position.
func (e *Engine) GetPositionLiquidations(ctx context.Context, positionID string) ([]*LiquidationRecord, error) {
	var out []*LiquidationRecord
	err := e.view(ctx, func(u *unit) error {
		if _, err := loadPosition(u.kv, positionID); err != nil {
			return err
		}
		var ids []string
		if err := u.kv.KVGetList(positionLiquidationsKey(positionID), &ids); err != nil {
			return err
		}
		for _, id := range ids {
			record, err := loadLiquidation(u.kv, id)
			if err != nil {
				return err
			}
			out = append(out, record)
		}
		return nil
	})
	return out, err
}

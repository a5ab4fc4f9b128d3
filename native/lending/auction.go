package lending

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"nhblend/core/events"
)

// currentPrice decays the start price linearly to zero over the auction.
func currentPrice(a *AuctionState, now time.Time) *big.Int {
	if !isPositive(a.StartPrice) || !now.Before(a.EndTime) {
		return big.NewInt(0)
	}
	if !now.After(a.StartTime) {
		return new(big.Int).Set(a.StartPrice)
	}
	span := a.EndTime.Unix() - a.StartTime.Unix()
	if span <= 0 {
		return big.NewInt(0)
	}
	left := a.EndTime.Unix() - now.Unix()
	return mulDiv(a.StartPrice, big.NewInt(left), big.NewInt(span))
}

// PlaceBid records an ascending bid in the borrow asset. The bid must beat
// the current highest bid and cover the auctioned debt. The displaced bidder
// is refunded before the new bid is pulled into custody.
func (e *Engine) PlaceBid(ctx context.Context, auth AuthorizationContext, auctionID string, amount *big.Int) (*AuctionState, error) {
	var out *AuctionState
	err := e.update(ctx, "place_bid", func(u *unit) error {
		bidder, err := requireCaller(auth)
		if err != nil {
			return err
		}
		if err := e.guard(ActionLiquidate); err != nil {
			return err
		}
		auction, err := loadAuction(u.kv, auctionID)
		if err != nil {
			return err
		}
		if !auction.Active || !u.now.Before(auction.EndTime) {
			return fmt.Errorf("%w: %s", ErrAuctionClosed, auctionID)
		}
		if !isPositive(amount) {
			return ErrInvalidAmount
		}
		if amount.Cmp(auction.HighestBid) <= 0 {
			return fmt.Errorf("%w: %s <= %s", ErrBidTooLow, amount, auction.HighestBid)
		}
		if amount.Cmp(auction.DebtAmount) < 0 {
			return fmt.Errorf("%w: %s < %s", ErrBidBelowDebt, amount, auction.DebtAmount)
		}

		refunded := auction.HighestBidder
		refund := cloneBig(auction.HighestBid)
		if auction.HasBid() {
			if err := e.bank.TransferOut(u.ctx, u.kv, auction.BorrowAsset, refunded, refund); err != nil {
				return fmt.Errorf("bid refund: %w", err)
			}
		}
		if err := e.bank.TransferIn(u.ctx, u.kv, auction.BorrowAsset, bidder, amount); err != nil {
			return fmt.Errorf("bid transfer: %w", err)
		}
		auction.HighestBidder = bidder
		auction.HighestBid = cloneBig(amount)
		if err := storeAuction(u.kv, auction); err != nil {
			return err
		}
		u.emit(events.AuctionBid{
			AuctionID:      auctionID,
			Bidder:         bidder,
			Amount:         cloneBig(amount),
			RefundedBidder: refunded,
			Refunded:       refund,
		})
		auction.CurrentPrice = currentPrice(auction, u.now)
		out = auction
		return nil
	})
	return out, err
}

// FinalizeAuction settles an auction once its end time has passed. A winning
// bid repays the frozen debt, any surplus goes back to the borrower and the
// collateral goes to the winner. Without bids the whole collateral is seized
// to the treasury and the debt is written off as bad debt.
func (e *Engine) FinalizeAuction(ctx context.Context, auth AuthorizationContext, auctionID string) (*AuctionState, error) {
	var out *AuctionState
	err := e.update(ctx, "finalize_auction", func(u *unit) error {
		if _, err := requireCaller(auth); err != nil {
			return err
		}
		auction, err := loadAuction(u.kv, auctionID)
		if err != nil {
			return err
		}
		if !auction.Active {
			return fmt.Errorf("%w: %s", ErrAuctionClosed, auctionID)
		}
		if u.now.Before(auction.EndTime) {
			return fmt.Errorf("%w: %s ends at %s", ErrAuctionNotEnded, auctionID, auction.EndTime.Format(time.RFC3339))
		}
		position, err := loadPosition(u.kv, auction.PositionID)
		if err != nil {
			return err
		}
		record, err := loadLiquidation(u.kv, auction.LiquidationID)
		if err != nil {
			return err
		}
		market, cfg, err := e.ensureMarket(u, auction.BorrowAsset)
		if err != nil {
			return err
		}

		settled := events.AuctionSettled{
			AuctionID:  auction.ID,
			PositionID: position.ID,
			Debt:       cloneBig(auction.DebtAmount),
			Surplus:    big.NewInt(0),
		}
		var seized *big.Int
		if auction.HasBid() {
			settleDebt(position, market, auction.DebtAmount)
			surplus := new(big.Int).Sub(auction.HighestBid, auction.DebtAmount)
			if surplus.Sign() > 0 {
				if err := e.bank.TransferOut(u.ctx, u.kv, auction.BorrowAsset, position.Borrower, surplus); err != nil {
					return fmt.Errorf("auction surplus transfer: %w", err)
				}
				settled.Surplus = surplus
			}
			seized, err = e.seize(u, position.Borrower, auction.CollateralAsset, auction.CollateralAmount, auction.HighestBidder)
			if err != nil {
				return err
			}
			record.Liquidator = auction.HighestBidder
			settled.Winner = auction.HighestBidder
			settled.WinningBid = cloneBig(auction.HighestBid)
		} else {
			seized, err = e.seize(u, position.Borrower, auction.CollateralAsset, auction.CollateralAmount, e.treasury)
			if err != nil {
				return err
			}
			writeOff(position, market, auction.DebtAmount)
			record.ProtocolFee = cloneBig(seized)
			settled.Emergency = true
		}
		settled.Collateral = cloneBig(seized)

		position.CollateralAmount = new(big.Int).Sub(position.CollateralAmount, seized)
		if position.CollateralAmount.Sign() < 0 {
			position.CollateralAmount.SetInt64(0)
		}
		adjustLocked(market, position.CollateralAsset, new(big.Int).Neg(seized))
		if err := e.closePosition(u, position, market, true); err != nil {
			return err
		}
		record.CollateralSeized = cloneBig(seized)
		record.Completed = true
		auction.Active = false
		auction.Completed = true

		if err := storePosition(u.kv, position); err != nil {
			return err
		}
		if err := storeLiquidation(u.kv, record); err != nil {
			return err
		}
		if err := storeAuction(u.kv, auction); err != nil {
			return err
		}
		if err := e.refreshMarket(u, market, cfg); err != nil {
			return err
		}
		u.emit(settled)
		u.emit(positionEvent(events.TypePositionClosed, position, nil, 0))
		if settled.Emergency {
			e.logger.Warn("lending emergency liquidation",
				"auction", auction.ID,
				"position", position.ID,
				"collateral", seized.String(),
				"badDebt", auction.DebtAmount.String())
		} else {
			e.logger.Info("lending auction finalized",
				"auction", auction.ID,
				"position", position.ID,
				"winner", auction.HighestBidder.Hex(),
				"bid", auction.HighestBid.String())
		}
		auction.CurrentPrice = big.NewInt(0)
		out = auction
		return nil
	})
	return out, err
}

// writeOff clears an unrecoverable debt. The lost principal is absorbed by
// reserves first and then by suppliers; the whole frozen debt is booked as
// bad debt.
func writeOff(position *BorrowPosition, market *MarketState, debt *big.Int) {
	loss := cloneBig(position.Principal)
	market.BadDebt = new(big.Int).Add(cloneBig(market.BadDebt), debt)
	market.TotalBorrowed = new(big.Int).Sub(cloneBig(market.TotalBorrowed), loss)
	if market.TotalBorrowed.Sign() < 0 {
		market.TotalBorrowed.SetInt64(0)
	}
	fromReserves := minBig(loss, cloneBig(market.TotalReserves))
	market.TotalReserves = new(big.Int).Sub(cloneBig(market.TotalReserves), fromReserves)
	rest := new(big.Int).Sub(loss, fromReserves)
	market.TotalSupplied = new(big.Int).Sub(cloneBig(market.TotalSupplied), rest)
	if market.TotalSupplied.Sign() < 0 {
		market.TotalSupplied.SetInt64(0)
	}
	position.Principal = big.NewInt(0)
	position.AccruedInterest = big.NewInt(0)
}

// GetAuctionData returns the auction with its informational price decayed to
// now.
func (e *Engine) GetAuctionData(ctx context.Context, id string) (*AuctionState, error) {
	var out *AuctionState
	err := e.view(ctx, func(u *unit) error {
		auction, err := loadAuction(u.kv, id)
		if err != nil {
			return err
		}
		if auction.Active {
			auction.CurrentPrice = currentPrice(auction, u.now)
		} else {
			auction.CurrentPrice = big.NewInt(0)
		}
		out = auction
		return nil
	})
	return out, err
}

package events

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	TypeCollateralDeposited       = "collateral.deposited"
	TypeCollateralWithdrawn       = "collateral.withdrawn"
	TypeLiquiditySupplied         = "liquidity.supplied"
	TypeLiquidityWithdrawn        = "liquidity.withdrawn"
	TypePositionOpened            = "position.opened"
	TypePositionBorrowIncreased   = "position.borrow_increased"
	TypePositionCollateralAdded   = "position.collateral_added"
	TypePositionCollateralRemoved = "position.collateral_withdrawn"
	TypePositionRepaid            = "position.repaid"
	TypePositionClosed            = "position.closed"
	TypeLiquidationExecuted       = "liquidation.executed"
	TypeAuctionOpened             = "auction.opened"
	TypeAuctionBid                = "auction.bid"
	TypeAuctionFinalized          = "auction.finalized"
	TypeAuctionEmergency          = "auction.emergency"
	TypeMarketRates               = "market.rates"
	TypeReservesWithdrawn         = "reserves.withdrawn"
	TypeConfigUpdated             = "config.updated"
)

// CollateralMoved covers both collateral deposits and withdrawals.
type CollateralMoved struct {
	Withdrawal bool
	Owner      common.Address
	Asset      string
	Amount     *big.Int
	Deposited  *big.Int
	Locked     *big.Int
}

func (e CollateralMoved) EventType() string {
	if e.Withdrawal {
		return TypeCollateralWithdrawn
	}
	return TypeCollateralDeposited
}

func (e CollateralMoved) Event() *Record {
	return &Record{
		Type: e.EventType(),
		Attributes: map[string]string{
			"owner":     addressString(e.Owner),
			"asset":     normalizeAsset(e.Asset),
			"amount":    amountString(e.Amount),
			"deposited": amountString(e.Deposited),
			"locked":    amountString(e.Locked),
		},
	}
}

// LiquidityMoved covers supply and withdrawal of borrowable liquidity.
type LiquidityMoved struct {
	Withdrawal    bool
	Provider      common.Address
	Asset         string
	Amount        *big.Int
	TotalSupplied *big.Int
}

func (e LiquidityMoved) EventType() string {
	if e.Withdrawal {
		return TypeLiquidityWithdrawn
	}
	return TypeLiquiditySupplied
}

func (e LiquidityMoved) Event() *Record {
	return &Record{
		Type: e.EventType(),
		Attributes: map[string]string{
			"provider":      addressString(e.Provider),
			"asset":         normalizeAsset(e.Asset),
			"amount":        amountString(e.Amount),
			"totalSupplied": amountString(e.TotalSupplied),
		},
	}
}

// PositionChanged is emitted for every mutation of a borrow position. Kind
// selects the concrete event type.
type PositionChanged struct {
	Kind            string
	PositionID      string
	Borrower        common.Address
	BorrowAsset     string
	CollateralAsset string
	Amount          *big.Int
	Principal       *big.Int
	AccruedInterest *big.Int
	Collateral      *big.Int
	LtvBps          uint64
}

func (e PositionChanged) EventType() string { return e.Kind }

func (e PositionChanged) Event() *Record {
	return &Record{
		Type: e.Kind,
		Attributes: map[string]string{
			"positionId":      strings.TrimSpace(e.PositionID),
			"borrower":        addressString(e.Borrower),
			"borrowAsset":     normalizeAsset(e.BorrowAsset),
			"collateralAsset": normalizeAsset(e.CollateralAsset),
			"amount":          amountString(e.Amount),
			"principal":       amountString(e.Principal),
			"accruedInterest": amountString(e.AccruedInterest),
			"collateral":      amountString(e.Collateral),
			"ltvBps":          uintString(e.LtvBps),
		},
	}
}

// LiquidationExecuted reports a completed direct liquidation.
type LiquidationExecuted struct {
	LiquidationID    string
	PositionID       string
	Borrower         common.Address
	Liquidator       common.Address
	Repaid           *big.Int
	CollateralSeized *big.Int
	LiquidatorReward *big.Int
	ProtocolFee      *big.Int
	Closed           bool
}

func (LiquidationExecuted) EventType() string { return TypeLiquidationExecuted }

func (e LiquidationExecuted) Event() *Record {
	return &Record{
		Type: TypeLiquidationExecuted,
		Attributes: map[string]string{
			"liquidationId":    e.LiquidationID,
			"positionId":       e.PositionID,
			"borrower":         addressString(e.Borrower),
			"liquidator":       addressString(e.Liquidator),
			"repaid":           amountString(e.Repaid),
			"collateralSeized": amountString(e.CollateralSeized),
			"liquidatorReward": amountString(e.LiquidatorReward),
			"protocolFee":      amountString(e.ProtocolFee),
			"closed":           strconv.FormatBool(e.Closed),
		},
	}
}

// AuctionOpened reports a position queued for auction.
type AuctionOpened struct {
	AuctionID  string
	PositionID string
	Debt       *big.Int
	Collateral *big.Int
	StartPrice *big.Int
	StartTime  int64
	EndTime    int64
}

func (AuctionOpened) EventType() string { return TypeAuctionOpened }

func (e AuctionOpened) Event() *Record {
	return &Record{
		Type: TypeAuctionOpened,
		Attributes: map[string]string{
			"auctionId":  e.AuctionID,
			"positionId": e.PositionID,
			"debt":       amountString(e.Debt),
			"collateral": amountString(e.Collateral),
			"startPrice": amountString(e.StartPrice),
			"startTime":  timeString(e.StartTime),
			"endTime":    timeString(e.EndTime),
		},
	}
}

// AuctionBid reports an accepted bid and the bidder it displaced.
type AuctionBid struct {
	AuctionID      string
	Bidder         common.Address
	Amount         *big.Int
	RefundedBidder common.Address
	Refunded       *big.Int
}

func (AuctionBid) EventType() string { return TypeAuctionBid }

func (e AuctionBid) Event() *Record {
	return &Record{
		Type: TypeAuctionBid,
		Attributes: map[string]string{
			"auctionId":      e.AuctionID,
			"bidder":         addressString(e.Bidder),
			"amount":         amountString(e.Amount),
			"refundedBidder": addressString(e.RefundedBidder),
			"refunded":       amountString(e.Refunded),
		},
	}
}

// AuctionSettled reports auction finalisation. Emergency marks the no-bid
// path where the whole collateral went to the treasury.
type AuctionSettled struct {
	Emergency  bool
	AuctionID  string
	PositionID string
	Winner     common.Address
	WinningBid *big.Int
	Debt       *big.Int
	Surplus    *big.Int
	Collateral *big.Int
}

func (e AuctionSettled) EventType() string {
	if e.Emergency {
		return TypeAuctionEmergency
	}
	return TypeAuctionFinalized
}

func (e AuctionSettled) Event() *Record {
	return &Record{
		Type: e.EventType(),
		Attributes: map[string]string{
			"auctionId":  e.AuctionID,
			"positionId": e.PositionID,
			"winner":     addressString(e.Winner),
			"winningBid": amountString(e.WinningBid),
			"debt":       amountString(e.Debt),
			"surplus":    amountString(e.Surplus),
			"collateral": amountString(e.Collateral),
		},
	}
}

// MarketRates reports a market rate recomputation.
type MarketRates struct {
	Asset          string
	UtilizationBps uint64
	BorrowRateBps  uint64
	SupplyRateBps  uint64
	TotalBorrowed  *big.Int
	TotalSupplied  *big.Int
	Timestamp      int64
}

func (MarketRates) EventType() string { return TypeMarketRates }

func (e MarketRates) Event() *Record {
	return &Record{
		Type: TypeMarketRates,
		Attributes: map[string]string{
			"asset":          normalizeAsset(e.Asset),
			"utilizationBps": uintString(e.UtilizationBps),
			"borrowRateBps":  uintString(e.BorrowRateBps),
			"supplyRateBps":  uintString(e.SupplyRateBps),
			"totalBorrowed":  amountString(e.TotalBorrowed),
			"totalSupplied":  amountString(e.TotalSupplied),
			"timestamp":      timeString(e.Timestamp),
		},
	}
}

// ReservesWithdrawn reports an admin withdrawal of protocol reserves.
type ReservesWithdrawn struct {
	Asset     string
	Recipient common.Address
	Amount    *big.Int
	Remaining *big.Int
}

func (ReservesWithdrawn) EventType() string { return TypeReservesWithdrawn }

func (e ReservesWithdrawn) Event() *Record {
	return &Record{
		Type: TypeReservesWithdrawn,
		Attributes: map[string]string{
			"asset":     normalizeAsset(e.Asset),
			"recipient": addressString(e.Recipient),
			"amount":    amountString(e.Amount),
			"remaining": amountString(e.Remaining),
		},
	}
}

// ConfigUpdated reports an administrative configuration change.
type ConfigUpdated struct {
	Section string
	Key     string
	Caller  common.Address
}

func (ConfigUpdated) EventType() string { return TypeConfigUpdated }

func (e ConfigUpdated) Event() *Record {
	return &Record{
		Type: TypeConfigUpdated,
		Attributes: map[string]string{
			"section": e.Section,
			"key":     normalizeAsset(e.Key),
			"caller":  addressString(e.Caller),
		},
	}
}

package lending

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CollateralAccount tracks the collateral an owner has deposited for a single
// asset. Locked is the portion reserved by open borrow positions and is never
// larger than Deposited.
type CollateralAccount struct {
	Owner      common.Address
	Asset      string
	Deposited  *big.Int
	Locked     *big.Int
	LastUpdate time.Time
}

// Available returns the amount eligible for withdrawal.
func (a *CollateralAccount) Available() *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	free := new(big.Int).Sub(cloneBig(a.Deposited), cloneBig(a.Locked))
	if free.Sign() < 0 {
		return big.NewInt(0)
	}
	return free
}

// Clone returns a deep copy of the collateral account.
func (a *CollateralAccount) Clone() *CollateralAccount {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Deposited = cloneBig(a.Deposited)
	clone.Locked = cloneBig(a.Locked)
	return &clone
}

// MarketState captures the global accounting for one borrowable asset.
type MarketState struct {
	Asset string
	// TotalSupplied is lender liquidity including interest credited to
	// suppliers.
	TotalSupplied *big.Int
	// TotalSupplyShares is the sum of all supplier shares.
	TotalSupplyShares *big.Int
	// TotalBorrowed is the outstanding principal across active positions.
	TotalBorrowed *big.Int
	// TotalReserves is the protocol's share of repaid interest.
	TotalReserves *big.Int
	// TotalCollateralValue is the USD value of collateral locked by the
	// market's positions at the last rate refresh.
	TotalCollateralValue *big.Int
	// CollateralLocked lists the raw collateral amounts per collateral asset.
	CollateralLocked []AssetAmount
	UtilizationBps   uint64
	BorrowRateBps    uint64
	SupplyRateBps    uint64
	ReserveFactorBps uint64
	LastUpdateTime   time.Time
	ActivePositions  uint64
	// BadDebt accumulates debt written off by emergency liquidations.
	BadDebt *big.Int
}

// AssetAmount pairs an asset symbol with an amount.
type AssetAmount struct {
	Asset  string
	Amount *big.Int
}

// AvailableSupply is liquidity that is neither borrowed nor reserved.
func (m *MarketState) AvailableSupply() *big.Int {
	if m == nil {
		return big.NewInt(0)
	}
	available := new(big.Int).Sub(cloneBig(m.TotalSupplied), cloneBig(m.TotalBorrowed))
	if available.Sign() < 0 {
		return big.NewInt(0)
	}
	return available
}

// Clone returns a deep copy of the market state.
func (m *MarketState) Clone() *MarketState {
	if m == nil {
		return nil
	}
	clone := *m
	clone.TotalSupplied = cloneBig(m.TotalSupplied)
	clone.TotalSupplyShares = cloneBig(m.TotalSupplyShares)
	clone.TotalBorrowed = cloneBig(m.TotalBorrowed)
	clone.TotalReserves = cloneBig(m.TotalReserves)
	clone.TotalCollateralValue = cloneBig(m.TotalCollateralValue)
	clone.BadDebt = cloneBig(m.BadDebt)
	clone.CollateralLocked = make([]AssetAmount, len(m.CollateralLocked))
	for i, entry := range m.CollateralLocked {
		clone.CollateralLocked[i] = AssetAmount{Asset: entry.Asset, Amount: cloneBig(entry.Amount)}
	}
	return &clone
}

// Position statuses reported by BorrowPosition.Status.
const (
	StatusActive     = "active"
	StatusQueued     = "queued"
	StatusRepaid     = "repaid"
	StatusLiquidated = "liquidated"
)

// BorrowPosition is a single loan backed by locked collateral.
type BorrowPosition struct {
	ID              string
	Borrower        common.Address
	BorrowAsset     string
	CollateralAsset string
	Principal       *big.Int
	AccruedInterest *big.Int
	// InterestRemainder carries the truncated part of the last accrual,
	// scaled by 10000 * secondsPerYear.
	InterestRemainder  *big.Int
	CollateralAmount   *big.Int
	CreatedAt          time.Time
	LastInterestUpdate time.Time

	LiquidationThresholdBps uint64
	MaxLtvBps               uint64

	Active     bool
	Liquidated bool
	// InAuction marks a position queued behind an open auction.
	InAuction     bool
	LiquidationID string
	AuctionID     string
}

// TotalDebt returns principal plus accrued interest.
func (p *BorrowPosition) TotalDebt() *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Add(cloneBig(p.Principal), cloneBig(p.AccruedInterest))
}

// Status reports the position's state machine node.
func (p *BorrowPosition) Status() string {
	switch {
	case p.Liquidated:
		return StatusLiquidated
	case !p.Active:
		return StatusRepaid
	case p.InAuction:
		return StatusQueued
	default:
		return StatusActive
	}
}

// Clone returns a deep copy of the position.
func (p *BorrowPosition) Clone() *BorrowPosition {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Principal = cloneBig(p.Principal)
	clone.AccruedInterest = cloneBig(p.AccruedInterest)
	clone.InterestRemainder = cloneBig(p.InterestRemainder)
	clone.CollateralAmount = cloneBig(p.CollateralAmount)
	return &clone
}

// PositionHealth is the read-only safety projection of a position.
type PositionHealth struct {
	PositionID              string
	CurrentLtvBps           uint64
	LiquidationThresholdBps uint64
	// HealthFactorBps is liquidationThreshold / currentLtv scaled by 10000.
	// It is meaningless when Infinite is set.
	HealthFactorBps uint64
	Infinite        bool
	IsLiquidatable  bool
	DebtValue       *big.Int
	CollateralValue *big.Int
}

// LiquidationRecord is the append-only audit entry for a liquidation attempt.
type LiquidationRecord struct {
	ID                string
	PositionID        string
	Borrower          common.Address
	Liquidator        common.Address
	BorrowAssetAmount *big.Int
	CollateralSeized  *big.Int
	LiquidatorReward  *big.Int
	ProtocolFee       *big.Int
	Timestamp         time.Time
	Completed         bool
	IsAuction         bool
	AuctionID         string
}

// AuctionState is a collateral auction backing a queued position.
type AuctionState struct {
	ID               string
	PositionID       string
	LiquidationID    string
	Borrower         common.Address
	BorrowAsset      string
	CollateralAsset  string
	DebtAmount       *big.Int
	CollateralAmount *big.Int
	StartPrice       *big.Int
	// CurrentPrice decays linearly from StartPrice to zero at EndTime. It is
	// informational and never gates bids.
	CurrentPrice  *big.Int
	StartTime     time.Time
	EndTime       time.Time
	HighestBidder common.Address
	HighestBid    *big.Int
	Active        bool
	Completed     bool
}

// HasBid reports whether any bid was accepted.
func (a *AuctionState) HasBid() bool {
	return a != nil && a.HighestBid != nil && a.HighestBid.Sign() > 0
}

// RateSample is one entry of a market's rate history ring.
type RateSample struct {
	Timestamp      time.Time
	BorrowRateBps  uint64
	SupplyRateBps  uint64
	UtilizationBps uint64
}

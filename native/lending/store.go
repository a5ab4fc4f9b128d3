package lending

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"nhblend/core/state"
)

// Store runs units of work against the engine's state. *state.Manager
// satisfies it.
type Store interface {
	Update(fn func(state.KV) error) error
	View(fn func(state.KV) error) error
}

type storedCollateral struct {
	Owner      common.Address
	Asset      string
	Deposited  *big.Int
	Locked     *big.Int
	LastUpdate uint64
}

type storedAssetAmount struct {
	Asset  string
	Amount *big.Int
}

type storedMarket struct {
	Asset                string
	TotalSupplied        *big.Int
	TotalSupplyShares    *big.Int
	TotalBorrowed        *big.Int
	TotalReserves        *big.Int
	TotalCollateralValue *big.Int
	CollateralLocked     []storedAssetAmount
	UtilizationBps       uint64
	BorrowRateBps        uint64
	SupplyRateBps        uint64
	ReserveFactorBps     uint64
	LastUpdateTime       uint64
	ActivePositions      uint64
	BadDebt              *big.Int
}

type storedPosition struct {
	ID                      string
	Borrower                common.Address
	BorrowAsset             string
	CollateralAsset         string
	Principal               *big.Int
	AccruedInterest         *big.Int
	InterestRemainder       *big.Int
	CollateralAmount        *big.Int
	CreatedAt               uint64
	LastInterestUpdate      uint64
	LiquidationThresholdBps uint64
	MaxLtvBps               uint64
	Active                  bool
	Liquidated              bool
	InAuction               bool
	LiquidationID           string
	AuctionID               string
}

type storedLiquidation struct {
	ID                string
	PositionID        string
	Borrower          common.Address
	Liquidator        common.Address
	BorrowAssetAmount *big.Int
	CollateralSeized  *big.Int
	LiquidatorReward  *big.Int
	ProtocolFee       *big.Int
	Timestamp         uint64
	Completed         bool
	IsAuction         bool
	AuctionID         string
}

type storedAuction struct {
	ID               string
	PositionID       string
	LiquidationID    string
	Borrower         common.Address
	BorrowAsset      string
	CollateralAsset  string
	DebtAmount       *big.Int
	CollateralAmount *big.Int
	StartPrice       *big.Int
	StartTime        uint64
	EndTime          uint64
	HighestBidder    common.Address
	HighestBid       *big.Int
	Active           bool
	Completed        bool
}

type storedSupplier struct {
	Shares *big.Int
}

func loadCollateral(kv state.KV, owner common.Address, asset string) (*CollateralAccount, error) {
	var stored storedCollateral
	ok, err := kv.KVGet(collateralKey(owner, asset), &stored)
	if err != nil {
		return nil, fmt.Errorf("load collateral: %w", err)
	}
	if !ok {
		return &CollateralAccount{Owner: owner, Asset: asset, Deposited: big.NewInt(0), Locked: big.NewInt(0)}, nil
	}
	return &CollateralAccount{
		Owner:      stored.Owner,
		Asset:      stored.Asset,
		Deposited:  cloneBig(stored.Deposited),
		Locked:     cloneBig(stored.Locked),
		LastUpdate: fromUnix(stored.LastUpdate),
	}, nil
}

// storeCollateral persists the account, dropping it once nothing is deposited.
func storeCollateral(kv state.KV, acct *CollateralAccount) error {
	key := collateralKey(acct.Owner, acct.Asset)
	if acct.Deposited.Sign() == 0 && acct.Locked.Sign() == 0 {
		return kv.KVDelete(key)
	}
	return kv.KVPut(key, storedCollateral{
		Owner:      acct.Owner,
		Asset:      acct.Asset,
		Deposited:  cloneBig(acct.Deposited),
		Locked:     cloneBig(acct.Locked),
		LastUpdate: unixSeconds(acct.LastUpdate),
	})
}

func loadMarket(kv state.KV, asset string) (*MarketState, bool, error) {
	var stored storedMarket
	ok, err := kv.KVGet(marketKey(asset), &stored)
	if err != nil {
		return nil, false, fmt.Errorf("load market: %w", err)
	}
	if !ok {
		return &MarketState{
			Asset:                asset,
			TotalSupplied:        big.NewInt(0),
			TotalSupplyShares:    big.NewInt(0),
			TotalBorrowed:        big.NewInt(0),
			TotalReserves:        big.NewInt(0),
			TotalCollateralValue: big.NewInt(0),
			BadDebt:              big.NewInt(0),
		}, false, nil
	}
	market := &MarketState{
		Asset:                stored.Asset,
		TotalSupplied:        cloneBig(stored.TotalSupplied),
		TotalSupplyShares:    cloneBig(stored.TotalSupplyShares),
		TotalBorrowed:        cloneBig(stored.TotalBorrowed),
		TotalReserves:        cloneBig(stored.TotalReserves),
		TotalCollateralValue: cloneBig(stored.TotalCollateralValue),
		UtilizationBps:       stored.UtilizationBps,
		BorrowRateBps:        stored.BorrowRateBps,
		SupplyRateBps:        stored.SupplyRateBps,
		ReserveFactorBps:     stored.ReserveFactorBps,
		LastUpdateTime:       fromUnix(stored.LastUpdateTime),
		ActivePositions:      stored.ActivePositions,
		BadDebt:              cloneBig(stored.BadDebt),
	}
	for _, entry := range stored.CollateralLocked {
		market.CollateralLocked = append(market.CollateralLocked, AssetAmount{Asset: entry.Asset, Amount: cloneBig(entry.Amount)})
	}
	return market, true, nil
}

func storeMarket(kv state.KV, market *MarketState) error {
	stored := storedMarket{
		Asset:                market.Asset,
		TotalSupplied:        cloneBig(market.TotalSupplied),
		TotalSupplyShares:    cloneBig(market.TotalSupplyShares),
		TotalBorrowed:        cloneBig(market.TotalBorrowed),
		TotalReserves:        cloneBig(market.TotalReserves),
		TotalCollateralValue: cloneBig(market.TotalCollateralValue),
		UtilizationBps:       market.UtilizationBps,
		BorrowRateBps:        market.BorrowRateBps,
		SupplyRateBps:        market.SupplyRateBps,
		ReserveFactorBps:     market.ReserveFactorBps,
		LastUpdateTime:       unixSeconds(market.LastUpdateTime),
		ActivePositions:      market.ActivePositions,
		BadDebt:              cloneBig(market.BadDebt),
	}
	for _, entry := range market.CollateralLocked {
		if entry.Amount == nil || entry.Amount.Sign() == 0 {
			continue
		}
		stored.CollateralLocked = append(stored.CollateralLocked, storedAssetAmount{Asset: entry.Asset, Amount: cloneBig(entry.Amount)})
	}
	return kv.KVPut(marketKey(market.Asset), stored)
}

func loadPosition(kv state.KV, id string) (*BorrowPosition, error) {
	var stored storedPosition
	ok, err := kv.KVGet(positionKey(id), &stored)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	return &BorrowPosition{
		ID:                      stored.ID,
		Borrower:                stored.Borrower,
		BorrowAsset:             stored.BorrowAsset,
		CollateralAsset:         stored.CollateralAsset,
		Principal:               cloneBig(stored.Principal),
		AccruedInterest:         cloneBig(stored.AccruedInterest),
		InterestRemainder:       cloneBig(stored.InterestRemainder),
		CollateralAmount:        cloneBig(stored.CollateralAmount),
		CreatedAt:               fromUnix(stored.CreatedAt),
		LastInterestUpdate:      fromUnix(stored.LastInterestUpdate),
		LiquidationThresholdBps: stored.LiquidationThresholdBps,
		MaxLtvBps:               stored.MaxLtvBps,
		Active:                  stored.Active,
		Liquidated:              stored.Liquidated,
		InAuction:               stored.InAuction,
		LiquidationID:           stored.LiquidationID,
		AuctionID:               stored.AuctionID,
	}, nil
}

func storePosition(kv state.KV, p *BorrowPosition) error {
	return kv.KVPut(positionKey(p.ID), storedPosition{
		ID:                      p.ID,
		Borrower:                p.Borrower,
		BorrowAsset:             p.BorrowAsset,
		CollateralAsset:         p.CollateralAsset,
		Principal:               cloneBig(p.Principal),
		AccruedInterest:         cloneBig(p.AccruedInterest),
		InterestRemainder:       cloneBig(p.InterestRemainder),
		CollateralAmount:        cloneBig(p.CollateralAmount),
		CreatedAt:               unixSeconds(p.CreatedAt),
		LastInterestUpdate:      unixSeconds(p.LastInterestUpdate),
		LiquidationThresholdBps: p.LiquidationThresholdBps,
		MaxLtvBps:               p.MaxLtvBps,
		Active:                  p.Active,
		Liquidated:              p.Liquidated,
		InAuction:               p.InAuction,
		LiquidationID:           p.LiquidationID,
		AuctionID:               p.AuctionID,
	})
}

func loadLiquidation(kv state.KV, id string) (*LiquidationRecord, error) {
	var stored storedLiquidation
	ok, err := kv.KVGet(liquidationKey(id), &stored)
	if err != nil {
		return nil, fmt.Errorf("load liquidation: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLiquidationNotFound, id)
	}
	return &LiquidationRecord{
		ID:                stored.ID,
		PositionID:        stored.PositionID,
		Borrower:          stored.Borrower,
		Liquidator:        stored.Liquidator,
		BorrowAssetAmount: cloneBig(stored.BorrowAssetAmount),
		CollateralSeized:  cloneBig(stored.CollateralSeized),
		LiquidatorReward:  cloneBig(stored.LiquidatorReward),
		ProtocolFee:       cloneBig(stored.ProtocolFee),
		Timestamp:         fromUnix(stored.Timestamp),
		Completed:         stored.Completed,
		IsAuction:         stored.IsAuction,
		AuctionID:         stored.AuctionID,
	}, nil
}

func storeLiquidation(kv state.KV, r *LiquidationRecord) error {
	return kv.KVPut(liquidationKey(r.ID), storedLiquidation{
		ID:                r.ID,
		PositionID:        r.PositionID,
		Borrower:          r.Borrower,
		Liquidator:        r.Liquidator,
		BorrowAssetAmount: cloneBig(r.BorrowAssetAmount),
		CollateralSeized:  cloneBig(r.CollateralSeized),
		LiquidatorReward:  cloneBig(r.LiquidatorReward),
		ProtocolFee:       cloneBig(r.ProtocolFee),
		Timestamp:         unixSeconds(r.Timestamp),
		Completed:         r.Completed,
		IsAuction:         r.IsAuction,
		AuctionID:         r.AuctionID,
	})
}

func loadAuction(kv state.KV, id string) (*AuctionState, error) {
	var stored storedAuction
	ok, err := kv.KVGet(auctionKey(id), &stored)
	if err != nil {
		return nil, fmt.Errorf("load auction: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAuctionNotFound, id)
	}
	return &AuctionState{
		ID:               stored.ID,
		PositionID:       stored.PositionID,
		LiquidationID:    stored.LiquidationID,
		Borrower:         stored.Borrower,
		BorrowAsset:      stored.BorrowAsset,
		CollateralAsset:  stored.CollateralAsset,
		DebtAmount:       cloneBig(stored.DebtAmount),
		CollateralAmount: cloneBig(stored.CollateralAmount),
		StartPrice:       cloneBig(stored.StartPrice),
		StartTime:        fromUnix(stored.StartTime),
		EndTime:          fromUnix(stored.EndTime),
		HighestBidder:    stored.HighestBidder,
		HighestBid:       cloneBig(stored.HighestBid),
		Active:           stored.Active,
		Completed:        stored.Completed,
	}, nil
}

func storeAuction(kv state.KV, a *AuctionState) error {
	return kv.KVPut(auctionKey(a.ID), storedAuction{
		ID:               a.ID,
		PositionID:       a.PositionID,
		LiquidationID:    a.LiquidationID,
		Borrower:         a.Borrower,
		BorrowAsset:      a.BorrowAsset,
		CollateralAsset:  a.CollateralAsset,
		DebtAmount:       cloneBig(a.DebtAmount),
		CollateralAmount: cloneBig(a.CollateralAmount),
		StartPrice:       cloneBig(a.StartPrice),
		StartTime:        unixSeconds(a.StartTime),
		EndTime:          unixSeconds(a.EndTime),
		HighestBidder:    a.HighestBidder,
		HighestBid:       cloneBig(a.HighestBid),
		Active:           a.Active,
		Completed:        a.Completed,
	})
}

func loadSupplierShares(kv state.KV, asset string, provider common.Address) (*big.Int, error) {
	var stored storedSupplier
	ok, err := kv.KVGet(supplierKey(asset, provider), &stored)
	if err != nil {
		return nil, fmt.Errorf("load supplier: %w", err)
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return cloneBig(stored.Shares), nil
}

func storeSupplierShares(kv state.KV, asset string, provider common.Address, shares *big.Int) error {
	if shares.Sign() == 0 {
		return kv.KVDelete(supplierKey(asset, provider))
	}
	return kv.KVPut(supplierKey(asset, provider), storedSupplier{Shares: cloneBig(shares)})
}

func loadRateHistory(kv state.KV, asset string, capacity int) (*RateHistory, error) {
	var stored storedRateHistory
	if _, err := kv.KVGet(historyKey(asset), &stored); err != nil {
		return nil, fmt.Errorf("load rate history: %w", err)
	}
	return rateHistoryFromStored(stored, capacity), nil
}

func storeRateHistory(kv state.KV, asset string, h *RateHistory) error {
	return kv.KVPut(historyKey(asset), h.toStored())
}

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"nhblend/native/lending"
)

// USD values and prices travel as 18-decimal fixed point integers inside the
// engine and as decimal strings on the wire.
const usdExponent = -18

type amountRequest struct {
	Amount string `json:"amount"`
}

type assetAmountRequest struct {
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient,omitempty"`
}

type createPositionRequest struct {
	BorrowAsset      string `json:"borrowAsset"`
	CollateralAsset  string `json:"collateralAsset"`
	BorrowAmount     string `json:"borrowAmount"`
	CollateralAmount string `json:"collateralAmount"`
}

type whitelistRequest struct {
	Allowed bool `json:"allowed"`
}

type marketConfigRequest struct {
	Enabled           bool                     `json:"enabled"`
	Decimals          uint8                    `json:"decimals"`
	MinBorrow         string                   `json:"minBorrow,omitempty"`
	MaxBorrow         string                   `json:"maxBorrow,omitempty"`
	BorrowCap         string                   `json:"borrowCap,omitempty"`
	OriginationFeeBps uint64                   `json:"originationFeeBps"`
	WhitelistRequired bool                     `json:"whitelistRequired"`
	Rate              lending.RateModel        `json:"rate"`
	Liquidation       liquidationConfigRequest `json:"liquidation"`
}

type liquidationConfigRequest struct {
	Mode                   string `json:"mode"`
	PenaltyBps             uint64 `json:"penaltyBps"`
	LiquidatorShareBps     uint64 `json:"liquidatorShareBps"`
	ProtocolShareBps       uint64 `json:"protocolShareBps"`
	MaxLiquidationAmount   string `json:"maxLiquidationAmount,omitempty"`
	AuctionDurationSeconds uint64 `json:"auctionDurationSeconds"`
}

func (req marketConfigRequest) toConfig(asset string) (lending.MarketConfig, error) {
	cfg := lending.MarketConfig{
		Asset:             asset,
		Enabled:           req.Enabled,
		Decimals:          req.Decimals,
		OriginationFeeBps: req.OriginationFeeBps,
		WhitelistRequired: req.WhitelistRequired,
		Rate:              req.Rate,
		Liquidation: lending.LiquidationConfig{
			Mode:                   req.Liquidation.Mode,
			PenaltyBps:             req.Liquidation.PenaltyBps,
			LiquidatorShareBps:     req.Liquidation.LiquidatorShareBps,
			ProtocolShareBps:       req.Liquidation.ProtocolShareBps,
			AuctionDurationSeconds: req.Liquidation.AuctionDurationSeconds,
		},
	}
	var err error
	if cfg.MinBorrow, err = parseOptionalAmount("minBorrow", req.MinBorrow); err != nil {
		return cfg, err
	}
	if cfg.MaxBorrow, err = parseOptionalAmount("maxBorrow", req.MaxBorrow); err != nil {
		return cfg, err
	}
	if cfg.BorrowCap, err = parseOptionalAmount("borrowCap", req.BorrowCap); err != nil {
		return cfg, err
	}
	if cfg.Liquidation.MaxLiquidationAmount, err = parseOptionalAmount("maxLiquidationAmount", req.Liquidation.MaxLiquidationAmount); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type collateralConfigRequest struct {
	Enabled                 bool   `json:"enabled"`
	Decimals                uint8  `json:"decimals"`
	MinDeposit              string `json:"minDeposit,omitempty"`
	MaxLtvBps               uint64 `json:"maxLtvBps"`
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
}

func (req collateralConfigRequest) toConfig(asset string) (lending.CollateralConfig, error) {
	minDeposit, err := parseOptionalAmount("minDeposit", req.MinDeposit)
	if err != nil {
		return lending.CollateralConfig{}, err
	}
	return lending.CollateralConfig{
		Asset:                   asset,
		Enabled:                 req.Enabled,
		Decimals:                req.Decimals,
		MinDeposit:              minDeposit,
		MaxLtvBps:               req.MaxLtvBps,
		LiquidationThresholdBps: req.LiquidationThresholdBps,
	}, nil
}

type positionView struct {
	ID                      string     `json:"id"`
	Borrower                string     `json:"borrower"`
	BorrowAsset             string     `json:"borrowAsset"`
	CollateralAsset         string     `json:"collateralAsset"`
	Principal               string     `json:"principal"`
	AccruedInterest         string     `json:"accruedInterest"`
	TotalDebt               string     `json:"totalDebt"`
	CollateralAmount        string     `json:"collateralAmount"`
	MaxLtvBps               uint64     `json:"maxLtvBps"`
	LiquidationThresholdBps uint64     `json:"liquidationThresholdBps"`
	Status                  string     `json:"status"`
	CreatedAt               *time.Time `json:"createdAt,omitempty"`
	LastInterestUpdate      *time.Time `json:"lastInterestUpdate,omitempty"`
	LiquidationID           string     `json:"liquidationId,omitempty"`
	AuctionID               string     `json:"auctionId,omitempty"`
}

func toPositionView(p *lending.BorrowPosition) positionView {
	return positionView{
		ID:                      p.ID,
		Borrower:                addressString(p.Borrower),
		BorrowAsset:             p.BorrowAsset,
		CollateralAsset:         p.CollateralAsset,
		Principal:               amountString(p.Principal),
		AccruedInterest:         amountString(p.AccruedInterest),
		TotalDebt:               amountString(p.TotalDebt()),
		CollateralAmount:        amountString(p.CollateralAmount),
		MaxLtvBps:               p.MaxLtvBps,
		LiquidationThresholdBps: p.LiquidationThresholdBps,
		Status:                  p.Status(),
		CreatedAt:               optionalTime(p.CreatedAt),
		LastInterestUpdate:      optionalTime(p.LastInterestUpdate),
		LiquidationID:           p.LiquidationID,
		AuctionID:               p.AuctionID,
	}
}

// healthView reports HealthFactor as "infinite" for positions without debt.
type healthView struct {
	PositionID              string `json:"positionId"`
	CurrentLtvBps           uint64 `json:"currentLtvBps"`
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
	HealthFactor            string `json:"healthFactor"`
	HealthFactorBps         uint64 `json:"healthFactorBps"`
	IsLiquidatable          bool   `json:"isLiquidatable"`
	DebtValueUSD            string `json:"debtValueUsd"`
	CollateralUSD           string `json:"collateralValueUsd"`
}

func toHealthView(h *lending.PositionHealth) healthView {
	view := healthView{
		PositionID:              h.PositionID,
		CurrentLtvBps:           h.CurrentLtvBps,
		LiquidationThresholdBps: h.LiquidationThresholdBps,
		IsLiquidatable:          h.IsLiquidatable,
		DebtValueUSD:            usdString(h.DebtValue),
		CollateralUSD:           usdString(h.CollateralValue),
	}
	if h.Infinite {
		view.HealthFactor = "infinite"
	} else {
		view.HealthFactorBps = h.HealthFactorBps
		view.HealthFactor = bpsRatio(h.HealthFactorBps)
	}
	return view
}

type collateralView struct {
	Owner      string     `json:"owner"`
	Asset      string     `json:"asset"`
	Deposited  string     `json:"deposited"`
	Locked     string     `json:"locked"`
	Available  string     `json:"available"`
	LastUpdate *time.Time `json:"lastUpdate,omitempty"`
}

func toCollateralView(a *lending.CollateralAccount) collateralView {
	return collateralView{
		Owner:      addressString(a.Owner),
		Asset:      a.Asset,
		Deposited:  amountString(a.Deposited),
		Locked:     amountString(a.Locked),
		Available:  amountString(a.Available()),
		LastUpdate: optionalTime(a.LastUpdate),
	}
}

type assetAmountView struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type marketView struct {
	Asset              string            `json:"asset"`
	TotalSupplied      string            `json:"totalSupplied"`
	TotalSupplyShares  string            `json:"totalSupplyShares"`
	TotalBorrowed      string            `json:"totalBorrowed"`
	TotalReserves      string            `json:"totalReserves"`
	AvailableSupply    string            `json:"availableSupply"`
	BadDebt            string            `json:"badDebt"`
	CollateralValueUSD string            `json:"collateralValueUsd"`
	CollateralLocked   []assetAmountView `json:"collateralLocked"`
	UtilizationBps     uint64            `json:"utilizationBps"`
	BorrowRateBps      uint64            `json:"borrowRateBps"`
	SupplyRateBps      uint64            `json:"supplyRateBps"`
	BorrowAPR          string            `json:"borrowApr"`
	SupplyAPR          string            `json:"supplyApr"`
	ReserveFactorBps   uint64            `json:"reserveFactorBps"`
	ActivePositions    uint64            `json:"activePositions"`
	LastUpdateTime     *time.Time        `json:"lastUpdateTime,omitempty"`
}

func toMarketView(m *lending.MarketState) marketView {
	locked := make([]assetAmountView, 0, len(m.CollateralLocked))
	for _, entry := range m.CollateralLocked {
		locked = append(locked, assetAmountView{Asset: entry.Asset, Amount: amountString(entry.Amount)})
	}
	return marketView{
		Asset:              m.Asset,
		TotalSupplied:      amountString(m.TotalSupplied),
		TotalSupplyShares:  amountString(m.TotalSupplyShares),
		TotalBorrowed:      amountString(m.TotalBorrowed),
		TotalReserves:      amountString(m.TotalReserves),
		AvailableSupply:    amountString(m.AvailableSupply()),
		BadDebt:            amountString(m.BadDebt),
		CollateralValueUSD: usdString(m.TotalCollateralValue),
		CollateralLocked:   locked,
		UtilizationBps:     m.UtilizationBps,
		BorrowRateBps:      m.BorrowRateBps,
		SupplyRateBps:      m.SupplyRateBps,
		BorrowAPR:          bpsPercent(m.BorrowRateBps),
		SupplyAPR:          bpsPercent(m.SupplyRateBps),
		ReserveFactorBps:   m.ReserveFactorBps,
		ActivePositions:    m.ActivePositions,
		LastUpdateTime:     optionalTime(m.LastUpdateTime),
	}
}

type rateSampleView struct {
	Timestamp      time.Time `json:"timestamp"`
	BorrowRateBps  uint64    `json:"borrowRateBps"`
	SupplyRateBps  uint64    `json:"supplyRateBps"`
	UtilizationBps uint64    `json:"utilizationBps"`
}

func toRateSampleViews(samples []lending.RateSample) []rateSampleView {
	out := make([]rateSampleView, 0, len(samples))
	for _, s := range samples {
		out = append(out, rateSampleView{
			Timestamp:      s.Timestamp.UTC(),
			BorrowRateBps:  s.BorrowRateBps,
			SupplyRateBps:  s.SupplyRateBps,
			UtilizationBps: s.UtilizationBps,
		})
	}
	return out
}

type liquidationView struct {
	ID               string     `json:"id"`
	PositionID       string     `json:"positionId"`
	Borrower         string     `json:"borrower"`
	Liquidator       string     `json:"liquidator"`
	Repaid           string     `json:"repaid"`
	CollateralSeized string     `json:"collateralSeized"`
	LiquidatorReward string     `json:"liquidatorReward"`
	ProtocolFee      string     `json:"protocolFee"`
	Timestamp        *time.Time `json:"timestamp,omitempty"`
	Completed        bool       `json:"completed"`
	IsAuction        bool       `json:"isAuction"`
	AuctionID        string     `json:"auctionId,omitempty"`
}

func toLiquidationView(r *lending.LiquidationRecord) liquidationView {
	return liquidationView{
		ID:               r.ID,
		PositionID:       r.PositionID,
		Borrower:         addressString(r.Borrower),
		Liquidator:       addressString(r.Liquidator),
		Repaid:           amountString(r.BorrowAssetAmount),
		CollateralSeized: amountString(r.CollateralSeized),
		LiquidatorReward: amountString(r.LiquidatorReward),
		ProtocolFee:      amountString(r.ProtocolFee),
		Timestamp:        optionalTime(r.Timestamp),
		Completed:        r.Completed,
		IsAuction:        r.IsAuction,
		AuctionID:        r.AuctionID,
	}
}

type auctionView struct {
	ID               string     `json:"id"`
	PositionID       string     `json:"positionId"`
	LiquidationID    string     `json:"liquidationId"`
	Borrower         string     `json:"borrower"`
	BorrowAsset      string     `json:"borrowAsset"`
	CollateralAsset  string     `json:"collateralAsset"`
	Debt             string     `json:"debt"`
	CollateralAmount string     `json:"collateralAmount"`
	StartPriceUSD    string     `json:"startPriceUsd"`
	CurrentPriceUSD  string     `json:"currentPriceUsd"`
	StartTime        *time.Time `json:"startTime,omitempty"`
	EndTime          *time.Time `json:"endTime,omitempty"`
	HighestBidder    string     `json:"highestBidder,omitempty"`
	HighestBid       string     `json:"highestBid"`
	Active           bool       `json:"active"`
	Completed        bool       `json:"completed"`
}

func toAuctionView(a *lending.AuctionState) *auctionView {
	if a == nil {
		return nil
	}
	return &auctionView{
		ID:               a.ID,
		PositionID:       a.PositionID,
		LiquidationID:    a.LiquidationID,
		Borrower:         addressString(a.Borrower),
		BorrowAsset:      a.BorrowAsset,
		CollateralAsset:  a.CollateralAsset,
		Debt:             amountString(a.DebtAmount),
		CollateralAmount: amountString(a.CollateralAmount),
		StartPriceUSD:    usdString(a.StartPrice),
		CurrentPriceUSD:  usdString(a.CurrentPrice),
		StartTime:        optionalTime(a.StartTime),
		EndTime:          optionalTime(a.EndTime),
		HighestBidder:    addressString(a.HighestBidder),
		HighestBid:       amountString(a.HighestBid),
		Active:           a.Active,
		Completed:        a.Completed,
	}
}

type liquidateResponse struct {
	Liquidation liquidationView `json:"liquidation"`
	Auction     *auctionView    `json:"auction,omitempty"`
}

type supplyResponse struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	Shares string `json:"shares"`
}

type supplierView struct {
	Provider string `json:"provider"`
	Asset    string `json:"asset"`
	Shares   string `json:"shares"`
	Amount   string `json:"amount"`
}

type configView struct {
	Markets    []lending.MarketConfig     `json:"markets"`
	Collateral []lending.CollateralConfig `json:"collateral"`
	Pauses     lending.ActionPauses       `json:"pauses"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data after body", errBadRequest)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// maxAmountDigits fits any uint256 balance.
const maxAmountDigits = 78

// parseAmount reads a base-unit integer amount. Only plain decimal digits are
// accepted: exponents and fractions never reach the big.Int conversion.
func parseAmount(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: %s required", errBadRequest, field)
	}
	if len(trimmed) > maxAmountDigits {
		return nil, fmt.Errorf("%w: %s exceeds %d digits", errBadRequest, field, maxAmountDigits)
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("%w: %s must be an integer amount of base units", errBadRequest, field)
		}
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not a number", errBadRequest, field)
	}
	return d.BigInt(), nil
}

func parseOptionalAmount(field, raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return parseAmount(field, raw)
}

func parseAddress(field, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: %s is not an address", errBadRequest, field)
	}
	return common.HexToAddress(trimmed), nil
}

func parseOptionalAddress(field, raw string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return common.Address{}, nil
	}
	return parseAddress(field, raw)
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func usdString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, usdExponent).String()
}

// bpsPercent renders basis points as a percentage with two decimals.
func bpsPercent(bps uint64) string {
	return decimal.New(int64(bps), -2).StringFixed(2)
}

// bpsRatio renders basis points as a plain ratio, e.g. 12000 -> "1.2".
func bpsRatio(bps uint64) string {
	return decimal.New(int64(bps), -4).String()
}

func addressString(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return addr.Hex()
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

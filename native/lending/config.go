package lending

import (
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/text/unicode/norm"
)

const (
	DefaultStalenessSeconds       = 3600
	DefaultRateHistorySize        = 256
	DefaultAuctionDurationSeconds = 24 * 60 * 60
	// MaxLiquidationPenaltyBps is the hard cap on any configured penalty.
	MaxLiquidationPenaltyBps = 5000
	// MaxOriginationFeeBps bounds the fee skimmed from each borrow.
	MaxOriginationFeeBps = 1000
)

// Liquidation modes.
const (
	ModeDirect  = "direct"
	ModeAuction = "auction"
)

// Params is the module configuration, usually decoded from markets.toml.
type Params struct {
	Treasury         string             `toml:"treasury"`
	StalenessSeconds uint64             `toml:"staleness_seconds"`
	MinConfidenceBps uint64             `toml:"min_confidence_bps"`
	RateHistorySize  uint64             `toml:"rate_history_size"`
	Pauses           ActionPauses       `toml:"pauses"`
	Whitelist        []string           `toml:"whitelist"`
	Markets          []MarketConfig     `toml:"market"`
	Collateral       []CollateralConfig `toml:"collateral"`
}

// MarketConfig describes one borrowable asset.
type MarketConfig struct {
	Asset             string   `toml:"asset" json:"asset"`
	Enabled           bool     `toml:"enabled" json:"enabled"`
	Decimals          uint8    `toml:"decimals" json:"decimals"`
	MinBorrow         *big.Int `toml:"min_borrow" json:"minBorrow"`
	MaxBorrow         *big.Int `toml:"max_borrow" json:"maxBorrow"`
	BorrowCap         *big.Int `toml:"borrow_cap" json:"borrowCap"`
	OriginationFeeBps uint64   `toml:"origination_fee_bps" json:"originationFeeBps"`
	WhitelistRequired bool     `toml:"whitelist_required" json:"whitelistRequired"`

	Rate        RateModel         `toml:"rate" json:"rate"`
	Liquidation LiquidationConfig `toml:"liquidation" json:"liquidation"`
}

// LiquidationConfig selects how unsafe positions of a market are unwound.
type LiquidationConfig struct {
	Mode                   string   `toml:"mode" json:"mode"`
	PenaltyBps             uint64   `toml:"penalty_bps" json:"penaltyBps"`
	LiquidatorShareBps     uint64   `toml:"liquidator_share_bps" json:"liquidatorShareBps"`
	ProtocolShareBps       uint64   `toml:"protocol_share_bps" json:"protocolShareBps"`
	MaxLiquidationAmount   *big.Int `toml:"max_liquidation_amount" json:"maxLiquidationAmount"`
	AuctionDurationSeconds uint64   `toml:"auction_duration_seconds" json:"auctionDurationSeconds"`
}

// CollateralConfig describes an accepted collateral asset and the risk bounds
// applied to positions backed by it.
type CollateralConfig struct {
	Asset                   string   `toml:"asset" json:"asset"`
	Enabled                 bool     `toml:"enabled" json:"enabled"`
	Decimals                uint8    `toml:"decimals" json:"decimals"`
	MinDeposit              *big.Int `toml:"min_deposit" json:"minDeposit"`
	MaxLtvBps               uint64   `toml:"max_ltv_bps" json:"maxLtvBps"`
	LiquidationThresholdBps uint64   `toml:"liquidation_threshold_bps" json:"liquidationThresholdBps"`
}

// NormalizeAsset folds an asset symbol to its NFKC upper-case form, so
// full-width or compatibility spellings name the same market.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(norm.NFKC.String(strings.TrimSpace(asset)))
}

// LoadParams decodes and validates a TOML parameter file. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func LoadParams(path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("read lending params: %w", err)
	}
	params, err := ParseParams(string(data))
	if err != nil {
		return Params{}, fmt.Errorf("%s: %w", path, err)
	}
	return params, nil
}

// ParseParams decodes TOML parameters, applies defaults and validates them.
func ParseParams(data string) (Params, error) {
	var params Params
	meta, err := toml.Decode(data, &params)
	if err != nil {
		return Params{}, fmt.Errorf("decode lending params: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		sort.Strings(keys)
		return Params{}, invalidConfig("unknown keys: %s", strings.Join(keys, ", "))
	}
	params.ApplyDefaults()
	if err := params.Validate(); err != nil {
		return Params{}, err
	}
	return params, nil
}

// ApplyDefaults fills zero values and normalises asset symbols.
func (p *Params) ApplyDefaults() {
	p.Treasury = strings.TrimSpace(p.Treasury)
	if p.StalenessSeconds == 0 {
		p.StalenessSeconds = DefaultStalenessSeconds
	}
	if p.RateHistorySize == 0 {
		p.RateHistorySize = DefaultRateHistorySize
	}
	for i := range p.Markets {
		p.Markets[i].ApplyDefaults()
	}
	for i := range p.Collateral {
		p.Collateral[i].ApplyDefaults()
	}
}

// Validate checks the module configuration as a whole.
func (p Params) Validate() error {
	if !common.IsHexAddress(p.Treasury) {
		return invalidConfig("treasury %q is not a hex address", p.Treasury)
	}
	if common.HexToAddress(p.Treasury) == (common.Address{}) {
		return invalidConfig("treasury must not be the zero address")
	}
	if p.MinConfidenceBps > BasisPoints {
		return invalidConfig("min confidence %d above %d", p.MinConfidenceBps, BasisPoints)
	}
	for _, addr := range p.Whitelist {
		if !common.IsHexAddress(strings.TrimSpace(addr)) {
			return invalidConfig("whitelist entry %q is not a hex address", addr)
		}
	}
	seen := make(map[string]struct{})
	for _, market := range p.Markets {
		if err := market.Validate(); err != nil {
			return err
		}
		if _, dup := seen[market.Asset]; dup {
			return invalidConfig("duplicate market %s", market.Asset)
		}
		seen[market.Asset] = struct{}{}
	}
	seen = make(map[string]struct{})
	for _, coll := range p.Collateral {
		if err := coll.Validate(); err != nil {
			return err
		}
		if _, dup := seen[coll.Asset]; dup {
			return invalidConfig("duplicate collateral %s", coll.Asset)
		}
		seen[coll.Asset] = struct{}{}
	}
	return nil
}

// TreasuryAddress returns the parsed treasury account.
func (p Params) TreasuryAddress() common.Address {
	return common.HexToAddress(p.Treasury)
}

// ApplyDefaults normalises the asset symbol and zero-valued optional fields.
func (c *MarketConfig) ApplyDefaults() {
	c.Asset = NormalizeAsset(c.Asset)
	c.Liquidation.Mode = strings.ToLower(strings.TrimSpace(c.Liquidation.Mode))
	if c.Liquidation.Mode == "" {
		c.Liquidation.Mode = ModeDirect
	}
	if c.Liquidation.Mode == ModeAuction && c.Liquidation.AuctionDurationSeconds == 0 {
		c.Liquidation.AuctionDurationSeconds = DefaultAuctionDurationSeconds
	}
}

// Validate checks a market configuration at write time.
func (c MarketConfig) Validate() error {
	if c.Asset == "" {
		return invalidConfig("market asset must be set")
	}
	if err := c.Rate.Validate(); err != nil {
		return fmt.Errorf("market %s: %w", c.Asset, err)
	}
	if c.OriginationFeeBps > MaxOriginationFeeBps {
		return invalidConfig("market %s: origination fee %d above cap %d", c.Asset, c.OriginationFeeBps, MaxOriginationFeeBps)
	}
	if c.MinBorrow != nil && c.MinBorrow.Sign() < 0 {
		return invalidConfig("market %s: negative min borrow", c.Asset)
	}
	if isPositive(c.MaxBorrow) && c.MinBorrow != nil && c.MaxBorrow.Cmp(c.MinBorrow) < 0 {
		return invalidConfig("market %s: max borrow below min borrow", c.Asset)
	}
	if c.BorrowCap != nil && c.BorrowCap.Sign() < 0 {
		return invalidConfig("market %s: negative borrow cap", c.Asset)
	}
	liq := c.Liquidation
	switch liq.Mode {
	case ModeDirect, ModeAuction:
	default:
		return invalidConfig("market %s: unknown liquidation mode %q", c.Asset, liq.Mode)
	}
	if liq.PenaltyBps > MaxLiquidationPenaltyBps {
		return invalidConfig("market %s: penalty %d above hard cap %d", c.Asset, liq.PenaltyBps, MaxLiquidationPenaltyBps)
	}
	if liq.LiquidatorShareBps+liq.ProtocolShareBps != BasisPoints {
		return invalidConfig("market %s: penalty shares must sum to %d", c.Asset, BasisPoints)
	}
	if liq.MaxLiquidationAmount != nil && liq.MaxLiquidationAmount.Sign() < 0 {
		return invalidConfig("market %s: negative max liquidation amount", c.Asset)
	}
	if liq.Mode == ModeAuction && liq.AuctionDurationSeconds == 0 {
		return invalidConfig("market %s: auction duration must be positive", c.Asset)
	}
	return nil
}

// Clone returns a deep copy of the market configuration.
func (c MarketConfig) Clone() MarketConfig {
	clone := c
	clone.MinBorrow = cloneOptional(c.MinBorrow)
	clone.MaxBorrow = cloneOptional(c.MaxBorrow)
	clone.BorrowCap = cloneOptional(c.BorrowCap)
	clone.Liquidation.MaxLiquidationAmount = cloneOptional(c.Liquidation.MaxLiquidationAmount)
	return clone
}

// ApplyDefaults normalises the asset symbol.
func (c *CollateralConfig) ApplyDefaults() {
	c.Asset = NormalizeAsset(c.Asset)
}

// Validate checks a collateral configuration at write time.
func (c CollateralConfig) Validate() error {
	if c.Asset == "" {
		return invalidConfig("collateral asset must be set")
	}
	if c.MaxLtvBps == 0 || c.MaxLtvBps >= BasisPoints {
		return invalidConfig("collateral %s: max ltv %d outside (0, %d)", c.Asset, c.MaxLtvBps, BasisPoints)
	}
	if c.LiquidationThresholdBps <= c.MaxLtvBps {
		return invalidConfig("collateral %s: liquidation threshold %d must exceed max ltv %d", c.Asset, c.LiquidationThresholdBps, c.MaxLtvBps)
	}
	if c.LiquidationThresholdBps > BasisPoints {
		return invalidConfig("collateral %s: liquidation threshold %d above %d", c.Asset, c.LiquidationThresholdBps, BasisPoints)
	}
	if c.MinDeposit != nil && c.MinDeposit.Sign() < 0 {
		return invalidConfig("collateral %s: negative min deposit", c.Asset)
	}
	return nil
}

// Clone returns a deep copy of the collateral configuration.
func (c CollateralConfig) Clone() CollateralConfig {
	clone := c
	clone.MinDeposit = cloneOptional(c.MinDeposit)
	return clone
}

func cloneOptional(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

package lending

import (
	"math"
	"math/big"
)

const (
	// BasisPoints is the denominator for every ratio in the module.
	BasisPoints = 10_000
	// secondsPerYear is the accrual year used by the interest formula.
	secondsPerYear = 31_536_000
)

var (
	basisPoints = big.NewInt(BasisPoints)
	// PriceScale is the fixed-point scale of USD prices and valuations.
	PriceScale = mustBigInt("1000000000000000000")
	maxUint64  = new(big.Int).SetUint64(math.MaxUint64)
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func cloneBig(x *big.Int) *big.Int {
	if x == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(x)
}

func isPositive(x *big.Int) bool { return x != nil && x.Sign() > 0 }

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// mulDiv returns floor(a*b/c). A zero divisor yields zero.
func mulDiv(a, b, c *big.Int) *big.Int {
	if a == nil || b == nil || c == nil || c.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, c)
}

// mulDivUp returns ceil(a*b/c) for non-negative operands.
func mulDivUp(a, b, c *big.Int) *big.Int {
	if a == nil || b == nil || c == nil || c.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	quo, rem := new(big.Int).QuoRem(product, c, new(big.Int))
	if rem.Sign() > 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

func applyBps(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() == 0 || bps == 0 {
		return big.NewInt(0)
	}
	return mulDiv(amount, new(big.Int).SetUint64(bps), basisPoints)
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// ltvBps computes floor(debtValue * 10000 / collateralValue). Debt against
// worthless collateral saturates at MaxUint64.
func ltvBps(debtValue, collateralValue *big.Int) uint64 {
	if debtValue == nil || debtValue.Sign() == 0 {
		return 0
	}
	if collateralValue == nil || collateralValue.Sign() == 0 {
		return math.MaxUint64
	}
	ltv := mulDiv(debtValue, basisPoints, collateralValue)
	if ltv.Cmp(maxUint64) > 0 {
		return math.MaxUint64
	}
	return ltv.Uint64()
}

// withinLtv reports debtValue * 10000 <= limitBps * collateralValue without
// truncation.
func withinLtv(debtValue, collateralValue *big.Int, limitBps uint64) bool {
	lhs := new(big.Int).Mul(cloneBig(debtValue), basisPoints)
	rhs := new(big.Int).Mul(new(big.Int).SetUint64(limitBps), cloneBig(collateralValue))
	return lhs.Cmp(rhs) <= 0
}

// accrueInterest returns the interest owed on principal at rateBps for
// elapsed seconds along with the new truncation remainder.
func accrueInterest(principal, remainder *big.Int, rateBps, elapsed uint64) (*big.Int, *big.Int) {
	carry := cloneBig(remainder)
	if principal == nil || principal.Sign() <= 0 || rateBps == 0 || elapsed == 0 {
		return big.NewInt(0), carry
	}
	numerator := new(big.Int).Mul(principal, new(big.Int).SetUint64(rateBps))
	numerator.Mul(numerator, new(big.Int).SetUint64(elapsed))
	numerator.Add(numerator, carry)
	denominator := new(big.Int).Mul(basisPoints, big.NewInt(secondsPerYear))
	interest, rem := new(big.Int).QuoRem(numerator, denominator, new(big.Int))
	return interest, rem
}

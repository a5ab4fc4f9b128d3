package lending

import (
	"math"
	"math/big"
	"testing"
)

func TestLtvBps(t *testing.T) {
	cases := []struct {
		name       string
		debt, coll int64
		want       uint64
	}{
		{"no debt", 0, 100, 0},
		{"half", 1000, 2000, 5000},
		{"floor", 1001, 2000, 5005},
		{"worthless collateral", 1, 0, math.MaxUint64},
		{"underwater", 3000, 2000, 15000},
	}
	for _, tc := range cases {
		got := ltvBps(big.NewInt(tc.debt), big.NewInt(tc.coll))
		if got != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, got)
		}
	}
}

func TestWithinLtvIsExact(t *testing.T) {
	if !withinLtv(big.NewInt(1000), big.NewInt(2000), 5000) {
		t.Fatalf("exact bound should pass")
	}
	// 1000.5 / 2000 floors to 5000bp but is above the bound.
	if withinLtv(big.NewInt(10005), big.NewInt(20000), 5000) {
		t.Fatalf("fractional excess should fail")
	}
}

func TestAccrueInterestCarriesRemainder(t *testing.T) {
	principal := big.NewInt(1_000)
	// 1000 * 500bp * 1s / (10000 * 31536000) is far below one unit.
	interest, rem := accrueInterest(principal, nil, 500, 1)
	if interest.Sign() != 0 {
		t.Fatalf("expected zero interest, got %s", interest)
	}
	if rem.Sign() == 0 {
		t.Fatalf("expected remainder to be carried")
	}

	total := big.NewInt(0)
	carry := big.NewInt(0)
	for i := 0; i < secondsPerYear/3600; i++ {
		var step *big.Int
		step, carry = accrueInterest(principal, carry, 500, 3600)
		total.Add(total, step)
	}
	// Hourly touches across a year must match a single year-long accrual.
	once, _ := accrueInterest(principal, nil, 500, secondsPerYear/3600*3600)
	if total.Cmp(once) != 0 {
		t.Fatalf("expected %s accrued with carry, got %s", once, total)
	}
	if once.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("expected 5%% of 1000, got %s", once)
	}
}

func TestMulDivUp(t *testing.T) {
	if got := mulDivUp(big.NewInt(10), big.NewInt(1), big.NewInt(3)); got.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("expected ceil 4, got %s", got)
	}
	if got := mulDivUp(big.NewInt(9), big.NewInt(1), big.NewInt(3)); got.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("expected exact 3, got %s", got)
	}
}

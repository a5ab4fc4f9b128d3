package lending

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func testRateModel() RateModel {
	return RateModel{
		BaseRateBps:           200,
		Slope1Bps:             400,
		Slope2Bps:             6000,
		OptimalUtilizationBps: 8000,
		ReserveFactorBps:      1000,
		MaxRateBps:            5000,
	}
}

func TestBorrowRateKinkedCurve(t *testing.T) {
	m := testRateModel()
	cases := []struct {
		u    uint64
		want uint64
	}{
		{0, 200},
		{4000, 400},
		{8000, 600},
		{9000, 600 + 1000*6000/2000},
		{10000, 5000}, // 600 + 6000 capped at max
		{12000, 5000}, // utilization clamps to 100%
	}
	for _, tc := range cases {
		if got := m.BorrowRate(tc.u); got != tc.want {
			t.Fatalf("u=%d: expected %d, got %d", tc.u, tc.want, got)
		}
	}
}

func TestSupplyRate(t *testing.T) {
	m := testRateModel()
	// 400 * 4000 * 9000 / 1e8 = 144
	if got := m.SupplyRate(4000); got != 144 {
		t.Fatalf("expected 144, got %d", got)
	}
	if got := m.SupplyRate(0); got != 0 {
		t.Fatalf("expected zero supply rate at zero utilization, got %d", got)
	}
}

func TestRateModelRejectsKinkAboveCap(t *testing.T) {
	m := testRateModel()
	m.MaxRateBps = 599
	err := m.Validate()
	if !errors.Is(err, ErrInvalidConfig) || !errors.Is(err, ErrValidation) {
		t.Fatalf("expected invalid config validation error, got %v", err)
	}
	m.MaxRateBps = 600
	if err := m.Validate(); err != nil {
		t.Fatalf("cap equal to kink should be accepted: %v", err)
	}
}

func TestUtilization(t *testing.T) {
	if got := Utilization(big.NewInt(0), big.NewInt(100)); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if got := Utilization(big.NewInt(250), big.NewInt(750)); got != 2500 {
		t.Fatalf("expected 2500, got %d", got)
	}
	if got := Utilization(big.NewInt(10), big.NewInt(0)); got != 10000 {
		t.Fatalf("expected full utilization, got %d", got)
	}
}

func TestRateHistoryEvictsOldest(t *testing.T) {
	h := NewRateHistory(3)
	base := time.Unix(1_700_000_000, 0).UTC()
	for i := 0; i < 5; i++ {
		h.Push(RateSample{Timestamp: base.Add(time.Duration(i) * time.Second), BorrowRateBps: uint64(i)})
	}
	samples := h.Samples()
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}
	for i, s := range samples {
		if s.BorrowRateBps != uint64(i+2) {
			t.Fatalf("sample %d: expected rate %d, got %d", i, i+2, s.BorrowRateBps)
		}
	}

	restored := rateHistoryFromStored(h.toStored(), 2)
	got := restored.Samples()
	if len(got) != 2 || got[0].BorrowRateBps != 3 || got[1].BorrowRateBps != 4 {
		t.Fatalf("unexpected restored samples: %+v", got)
	}
	if !got[1].Timestamp.Equal(base.Add(4 * time.Second)) {
		t.Fatalf("timestamp not preserved: %v", got[1].Timestamp)
	}
}

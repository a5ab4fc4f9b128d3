package lending

import (
	"math/big"
	"time"
)

// maxRateHardCapBps bounds every configured rate so the curve arithmetic stays
// inside uint64.
const maxRateHardCapBps = 1_000_000

// RateModel parameterises the kinked borrow curve of a market. All values are
// annualised basis points.
type RateModel struct {
	BaseRateBps           uint64 `toml:"base_rate_bps" json:"baseRateBps"`
	Slope1Bps             uint64 `toml:"slope1_bps" json:"slope1Bps"`
	Slope2Bps             uint64 `toml:"slope2_bps" json:"slope2Bps"`
	OptimalUtilizationBps uint64 `toml:"optimal_utilization_bps" json:"optimalUtilizationBps"`
	ReserveFactorBps      uint64 `toml:"reserve_factor_bps" json:"reserveFactorBps"`
	MaxRateBps            uint64 `toml:"max_rate_bps" json:"maxRateBps"`
}

// Validate rejects curves whose own kink would exceed the rate cap.
func (m RateModel) Validate() error {
	if m.OptimalUtilizationBps == 0 || m.OptimalUtilizationBps > BasisPoints {
		return invalidConfig("optimal utilization %d outside (0, %d]", m.OptimalUtilizationBps, BasisPoints)
	}
	if m.ReserveFactorBps > BasisPoints {
		return invalidConfig("reserve factor %d above %d", m.ReserveFactorBps, BasisPoints)
	}
	for name, v := range map[string]uint64{
		"base rate": m.BaseRateBps,
		"slope1":    m.Slope1Bps,
		"slope2":    m.Slope2Bps,
		"max rate":  m.MaxRateBps,
	} {
		if v > maxRateHardCapBps {
			return invalidConfig("%s %d above hard cap %d", name, v, maxRateHardCapBps)
		}
	}
	if m.MaxRateBps < m.BaseRateBps+m.Slope1Bps {
		return invalidConfig("max rate %d below base rate + slope1 (%d)", m.MaxRateBps, m.BaseRateBps+m.Slope1Bps)
	}
	return nil
}

// BorrowRate maps utilization to the annual borrow rate.
func (m RateModel) BorrowRate(utilizationBps uint64) uint64 {
	u := clampBps(utilizationBps)
	var rate uint64
	switch {
	case m.OptimalUtilizationBps == 0:
		rate = m.BaseRateBps
	case u <= m.OptimalUtilizationBps:
		rate = m.BaseRateBps + u*m.Slope1Bps/m.OptimalUtilizationBps
	default:
		excess := u - m.OptimalUtilizationBps
		rate = m.BaseRateBps + m.Slope1Bps + excess*m.Slope2Bps/(BasisPoints-m.OptimalUtilizationBps)
	}
	if rate > m.MaxRateBps {
		rate = m.MaxRateBps
	}
	return rate
}

// SupplyRate is the borrow rate scaled by utilization net of reserves.
func (m RateModel) SupplyRate(utilizationBps uint64) uint64 {
	u := clampBps(utilizationBps)
	reserve := m.ReserveFactorBps
	if reserve > BasisPoints {
		reserve = BasisPoints
	}
	return m.BorrowRate(u) * u * (BasisPoints - reserve) / (BasisPoints * BasisPoints)
}

func clampBps(v uint64) uint64 {
	if v > BasisPoints {
		return BasisPoints
	}
	return v
}

// Utilization computes totalBorrowed * 10000 / (totalBorrowed + availableSupply)
// clamped to [0, 10000].
func Utilization(totalBorrowed, availableSupply *big.Int) uint64 {
	if !isPositive(totalBorrowed) {
		return 0
	}
	denominator := new(big.Int).Add(totalBorrowed, cloneBig(availableSupply))
	if availableSupply != nil && availableSupply.Sign() < 0 {
		denominator.Set(totalBorrowed)
	}
	u := mulDiv(totalBorrowed, basisPoints, denominator)
	if u.Cmp(basisPoints) > 0 {
		return BasisPoints
	}
	return u.Uint64()
}

// RateHistory is a bounded ring of rate samples. Once full, each push evicts
// the oldest sample.
type RateHistory struct {
	capacity int
	samples  []RateSample
	next     int
}

func NewRateHistory(capacity int) *RateHistory {
	if capacity <= 0 {
		capacity = DefaultRateHistorySize
	}
	return &RateHistory{capacity: capacity, samples: make([]RateSample, 0, capacity)}
}

// Push appends a sample, overwriting the oldest once the ring is full.
func (h *RateHistory) Push(sample RateSample) {
	if len(h.samples) < h.capacity {
		h.samples = append(h.samples, sample)
		h.next = len(h.samples) % h.capacity
		return
	}
	h.samples[h.next] = sample
	h.next = (h.next + 1) % h.capacity
}

// Len returns the number of retained samples.
func (h *RateHistory) Len() int { return len(h.samples) }

// Samples returns the retained samples oldest first.
func (h *RateHistory) Samples() []RateSample {
	out := make([]RateSample, 0, len(h.samples))
	if len(h.samples) < h.capacity {
		return append(out, h.samples...)
	}
	out = append(out, h.samples[h.next:]...)
	return append(out, h.samples[:h.next]...)
}

type storedRateSample struct {
	Timestamp      uint64
	BorrowRateBps  uint64
	SupplyRateBps  uint64
	UtilizationBps uint64
}

type storedRateHistory struct {
	Samples []storedRateSample
}

func (h *RateHistory) toStored() storedRateHistory {
	ordered := h.Samples()
	out := storedRateHistory{Samples: make([]storedRateSample, len(ordered))}
	for i, s := range ordered {
		out.Samples[i] = storedRateSample{
			Timestamp:      unixSeconds(s.Timestamp),
			BorrowRateBps:  s.BorrowRateBps,
			SupplyRateBps:  s.SupplyRateBps,
			UtilizationBps: s.UtilizationBps,
		}
	}
	return out
}

// rateHistoryFromStored rebuilds a ring; when the capacity shrank only the
// newest samples are kept.
func rateHistoryFromStored(stored storedRateHistory, capacity int) *RateHistory {
	h := NewRateHistory(capacity)
	for _, s := range stored.Samples {
		h.Push(RateSample{
			Timestamp:      fromUnix(s.Timestamp),
			BorrowRateBps:  s.BorrowRateBps,
			SupplyRateBps:  s.SupplyRateBps,
			UtilizationBps: s.UtilizationBps,
		})
	}
	return h
}

func unixSeconds(t time.Time) uint64 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}

func fromUnix(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(int64(v), 0).UTC()
}

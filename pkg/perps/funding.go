package perps

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

const maxFundingHistory = 1000

// FundingSample records one PayFunding observation
type FundingSample struct {
	UnderlyingPip   Pip             `json:"underlying_pip"`
	TwapPip         Pip             `json:"twap_pip"`
	PremiumFraction decimal.Decimal `json:"premium_fraction"`
	Cumulative      decimal.Decimal `json:"cumulative"`
	Timestamp       time.Time       `json:"timestamp"`
}

// FundingState accrues the cumulative premium fraction for one market.
// Positions settle lazily against the cumulative series: each position
// carries the cumulative value it last settled at, and pays the delta on
// its next read or mutation.
type FundingState struct {
	Symbol      string
	Interval    time.Duration // premium normalization period
	MinInterval time.Duration // minimum gap between PayFunding calls

	Cumulative      decimal.Decimal
	LastPaymentTime time.Time
	Samples         []FundingSample
}

// NewFundingState creates funding state from market params
func NewFundingState(params MarketParams) *FundingState {
	return &FundingState{
		Symbol:      params.Symbol,
		Interval:    params.FundingInterval,
		MinInterval: params.MinFundingInterval,
	}
}

// PayFunding appends a sample and advances the cumulative premium
// fraction by (underlying - twap) * elapsed/interval / underlying. The
// first call establishes the baseline; later calls before MinInterval
// has elapsed fail.
func (f *FundingState) PayFunding(underlyingPip, twapPip Pip, now time.Time) (decimal.Decimal, error) {
	if underlyingPip <= 0 || twapPip <= 0 {
		return decimal.Zero, ErrInvalidPrice
	}

	first := f.LastPaymentTime.IsZero()
	elapsed := now.Sub(f.LastPaymentTime)
	if !first && elapsed < f.MinInterval {
		return decimal.Zero, ErrTooEarly
	}

	var fraction decimal.Decimal
	if !first {
		premium := decimal.NewFromInt(int64(underlyingPip - twapPip)).
			Div(decimal.NewFromInt(int64(underlyingPip)))
		periodFraction := decimal.NewFromInt(elapsed.Nanoseconds()).
			Div(decimal.NewFromInt(f.Interval.Nanoseconds()))
		fraction = premium.Mul(periodFraction)
	}

	f.Cumulative = f.Cumulative.Add(fraction)
	f.LastPaymentTime = now
	f.Samples = append(f.Samples, FundingSample{
		UnderlyingPip:   underlyingPip,
		TwapPip:         twapPip,
		PremiumFraction: fraction,
		Cumulative:      f.Cumulative,
		Timestamp:       now,
	})
	if len(f.Samples) > maxFundingHistory {
		f.Samples = f.Samples[len(f.Samples)-maxFundingHistory:]
	}

	return fraction, nil
}

// SettlementDelta computes the funding payment owed since checkpoint:
// (cumulative - checkpoint) * quantity, truncated toward zero into quote
// units. Positive means the position pays (long with positive premium);
// the caller subtracts it from margin.
func (f *FundingState) SettlementDelta(checkpoint decimal.Decimal, quantity int64) *big.Int {
	if quantity == 0 {
		return big.NewInt(0)
	}
	payment := f.Cumulative.Sub(checkpoint).Mul(decimal.NewFromInt(quantity))
	return payment.Truncate(0).BigInt()
}

// History returns up to limit most recent samples, oldest first
func (f *FundingState) History(limit int) []FundingSample {
	if limit <= 0 || limit > len(f.Samples) {
		limit = len(f.Samples)
	}
	out := make([]FundingSample, limit)
	copy(out, f.Samples[len(f.Samples)-limit:])
	return out
}

// pricePoint is one mark price observation for TWAP tracking
type pricePoint struct {
	pip Pip
	ts  time.Time
}

// twapTracker keeps a trailing window of mark price samples and computes
// duration-weighted averages over it.
type twapTracker struct {
	window  time.Duration
	samples []pricePoint
}

func newTwapTracker(window time.Duration) *twapTracker {
	return &twapTracker{window: window}
}

// Record appends a price sample and prunes everything older than the
// window, keeping one sample at or before the cutoff so the window edge
// stays covered.
func (t *twapTracker) Record(pip Pip, now time.Time) {
	t.samples = append(t.samples, pricePoint{pip: pip, ts: now})

	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.samples)-1 && !t.samples[i+1].ts.After(cutoff) {
		i++
	}
	t.samples = t.samples[i:]
}

// Twap returns the duration-weighted average price over the trailing
// interval, each sample weighted by how long it was in effect. Intervals
// longer than recorded history clamp to the oldest sample.
func (t *twapTracker) Twap(interval time.Duration, now time.Time) Pip {
	if len(t.samples) == 0 {
		return 0
	}
	if len(t.samples) == 1 || interval <= 0 {
		return t.samples[len(t.samples)-1].pip
	}

	from := now.Add(-interval)
	if oldest := t.samples[0].ts; from.Before(oldest) {
		from = oldest
	}

	weighted := decimal.Zero
	var total int64
	for i := len(t.samples) - 1; i >= 0; i-- {
		s := t.samples[i]
		end := now
		if i < len(t.samples)-1 {
			end = t.samples[i+1].ts
		}
		start := s.ts
		if start.Before(from) {
			start = from
		}
		if !end.After(start) {
			continue
		}
		dur := end.Sub(start).Nanoseconds()
		weighted = weighted.Add(decimal.NewFromInt(int64(s.pip)).Mul(decimal.NewFromInt(dur)))
		total += dur
		if !s.ts.After(from) {
			break
		}
	}
	if total == 0 {
		return t.samples[len(t.samples)-1].pip
	}
	return Pip(weighted.Div(decimal.NewFromInt(total)).Truncate(0).IntPart())
}

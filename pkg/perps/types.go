package perps

import (
	"math/big"
	"time"
)

// Side represents position/order direction
type Side int

const (
	Long Side = iota
	Short
)

// Sign returns +1 for Long, -1 for Short
func (s Side) Sign() int64 {
	if s == Long {
		return 1
	}
	return -1
}

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

func (s Side) String() string {
	if s == Long {
		return "long"
	}
	return "short"
}

// Pip is an integer price tick. 1 pip = 0.01 quote unit.
type Pip int64

// PipScale converts pips to whole quote units
const PipScale = 100

// PriceSource selects which price feeds a margin computation
type PriceSource int

const (
	SpotPrice PriceSource = iota
	TwapPrice
)

// MarginRatioInsolvent is the saturated margin ratio reported when the
// margin balance is zero or negative.
const MarginRatioInsolvent = int64(1<<63 - 1)

// MarketParams holds per-market risk and funding configuration
type MarketParams struct {
	Symbol string

	// Risk ratios in basis points
	MaintenanceMarginRatioBps int64 // e.g. 300 = 3%
	LiquidationPenaltyBps     int64 // margin penalty on partial liquidation, e.g. 300 = 3%

	// Liquidation thresholds as integer percent of margin ratio
	PartialLiquidationRatio int64 // e.g. 80
	FullLiquidationRatio    int64 // e.g. 100

	// Fraction of quantity closed on partial liquidation, integer percent
	PartialLiquidationQuantityPct int64 // e.g. 20

	// Funding
	FundingInterval    time.Duration // premium normalization period
	MinFundingInterval time.Duration // minimum wall-clock gap between PayFunding calls
	TwapWindow         time.Duration // mark price TWAP sampling window

	MaxLeverage int64
}

// DefaultMarketParams returns the standard risk configuration for a symbol
func DefaultMarketParams(symbol string) MarketParams {
	return MarketParams{
		Symbol:                        symbol,
		MaintenanceMarginRatioBps:     300,
		LiquidationPenaltyBps:         300,
		PartialLiquidationRatio:       80,
		FullLiquidationRatio:          100,
		PartialLiquidationQuantityPct: 20,
		FundingInterval:               time.Hour,
		MinFundingInterval:            time.Hour,
		TwapWindow:                    time.Hour,
		MaxLeverage:                   125,
	}
}

// Fill represents one consumed slice of resting liquidity
type Fill struct {
	Pip      Pip
	Quantity int64
	OrderID  uint64
	Maker    string
}

// Trade is an executed match between a taker and one maker order
type Trade struct {
	Symbol    string
	Pip       Pip
	Quantity  int64
	TakerSide Side
	Taker     string
	Maker     string
	OrderID   uint64
	Timestamp time.Time
}

// EventType identifies engine events published to subscribers
type EventType string

const (
	EventTrade       EventType = "trade"
	EventLiquidation EventType = "liquidation"
	EventFunding     EventType = "funding"
	EventOrder       EventType = "order"
)

// Event is an engine notification emitted at action boundaries
type Event struct {
	Type      EventType
	Symbol    string
	Timestamp time.Time
	Data      interface{}
}

// MaintenanceDetail is the margin health snapshot for a position
type MaintenanceDetail struct {
	MaintenanceMargin *big.Int
	MarginBalance     *big.Int
	MarginRatio       int64 // integer percent, MarginRatioInsolvent when balance <= 0
}

// notionalValue computes |quantity| * pip in whole quote units,
// multiplying before dividing and truncating toward zero.
func notionalValue(pip Pip, quantity int64) *big.Int {
	if quantity < 0 {
		quantity = -quantity
	}
	n := new(big.Int).Mul(big.NewInt(int64(pip)), big.NewInt(quantity))
	return n.Quo(n, big.NewInt(PipScale))
}

// marginForNotional computes pip*quantity/(PipScale*leverage) in quote units
func marginForNotional(pip Pip, quantity int64, leverage int64) *big.Int {
	if quantity < 0 {
		quantity = -quantity
	}
	n := new(big.Int).Mul(big.NewInt(int64(pip)), big.NewInt(quantity))
	return n.Quo(n, big.NewInt(PipScale*leverage))
}

// mulDivBig computes v * num / den with truncation toward zero
func mulDivBig(v *big.Int, num, den int64) *big.Int {
	r := new(big.Int).Mul(v, big.NewInt(num))
	return r.Quo(r, big.NewInt(den))
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

package perps

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Position is one trader's open position in one market. Quantity is
// signed: positive long, negative short. Flat positions hold no margin
// and no open notional.
type Position struct {
	Trader       string
	Symbol       string
	Quantity     int64
	Margin       *big.Int
	OpenNotional *big.Int
	ManualMargin *big.Int
	Leverage     int64

	// Funding checkpoint: cumulative premium fraction at last settlement
	LastPremiumFraction decimal.Decimal
}

// NewPosition returns a flat position for trader in symbol
func NewPosition(trader, symbol string) *Position {
	return &Position{
		Trader:       trader,
		Symbol:       symbol,
		Margin:       big.NewInt(0),
		OpenNotional: big.NewInt(0),
		ManualMargin: big.NewInt(0),
	}
}

// IsFlat reports whether the position holds no quantity
func (p *Position) IsFlat() bool {
	return p.Quantity == 0
}

// Side returns the position direction. Meaningless when flat.
func (p *Position) Side() Side {
	if p.Quantity >= 0 {
		return Long
	}
	return Short
}

// TotalMargin is position margin plus manual margin
func (p *Position) TotalMargin() *big.Int {
	return new(big.Int).Add(p.Margin, p.ManualMargin)
}

// Clone returns a deep copy
func (p *Position) Clone() *Position {
	return &Position{
		Trader:              p.Trader,
		Symbol:              p.Symbol,
		Quantity:            p.Quantity,
		Margin:              new(big.Int).Set(p.Margin),
		OpenNotional:        new(big.Int).Set(p.OpenNotional),
		ManualMargin:        new(big.Int).Set(p.ManualMargin),
		Leverage:            p.Leverage,
		LastPremiumFraction: p.LastPremiumFraction,
	}
}

// NotionalAndUnrealizedPnl values the position at markPip. The notional
// is |quantity| * markPrice; the PnL is quantity * (markPrice -
// entryPrice), computed as a signed difference of notionals so the entry
// price division never loses precision.
func (p *Position) NotionalAndUnrealizedPnl(markPip Pip) (*big.Int, *big.Int) {
	notional := notionalValue(markPip, p.Quantity)
	if p.IsFlat() {
		return notional, big.NewInt(0)
	}
	pnl := new(big.Int).Sub(notional, p.OpenNotional)
	if p.Quantity < 0 {
		pnl.Neg(pnl)
	}
	return notional, pnl
}

// FillOutcome is the result of applying one fill to a position. The
// position state is a fresh value; callers commit it only once external
// settlement succeeds.
type FillOutcome struct {
	Position *Position

	// Increase leg
	MarginConsumed *big.Int

	// Decrease leg
	RealizedPnl          *big.Int
	ReleasedMargin       *big.Int
	ReleasedManualMargin *big.Int
	ReleasedNotional     *big.Int

	ClosedQuantity int64
}

func emptyOutcome(p *Position) FillOutcome {
	return FillOutcome{
		Position:             p,
		MarginConsumed:       big.NewInt(0),
		RealizedPnl:          big.NewInt(0),
		ReleasedMargin:       big.NewInt(0),
		ReleasedManualMargin: big.NewInt(0),
		ReleasedNotional:     big.NewInt(0),
	}
}

// ApplyFill transforms a position with one fill at fillPip. Three cases:
// same-direction increase, opposite-direction decrease, and reversal
// (close then reopen the residual at the same clearing price). Funding
// must already be settled by the caller.
func ApplyFill(p *Position, side Side, quantity int64, fillPip Pip, leverage int64) (FillOutcome, error) {
	if quantity <= 0 {
		return FillOutcome{}, ErrInvalidQuantity
	}
	if fillPip <= 0 {
		return FillOutcome{}, ErrInvalidPrice
	}
	if leverage <= 0 {
		return FillOutcome{}, ErrExcessiveLeverage
	}

	next := p.Clone()

	// Same direction, or opening from flat: increase
	if p.IsFlat() || p.Side() == side {
		out := emptyOutcome(next)
		consumed := marginForNotional(fillPip, quantity, leverage)
		next.Margin.Add(next.Margin, consumed)
		next.OpenNotional.Add(next.OpenNotional, notionalValue(fillPip, quantity))
		next.Quantity += side.Sign() * quantity
		next.Leverage = leverage
		out.MarginConsumed = consumed
		return out, nil
	}

	absQty := absInt64(p.Quantity)

	// Opposite direction within position size: decrease
	if quantity <= absQty {
		return applyDecrease(next, quantity, fillPip), nil
	}

	// Reversal: fully close, then open the residual at the same price
	out := applyDecrease(next, absQty, fillPip)
	residual := quantity - absQty

	reopened := out.Position
	consumed := marginForNotional(fillPip, residual, leverage)
	reopened.Margin.Add(reopened.Margin, consumed)
	reopened.OpenNotional.Add(reopened.OpenNotional, notionalValue(fillPip, residual))
	reopened.Quantity = side.Sign() * residual
	reopened.Leverage = leverage
	out.MarginConsumed = consumed
	return out, nil
}

// applyDecrease releases margin, manual margin and open notional in the
// ratio quantity/|position| and realizes PnL signed by the original
// direction. A full close zeroes the position exactly so truncation can
// never strand dust.
func applyDecrease(next *Position, quantity int64, fillPip Pip) FillOutcome {
	out := emptyOutcome(next)
	absQty := absInt64(next.Quantity)
	origSign := int64(1)
	if next.Quantity < 0 {
		origSign = -1
	}

	var releasedMargin, releasedManual, releasedNotional *big.Int
	if quantity == absQty {
		releasedMargin = new(big.Int).Set(next.Margin)
		releasedManual = new(big.Int).Set(next.ManualMargin)
		releasedNotional = new(big.Int).Set(next.OpenNotional)
	} else {
		releasedMargin = mulDivBig(next.Margin, quantity, absQty)
		releasedManual = mulDivBig(next.ManualMargin, quantity, absQty)
		releasedNotional = mulDivBig(next.OpenNotional, quantity, absQty)
	}

	// realized = quantity * (fillPrice - entryPrice) signed by direction
	// = sign * (fillNotional - releasedNotional)
	closeNotional := notionalValue(fillPip, quantity)
	realized := new(big.Int).Sub(closeNotional, releasedNotional)
	if origSign < 0 {
		realized.Neg(realized)
	}

	next.Margin.Sub(next.Margin, releasedMargin)
	next.ManualMargin.Sub(next.ManualMargin, releasedManual)
	next.OpenNotional.Sub(next.OpenNotional, releasedNotional)
	next.Quantity -= origSign * quantity

	out.RealizedPnl = realized
	out.ReleasedMargin = releasedMargin
	out.ReleasedManualMargin = releasedManual
	out.ReleasedNotional = releasedNotional
	out.ClosedQuantity = quantity
	return out
}

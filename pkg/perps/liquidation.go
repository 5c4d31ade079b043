package perps

import (
	"math/big"
)

// maintenanceDetail computes margin health at markPip. The maintenance
// margin is openNotional * maintenance ratio; the margin balance is
// position margin + manual margin + unrealized PnL; the margin ratio is
// maintenance/balance as an integer percent, saturating when the balance
// is zero or negative.
func maintenanceDetail(p *Position, markPip Pip, params MarketParams) MaintenanceDetail {
	maintenance := mulDivBig(p.OpenNotional, params.MaintenanceMarginRatioBps, 10000)

	_, pnl := p.NotionalAndUnrealizedPnl(markPip)
	balance := new(big.Int).Add(p.TotalMargin(), pnl)

	ratio := MarginRatioInsolvent
	if balance.Sign() > 0 {
		r := new(big.Int).Mul(maintenance, big.NewInt(100))
		r.Quo(r, balance)
		if r.IsInt64() {
			ratio = r.Int64()
		}
	}

	return MaintenanceDetail{
		MaintenanceMargin: maintenance,
		MarginBalance:     balance,
		MarginRatio:       ratio,
	}
}

// LiquidationOutcome is the computed result of liquidating a position.
// Committed by the market only after the penalty transfer settles.
type LiquidationOutcome struct {
	Position           *Position
	Full               bool
	LiquidatedQuantity int64
	Penalty            *big.Int
}

// planLiquidation decides between partial and full liquidation from the
// margin ratio. Below the partial threshold, or on a flat position, there
// is nothing to liquidate. Between the thresholds a fixed percentage of
// quantity is closed and the penalty is carved out of both margins; above
// the full threshold the entire position and margin are seized.
func planLiquidation(p *Position, detail MaintenanceDetail, params MarketParams) (LiquidationOutcome, error) {
	if p.IsFlat() || detail.MarginRatio < params.PartialLiquidationRatio {
		return LiquidationOutcome{}, ErrNothingToLiquidate
	}

	next := p.Clone()
	absQty := absInt64(p.Quantity)

	// The partial close quantity rounds up to one contract; a position too
	// small to shrink escalates to full liquidation.
	liqQty := absQty * params.PartialLiquidationQuantityPct / 100
	if liqQty == 0 {
		liqQty = 1
	}

	if detail.MarginRatio >= params.FullLiquidationRatio || liqQty >= absQty {
		penalty := next.TotalMargin()
		if penalty.Sign() < 0 {
			penalty = big.NewInt(0)
		}
		next.Quantity = 0
		next.Margin = big.NewInt(0)
		next.ManualMargin = big.NewInt(0)
		next.OpenNotional = big.NewInt(0)
		return LiquidationOutcome{
			Position:           next,
			Full:               true,
			LiquidatedQuantity: absQty,
			Penalty:            penalty,
		}, nil
	}

	marginPenalty := mulDivBig(next.Margin, params.LiquidationPenaltyBps, 10000)
	manualPenalty := mulDivBig(next.ManualMargin, params.LiquidationPenaltyBps, 10000)
	penalty := new(big.Int).Add(marginPenalty, manualPenalty)

	// Quantity and open notional shrink by the quantity actually closed,
	// preserving the entry price; both margins keep 1 - penalty ratio.
	next.OpenNotional = mulDivBig(next.OpenNotional, absQty-liqQty, absQty)
	next.Quantity -= p.Side().Sign() * liqQty
	next.Margin.Sub(next.Margin, marginPenalty)
	next.ManualMargin.Sub(next.ManualMargin, manualPenalty)

	return LiquidationOutcome{
		Position:           next,
		LiquidatedQuantity: liqQty,
		Penalty:            penalty,
	}, nil
}

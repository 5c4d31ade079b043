package perps

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// PositionSnapshot is the wire form of one position. Quote amounts are
// decimal strings so snapshots survive JSON round trips without
// precision loss.
type PositionSnapshot struct {
	Trader              string `json:"trader"`
	Quantity            int64  `json:"quantity"`
	Margin              string `json:"margin"`
	ManualMargin        string `json:"manual_margin"`
	OpenNotional        string `json:"open_notional"`
	Leverage            int64  `json:"leverage"`
	LastPremiumFraction string `json:"last_premium_fraction"`
}

// MarketSnapshot captures the persistent state of one market: positions,
// claims, funding and the mark price. Resting orders are intentionally
// absent; traders re-place them after a restart and their margin
// reserves are refunded through claims at snapshot time.
type MarketSnapshot struct {
	Symbol          string             `json:"symbol"`
	MarkPip         Pip                `json:"mark_pip"`
	Cumulative      string             `json:"cumulative_premium_fraction"`
	LastPaymentTime time.Time          `json:"last_payment_time"`
	Positions       []PositionSnapshot `json:"positions"`
	Claims          map[string]string  `json:"claims"`
}

// Snapshot captures the market's persistent state. Margin reserved by
// resting orders is folded into claims so no collateral is stranded when
// the book is rebuilt empty.
func (m *Market) Snapshot() MarketSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MarketSnapshot{
		Symbol:          m.params.Symbol,
		MarkPip:         m.book.MarkPip(),
		Cumulative:      m.funding.Cumulative.String(),
		LastPaymentTime: m.funding.LastPaymentTime,
		Claims:          make(map[string]string),
	}

	for _, pos := range m.positions {
		snap.Positions = append(snap.Positions, PositionSnapshot{
			Trader:              pos.Trader,
			Quantity:            pos.Quantity,
			Margin:              pos.Margin.String(),
			ManualMargin:        pos.ManualMargin.String(),
			OpenNotional:        pos.OpenNotional.String(),
			Leverage:            pos.Leverage,
			LastPremiumFraction: pos.LastPremiumFraction.String(),
		})
	}

	for trader, claim := range m.claims {
		total := new(big.Int).Set(claim)
		for _, o := range m.pending[trader] {
			total.Add(total, o.ReservedMargin)
		}
		snap.Claims[trader] = total.String()
	}
	for trader, orders := range m.pending {
		if _, done := m.claims[trader]; done {
			continue
		}
		total := big.NewInt(0)
		for _, o := range orders {
			total.Add(total, o.ReservedMargin)
		}
		if total.Sign() > 0 {
			snap.Claims[trader] = total.String()
		}
	}

	return snap
}

// Restore loads a snapshot into an empty market. The book starts empty
// at the snapshot's mark price.
func (m *Market) Restore(snap MarketSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cumulative, err := decimal.NewFromString(snap.Cumulative)
	if err != nil {
		return err
	}

	m.book.SetMarkPip(snap.MarkPip)
	m.funding.Cumulative = cumulative
	m.funding.LastPaymentTime = snap.LastPaymentTime

	for _, ps := range snap.Positions {
		pos := NewPosition(ps.Trader, snap.Symbol)
		pos.Quantity = ps.Quantity
		pos.Leverage = ps.Leverage
		if pos.Margin, err = parseBigInt(ps.Margin); err != nil {
			return err
		}
		if pos.ManualMargin, err = parseBigInt(ps.ManualMargin); err != nil {
			return err
		}
		if pos.OpenNotional, err = parseBigInt(ps.OpenNotional); err != nil {
			return err
		}
		if pos.LastPremiumFraction, err = decimal.NewFromString(ps.LastPremiumFraction); err != nil {
			return err
		}
		m.positions[ps.Trader] = pos
	}

	for trader, raw := range snap.Claims {
		claim, err := parseBigInt(raw)
		if err != nil {
			return err
		}
		m.claims[trader] = claim
	}
	return nil
}

func parseBigInt(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid quote amount %q", s)
	}
	return v, nil
}

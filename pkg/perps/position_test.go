package perps

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyFillIncrease(t *testing.T) {
	t.Run("OpenFromFlat", func(t *testing.T) {
		// Long 10 at price 5000.00 with 10x leverage: margin 5000
		pos := NewPosition("alice", "BTC-PERP")
		out, err := ApplyFill(pos, Long, 10, 500000, 10)
		require.NoError(t, err)

		next := out.Position
		assert.Equal(t, int64(10), next.Quantity)
		assert.Equal(t, big.NewInt(5000), next.Margin)
		assert.Equal(t, big.NewInt(50000), next.OpenNotional)
		assert.Equal(t, big.NewInt(5000), out.MarginConsumed)
	})

	t.Run("AddToExisting", func(t *testing.T) {
		pos := NewPosition("alice", "BTC-PERP")
		out, _ := ApplyFill(pos, Long, 10, 500000, 10)
		out, err := ApplyFill(out.Position, Long, 5, 520000, 10)
		require.NoError(t, err)

		next := out.Position
		assert.Equal(t, int64(15), next.Quantity)
		// 5000 + 520000*5/(100*10) = 5000 + 2600
		assert.Equal(t, big.NewInt(7600), next.Margin)
		assert.Equal(t, big.NewInt(76000), next.OpenNotional)
	})

	t.Run("ShortSide", func(t *testing.T) {
		pos := NewPosition("bob", "BTC-PERP")
		out, err := ApplyFill(pos, Short, 10, 500000, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(-10), out.Position.Quantity)
		assert.Equal(t, big.NewInt(10000), out.Position.Margin)
	})
}

func TestApplyFillDecrease(t *testing.T) {
	open := func(t *testing.T) *Position {
		t.Helper()
		pos := NewPosition("alice", "BTC-PERP")
		out, err := ApplyFill(pos, Long, 10, 500000, 10)
		require.NoError(t, err)
		return out.Position
	}

	t.Run("PartialCloseProportional", func(t *testing.T) {
		pos := open(t)
		pos.ManualMargin = big.NewInt(1000)

		// Close 3 of 10 at the same price: no PnL, 3/10 released
		out, err := ApplyFill(pos, Short, 3, 500000, 10)
		require.NoError(t, err)

		next := out.Position
		assert.Equal(t, int64(7), next.Quantity)
		assert.Equal(t, big.NewInt(3500), next.Margin)
		assert.Equal(t, big.NewInt(700), next.ManualMargin)
		assert.Equal(t, big.NewInt(35000), next.OpenNotional)
		assert.Equal(t, big.NewInt(1500), out.ReleasedMargin)
		assert.Equal(t, big.NewInt(300), out.ReleasedManualMargin)
		assert.Equal(t, int64(0), out.RealizedPnl.Int64())

		// Remaining total margin is 6000 * 7/10
		assert.Equal(t, big.NewInt(4200), next.TotalMargin())
	})

	t.Run("RealizedPnlLong", func(t *testing.T) {
		pos := open(t)
		// Close 4 at 5100.00: pnl = 4 * 100 = 400
		out, err := ApplyFill(pos, Short, 4, 510000, 10)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(400), out.RealizedPnl)
	})

	t.Run("RealizedPnlShort", func(t *testing.T) {
		pos := NewPosition("bob", "BTC-PERP")
		out, _ := ApplyFill(pos, Short, 10, 500000, 10)
		// Short gains when price falls
		out, err := ApplyFill(out.Position, Long, 4, 490000, 10)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(400), out.RealizedPnl)
	})

	t.Run("FullCloseZeroesEverything", func(t *testing.T) {
		pos := open(t)
		pos.ManualMargin = big.NewInt(999) // awkward amount, must not strand dust

		out, err := ApplyFill(pos, Short, 10, 505000, 10)
		require.NoError(t, err)

		next := out.Position
		assert.True(t, next.IsFlat())
		assert.Zero(t, next.Margin.Sign())
		assert.Zero(t, next.ManualMargin.Sign())
		assert.Zero(t, next.OpenNotional.Sign())
		assert.Equal(t, big.NewInt(5000), out.ReleasedMargin)
		assert.Equal(t, big.NewInt(999), out.ReleasedManualMargin)
		assert.Equal(t, big.NewInt(500), out.RealizedPnl)
	})

	t.Run("Reversal", func(t *testing.T) {
		pos := open(t)

		// Sell 15 against long 10: close 10, open short 5, one clearing price
		out, err := ApplyFill(pos, Short, 15, 510000, 10)
		require.NoError(t, err)

		next := out.Position
		assert.Equal(t, int64(-5), next.Quantity)
		assert.Equal(t, big.NewInt(1000), out.RealizedPnl)
		assert.Equal(t, int64(10), out.ClosedQuantity)
		// New short leg: 510000*5/(100*10)
		assert.Equal(t, big.NewInt(2550), next.Margin)
		assert.Equal(t, big.NewInt(25500), next.OpenNotional)
		assert.Equal(t, big.NewInt(2550), out.MarginConsumed)
	})
}

func TestNotionalAndUnrealizedPnl(t *testing.T) {
	t.Run("Long", func(t *testing.T) {
		pos := NewPosition("alice", "BTC-PERP")
		out, _ := ApplyFill(pos, Long, 10, 500000, 10)

		notional, pnl := out.Position.NotionalAndUnrealizedPnl(510000)
		assert.Equal(t, big.NewInt(51000), notional)
		assert.Equal(t, big.NewInt(1000), pnl)

		_, pnl = out.Position.NotionalAndUnrealizedPnl(490000)
		assert.Equal(t, big.NewInt(-1000), pnl)
	})

	t.Run("Short", func(t *testing.T) {
		pos := NewPosition("bob", "BTC-PERP")
		out, _ := ApplyFill(pos, Short, 10, 500000, 10)

		_, pnl := out.Position.NotionalAndUnrealizedPnl(490000)
		assert.Equal(t, big.NewInt(1000), pnl)
	})

	t.Run("Flat", func(t *testing.T) {
		pos := NewPosition("carol", "BTC-PERP")
		notional, pnl := pos.NotionalAndUnrealizedPnl(500000)
		assert.Zero(t, notional.Sign())
		assert.Zero(t, pnl.Sign())
	})
}

func TestFlatInvariant(t *testing.T) {
	// quantity == 0 <=> margin == 0 <=> openNotional == 0, through a
	// sequence of partial closes ending flat
	pos := NewPosition("alice", "BTC-PERP")
	out, err := ApplyFill(pos, Long, 9, 500000, 10)
	require.NoError(t, err)

	for _, q := range []int64{2, 3, 4} {
		out, err = ApplyFill(out.Position, Short, q, 503000, 10)
		require.NoError(t, err)
		flat := out.Position.IsFlat()
		assert.Equal(t, flat, out.Position.Margin.Sign() == 0)
		assert.Equal(t, flat, out.Position.OpenNotional.Sign() == 0)
	}
	assert.True(t, out.Position.IsFlat())
}

func TestApplyFillValidation(t *testing.T) {
	pos := NewPosition("alice", "BTC-PERP")

	_, err := ApplyFill(pos, Long, 0, 500000, 10)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = ApplyFill(pos, Long, 10, 0, 10)
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = ApplyFill(pos, Long, 10, 500000, 0)
	assert.ErrorIs(t, err, ErrExcessiveLeverage)
}

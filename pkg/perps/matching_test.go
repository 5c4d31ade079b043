package perps

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMarket(t *testing.T) (*Market, *Vault) {
	t.Helper()
	vault := NewVault()
	m := NewMarket(DefaultMarketParams("BTC-PERP"), 500000, vault)
	return m, vault
}

func TestOpenMarketPosition(t *testing.T) {
	t.Run("FillAgainstRestingShort", func(t *testing.T) {
		m, vault := newTestMarket(t)
		vault.Fund("bob", big.NewInt(6000))
		vault.Fund("alice", big.NewInt(6000))

		// Maker reserve 501000*10/(100*10) = 5010
		orderID, err := m.OpenLimitOrder("bob", 501000, Short, 10, 10, false)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(990), vault.Balance("bob"))

		fills, err := m.OpenMarketPosition("alice", Long, 10, 10)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, Pip(501000), fills[0].Pip)
		assert.Equal(t, big.NewInt(990), vault.Balance("alice"))

		alice, ok := m.GetPosition("alice")
		require.True(t, ok)
		assert.Equal(t, int64(10), alice.Quantity)
		assert.Equal(t, big.NewInt(5010), alice.Margin)
		assert.Equal(t, big.NewInt(50100), alice.OpenNotional)

		bob, ok := m.GetPosition("bob")
		require.True(t, ok)
		assert.Equal(t, int64(-10), bob.Quantity)
		assert.Equal(t, big.NewInt(5010), bob.Margin)

		// Fully filled order leaves no pending record
		assert.Empty(t, m.GetPendingOrders("bob"))
		_, found := m.GetPendingOrder(501000, orderID)
		assert.False(t, found)

		assert.Equal(t, Pip(501000), m.MarkPip())
	})

	t.Run("PartialFillUpdatesPending", func(t *testing.T) {
		m, vault := newTestMarket(t)
		vault.Fund("bob", big.NewInt(6000))
		vault.Fund("alice", big.NewInt(6000))

		orderID, err := m.OpenLimitOrder("bob", 501000, Short, 10, 10, false)
		require.NoError(t, err)

		_, err = m.OpenMarketPosition("alice", Long, 4, 10)
		require.NoError(t, err)

		order, found := m.GetPendingOrder(501000, orderID)
		require.True(t, found)
		assert.Equal(t, int64(4), order.PartialFilled)
		assert.Equal(t, int64(6), order.Remaining())
		assert.False(t, order.IsFilled)
		// 5010 reserved minus 501000*4/1000 consumed
		assert.Equal(t, big.NewInt(3006), order.ReservedMargin)

		bob, ok := m.GetPosition("bob")
		require.True(t, ok)
		assert.Equal(t, int64(-4), bob.Quantity)
		assert.Equal(t, big.NewInt(2004), bob.Margin)
	})

	t.Run("ReserveDustClaimedOnFullFill", func(t *testing.T) {
		m, vault := newTestMarket(t)
		vault.Fund("bob", big.NewInt(2000))
		vault.Fund("alice", big.NewInt(2000))

		// Reserve truncates to 1501; three single-lot fills consume 500
		// each, leaving 1 in the reserve at full fill
		_, err := m.OpenLimitOrder("bob", 500500, Short, 3, 10, false)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(499), vault.Balance("bob"))

		for i := 0; i < 3; i++ {
			_, err := m.OpenMarketPosition("alice", Long, 1, 10)
			require.NoError(t, err)
		}

		assert.Empty(t, m.GetPendingOrders("bob"))
		assert.Equal(t, big.NewInt(1), m.GetClaimAmount("bob"))
	})

	t.Run("SettlementFailureRollsBack", func(t *testing.T) {
		m, vault := newTestMarket(t)
		vault.Fund("bob", big.NewInt(6000))

		orderID, err := m.OpenLimitOrder("bob", 501000, Short, 10, 10, false)
		require.NoError(t, err)

		// alice has no collateral
		_, err = m.OpenMarketPosition("alice", Long, 10, 10)
		assert.ErrorIs(t, err, ErrSettlementFailed)

		// Book, maker position and pending order are untouched
		assert.Equal(t, int64(10), m.book.LiquidityInRange(Short, 501000, 501000))
		_, ok := m.GetPosition("bob")
		assert.False(t, ok)
		order, found := m.GetPendingOrder(501000, orderID)
		require.True(t, found)
		assert.Zero(t, order.PartialFilled)
		assert.Equal(t, Pip(500000), m.MarkPip())
	})

	t.Run("LeverageAndQuantityValidation", func(t *testing.T) {
		m, _ := newTestMarket(t)
		_, err := m.OpenMarketPosition("alice", Long, 10, 0)
		assert.ErrorIs(t, err, ErrExcessiveLeverage)
		_, err = m.OpenMarketPosition("alice", Long, 10, 126)
		assert.ErrorIs(t, err, ErrExcessiveLeverage)
		_, err = m.OpenMarketPosition("alice", Long, 0, 10)
		assert.ErrorIs(t, err, ErrInvalidQuantity)
	})
}

func TestOpenLimitOrder(t *testing.T) {
	t.Run("OppositeSidePendingRejected", func(t *testing.T) {
		m, vault := newTestMarket(t)
		vault.Fund("alice", big.NewInt(20000))

		_, err := m.OpenLimitOrder("alice", 499000, Long, 10, 10, false)
		require.NoError(t, err)

		_, err = m.OpenLimitOrder("alice", 501000, Short, 10, 10, false)
		assert.ErrorIs(t, err, ErrOppositeSidePendingExists)

		// Same side is fine
		_, err = m.OpenLimitOrder("alice", 498000, Long, 5, 10, false)
		assert.NoError(t, err)
	})

	t.Run("CrossingOrderExecutesImmediately", func(t *testing.T) {
		m, vault := newTestMarket(t)
		vault.Fund("bob", big.NewInt(6000))
		vault.Fund("alice", big.NewInt(6000))

		_, err := m.OpenLimitOrder("bob", 501000, Short, 5, 10, false)
		require.NoError(t, err)

		// Long at 502000 crosses the mark and fills at the resting 501000
		orderID, err := m.OpenLimitOrder("alice", 502000, Long, 5, 10, false)
		require.NoError(t, err)
		assert.NotZero(t, orderID)
		assert.Empty(t, m.GetPendingOrders("alice"))

		alice, ok := m.GetPosition("alice")
		require.True(t, ok)
		assert.Equal(t, int64(5), alice.Quantity)
		assert.Equal(t, big.NewInt(2505), alice.Margin)
	})

	t.Run("CrossingOrderBoundedByItsLimit", func(t *testing.T) {
		m, vault := newTestMarket(t)
		vault.Fund("bob", big.NewInt(6000))
		vault.Fund("alice", big.NewInt(6000))

		_, err := m.OpenLimitOrder("bob", 503000, Short, 5, 10, false)
		require.NoError(t, err)

		// Crosses the mark but the only liquidity sits past the limit
		_, err = m.OpenLimitOrder("alice", 502000, Long, 5, 10, false)
		assert.ErrorIs(t, err, ErrInsufficientLiquidity)

		_, ok := m.GetPosition("alice")
		assert.False(t, ok)
		assert.Equal(t, big.NewInt(6000), vault.Balance("alice"))
	})

	t.Run("PlacementSettlementFailure", func(t *testing.T) {
		m, _ := newTestMarket(t)
		_, err := m.OpenLimitOrder("alice", 499000, Long, 10, 10, false)
		assert.ErrorIs(t, err, ErrSettlementFailed)
		assert.Empty(t, m.GetPendingOrders("alice"))
	})
}

func TestMakerFillOnExistingPosition(t *testing.T) {
	// A resting non-reduce-only order reserves margin for an increase, but
	// the fill may instead decrease the maker's opposite position. The
	// unconsumed reserve has to flow back to the maker.
	t.Run("DecreaseReturnsUnconsumedReserve", func(t *testing.T) {
		m, vault := newTestMarket(t)
		vault.Fund("carol", big.NewInt(6000))
		vault.Fund("bob", big.NewInt(10030))
		vault.Fund("alice", big.NewInt(6000))

		_, err := m.OpenLimitOrder("carol", 501000, Short, 10, 10, false)
		require.NoError(t, err)
		_, err = m.OpenMarketPosition("bob", Long, 10, 10)
		require.NoError(t, err)

		// Bob is long 10 with margin 5010 and rests a plain short above
		// the mark; reserve 502000*10/(100*10) = 5020 drains his balance
		_, err = m.OpenLimitOrder("bob", 502000, Short, 10, 10, false)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(0), vault.Balance("bob"))

		_, err = m.OpenMarketPosition("alice", Long, 10, 10)
		require.NoError(t, err)

		// The fill closed bob's long instead of opening a short: released
		// margin 5010 + pnl 100, and the untouched reserve 5020 on top
		_, ok := m.GetPosition("bob")
		assert.False(t, ok)
		assert.Equal(t, big.NewInt(10130), m.GetClaimAmount("bob"))

		claimed, err := m.ClaimFunds("bob")
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(10130), claimed)
		assert.Equal(t, big.NewInt(10130), vault.Balance("bob"))
	})

	t.Run("ReversalKeepsOnlyResidualMargin", func(t *testing.T) {
		m, vault := newTestMarket(t)
		vault.Fund("carol", big.NewInt(6000))
		vault.Fund("bob", big.NewInt(12540))
		vault.Fund("alice", big.NewInt(8000))

		_, err := m.OpenLimitOrder("carol", 501000, Short, 10, 10, false)
		require.NoError(t, err)
		_, err = m.OpenMarketPosition("bob", Long, 10, 10)
		require.NoError(t, err)

		// Reserve 502000*15/(100*10) = 7530
		_, err = m.OpenLimitOrder("bob", 502000, Short, 15, 10, false)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(0), vault.Balance("bob"))

		_, err = m.OpenMarketPosition("alice", Long, 15, 10)
		require.NoError(t, err)

		// Close leg frees 5010 margin + 100 pnl; the residual short 5
		// keeps 2510 of the reserve and the remaining 5020 comes back
		bob, ok := m.GetPosition("bob")
		require.True(t, ok)
		assert.Equal(t, int64(-5), bob.Quantity)
		assert.Equal(t, big.NewInt(2510), bob.Margin)
		assert.Equal(t, big.NewInt(10130), m.GetClaimAmount("bob"))
	})
}

func TestReduceOnlyOrders(t *testing.T) {
	openAliceLong := func(t *testing.T) (*Market, *Vault) {
		t.Helper()
		m, vault := newTestMarket(t)
		vault.Fund("bob", big.NewInt(6000))
		vault.Fund("alice", big.NewInt(6000))
		_, err := m.OpenLimitOrder("bob", 501000, Short, 10, 10, false)
		require.NoError(t, err)
		_, err = m.OpenMarketPosition("alice", Long, 10, 10)
		require.NoError(t, err)
		return m, vault
	}

	t.Run("NoPositionRejected", func(t *testing.T) {
		m, _ := newTestMarket(t)
		_, err := m.OpenLimitOrder("carol", 501000, Short, 5, 10, true)
		assert.ErrorIs(t, err, ErrReduceQuantityExceedsPosition)

		_, err = m.CloseLimitPosition("carol", 501000, 5)
		assert.ErrorIs(t, err, ErrNoPosition)
	})

	t.Run("SameSideRejected", func(t *testing.T) {
		m, _ := openAliceLong(t)
		_, err := m.OpenLimitOrder("alice", 499000, Long, 5, 10, true)
		assert.ErrorIs(t, err, ErrReduceQuantityExceedsPosition)
	})

	t.Run("TotalsCappedByPosition", func(t *testing.T) {
		m, _ := openAliceLong(t)

		// Mark is 501000 now; reduce-only shorts rest above it
		_, err := m.CloseLimitPosition("alice", 502000, 6)
		require.NoError(t, err)

		_, err = m.CloseLimitPosition("alice", 503000, 5)
		assert.ErrorIs(t, err, ErrReduceQuantityExceedsPosition)

		// Exactly filling the position is allowed
		_, err = m.CloseLimitPosition("alice", 503000, 4)
		assert.NoError(t, err)
	})

	t.Run("NoMarginReserved", func(t *testing.T) {
		m, vault := openAliceLong(t)
		before := vault.Balance("alice")

		orderID, err := m.CloseLimitPosition("alice", 502000, 6)
		require.NoError(t, err)

		assert.Equal(t, before, vault.Balance("alice"))
		order, found := m.GetPendingOrder(502000, orderID)
		require.True(t, found)
		assert.True(t, order.IsReduceOnly)
		assert.Zero(t, order.ReservedMargin.Sign())
	})
}

func TestReduceOnlyOrdersTrimmedToPosition(t *testing.T) {
	// Bob goes long 10 and rests a reduce-only short 6, with dave's bid
	// below the mark as exit liquidity for market closes.
	setup := func(t *testing.T) (*Market, *Vault) {
		t.Helper()
		m, vault := newTestMarket(t)
		vault.Fund("carol", big.NewInt(6000))
		vault.Fund("bob", big.NewInt(6000))
		vault.Fund("dave", big.NewInt(6000))
		vault.Fund("alice", big.NewInt(6000))
		_, err := m.OpenLimitOrder("carol", 501000, Short, 10, 10, false)
		require.NoError(t, err)
		_, err = m.OpenMarketPosition("bob", Long, 10, 10)
		require.NoError(t, err)
		_, err = m.CloseLimitPosition("bob", 502000, 6)
		require.NoError(t, err)
		_, err = m.OpenLimitOrder("dave", 499000, Long, 10, 10, false)
		require.NoError(t, err)
		return m, vault
	}

	t.Run("FullCloseCancelsStrandedOrder", func(t *testing.T) {
		m, _ := setup(t)

		_, err := m.ClosePosition("bob", 100)
		require.NoError(t, err)

		// A reduce-only order cannot outlive the position it reduces
		assert.Empty(t, m.GetPendingOrders("bob"))
		_, ok := m.book.BestAsk()
		assert.False(t, ok)

		// Nothing left for a taker to lift into a fresh unbacked short
		_, err = m.OpenMarketPosition("alice", Long, 6, 10)
		assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	})

	t.Run("PartialCloseShrinksExcess", func(t *testing.T) {
		m, _ := setup(t)

		_, err := m.ClosePosition("bob", 50)
		require.NoError(t, err)

		bob, ok := m.GetPosition("bob")
		require.True(t, ok)
		assert.Equal(t, int64(5), bob.Quantity)

		// The resting 6 shrinks to the 5 the position can still cover
		orders := m.GetPendingOrders("bob")
		require.Len(t, orders, 1)
		assert.Equal(t, int64(5), orders[0].Remaining())
		assert.Equal(t, int64(5), m.book.LiquidityInRange(Short, 502000, 502000))
	})

	t.Run("MakerFillTrimsAlongside", func(t *testing.T) {
		m, vault := newTestMarket(t)
		vault.Fund("carol", big.NewInt(6000))
		vault.Fund("bob", big.NewInt(10030))
		vault.Fund("alice", big.NewInt(6000))

		_, err := m.OpenLimitOrder("carol", 501000, Short, 10, 10, false)
		require.NoError(t, err)
		_, err = m.OpenMarketPosition("bob", Long, 10, 10)
		require.NoError(t, err)

		// A plain short at the front and a reduce-only short behind it
		_, err = m.OpenLimitOrder("bob", 502000, Short, 10, 10, false)
		require.NoError(t, err)
		_, err = m.CloseLimitPosition("bob", 503000, 6)
		require.NoError(t, err)

		// Alice lifts the front order only; that flattens bob, so the
		// reduce-only order behind it goes away too
		_, err = m.OpenMarketPosition("alice", Long, 10, 10)
		require.NoError(t, err)

		assert.Empty(t, m.GetPendingOrders("bob"))
		_, ok := m.book.BestAsk()
		assert.False(t, ok)
		assert.Equal(t, big.NewInt(10130), m.GetClaimAmount("bob"))
	})
}

func TestCancelLimitOrder(t *testing.T) {
	t.Run("RefundsRemainingReserve", func(t *testing.T) {
		m, vault := newTestMarket(t)
		vault.Fund("bob", big.NewInt(6000))
		vault.Fund("alice", big.NewInt(6000))

		orderID, err := m.OpenLimitOrder("bob", 501000, Short, 10, 10, false)
		require.NoError(t, err)
		_, err = m.OpenMarketPosition("alice", Long, 4, 10)
		require.NoError(t, err)

		// 990 free + 3006 unconsumed reserve back
		require.NoError(t, m.CancelLimitOrder("bob", orderID, 501000))
		assert.Equal(t, big.NewInt(3996), vault.Balance("bob"))

		assert.Empty(t, m.GetPendingOrders("bob"))
		_, ok := m.book.BestAsk()
		assert.False(t, ok)

		// The filled part stays in the position
		bob, ok := m.GetPosition("bob")
		require.True(t, ok)
		assert.Equal(t, int64(-4), bob.Quantity)
	})

	t.Run("WrongTraderRejected", func(t *testing.T) {
		m, vault := newTestMarket(t)
		vault.Fund("bob", big.NewInt(6000))
		orderID, err := m.OpenLimitOrder("bob", 501000, Short, 10, 10, false)
		require.NoError(t, err)

		err = m.CancelLimitOrder("mallory", orderID, 501000)
		assert.ErrorIs(t, err, ErrOrderNotCancelable)
	})

	t.Run("UnknownOrderRejected", func(t *testing.T) {
		m, _ := newTestMarket(t)
		err := m.CancelLimitOrder("bob", 42, 501000)
		assert.ErrorIs(t, err, ErrOrderNotCancelable)
	})
}

func TestClosePosition(t *testing.T) {
	setup := func(t *testing.T) (*Market, *Vault) {
		t.Helper()
		m, vault := newTestMarket(t)
		vault.Fund("bob", big.NewInt(6000))
		vault.Fund("alice", big.NewInt(6000))
		vault.Fund("dave", big.NewInt(6000))
		_, err := m.OpenLimitOrder("bob", 501000, Short, 10, 10, false)
		require.NoError(t, err)
		_, err = m.OpenMarketPosition("alice", Long, 10, 10)
		require.NoError(t, err)
		// Exit liquidity below the mark
		_, err = m.OpenLimitOrder("dave", 499000, Long, 10, 10, false)
		require.NoError(t, err)
		return m, vault
	}

	t.Run("FullCloseCreditsClaim", func(t *testing.T) {
		m, vault := setup(t)

		fills, err := m.ClosePosition("alice", 100)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, Pip(499000), fills[0].Pip)

		_, ok := m.GetPosition("alice")
		assert.False(t, ok)

		// Released margin 5010 plus realized pnl -200
		assert.Equal(t, big.NewInt(4810), m.GetClaimAmount("alice"))

		paid, err := m.ClaimFunds("alice")
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(4810), paid)
		assert.Equal(t, big.NewInt(5800), vault.Balance("alice"))
		assert.Zero(t, m.GetClaimAmount("alice").Sign())

		again, err := m.ClaimFunds("alice")
		require.NoError(t, err)
		assert.Zero(t, again.Sign())
	})

	t.Run("PartialClosePercent", func(t *testing.T) {
		m, _ := setup(t)

		fills, err := m.ClosePosition("alice", 30)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, int64(3), fills[0].Quantity)

		alice, ok := m.GetPosition("alice")
		require.True(t, ok)
		assert.Equal(t, int64(7), alice.Quantity)
	})

	t.Run("Validation", func(t *testing.T) {
		m, _ := setup(t)
		_, err := m.ClosePosition("alice", 0)
		assert.ErrorIs(t, err, ErrInvalidQuantity)
		_, err = m.ClosePosition("alice", 101)
		assert.ErrorIs(t, err, ErrInvalidQuantity)
		_, err = m.ClosePosition("nobody", 100)
		assert.ErrorIs(t, err, ErrNoPosition)
	})
}

func TestManualMargin(t *testing.T) {
	setup := func(t *testing.T) (*Market, *Vault) {
		t.Helper()
		m, vault := newTestMarket(t)
		vault.Fund("bob", big.NewInt(6000))
		vault.Fund("alice", big.NewInt(10000))
		_, err := m.OpenLimitOrder("bob", 501000, Short, 10, 10, false)
		require.NoError(t, err)
		_, err = m.OpenMarketPosition("alice", Long, 10, 10)
		require.NoError(t, err)
		return m, vault
	}

	t.Run("AddAndRemove", func(t *testing.T) {
		m, vault := setup(t)

		require.NoError(t, m.AddMargin("alice", big.NewInt(1000)))
		assert.Equal(t, big.NewInt(3990), vault.Balance("alice"))

		alice, ok := m.GetPosition("alice")
		require.True(t, ok)
		assert.Equal(t, big.NewInt(1000), alice.ManualMargin)
		assert.Equal(t, big.NewInt(6010), alice.TotalMargin())

		require.NoError(t, m.RemoveMargin("alice", big.NewInt(400)))
		assert.Equal(t, big.NewInt(4390), vault.Balance("alice"))
	})

	t.Run("RemoveBoundedByManualMargin", func(t *testing.T) {
		m, _ := setup(t)
		require.NoError(t, m.AddMargin("alice", big.NewInt(1000)))

		err := m.RemoveMargin("alice", big.NewInt(1001))
		assert.ErrorIs(t, err, ErrInsufficientMargin)
	})

	t.Run("RemoveBoundedByMaintenance", func(t *testing.T) {
		m, _ := setup(t)
		require.NoError(t, m.AddMargin("alice", big.NewInt(1000)))

		// Mark 4600.00: pnl -4100, balance 1910 vs maintenance 1503.
		// Withdrawing 500 would breach it, 400 would not.
		m.book.SetMarkPip(460000)
		err := m.RemoveMargin("alice", big.NewInt(500))
		assert.ErrorIs(t, err, ErrInsufficientMargin)
		assert.NoError(t, m.RemoveMargin("alice", big.NewInt(400)))
	})

	t.Run("NoPosition", func(t *testing.T) {
		m, _ := newTestMarket(t)
		assert.ErrorIs(t, m.AddMargin("carol", big.NewInt(100)), ErrNoPosition)
		assert.ErrorIs(t, m.RemoveMargin("carol", big.NewInt(100)), ErrNoPosition)
	})
}

func TestFundingSettlementOnPositions(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	m, vault := newTestMarket(t)
	vault.Fund("bob", big.NewInt(6000))
	vault.Fund("alice", big.NewInt(6000))

	_, err := m.OpenLimitOrder("bob", 501000, Short, 10, 10, false)
	require.NoError(t, err)
	_, err = m.OpenMarketPosition("alice", Long, 10, 10)
	require.NoError(t, err)

	_, err = m.PayFunding(500000, 500000, t0)
	require.NoError(t, err)

	// Premium fraction (1000000-500000)/1000000 = 0.5 per contract:
	// longs pay 5 on 10 contracts, shorts receive 5
	_, err = m.PayFunding(1000000, 500000, t0.Add(time.Hour))
	require.NoError(t, err)

	alice, ok := m.GetPosition("alice")
	require.True(t, ok)
	assert.Equal(t, big.NewInt(5005), alice.Margin)

	bob, ok := m.GetPosition("bob")
	require.True(t, ok)
	assert.Equal(t, big.NewInt(5015), bob.Margin)

	// Settlement is committed on read, so a second read is stable
	alice2, _ := m.GetPosition("alice")
	assert.Equal(t, big.NewInt(5005), alice2.Margin)
}

func TestMarketEvents(t *testing.T) {
	m, vault := newTestMarket(t)
	vault.Fund("bob", big.NewInt(6000))
	vault.Fund("alice", big.NewInt(6000))

	var events []Event
	m.SetEventSink(func(ev Event) { events = append(events, ev) })

	_, err := m.OpenLimitOrder("bob", 501000, Short, 10, 10, false)
	require.NoError(t, err)
	_, err = m.OpenMarketPosition("alice", Long, 10, 10)
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, EventOrder, events[0].Type)
	assert.Equal(t, EventTrade, events[1].Type)

	trade, ok := events[1].Data.(Trade)
	require.True(t, ok)
	assert.Equal(t, "alice", trade.Taker)
	assert.Equal(t, "bob", trade.Maker)
	assert.Equal(t, int64(10), trade.Quantity)
}

func TestLiquidateFlow(t *testing.T) {
	setup := func(t *testing.T) (*Market, *Vault) {
		t.Helper()
		m, vault := newTestMarket(t)
		vault.Fund("bob", big.NewInt(60000))
		vault.Fund("alice", big.NewInt(60000))
		_, err := m.OpenLimitOrder("bob", 501000, Short, 100, 10, false)
		require.NoError(t, err)
		_, err = m.OpenMarketPosition("alice", Long, 100, 10)
		require.NoError(t, err)
		return m, vault
	}

	t.Run("HealthyPositionRejected", func(t *testing.T) {
		m, _ := setup(t)
		_, err := m.Liquidate("alice", SpotPrice)
		assert.ErrorIs(t, err, ErrNothingToLiquidate)
	})

	t.Run("NoPosition", func(t *testing.T) {
		m, _ := setup(t)
		_, err := m.Liquidate("nobody", SpotPrice)
		assert.ErrorIs(t, err, ErrNothingToLiquidate)
	})

	t.Run("PartialRoutesPenaltyToInsurance", func(t *testing.T) {
		m, vault := setup(t)

		// Margin 50100 on notional 501000: maintenance 15030. Mark
		// 466500 puts the ratio at 15030*100/(50100-34500) = 96.
		m.book.SetMarkPip(466500)
		out, err := m.Liquidate("alice", SpotPrice)
		require.NoError(t, err)

		assert.False(t, out.Full)
		assert.Equal(t, int64(20), out.LiquidatedQuantity)
		assert.Equal(t, vault.InsuranceFund(), out.Penalty)

		alice, ok := m.GetPosition("alice")
		require.True(t, ok)
		assert.Equal(t, int64(80), alice.Quantity)
	})

	t.Run("FullRemovesPosition", func(t *testing.T) {
		m, vault := setup(t)

		// Mark 4625.00: pnl -38500, balance 11600, ratio 129. The whole
		// held margin is seized.
		m.book.SetMarkPip(462500)
		out, err := m.Liquidate("alice", SpotPrice)
		require.NoError(t, err)

		assert.True(t, out.Full)
		assert.Equal(t, big.NewInt(50100), out.Penalty)
		assert.Equal(t, big.NewInt(50100), vault.InsuranceFund())
		_, ok := m.GetPosition("alice")
		assert.False(t, ok)
	})
}

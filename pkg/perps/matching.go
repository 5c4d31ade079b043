package perps

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PendingOrder is the fill-state snapshot of a resting limit order
type PendingOrder struct {
	OrderID        uint64   `json:"order_id"`
	Pip            Pip      `json:"pip"`
	Side           Side     `json:"side"`
	Trader         string   `json:"trader"`
	OriginalSize   int64    `json:"original_size"`
	PartialFilled  int64    `json:"partial_filled"`
	IsFilled       bool     `json:"is_filled"`
	IsReduceOnly   bool     `json:"is_reduce_only"`
	Leverage       int64    `json:"leverage"`
	ReservedMargin *big.Int `json:"reserved_margin"`
}

// Remaining returns the unfilled quantity
func (o *PendingOrder) Remaining() int64 {
	return o.OriginalSize - o.PartialFilled
}

// Market owns one symbol's order book, positions, funding state and
// claims. Every trader action runs under the market mutex from
// validation through commit, so no two actions for the same market ever
// interleave. External settlement calls happen after the new state is
// computed and before it is committed; a settlement failure leaves the
// market untouched.
type Market struct {
	mu sync.Mutex

	params      MarketParams
	book        *OrderBook
	positions   map[string]*Position
	pending     map[string][]*PendingOrder
	pendingByID map[uint64]*PendingOrder
	funding     *FundingState
	markTwap    *twapTracker
	claims      map[string]*big.Int

	settlement Settlement
	now        func() time.Time
	emit       func(Event)
}

// NewMarket creates a market with an initial mark price
func NewMarket(params MarketParams, markPip Pip, settlement Settlement) *Market {
	m := &Market{
		params:      params,
		book:        NewOrderBook(params.Symbol, markPip),
		positions:   make(map[string]*Position),
		pending:     make(map[string][]*PendingOrder),
		pendingByID: make(map[uint64]*PendingOrder),
		funding:     NewFundingState(params),
		markTwap:    newTwapTracker(params.TwapWindow),
		claims:      make(map[string]*big.Int),
		settlement:  settlement,
		now:         time.Now,
	}
	return m
}

// Symbol returns the market identifier
func (m *Market) Symbol() string {
	return m.params.Symbol
}

// Params returns the market risk configuration
func (m *Market) Params() MarketParams {
	return m.params
}

// SetClock overrides the market clock, for tests and replay
func (m *Market) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetEventSink registers a callback invoked after each committed action
func (m *Market) SetEventSink(emit func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emit = emit
}

func (m *Market) publish(typ EventType, data interface{}) {
	if m.emit != nil {
		m.emit(Event{Type: typ, Symbol: m.params.Symbol, Timestamp: m.now(), Data: data})
	}
}

// workingPosition returns a funding-settled copy of a trader's position.
// The settlement delta is folded into the copy's margin; committing the
// copy persists it.
func (m *Market) workingPosition(trader string) *Position {
	pos, ok := m.positions[trader]
	if !ok {
		p := NewPosition(trader, m.params.Symbol)
		p.LastPremiumFraction = m.funding.Cumulative
		return p
	}
	next := pos.Clone()
	delta := m.funding.SettlementDelta(next.LastPremiumFraction, next.Quantity)
	next.Margin.Sub(next.Margin, delta)
	next.LastPremiumFraction = m.funding.Cumulative
	return next
}

func (m *Market) commitPosition(p *Position) {
	if p.IsFlat() {
		delete(m.positions, p.Trader)
		return
	}
	m.positions[p.Trader] = p
}

func (m *Market) creditClaim(trader string, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	claim, ok := m.claims[trader]
	if !ok {
		claim = big.NewInt(0)
		m.claims[trader] = claim
	}
	claim.Add(claim, amount)
}

// decreaseCredit is what a position decrease frees up for the trader:
// released margin, released manual margin and realized PnL.
func decreaseCredit(out FillOutcome) *big.Int {
	credit := new(big.Int).Add(out.ReleasedMargin, out.ReleasedManualMargin)
	return credit.Add(credit, out.RealizedPnl)
}

func vwapPip(fills []Fill) Pip {
	var notional, qty big.Int
	for _, f := range fills {
		notional.Add(&notional, new(big.Int).Mul(big.NewInt(int64(f.Pip)), big.NewInt(f.Quantity)))
		qty.Add(&qty, big.NewInt(f.Quantity))
	}
	if qty.Sign() == 0 {
		return 0
	}
	return Pip(notional.Quo(&notional, &qty).Int64())
}

// makerDelta tracks one maker's planned state change across all fills of
// a single taker action.
type makerDelta struct {
	position *Position
	credit   *big.Int
	orders   map[uint64]int64    // orderID -> filled quantity this action
	consumed map[uint64]*big.Int // orderID -> increase-leg margin this action
}

// planMakers applies planned fills to working copies of each maker's
// position and pending orders. FIFO order within the fills keeps per-
// maker application deterministic.
func (m *Market) planMakers(fills []Fill) (map[string]*makerDelta, error) {
	makers := make(map[string]*makerDelta)
	for _, f := range fills {
		md, ok := makers[f.Maker]
		if !ok {
			md = &makerDelta{
				position: m.workingPosition(f.Maker),
				credit:   big.NewInt(0),
				orders:   make(map[uint64]int64),
				consumed: make(map[uint64]*big.Int),
			}
			makers[f.Maker] = md
		}

		order := m.pendingByID[f.OrderID]
		if order == nil {
			return nil, fmt.Errorf("%w: order %d has no pending record", ErrOrderNotFound, f.OrderID)
		}

		out, err := ApplyFill(md.position, order.Side, f.Quantity, f.Pip, order.Leverage)
		if err != nil {
			return nil, err
		}
		md.position = out.Position
		md.credit.Add(md.credit, decreaseCredit(out))
		md.orders[f.OrderID] += f.Quantity
		if prev, ok := md.consumed[f.OrderID]; ok {
			prev.Add(prev, out.MarginConsumed)
		} else {
			md.consumed[f.OrderID] = new(big.Int).Set(out.MarginConsumed)
		}
	}
	return makers, nil
}

// commitMakers mutates pending orders and maker positions after
// settlement succeeded.
func (m *Market) commitMakers(makers map[string]*makerDelta) {
	for trader, md := range makers {
		m.commitPosition(md.position)
		m.creditClaim(trader, md.credit)

		for orderID, filled := range md.orders {
			order := m.pendingByID[orderID]
			order.PartialFilled += filled

			// The reserve slice for this fill backs only the increase
			// leg; whatever a decrease leg did not consume goes back to
			// the maker.
			if !order.IsReduceOnly {
				slice := marginForNotional(order.Pip, filled, order.Leverage)
				if order.ReservedMargin.Cmp(slice) < 0 {
					slice = new(big.Int).Set(order.ReservedMargin)
				}
				order.ReservedMargin.Sub(order.ReservedMargin, slice)
				refund := new(big.Int).Sub(slice, md.consumed[orderID])
				if refund.Sign() > 0 {
					m.creditClaim(trader, refund)
				}
			}

			if order.PartialFilled >= order.OriginalSize {
				order.IsFilled = true
				// Truncation dust left in the reserve goes back to the maker
				if order.ReservedMargin.Sign() > 0 {
					m.creditClaim(trader, order.ReservedMargin)
					order.ReservedMargin = big.NewInt(0)
				}
				m.removePending(order)
			}
		}

		m.trimReduceOnly(trader)
	}
}

// trimReduceOnly cancels or shrinks pending reduce-only orders the
// current position can no longer cover, so a stranded order can never
// fill into a fresh unfunded position. Older orders keep their quantity
// first.
func (m *Market) trimReduceOnly(trader string) {
	var budget int64
	var coverSide Side
	hasPos := false
	if pos, ok := m.positions[trader]; ok {
		budget = absInt64(pos.Quantity)
		coverSide = pos.Side().Opposite()
		hasPos = true
	}

	orders := append([]*PendingOrder(nil), m.pending[trader]...)
	for _, o := range orders {
		if !o.IsReduceOnly || o.IsFilled {
			continue
		}
		keep := int64(0)
		if hasPos && o.Side == coverSide {
			keep = minInt64(o.Remaining(), budget)
		}
		budget -= keep
		excess := o.Remaining() - keep
		if excess == 0 {
			continue
		}

		m.book.Reduce(o.OrderID, excess)
		o.OriginalSize -= excess
		if o.Remaining() <= 0 {
			m.removePending(o)
		}
	}
}

func (m *Market) removePending(order *PendingOrder) {
	delete(m.pendingByID, order.OrderID)
	list := m.pending[order.Trader]
	for i, o := range list {
		if o.OrderID == order.OrderID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.pending, order.Trader)
	} else {
		m.pending[order.Trader] = list
	}
}

// executeTaker runs the shared market-fill path: plan fills, apply the
// volume-weighted fill to the taker, apply per-level fills to makers,
// settle externally, then commit everything.
func (m *Market) executeTaker(trader string, side Side, quantity int64, leverage int64, limitPip Pip) ([]Fill, error) {
	fills, err := m.book.planMarket(side, quantity, trader, limitPip)
	if err != nil {
		return nil, err
	}

	taker := m.workingPosition(trader)
	takerOut, err := ApplyFill(taker, side, quantity, vwapPip(fills), leverage)
	if err != nil {
		return nil, err
	}

	makers, err := m.planMakers(fills)
	if err != nil {
		return nil, err
	}

	// External call boundary: reserve the taker's new margin before any
	// internal state is finalized.
	if takerOut.MarginConsumed.Sign() > 0 {
		if err := m.settlement.DepositMargin(trader, takerOut.MarginConsumed); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
		}
	}

	m.book.commitFills(fills)
	m.commitPosition(takerOut.Position)
	m.creditClaim(trader, decreaseCredit(takerOut))
	m.commitMakers(makers)
	m.trimReduceOnly(trader)

	now := m.now()
	m.markTwap.Record(m.book.MarkPip(), now)
	for _, f := range fills {
		m.publish(EventTrade, Trade{
			Symbol:    m.params.Symbol,
			Pip:       f.Pip,
			Quantity:  f.Quantity,
			TakerSide: side,
			Taker:     trader,
			Maker:     f.Maker,
			OrderID:   f.OrderID,
			Timestamp: now,
		})
	}
	return fills, nil
}

// OpenMarketPosition fills a market order against the book and applies
// the volume-weighted fill to the trader's position.
func (m *Market) OpenMarketPosition(trader string, side Side, quantity int64, leverage int64) ([]Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if leverage <= 0 || leverage > m.params.MaxLeverage {
		return nil, ErrExcessiveLeverage
	}
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	return m.executeTaker(trader, side, quantity, leverage, 0)
}

// OpenLimitOrder rests a limit order, or executes it as a market fill
// when its price crosses the mark. A trader may only hold pending orders
// on one side at a time, and reduce-only orders may never sum past the
// open position.
func (m *Market) OpenLimitOrder(trader string, pip Pip, side Side, quantity int64, leverage int64, reduceOnly bool) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if leverage <= 0 || leverage > m.params.MaxLeverage {
		return 0, ErrExcessiveLeverage
	}
	if quantity <= 0 {
		return 0, ErrInvalidQuantity
	}
	if pip <= 0 {
		return 0, ErrInvalidPrice
	}

	for _, o := range m.pending[trader] {
		if o.Side != side {
			return 0, ErrOppositeSidePendingExists
		}
	}

	if reduceOnly {
		pos, ok := m.positions[trader]
		if !ok || pos.Side() == side {
			return 0, ErrReduceQuantityExceedsPosition
		}
		total := quantity
		for _, o := range m.pending[trader] {
			if o.IsReduceOnly {
				total += o.Remaining()
			}
		}
		if total > absInt64(pos.Quantity) {
			return 0, ErrReduceQuantityExceedsPosition
		}
	}

	// A crossing order executes immediately as a market fill bounded by
	// its own limit price; it never rests.
	if m.book.Crosses(pip, side) {
		if _, err := m.executeTaker(trader, side, quantity, leverage, pip); err != nil {
			return 0, err
		}
		return m.book.nextSyntheticID(), nil
	}

	reserved := big.NewInt(0)
	if !reduceOnly {
		reserved = marginForNotional(pip, quantity, leverage)
		if err := m.settlement.DepositMargin(trader, reserved); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
		}
	}

	orderID, err := m.book.InsertLimitOrder(pip, side, quantity, trader, reduceOnly)
	if err != nil {
		// Refund the reserve; the vault payout cannot fail here.
		_ = m.settlement.Payout(trader, reserved)
		return 0, err
	}

	order := &PendingOrder{
		OrderID:        orderID,
		Pip:            pip,
		Side:           side,
		Trader:         trader,
		OriginalSize:   quantity,
		IsReduceOnly:   reduceOnly,
		Leverage:       leverage,
		ReservedMargin: reserved,
	}
	m.pending[trader] = append(m.pending[trader], order)
	m.pendingByID[orderID] = order

	m.publish(EventOrder, *order)
	return orderID, nil
}

// ClosePosition closes percent/100 of the trader's position with a
// market order on the opposite side.
func (m *Market) ClosePosition(trader string, percent int64) ([]Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if percent <= 0 || percent > 100 {
		return nil, ErrInvalidQuantity
	}
	pos, ok := m.positions[trader]
	if !ok {
		return nil, ErrNoPosition
	}
	quantity := absInt64(pos.Quantity) * percent / 100
	if quantity == 0 {
		return nil, ErrInvalidQuantity
	}
	return m.executeTaker(trader, pos.Side().Opposite(), quantity, pos.Leverage, 0)
}

// CloseLimitPosition rests a reduce-only limit order against the
// trader's position.
func (m *Market) CloseLimitPosition(trader string, pip Pip, quantity int64) (uint64, error) {
	m.mu.Lock()
	pos, ok := m.positions[trader]
	if !ok {
		m.mu.Unlock()
		return 0, ErrNoPosition
	}
	side := pos.Side().Opposite()
	leverage := pos.Leverage
	m.mu.Unlock()

	return m.OpenLimitOrder(trader, pip, side, quantity, leverage, true)
}

// CancelLimitOrder removes the unfilled remainder of a pending order and
// refunds its remaining margin reserve. Fills already folded into the
// position stay.
func (m *Market) CancelLimitOrder(trader string, orderID uint64, pip Pip) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.pendingByID[orderID]
	if !ok || order.Trader != trader {
		return ErrOrderNotCancelable
	}
	node, ok := m.book.GetOrder(orderID)
	if !ok || node.Pip != pip || node.IsFilled() {
		return ErrOrderNotCancelable
	}

	refund := order.ReservedMargin
	if refund.Sign() > 0 {
		if err := m.settlement.Payout(trader, refund); err != nil {
			return fmt.Errorf("%w: %v", ErrSettlementFailed, err)
		}
	}

	if _, err := m.book.Cancel(orderID, pip); err != nil {
		return err
	}
	order.ReservedMargin = big.NewInt(0)
	m.removePending(order)
	return nil
}

// AddMargin deposits manual margin against an open position
func (m *Market) AddMargin(trader string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidQuantity
	}
	if _, ok := m.positions[trader]; !ok {
		return ErrNoPosition
	}

	pos := m.workingPosition(trader)
	if err := m.settlement.DepositMargin(trader, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	pos.ManualMargin.Add(pos.ManualMargin, amount)
	m.commitPosition(pos)
	return nil
}

// RemoveMargin withdraws manual margin, refusing any withdrawal that
// would drop the margin balance below the maintenance requirement.
func (m *Market) RemoveMargin(trader string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidQuantity
	}
	if _, ok := m.positions[trader]; !ok {
		return ErrNoPosition
	}

	pos := m.workingPosition(trader)
	if pos.ManualMargin.Cmp(amount) < 0 {
		return ErrInsufficientMargin
	}

	detail := maintenanceDetail(pos, m.book.MarkPip(), m.params)
	remaining := new(big.Int).Sub(detail.MarginBalance, amount)
	if remaining.Cmp(detail.MaintenanceMargin) < 0 {
		return ErrInsufficientMargin
	}

	if err := m.settlement.Payout(trader, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	pos.ManualMargin.Sub(pos.ManualMargin, amount)
	m.commitPosition(pos)
	return nil
}

// PayFunding records a funding sample and advances the cumulative
// premium fraction for the market.
func (m *Market) PayFunding(underlyingPip, twapPip Pip, now time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fraction, err := m.funding.PayFunding(underlyingPip, twapPip, now)
	if err != nil {
		return decimal.Zero, err
	}
	m.publish(EventFunding, m.funding.Samples[len(m.funding.Samples)-1])
	return fraction, nil
}

// Liquidate closes part or all of an under-margined position, routing
// the penalty to the insurance fund.
func (m *Market) Liquidate(trader string, source PriceSource) (LiquidationOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[trader]; !ok {
		return LiquidationOutcome{}, ErrNothingToLiquidate
	}

	pos := m.workingPosition(trader)
	markPip := m.book.MarkPip()
	if source == TwapPrice {
		markPip = m.twapOrMark(m.params.TwapWindow)
	}

	detail := maintenanceDetail(pos, markPip, m.params)
	out, err := planLiquidation(pos, detail, m.params)
	if err != nil {
		return LiquidationOutcome{}, err
	}

	if err := m.settlement.TransferPenalty(out.Penalty); err != nil {
		return LiquidationOutcome{}, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}

	m.commitPosition(out.Position)
	m.trimReduceOnly(trader)
	m.publish(EventLiquidation, out)
	return out, nil
}

// GetPosition returns the trader's position with funding settled. The
// settlement is committed, so repeated reads are stable.
func (m *Market) GetPosition(trader string) (*Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[trader]; !ok {
		return nil, false
	}
	pos := m.workingPosition(trader)
	m.commitPosition(pos)
	return pos.Clone(), true
}

// GetMaintenanceDetail computes margin health for a trader, priced by
// the caller's choice of spot or TWAP mark price.
func (m *Market) GetMaintenanceDetail(trader string, source PriceSource) (MaintenanceDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[trader]; !ok {
		return MaintenanceDetail{}, ErrNoPosition
	}
	pos := m.workingPosition(trader)
	m.commitPosition(pos)

	markPip := m.book.MarkPip()
	if source == TwapPrice {
		markPip = m.twapOrMark(m.params.TwapWindow)
	}
	return maintenanceDetail(pos, markPip, m.params), nil
}

// GetPendingOrder returns one pending order snapshot by pip and ID
func (m *Market) GetPendingOrder(pip Pip, orderID uint64) (PendingOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.pendingByID[orderID]
	if !ok || order.Pip != pip {
		return PendingOrder{}, false
	}
	snap := *order
	snap.ReservedMargin = new(big.Int).Set(order.ReservedMargin)
	return snap, true
}

// GetPendingOrders lists a trader's pending orders
func (m *Market) GetPendingOrders(trader string) []PendingOrder {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PendingOrder, 0, len(m.pending[trader]))
	for _, o := range m.pending[trader] {
		snap := *o
		snap.ReservedMargin = new(big.Int).Set(o.ReservedMargin)
		out = append(out, snap)
	}
	return out
}

// GetClaimAmount returns realized-but-unwithdrawn funds for a trader
func (m *Market) GetClaimAmount(trader string) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if claim, ok := m.claims[trader]; ok {
		return new(big.Int).Set(claim)
	}
	return big.NewInt(0)
}

// ClaimFunds pays out a trader's positive claim balance
func (m *Market) ClaimFunds(trader string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	claim, ok := m.claims[trader]
	if !ok || claim.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int).Set(claim)
	if err := m.settlement.Payout(trader, amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	claim.SetInt64(0)
	return amount, nil
}

// MarkPip returns the current mark price
func (m *Market) MarkPip() Pip {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book.MarkPip()
}

// twapOrMark returns the mark price TWAP, falling back to the spot mark
// before any trade has been sampled.
func (m *Market) twapOrMark(interval time.Duration) Pip {
	if twap := m.markTwap.Twap(interval, m.now()); twap > 0 {
		return twap
	}
	return m.book.MarkPip()
}

// TwapPip returns the mark price TWAP over interval
func (m *Market) TwapPip(interval time.Duration) Pip {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.twapOrMark(interval)
}

// DepthSnapshot returns the aggregated book depth
func (m *Market) DepthSnapshot(maxLevels int) Depth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book.DepthSnapshot(maxLevels)
}

// FundingHistory returns recent funding samples, oldest first
func (m *Market) FundingHistory(limit int) []FundingSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.funding.History(limit)
}

// CumulativePremiumFraction returns the current cumulative premium
// fraction as a string, for queries and persistence.
func (m *Market) CumulativePremiumFraction() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.funding.Cumulative.String()
}

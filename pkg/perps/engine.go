package perps

import (
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange is the top-level engine: a registry of markets sharing one
// settlement layer and one price feed. Markets are independent lock
// domains, so actions in different markets run fully in parallel.
type Exchange struct {
	mu      sync.RWMutex
	markets map[string]*Market

	settlement Settlement
	feed       PriceFeed
	now        func() time.Time

	events chan Event
}

// NewExchange creates an exchange over a settlement layer and price feed
func NewExchange(settlement Settlement, feed PriceFeed) *Exchange {
	return &Exchange{
		markets:    make(map[string]*Market),
		settlement: settlement,
		feed:       feed,
		now:        time.Now,
		events:     make(chan Event, 10000),
	}
}

// SetClock overrides the exchange clock for all future markets
func (e *Exchange) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
	for _, m := range e.markets {
		m.SetClock(now)
	}
}

// Events returns the engine event stream. Events are dropped, never
// blocked on, when the consumer falls behind.
func (e *Exchange) Events() <-chan Event {
	return e.events
}

func (e *Exchange) publish(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// CreateMarket registers a new market with an initial mark price
func (e *Exchange) CreateMarket(params MarketParams, markPip Pip) (*Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.markets[params.Symbol]; exists {
		return nil, ErrMarketExists
	}
	m := NewMarket(params, markPip, e.settlement)
	m.SetClock(e.now)
	m.SetEventSink(e.publish)
	e.markets[params.Symbol] = m
	return m, nil
}

// Market returns a market by symbol
func (e *Exchange) Market(symbol string) (*Market, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m, ok := e.markets[symbol]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return m, nil
}

// Symbols lists registered markets
func (e *Exchange) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, 0, len(e.markets))
	for s := range e.markets {
		out = append(out, s)
	}
	return out
}

// OpenMarketPosition fills a market order in symbol
func (e *Exchange) OpenMarketPosition(symbol, trader string, side Side, quantity, leverage int64) ([]Fill, error) {
	m, err := e.Market(symbol)
	if err != nil {
		return nil, err
	}
	return m.OpenMarketPosition(trader, side, quantity, leverage)
}

// OpenLimitOrder places a limit order in symbol
func (e *Exchange) OpenLimitOrder(symbol, trader string, pip Pip, side Side, quantity, leverage int64, reduceOnly bool) (uint64, error) {
	m, err := e.Market(symbol)
	if err != nil {
		return 0, err
	}
	return m.OpenLimitOrder(trader, pip, side, quantity, leverage, reduceOnly)
}

// ClosePosition market-closes percent of the trader's position
func (e *Exchange) ClosePosition(symbol, trader string, percent int64) ([]Fill, error) {
	m, err := e.Market(symbol)
	if err != nil {
		return nil, err
	}
	return m.ClosePosition(trader, percent)
}

// CloseLimitPosition rests a reduce-only limit order
func (e *Exchange) CloseLimitPosition(symbol, trader string, pip Pip, quantity int64) (uint64, error) {
	m, err := e.Market(symbol)
	if err != nil {
		return 0, err
	}
	return m.CloseLimitPosition(trader, pip, quantity)
}

// CancelLimitOrder cancels a pending order
func (e *Exchange) CancelLimitOrder(symbol, trader string, orderID uint64, pip Pip) error {
	m, err := e.Market(symbol)
	if err != nil {
		return err
	}
	return m.CancelLimitOrder(trader, orderID, pip)
}

// AddMargin deposits manual margin
func (e *Exchange) AddMargin(symbol, trader string, amount *big.Int) error {
	m, err := e.Market(symbol)
	if err != nil {
		return err
	}
	return m.AddMargin(trader, amount)
}

// RemoveMargin withdraws manual margin
func (e *Exchange) RemoveMargin(symbol, trader string, amount *big.Int) error {
	m, err := e.Market(symbol)
	if err != nil {
		return err
	}
	return m.RemoveMargin(trader, amount)
}

// PayFunding samples the underlying price feed and the mark price TWAP
// and advances the market's cumulative premium fraction.
func (e *Exchange) PayFunding(symbol string) (decimal.Decimal, error) {
	m, err := e.Market(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	underlying, _, err := e.feed.GetPrice(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	twap := m.TwapPip(m.Params().FundingInterval)
	return m.PayFunding(underlying, twap, e.clockNow())
}

func (e *Exchange) clockNow() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.now()
}

// Liquidate liquidates an under-margined position
func (e *Exchange) Liquidate(symbol, trader string, source PriceSource) (LiquidationOutcome, error) {
	m, err := e.Market(symbol)
	if err != nil {
		return LiquidationOutcome{}, err
	}
	return m.Liquidate(trader, source)
}

// GetPosition returns a funding-settled position snapshot
func (e *Exchange) GetPosition(symbol, trader string) (*Position, error) {
	m, err := e.Market(symbol)
	if err != nil {
		return nil, err
	}
	pos, ok := m.GetPosition(trader)
	if !ok {
		return nil, ErrNoPosition
	}
	return pos, nil
}

// GetPendingOrder returns one pending order
func (e *Exchange) GetPendingOrder(symbol string, pip Pip, orderID uint64) (PendingOrder, error) {
	m, err := e.Market(symbol)
	if err != nil {
		return PendingOrder{}, err
	}
	order, ok := m.GetPendingOrder(pip, orderID)
	if !ok {
		return PendingOrder{}, ErrOrderNotFound
	}
	return order, nil
}

// GetPendingOrders lists a trader's pending orders
func (e *Exchange) GetPendingOrders(symbol, trader string) ([]PendingOrder, error) {
	m, err := e.Market(symbol)
	if err != nil {
		return nil, err
	}
	return m.GetPendingOrders(trader), nil
}

// GetClaimAmount returns realized-but-unwithdrawn funds
func (e *Exchange) GetClaimAmount(symbol, trader string) (*big.Int, error) {
	m, err := e.Market(symbol)
	if err != nil {
		return nil, err
	}
	return m.GetClaimAmount(trader), nil
}

// ClaimFunds pays out a trader's claim balance
func (e *Exchange) ClaimFunds(symbol, trader string) (*big.Int, error) {
	m, err := e.Market(symbol)
	if err != nil {
		return nil, err
	}
	return m.ClaimFunds(trader)
}

// GetMaintenanceDetail returns margin health for a trader
func (e *Exchange) GetMaintenanceDetail(symbol, trader string, source PriceSource) (MaintenanceDetail, error) {
	m, err := e.Market(symbol)
	if err != nil {
		return MaintenanceDetail{}, err
	}
	return m.GetMaintenanceDetail(trader, source)
}

// GetSpotPrice implements MarkPriceSource
func (e *Exchange) GetSpotPrice(symbol string) (Pip, error) {
	m, err := e.Market(symbol)
	if err != nil {
		return 0, err
	}
	return m.MarkPip(), nil
}

// GetTwapPrice implements MarkPriceSource
func (e *Exchange) GetTwapPrice(symbol string, interval time.Duration) (Pip, error) {
	m, err := e.Market(symbol)
	if err != nil {
		return 0, err
	}
	return m.TwapPip(interval), nil
}

// DepthSnapshot returns aggregated book depth for a market
func (e *Exchange) DepthSnapshot(symbol string, maxLevels int) (Depth, error) {
	m, err := e.Market(symbol)
	if err != nil {
		return Depth{}, err
	}
	return m.DepthSnapshot(maxLevels), nil
}

// Snapshot captures the persistent state of every market
func (e *Exchange) Snapshot() []MarketSnapshot {
	e.mu.RLock()
	markets := make([]*Market, 0, len(e.markets))
	for _, m := range e.markets {
		markets = append(markets, m)
	}
	e.mu.RUnlock()

	out := make([]MarketSnapshot, 0, len(markets))
	for _, m := range markets {
		out = append(out, m.Snapshot())
	}
	return out
}

// RestoreMarket creates a market from a snapshot
func (e *Exchange) RestoreMarket(params MarketParams, snap MarketSnapshot) (*Market, error) {
	m, err := e.CreateMarket(params, snap.MarkPip)
	if err != nil {
		return nil, err
	}
	if err := m.Restore(snap); err != nil {
		return nil, err
	}
	return m, nil
}

// FundingHistory returns recent funding samples for a market
func (e *Exchange) FundingHistory(symbol string, limit int) ([]FundingSample, error) {
	m, err := e.Market(symbol)
	if err != nil {
		return nil, err
	}
	return m.FundingHistory(limit), nil
}

package perps

import (
	"sort"
)

// OrderNode is a resting limit order inside a price level queue
type OrderNode struct {
	OrderID          uint64
	Trader           string
	Pip              Pip
	Side             Side
	OriginalQuantity int64
	FilledQuantity   int64
	IsReduceOnly     bool
}

// Remaining returns the unfilled quantity
func (n *OrderNode) Remaining() int64 {
	return n.OriginalQuantity - n.FilledQuantity
}

// IsFilled reports whether the order is fully consumed
func (n *OrderNode) IsFilled() bool {
	return n.FilledQuantity >= n.OriginalQuantity
}

// priceLevel aggregates the FIFO queue of orders resting at one pip.
// A level with zero remaining liquidity is removed from its side so
// traversal skips it.
type priceLevel struct {
	Pip       Pip
	Liquidity int64
	Queue     []*OrderNode
}

// bookSide holds one side's levels with pips kept sorted ascending
type bookSide struct {
	side   Side
	levels map[Pip]*priceLevel
	pips   []Pip
}

func newBookSide(side Side) *bookSide {
	return &bookSide{
		side:   side,
		levels: make(map[Pip]*priceLevel),
	}
}

func (s *bookSide) level(pip Pip) *priceLevel {
	if lvl, ok := s.levels[pip]; ok {
		return lvl
	}
	lvl := &priceLevel{Pip: pip}
	s.levels[pip] = lvl
	i := sort.Search(len(s.pips), func(i int) bool { return s.pips[i] >= pip })
	s.pips = append(s.pips, 0)
	copy(s.pips[i+1:], s.pips[i:])
	s.pips[i] = pip
	return lvl
}

// uninitialize removes an empty level so book traversal skips it
func (s *bookSide) uninitialize(pip Pip) {
	delete(s.levels, pip)
	i := sort.Search(len(s.pips), func(i int) bool { return s.pips[i] >= pip })
	if i < len(s.pips) && s.pips[i] == pip {
		s.pips = append(s.pips[:i], s.pips[i+1:]...)
	}
}

// best returns the most aggressive pip on this side: highest for resting
// longs (bids), lowest for resting shorts (asks).
func (s *bookSide) best() (Pip, bool) {
	if len(s.pips) == 0 {
		return 0, false
	}
	if s.side == Long {
		return s.pips[len(s.pips)-1], true
	}
	return s.pips[0], true
}

// walk visits levels from best price outward
func (s *bookSide) walk(fn func(*priceLevel) bool) {
	if s.side == Long {
		for i := len(s.pips) - 1; i >= 0; i-- {
			if !fn(s.levels[s.pips[i]]) {
				return
			}
		}
		return
	}
	for i := 0; i < len(s.pips); i++ {
		if !fn(s.levels[s.pips[i]]) {
			return
		}
	}
}

// DepthLevel is one aggregated price level in a depth snapshot
type DepthLevel struct {
	Pip       Pip   `json:"pip"`
	Liquidity int64 `json:"liquidity"`
	Orders    int   `json:"orders"`
}

// Depth is an aggregated snapshot of both book sides
type Depth struct {
	Symbol  string       `json:"symbol"`
	MarkPip Pip          `json:"mark_pip"`
	Bids    []DepthLevel `json:"bids"`
	Asks    []DepthLevel `json:"asks"`
}

// OrderBook is a pip-keyed limit order book for one market.
// Not safe for concurrent use; the owning Market serializes access.
type OrderBook struct {
	Symbol string

	markPip Pip
	bids    *bookSide // resting Long orders, below mark
	asks    *bookSide // resting Short orders, above mark
	orders  map[uint64]*OrderNode

	lastOrderID uint64
}

// NewOrderBook creates an order book with an initial mark price
func NewOrderBook(symbol string, markPip Pip) *OrderBook {
	return &OrderBook{
		Symbol:  symbol,
		markPip: markPip,
		bids:    newBookSide(Long),
		asks:    newBookSide(Short),
		orders:  make(map[uint64]*OrderNode),
	}
}

// MarkPip returns the current mark price in pips
func (ob *OrderBook) MarkPip() Pip {
	return ob.markPip
}

// SetMarkPip overrides the mark price
func (ob *OrderBook) SetMarkPip(pip Pip) {
	ob.markPip = pip
}

func (ob *OrderBook) sideFor(side Side) *bookSide {
	if side == Long {
		return ob.bids
	}
	return ob.asks
}

// Crosses reports whether a limit order at pip would execute against the
// mark price rather than rest.
func (ob *OrderBook) Crosses(pip Pip, side Side) bool {
	if side == Long {
		return pip >= ob.markPip
	}
	return pip <= ob.markPip
}

// InsertLimitOrder rests a new order at pip. Long orders must rest below
// the mark, short orders above it; crossing orders are the matching
// engine's business and are rejected here.
func (ob *OrderBook) InsertLimitOrder(pip Pip, side Side, quantity int64, trader string, reduceOnly bool) (uint64, error) {
	if pip <= 0 {
		return 0, ErrInvalidPrice
	}
	if quantity <= 0 {
		return 0, ErrInvalidQuantity
	}
	if ob.Crosses(pip, side) {
		return 0, ErrInvalidSide
	}

	ob.lastOrderID++
	node := &OrderNode{
		OrderID:          ob.lastOrderID,
		Trader:           trader,
		Pip:              pip,
		Side:             side,
		OriginalQuantity: quantity,
		IsReduceOnly:     reduceOnly,
	}

	lvl := ob.sideFor(side).level(pip)
	lvl.Queue = append(lvl.Queue, node)
	lvl.Liquidity += quantity
	ob.orders[node.OrderID] = node

	return node.OrderID, nil
}

// planMarket computes the fills a market order would take without
// mutating the book. Walks levels from best price outward, FIFO within a
// level. Errors if the taker's own order would be consumed or the book
// runs out of liquidity, or if a limitPip > 0 bounds the walk and is
// exceeded.
func (ob *OrderBook) planMarket(side Side, quantity int64, taker string, limitPip Pip) ([]Fill, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	counter := ob.sideFor(side.Opposite())
	fills := make([]Fill, 0, 4)
	remaining := quantity
	var walkErr error

	counter.walk(func(lvl *priceLevel) bool {
		if limitPip > 0 {
			if side == Long && lvl.Pip > limitPip {
				return false
			}
			if side == Short && lvl.Pip < limitPip {
				return false
			}
		}
		for _, node := range lvl.Queue {
			if node.IsFilled() {
				continue
			}
			if node.Trader == taker {
				walkErr = ErrSelfFillNotAllowed
				return false
			}
			take := minInt64(remaining, node.Remaining())
			fills = append(fills, Fill{
				Pip:      lvl.Pip,
				Quantity: take,
				OrderID:  node.OrderID,
				Maker:    node.Trader,
			})
			remaining -= take
			if remaining == 0 {
				return false
			}
		}
		return true
	})

	if walkErr != nil {
		return nil, walkErr
	}
	if remaining > 0 {
		return nil, ErrInsufficientLiquidity
	}
	return fills, nil
}

// commitFills applies previously planned fills. The mark price moves to
// the last filled pip.
func (ob *OrderBook) commitFills(fills []Fill) {
	for _, f := range fills {
		node := ob.orders[f.OrderID]
		node.FilledQuantity += f.Quantity

		lvl := ob.sideFor(node.Side).levels[node.Pip]
		lvl.Liquidity -= f.Quantity
		if node.IsFilled() {
			// FIFO consumption means filled nodes sit at the queue front
			for len(lvl.Queue) > 0 && lvl.Queue[0].IsFilled() {
				lvl.Queue = lvl.Queue[1:]
			}
			delete(ob.orders, node.OrderID)
		}
		if lvl.Liquidity == 0 && len(lvl.Queue) == 0 {
			ob.sideFor(node.Side).uninitialize(node.Pip)
		}
		ob.markPip = f.Pip
	}
}

// MatchMarket consumes resting liquidity for a market order and returns
// the fills, best price outward. All-or-nothing: on any error the book is
// untouched.
func (ob *OrderBook) MatchMarket(side Side, quantity int64, taker string) ([]Fill, error) {
	fills, err := ob.planMarket(side, quantity, taker, 0)
	if err != nil {
		return nil, err
	}
	ob.commitFills(fills)
	return fills, nil
}

// Cancel removes the unfilled remainder of a resting order and returns
// that remainder. Fully filled or unknown orders are not cancelable.
func (ob *OrderBook) Cancel(orderID uint64, pip Pip) (int64, error) {
	node, ok := ob.orders[orderID]
	if !ok || node.Pip != pip || node.IsFilled() {
		return 0, ErrOrderNotCancelable
	}

	side := ob.sideFor(node.Side)
	lvl := side.levels[pip]
	for i, q := range lvl.Queue {
		if q.OrderID == orderID {
			lvl.Queue = append(lvl.Queue[:i], lvl.Queue[i+1:]...)
			break
		}
	}
	remaining := node.Remaining()
	lvl.Liquidity -= remaining
	if lvl.Liquidity == 0 && len(lvl.Queue) == 0 {
		side.uninitialize(pip)
	}
	delete(ob.orders, orderID)

	return remaining, nil
}

// Reduce shrinks the unfilled remainder of a resting order by quantity,
// removing the order entirely when nothing remains.
func (ob *OrderBook) Reduce(orderID uint64, quantity int64) error {
	node, ok := ob.orders[orderID]
	if !ok || node.IsFilled() {
		return ErrOrderNotCancelable
	}
	if quantity <= 0 || quantity > node.Remaining() {
		return ErrInvalidQuantity
	}

	node.OriginalQuantity -= quantity
	side := ob.sideFor(node.Side)
	lvl := side.levels[node.Pip]
	lvl.Liquidity -= quantity

	if node.Remaining() == 0 {
		for i, q := range lvl.Queue {
			if q.OrderID == orderID {
				lvl.Queue = append(lvl.Queue[:i], lvl.Queue[i+1:]...)
				break
			}
		}
		delete(ob.orders, orderID)
	}
	if lvl.Liquidity == 0 && len(lvl.Queue) == 0 {
		side.uninitialize(node.Pip)
	}
	return nil
}

// nextSyntheticID issues an order ID for orders that execute immediately
// and never rest in the book.
func (ob *OrderBook) nextSyntheticID() uint64 {
	ob.lastOrderID++
	return ob.lastOrderID
}

// GetOrder returns a resting order by ID
func (ob *OrderBook) GetOrder(orderID uint64) (*OrderNode, bool) {
	node, ok := ob.orders[orderID]
	return node, ok
}

// BestBid returns the highest resting long pip
func (ob *OrderBook) BestBid() (Pip, bool) {
	return ob.bids.best()
}

// BestAsk returns the lowest resting short pip
func (ob *OrderBook) BestAsk() (Pip, bool) {
	return ob.asks.best()
}

// LiquidityInRange sums resting quantity on a side between two pips
// inclusive.
func (ob *OrderBook) LiquidityInRange(side Side, from, to Pip) int64 {
	if from > to {
		from, to = to, from
	}
	var total int64
	s := ob.sideFor(side)
	for _, pip := range s.pips {
		if pip < from {
			continue
		}
		if pip > to {
			break
		}
		total += s.levels[pip].Liquidity
	}
	return total
}

// DepthSnapshot aggregates up to maxLevels levels per side, best first
func (ob *OrderBook) DepthSnapshot(maxLevels int) Depth {
	d := Depth{Symbol: ob.Symbol, MarkPip: ob.markPip}
	collect := func(s *bookSide) []DepthLevel {
		out := make([]DepthLevel, 0, maxLevels)
		s.walk(func(lvl *priceLevel) bool {
			out = append(out, DepthLevel{Pip: lvl.Pip, Liquidity: lvl.Liquidity, Orders: len(lvl.Queue)})
			return maxLevels <= 0 || len(out) < maxLevels
		})
		return out
	}
	d.Bids = collect(ob.bids)
	d.Asks = collect(ob.asks)
	return d
}

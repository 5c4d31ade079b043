package perps

import (
	"sync"
	"time"
)

// PriceFeed sources the underlying index price for funding. Mirrors a
// round-based oracle: each update is a round, and historical rounds stay
// queryable.
type PriceFeed interface {
	GetPrice(key string) (Pip, time.Time, error)
	GetPreviousPrice(key string, roundsBack int) (Pip, error)
}

// MarkPriceSource exposes spot and TWAP mark prices for margining
type MarkPriceSource interface {
	GetSpotPrice(symbol string) (Pip, error)
	GetTwapPrice(symbol string, interval time.Duration) (Pip, error)
}

type feedRound struct {
	pip Pip
	ts  time.Time
}

// StaticFeed is an in-memory PriceFeed fed by an external updater. Used
// by the daemon's oracle poller and by tests.
type StaticFeed struct {
	mu     sync.RWMutex
	rounds map[string][]feedRound
}

// NewStaticFeed creates an empty feed
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{rounds: make(map[string][]feedRound)}
}

// Push records a new price round for key
func (f *StaticFeed) Push(key string, pip Pip, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rounds[key] = append(f.rounds[key], feedRound{pip: pip, ts: ts})
}

// GetPrice returns the latest round for key
func (f *StaticFeed) GetPrice(key string) (Pip, time.Time, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rounds := f.rounds[key]
	if len(rounds) == 0 {
		return 0, time.Time{}, ErrInvalidPrice
	}
	last := rounds[len(rounds)-1]
	return last.pip, last.ts, nil
}

// GetPreviousPrice returns the price roundsBack rounds before the latest
func (f *StaticFeed) GetPreviousPrice(key string, roundsBack int) (Pip, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rounds := f.rounds[key]
	idx := len(rounds) - 1 - roundsBack
	if idx < 0 {
		return 0, ErrInvalidPrice
	}
	return rounds[idx].pip, nil
}

// Package storage persists engine state through the luxfi/database
// key-value interface.
package storage

import (
	"encoding/json"
	"fmt"

	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/perps"
)

const (
	marketKeyPrefix  = "market:"
	fundingKeyPrefix = "funding:"
	symbolsKey       = "symbols"
)

// Store reads and writes market snapshots and funding history
type Store struct {
	logger log.Logger
	db     database.Database
}

// NewStore creates a store over an open database
func NewStore(logger log.Logger, db database.Database) *Store {
	return &Store{logger: logger, db: db}
}

// SaveSnapshot writes every market snapshot plus the symbol index in one
// batch.
func (s *Store) SaveSnapshot(snaps []perps.MarketSnapshot) error {
	batch := s.db.NewBatch()
	defer batch.Reset()

	symbols := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		symbols = append(symbols, snap.Symbol)

		value, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal market %s: %w", snap.Symbol, err)
		}
		if err := batch.Put([]byte(marketKeyPrefix+snap.Symbol), value); err != nil {
			return err
		}
	}

	index, err := json.Marshal(symbols)
	if err != nil {
		return err
	}
	if err := batch.Put([]byte(symbolsKey), index); err != nil {
		return err
	}

	if err := batch.Write(); err != nil {
		return err
	}
	s.logger.Debug("Saved engine snapshot", "markets", len(snaps))
	return nil
}

// LoadSnapshot reads one market snapshot. The second return is false
// when the market has never been saved.
func (s *Store) LoadSnapshot(symbol string) (perps.MarketSnapshot, bool, error) {
	value, err := s.db.Get([]byte(marketKeyPrefix + symbol))
	if err != nil {
		if err == database.ErrNotFound {
			return perps.MarketSnapshot{}, false, nil
		}
		return perps.MarketSnapshot{}, false, err
	}

	var snap perps.MarketSnapshot
	if err := json.Unmarshal(value, &snap); err != nil {
		return perps.MarketSnapshot{}, false, fmt.Errorf("unmarshal market %s: %w", symbol, err)
	}
	return snap, true, nil
}

// Symbols returns the saved market index
func (s *Store) Symbols() ([]string, error) {
	value, err := s.db.Get([]byte(symbolsKey))
	if err != nil {
		if err == database.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	if err := json.Unmarshal(value, &symbols); err != nil {
		return nil, err
	}
	return symbols, nil
}

// SaveFundingSample appends one funding sample keyed by payment time
func (s *Store) SaveFundingSample(symbol string, sample perps.FundingSample) error {
	key := fmt.Sprintf("%s%s:%d", fundingKeyPrefix, symbol, sample.Timestamp.UnixNano())
	value, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(key), value)
}

// Restore rebuilds every saved market inside an exchange. Market risk
// parameters come from the caller since they are configuration, not
// state.
func (s *Store) Restore(ex *perps.Exchange, params func(symbol string) perps.MarketParams) error {
	symbols, err := s.Symbols()
	if err != nil {
		return err
	}

	for _, symbol := range symbols {
		snap, ok, err := s.LoadSnapshot(symbol)
		if err != nil {
			return err
		}
		if !ok {
			s.logger.Warn("Symbol indexed but snapshot missing", "symbol", symbol)
			continue
		}
		if _, err := ex.RestoreMarket(params(symbol), snap); err != nil {
			return fmt.Errorf("restore market %s: %w", symbol, err)
		}
		s.logger.Info("Restored market", "symbol", symbol, "positions", len(snap.Positions))
	}
	return nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

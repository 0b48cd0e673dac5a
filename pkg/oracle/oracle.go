// Package oracle defines the normalized price feed the ledger consumes.
// Prices are assumed fresh; proving their correctness is the feed's own
// concern, not the ledger's.
package oracle

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNoPrice = errors.New("no price for instrument")

// PriceSource returns the normalized price of one instrument unit, scaled
// by params.PriceScale.
type PriceSource interface {
	NormalizedPrice(instrument uint64) (uint64, error)
}

// Static is a settable in-memory price source, used by the node's price
// ingestion endpoint and by tests.
type Static struct {
	mu     sync.RWMutex
	prices map[uint64]uint64
}

func NewStatic() *Static {
	return &Static{prices: make(map[uint64]uint64)}
}

func (s *Static) Set(instrument uint64, price uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[instrument] = price
}

func (s *Static) NormalizedPrice(instrument uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[instrument]
	if !ok {
		return 0, fmt.Errorf("instrument %d: %w", instrument, ErrNoPrice)
	}
	return price, nil
}

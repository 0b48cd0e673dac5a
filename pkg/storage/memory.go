package storage

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lendexhq/lendex/pkg/core"
)

// MemoryStore is an in-process core.Store for tests and tooling.
type MemoryStore struct {
	mu          sync.RWMutex
	instruments map[uint64]core.Instrument
	count       uint64
	positions   map[core.PositionKey]core.Position
	orders      map[core.OrderID]core.OrderRecord
	globals     core.Globals
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments: make(map[uint64]core.Instrument),
		positions:   make(map[core.PositionKey]core.Position),
		orders:      make(map[core.OrderID]core.OrderRecord),
	}
}

func (s *MemoryStore) Instrument(id uint64) (core.Instrument, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instruments[id]
	return inst, ok, nil
}

func (s *MemoryStore) InstrumentCount() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count, nil
}

func (s *MemoryStore) Position(account common.Address, instrument uint64) (core.Position, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[core.PositionKey{Account: account, Instrument: instrument}]
	return pos, ok, nil
}

func (s *MemoryStore) Order(id core.OrderID) (core.OrderRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.orders[id]
	return rec, ok, nil
}

func (s *MemoryStore) Globals() (core.Globals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globals, nil
}

func (s *MemoryStore) Commit(cs core.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, inst := range cs.Instruments {
		s.instruments[id] = inst
	}
	if cs.InstrumentCount != nil {
		s.count = *cs.InstrumentCount
	}
	for key, pos := range cs.Positions {
		s.positions[key] = pos
	}
	for id, rec := range cs.Orders {
		s.orders[id] = rec
	}
	for id := range cs.RemovedOrders {
		delete(s.orders, id)
	}
	if cs.Globals != nil {
		s.globals = *cs.Globals
	}
	return nil
}

var _ core.Store = (*MemoryStore)(nil)

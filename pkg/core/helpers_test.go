package core

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lendexhq/lendex/params"
	"github.com/lendexhq/lendex/pkg/oracle"
	"github.com/lendexhq/lendex/pkg/util"
)

var (
	alice    = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob      = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	carol    = common.HexToAddress("0xCC00000000000000000000000000000000000000")
	dave     = common.HexToAddress("0xDD00000000000000000000000000000000000000")
	feeSink  = common.HexToAddress("0xFE00000000000000000000000000000000000000")
	operator = common.HexToAddress("0x0100000000000000000000000000000000000000")
	quant    = common.HexToAddress("0x0200000000000000000000000000000000000000")
	owner    = common.HexToAddress("0x0300000000000000000000000000000000000000")
)

// memStore is a minimal in-package Store for core tests.
type memStore struct {
	instruments map[uint64]Instrument
	count       uint64
	positions   map[PositionKey]Position
	orders      map[OrderID]OrderRecord
	globals     Globals
	commits     int
}

func newMemStore() *memStore {
	return &memStore{
		instruments: make(map[uint64]Instrument),
		positions:   make(map[PositionKey]Position),
		orders:      make(map[OrderID]OrderRecord),
	}
}

func (s *memStore) Instrument(id uint64) (Instrument, bool, error) {
	inst, ok := s.instruments[id]
	return inst, ok, nil
}

func (s *memStore) InstrumentCount() (uint64, error) { return s.count, nil }

func (s *memStore) Position(account common.Address, instrument uint64) (Position, bool, error) {
	pos, ok := s.positions[PositionKey{Account: account, Instrument: instrument}]
	return pos, ok, nil
}

func (s *memStore) Order(id OrderID) (OrderRecord, bool, error) {
	rec, ok := s.orders[id]
	return rec, ok, nil
}

func (s *memStore) Globals() (Globals, error) { return s.globals, nil }

func (s *memStore) Commit(cs ChangeSet) error {
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
	s.commits++
	return nil
}

func (s *memStore) setPosition(account common.Address, instrument uint64, pos Position) {
	s.positions[PositionKey{Account: account, Instrument: instrument}] = pos
}

// flatInstrument lists an instrument with zero interest rates so pool state
// stays put over time unless a test says otherwise.
func flatInstrument(id uint64, symbol string) Instrument {
	return Instrument{
		ID:          id,
		Symbol:      symbol,
		Decimals:    6,
		BorrowIndex: params.RateOne,
		LendIndex:   params.RateOne,
	}
}

func seedStore(insts ...Instrument) *memStore {
	s := newMemStore()
	for _, inst := range insts {
		s.instruments[inst.ID] = inst
		if inst.ID >= s.count {
			s.count = inst.ID + 1
		}
	}
	s.globals = Globals{
		FeeTarget:       feeSink,
		QuantAddress:    quant,
		OperatorAddress: operator,
		Factors:         LiquidationFactors{Cash: 500, Pool: 500},
	}
	return s
}

func testEngine(s *memStore, prices *oracle.Static) (*Engine, *util.FixedClock) {
	clock := util.NewFixedClock(0)
	engine := NewEngine(s, prices, owner, time.Unix(0, 0), clock, nil)
	return engine, clock
}

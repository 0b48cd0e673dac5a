package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// stateTx buffers all reads and writes of one operation in overlay maps.
// Nothing reaches the store until commit; aborting an operation is simply
// dropping the transaction.
type stateTx struct {
	store Store

	instruments     map[uint64]Instrument
	instrumentCount *uint64
	positions       map[PositionKey]Position
	orders          map[OrderID]OrderRecord
	removedOrders   map[OrderID]struct{}
	globals         *Globals
}

func newStateTx(store Store) *stateTx {
	return &stateTx{
		store:         store,
		instruments:   make(map[uint64]Instrument),
		positions:     make(map[PositionKey]Position),
		orders:        make(map[OrderID]OrderRecord),
		removedOrders: make(map[OrderID]struct{}),
	}
}

func (tx *stateTx) instrumentCountVal() (uint64, error) {
	if tx.instrumentCount != nil {
		return *tx.instrumentCount, nil
	}
	return tx.store.InstrumentCount()
}

func (tx *stateTx) setInstrumentCount(n uint64) {
	tx.instrumentCount = &n
}

func (tx *stateTx) instrument(id uint64) (Instrument, error) {
	if inst, ok := tx.instruments[id]; ok {
		return inst, nil
	}
	inst, ok, err := tx.store.Instrument(id)
	if err != nil {
		return Instrument{}, fmt.Errorf("load instrument %d: %w", id, err)
	}
	if !ok {
		return Instrument{}, fmt.Errorf("instrument %d: %w", id, ErrInstrumentNotFound)
	}
	return inst, nil
}

func (tx *stateTx) setInstrument(inst Instrument) {
	tx.instruments[inst.ID] = inst
}

// position returns the stored position or a zero one; positions are created
// lazily on first write.
func (tx *stateTx) position(account common.Address, instrument uint64) (Position, error) {
	key := PositionKey{Account: account, Instrument: instrument}
	if pos, ok := tx.positions[key]; ok {
		return pos, nil
	}
	pos, ok, err := tx.store.Position(account, instrument)
	if err != nil {
		return Position{}, fmt.Errorf("load position %s/%d: %w", account.Hex(), instrument, err)
	}
	if !ok {
		return Position{}, nil
	}
	return pos, nil
}

func (tx *stateTx) setPosition(account common.Address, instrument uint64, pos Position) {
	tx.positions[PositionKey{Account: account, Instrument: instrument}] = pos
}

func (tx *stateTx) order(id OrderID) (OrderRecord, bool, error) {
	if _, removed := tx.removedOrders[id]; removed {
		return OrderRecord{}, false, nil
	}
	if rec, ok := tx.orders[id]; ok {
		return rec, true, nil
	}
	rec, ok, err := tx.store.Order(id)
	if err != nil {
		return OrderRecord{}, false, fmt.Errorf("load order: %w", err)
	}
	return rec, ok, nil
}

func (tx *stateTx) setOrder(id OrderID, rec OrderRecord) {
	delete(tx.removedOrders, id)
	tx.orders[id] = rec
}

func (tx *stateTx) removeOrder(id OrderID) {
	delete(tx.orders, id)
	tx.removedOrders[id] = struct{}{}
}

func (tx *stateTx) globalsVal() (Globals, error) {
	if tx.globals != nil {
		return *tx.globals, nil
	}
	return tx.store.Globals()
}

func (tx *stateTx) setGlobals(g Globals) {
	tx.globals = &g
}

// commit flushes the buffered writes to the store in one atomic batch.
func (tx *stateTx) commit() error {
	return tx.store.Commit(ChangeSet{
		Instruments:     tx.instruments,
		InstrumentCount: tx.instrumentCount,
		Positions:       tx.positions,
		Orders:          tx.orders,
		RemovedOrders:   tx.removedOrders,
		Globals:         tx.globals,
	})
}

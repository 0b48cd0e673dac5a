package storage

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lendexhq/lendex/params"
	"github.com/lendexhq/lendex/pkg/core"
)

var testAccount = common.HexToAddress("0xAA00000000000000000000000000000000000000")

func testChangeSet() core.ChangeSet {
	count := uint64(1)
	globals := core.Globals{
		FeeTarget: common.HexToAddress("0xFE00000000000000000000000000000000000000"),
		Factors:   core.LiquidationFactors{Cash: 500, Pool: 500},
	}
	order := &core.Order{Account: testAccount, SellAmount: 100, BuyAmount: 50, Expiration: 10}
	return core.ChangeSet{
		Instruments: map[uint64]core.Instrument{
			0: {
				ID:          0,
				Symbol:      "USD",
				Decimals:    6,
				BorrowIndex: params.RateOne,
				LendIndex:   params.RateOne,
				Borrowed:    100,
				Liquidity:   200,
			},
		},
		InstrumentCount: &count,
		Positions: map[core.PositionKey]core.Position{
			{Account: testAccount, Instrument: 0}: {Cash: 1000, Principal: -10, Index: params.RateOne},
		},
		Orders: map[core.OrderID]core.OrderRecord{
			order.ID(): {SellRemaining: 100, BorrowRemaining: 20, RepayRemaining: 30},
		},
		Globals: &globals,
	}
}

// roundTrip commits a change set and reads everything back through the
// core.Store interface.
func roundTrip(t *testing.T, store core.Store) {
	t.Helper()
	cs := testChangeSet()
	if err := store.Commit(cs); err != nil {
		t.Fatal(err)
	}

	inst, ok, err := store.Instrument(0)
	if err != nil || !ok {
		t.Fatalf("instrument: ok=%v err=%v", ok, err)
	}
	if inst.Symbol != "USD" || inst.Borrowed != 100 || inst.Liquidity != 200 {
		t.Errorf("instrument = %+v", inst)
	}
	if _, ok, _ := store.Instrument(1); ok {
		t.Error("unexpected instrument 1")
	}

	count, err := store.InstrumentCount()
	if err != nil || count != 1 {
		t.Errorf("count = %d err=%v, want 1", count, err)
	}

	pos, ok, err := store.Position(testAccount, 0)
	if err != nil || !ok {
		t.Fatalf("position: ok=%v err=%v", ok, err)
	}
	if pos.Cash != 1000 || pos.Principal != -10 || pos.Index != params.RateOne {
		t.Errorf("position = %+v", pos)
	}

	var orderID core.OrderID
	for id := range cs.Orders {
		orderID = id
	}
	rec, ok, err := store.Order(orderID)
	if err != nil || !ok {
		t.Fatalf("order: ok=%v err=%v", ok, err)
	}
	if rec.SellRemaining != 100 || rec.BorrowRemaining != 20 || rec.RepayRemaining != 30 {
		t.Errorf("order record = %+v", rec)
	}

	globals, err := store.Globals()
	if err != nil {
		t.Fatal(err)
	}
	if globals.FeeTarget != cs.Globals.FeeTarget || globals.Factors != cs.Globals.Factors {
		t.Errorf("globals = %+v", globals)
	}

	// A later change set deletes the order record.
	if err := store.Commit(core.ChangeSet{
		RemovedOrders: map[core.OrderID]struct{}{orderID: {}},
	}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.Order(orderID); ok {
		t.Error("order record should be deleted")
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	roundTrip(t, NewMemoryStore())
}

func TestPebbleStoreRoundTrip(t *testing.T) {
	store, err := NewPebbleStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	roundTrip(t, store)
}

func TestPebbleStoreReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Commit(testChangeSet()); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = NewPebbleStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	count, err := store.InstrumentCount()
	if err != nil || count != 1 {
		t.Errorf("count after reopen = %d err=%v, want 1", count, err)
	}
	pos, ok, err := store.Position(testAccount, 0)
	if err != nil || !ok || pos.Cash != 1000 {
		t.Errorf("position after reopen = %+v ok=%v err=%v", pos, ok, err)
	}
}

func TestEmptyStoreDefaults(t *testing.T) {
	store, err := NewPebbleStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if count, err := store.InstrumentCount(); err != nil || count != 0 {
		t.Errorf("count = %d err=%v, want 0", count, err)
	}
	if _, ok, err := store.Position(testAccount, 0); ok || err != nil {
		t.Errorf("position: ok=%v err=%v", ok, err)
	}
	if globals, err := store.Globals(); err != nil || globals != (core.Globals{}) {
		t.Errorf("globals = %+v err=%v", globals, err)
	}
}

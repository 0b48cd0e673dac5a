package core

import (
	"errors"
	"math"
	"testing"

	"github.com/lendexhq/lendex/params"
	"github.com/lendexhq/lendex/pkg/fixmath"
)

func TestCapitalize(t *testing.T) {
	one := uint64(params.RateOne)
	grown := uint64(1_100_000_000_000) // 1.1

	if got, _ := capitalizeBorrow(-100, one, grown); got != -110 {
		t.Errorf("borrow at 1.1x = %d, want -110", got)
	}
	// Equal indexes still grow the debt by one unit.
	if got, _ := capitalizeBorrow(-100, one, one); got != -101 {
		t.Errorf("borrow at same index = %d, want -101", got)
	}
	if got, _ := capitalizeLend(100, one, grown); got != 110 {
		t.Errorf("lend at 1.1x = %d, want 110", got)
	}
	if got, _ := capitalizeLend(100, one, one); got != 100 {
		t.Errorf("lend at same index = %d, want 100", got)
	}
	if got, _ := capitalize(Position{Principal: 100, Index: 0}, one, one); got != 0 {
		t.Errorf("untouched position capitalizes to %d, want 0", got)
	}
}

func TestAccrueClockBackwards(t *testing.T) {
	inst := flatInstrument(0, "USD")
	inst.LastUpdate = 100
	if _, err := accrue(inst, 99); err == nil {
		t.Fatal("expected error when now precedes last update")
	}
}

// TestPoolMoveLifecycle walks a subscribe, a borrow, interest accrual, full
// repay and redemption, checking every intermediate pool and position state.
func TestPoolMoveLifecycle(t *testing.T) {
	inst := flatInstrument(0, "USD")
	inst.MinRate = 100_000_000_000 // 0.1 per second, all curve points
	inst.OptRate = 100_000_000_000
	inst.MaxRate = 100_000_000_000
	store := seedStore(inst)
	store.setPosition(alice, 0, Position{Cash: 1000})
	store.setPosition(bob, 0, Position{Cash: 100})

	// Alice subscribes 600 to the pool.
	tx := newStateTx(store)
	if err := poolMove(tx, alice, 0, 600, 0); err != nil {
		t.Fatal(err)
	}
	if err := tx.commit(); err != nil {
		t.Fatal(err)
	}
	pos := store.positions[PositionKey{Account: alice, Instrument: 0}]
	if pos.Cash != 400 || pos.Principal != 600 || pos.Index != params.RateOne {
		t.Fatalf("alice after subscribe: %+v", pos)
	}

	// Bob borrows 200.
	tx = newStateTx(store)
	if err := poolMove(tx, bob, 0, -200, 0); err != nil {
		t.Fatal(err)
	}
	if err := tx.commit(); err != nil {
		t.Fatal(err)
	}
	inst = store.instruments[0]
	if inst.Borrowed != 200 || inst.Liquidity != 600 {
		t.Fatalf("pool after borrow: borrowed=%d liquidity=%d", inst.Borrowed, inst.Liquidity)
	}
	pos = store.positions[PositionKey{Account: bob, Instrument: 0}]
	if pos.Cash != 300 || pos.Principal != -200 {
		t.Fatalf("bob after borrow: %+v", pos)
	}

	// One second of 10% interest: 20 units accrue onto bob's 200 debt. Bob
	// repays the full 220.
	tx = newStateTx(store)
	if err := poolMove(tx, bob, 0, 220, 1); err != nil {
		t.Fatal(err)
	}
	if err := tx.commit(); err != nil {
		t.Fatal(err)
	}
	inst = store.instruments[0]
	if inst.Borrowed != 0 || inst.Liquidity != 620 {
		t.Fatalf("pool after repay: borrowed=%d liquidity=%d", inst.Borrowed, inst.Liquidity)
	}
	if inst.LendIndex != 1_033_333_333_333 {
		t.Fatalf("lend index = %d, want 1033333333333", inst.LendIndex)
	}
	pos = store.positions[PositionKey{Account: bob, Instrument: 0}]
	if pos.Cash != 80 || pos.Principal != 0 || pos.Index != 0 {
		t.Fatalf("bob after repay: %+v", pos)
	}

	// Alice redeems her grown position: floor(600 * 1.0333...) = 619.
	tx = newStateTx(store)
	if err := poolMove(tx, alice, 0, -619, 1); err != nil {
		t.Fatal(err)
	}
	if err := tx.commit(); err != nil {
		t.Fatal(err)
	}
	inst = store.instruments[0]
	if inst.Borrowed != 0 || inst.Liquidity != 1 {
		t.Fatalf("pool after redeem: borrowed=%d liquidity=%d", inst.Borrowed, inst.Liquidity)
	}
	pos = store.positions[PositionKey{Account: alice, Instrument: 0}]
	if pos.Cash != 1019 || pos.Principal != 0 || pos.Index != 0 {
		t.Fatalf("alice after redeem: %+v", pos)
	}
}

func TestPoolMoveOverBorrow(t *testing.T) {
	store := seedStore(flatInstrument(0, "USD"))
	store.setPosition(alice, 0, Position{Cash: 100})

	tx := newStateTx(store)
	if err := poolMove(tx, alice, 0, 100, 0); err != nil {
		t.Fatal(err)
	}
	if err := poolMove(tx, bob, 0, -200, 0); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestPoolMoveDustIndexOverflow(t *testing.T) {
	// A rounding-dust repay credits the lend index; the credit must not
	// wrap a near-maximal index.
	inst := flatInstrument(0, "USD")
	inst.Borrowed = 5
	inst.Liquidity = 5
	inst.LendIndex = math.MaxUint64 - 10
	store := seedStore(inst)
	store.setPosition(alice, 0, Position{Cash: 10, Principal: -5, Index: params.RateOne})

	tx := newStateTx(store)
	if err := poolMove(tx, alice, 0, 6, 0); !errors.Is(err, fixmath.ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestPoolMoveInsufficientCash(t *testing.T) {
	store := seedStore(flatInstrument(0, "USD"))
	store.setPosition(alice, 0, Position{Cash: 50})

	tx := newStateTx(store)
	if err := poolMove(tx, alice, 0, 100, 0); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestPoolOnlyAccrual(t *testing.T) {
	inst := flatInstrument(0, "USD")
	inst.MinRate = 100_000_000_000
	inst.OptRate = 100_000_000_000
	inst.MaxRate = 100_000_000_000
	inst.Borrowed = 100
	inst.Liquidity = 200
	store := seedStore(inst)

	tx := newStateTx(store)
	if err := poolMove(tx, poolOnly, 0, 0, 1); err != nil {
		t.Fatal(err)
	}
	if err := tx.commit(); err != nil {
		t.Fatal(err)
	}
	got := store.instruments[0]
	if got.Borrowed != 110 || got.Liquidity != 210 {
		t.Fatalf("pool after accrual: borrowed=%d liquidity=%d", got.Borrowed, got.Liquidity)
	}
	if got.BorrowIndex != 1_100_000_000_000 {
		t.Fatalf("borrow index = %d", got.BorrowIndex)
	}
	if got.LastUpdate != 1 {
		t.Fatalf("last update = %d", got.LastUpdate)
	}
}

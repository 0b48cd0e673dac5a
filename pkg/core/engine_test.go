package core

import (
	"errors"
	"testing"
	"time"

	"github.com/lendexhq/lendex/params"
	"github.com/lendexhq/lendex/pkg/oracle"
)

func usdPrices() *oracle.Static {
	prices := oracle.NewStatic()
	prices.Set(0, params.PriceScale)
	prices.Set(1, params.PriceScale)
	return prices
}

func TestEngineDepositWithdraw(t *testing.T) {
	store := seedStore(flatInstrument(0, "USD"))
	engine, _ := testEngine(store, usdPrices())

	if err := engine.Deposit(alice, 0, 500, 0); err != nil {
		t.Fatal(err)
	}
	paid, err := engine.Withdraw(alice, 0, 300, 0, 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	if paid != 290 {
		t.Errorf("paid = %d, want 290", paid)
	}
	if got := store.positions[PositionKey{Account: alice, Instrument: 0}].Cash; got != 200 {
		t.Errorf("cash = %d, want 200", got)
	}
	if got := store.positions[PositionKey{Account: feeSink, Instrument: 0}].Cash; got != 10 {
		t.Errorf("fee sink = %d, want 10", got)
	}

	// The fee must stay under the signed cap.
	if _, err := engine.Withdraw(alice, 0, 100, 0, 5, 10); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("fee over cap: %v", err)
	}
}

func TestEngineDepositInstantPoolMove(t *testing.T) {
	store := seedStore(flatInstrument(0, "USD"))
	engine, _ := testEngine(store, usdPrices())

	if err := engine.Deposit(alice, 0, 500, 200); err != nil {
		t.Fatal(err)
	}
	pos := store.positions[PositionKey{Account: alice, Instrument: 0}]
	if pos.Cash != 300 || pos.Principal != 200 {
		t.Errorf("position = %+v", pos)
	}
}

func TestEngineDepositUnknownInstrument(t *testing.T) {
	store := seedStore(flatInstrument(0, "USD"))
	engine, _ := testEngine(store, usdPrices())

	if err := engine.Deposit(alice, 7, 500, 0); !errors.Is(err, ErrInstrumentNotFound) {
		t.Fatalf("got %v", err)
	}
}

func TestEngineWithdrawBorrowsShortfall(t *testing.T) {
	usd := flatInstrument(0, "USD")
	usd.Liquidity = 1000
	store := seedStore(usd, flatInstrument(1, "ETH"))
	store.setPosition(alice, 0, Position{Cash: 100})
	store.setPosition(alice, 1, Position{Cash: 1000})
	engine, _ := testEngine(store, usdPrices())

	paid, err := engine.Withdraw(alice, 0, 300, 300, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if paid != 300 {
		t.Errorf("paid = %d, want 300", paid)
	}
	pos := store.positions[PositionKey{Account: alice, Instrument: 0}]
	if pos.Cash != 0 || pos.Principal != -200 {
		t.Errorf("position = %+v", pos)
	}
}

func TestEngineWithdrawAtomicity(t *testing.T) {
	usd := flatInstrument(0, "USD")
	usd.Liquidity = 1000
	store := seedStore(usd)
	store.setPosition(alice, 0, Position{Cash: 100})
	engine, _ := testEngine(store, usdPrices())

	// Borrowing against no collateral fails the health check; nothing may
	// reach the store.
	_, err := engine.Withdraw(alice, 0, 300, 300, 0, 0)
	if !errors.Is(err, ErrUnhealthyAccount) {
		t.Fatalf("got %v", err)
	}
	if store.commits != 0 {
		t.Errorf("commits = %d, want 0", store.commits)
	}
	if got := store.positions[PositionKey{Account: alice, Instrument: 0}].Cash; got != 100 {
		t.Errorf("cash = %d, want 100", got)
	}
}

func TestEnginePoolMoveUnnettedSupport(t *testing.T) {
	usd := flatInstrument(0, "USD")
	usd.Liquidity = 1000
	usd.InitialMargin = 9000 // 10x weight on unsupported debt
	store := seedStore(usd)
	store.setPosition(alice, 0, Position{Cash: 1000})
	engine, _ := testEngine(store, usdPrices())

	// Netted against the cash the account looks fine, but the drawn
	// instrument must stand without it.
	err := engine.PoolMove(alice, 0, -200)
	if !errors.Is(err, ErrUnhealthyAccount) {
		t.Fatalf("got %v", err)
	}

	if err := engine.PoolMove(alice, 0, 500); err != nil {
		t.Fatal(err)
	}
	pos := store.positions[PositionKey{Account: alice, Instrument: 0}]
	if pos.Cash != 500 || pos.Principal != 500 {
		t.Errorf("position = %+v", pos)
	}
}

func TestEngineAccountMove(t *testing.T) {
	usd := flatInstrument(0, "USD")
	usd.Liquidity = 500
	store := seedStore(usd)
	store.setPosition(alice, 0, Position{Cash: 700, Principal: 500, Index: params.RateOne})
	engine, _ := testEngine(store, usdPrices())

	cash := Basket{{Instrument: 0, Amount: 300}}
	pool := Basket{{Instrument: 0, Amount: 200}}
	if err := engine.AccountMove(alice, bob, cash, pool); err != nil {
		t.Fatal(err)
	}

	src := store.positions[PositionKey{Account: alice, Instrument: 0}]
	if src.Cash != 400 || src.Principal != 300 {
		t.Errorf("source = %+v", src)
	}
	dst := store.positions[PositionKey{Account: bob, Instrument: 0}]
	if dst.Cash != 300 || dst.Principal != 200 || dst.Index != params.RateOne {
		t.Errorf("destination = %+v", dst)
	}

	// Pool entries may only move the source's principal toward zero.
	err := engine.AccountMove(alice, bob, nil, Basket{{Instrument: 0, Amount: 400}})
	if !errors.Is(err, ErrUnfairLiquidation) {
		t.Fatalf("got %v", err)
	}
}

func TestEngineAccountMoveBasketBound(t *testing.T) {
	store := seedStore(flatInstrument(0, "USD"))
	engine, _ := testEngine(store, usdPrices())

	// The length bound applies before any per-entry work; entries naming an
	// unknown instrument must never be looked up.
	oversized := make(Basket, params.MaxBasketLen+1)
	for i := range oversized {
		oversized[i].Instrument = 99
	}
	if err := engine.AccountMove(alice, bob, oversized, nil); !errors.Is(err, ErrBasketTooLarge) {
		t.Fatalf("cash basket: got %v", err)
	}
	if err := engine.AccountMove(alice, bob, nil, oversized); !errors.Is(err, ErrBasketTooLarge) {
		t.Fatalf("pool basket: got %v", err)
	}
	if store.commits != 0 {
		t.Errorf("commits = %d, want 0", store.commits)
	}
}

func TestEngineRoleChecks(t *testing.T) {
	store := seedStore(flatInstrument(0, "USD"), flatInstrument(1, "ETH"))
	engine, _ := testEngine(store, usdPrices())
	buy, sell := matchedOrders()

	if err := engine.Settle(alice, buy, sell, SettleParams{}); !errors.Is(err, ErrUnauthorizedSender) {
		t.Errorf("settle by non-operator: %v", err)
	}
	if err := engine.UpdateInstrument(alice, flatInstrument(0, "USD")); !errors.Is(err, ErrUnauthorizedSender) {
		t.Errorf("update instrument by non-quant: %v", err)
	}
	if err := engine.SetLiquidationFactors(alice, LiquidationFactors{}); !errors.Is(err, ErrUnauthorizedSender) {
		t.Errorf("set factors by non-quant: %v", err)
	}
	if err := engine.SetFeeTarget(alice, bob); !errors.Is(err, ErrUnauthorizedSender) {
		t.Errorf("set fee target by non-owner: %v", err)
	}
	if err := engine.AddOrder(bob, buy); !errors.Is(err, ErrUnauthorizedSender) {
		t.Errorf("add order for someone else: %v", err)
	}
}

func TestEngineSettleByOperator(t *testing.T) {
	store := seedStore(flatInstrument(0, "USD"), flatInstrument(1, "ETH"))
	store.setPosition(alice, 0, Position{Cash: 200_000})
	store.setPosition(bob, 1, Position{Cash: 50})
	prices := usdPrices()
	prices.Set(1, 2000*params.PriceScale)
	engine, _ := testEngine(store, prices)
	buy, sell := matchedOrders()

	p := SettleParams{BuyerToSend: 95_000, SellerToSend: 50}
	if err := engine.Settle(operator, buy, sell, p); err != nil {
		t.Fatal(err)
	}
	if got := store.positions[PositionKey{Account: alice, Instrument: 1}].Cash; got != 50 {
		t.Errorf("buyer ETH = %d, want 50", got)
	}
}

func TestEngineUpdateInstrument(t *testing.T) {
	usd := flatInstrument(0, "USD")
	usd.MinRate = 100_000_000_000
	usd.OptRate = 100_000_000_000
	usd.MaxRate = 100_000_000_000
	usd.Borrowed = 100
	usd.Liquidity = 200
	store := seedStore(usd)
	engine, clock := testEngine(store, usdPrices())
	clock.Advance(50 * time.Second)

	// Listing uses the next free id.
	eth := flatInstrument(2, "ETH")
	if err := engine.UpdateInstrument(quant, eth); !errors.Is(err, ErrInstrumentNotFound) {
		t.Fatalf("gap listing: %v", err)
	}
	eth.ID = 1
	if err := engine.UpdateInstrument(quant, eth); err != nil {
		t.Fatal(err)
	}
	if store.count != 2 {
		t.Errorf("count = %d, want 2", store.count)
	}
	got := store.instruments[1]
	if got.BorrowIndex != params.RateOne || got.LendIndex != params.RateOne || got.LastUpdate != 50 {
		t.Errorf("new instrument = %+v", got)
	}

	// Updating an existing instrument settles accrual under the old curve
	// first. One second at 10% grew the pool before the flat curve applies.
	update := flatInstrument(0, "USD")
	if err := engine.UpdateInstrument(quant, update); err != nil {
		t.Fatal(err)
	}
	got = store.instruments[0]
	if got.MinRate != 0 {
		t.Errorf("min rate = %d, want 0", got.MinRate)
	}
	if got.Borrowed <= 100 || got.Liquidity <= 200 {
		t.Errorf("pool did not accrue: borrowed=%d liquidity=%d", got.Borrowed, got.Liquidity)
	}
	if got.LastUpdate != 50 {
		t.Errorf("last update = %d, want 50", got.LastUpdate)
	}
}

func TestEngineUpdateInstrumentValidation(t *testing.T) {
	store := seedStore(flatInstrument(0, "USD"))
	engine, _ := testEngine(store, usdPrices())

	crossed := flatInstrument(0, "USD")
	crossed.MinRate = 200_000_000_000
	crossed.OptRate = 100_000_000_000
	crossed.MaxRate = 300_000_000_000
	if err := engine.UpdateInstrument(quant, crossed); !errors.Is(err, ErrInvalidInstrument) {
		t.Errorf("crossed rate curve: %v", err)
	}

	overScale := flatInstrument(0, "USD")
	overScale.OptimalUtilization = params.RatioOne + 1
	if err := engine.UpdateInstrument(quant, overScale); !errors.Is(err, ErrInvalidInstrument) {
		t.Errorf("oversized utilization: %v", err)
	}

	overScale = flatInstrument(0, "USD")
	overScale.InitialHaircut = params.RatioOne + 1
	if err := engine.UpdateInstrument(quant, overScale); !errors.Is(err, ErrInvalidInstrument) {
		t.Errorf("oversized haircut: %v", err)
	}
	if store.commits != 0 {
		t.Errorf("commits = %d, want 0", store.commits)
	}
}

func TestEngineRoleRotation(t *testing.T) {
	store := seedStore(flatInstrument(0, "USD"))
	engine, _ := testEngine(store, usdPrices())

	if err := engine.SetOperatorAddress(owner, carol); err != nil {
		t.Fatal(err)
	}
	if err := engine.SetQuantAddress(owner, dave); err != nil {
		t.Fatal(err)
	}
	globals, err := engine.GlobalParams()
	if err != nil {
		t.Fatal(err)
	}
	if globals.OperatorAddress != carol || globals.QuantAddress != dave {
		t.Errorf("globals = %+v", globals)
	}

	// The new quant can act, the old one cannot.
	if err := engine.SetLiquidationFactors(quant, LiquidationFactors{Cash: 100, Pool: 100}); !errors.Is(err, ErrUnauthorizedSender) {
		t.Errorf("old quant: %v", err)
	}
	if err := engine.SetLiquidationFactors(dave, LiquidationFactors{Cash: 100, Pool: 100}); err != nil {
		t.Errorf("new quant: %v", err)
	}
}

func TestEngineCleanOrdersClock(t *testing.T) {
	store := seedStore(flatInstrument(0, "USD"), flatInstrument(1, "ETH"))
	engine, clock := testEngine(store, usdPrices())
	buy, _ := matchedOrders()
	buy.Expiration = 10

	if err := engine.AddOrder(alice, buy); err != nil {
		t.Fatal(err)
	}
	if err := engine.CleanOrders([]*Order{buy}); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.orders[buy.ID()]; !ok {
		t.Fatal("live order swept early")
	}

	clock.Advance(11 * time.Second)
	if err := engine.CleanOrders([]*Order{buy}); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.orders[buy.ID()]; ok {
		t.Error("expired order record should be removed")
	}
}

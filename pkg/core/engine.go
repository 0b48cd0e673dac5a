package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/lendexhq/lendex/params"
	"github.com/lendexhq/lendex/pkg/fixmath"
	"github.com/lendexhq/lendex/pkg/oracle"
	"github.com/lendexhq/lendex/pkg/util"
)

// Engine executes ledger operations one at a time against the store. Every
// entry point buffers its writes in a state transaction and commits only
// after all assertions pass, so a failed operation leaves no trace.
//
// All on-ledger timestamps are seconds relative to the genesis time,
// including order expirations.
type Engine struct {
	mu      sync.Mutex
	store   Store
	prices  oracle.PriceSource
	clock   util.Clock
	genesis time.Time
	owner   common.Address
	log     *zap.Logger
}

// NewEngine wires an engine over a store and price source. The owner address
// is the only account allowed to rotate the role addresses.
func NewEngine(store Store, prices oracle.PriceSource, owner common.Address, genesis time.Time, clock util.Clock, log *zap.Logger) *Engine {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:   store,
		prices:  prices,
		clock:   clock,
		genesis: genesis,
		owner:   owner,
		log:     log,
	}
}

func (e *Engine) now() int64 {
	return e.clock.Now().Unix() - e.genesis.Unix()
}

// Deposit credits cash to an account, optionally pushing part of it straight
// into the pool.
func (e *Engine) Deposit(account common.Address, instrument uint64, amount, instantPoolMove int64) error {
	if amount < 0 || instantPoolMove < 0 {
		return ErrNegativeAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := newStateTx(e.store)
	if _, err := tx.instrument(instrument); err != nil {
		return err
	}
	if err := addCash(tx, account, instrument, amount); err != nil {
		return err
	}
	if instantPoolMove != 0 {
		if err := poolMove(tx, account, instrument, instantPoolMove, e.now()); err != nil {
			return err
		}
	}
	if err := tx.commit(); err != nil {
		return err
	}
	e.log.Info("deposit",
		zap.Stringer("account", account),
		zap.Uint64("instrument", instrument),
		zap.Int64("amount", amount),
		zap.Int64("instant_pool_move", instantPoolMove))
	return nil
}

// Withdraw debits cash from an account, borrowing any shortfall from the
// pool up to maxBorrow. The fee is taken out of the withdrawn amount and
// must not exceed the account's signed maxFees cap; the returned value is
// what actually leaves the ledger. The account must be healthy afterwards.
func (e *Engine) Withdraw(account common.Address, instrument uint64, amount, maxBorrow, maxFees, fee int64) (int64, error) {
	if amount < 0 || maxBorrow < 0 || maxFees < 0 || fee < 0 {
		return 0, ErrNegativeAmount
	}
	if fee > maxFees {
		return 0, fmt.Errorf("fee %d exceeds cap %d: %w", fee, maxFees, ErrInsufficientBalance)
	}
	if fee > amount {
		return 0, fmt.Errorf("fee %d exceeds amount %d: %w", fee, amount, ErrInsufficientBalance)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	tx := newStateTx(e.store)
	pos, err := tx.position(account, instrument)
	if err != nil {
		return 0, err
	}
	limit, err := fixmath.Add(maxBorrow, pos.Cash)
	if err != nil {
		return 0, err
	}
	if amount > limit {
		return 0, fmt.Errorf("withdraw %d over borrow limit %d: %w", amount, limit, ErrInsufficientBalance)
	}
	if amount > pos.Cash {
		if err := poolMove(tx, account, instrument, pos.Cash-amount, now); err != nil {
			return 0, err
		}
	}
	if err := addCash(tx, account, instrument, fixmath.Neg(amount)); err != nil {
		return 0, err
	}
	if err := collectFees(tx, instrument, fee); err != nil {
		return 0, err
	}
	health, err := healthCheck(tx, e.prices, account, false)
	if err != nil {
		return 0, err
	}
	if health < 0 {
		return 0, fmt.Errorf("health %d after withdraw: %w", health, ErrUnhealthyAccount)
	}
	if err := tx.commit(); err != nil {
		return 0, err
	}
	paid := amount - fee
	e.log.Info("withdraw",
		zap.Stringer("account", account),
		zap.Uint64("instrument", instrument),
		zap.Int64("amount", amount),
		zap.Int64("fee", fee),
		zap.Int64("health", health))
	return paid, nil
}

// PoolMove applies a signed transfer between an account and one instrument
// pool. A draw additionally requires the account to stand on its own
// without netting the drawn instrument's cash against its debt.
func (e *Engine) PoolMove(account common.Address, instrument uint64, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	tx := newStateTx(e.store)
	oldHealth, err := healthCheck(tx, e.prices, account, false)
	if err != nil {
		return err
	}
	if err := poolMove(tx, account, instrument, amount, now); err != nil {
		return err
	}
	if amount < 0 {
		if err := e.checkUnnettedSupport(tx, account, instrument); err != nil {
			return err
		}
	}
	health, err := healthCheck(tx, e.prices, account, false)
	if err != nil {
		return err
	}
	if health < 0 && health < oldHealth {
		return fmt.Errorf("health %d after pool move: %w", health, ErrUnhealthyAccount)
	}
	if err := tx.commit(); err != nil {
		return err
	}
	e.log.Info("pool_move",
		zap.Stringer("account", account),
		zap.Uint64("instrument", instrument),
		zap.Int64("amount", amount),
		zap.Int64("health", health))
	return nil
}

// checkUnnettedSupport re-values the account's health with the instrument's
// cash counted at face value instead of as haircut collateral. A borrower
// must pass this even when its cash could net the debt.
func (e *Engine) checkUnnettedSupport(tx *stateTx, account common.Address, instrument uint64) error {
	pos, err := tx.position(account, instrument)
	if err != nil {
		return err
	}
	cash := pos.Cash
	pos.Cash = 0
	tx.setPosition(account, instrument, pos)

	health, err := healthCheck(tx, e.prices, account, false)
	if err != nil {
		return err
	}
	price, err := e.prices.NormalizedPrice(instrument)
	if err != nil {
		return err
	}
	term, err := fixmath.WideRatio(params.PriceScale, price, uint64(cash))
	if err != nil {
		return err
	}
	if term > 1<<63-1 {
		return fixmath.ErrOverflow
	}
	health, err = fixmath.Add(health, int64(term))
	if err != nil {
		return err
	}

	pos.Cash = cash
	tx.setPosition(account, instrument, pos)

	if health < 0 {
		return fmt.Errorf("unsupported draw, health %d: %w", health, ErrUnhealthyAccount)
	}
	return nil
}

// AccountMove transfers cash and pool baskets from the caller's account to
// another. Both baskets must be non-negative, pool entries must move the
// source's principal toward zero, and the source must stay healthy.
func (e *Engine) AccountMove(src, dst common.Address, cash, pool Basket) error {
	if src == dst {
		return fmt.Errorf("source equals destination: %w", ErrUnauthorizedSender)
	}
	if len(cash) > params.MaxBasketLen || len(pool) > params.MaxBasketLen {
		return ErrBasketTooLarge
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	tx := newStateTx(e.store)
	if err := closerToZero(tx, src, pool); err != nil {
		return err
	}
	for _, entry := range pool {
		if err := poolMove(tx, src, entry.Instrument, 0, now); err != nil {
			return err
		}
		if err := poolMove(tx, dst, entry.Instrument, 0, now); err != nil {
			return err
		}
	}
	if err := moveBaskets(tx, src, dst, cash, pool, false, false); err != nil {
		return err
	}
	health, err := healthCheck(tx, e.prices, src, false)
	if err != nil {
		return err
	}
	if health < 0 {
		return fmt.Errorf("source health %d: %w", health, ErrUnhealthyAccount)
	}
	if err := tx.commit(); err != nil {
		return err
	}
	e.log.Info("account_move",
		zap.Stringer("src", src),
		zap.Stringer("dst", dst),
		zap.Int("cash_entries", len(cash)),
		zap.Int("pool_entries", len(pool)),
		zap.Int64("health", health))
	return nil
}

// AddOrder opens the remaining-allowance record for the caller's own order.
// Re-adding an existing order is a no-op.
func (e *Engine) AddOrder(caller common.Address, order *Order) error {
	if caller != order.Account {
		return fmt.Errorf("order owned by %s: %w", order.Account.Hex(), ErrUnauthorizedSender)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := newStateTx(e.store)
	if err := addOrderRecord(tx, order); err != nil {
		return err
	}
	if err := tx.commit(); err != nil {
		return err
	}
	e.log.Info("add_order",
		zap.Stringer("account", order.Account),
		zap.Stringer("order", order.ID().Hash()))
	return nil
}

// Settle fills a matched order pair. Only the operator may settle.
func (e *Engine) Settle(caller common.Address, buy, sell *Order, p SettleParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	tx := newStateTx(e.store)
	globals, err := tx.globalsVal()
	if err != nil {
		return err
	}
	if caller != globals.OperatorAddress {
		return fmt.Errorf("settle by %s: %w", caller.Hex(), ErrUnauthorizedSender)
	}
	if err := settle(tx, e.prices, buy, sell, p, now); err != nil {
		return err
	}
	if err := tx.commit(); err != nil {
		return err
	}
	e.log.Info("settle",
		zap.Stringer("buyer", buy.Account),
		zap.Stringer("seller", sell.Account),
		zap.Int64("buyer_to_send", p.BuyerToSend),
		zap.Int64("seller_to_send", p.SellerToSend))
	return nil
}

// Liquidate lets any healthy account take over part of an unhealthy
// account's balance sheet at bonus-adjusted prices.
func (e *Engine) Liquidate(liquidator, liquidatee common.Address, cash, pool Basket) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	tx := newStateTx(e.store)
	if err := liquidate(tx, e.prices, liquidator, liquidatee, cash, pool, now); err != nil {
		return err
	}
	if err := tx.commit(); err != nil {
		return err
	}
	e.log.Info("liquidate",
		zap.Stringer("liquidator", liquidator),
		zap.Stringer("liquidatee", liquidatee),
		zap.Int("cash_entries", len(cash)),
		zap.Int("pool_entries", len(pool)))
	return nil
}

// CleanOrders deletes the records of the given orders once expired. Anyone
// may call it.
func (e *Engine) CleanOrders(orders []*Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := newStateTx(e.store)
	if err := cleanOrders(tx, orders, e.now()); err != nil {
		return err
	}
	if err := tx.commit(); err != nil {
		return err
	}
	e.log.Info("clean_orders", zap.Int("orders", len(orders)))
	return nil
}

// UpdateInstrument lists a new instrument or replaces the risk and rate
// parameters of an existing one. Only the quant address may call it. A new
// instrument's id must equal the current instrument count; an existing
// instrument accrues interest up to now before its parameters change, so no
// accrual window spans two parameter sets.
func (e *Engine) UpdateInstrument(caller common.Address, info Instrument) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	tx := newStateTx(e.store)
	globals, err := tx.globalsVal()
	if err != nil {
		return err
	}
	if caller != globals.QuantAddress {
		return fmt.Errorf("update instrument by %s: %w", caller.Hex(), ErrUnauthorizedSender)
	}
	// The rate curve must be monotonic and ratios must stay within scale;
	// Rate and the health terms subtract these without sign room.
	if info.MinRate > info.OptRate || info.OptRate > info.MaxRate {
		return fmt.Errorf("rate curve not monotonic: %w", ErrInvalidInstrument)
	}
	if info.OptimalUtilization > params.RatioOne ||
		info.InitialHaircut > params.RatioOne ||
		info.MaintenanceHaircut > params.RatioOne {
		return fmt.Errorf("ratio parameter above scale: %w", ErrInvalidInstrument)
	}
	count, err := tx.instrumentCountVal()
	if err != nil {
		return err
	}
	if info.ID > count {
		return fmt.Errorf("instrument %d past count %d: %w", info.ID, count, ErrInstrumentNotFound)
	}
	if count >= params.MaxInstruments && info.ID == count {
		return fmt.Errorf("instrument table full: %w", ErrBasketTooLarge)
	}

	inst := Instrument{
		ID:                 info.ID,
		Symbol:             info.Symbol,
		Decimals:           info.Decimals,
		InitialHaircut:     info.InitialHaircut,
		InitialMargin:      info.InitialMargin,
		MaintenanceHaircut: info.MaintenanceHaircut,
		MaintenanceMargin:  info.MaintenanceMargin,
		OptimalUtilization: info.OptimalUtilization,
		MinRate:            info.MinRate,
		OptRate:            info.OptRate,
		MaxRate:            info.MaxRate,
		LastUpdate:         now,
		BorrowIndex:        params.RateOne,
		LendIndex:          params.RateOne,
	}
	if info.ID == count {
		tx.setInstrumentCount(count + 1)
	} else {
		if err := poolMove(tx, poolOnly, info.ID, 0, now); err != nil {
			return err
		}
		accrued, err := tx.instrument(info.ID)
		if err != nil {
			return err
		}
		inst.BorrowIndex = accrued.BorrowIndex
		inst.LendIndex = accrued.LendIndex
		inst.Borrowed = accrued.Borrowed
		inst.Liquidity = accrued.Liquidity
	}
	tx.setInstrument(inst)
	if err := tx.commit(); err != nil {
		return err
	}
	e.log.Info("update_instrument",
		zap.Uint64("instrument", inst.ID),
		zap.String("symbol", inst.Symbol),
		zap.Bool("new", info.ID == count))
	return nil
}

// SetLiquidationFactors replaces the liquidation bonus factors. Quant only.
func (e *Engine) SetLiquidationFactors(caller common.Address, factors LiquidationFactors) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := newStateTx(e.store)
	globals, err := tx.globalsVal()
	if err != nil {
		return err
	}
	if caller != globals.QuantAddress {
		return fmt.Errorf("set factors by %s: %w", caller.Hex(), ErrUnauthorizedSender)
	}
	globals.Factors = factors
	tx.setGlobals(globals)
	if err := tx.commit(); err != nil {
		return err
	}
	e.log.Info("set_liquidation_factors",
		zap.Uint64("cash", factors.Cash),
		zap.Uint64("pool", factors.Pool))
	return nil
}

// SetFeeTarget rotates the fee collection account. Owner only.
func (e *Engine) SetFeeTarget(caller, target common.Address) error {
	return e.setRole(caller, "fee_target", func(g *Globals) { g.FeeTarget = target })
}

// SetQuantAddress rotates the quant role. Owner only.
func (e *Engine) SetQuantAddress(caller, quant common.Address) error {
	return e.setRole(caller, "quant_address", func(g *Globals) { g.QuantAddress = quant })
}

// SetOperatorAddress rotates the settlement operator role. Owner only.
func (e *Engine) SetOperatorAddress(caller, operator common.Address) error {
	return e.setRole(caller, "operator_address", func(g *Globals) { g.OperatorAddress = operator })
}

func (e *Engine) setRole(caller common.Address, name string, set func(*Globals)) error {
	if caller != e.owner {
		return fmt.Errorf("parameter update by %s: %w", caller.Hex(), ErrUnauthorizedSender)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := newStateTx(e.store)
	globals, err := tx.globalsVal()
	if err != nil {
		return err
	}
	set(&globals)
	tx.setGlobals(globals)
	if err := tx.commit(); err != nil {
		return err
	}
	e.log.Info("update_parameter", zap.String("key", name))
	return nil
}

// Health returns the account's current excess margin without mutating any
// stored state.
func (e *Engine) Health(account common.Address, maintenance bool) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx := newStateTx(e.store)
	return healthCheck(tx, e.prices, account, maintenance)
}

// InstrumentInfo returns one instrument's listing and pool state.
func (e *Engine) InstrumentInfo(id uint64) (Instrument, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx := newStateTx(e.store)
	return tx.instrument(id)
}

// Instruments returns all listed instruments in id order.
func (e *Engine) Instruments() ([]Instrument, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx := newStateTx(e.store)
	count, err := tx.instrumentCountVal()
	if err != nil {
		return nil, err
	}
	out := make([]Instrument, 0, count)
	for id := uint64(0); id < count; id++ {
		inst, err := tx.instrument(id)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// PositionOf returns one account's position in one instrument; a never
// touched position reads as all zero.
func (e *Engine) PositionOf(account common.Address, instrument uint64) (Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx := newStateTx(e.store)
	return tx.position(account, instrument)
}

// OrderStatus returns an order's remaining allowance, if open.
func (e *Engine) OrderStatus(id OrderID) (OrderRecord, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx := newStateTx(e.store)
	return tx.order(id)
}

// GlobalParams returns the ledger-wide parameters.
func (e *Engine) GlobalParams() (Globals, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx := newStateTx(e.store)
	return tx.globalsVal()
}

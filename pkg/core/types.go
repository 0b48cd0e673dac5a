// Package core implements the accounting, risk and settlement state machine
// of the exchange: pooled borrow/lend interest accrual, account health
// valuation, atomic order settlement and fairness-scaled liquidation.
//
// The core executes one operation at a time against a buffered state
// transaction; any assertion failure aborts the whole operation with a
// sentinel error and no partial write reaches the store.
package core

import (
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Abort reasons. Every entry point returns one of these (possibly wrapped)
// on failure; the enclosing operation is rolled back in full.
var (
	ErrInsufficientLiquidity  = errors.New("insufficient pool liquidity")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrUnhealthyAccount       = errors.New("unhealthy account")
	ErrInvalidOrderMatch      = errors.New("orders do not match")
	ErrStaleOrder             = errors.New("order expired")
	ErrOrderAllowanceExceeded = errors.New("order allowance exceeded")
	ErrUnfairLiquidation      = errors.New("unfair liquidation")
	ErrUnauthorizedSender     = errors.New("unauthorized sender")
	ErrInstrumentNotFound     = errors.New("unknown instrument")
	ErrInvalidInstrument      = errors.New("invalid instrument parameters")
	ErrBasketTooLarge         = errors.New("basket exceeds configured maximum")
	ErrNegativeAmount         = errors.New("negative amount not allowed")
)

// Instrument is one listed asset and its pooled borrow/lend state.
// At rest Liquidity >= Borrowed >= 0.
type Instrument struct {
	ID     uint64 `json:"id"`
	Symbol string `json:"symbol"`
	// Decimals of the underlying asset, display only.
	Decimals uint8 `json:"decimals"`

	// Risk ratios, RatioOne-scaled.
	InitialHaircut     uint64 `json:"initial_haircut"`
	InitialMargin      uint64 `json:"initial_margin"`
	MaintenanceHaircut uint64 `json:"maintenance_haircut"`
	MaintenanceMargin  uint64 `json:"maintenance_margin"`

	// Interest curve: OptimalUtilization is RatioOne-scaled, the rates are
	// RateOne-scaled per-second rates.
	OptimalUtilization uint64 `json:"optimal_utilization"`
	MinRate            uint64 `json:"min_rate"`
	OptRate            uint64 `json:"opt_rate"`
	MaxRate            uint64 `json:"max_rate"`

	// Pool accrual state. Indexes start at RateOne and never decrease;
	// LastUpdate is seconds relative to the ledger genesis.
	LastUpdate  int64  `json:"last_update"`
	BorrowIndex uint64 `json:"borrow_index"`
	LendIndex   uint64 `json:"lend_index"`
	Borrowed    int64  `json:"borrowed"`
	Liquidity   int64  `json:"liquidity"`
}

// Position is one account's holdings in one instrument. Cash is always
// non-negative. Principal is signed: positive is a lend to the pool,
// negative a borrow from it. Index snapshots the relevant pool index at the
// last capitalization; a never-touched pool position has Index zero.
type Position struct {
	Cash      int64  `json:"cash"`
	Principal int64  `json:"principal"`
	Index     uint64 `json:"index"`
}

// InstrumentAmount is one basket entry: a signed amount of one instrument.
type InstrumentAmount struct {
	Instrument uint64 `json:"instrument"`
	Amount     int64  `json:"amount"`
}

// Basket is an ordered list of signed instrument amounts.
type Basket []InstrumentAmount

// LiquidationFactors scale the liquidation bonus: bonus = 1 + factor*haircut.
// RatioOne-scaled.
type LiquidationFactors struct {
	Cash uint64 `json:"cash"`
	Pool uint64 `json:"pool"`
}

// Globals are the ledger-wide mutable parameters.
type Globals struct {
	FeeTarget       common.Address     `json:"fee_target"`
	QuantAddress    common.Address     `json:"quant_address"`
	OperatorAddress common.Address     `json:"operator_address"`
	Factors         LiquidationFactors `json:"liquidation_factors"`
}

// Order is a signed trade intent. SellAmount/BuyAmount fix the worst
// acceptable price as a ratio; MaxBorrow and MaxRepay bound how much the
// settlement may draw from or repay into the sell/buy side pools on the
// owner's behalf.
type Order struct {
	Account        common.Address `json:"account"`
	SellInstrument uint64         `json:"sell_instrument"`
	SellAmount     int64          `json:"sell_amount"`
	BuyInstrument  uint64         `json:"buy_instrument"`
	BuyAmount      int64          `json:"buy_amount"`
	MaxBorrow      int64          `json:"max_borrow"`
	MaxRepay       int64          `json:"max_repay"`
	Expiration     int64          `json:"expiration"`
	Nonce          uint64         `json:"nonce"`
}

// OrderID identifies an order by the keccak256 of its canonical encoding.
type OrderID [32]byte

func (id OrderID) Hash() common.Hash { return common.Hash(id) }

// ID returns the order's identity hash.
func (o *Order) ID() OrderID {
	buf := make([]byte, 0, 20+8*8)
	buf = append(buf, o.Account.Bytes()...)
	for _, v := range []uint64{
		o.SellInstrument, uint64(o.SellAmount),
		o.BuyInstrument, uint64(o.BuyAmount),
		uint64(o.MaxBorrow), uint64(o.MaxRepay),
		uint64(o.Expiration), o.Nonce,
	} {
		buf = binary.BigEndian.AppendUint64(buf, v)
	}
	return OrderID(crypto.Keccak256Hash(buf))
}

// OrderRecord is the stored remaining allowance of an order, decremented by
// each partial fill and deleted when exhausted or expired.
type OrderRecord struct {
	SellRemaining   int64 `json:"sell_remaining"`
	BorrowRemaining int64 `json:"borrow_remaining"`
	RepayRemaining  int64 `json:"repay_remaining"`
}

// PositionKey addresses one (account, instrument) position.
type PositionKey struct {
	Account    common.Address
	Instrument uint64
}

// ChangeSet is the buffered write set of one committed operation.
type ChangeSet struct {
	Instruments     map[uint64]Instrument
	InstrumentCount *uint64
	Positions       map[PositionKey]Position
	Orders          map[OrderID]OrderRecord
	RemovedOrders   map[OrderID]struct{}
	Globals         *Globals
}

// Store is the persistent keyed ledger the core runs against. Loads are
// point reads; Commit applies a whole ChangeSet atomically.
type Store interface {
	Instrument(id uint64) (Instrument, bool, error)
	InstrumentCount() (uint64, error)
	Position(account common.Address, instrument uint64) (Position, bool, error)
	Order(id OrderID) (OrderRecord, bool, error)
	Globals() (Globals, error)
	Commit(ChangeSet) error
}

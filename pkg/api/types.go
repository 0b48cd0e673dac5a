package api

import (
	"github.com/shopspring/decimal"

	"github.com/lendexhq/lendex/pkg/core"
)

// API request and response types for REST endpoints and WebSocket messages.
// Request amounts are raw int64 base units so the ledger stays exact;
// responses additionally render human-readable decimal strings using each
// instrument's configured decimals.

// ==============================
// REST Response Types
// ==============================

// InstrumentInfo is one listed instrument and its pool state.
type InstrumentInfo struct {
	ID       uint64 `json:"id"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`

	InitialHaircut     uint64 `json:"initialHaircut"`
	InitialMargin      uint64 `json:"initialMargin"`
	MaintenanceHaircut uint64 `json:"maintenanceHaircut"`
	MaintenanceMargin  uint64 `json:"maintenanceMargin"`
	OptimalUtilization uint64 `json:"optimalUtilization"`
	MinRate            uint64 `json:"minRate"`
	OptRate            uint64 `json:"optRate"`
	MaxRate            uint64 `json:"maxRate"`

	BorrowIndex uint64 `json:"borrowIndex"`
	LendIndex   uint64 `json:"lendIndex"`
	Borrowed    string `json:"borrowed"`  // decimal string
	Liquidity   string `json:"liquidity"` // decimal string
}

// PositionInfo is one account's holdings in one instrument.
type PositionInfo struct {
	Instrument uint64 `json:"instrument"`
	Symbol     string `json:"symbol"`
	Cash       string `json:"cash"`      // decimal string
	Principal  string `json:"principal"` // decimal string, negative = borrow
	Index      uint64 `json:"index"`
}

// HealthInfo is an account's current excess margin.
type HealthInfo struct {
	Address     string `json:"address"`
	Initial     int64  `json:"initial"`
	Maintenance int64  `json:"maintenance"`
}

// OrderStatusInfo is the remaining allowance of an open order.
type OrderStatusInfo struct {
	ID              string `json:"id"`
	SellRemaining   int64  `json:"sellRemaining"`
	BorrowRemaining int64  `json:"borrowRemaining"`
	RepayRemaining  int64  `json:"repayRemaining"`
}

// GlobalsInfo is the ledger-wide parameter set.
type GlobalsInfo struct {
	FeeTarget       string `json:"feeTarget"`
	QuantAddress    string `json:"quantAddress"`
	OperatorAddress string `json:"operatorAddress"`
	CashFactor      uint64 `json:"cashLiquidationFactor"`
	PoolFactor      uint64 `json:"poolLiquidationFactor"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// REST Request Types
// ==============================

// BasketEntry is one signed instrument amount in a request basket.
type BasketEntry struct {
	Instrument uint64 `json:"instrument"`
	Amount     int64  `json:"amount"`
}

func toBasket(entries []BasketEntry) core.Basket {
	basket := make(core.Basket, len(entries))
	for i, e := range entries {
		basket[i] = core.InstrumentAmount{Instrument: e.Instrument, Amount: e.Amount}
	}
	return basket
}

type DepositRequest struct {
	Account         string `json:"account"`
	Instrument      uint64 `json:"instrument"`
	Amount          int64  `json:"amount"`
	InstantPoolMove int64  `json:"instantPoolMove"`
}

type WithdrawRequest struct {
	Account    string `json:"account"`
	Instrument uint64 `json:"instrument"`
	Amount     int64  `json:"amount"`
	MaxBorrow  int64  `json:"maxBorrow"`
	MaxFees    int64  `json:"maxFees"`
	Fee        int64  `json:"fee"`
}

type WithdrawResponse struct {
	Paid string `json:"paid"` // decimal string net of fee
}

type PoolMoveRequest struct {
	Account    string `json:"account"`
	Instrument uint64 `json:"instrument"`
	Amount     int64  `json:"amount"`
}

type AccountMoveRequest struct {
	Source      string        `json:"source"`
	Destination string        `json:"destination"`
	Cash        []BasketEntry `json:"cash"`
	Pool        []BasketEntry `json:"pool"`
}

// OrderPayload mirrors core.Order with hex addresses.
type OrderPayload struct {
	Account        string `json:"account"`
	SellInstrument uint64 `json:"sellInstrument"`
	SellAmount     int64  `json:"sellAmount"`
	BuyInstrument  uint64 `json:"buyInstrument"`
	BuyAmount      int64  `json:"buyAmount"`
	MaxBorrow      int64  `json:"maxBorrow"`
	MaxRepay       int64  `json:"maxRepay"`
	Expiration     int64  `json:"expiration"`
	Nonce          uint64 `json:"nonce"`
}

type SettleRequest struct {
	Buy    OrderPayload      `json:"buy"`
	Sell   OrderPayload      `json:"sell"`
	Params core.SettleParams `json:"params"`
}

type LiquidateRequest struct {
	Liquidator string        `json:"liquidator"`
	Liquidatee string        `json:"liquidatee"`
	Cash       []BasketEntry `json:"cash"`
	Pool       []BasketEntry `json:"pool"`
}

type UpdateInstrumentRequest struct {
	ID       uint64 `json:"id"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`

	InitialHaircut     uint64 `json:"initialHaircut"`
	InitialMargin      uint64 `json:"initialMargin"`
	MaintenanceHaircut uint64 `json:"maintenanceHaircut"`
	MaintenanceMargin  uint64 `json:"maintenanceMargin"`
	OptimalUtilization uint64 `json:"optimalUtilization"`
	MinRate            uint64 `json:"minRate"`
	OptRate            uint64 `json:"optRate"`
	MaxRate            uint64 `json:"maxRate"`
}

type LiquidationFactorsRequest struct {
	Cash uint64 `json:"cash"`
	Pool uint64 `json:"pool"`
}

type AddressRequest struct {
	Address string `json:"address"`
}

type CleanOrdersRequest struct {
	Orders []OrderPayload `json:"orders"`
}

// PriceUpdate is one normalized instrument price, PriceScale-scaled.
type PriceUpdate struct {
	Instrument uint64 `json:"instrument"`
	Price      uint64 `json:"price"`
}

type SetPricesRequest struct {
	Prices []PriceUpdate `json:"prices"`
}

type StatusResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by a client to change its channel set.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["ledger", "account:0x..."]
}

// LedgerEvent is broadcast after every committed operation.
type LedgerEvent struct {
	Type      string   `json:"type"` // "deposit", "withdraw", "settle", ...
	Accounts  []string `json:"accounts"`
	Timestamp int64    `json:"timestamp"` // unix milliseconds
}

// ==============================
// Rendering helpers
// ==============================

// renderAmount formats a raw int64 amount with the instrument's decimals.
func renderAmount(amount int64, decimals uint8) string {
	return decimal.New(amount, -int32(decimals)).String()
}

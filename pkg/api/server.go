package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/lendexhq/lendex/pkg/core"
	"github.com/lendexhq/lendex/pkg/oracle"
)

// callerHeader carries the authenticated caller address. Signature
// verification happens at the gateway in front of this server; the ledger
// only needs the resolved address.
const callerHeader = "X-Lendex-Caller"

// Server exposes the ledger engine over REST and WebSocket.
type Server struct {
	engine *core.Engine
	prices *oracle.Static
	router *mux.Router
	hub    *Hub
	log    *zap.Logger
}

func NewServer(engine *core.Engine, prices *oracle.Static, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		engine: engine,
		prices: prices,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Read endpoints
	api.HandleFunc("/instruments", s.handleGetInstruments).Methods("GET")
	api.HandleFunc("/instruments/{id}", s.handleGetInstrument).Methods("GET")
	api.HandleFunc("/accounts/{address}/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/accounts/{address}/health", s.handleGetHealth).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/globals", s.handleGetGlobals).Methods("GET")

	// Ledger operations
	api.HandleFunc("/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdraw", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/pool-move", s.handlePoolMove).Methods("POST")
	api.HandleFunc("/account-move", s.handleAccountMove).Methods("POST")
	api.HandleFunc("/orders", s.handleAddOrder).Methods("POST")
	api.HandleFunc("/settle", s.handleSettle).Methods("POST")
	api.HandleFunc("/liquidate", s.handleLiquidate).Methods("POST")
	api.HandleFunc("/orders/clean", s.handleCleanOrders).Methods("POST")

	// Administration
	api.HandleFunc("/admin/instruments", s.handleUpdateInstrument).Methods("POST")
	api.HandleFunc("/admin/liquidation-factors", s.handleSetFactors).Methods("POST")
	api.HandleFunc("/admin/fee-target", s.handleSetFeeTarget).Methods("POST")
	api.HandleFunc("/admin/quant-address", s.handleSetQuantAddress).Methods("POST")
	api.HandleFunc("/admin/operator-address", s.handleSetOperatorAddress).Methods("POST")
	api.HandleFunc("/admin/prices", s.handleSetPrices).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.HandleFunc("/health", s.handleHealthz).Methods("GET")
}

// Start runs the HTTP server until it fails.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", callerHeader},
		AllowCredentials: false,
	})

	s.log.Info("api server starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// ==============================
// Read handlers
// ==============================

func (s *Server) handleGetInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := s.engine.Instruments()
	if err != nil {
		respondEngineError(w, err)
		return
	}
	out := make([]InstrumentInfo, len(instruments))
	for i, inst := range instruments {
		out[i] = instrumentInfo(inst)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid instrument id", err.Error())
		return
	}
	inst, err := s.engine.InstrumentInfo(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, instrumentInfo(inst))
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	instruments, err := s.engine.Instruments()
	if err != nil {
		respondEngineError(w, err)
		return
	}
	positions := make([]PositionInfo, 0, len(instruments))
	for _, inst := range instruments {
		pos, err := s.engine.PositionOf(addr, inst.ID)
		if err != nil {
			respondEngineError(w, err)
			return
		}
		if pos.Cash == 0 && pos.Principal == 0 {
			continue
		}
		positions = append(positions, PositionInfo{
			Instrument: inst.ID,
			Symbol:     inst.Symbol,
			Cash:       renderAmount(pos.Cash, inst.Decimals),
			Principal:  renderAmount(pos.Principal, inst.Decimals),
			Index:      pos.Index,
		})
	}
	respondJSON(w, positions)
}

func (s *Server) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	initial, err := s.engine.Health(addr, false)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	maintenance, err := s.engine.Health(addr, true)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, HealthInfo{
		Address:     addr.Hex(),
		Initial:     initial,
		Maintenance: maintenance,
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	hash := common.HexToHash(mux.Vars(r)["id"])
	rec, ok, err := s.engine.OrderStatus(core.OrderID(hash))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", "")
		return
	}
	respondJSON(w, OrderStatusInfo{
		ID:              hash.Hex(),
		SellRemaining:   rec.SellRemaining,
		BorrowRemaining: rec.BorrowRemaining,
		RepayRemaining:  rec.RepayRemaining,
	})
}

func (s *Server) handleGetGlobals(w http.ResponseWriter, r *http.Request) {
	globals, err := s.engine.GlobalParams()
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, GlobalsInfo{
		FeeTarget:       globals.FeeTarget.Hex(),
		QuantAddress:    globals.QuantAddress.Hex(),
		OperatorAddress: globals.OperatorAddress.Hex(),
		CashFactor:      globals.Factors.Cash,
		PoolFactor:      globals.Factors.Pool,
	})
}

// ==============================
// Operation handlers
// ==============================

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	account, ok := parseAddress(w, req.Account)
	if !ok {
		return
	}
	if err := s.engine.Deposit(account, req.Instrument, req.Amount, req.InstantPoolMove); err != nil {
		respondEngineError(w, err)
		return
	}
	s.broadcast("deposit", account)
	respondJSON(w, StatusResponse{Status: "ok"})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	account, ok := parseAddress(w, req.Account)
	if !ok {
		return
	}
	paid, err := s.engine.Withdraw(account, req.Instrument, req.Amount, req.MaxBorrow, req.MaxFees, req.Fee)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	inst, err := s.engine.InstrumentInfo(req.Instrument)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	s.broadcast("withdraw", account)
	respondJSON(w, WithdrawResponse{Paid: renderAmount(paid, inst.Decimals)})
}

func (s *Server) handlePoolMove(w http.ResponseWriter, r *http.Request) {
	var req PoolMoveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	account, ok := parseAddress(w, req.Account)
	if !ok {
		return
	}
	if err := s.engine.PoolMove(account, req.Instrument, req.Amount); err != nil {
		respondEngineError(w, err)
		return
	}
	s.broadcast("pool_move", account)
	respondJSON(w, StatusResponse{Status: "ok"})
}

func (s *Server) handleAccountMove(w http.ResponseWriter, r *http.Request) {
	var req AccountMoveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	src, ok := parseAddress(w, req.Source)
	if !ok {
		return
	}
	dst, ok := parseAddress(w, req.Destination)
	if !ok {
		return
	}
	if err := s.engine.AccountMove(src, dst, toBasket(req.Cash), toBasket(req.Pool)); err != nil {
		respondEngineError(w, err)
		return
	}
	s.broadcast("account_move", src, dst)
	respondJSON(w, StatusResponse{Status: "ok"})
}

func (s *Server) handleAddOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	var req OrderPayload
	if !decodeBody(w, r, &req) {
		return
	}
	order, ok := parseOrder(w, req)
	if !ok {
		return
	}
	if err := s.engine.AddOrder(caller, order); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, StatusResponse{Status: "ok", Detail: order.ID().Hash().Hex()})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	var req SettleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	buy, ok := parseOrder(w, req.Buy)
	if !ok {
		return
	}
	sell, ok := parseOrder(w, req.Sell)
	if !ok {
		return
	}
	if err := s.engine.Settle(caller, buy, sell, req.Params); err != nil {
		respondEngineError(w, err)
		return
	}
	s.broadcast("settle", buy.Account, sell.Account)
	respondJSON(w, StatusResponse{Status: "ok"})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	liquidator, ok := parseAddress(w, req.Liquidator)
	if !ok {
		return
	}
	liquidatee, ok := parseAddress(w, req.Liquidatee)
	if !ok {
		return
	}
	if err := s.engine.Liquidate(liquidator, liquidatee, toBasket(req.Cash), toBasket(req.Pool)); err != nil {
		respondEngineError(w, err)
		return
	}
	s.broadcast("liquidate", liquidator, liquidatee)
	respondJSON(w, StatusResponse{Status: "ok"})
}

func (s *Server) handleCleanOrders(w http.ResponseWriter, r *http.Request) {
	var req CleanOrdersRequest
	if !decodeBody(w, r, &req) {
		return
	}
	orders := make([]*core.Order, 0, len(req.Orders))
	for _, payload := range req.Orders {
		order, ok := parseOrder(w, payload)
		if !ok {
			return
		}
		orders = append(orders, order)
	}
	if err := s.engine.CleanOrders(orders); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, StatusResponse{Status: "ok"})
}

// ==============================
// Admin handlers
// ==============================

func (s *Server) handleUpdateInstrument(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	var req UpdateInstrumentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.engine.UpdateInstrument(caller, core.Instrument{
		ID:                 req.ID,
		Symbol:             req.Symbol,
		Decimals:           req.Decimals,
		InitialHaircut:     req.InitialHaircut,
		InitialMargin:      req.InitialMargin,
		MaintenanceHaircut: req.MaintenanceHaircut,
		MaintenanceMargin:  req.MaintenanceMargin,
		OptimalUtilization: req.OptimalUtilization,
		MinRate:            req.MinRate,
		OptRate:            req.OptRate,
		MaxRate:            req.MaxRate,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, StatusResponse{Status: "ok"})
}

func (s *Server) handleSetFactors(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	var req LiquidationFactorsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.SetLiquidationFactors(caller, core.LiquidationFactors{Cash: req.Cash, Pool: req.Pool}); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, StatusResponse{Status: "ok"})
}

func (s *Server) handleSetFeeTarget(w http.ResponseWriter, r *http.Request) {
	s.handleSetAddress(w, r, s.engine.SetFeeTarget)
}

func (s *Server) handleSetQuantAddress(w http.ResponseWriter, r *http.Request) {
	s.handleSetAddress(w, r, s.engine.SetQuantAddress)
}

func (s *Server) handleSetOperatorAddress(w http.ResponseWriter, r *http.Request) {
	s.handleSetAddress(w, r, s.engine.SetOperatorAddress)
}

func (s *Server) handleSetAddress(w http.ResponseWriter, r *http.Request, set func(caller, addr common.Address) error) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	var req AddressRequest
	if !decodeBody(w, r, &req) {
		return
	}
	addr, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}
	if err := set(caller, addr); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, StatusResponse{Status: "ok"})
}

// handleSetPrices feeds normalized prices into the static oracle. Operator
// only.
func (s *Server) handleSetPrices(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(w, r)
	if !ok {
		return
	}
	globals, err := s.engine.GlobalParams()
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if caller != globals.OperatorAddress {
		respondEngineError(w, core.ErrUnauthorizedSender)
		return
	}
	var req SetPricesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	for _, update := range req.Prices {
		s.prices.Set(update.Instrument, update.Price)
	}
	respondJSON(w, StatusResponse{Status: "ok"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// broadcast pushes a ledger event to the shared channel and each touched
// account's channel.
func (s *Server) broadcast(event string, accounts ...common.Address) {
	hexes := make([]string, len(accounts))
	for i, addr := range accounts {
		hexes[i] = addr.Hex()
	}
	msg := LedgerEvent{
		Type:      event,
		Accounts:  hexes,
		Timestamp: time.Now().UnixMilli(),
	}
	s.hub.BroadcastToChannel("ledger", msg)
	for _, hex := range hexes {
		s.hub.BroadcastToChannel("account:"+hex, msg)
	}
}

// ==============================
// Helpers
// ==============================

func instrumentInfo(inst core.Instrument) InstrumentInfo {
	return InstrumentInfo{
		ID:                 inst.ID,
		Symbol:             inst.Symbol,
		Decimals:           inst.Decimals,
		InitialHaircut:     inst.InitialHaircut,
		InitialMargin:      inst.InitialMargin,
		MaintenanceHaircut: inst.MaintenanceHaircut,
		MaintenanceMargin:  inst.MaintenanceMargin,
		OptimalUtilization: inst.OptimalUtilization,
		MinRate:            inst.MinRate,
		OptRate:            inst.OptRate,
		MaxRate:            inst.MaxRate,
		BorrowIndex:        inst.BorrowIndex,
		LendIndex:          inst.LendIndex,
		Borrowed:           renderAmount(inst.Borrowed, inst.Decimals),
		Liquidity:          renderAmount(inst.Liquidity, inst.Decimals),
	}
}

func parseOrder(w http.ResponseWriter, payload OrderPayload) (*core.Order, bool) {
	account, ok := parseAddress(w, payload.Account)
	if !ok {
		return nil, false
	}
	return &core.Order{
		Account:        account,
		SellInstrument: payload.SellInstrument,
		SellAmount:     payload.SellAmount,
		BuyInstrument:  payload.BuyInstrument,
		BuyAmount:      payload.BuyAmount,
		MaxBorrow:      payload.MaxBorrow,
		MaxRepay:       payload.MaxRepay,
		Expiration:     payload.Expiration,
		Nonce:          payload.Nonce,
	}, true
}

func parseAddress(w http.ResponseWriter, raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid address", raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func callerAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	return parseAddress(w, r.Header.Get(callerHeader))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errStr, Message: message})
}

// respondEngineError maps ledger sentinel errors onto HTTP status codes.
func respondEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrInstrumentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrUnauthorizedSender):
		status = http.StatusForbidden
	case errors.Is(err, core.ErrInsufficientBalance),
		errors.Is(err, core.ErrInsufficientLiquidity),
		errors.Is(err, core.ErrUnhealthyAccount),
		errors.Is(err, core.ErrInvalidOrderMatch),
		errors.Is(err, core.ErrStaleOrder),
		errors.Is(err, core.ErrOrderAllowanceExceeded),
		errors.Is(err, core.ErrUnfairLiquidation),
		errors.Is(err, core.ErrBasketTooLarge),
		errors.Is(err, core.ErrInvalidInstrument),
		errors.Is(err, core.ErrNegativeAmount):
		status = http.StatusUnprocessableEntity
	}
	respondError(w, status, "operation rejected", err.Error())
}

package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/delayswap/delayswap/params"
	"github.com/delayswap/delayswap/pkg/core/engine"
	"github.com/delayswap/delayswap/pkg/core/order"
	"github.com/delayswap/delayswap/pkg/core/pool"
	"github.com/delayswap/delayswap/pkg/core/token"
	dscrypto "github.com/delayswap/delayswap/pkg/crypto"
)

// Server exposes the engine over REST and WebSocket. It also keeps the
// full content of every enqueued order: the ledger stores digests only,
// so the server is the resupply source at execute/cancel time.
type Server struct {
	eng    *engine.Engine
	reg    *pool.Registry
	bank   *token.Bank
	cfg    params.Config
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger

	mu     sync.Mutex
	orders map[uint64]*order.Order
	nonces map[common.Address]uint64 // last accepted nonce per caller
}

func NewServer(eng *engine.Engine, reg *pool.Registry, bank *token.Bank, cfg params.Config, log *zap.SugaredLogger) *Server {
	s := &Server{
		eng:    eng,
		reg:    reg,
		bank:   bank,
		cfg:    cfg,
		router: mux.NewRouter(),
		hub:    NewHub(),
		log:    log,
		orders: make(map[uint64]*order.Order),
		nonces: make(map[common.Address]uint64),
	}

	s.setupRoutes()

	// Mirror engine events onto the WebSocket fan-out.
	eng.Subscribe(func(ev engine.Event) {
		s.hub.BroadcastToChannel("events", ev)
		s.hub.BroadcastToChannel("events:"+string(ev.Type), ev)
	})

	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Order submission (signed)
	api.HandleFunc("/orders/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/orders/withdraw", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/orders/sell", s.handleSell).Methods("POST")
	api.HandleFunc("/orders/buy", s.handleBuy).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancel).Methods("POST")

	// Queue maintenance
	api.HandleFunc("/execute", s.handleExecute).Methods("POST")
	api.HandleFunc("/orders/retry", s.handleRetry).Methods("POST")
	api.HandleFunc("/orders/sweep", s.handleSweep).Methods("POST")

	// Read endpoints
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/queue", s.handleGetQueue).Methods("GET")
	api.HandleFunc("/pairs", s.handleGetPairs).Methods("GET")
	api.HandleFunc("/pairs/{id}/price", s.handleGetPrice).Methods("GET")
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the hub and blocks serving HTTP on addr.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	handler := c.Handler(s.router)

	s.log.Infow("api server starting", "addr", addr)
	return http.ListenAndServe(addr, handler)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler { return s.router }

// ==============================
// Signed request verification
// ==============================

// verifySigned authenticates a SignedRequest for the given method name.
// The recovered signer must equal the declared caller and the nonce must
// be strictly greater than the last one accepted for that caller.
func (s *Server) verifySigned(method string, r *http.Request) (common.Address, json.RawMessage, error) {
	var req SignedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return common.Address{}, nil, fmt.Errorf("invalid request body: %w", err)
	}
	if !common.IsHexAddress(req.Caller) {
		return common.Address{}, nil, errors.New("invalid caller address")
	}
	caller := common.HexToAddress(req.Caller)

	sig, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("invalid signature encoding: %w", err)
	}

	digest := dscrypto.RequestDigest(method, caller, req.Nonce, req.Payload)
	signer, err := dscrypto.RecoverAddress(digest[:], sig)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("signature recovery failed: %w", err)
	}
	if signer != caller {
		return common.Address{}, nil, errors.New("signature does not match caller")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Nonce <= s.nonces[caller] {
		return common.Address{}, nil, fmt.Errorf("stale nonce %d", req.Nonce)
	}
	s.nonces[caller] = req.Nonce

	return caller, req.Payload, nil
}

// ==============================
// Order submission handlers
// ==============================

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, raw, err := s.verifySigned("deposit", r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var p DepositPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}

	req := engine.DepositRequest{
		SwapBalance: p.SwapBalance,
		Wrap:        p.Wrap,
		GasLimit:    p.GasLimit,
	}
	if req.TokenA, err = parseAddr(p.TokenA); err == nil {
		req.TokenB, err = parseAddr(p.TokenB)
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AmountA, err = parseBig(p.AmountA); err == nil {
		if req.AmountB, err = parseBig(p.AmountB); err == nil {
			if req.GasPrice, err = parseBig(p.GasPrice); err == nil {
				req.Value, err = parseBig(p.Value)
			}
		}
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.To != "" {
		if req.To, err = parseAddr(p.To); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	o, err := s.eng.EnqueueDeposit(caller, req)
	if err != nil {
		respondError(w, httpStatus(err), err.Error())
		return
	}
	s.remember(o)
	respondJSON(w, s.orderInfo(o))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, raw, err := s.verifySigned("withdraw", r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var p WithdrawPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}

	req := engine.WithdrawRequest{
		Unwrap:   p.Unwrap,
		GasLimit: p.GasLimit,
	}
	if req.TokenA, err = parseAddr(p.TokenA); err == nil {
		req.TokenB, err = parseAddr(p.TokenB)
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Liquidity, err = parseBig(p.Liquidity); err == nil {
		if req.MinAmountA, err = parseBig(p.MinAmountA); err == nil {
			if req.MinAmountB, err = parseBig(p.MinAmountB); err == nil {
				if req.GasPrice, err = parseBig(p.GasPrice); err == nil {
					req.Value, err = parseBig(p.Value)
				}
			}
		}
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.To != "" {
		if req.To, err = parseAddr(p.To); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	o, err := s.eng.EnqueueWithdraw(caller, req)
	if err != nil {
		respondError(w, httpStatus(err), err.Error())
		return
	}
	s.remember(o)
	respondJSON(w, s.orderInfo(o))
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	caller, raw, err := s.verifySigned("sell", r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var p SellPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}

	req := engine.SellRequest{
		Wrap:     p.Wrap,
		Unwrap:   p.Unwrap,
		GasLimit: p.GasLimit,
	}
	if req.TokenIn, err = parseAddr(p.TokenIn); err == nil {
		req.TokenOut, err = parseAddr(p.TokenOut)
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AmountIn, err = parseBig(p.AmountIn); err == nil {
		if req.AmountOutMin, err = parseBig(p.AmountOutMin); err == nil {
			if req.GasPrice, err = parseBig(p.GasPrice); err == nil {
				req.Value, err = parseBig(p.Value)
			}
		}
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.To != "" {
		if req.To, err = parseAddr(p.To); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	o, err := s.eng.EnqueueSell(caller, req)
	if err != nil {
		respondError(w, httpStatus(err), err.Error())
		return
	}
	s.remember(o)
	respondJSON(w, s.orderInfo(o))
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	caller, raw, err := s.verifySigned("buy", r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var p BuyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}

	req := engine.BuyRequest{
		Wrap:     p.Wrap,
		Unwrap:   p.Unwrap,
		GasLimit: p.GasLimit,
	}
	if req.TokenIn, err = parseAddr(p.TokenIn); err == nil {
		req.TokenOut, err = parseAddr(p.TokenOut)
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AmountOut, err = parseBig(p.AmountOut); err == nil {
		if req.AmountInMax, err = parseBig(p.AmountInMax); err == nil {
			if req.GasPrice, err = parseBig(p.GasPrice); err == nil {
				req.Value, err = parseBig(p.Value)
			}
		}
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.To != "" {
		if req.To, err = parseAddr(p.To); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	o, err := s.eng.EnqueueBuy(caller, req)
	if err != nil {
		respondError(w, httpStatus(err), err.Error())
		return
	}
	s.remember(o)
	respondJSON(w, s.orderInfo(o))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller, raw, err := s.verifySigned("cancel", r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var p CancelPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}

	o := s.lookup(p.OrderID)
	if o == nil {
		respondError(w, http.StatusNotFound, "order not found")
		return
	}
	if err := s.eng.Cancel(caller, o); err != nil {
		respondError(w, httpStatus(err), err.Error())
		return
	}
	respondJSON(w, map[string]interface{}{"status": "canceled", "orderId": p.OrderID})
}

// ==============================
// Queue maintenance handlers
// ==============================

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	caller, raw, err := s.verifySigned("execute", r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var p ExecutePayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			respondError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
			return
		}
	}

	var batch []*order.Order
	if len(p.OrderIDs) > 0 {
		for _, id := range p.OrderIDs {
			o := s.lookup(id)
			if o == nil {
				respondError(w, http.StatusNotFound, fmt.Sprintf("order %d not found", id))
				return
			}
			batch = append(batch, o)
		}
	} else {
		batch = s.dueOrders()
	}
	if len(batch) == 0 {
		respondJSON(w, engine.Receipt{LastProcessed: s.eng.Ledger().LastProcessed()})
		return
	}

	receipt, err := s.eng.Execute(caller, batch)
	if err != nil {
		respondError(w, httpStatus(err), err.Error())
		return
	}
	respondJSON(w, receipt)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var p RetryPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.eng.RetryRefund(p.OrderID); err != nil {
		respondError(w, httpStatus(err), err.Error())
		return
	}
	respondJSON(w, map[string]interface{}{"status": "refunded", "orderId": p.OrderID})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	caller, raw, err := s.verifySigned("sweep", r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var p SweepPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	to, err := parseAddr(p.To)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.eng.Sweep(caller, p.OrderID, to); err != nil {
		respondError(w, httpStatus(err), err.Error())
		return
	}
	respondJSON(w, map[string]interface{}{"status": "swept", "orderId": p.OrderID})
}

// ==============================
// Read handlers
// ==============================

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	o := s.lookup(id)
	if o == nil {
		respondError(w, http.StatusNotFound, "order not found")
		return
	}
	respondJSON(w, s.orderInfo(o))
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	book := s.eng.Ledger()
	last, newest := book.LastProcessed(), book.Newest()
	respondJSON(w, QueueStatus{
		LastProcessed: last,
		Newest:        newest,
		Pending:       newest - last,
	})
}

func (s *Server) handleGetPairs(w http.ResponseWriter, r *http.Request) {
	pools := s.reg.List()
	response := make([]PairInfo, len(pools))
	for i, p := range pools {
		response[i] = pairInfo(p)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	raw, err := strconv.ParseUint(strings.TrimPrefix(idStr, "0x"), 16, 32)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid pair id")
		return
	}
	p, ok := s.reg.ByFingerprint(uint32(raw))
	if !ok {
		respondError(w, http.StatusNotFound, "pair not found")
		return
	}

	r0, r1 := p.Reserves()
	spot, err := p.Oracle().SpotPrice(r0, r1)
	if err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	_, ts := p.Oracle().PriceInfo()

	respondJSON(w, PriceInfo{
		PairID:    fmt.Sprintf("%08x", order.PairFingerprint(p.Addr())),
		Spot:      displayAmount(spot.ToBig(), 18),
		Timestamp: ts,
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addrStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addrStr) {
		respondError(w, http.StatusBadRequest, "invalid address")
		return
	}
	addr := common.HexToAddress(addrStr)

	balances := make(map[string]string)
	for _, p := range s.reg.List() {
		for _, tok := range []token.Token{p.Token0(), p.Token1()} {
			key := tok.Addr().Hex()
			if _, seen := balances[key]; !seen {
				balances[key] = tok.BalanceOf(addr).String()
			}
		}
	}

	respondJSON(w, AccountInfo{
		Address:  addr.Hex(),
		Native:   s.bank.BalanceOf(addr).String(),
		Balances: balances,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Order cache
// ==============================

func (s *Server) remember(o *order.Order) {
	s.mu.Lock()
	s.orders[o.ID] = o
	s.mu.Unlock()
}

func (s *Server) lookup(id uint64) *order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

// dueOrders collects the contiguous run of cached orders above the cursor.
// A gap means an order reached the ledger without passing through this
// server; execution must stop there since the digest cannot be resupplied.
func (s *Server) dueOrders() []*order.Order {
	book := s.eng.Ledger()
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []*order.Order
	for id := book.LastProcessed() + 1; id <= book.Newest(); id++ {
		o, ok := s.orders[id]
		if !ok {
			break
		}
		batch = append(batch, o)
	}
	return batch
}

func (s *Server) orderStatus(o *order.Order) (status string, refundPending bool) {
	book := s.eng.Ledger()
	if _, pending := book.RefundPending(o.ID); pending {
		return "refundPending", true
	}
	if book.IsCanceled(o.ID) {
		return "canceled", false
	}
	if book.OrderHash(o.ID) == (common.Hash{}) {
		return "executed", false
	}
	return "pending", false
}

func (s *Server) orderInfo(o *order.Order) OrderInfo {
	status, refundPending := s.orderStatus(o)
	lifetime := uint32(s.cfg.Engine.MaxOrderLifetime.Seconds())
	return OrderInfo{
		ID:            o.ID,
		Type:          o.Type.String(),
		Status:        status,
		PairID:        fmt.Sprintf("%08x", o.PairID),
		Owner:         o.Owner.Hex(),
		To:            o.To.Hex(),
		ValidAfter:    o.ValidAfter,
		ExpiresAt:     o.ValidAfter + lifetime,
		GasLimit:      o.GasLimit,
		GasPrice:      bigStr(o.GasPrice),
		Amount0:       bigStr(o.Amount0),
		Amount1:       bigStr(o.Amount1),
		Liquidity:     bigStr(o.Liquidity),
		AmountLimit0:  bigStr(o.AmountLimit0),
		AmountLimit1:  bigStr(o.AmountLimit1),
		Inverted:      o.Inverted,
		Unwrap:        o.Unwrap,
		SwapBalance:   o.Swap,
		RefundPending: refundPending,
	}
}

func pairInfo(p pool.Pool) PairInfo {
	r0, r1 := p.Reserves()
	return PairInfo{
		PairID:      fmt.Sprintf("%08x", order.PairFingerprint(p.Addr())),
		Address:     p.Addr().Hex(),
		Token0:      p.Token0().Addr().Hex(),
		Token1:      p.Token1().Addr().Hex(),
		Reserve0:    displayAmount(r0, p.Token0().Decimals()),
		Reserve1:    displayAmount(r1, p.Token1().Decimals()),
		Reserve0Raw: r0.String(),
		Reserve1Raw: r1.String(),
		SwapFeeBps:  p.SwapFeeBps(),
		MintFeeBps:  p.MintFeeBps(),
		BurnFeeBps:  p.BurnFeeBps(),
	}
}

// ==============================
// Helper functions
// ==============================

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

func parseAddr(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// parseBig parses a base-10 integer amount. Empty means unset (nil).
func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func bigStr(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownPair):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrBadPrepayment):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnauthorized), errors.Is(err, engine.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrTooEarly),
		errors.Is(err, engine.ErrCannotCancel),
		errors.Is(err, engine.ErrNoRefundPending),
		errors.Is(err, engine.ErrOutOfSequence),
		errors.Is(err, engine.ErrConsistencyViolation):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

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

	"github.com/updownlabs/updown/pkg/engine"
)

// Server exposes the public read surface and the operator's mutating entry
// points over REST, plus a websocket stream of round and settlement events.
// Operator calls carry the caller address in the X-Operator header; the
// engine decides whether that address is authorized.
type Server struct {
	eng    *engine.Engine
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

func NewServer(eng *engine.Engine, log *zap.SugaredLogger) *Server {
	s := &Server{
		eng:    eng,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Public reads.
	api.HandleFunc("/epoch", s.handleGetEpoch).Methods("GET")
	api.HandleFunc("/rounds/{epoch}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/rounds/{epoch}/unsettled", s.handleGetUnsettled).Methods("GET")
	api.HandleFunc("/rounds/{epoch}/{product}", s.handleGetRound).Methods("GET")
	api.HandleFunc("/users/{address}/orders", s.handleGetUserOrders).Methods("GET")
	api.HandleFunc("/users/{address}/balance", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/products", s.handleGetProducts).Methods("GET")

	// Operator entry points.
	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/round", s.handleOpenClose).Methods("POST")
	admin.HandleFunc("/override", s.handleOverride).Methods("POST")
	admin.HandleFunc("/emergency-release", s.handleEmergencyRelease).Methods("POST")
	admin.HandleFunc("/orders", s.handleSubmitOrders).Methods("POST")
	admin.HandleFunc("/settle", s.handleSettleBatch).Methods("POST")
	admin.HandleFunc("/commission", s.handleSetCommission).Methods("POST")
	admin.HandleFunc("/products", s.handleAddProduct).Methods("POST")
	admin.HandleFunc("/backfill", s.handleBackfill).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the HTTP server; it blocks until the listener fails.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-Operator"},
		AllowCredentials: false,
	})

	s.log.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// BroadcastRound pushes a round lifecycle event to subscribed clients.
func (s *Server) BroadcastRound(eventType string, epoch int64) {
	s.hub.BroadcastToChannel("rounds", RoundEvent{
		Type:  eventType,
		Epoch: epoch,
		Ts:    time.Now().Unix(),
	})
}

// BroadcastSettlement pushes a per-order settlement event.
func (s *Server) BroadcastSettlement(o *engine.Order, res engine.SettlementResult) {
	s.hub.BroadcastToChannel("settlements", SettlementEvent{
		Type:        "order_settled",
		Idx:         o.Idx,
		Epoch:       o.Epoch,
		WinPosition: res.WinPosition.String(),
		WinAmount:   res.WinAmount,
		Fee:         res.Fee,
		Ts:          time.Now().Unix(),
	})
}

// ---- Public handlers ----

func (s *Server) handleGetEpoch(w http.ResponseWriter, r *http.Request) {
	epoch, err := s.eng.CurrentEpoch()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "epoch not started", err.Error())
		return
	}
	respondJSON(w, EpochResponse{Epoch: epoch})
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	epoch, err := strconv.ParseInt(vars["epoch"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid epoch", err.Error())
		return
	}

	snap, ok := s.eng.RoundSnapshot(epoch, vars["product"])
	if !ok {
		respondError(w, http.StatusNotFound, "round not found", "")
		return
	}
	respondJSON(w, snap)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	epoch, err := strconv.ParseInt(mux.Vars(r)["epoch"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid epoch", err.Error())
		return
	}
	respondJSON(w, toOrderInfos(s.eng.Orders(epoch)))
}

func (s *Server) handleGetUnsettled(w http.ResponseWriter, r *http.Request) {
	epoch, err := strconv.ParseInt(mux.Vars(r)["epoch"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid epoch", err.Error())
		return
	}
	respondJSON(w, UnsettledResponse{Epoch: epoch, Unsettled: s.eng.UnsettledCount(epoch)})
}

func (s *Server) handleGetUserOrders(w http.ResponseWriter, r *http.Request) {
	addrStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addrStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	respondJSON(w, toOrderInfos(s.eng.OrdersByUser(common.HexToAddress(addrStr))))
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	addrStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addrStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	addr := common.HexToAddress(addrStr)
	respondJSON(w, BalanceResponse{Address: addr.Hex(), Balance: s.eng.Balance(addr)})
}

func (s *Server) handleGetProducts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.eng.Products())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ---- Operator handlers ----

// callerAddress extracts the operator identity from the X-Operator header.
func callerAddress(r *http.Request) (common.Address, bool) {
	h := r.Header.Get("X-Operator")
	if !common.IsHexAddress(h) {
		return common.Address{}, false
	}
	return common.HexToAddress(h), true
}

func (s *Server) handleOpenClose(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing or invalid X-Operator header", "")
		return
	}

	var req OpenCloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := s.eng.OpenAndCloseRound(caller, req.Updates, req.InitDate, req.SkipSettlement); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing or invalid X-Operator header", "")
		return
	}

	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := s.eng.ManualOverride(caller, req.Prices, req.InitDate, req.SkipSettlement); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleEmergencyRelease(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing or invalid X-Operator header", "")
		return
	}

	var req EmergencyReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := s.eng.EmergencyReleaseEpoch(caller, req.Epoch); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitOrders(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing or invalid X-Operator header", "")
		return
	}

	var req SubmitOrdersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	batch := make([]engine.OrderSubmission, 0, len(req.Orders))
	for _, item := range req.Orders {
		if !common.IsHexAddress(item.OverUser) || !common.IsHexAddress(item.UnderUser) {
			respondError(w, http.StatusBadRequest, "invalid user address", "idx "+strconv.FormatInt(item.Idx, 10))
			return
		}
		batch = append(batch, engine.OrderSubmission{
			Idx:        item.Idx,
			Epoch:      item.Epoch,
			Product:    item.Product,
			Strike:     item.Strike,
			OverUser:   common.HexToAddress(item.OverUser),
			UnderUser:  common.HexToAddress(item.UnderUser),
			OverPrice:  item.OverPrice,
			UnderPrice: item.UnderPrice,
			Unit:       item.Unit,
		})
	}

	outcomes, err := s.eng.SubmitOrders(caller, batch)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, outcomes)
}

func (s *Server) handleSettleBatch(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing or invalid X-Operator header", "")
		return
	}

	var req SettleBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	report, err := s.eng.SettleBatch(caller, req.Epoch, req.MaxFeeBearing, req.MaxIterations)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, report)
}

func (s *Server) handleSetCommission(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing or invalid X-Operator header", "")
		return
	}

	var req CommissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := s.eng.SetCommission(caller, req.Bps); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAddProduct(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing or invalid X-Operator header", "")
		return
	}

	var req ProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := s.eng.AddProduct(caller, req.Symbol, req.PriceID); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing or invalid X-Operator header", "")
		return
	}

	var req BackfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := s.eng.BackfillResults(caller, req.Epochs); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

// ---- Helpers ----

func toOrderInfos(orders []*engine.Order) []OrderInfo {
	out := make([]OrderInfo, 0, len(orders))
	for _, o := range orders {
		info := OrderInfo{
			Idx:        o.Idx,
			Epoch:      o.Epoch,
			Product:    o.Product,
			Strike:     o.Strike,
			OverUser:   o.OverUser.Hex(),
			UnderUser:  o.UnderUser.Hex(),
			OverPrice:  o.OverPrice,
			UnderPrice: o.UnderPrice,
			Unit:       o.Unit,
			Settled:    o.Settled,
		}
		if o.Result != nil {
			info.Result = &ResultInfo{
				WinPosition: o.Result.WinPosition.String(),
				WinAmount:   o.Result.WinAmount,
				FeeRate:     o.Result.FeeRate,
				Fee:         o.Result.Fee,
			}
		}
		out = append(out, info)
	}
	return out
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg, Message: detail})
}

// respondEngineError maps the engine's error taxonomy onto HTTP statuses.
func respondEngineError(w http.ResponseWriter, err error) {
	status := http.StatusConflict
	switch {
	case errors.Is(err, engine.ErrNotOperator):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrInvalidInitDate),
		errors.Is(err, engine.ErrEpochNotStarted),
		errors.Is(err, engine.ErrEpochNotReached),
		errors.Is(err, engine.ErrOverrideLive),
		errors.Is(err, engine.ErrCommissionTooBig),
		errors.Is(err, engine.ErrNonMonotonicIdx):
		status = http.StatusBadRequest
	}
	respondError(w, status, err.Error(), "")
}

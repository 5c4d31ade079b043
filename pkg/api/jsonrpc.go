// Package api exposes the exchange over JSON-RPC 2.0
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/perps"
)

// JSONRPCServer handles JSON-RPC 2.0 requests against the exchange
type JSONRPCServer struct {
	exchange *perps.Exchange
	vault    *perps.Vault
	logger   log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(exchange *perps.Exchange, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		exchange: exchange,
		logger:   logger,
	}
}

// AttachVault enables the custody methods. Deployments settling against
// an external ledger leave it unset and those methods return errors.
func (s *JSONRPCServer) AttachVault(vault *perps.Vault) {
	s.vault = vault
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		s.sendError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Trading methods
	case "perps_openMarketPosition":
		return s.openMarketPosition(params)
	case "perps_openLimitOrder":
		return s.openLimitOrder(params)
	case "perps_closePosition":
		return s.closePosition(params)
	case "perps_closeLimitPosition":
		return s.closeLimitPosition(params)
	case "perps_cancelOrder":
		return s.cancelOrder(params)

	// Margin methods
	case "perps_addMargin":
		return s.addMargin(params)
	case "perps_removeMargin":
		return s.removeMargin(params)
	case "perps_claimFunds":
		return s.claimFunds(params)

	// Risk methods
	case "perps_payFunding":
		return s.payFunding(params)
	case "perps_liquidate":
		return s.liquidate(params)
	case "perps_getMaintenance":
		return s.getMaintenance(params)

	// Custody methods
	case "perps_deposit":
		return s.deposit(params)
	case "perps_getBalance":
		return s.getBalance(params)
	case "perps_getInsuranceFund":
		return s.getInsuranceFund(params)

	// Query methods
	case "perps_getPosition":
		return s.getPosition(params)
	case "perps_getPendingOrders":
		return s.getPendingOrders(params)
	case "perps_getDepth":
		return s.getDepth(params)
	case "perps_getFundingHistory":
		return s.getFundingHistory(params)
	case "perps_getMarkets":
		return s.exchange.Symbols(), nil
	case "perps_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

func parseSide(s string) (perps.Side, error) {
	switch s {
	case "long", "buy":
		return perps.Long, nil
	case "short", "sell":
		return perps.Short, nil
	default:
		return 0, &RPCError{Code: InvalidParams, Message: "Invalid side"}
	}
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid amount"}
	}
	return v, nil
}

func (s *JSONRPCServer) openMarketPosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Symbol   string `json:"symbol"`
		Trader   string `json:"trader"`
		Side     string `json:"side"`
		Quantity int64  `json:"quantity"`
		Leverage int64  `json:"leverage"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	side, err := parseSide(p.Side)
	if err != nil {
		return nil, err
	}

	fills, err := s.exchange.OpenMarketPosition(p.Symbol, p.Trader, side, p.Quantity, p.Leverage)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	s.logger.Info("Market order filled", "symbol", p.Symbol, "trader", p.Trader,
		"side", side.String(), "quantity", p.Quantity, "fills", len(fills))

	return map[string]interface{}{
		"fills":  fills,
		"status": "filled",
	}, nil
}

func (s *JSONRPCServer) openLimitOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		Symbol     string    `json:"symbol"`
		Trader     string    `json:"trader"`
		Pip        perps.Pip `json:"pip"`
		Side       string    `json:"side"`
		Quantity   int64     `json:"quantity"`
		Leverage   int64     `json:"leverage"`
		ReduceOnly bool      `json:"reduce_only"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	side, err := parseSide(p.Side)
	if err != nil {
		return nil, err
	}

	orderID, err := s.exchange.OpenLimitOrder(p.Symbol, p.Trader, p.Pip, side, p.Quantity, p.Leverage, p.ReduceOnly)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return map[string]interface{}{
		"orderId": orderID,
		"status":  "accepted",
	}, nil
}

func (s *JSONRPCServer) closePosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Symbol  string `json:"symbol"`
		Trader  string `json:"trader"`
		Percent int64  `json:"percent"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if p.Percent == 0 {
		p.Percent = 100
	}

	fills, err := s.exchange.ClosePosition(p.Symbol, p.Trader, p.Percent)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return map[string]interface{}{
		"fills":  fills,
		"status": "closed",
	}, nil
}

func (s *JSONRPCServer) closeLimitPosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Symbol   string    `json:"symbol"`
		Trader   string    `json:"trader"`
		Pip      perps.Pip `json:"pip"`
		Quantity int64     `json:"quantity"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	orderID, err := s.exchange.CloseLimitPosition(p.Symbol, p.Trader, p.Pip, p.Quantity)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return map[string]interface{}{
		"orderId": orderID,
		"status":  "accepted",
	}, nil
}

func (s *JSONRPCServer) cancelOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		Symbol  string    `json:"symbol"`
		Trader  string    `json:"trader"`
		OrderID uint64    `json:"orderId"`
		Pip     perps.Pip `json:"pip"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := s.exchange.CancelLimitOrder(p.Symbol, p.Trader, p.OrderID, p.Pip); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return map[string]interface{}{
		"orderId": p.OrderID,
		"status":  "cancelled",
	}, nil
}

func (s *JSONRPCServer) addMargin(params json.RawMessage) (interface{}, error) {
	var p struct {
		Symbol string `json:"symbol"`
		Trader string `json:"trader"`
		Amount string `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.exchange.AddMargin(p.Symbol, p.Trader, amount); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"status": "ok"}, nil
}

func (s *JSONRPCServer) removeMargin(params json.RawMessage) (interface{}, error) {
	var p struct {
		Symbol string `json:"symbol"`
		Trader string `json:"trader"`
		Amount string `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.exchange.RemoveMargin(p.Symbol, p.Trader, amount); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"status": "ok"}, nil
}

func (s *JSONRPCServer) claimFunds(params json.RawMessage) (interface{}, error) {
	var p struct {
		Symbol string `json:"symbol"`
		Trader string `json:"trader"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	amount, err := s.exchange.ClaimFunds(p.Symbol, p.Trader)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"amount": amount.String(),
		"status": "paid",
	}, nil
}

func (s *JSONRPCServer) deposit(params json.RawMessage) (interface{}, error) {
	if s.vault == nil {
		return nil, &RPCError{Code: MethodNotFound, Message: "Custody not enabled"}
	}
	var p struct {
		Trader string `json:"trader"`
		Amount string `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, err
	}
	s.vault.Fund(p.Trader, amount)

	s.logger.Info("Collateral deposited", "trader", p.Trader, "amount", amount.String())
	return map[string]interface{}{
		"balance": s.vault.Balance(p.Trader).String(),
		"status":  "ok",
	}, nil
}

func (s *JSONRPCServer) getBalance(params json.RawMessage) (interface{}, error) {
	if s.vault == nil {
		return nil, &RPCError{Code: MethodNotFound, Message: "Custody not enabled"}
	}
	var p struct {
		Trader string `json:"trader"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	return map[string]interface{}{
		"balance": s.vault.Balance(p.Trader).String(),
	}, nil
}

func (s *JSONRPCServer) getInsuranceFund(params json.RawMessage) (interface{}, error) {
	if s.vault == nil {
		return nil, &RPCError{Code: MethodNotFound, Message: "Custody not enabled"}
	}
	return map[string]interface{}{
		"balance": s.vault.InsuranceFund().String(),
	}, nil
}

func (s *JSONRPCServer) payFunding(params json.RawMessage) (interface{}, error) {
	var p struct {
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	fraction, err := s.exchange.PayFunding(p.Symbol)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	s.logger.Info("Funding paid", "symbol", p.Symbol, "fraction", fraction.String())
	return map[string]interface{}{
		"premiumFraction": fraction.String(),
	}, nil
}

func (s *JSONRPCServer) liquidate(params json.RawMessage) (interface{}, error) {
	var p struct {
		Symbol  string `json:"symbol"`
		Trader  string `json:"trader"`
		UseTwap bool   `json:"use_twap"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	source := perps.SpotPrice
	if p.UseTwap {
		source = perps.TwapPrice
	}
	out, err := s.exchange.Liquidate(p.Symbol, p.Trader, source)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	s.logger.Info("Position liquidated", "symbol", p.Symbol, "trader", p.Trader,
		"full", out.Full, "quantity", out.LiquidatedQuantity, "penalty", out.Penalty.String())

	return map[string]interface{}{
		"full":               out.Full,
		"liquidatedQuantity": out.LiquidatedQuantity,
		"penalty":            out.Penalty.String(),
	}, nil
}

func (s *JSONRPCServer) getMaintenance(params json.RawMessage) (interface{}, error) {
	var p struct {
		Symbol  string `json:"symbol"`
		Trader  string `json:"trader"`
		UseTwap bool   `json:"use_twap"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	source := perps.SpotPrice
	if p.UseTwap {
		source = perps.TwapPrice
	}
	detail, err := s.exchange.GetMaintenanceDetail(p.Symbol, p.Trader, source)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return map[string]interface{}{
		"maintenanceMargin": detail.MaintenanceMargin.String(),
		"marginBalance":     detail.MarginBalance.String(),
		"marginRatio":       detail.MarginRatio,
	}, nil
}

func (s *JSONRPCServer) getPosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Symbol string `json:"symbol"`
		Trader string `json:"trader"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	pos, err := s.exchange.GetPosition(p.Symbol, p.Trader)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return map[string]interface{}{
		"trader":       pos.Trader,
		"symbol":       pos.Symbol,
		"quantity":     pos.Quantity,
		"side":         pos.Side().String(),
		"margin":       pos.Margin.String(),
		"manualMargin": pos.ManualMargin.String(),
		"openNotional": pos.OpenNotional.String(),
		"leverage":     pos.Leverage,
	}, nil
}

func (s *JSONRPCServer) getPendingOrders(params json.RawMessage) (interface{}, error) {
	var p struct {
		Symbol string `json:"symbol"`
		Trader string `json:"trader"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	orders, err := s.exchange.GetPendingOrders(p.Symbol, p.Trader)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return orders, nil
}

func (s *JSONRPCServer) getDepth(params json.RawMessage) (interface{}, error) {
	var p struct {
		Symbol string `json:"symbol"`
		Levels int    `json:"levels"`
	}
	p.Levels = 10
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	depth, err := s.exchange.DepthSnapshot(p.Symbol, p.Levels)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return depth, nil
}

func (s *JSONRPCServer) getFundingHistory(params json.RawMessage) (interface{}, error) {
	var p struct {
		Symbol string `json:"symbol"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	history, err := s.exchange.FundingHistory(p.Symbol, p.Limit)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return history, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer starts the JSON-RPC server
func StartJSONRPCServer(ctx context.Context, port int, server *JSONRPCServer, logger log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port)
	return httpServer.ListenAndServe()
}

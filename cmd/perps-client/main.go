// perps-client is a command line JSON-RPC client for perpsd.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/luxfi/log"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int         `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

type PerpsClient struct {
	baseURL string
	logger  log.Logger
	client  *http.Client
	nextID  int
}

func NewPerpsClient(baseURL string, logger log.Logger) *PerpsClient {
	return &PerpsClient{
		baseURL: baseURL,
		logger:  logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		nextID: 1,
	}
}

// Call performs one JSON-RPC request and decodes the result
func (c *PerpsClient) Call(method string, params interface{}) (json.RawMessage, error) {
	c.nextID++
	data, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Post(c.baseURL, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %s", string(body))
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func printResult(result json.RawMessage) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(pretty.String())
}

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8080", "perpsd JSON-RPC URL")
		action    = flag.String("action", "markets", "Action: deposit, balance, long, short, limit, close, cancel, position, orders, depth, funding, maintenance, liquidate, markets")
		symbol    = flag.String("symbol", "BTC-PERP", "Market symbol")
		trader    = flag.String("trader", "trader1", "Trader ID")
		side      = flag.String("side", "long", "Order side for -action limit")
		pip       = flag.Int64("pip", 0, "Limit price in pips")
		quantity  = flag.Int64("quantity", 1, "Order quantity in contracts")
		leverage  = flag.Int64("leverage", 10, "Leverage")
		amount    = flag.String("amount", "0", "Quote amount for deposit and margin actions")
		percent   = flag.Int64("percent", 100, "Close percentage")
		orderID   = flag.Uint64("order-id", 0, "Order ID for -action cancel")
	)
	flag.Parse()

	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)
	logger.Info("perps client", "server", *serverURL, "action", *action)

	client := NewPerpsClient(*serverURL, logger)

	var (
		result json.RawMessage
		err    error
	)

	switch *action {
	case "deposit":
		result, err = client.Call("perps_deposit", map[string]interface{}{
			"trader": *trader, "amount": *amount,
		})

	case "balance":
		result, err = client.Call("perps_getBalance", map[string]interface{}{
			"trader": *trader,
		})

	case "long", "short":
		result, err = client.Call("perps_openMarketPosition", map[string]interface{}{
			"symbol": *symbol, "trader": *trader, "side": *action,
			"quantity": *quantity, "leverage": *leverage,
		})

	case "limit":
		result, err = client.Call("perps_openLimitOrder", map[string]interface{}{
			"symbol": *symbol, "trader": *trader, "side": *side,
			"pip": *pip, "quantity": *quantity, "leverage": *leverage,
		})

	case "close":
		result, err = client.Call("perps_closePosition", map[string]interface{}{
			"symbol": *symbol, "trader": *trader, "percent": *percent,
		})

	case "cancel":
		result, err = client.Call("perps_cancelOrder", map[string]interface{}{
			"symbol": *symbol, "trader": *trader, "orderId": *orderID, "pip": *pip,
		})

	case "position":
		result, err = client.Call("perps_getPosition", map[string]interface{}{
			"symbol": *symbol, "trader": *trader,
		})

	case "orders":
		result, err = client.Call("perps_getPendingOrders", map[string]interface{}{
			"symbol": *symbol, "trader": *trader,
		})

	case "depth":
		result, err = client.Call("perps_getDepth", map[string]interface{}{
			"symbol": *symbol,
		})

	case "funding":
		result, err = client.Call("perps_getFundingHistory", map[string]interface{}{
			"symbol": *symbol, "limit": 10,
		})

	case "maintenance":
		result, err = client.Call("perps_getMaintenance", map[string]interface{}{
			"symbol": *symbol, "trader": *trader,
		})

	case "liquidate":
		result, err = client.Call("perps_liquidate", map[string]interface{}{
			"symbol": *symbol, "trader": *trader,
		})

	case "markets":
		result, err = client.Call("perps_getMarkets", map[string]interface{}{})

	default:
		logger.Error("Unknown action", "action", *action)
		os.Exit(1)
	}

	if err != nil {
		logger.Error("Request failed", "action", *action, "error", err)
		os.Exit(1)
	}
	printResult(result)
}

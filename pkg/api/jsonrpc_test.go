package api

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/perps"
)

func newTestServer(t *testing.T) (*JSONRPCServer, *perps.Vault) {
	t.Helper()

	vault := perps.NewVault()
	ex := perps.NewExchange(vault, perps.NewStaticFeed())
	_, err := ex.CreateMarket(perps.DefaultMarketParams("BTC-PERP"), 500000)
	require.NoError(t, err)

	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)
	return NewJSONRPCServer(ex, logger), vault
}

func call(t *testing.T, server *JSONRPCServer, body string) map[string]interface{} {
	t.Helper()

	req := httptest.NewRequest("POST", "/rpc", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "2.0", resp["jsonrpc"])
	return resp
}

func TestJSONRPCServer_Ping(t *testing.T) {
	server, _ := newTestServer(t)

	resp := call(t, server, `{"jsonrpc":"2.0","method":"perps_ping","params":{},"id":1}`)
	assert.Equal(t, "pong", resp["result"])
	assert.Equal(t, float64(1), resp["id"])
}

func TestJSONRPCServer_GetMarkets(t *testing.T) {
	server, _ := newTestServer(t)

	resp := call(t, server, `{"jsonrpc":"2.0","method":"perps_getMarkets","params":{},"id":2}`)
	result, ok := resp["result"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"BTC-PERP"}, result)
}

func TestJSONRPCServer_TradeFlow(t *testing.T) {
	server, vault := newTestServer(t)
	vault.Fund("bob", big.NewInt(6000))
	vault.Fund("alice", big.NewInt(6000))

	resp := call(t, server, `{"jsonrpc":"2.0","method":"perps_openLimitOrder","params":{"symbol":"BTC-PERP","trader":"bob","pip":501000,"side":"short","quantity":10,"leverage":10},"id":3}`)
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, "accepted", result["status"])
	assert.Equal(t, float64(1), result["orderId"])

	resp = call(t, server, `{"jsonrpc":"2.0","method":"perps_openMarketPosition","params":{"symbol":"BTC-PERP","trader":"alice","side":"long","quantity":10,"leverage":10},"id":4}`)
	result = resp["result"].(map[string]interface{})
	assert.Equal(t, "filled", result["status"])

	resp = call(t, server, `{"jsonrpc":"2.0","method":"perps_getPosition","params":{"symbol":"BTC-PERP","trader":"alice"},"id":5}`)
	result = resp["result"].(map[string]interface{})
	assert.Equal(t, float64(10), result["quantity"])
	assert.Equal(t, "long", result["side"])
	assert.Equal(t, "5010", result["margin"])
}

func TestJSONRPCServer_GetDepth(t *testing.T) {
	server, vault := newTestServer(t)
	vault.Fund("bob", big.NewInt(6000))

	call(t, server, `{"jsonrpc":"2.0","method":"perps_openLimitOrder","params":{"symbol":"BTC-PERP","trader":"bob","pip":501000,"side":"short","quantity":10,"leverage":10},"id":6}`)

	resp := call(t, server, `{"jsonrpc":"2.0","method":"perps_getDepth","params":{"symbol":"BTC-PERP"},"id":7}`)
	result := resp["result"].(map[string]interface{})
	asks := result["asks"].([]interface{})
	require.Len(t, asks, 1)
	level := asks[0].(map[string]interface{})
	assert.Equal(t, float64(501000), level["pip"])
	assert.Equal(t, float64(10), level["liquidity"])
}

func TestJSONRPCServer_AddMargin(t *testing.T) {
	server, vault := newTestServer(t)
	vault.Fund("bob", big.NewInt(10000))
	vault.Fund("alice", big.NewInt(10000))

	call(t, server, `{"jsonrpc":"2.0","method":"perps_openLimitOrder","params":{"symbol":"BTC-PERP","trader":"bob","pip":501000,"side":"short","quantity":10,"leverage":10},"id":8}`)
	call(t, server, `{"jsonrpc":"2.0","method":"perps_openMarketPosition","params":{"symbol":"BTC-PERP","trader":"alice","side":"long","quantity":10,"leverage":10},"id":9}`)

	resp := call(t, server, `{"jsonrpc":"2.0","method":"perps_addMargin","params":{"symbol":"BTC-PERP","trader":"alice","amount":"1000"},"id":10}`)
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, "ok", result["status"])

	resp = call(t, server, `{"jsonrpc":"2.0","method":"perps_getPosition","params":{"symbol":"BTC-PERP","trader":"alice"},"id":11}`)
	result = resp["result"].(map[string]interface{})
	assert.Equal(t, "1000", result["manualMargin"])
}

func TestJSONRPCServer_Custody(t *testing.T) {
	server, vault := newTestServer(t)

	t.Run("NotEnabled", func(t *testing.T) {
		resp := call(t, server, `{"jsonrpc":"2.0","method":"perps_deposit","params":{"trader":"alice","amount":"500"},"id":20}`)
		rpcErr := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(MethodNotFound), rpcErr["code"])
	})

	server.AttachVault(vault)

	t.Run("DepositAndBalance", func(t *testing.T) {
		resp := call(t, server, `{"jsonrpc":"2.0","method":"perps_deposit","params":{"trader":"alice","amount":"500"},"id":21}`)
		result := resp["result"].(map[string]interface{})
		assert.Equal(t, "500", result["balance"])

		resp = call(t, server, `{"jsonrpc":"2.0","method":"perps_getBalance","params":{"trader":"alice"},"id":22}`)
		result = resp["result"].(map[string]interface{})
		assert.Equal(t, "500", result["balance"])
	})

	t.Run("InsuranceFund", func(t *testing.T) {
		resp := call(t, server, `{"jsonrpc":"2.0","method":"perps_getInsuranceFund","params":{},"id":23}`)
		result := resp["result"].(map[string]interface{})
		assert.Equal(t, "0", result["balance"])
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		resp := call(t, server, `{"jsonrpc":"2.0","method":"perps_deposit","params":{"trader":"alice","amount":"-5"},"id":24}`)
		rpcErr := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(InvalidParams), rpcErr["code"])
	})
}

func TestJSONRPCServer_Errors(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("MethodNotFound", func(t *testing.T) {
		resp := call(t, server, `{"jsonrpc":"2.0","method":"perps_unknown","params":{},"id":12}`)
		rpcErr := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(MethodNotFound), rpcErr["code"])
	})

	t.Run("InvalidVersion", func(t *testing.T) {
		resp := call(t, server, `{"jsonrpc":"1.0","method":"perps_ping","params":{},"id":13}`)
		rpcErr := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(InvalidRequest), rpcErr["code"])
	})

	t.Run("ParseError", func(t *testing.T) {
		resp := call(t, server, `{not json`)
		rpcErr := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(ParseError), rpcErr["code"])
	})

	t.Run("InvalidSide", func(t *testing.T) {
		resp := call(t, server, `{"jsonrpc":"2.0","method":"perps_openMarketPosition","params":{"symbol":"BTC-PERP","trader":"alice","side":"sideways","quantity":1,"leverage":10},"id":14}`)
		rpcErr := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(InvalidParams), rpcErr["code"])
	})

	t.Run("UnknownMarket", func(t *testing.T) {
		resp := call(t, server, `{"jsonrpc":"2.0","method":"perps_getPosition","params":{"symbol":"DOGE-PERP","trader":"alice"},"id":15}`)
		rpcErr := resp["error"].(map[string]interface{})
		assert.Equal(t, float64(InternalError), rpcErr["code"])
	})

	t.Run("GetOnlyPost", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/rpc", nil)
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

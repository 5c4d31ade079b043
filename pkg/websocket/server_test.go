package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/perps"
)

func newTestWSServer(t *testing.T) *Server {
	t.Helper()

	ex := perps.NewExchange(perps.NewVault(), perps.NewStaticFeed())
	_, err := ex.CreateMarket(perps.DefaultMarketParams("BTC-PERP"), 500000)
	require.NoError(t, err)

	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)
	return NewServer(ex, logger, DefaultConfig())
}

func newFakeClient(s *Server) *Client {
	return &Client{
		id:       "test-client",
		server:   s,
		send:     make(chan []byte, 16),
		channels: make(map[string]bool),
	}
}

func readMessage(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	default:
		t.Fatal("no message queued")
		return Message{}
	}
}

func TestPublishRoutesTradeEvents(t *testing.T) {
	s := newTestWSServer(t)

	s.Publish(perps.Event{
		Type:   perps.EventTrade,
		Symbol: "BTC-PERP",
		Data: perps.Trade{
			Symbol:    "BTC-PERP",
			Pip:       501000,
			Quantity:  10,
			TakerSide: perps.Long,
			Timestamp: time.Now(),
		},
	})

	select {
	case msg := <-s.broadcast:
		assert.Equal(t, "trade", msg.Type)
		assert.Equal(t, "trades:BTC-PERP", msg.Channel)
		update, ok := msg.Data.(TradeUpdate)
		require.True(t, ok)
		assert.Equal(t, perps.Pip(501000), update.Pip)
		assert.Equal(t, "long", update.TakerSide)
	default:
		t.Fatal("no broadcast queued")
	}
}

func TestPublishRoutesFundingAndLiquidation(t *testing.T) {
	s := newTestWSServer(t)

	s.Publish(perps.Event{Type: perps.EventFunding, Symbol: "BTC-PERP"})
	msg := <-s.broadcast
	assert.Equal(t, "funding:BTC-PERP", msg.Channel)

	s.Publish(perps.Event{Type: perps.EventLiquidation, Symbol: "BTC-PERP"})
	msg = <-s.broadcast
	assert.Equal(t, "liquidations:BTC-PERP", msg.Channel)
}

func TestSubscribeSendsDepthSnapshot(t *testing.T) {
	s := newTestWSServer(t)
	c := newFakeClient(s)

	c.handleSubscribe(map[string]interface{}{
		"type":     "subscribe",
		"channels": []interface{}{"depth:BTC-PERP"},
	})

	// Snapshot first, then the subscribed confirmation
	msg := readMessage(t, c)
	assert.Equal(t, "depth", msg.Type)
	assert.Equal(t, "depth:BTC-PERP", msg.Channel)

	msg = readMessage(t, c)
	assert.Equal(t, "subscribed", msg.Type)

	s.subMu.RLock()
	_, subscribed := s.subscriptions["depth:BTC-PERP"][c]
	s.subMu.RUnlock()
	assert.True(t, subscribed)
}

func TestSubscribeUnknownMarket(t *testing.T) {
	s := newTestWSServer(t)
	c := newFakeClient(s)

	c.handleSubscribe(map[string]interface{}{
		"type":     "subscribe",
		"channels": []interface{}{"depth:DOGE-PERP"},
	})

	msg := readMessage(t, c)
	assert.Equal(t, "error", msg.Type)
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	s := newTestWSServer(t)
	sub := newFakeClient(s)
	other := newFakeClient(s)

	s.subscribe("trades:BTC-PERP", sub)
	s.subscribe("trades:ETH-PERP", other)

	s.broadcastMessage(Message{
		Type:      "trade",
		Channel:   "trades:BTC-PERP",
		Timestamp: time.Now().Unix(),
	})

	msg := readMessage(t, sub)
	assert.Equal(t, "trade", msg.Type)
	assert.Empty(t, other.send)
}

func TestUnsubscribe(t *testing.T) {
	s := newTestWSServer(t)
	c := newFakeClient(s)

	s.subscribe("trades:BTC-PERP", c)
	s.unsubscribe("trades:BTC-PERP", c)

	s.subMu.RLock()
	_, exists := s.subscriptions["trades:BTC-PERP"]
	s.subMu.RUnlock()
	assert.False(t, exists)
}

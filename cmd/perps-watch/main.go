// perps-watch tails perpsd market data channels over WebSocket.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
)

type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://localhost:8081/ws", "WebSocket URL")
		symbol   = flag.String("symbol", "BTC-PERP", "Market symbol")
		channels = flag.String("channels", "trades,depth,funding,liquidations", "Comma-separated channel kinds")
	)
	flag.Parse()

	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)

	logger.Info("Connecting to perpsd WebSocket", "url", *wsURL)

	u, err := url.Parse(*wsURL)
	if err != nil {
		logger.Error("Invalid URL", "error", err)
		os.Exit(1)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		logger.Error("Failed to connect", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	var subs []string
	for _, kind := range strings.Split(*channels, ",") {
		kind = strings.TrimSpace(kind)
		if kind != "" {
			subs = append(subs, kind+":"+*symbol)
		}
	}

	if err := conn.WriteJSON(SubscribeRequest{Type: "subscribe", Channels: subs}); err != nil {
		logger.Error("Failed to subscribe", "error", err)
		os.Exit(1)
	}
	logger.Info("Subscribed", "channels", subs)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				logger.Warn("Read error", "error", err)
				return
			}

			var msg Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				logger.Info("Raw message", "data", string(raw))
				continue
			}
			logger.Info("Update", "type", msg.Type, "channel", msg.Channel)
			if msg.Data != nil {
				logger.Info("Data", "data", fmt.Sprintf("%+v", msg.Data))
			}
		}
	}()

	select {
	case <-done:
		logger.Info("Connection closed")
	case <-interrupt:
		logger.Info("Interrupt received, closing connection")
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil {
			logger.Warn("Failed to send close message", "error", err)
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

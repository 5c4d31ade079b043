// oracle-feeder publishes index price rounds to perpsd over NATS. It
// simulates an oracle with a bounded random walk around a base price;
// production deployments replace the walk with a real price source.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
)

type priceRound struct {
	Symbol    string    `json:"symbol"`
	Pip       int64     `json:"pip"`
	Timestamp time.Time `json:"timestamp"`
}

func main() {
	natsURL := flag.String("nats", nats.DefaultURL, "NATS server URL")
	symbols := flag.String("symbols", "BTC-PERP", "Comma-separated market symbols")
	basePip := flag.Int64("base", 500000, "Base index price in pips")
	driftBps := flag.Int64("drift-bps", 10, "Max per-round move in basis points")
	interval := flag.Duration("interval", 5*time.Second, "Publish interval")
	flag.Parse()

	nc, err := nats.Connect(*natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer nc.Close()

	list := strings.Split(*symbols, ",")
	prices := make(map[string]int64, len(list))
	for _, s := range list {
		prices[strings.TrimSpace(s)] = *basePip
	}

	log.Printf("Oracle feeder started: %s every %v", *symbols, *interval)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	published := 0
	for {
		select {
		case <-sigChan:
			log.Printf("Stopping after %d rounds", published)
			return
		case <-ticker.C:
			for symbol, pip := range prices {
				// Bounded random walk, never below one pip
				move := pip * (rand.Int63n(2**driftBps+1) - *driftBps) / 10000
				pip += move
				if pip < 1 {
					pip = 1
				}
				prices[symbol] = pip

				data, err := json.Marshal(priceRound{
					Symbol:    symbol,
					Pip:       pip,
					Timestamp: time.Now(),
				})
				if err != nil {
					log.Printf("Failed to encode round: %v", err)
					continue
				}
				if err := nc.Publish("perps.oracle."+symbol, data); err != nil {
					log.Printf("Failed to publish round: %v", err)
					continue
				}
				published++
			}
		}
	}
}

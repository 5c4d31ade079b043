// perpsd is the perpetual futures exchange daemon. It hosts the
// matching engine, funding and liquidation loops, JSON-RPC and
// WebSocket APIs, Prometheus metrics, and NATS market data publishing,
// with BadgerDB-backed snapshots for restart recovery.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/perps/pkg/api"
	"github.com/luxfi/perps/pkg/metrics"
	"github.com/luxfi/perps/pkg/perps"
	"github.com/luxfi/perps/pkg/storage"
	"github.com/luxfi/perps/pkg/websocket"
)

const (
	defaultDataDir     = ".perpsd"
	defaultHTTPPort    = 8080
	defaultWSPort      = 8081
	defaultMetricsPort = 9090
)

type Config struct {
	// Paths
	DataDir  string
	LogLevel string

	// Network
	HTTPPort    int
	WSPort      int
	MetricsPort int
	NATSURL     string

	// Markets
	Symbols     string
	InitialMark int64

	// Loops
	FundingInterval  time.Duration
	SnapshotInterval time.Duration

	// Features
	EnableMetrics bool
	EnableNATS    bool
}

func (c *Config) symbolList() []string {
	var out []string
	for _, s := range strings.Split(c.Symbols, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

type Daemon struct {
	config *Config
	logger log.Logger

	db    database.Database
	store *storage.Store

	vault    *perps.Vault
	feed     *perps.StaticFeed
	exchange *perps.Exchange

	rpc     *api.JSONRPCServer
	ws      *websocket.Server
	metrics *metrics.EngineMetrics
	nc      *nats.Conn

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDaemon(config *Config) (*Daemon, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing perpsd")

	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// BadgerDB is the default database, with an in-memory fallback
	dbManager := manager.NewManager(dataPath, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "perpsd"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	}

	store := storage.NewStore(logger, db)

	vault := perps.NewVault()
	feed := perps.NewStaticFeed()
	exchange := perps.NewExchange(vault, feed)

	marketParams := func(symbol string) perps.MarketParams {
		params := perps.DefaultMarketParams(symbol)
		params.FundingInterval = config.FundingInterval
		params.MinFundingInterval = config.FundingInterval
		return params
	}

	// Recover persisted markets, then register any newly configured ones
	if err := store.Restore(exchange, marketParams); err != nil {
		return nil, fmt.Errorf("failed to restore markets: %w", err)
	}
	for _, symbol := range config.symbolList() {
		if _, err := exchange.Market(symbol); err == nil {
			continue
		}
		if _, err := exchange.CreateMarket(marketParams(symbol), perps.Pip(config.InitialMark)); err != nil {
			return nil, fmt.Errorf("failed to create market %s: %w", symbol, err)
		}
		logger.Info("Market created", "symbol", symbol, "mark", config.InitialMark)
	}

	rpc := api.NewJSONRPCServer(exchange, logger)
	rpc.AttachVault(vault)

	ws := websocket.NewServer(exchange, logger, websocket.DefaultConfig())

	var engineMetrics *metrics.EngineMetrics
	if config.EnableMetrics {
		engineMetrics, err = metrics.NewEngineMetrics("perps", logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		config:   config,
		logger:   logger,
		db:       db,
		store:    store,
		vault:    vault,
		feed:     feed,
		exchange: exchange,
		rpc:      rpc,
		ws:       ws,
		metrics:  engineMetrics,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (d *Daemon) Start() error {
	d.logger.Info("Starting perpsd",
		"http_port", d.config.HTTPPort,
		"ws_port", d.config.WSPort,
		"symbols", d.exchange.Symbols())

	if d.config.EnableNATS {
		if err := d.connectNATS(); err != nil {
			return err
		}
	}

	d.wg.Add(1)
	go d.pumpEvents()

	d.wg.Add(1)
	go d.runFunding()

	d.wg.Add(1)
	go d.runSnapshots()

	go func() {
		if err := d.ws.Start(d.config.WSPort); err != nil {
			d.logger.Error("WebSocket server failed", "error", err)
		}
	}()

	if d.metrics != nil {
		if err := d.metrics.StartServer(d.ctx, fmt.Sprintf("%d", d.config.MetricsPort)); err != nil {
			return err
		}
		go d.metrics.CollectSystemMetrics(d.ctx)
	}

	go func() {
		err := api.StartJSONRPCServer(d.ctx, d.config.HTTPPort, d.rpc, d.logger)
		if err != nil && err != http.ErrServerClosed {
			d.logger.Error("JSON-RPC server failed", "error", err)
		}
	}()

	d.logger.Info("perpsd started")
	return nil
}

func (d *Daemon) connectNATS() error {
	nc, err := nats.Connect(d.config.NATSURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	d.nc = nc
	d.logger.Info("Connected to NATS", "url", d.config.NATSURL)

	// Index price rounds arrive on perps.oracle.<symbol>
	_, err = nc.Subscribe("perps.oracle.*", func(msg *nats.Msg) {
		var round struct {
			Symbol string    `json:"symbol"`
			Pip    perps.Pip `json:"pip"`
		}
		if err := json.Unmarshal(msg.Data, &round); err != nil {
			d.logger.Warn("Malformed oracle round", "error", err)
			return
		}
		d.feed.Push(round.Symbol, round.Pip, time.Now())
		d.logger.Debug("Oracle round", "symbol", round.Symbol, "pip", round.Pip)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to oracle rounds: %w", err)
	}
	return nil
}

// eventEnvelope is the NATS wire form of an engine event
type eventEnvelope struct {
	Type      string      `json:"type"`
	Symbol    string      `json:"symbol"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// pumpEvents is the single consumer of the engine event stream. It fans
// each event out to WebSocket subscribers, metrics, and NATS.
func (d *Daemon) pumpEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-d.exchange.Events():
			d.ws.Publish(ev)
			if d.metrics != nil {
				d.metrics.ObserveEvent(ev)
			}
			if d.nc != nil {
				d.publishNATS(ev)
			}
		}
	}
}

func (d *Daemon) publishNATS(ev perps.Event) {
	payload, err := json.Marshal(eventEnvelope{
		Type:      string(ev.Type),
		Symbol:    ev.Symbol,
		Timestamp: ev.Timestamp.UnixNano(),
		Data:      ev.Data,
	})
	if err != nil {
		d.logger.Warn("Failed to encode event", "type", ev.Type, "error", err)
		return
	}

	subject := fmt.Sprintf("perps.%s.%s", ev.Type, ev.Symbol)
	if err := d.nc.Publish(subject, payload); err != nil {
		d.logger.Warn("Failed to publish event", "subject", subject, "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.RecordNATSPublish()
	}
}

func (d *Daemon) runFunding() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.FundingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range d.exchange.Symbols() {
				fraction, err := d.exchange.PayFunding(symbol)
				if err != nil {
					d.logger.Debug("Funding round skipped", "symbol", symbol, "error", err)
					continue
				}
				d.logger.Info("Funding paid", "symbol", symbol, "fraction", fraction.String())

				samples, err := d.exchange.FundingHistory(symbol, 1)
				if err != nil || len(samples) == 0 {
					continue
				}
				if err := d.store.SaveFundingSample(symbol, samples[0]); err != nil {
					d.logger.Warn("Failed to persist funding sample", "symbol", symbol, "error", err)
				}
			}
		}
	}
}

func (d *Daemon) runSnapshots() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.snapshot()
		}
	}
}

func (d *Daemon) snapshot() {
	snaps := d.exchange.Snapshot()
	if err := d.store.SaveSnapshot(snaps); err != nil {
		d.logger.Error("Snapshot failed", "error", err)
		return
	}
	d.logger.Debug("Snapshot saved", "markets", len(snaps))

	if d.metrics == nil {
		return
	}
	for _, snap := range snaps {
		d.metrics.UpdateOpenPositions(snap.Symbol, float64(len(snap.Positions)))
		if depth, err := d.exchange.DepthSnapshot(snap.Symbol, 100); err == nil {
			d.metrics.UpdateBookDepth(depth)
		}
	}
	insurance, _ := new(big.Float).SetInt(d.vault.InsuranceFund()).Float64()
	d.metrics.UpdateInsuranceFund(insurance)
}

func (d *Daemon) Shutdown() {
	d.logger.Info("Shutting down perpsd")

	d.cancel()
	d.ws.Stop()
	d.wg.Wait()

	// Final snapshot so a restart resumes from the latest state
	d.snapshot()

	if d.nc != nil {
		d.nc.Close()
	}
	if err := d.store.Close(); err != nil {
		d.logger.Error("Failed to close store", "error", err)
	}

	d.logger.Info("perpsd shutdown complete")
}

func main() {
	config := &Config{}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	flag.IntVar(&config.HTTPPort, "http-port", defaultHTTPPort, "JSON-RPC API port")
	flag.IntVar(&config.WSPort, "ws-port", defaultWSPort, "WebSocket port")
	flag.IntVar(&config.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")
	flag.StringVar(&config.NATSURL, "nats-url", nats.DefaultURL, "NATS server URL")

	flag.StringVar(&config.Symbols, "symbols", "BTC-PERP", "Comma-separated market symbols")
	flag.Int64Var(&config.InitialMark, "initial-mark", 500000, "Initial mark price in pips for new markets")

	flag.DurationVar(&config.FundingInterval, "funding-interval", time.Hour, "Funding settlement interval")
	flag.DurationVar(&config.SnapshotInterval, "snapshot-interval", time.Minute, "State snapshot interval")

	flag.BoolVar(&config.EnableMetrics, "enable-metrics", true, "Enable Prometheus metrics")
	flag.BoolVar(&config.EnableNATS, "enable-nats", true, "Enable NATS market data publishing")

	flag.Parse()

	daemon, err := NewDaemon(config)
	if err != nil {
		fmt.Printf("Failed to create daemon: %v\n", err)
		os.Exit(1)
	}

	if err := daemon.Start(); err != nil {
		fmt.Printf("Failed to start daemon: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	daemon.logger.Info("Received signal", "signal", sig.String())

	daemon.Shutdown()
}

// Package metrics exposes engine metrics through Prometheus
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/perps/pkg/perps"
)

// EngineMetrics tracks trading, funding and liquidation activity
type EngineMetrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Trading metrics
	ordersPlaced    prometheus.Counter
	tradesExecuted  *prometheus.CounterVec
	tradeVolume     *prometheus.CounterVec
	bookDepth       *prometheus.GaugeVec
	markPrice       *prometheus.GaugeVec
	matchingLatency prometheus.Histogram

	// Risk metrics
	fundingPayments *prometheus.CounterVec
	liquidations    *prometheus.CounterVec
	insuranceFund   prometheus.Gauge
	openPositions   *prometheus.GaugeVec

	// Messaging metrics
	natsPublished prometheus.Counter

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewEngineMetrics creates and registers the engine metric set
func NewEngineMetrics(namespace string, logger log.Logger) (*EngineMetrics, error) {
	registry := prometheus.NewRegistry()

	m := &EngineMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		ordersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Total number of limit orders placed",
		}),

		tradesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_executed_total",
			Help:      "Total number of trades executed",
		}, []string{"symbol"}),

		tradeVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_volume_contracts_total",
			Help:      "Total contracts traded",
		}, []string{"symbol"}),

		bookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orderbook_depth",
			Help:      "Current resting liquidity by side",
		}, []string{"symbol", "side"}),

		markPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mark_price_pips",
			Help:      "Current mark price in pips",
		}, []string{"symbol"}),

		matchingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "matching_latency_nanoseconds",
			Help:      "Order matching latency in nanoseconds",
			Buckets:   []float64{100, 250, 500, 1000, 2500, 5000, 10000, 25000, 50000, 100000},
		}),

		fundingPayments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funding_payments_total",
			Help:      "Total funding settlement rounds",
		}, []string{"symbol"}),

		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Total liquidations by kind",
		}, []string{"symbol", "kind"}),

		insuranceFund: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "insurance_fund_balance",
			Help:      "Insurance fund balance in quote units",
		}),

		openPositions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Number of open positions",
		}, []string{"symbol"}),

		natsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_messages_published_total",
			Help:      "Total NATS messages published",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.ordersPlaced,
		m.tradesExecuted,
		m.tradeVolume,
		m.bookDepth,
		m.markPrice,
		m.matchingLatency,
		m.fundingPayments,
		m.liquidations,
		m.insuranceFund,
		m.openPositions,
		m.natsPublished,
		m.memoryUsage,
		m.goroutines,
	)

	logger.Info("Engine metrics initialized", "namespace", namespace)
	return m, nil
}

// Handler returns the Prometheus scrape handler for this registry
func (m *EngineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the Prometheus metrics server
func (m *EngineMetrics) StartServer(ctx context.Context, port string) error {
	m.logger.Info("Starting Prometheus metrics server", "port", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()

	return nil
}

// ObserveEvent records one engine event
func (m *EngineMetrics) ObserveEvent(ev perps.Event) {
	switch ev.Type {
	case perps.EventOrder:
		m.ordersPlaced.Inc()
	case perps.EventTrade:
		m.tradesExecuted.WithLabelValues(ev.Symbol).Inc()
		if trade, ok := ev.Data.(perps.Trade); ok {
			m.tradeVolume.WithLabelValues(ev.Symbol).Add(float64(trade.Quantity))
			m.markPrice.WithLabelValues(ev.Symbol).Set(float64(trade.Pip))
		}
	case perps.EventFunding:
		m.fundingPayments.WithLabelValues(ev.Symbol).Inc()
	case perps.EventLiquidation:
		kind := "partial"
		if out, ok := ev.Data.(perps.LiquidationOutcome); ok && out.Full {
			kind = "full"
		}
		m.liquidations.WithLabelValues(ev.Symbol, kind).Inc()
	}
}

// RecordMatchingLatency records order matching latency
func (m *EngineMetrics) RecordMatchingLatency(nanoseconds float64) {
	m.matchingLatency.Observe(nanoseconds)
}

// RecordNATSPublish records one published NATS message
func (m *EngineMetrics) RecordNATSPublish() {
	m.natsPublished.Inc()
}

// UpdateBookDepth updates resting liquidity gauges for a symbol
func (m *EngineMetrics) UpdateBookDepth(depth perps.Depth) {
	var bids, asks int64
	for _, lvl := range depth.Bids {
		bids += lvl.Liquidity
	}
	for _, lvl := range depth.Asks {
		asks += lvl.Liquidity
	}
	m.bookDepth.WithLabelValues(depth.Symbol, "bid").Set(float64(bids))
	m.bookDepth.WithLabelValues(depth.Symbol, "ask").Set(float64(asks))
	m.markPrice.WithLabelValues(depth.Symbol).Set(float64(depth.MarkPip))
}

// UpdateInsuranceFund updates the insurance fund gauge
func (m *EngineMetrics) UpdateInsuranceFund(balance float64) {
	m.insuranceFund.Set(balance)
}

// UpdateOpenPositions updates the open position count for a symbol
func (m *EngineMetrics) UpdateOpenPositions(symbol string, count float64) {
	m.openPositions.WithLabelValues(symbol).Set(count)
}

// CollectSystemMetrics samples runtime stats until ctx is done
func (m *EngineMetrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

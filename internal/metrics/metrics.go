package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the screener.
type Metrics struct {
	KlinesTotal  *prometheus.CounterVec // labels: exchange
	TickersTotal *prometheus.CounterVec // labels: exchange
	OIPollsTotal *prometheus.CounterVec // labels: exchange
	OIPollErrors *prometheus.CounterVec // labels: exchange

	WSReconnects     *prometheus.CounterVec // labels: exchange, stream
	WatchdogRestarts *prometheus.CounterVec // labels: exchange, stream

	SnapshotsTotal  *prometheus.CounterVec // labels: exchange
	SnapshotDur     prometheus.Histogram
	SubscriberDrops prometheus.Counter

	AlertsTotal *prometheus.CounterVec // labels: exchange, signal

	SQLiteCommitDur prometheus.Histogram
	RedisPublishDur prometheus.Histogram

	SymbolsTracked *prometheus.GaugeVec // labels: exchange
	StaleTickers   *prometheus.GaugeVec // labels: exchange
	StaleKlines    *prometheus.GaugeVec // labels: exchange
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		KlinesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_klines_total",
			Help: "Total 1m klines ingested from WebSocket",
		}, []string{"exchange"}),
		TickersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_tickers_total",
			Help: "Total mini-ticker updates ingested",
		}, []string{"exchange"}),
		OIPollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_oi_polls_total",
			Help: "Total open-interest poll passes completed",
		}, []string{"exchange"}),
		OIPollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_oi_poll_errors_total",
			Help: "Per-symbol open-interest poll failures",
		}, []string{"exchange"}),

		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_ws_reconnects_total",
			Help: "WebSocket reconnection attempts",
		}, []string{"exchange", "stream"}),
		WatchdogRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_watchdog_restarts_total",
			Help: "Stream restarts triggered by the stall watchdog",
		}, []string{"exchange", "stream"}),

		SnapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_snapshots_total",
			Help: "Snapshots emitted to subscribers",
		}, []string{"exchange"}),
		SnapshotDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "screener_snapshot_build_duration_seconds",
			Help:    "Snapshot compute + serialize latency",
			Buckets: prometheus.DefBuckets,
		}),
		SubscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_subscriber_drops_total",
			Help: "Snapshots dropped from a slow subscriber queue",
		}),

		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_alerts_total",
			Help: "Signal alerts persisted",
		}, []string{"exchange", "signal"}),

		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "screener_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisPublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "screener_redis_publish_duration_seconds",
			Help:    "Redis snapshot PUBLISH latency",
			Buckets: prometheus.DefBuckets,
		}),

		SymbolsTracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "screener_symbols_tracked",
			Help: "Symbols currently tracked per exchange",
		}, []string{"exchange"}),
		StaleTickers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "screener_stale_tickers",
			Help: "Symbols whose last ticker update is older than the threshold",
		}, []string{"exchange"}),
		StaleKlines: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "screener_stale_klines",
			Help: "Symbols whose last kline update is older than the threshold",
		}, []string{"exchange"}),
	}

	prometheus.MustRegister(
		m.KlinesTotal,
		m.TickersTotal,
		m.OIPollsTotal,
		m.OIPollErrors,
		m.WSReconnects,
		m.WatchdogRestarts,
		m.SnapshotsTotal,
		m.SnapshotDur,
		m.SubscriberDrops,
		m.AlertsTotal,
		m.SQLiteCommitDur,
		m.RedisPublishDur,
		m.SymbolsTracked,
		m.StaleTickers,
		m.StaleKlines,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	StreamsOK      bool      `json:"streams_ok"`
	LastKlineTime  time.Time `json:"last_kline_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	Exchanges      []string  `json:"exchanges"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetStreamsOK(v bool) {
	h.mu.Lock()
	h.StreamsOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastKlineTime(t time.Time) {
	h.mu.Lock()
	h.LastKlineTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetExchanges(names []string) {
	h.mu.Lock()
	h.Exchanges = names
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.StreamsOK || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.StreamsOK && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	klineAge := ""
	if !h.LastKlineTime.IsZero() {
		klineAge = time.Since(h.LastKlineTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string   `json:"status"`
		Uptime          string   `json:"uptime"`
		StreamsOK       bool     `json:"streams_ok"`
		LastKlineTime   string   `json:"last_kline_time"`
		KlineAge        string   `json:"kline_age"`
		RedisConnected  bool     `json:"redis_connected"`
		RedisLatencyMs  float64  `json:"redis_latency_ms"`
		SQLiteOK        bool     `json:"sqlite_ok"`
		SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
		Exchanges       []string `json:"exchanges"`
		LastCheckAt     string   `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		StreamsOK:       h.StreamsOK,
		LastKlineTime:   h.LastKlineTime.Format(time.RFC3339),
		KlineAge:        klineAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		Exchanges:       h.Exchanges,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// DebugFunc supplies the /debug/status payload: per-exchange task
// states and stale symbol lists.
type DebugFunc func() interface{}

// Server runs an HTTP server exposing /metrics, /healthz and
// /debug/status.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus, debug DebugFunc) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)
	if debug != nil {
		mux.HandleFunc("/debug/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(debug())
		})
	}

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

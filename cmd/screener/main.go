package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"perpscreener/config"
	"perpscreener/internal/alerter"
	"perpscreener/internal/backtest"
	"perpscreener/internal/exchange"
	"perpscreener/internal/logger"
	"perpscreener/internal/marketcap"
	"perpscreener/internal/metrics"
	"perpscreener/internal/model"
	"perpscreener/internal/notification"
	"perpscreener/internal/screener"
	"perpscreener/internal/screener/agg"
	"perpscreener/internal/screener/grader"
	"perpscreener/internal/screener/liquidity"
	"perpscreener/internal/screener/tradeplan"
	redisstore "perpscreener/internal/store/redis"
	"perpscreener/internal/store/sqlite"
	"perpscreener/internal/stream"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	// .env is optional; real deployments set the environment directly.
	godotenv.Load()
	cfg := config.Load()
	lg := logger.Init("screener", logger.ParseLevel(cfg.LogLevel))
	lg.Info("starting", "exchanges", cfg.Exchanges, "top_symbols", cfg.TopSymbols)

	exchange.Tune(time.Duration(cfg.WSPingIntervalSec)*time.Second, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- SQLite store ----
	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	store, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[screener] sqlite init failed: %v", err)
	}
	defer store.Close()
	log.Printf("[screener] store ready at %s", cfg.SQLitePath)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	store.SetCommitObserver(func(d time.Duration) {
		prom.SQLiteCommitDur.Observe(d.Seconds())
	})
	health := metrics.NewHealthStatus()
	health.SetExchanges(cfg.Exchanges)

	// ---- Grader, warm-started from persisted win rates ----
	g := grader.New()
	if len(cfg.AnalysisWindows) > 0 {
		window := cfg.AnalysisWindows[len(cfg.AnalysisWindows)-1]
		if rates := store.SymbolWinRates(window, 5); len(rates) > 0 {
			g.SetWinRates(rates)
			log.Printf("[screener] loaded %d historical win rates", len(rates))
		}
	}

	// ---- Market cap provider ----
	caps := marketcap.New(store, cfg.MarketCapTTL())
	caps.Init(ctx)
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				caps.RefreshIfStale(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	// ---- Alert dispatch ----
	al := alerter.New(alerterConfig(cfg), prom, buildNotifiers(cfg)...)

	// ---- Per-exchange pipelines ----
	aggCfg := aggregatorConfig(cfg)
	streamCfg := streamConfig(cfg)
	uni := exchange.UniverseConfig{
		TopSymbols: cfg.TopSymbols,
		Include:    cfg.IncludeSymbols,
		Exclude:    cfg.ExcludeSymbols,
	}

	var sups []*stream.Supervisor
	var aggs []*agg.Aggregator
	var names []string
	for _, name := range cfg.Exchanges {
		ex := exchange.New(name, uni)
		names = append(names, ex.Name())
		a := agg.New(ex.Name(), aggCfg, store, g, caps)
		a.SetDispatch(al.Dispatch)
		a.SetEmitObserver(func(d time.Duration, dropped int) {
			prom.SnapshotDur.Observe(d.Seconds())
			if dropped > 0 {
				prom.SubscriberDrops.Add(float64(dropped))
			}
		})

		sup := stream.New(ex, a, store, streamCfg, prom)
		if err := sup.Start(ctx); err != nil {
			log.Fatalf("[screener] %s supervisor start: %v", name, err)
		}
		sups = append(sups, sup)
		aggs = append(aggs, a)

		if cfg.EnableRedis {
			pub, err := redisstore.NewPublisher(redisstore.Config{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
			}, ex.Name(), prom)
			if err != nil {
				log.Printf("[screener] WARNING: redis init failed: %v (continuing without redis)", err)
			} else {
				defer pub.Close()
				go pub.Run(ctx, a.Subscribe())
				health.StartLivenessChecker(ctx, pub.Client(), store.DB(), 30*time.Second)
			}
		}
	}
	if !cfg.EnableRedis {
		health.StartLivenessChecker(ctx, nil, store.DB(), 30*time.Second)
	}

	// ---- Heartbeat: periodic forced emit + freshness gauges ----
	go heartbeatLoop(ctx, cfg, prom, health, names, aggs)

	// ---- Metrics server with debug surface ----
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, func() interface{} {
		out := make([]stream.DebugStatus, 0, len(sups))
		for _, sup := range sups {
			out = append(out, sup.Debug(cfg.StaleTickerMS, cfg.StaleKlineMS))
		}
		return out
	})
	metricsSrv.Start()

	// ---- Scheduled backtest analysis ----
	if cfg.AnalysisAutorun {
		go analysisLoop(ctx, cfg, store, g)
	}

	lg.Info("running", "supervisors", len(sups), "metrics_addr", cfg.MetricsAddr)
	<-sigCh
	lg.Info("shutting down")

	cancel()
	for _, sup := range sups {
		sup.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	lg.Info("bye")
}

func heartbeatLoop(ctx context.Context, cfg *config.Config, prom *metrics.Metrics, health *metrics.HealthStatus, names []string, aggs []*agg.Aggregator) {
	interval := time.Duration(cfg.WSHeartbeatSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			nowMS := time.Now().UnixMilli()
			streamsOK := true
			var newest int64
			for i, a := range aggs {
				a.HeartbeatEmit()
				st := a.StaleSymbols(nowMS, cfg.StaleTickerMS, cfg.StaleKlineMS, false)
				prom.StaleTickers.WithLabelValues(names[i]).Set(float64(st.StaleTickers))
				prom.StaleKlines.WithLabelValues(names[i]).Set(float64(st.StaleKlines))
				last := a.LastKlineIngestMS()
				if last > newest {
					newest = last
				}
				if nowMS-last > 2*cfg.StaleKlineMS {
					streamsOK = false
				}
			}
			health.SetStreamsOK(streamsOK)
			if newest > 0 {
				health.SetLastKlineTime(time.UnixMilli(newest))
			}
		case <-ctx.Done():
			return
		}
	}
}

func analysisLoop(ctx context.Context, cfg *config.Config, store *sqlite.Store, g *grader.Grader) {
	interval := time.Duration(cfg.AnalysisIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runner := backtest.NewRunner(store, g, backtest.Config{
				Windows:    cfg.AnalysisWindows,
				MinGrade:   cfg.AnalysisMinGrade,
				Top200Only: cfg.AnalysisTop200Only,
			})
			if err := runner.Run(); err != nil {
				log.Printf("[screener] analysis run failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func aggregatorConfig(cfg *config.Config) agg.Config {
	return agg.Config{
		SnapshotIntervalMS: cfg.SnapshotIntervalMS,
		Params: screener.Params{
			WindowShort:  cfg.WindowShort,
			WindowMedium: cfg.WindowMedium,
			ATRPeriod:    cfg.ATRPeriod,
			VolLookback:  cfg.VolLookback,
			CipherOS:     cfg.CipherOSLevel,
			CipherOB:     cfg.CipherOBLevel,
			VolDue: map[string]screener.VolDueParams{
				model.Interval15m: {
					BBWidthMax:   cfg.VolDueBBWidth15m,
					ATRPctileMax: cfg.VolDueATRPctile15m,
					Lookback:     cfg.VolDueLookback15m,
				},
				model.Interval4h: {
					BBWidthMax:   cfg.VolDueBBWidth4h,
					ATRPctileMax: cfg.VolDueATRPctile4h,
					Lookback:     cfg.VolDueLookback4h,
				},
			},
		},
		Plan: tradeplan.Config{
			ATRMult:       cfg.TradePlanATRMult,
			SwingLookback: cfg.TradePlanSwingLookback,
			TPRMults:      cfg.TradePlanTPRMults,
			SwingTPRMult:  tradeplan.DefaultConfig().SwingTPRMult,
			SwingATRMult:  tradeplan.DefaultConfig().SwingATRMult,
		},
		PlansEnabled:  cfg.TradePlanEnable,
		LiquidityTopN: cfg.LiqTopN,
		LiquidityWeights: liquidity.Weights{
			Turnover: cfg.LiqWeights[0],
			OI:       cfg.LiqWeights[1],
			Activity: cfg.LiqWeights[2],
		},
	}
}

func streamConfig(cfg *config.Config) stream.Config {
	sc := stream.DefaultConfig()
	sc.BackfillBars = cfg.BackfillBars
	sc.EnableFullRefresh = cfg.EnableFullRefresh5m
	sc.FullRefreshOffset = time.Duration(cfg.FullRefreshOffsetSec) * time.Second
	return sc
}

func alerterConfig(cfg *config.Config) alerter.Config {
	return alerter.Config{
		Enabled:            cfg.EnableAlerts,
		MinGrade:           cfg.AlertMinGrade,
		CooldownTop:        time.Duration(cfg.AlertCooldownTopMS) * time.Millisecond,
		CooldownSmall:      time.Duration(cfg.AlertCooldownSmallMS) * time.Millisecond,
		DedupMin:           time.Duration(cfg.AlertDedupMinMS) * time.Millisecond,
		IncludeExplanation: cfg.AlertIncludeExplanation,
		WhitelistVolDue:    cfg.AlertVolDue,
		SendTimeout:        15 * time.Second,
	}
}

func buildNotifiers(cfg *config.Config) []notification.Notifier {
	var out []notification.Notifier
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		out = append(out, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		out = append(out, notification.NewDiscordNotifier(cfg.DiscordWebhookURL))
	}
	if cfg.WebhookURL != "" {
		out = append(out, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if len(out) == 0 {
		out = append(out, notification.NewLogNotifier())
	}
	return out
}

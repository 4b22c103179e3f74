package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Universe
	Exchanges      []string
	TopSymbols     int
	IncludeSymbols []string
	ExcludeSymbols []string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	EnableRedis   bool
	SQLitePath    string
	MetricsAddr   string
	LogLevel      string

	// Indicator windows
	WindowShort  int
	WindowMedium int
	ATRPeriod    int
	VolLookback  int

	// Emit cadence
	SnapshotIntervalMS int64
	WSHeartbeatSec     int
	WSPingIntervalSec  int

	// Cipher B thresholds
	CipherOSLevel float64
	CipherOBLevel float64

	// Liquidity cohort
	LiqTopN    int
	LiqWeights [3]float64 // turnover, oi, activity

	// Trade plans
	TradePlanATRMult       float64
	TradePlanSwingLookback int
	TradePlanTPRMults      [3]float64
	TradePlanEnable        bool

	// Vol-Due / squeeze thresholds
	VolDueBBWidth15m   float64
	VolDueBBWidth4h    float64
	VolDueATRPctile15m float64
	VolDueATRPctile4h  float64
	VolDueLookback15m  int
	VolDueLookback4h   int

	// Stream supervision
	EnableFullRefresh5m  bool
	FullRefreshOffsetSec int
	BackfillBars         int
	StaleTickerMS        int64
	StaleKlineMS         int64

	// Alerts
	EnableAlerts            bool
	AlertMinGrade           string
	AlertCooldownTopMS      int64
	AlertCooldownSmallMS    int64
	AlertDedupMinMS         int64
	AlertIncludeExplanation bool
	AlertVolDue             bool
	TelegramBotToken        string
	TelegramChatID          string
	DiscordWebhookURL       string
	WebhookURL              string

	// Market cap
	MarketCapUpdateSec int

	// Backtest autorun
	AnalysisAutorun     bool
	AnalysisIntervalSec int
	AnalysisWindows     []int
	AnalysisTop200Only  bool
	AnalysisMinGrade    string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Exchanges:      getList("EXCHANGES", "binance"),
		TopSymbols:     getInt("TOP_SYMBOLS", 200),
		IncludeSymbols: getList("INCLUDE_SYMBOLS", ""),
		ExcludeSymbols: getList("EXCLUDE_SYMBOLS", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		EnableRedis:   getBool("ENABLE_REDIS", false),
		SQLitePath:    getEnv("SQLITE_PATH", "data/ohlc.sqlite3"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		WindowShort:  getInt("WINDOW_SHORT", 5),
		WindowMedium: getInt("WINDOW_MEDIUM", 15),
		ATRPeriod:    getInt("ATR_PERIOD", 14),
		VolLookback:  getInt("VOL_LOOKBACK", 30),

		SnapshotIntervalMS: getInt64("SNAPSHOT_INTERVAL_MS", 30_000),
		WSHeartbeatSec:     getInt("WS_HEARTBEAT_SEC", 30),
		WSPingIntervalSec:  getInt("WS_PING_INTERVAL", 15),

		CipherOSLevel: getFloat("CIPHERB_OS_LEVEL", -40),
		CipherOBLevel: getFloat("CIPHERB_OB_LEVEL", 40),

		LiqTopN:    getInt("LIQ_TOP_N", 200),
		LiqWeights: getFloat3("LIQ_WEIGHTS", [3]float64{0.6, 0.3, 0.1}),

		TradePlanATRMult:       getFloat("TRADEPLAN_ATR_MULT", 2.5),
		TradePlanSwingLookback: getInt("TRADEPLAN_SWING_LOOKBACK_15M", 20),
		TradePlanTPRMults: [3]float64{
			getFloat("TRADEPLAN_TP1_R", 1.5),
			getFloat("TRADEPLAN_TP2_R", 2.5),
			getFloat("TRADEPLAN_TP3_R", 4.0),
		},
		TradePlanEnable: getBool("TRADEPLAN_ENABLE", true),

		VolDueBBWidth15m:   getFloat("VOL_DUE_BBWIDTH_15M", 0.03),
		VolDueBBWidth4h:    getFloat("VOL_DUE_BBWIDTH_4H", 0.08),
		VolDueATRPctile15m: getFloat("VOL_DUE_ATR_PCTILE_15M", 20),
		VolDueATRPctile4h:  getFloat("VOL_DUE_ATR_PCTILE_4H", 25),
		VolDueLookback15m:  getInt("VOL_DUE_LOOKBACK_15M", 80),
		VolDueLookback4h:   getInt("VOL_DUE_LOOKBACK_4H", 60),

		EnableFullRefresh5m:  getBool("ENABLE_FULL_REFRESH_5M", false),
		FullRefreshOffsetSec: getInt("FULL_REFRESH_OFFSET_SEC", 2),
		BackfillBars:         getInt("BACKFILL_BARS", 200),
		StaleTickerMS:        getInt64("STALE_TICKER_MS", 30_000),
		StaleKlineMS:         getInt64("STALE_KLINE_MS", 90_000),

		EnableAlerts:            getBool("ENABLE_ALERTS", false),
		AlertMinGrade:           strings.ToUpper(getEnv("ALERT_MIN_GRADE", "A")),
		AlertCooldownTopMS:      getInt64("ALERT_COOLDOWN_TOP_MS", 120_000),
		AlertCooldownSmallMS:    getInt64("ALERT_COOLDOWN_SMALL_MS", 300_000),
		AlertDedupMinMS:         getInt64("ALERT_DEDUP_MIN_MS", 60_000),
		AlertIncludeExplanation: getBool("ALERT_INCLUDE_EXPLANATION", true),
		AlertVolDue:             getBool("ALERT_VOL_DUE", true),
		TelegramBotToken:        getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:          getEnv("TELEGRAM_CHAT_ID", ""),
		DiscordWebhookURL:       getEnv("DISCORD_WEBHOOK_URL", ""),
		WebhookURL:              getEnv("ALERT_WEBHOOK_URL", ""),

		MarketCapUpdateSec: getInt("MARKET_CAP_UPDATE_INTERVAL_SEC", 3600),

		AnalysisAutorun:     getBool("ANALYSIS_AUTORUN", false),
		AnalysisIntervalSec: getInt("ANALYSIS_AUTORUN_INTERVAL_SEC", 21_600),
		AnalysisWindows:     getIntList("ANALYSIS_AUTORUN_WINDOWS", "7,30"),
		AnalysisTop200Only:  getBool("ANALYSIS_AUTORUN_TOP200_ONLY", true),
		AnalysisMinGrade:    strings.ToUpper(getEnv("ANALYSIS_MIN_GRADE", "")),
	}
}

// MarketCapTTL returns the cache refresh interval as a duration.
func (c *Config) MarketCapTTL() time.Duration {
	return time.Duration(c.MarketCapUpdateSec) * time.Second
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
	return fallback
}

// getList splits a comma-separated value, trimming blanks.
func getList(key, fallback string) []string {
	v := getEnv(key, fallback)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getIntList(key, fallback string) []int {
	out := make([]int, 0, 4)
	for _, p := range getList(key, fallback) {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			log.Printf("[config] skipping invalid %s value: %q", key, p)
			continue
		}
		out = append(out, n)
	}
	return out
}

// getFloat3 parses "a,b,c" into three floats.
func getFloat3(key string, fallback [3]float64) [3]float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	if len(parts) != 3 {
		log.Printf("[config] invalid %s=%q, using defaults", key, v)
		return fallback
	}
	var out [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			log.Printf("[config] invalid %s=%q, using defaults", key, v)
			return fallback
		}
		out[i] = f
	}
	return out
}

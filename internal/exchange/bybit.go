package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"perpscreener/internal/model"
)

const (
	bybitRESTBase = "https://api.bybit.com"
	bybitWSLinear = "wss://stream.bybit.com/v5/public/linear"
)

// bybitIntervals maps candle intervals to the v5 kline interval codes.
var bybitIntervals = map[string]string{
	model.Interval1m:  "1",
	model.Interval15m: "15",
	model.Interval1h:  "60",
	model.Interval4h:  "240",
}

// Bybit adapts linear (USDT) perpetuals on Bybit v5.
type Bybit struct {
	cfg      UniverseConfig
	restBase string
	wsURL    string
	client   *http.Client
	limiter  *rate.Limiter
}

func NewBybit(cfg UniverseConfig) *Bybit {
	return &Bybit{
		cfg:      cfg,
		restBase: bybitRESTBase,
		wsURL:    bybitWSLinear,
		client:   &http.Client{Timeout: restTimeout},
		limiter:  rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
	}
}

func (b *Bybit) Name() string { return "bybit" }

// bybitEnvelope is the v5 REST response wrapper.
type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (b *Bybit) getResult(ctx context.Context, path string, params url.Values, dst interface{}) error {
	u := b.restBase + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("bybit %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bybit %s: status %d", path, resp.StatusCode)
	}
	var env bybitEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return err
	}
	if env.RetCode != 0 {
		return fmt.Errorf("bybit %s: retCode %d (%s)", path, env.RetCode, env.RetMsg)
	}
	return json.Unmarshal(env.Result, dst)
}

// Symbols discovers trading linear perpetuals and ranks them by 24h
// turnover descending.
func (b *Bybit) Symbols(ctx context.Context) ([]string, error) {
	params := url.Values{}
	params.Set("category", "linear")
	var instruments struct {
		List []struct {
			Symbol       string `json:"symbol"`
			Status       string `json:"status"`
			ContractType string `json:"contractType"`
		} `json:"list"`
	}
	if err := b.getResult(ctx, "/v5/market/instruments-info", params, &instruments); err != nil {
		return nil, err
	}
	active := make(map[string]struct{})
	for _, it := range instruments.List {
		if it.Status == "Trading" && it.ContractType == "LinearPerpetual" {
			active[it.Symbol] = struct{}{}
		}
	}

	var tickers struct {
		List []struct {
			Symbol     string `json:"symbol"`
			Turnover24 string `json:"turnover24h"`
		} `json:"list"`
	}
	if err := b.getResult(ctx, "/v5/market/tickers", params, &tickers); err != nil {
		return nil, err
	}
	type row struct {
		sym string
		vol float64
	}
	rows := make([]row, 0, len(active))
	for _, t := range tickers.List {
		if _, ok := active[t.Symbol]; !ok {
			continue
		}
		vol, _ := strconv.ParseFloat(t.Turnover24, 64)
		rows = append(rows, row{sym: t.Symbol, vol: vol})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].vol > rows[j].vol })
	ranked := make([]string, len(rows))
	for i, r := range rows {
		ranked[i] = r.sym
	}
	return b.cfg.apply(ranked), nil
}

// Klines fetches candles, converting the newest-first v5 rows to
// oldest-first. Volume maps to turnover (quote units).
func (b *Bybit) Klines(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	code, ok := bybitIntervals[interval]
	if !ok {
		return nil, fmt.Errorf("bybit: unsupported interval %q", interval)
	}
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)
	params.Set("interval", code)
	params.Set("limit", strconv.Itoa(limit))

	var res struct {
		List [][]string `json:"list"`
	}
	if err := b.getResult(ctx, "/v5/market/kline", params, &res); err != nil {
		return nil, err
	}
	width := model.IntervalMillis[interval]
	out := make([]model.Candle, 0, len(res.List))
	for i := len(res.List) - 1; i >= 0; i-- {
		c, err := parseBybitKlineRow(res.List[i], width)
		if err != nil {
			continue
		}
		c.Exchange = "bybit"
		c.Symbol = symbol
		c.Interval = interval
		out = append(out, c)
	}
	return out, nil
}

// parseBybitKlineRow decodes one [start, open, high, low, close,
// volume, turnover] row.
func parseBybitKlineRow(r []string, widthMS int64) (model.Candle, error) {
	if len(r) < 7 {
		return model.Candle{}, fmt.Errorf("short kline row: %d fields", len(r))
	}
	start, err := strconv.ParseInt(r[0], 10, 64)
	if err != nil {
		return model.Candle{}, err
	}
	vals := make([]float64, 4)
	for i, raw := range r[1:5] {
		if vals[i], err = strconv.ParseFloat(raw, 64); err != nil {
			return model.Candle{}, err
		}
	}
	turnover, err := strconv.ParseFloat(r[6], 64)
	if err != nil {
		return model.Candle{}, err
	}
	return model.Candle{
		OpenTime:  start,
		CloseTime: start + widthMS - 1,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    turnover,
		Closed:    true,
	}, nil
}

// OpenInterest reads the newest 5min OI sample.
func (b *Bybit) OpenInterest(ctx context.Context, symbol string) (float64, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)
	params.Set("intervalTime", "5min")
	var res struct {
		List []struct {
			OpenInterest string `json:"openInterest"`
		} `json:"list"`
	}
	if err := b.getResult(ctx, "/v5/market/open-interest", params, &res); err != nil {
		return 0, err
	}
	if len(res.List) == 0 {
		return 0, fmt.Errorf("bybit: no open interest for %s", symbol)
	}
	return strconv.ParseFloat(res.List[0].OpenInterest, 64)
}

// Funding reads the ticker's live funding rate.
func (b *Bybit) Funding(ctx context.Context, symbol string) (float64, int64, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, 0, err
	}
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)
	var res struct {
		List []struct {
			FundingRate     string `json:"fundingRate"`
			NextFundingTime string `json:"nextFundingTime"`
		} `json:"list"`
	}
	if err := b.getResult(ctx, "/v5/market/tickers", params, &res); err != nil {
		return 0, 0, err
	}
	if len(res.List) == 0 {
		return 0, 0, fmt.Errorf("bybit: no ticker for %s", symbol)
	}
	fr, err := strconv.ParseFloat(res.List[0].FundingRate, 64)
	if err != nil {
		return 0, 0, err
	}
	next, _ := strconv.ParseInt(res.List[0].NextFundingTime, 10, 64)
	return fr, next, nil
}

// bybitWSMsg covers the kline and ticker topics.
type bybitWSMsg struct {
	Topic string          `json:"topic"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type bybitKlineItem struct {
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Turnover string `json:"turnover"`
	Confirm  bool   `json:"confirm"`
}

func parseBybitKlineMsg(raw []byte) ([]model.Candle, bool) {
	var msg bybitWSMsg
	if err := json.Unmarshal(raw, &msg); err != nil || !strings.HasPrefix(msg.Topic, "kline.1.") {
		return nil, false
	}
	symbol := strings.TrimPrefix(msg.Topic, "kline.1.")
	var items []bybitKlineItem
	if err := json.Unmarshal(msg.Data, &items); err != nil {
		return nil, false
	}
	var out []model.Candle
	for _, it := range items {
		o, err1 := strconv.ParseFloat(it.Open, 64)
		h, err2 := strconv.ParseFloat(it.High, 64)
		l, err3 := strconv.ParseFloat(it.Low, 64)
		c, err4 := strconv.ParseFloat(it.Close, 64)
		q, err5 := strconv.ParseFloat(it.Turnover, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			continue
		}
		out = append(out, model.Candle{
			Exchange: "bybit",
			Symbol:   symbol,
			Interval: model.Interval1m,
			OpenTime: it.Start, CloseTime: it.End,
			Open: o, High: h, Low: l, Close: c, Volume: q,
			Closed: it.Confirm,
		})
	}
	return out, len(out) > 0
}

func parseBybitTickerMsg(raw []byte) (model.Ticker, bool) {
	var msg bybitWSMsg
	if err := json.Unmarshal(raw, &msg); err != nil || !strings.HasPrefix(msg.Topic, "tickers.") {
		return model.Ticker{}, false
	}
	var data struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil || data.LastPrice == "" {
		return model.Ticker{}, false
	}
	price, err := strconv.ParseFloat(data.LastPrice, 64)
	if err != nil {
		return model.Ticker{}, false
	}
	sym := data.Symbol
	if sym == "" {
		sym = strings.TrimPrefix(msg.Topic, "tickers.")
	}
	return model.Ticker{Exchange: "bybit", Symbol: sym, Price: price, TS: msg.TS}, true
}

// StreamKlines subscribes kline.1.<symbol> topics on one connection.
func (b *Bybit) StreamKlines(ctx context.Context, symbols []string, out chan<- model.Candle) error {
	topics := make([]string, len(symbols))
	for i, s := range symbols {
		topics[i] = "kline.1." + s
	}
	return b.stream(ctx, topics, func(raw []byte) {
		candles, ok := parseBybitKlineMsg(raw)
		if !ok {
			return
		}
		for _, c := range candles {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	})
}

// StreamTickers subscribes tickers.<symbol> topics on one connection.
func (b *Bybit) StreamTickers(ctx context.Context, symbols []string, out chan<- model.Ticker) error {
	topics := make([]string, len(symbols))
	for i, s := range symbols {
		topics[i] = "tickers." + s
	}
	return b.stream(ctx, topics, func(raw []byte) {
		if t, ok := parseBybitTickerMsg(raw); ok {
			select {
			case out <- t:
			case <-ctx.Done():
			}
		}
	})
}

func (b *Bybit) stream(ctx context.Context, topics []string, handle func([]byte)) error {
	if len(topics) == 0 {
		<-ctx.Done()
		return nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return fmt.Errorf("bybit ws dial: %w", err)
	}
	defer conn.Close()

	sub := map[string]interface{}{"op": "subscribe", "args": topics}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("bybit ws subscribe: %w", err)
	}
	log.Printf("[bybit] ws connected: %d topics", len(topics))

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.WriteJSON(map[string]string{"op": "ping"})
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bybit ws read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		handle(raw)
	}
}

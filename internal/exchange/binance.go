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
	binanceRESTBase = "https://fapi.binance.com"
	binanceWSBase   = "wss://fstream.binance.com/stream"
)

// Binance adapts USDT-margined perpetuals on Binance futures.
type Binance struct {
	cfg      UniverseConfig
	restBase string
	wsBase   string
	client   *http.Client

	// Paces per-symbol REST polls (OI, funding) under the API weight
	// limits.
	limiter *rate.Limiter
}

func NewBinance(cfg UniverseConfig) *Binance {
	return &Binance{
		cfg:      cfg,
		restBase: binanceRESTBase,
		wsBase:   binanceWSBase,
		client:   &http.Client{Timeout: restTimeout},
		limiter:  rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
	}
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) getJSON(ctx context.Context, path string, params url.Values, dst interface{}) error {
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
		return fmt.Errorf("binance %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("binance %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// Symbols filters exchangeInfo to TRADING USDT perpetuals and ranks
// them by 24h quote volume descending.
func (b *Binance) Symbols(ctx context.Context) ([]string, error) {
	var info struct {
		Symbols []struct {
			Symbol       string `json:"symbol"`
			QuoteAsset   string `json:"quoteAsset"`
			ContractType string `json:"contractType"`
			Status       string `json:"status"`
		} `json:"symbols"`
	}
	if err := b.getJSON(ctx, "/fapi/v1/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}
	perps := make(map[string]struct{})
	for _, s := range info.Symbols {
		if s.QuoteAsset == "USDT" && s.ContractType == "PERPETUAL" && s.Status == "TRADING" {
			perps[s.Symbol] = struct{}{}
		}
	}

	var tickers []struct {
		Symbol      string `json:"symbol"`
		QuoteVolume string `json:"quoteVolume"`
	}
	if err := b.getJSON(ctx, "/fapi/v1/ticker/24hr", nil, &tickers); err != nil {
		return nil, err
	}
	type row struct {
		sym string
		vol float64
	}
	rows := make([]row, 0, len(perps))
	for _, t := range tickers {
		if _, ok := perps[t.Symbol]; !ok {
			continue
		}
		vol, _ := strconv.ParseFloat(t.QuoteVolume, 64)
		rows = append(rows, row{sym: t.Symbol, vol: vol})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].vol > rows[j].vol })
	ranked := make([]string, len(rows))
	for i, r := range rows {
		ranked[i] = r.sym
	}
	return b.cfg.apply(ranked), nil
}

// Klines fetches candles from the REST API, oldest first. Volume maps
// to quote turnover (array index 7).
func (b *Binance) Klines(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	var raw [][]json.RawMessage
	if err := b.getJSON(ctx, "/fapi/v1/klines", params, &raw); err != nil {
		return nil, err
	}
	out := make([]model.Candle, 0, len(raw))
	for _, r := range raw {
		c, err := parseBinanceKlineRow(r)
		if err != nil {
			continue
		}
		c.Exchange = "binance"
		c.Symbol = symbol
		c.Interval = interval
		out = append(out, c)
	}
	return out, nil
}

func parseBinanceKlineRow(r []json.RawMessage) (model.Candle, error) {
	if len(r) < 8 {
		return model.Candle{}, fmt.Errorf("short kline row: %d fields", len(r))
	}
	var openTime, closeTime int64
	var o, h, l, c, q string
	for _, step := range []struct {
		idx int
		dst interface{}
	}{
		{0, &openTime}, {1, &o}, {2, &h}, {3, &l}, {4, &c}, {6, &closeTime}, {7, &q},
	} {
		if err := json.Unmarshal(r[step.idx], step.dst); err != nil {
			return model.Candle{}, err
		}
	}
	candle := model.Candle{OpenTime: openTime, CloseTime: closeTime, Closed: true}
	var err error
	if candle.Open, err = strconv.ParseFloat(o, 64); err != nil {
		return model.Candle{}, err
	}
	if candle.High, err = strconv.ParseFloat(h, 64); err != nil {
		return model.Candle{}, err
	}
	if candle.Low, err = strconv.ParseFloat(l, 64); err != nil {
		return model.Candle{}, err
	}
	if candle.Close, err = strconv.ParseFloat(c, 64); err != nil {
		return model.Candle{}, err
	}
	if candle.Volume, err = strconv.ParseFloat(q, 64); err != nil {
		return model.Candle{}, err
	}
	return candle, nil
}

// OpenInterest polls /fapi/v1/openInterest for one symbol.
func (b *Binance) OpenInterest(ctx context.Context, symbol string) (float64, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp struct {
		OpenInterest string `json:"openInterest"`
	}
	if err := b.getJSON(ctx, "/fapi/v1/openInterest", params, &resp); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp.OpenInterest, 64)
}

// Funding polls the premium index for the live funding rate.
func (b *Binance) Funding(ctx context.Context, symbol string) (float64, int64, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, 0, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp struct {
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
	}
	if err := b.getJSON(ctx, "/fapi/v1/premiumIndex", params, &resp); err != nil {
		return 0, 0, err
	}
	fr, err := strconv.ParseFloat(resp.LastFundingRate, 64)
	if err != nil {
		return 0, 0, err
	}
	return fr, resp.NextFundingTime, nil
}

// binanceCombined is the envelope of combined-stream messages.
type binanceCombined struct {
	Data struct {
		Event  string `json:"e"`
		Symbol string `json:"s"`
		TS     int64  `json:"E"`
		Close  string `json:"c"` // miniTicker last price
		K      struct {
			OpenTime  int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Open      string `json:"o"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Close     string `json:"c"`
			QuoteVol  string `json:"q"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	} `json:"data"`
}

func parseBinanceKlineMsg(raw []byte) (model.Candle, bool) {
	var msg binanceCombined
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Data.Event != "kline" {
		return model.Candle{}, false
	}
	k := msg.Data.K
	o, err1 := strconv.ParseFloat(k.Open, 64)
	h, err2 := strconv.ParseFloat(k.High, 64)
	l, err3 := strconv.ParseFloat(k.Low, 64)
	c, err4 := strconv.ParseFloat(k.Close, 64)
	q, err5 := strconv.ParseFloat(k.QuoteVol, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return model.Candle{}, false
	}
	return model.Candle{
		Exchange: "binance",
		Symbol:   msg.Data.Symbol,
		Interval: model.Interval1m,
		OpenTime: k.OpenTime, CloseTime: k.CloseTime,
		Open: o, High: h, Low: l, Close: c, Volume: q,
		Closed: k.Closed,
	}, true
}

func parseBinanceTickerMsg(raw []byte) (model.Ticker, bool) {
	var msg binanceCombined
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Data.Event != "24hrMiniTicker" {
		return model.Ticker{}, false
	}
	price, err := strconv.ParseFloat(msg.Data.Close, 64)
	if err != nil {
		return model.Ticker{}, false
	}
	return model.Ticker{
		Exchange: "binance",
		Symbol:   msg.Data.Symbol,
		Price:    price,
		TS:       msg.Data.TS,
	}, true
}

// StreamKlines runs one combined kline_1m connection to completion.
func (b *Binance) StreamKlines(ctx context.Context, symbols []string, out chan<- model.Candle) error {
	return b.stream(ctx, symbols, "kline_1m", func(raw []byte) {
		if c, ok := parseBinanceKlineMsg(raw); ok {
			select {
			case out <- c:
			case <-ctx.Done():
			}
		}
	})
}

// StreamTickers runs one combined miniTicker connection to completion.
func (b *Binance) StreamTickers(ctx context.Context, symbols []string, out chan<- model.Ticker) error {
	return b.stream(ctx, symbols, "miniTicker", func(raw []byte) {
		if t, ok := parseBinanceTickerMsg(raw); ok {
			select {
			case out <- t:
			case <-ctx.Done():
			}
		}
	})
}

func (b *Binance) stream(ctx context.Context, symbols []string, suffix string, handle func([]byte)) error {
	if len(symbols) == 0 {
		<-ctx.Done()
		return nil
	}
	parts := make([]string, len(symbols))
	for i, s := range symbols {
		parts[i] = strings.ToLower(s) + "@" + suffix
	}
	u := b.wsBase + "?streams=" + strings.Join(parts, "/")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("binance ws dial: %w", err)
	}
	defer conn.Close()
	log.Printf("[binance] ws connected: %d %s streams", len(symbols), suffix)

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsCloseTimeout))
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsCloseTimeout))
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
			return fmt.Errorf("binance ws read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		handle(raw)
	}
}

package screener

import (
	"perpscreener/internal/indicator"
	"perpscreener/internal/model"
	"perpscreener/internal/series"
)

// htfBucket incrementally resamples closed 1m bars into one higher
// timeframe. The forming bucket is the last element of every series;
// it is replaced in place until a 1m bar lands in a later bucket,
// at which point the bucket is finalized and a new one opens. O(1)
// per 1m bar.
type htfBucket struct {
	interval string
	widthMS  int64

	openTime int64 // bucket start of the forming (last) element
	started  bool
	sealed   bool // last element is a closed bar (seeded from store)

	open  *series.Rolling
	high  *series.Rolling
	low   *series.Rolling
	close *series.Rolling
	vol   *series.Rolling

	atrHist *series.Rolling // ATR sampled at each finalized bucket
}

func newHTFBucket(interval string) *htfBucket {
	return &htfBucket{
		interval: interval,
		widthMS:  model.IntervalMillis[interval],
		open:     series.NewRolling(capHTF),
		high:     series.NewRolling(capHTF),
		low:      series.NewRolling(capHTF),
		close:    series.NewRolling(capHTF),
		vol:      series.NewRolling(capHTF),
		atrHist:  series.NewRolling(capATRHist),
	}
}

// fold merges one CLOSED 1m bar. Returns the finalized candle when the
// bar opened a new bucket and the previous one was live (not seeded).
func (b *htfBucket) fold(k model.Candle) *model.Candle {
	bucket := k.OpenTime - k.OpenTime%b.widthMS

	if !b.started {
		b.openBucket(bucket, k)
		return nil
	}

	switch {
	case bucket == b.openTime:
		if b.sealed {
			// Re-ingest of the seeded bucket (backfill overlap):
			// merge without re-opening.
			b.sealed = false
		}
		b.merge(k)
		return nil
	case bucket > b.openTime:
		var done *model.Candle
		if !b.sealed {
			done = b.finalize()
		}
		b.sampleATR()
		b.openBucket(bucket, k)
		return done
	default:
		return nil // late bar behind the forming bucket
	}
}

func (b *htfBucket) openBucket(bucket int64, k model.Candle) {
	b.open.Append(k.Open)
	b.high.Append(k.High)
	b.low.Append(k.Low)
	b.close.Append(k.Close)
	b.vol.Append(k.Volume)
	b.openTime = bucket
	b.started = true
	b.sealed = false
}

func (b *htfBucket) merge(k model.Candle) {
	if h, _ := b.high.Last(); k.High > h {
		b.high.SetLast(k.High)
	}
	if l, _ := b.low.Last(); k.Low < l {
		b.low.SetLast(k.Low)
	}
	b.close.SetLast(k.Close)
	v, _ := b.vol.Last()
	b.vol.SetLast(v + k.Volume)
}

func (b *htfBucket) finalize() *model.Candle {
	o, _ := b.open.Last()
	h, _ := b.high.Last()
	l, _ := b.low.Last()
	c, _ := b.close.Last()
	v, _ := b.vol.Last()
	return &model.Candle{
		Interval:  b.interval,
		OpenTime:  b.openTime,
		CloseTime: b.openTime + b.widthMS - 1,
		Open:      o,
		High:      h,
		Low:       l,
		Close:     c,
		Volume:    v,
		Closed:    true,
	}
}

// sampleATR records the bucket's ATR at rollover for the volatility
// percentile window.
func (b *htfBucket) sampleATR() {
	if atr, ok := indicator.ATR(b.high.Values(), b.low.Values(), b.close.Values(), 14); ok {
		b.atrHist.Append(atr)
	}
}

// seed replaces the bucket contents with closed candles from the store,
// oldest first. The newest seeded bar stays sealed so the next live
// rollover does not re-emit it.
func (b *htfBucket) seed(candles []model.Candle) {
	if len(candles) == 0 {
		return
	}
	b.open.Reset()
	b.high.Reset()
	b.low.Reset()
	b.close.Reset()
	b.vol.Reset()
	for _, c := range candles {
		b.open.Append(c.Open)
		b.high.Append(c.High)
		b.low.Append(c.Low)
		b.close.Append(c.Close)
		b.vol.Append(c.Volume)
	}
	last := candles[len(candles)-1]
	b.openTime = last.OpenTime - last.OpenTime%b.widthMS
	b.started = true
	b.sealed = true
}

// lastClosedCloseTime returns the close time of the newest closed
// bucket, or 0 when none exists yet.
func (b *htfBucket) lastClosedCloseTime() int64 {
	if !b.started {
		return 0
	}
	if b.sealed {
		return b.openTime + b.widthMS - 1
	}
	return b.openTime - 1
}

// Len returns the number of buckets currently held, forming included.
func (b *htfBucket) Len() int { return b.close.Len() }

// Package series provides a bounded rolling window of float64 samples.
// It backs every per-symbol indicator series: appends are O(1) on a
// preallocated circular buffer and the oldest sample is evicted once
// the window is full. Not goroutine-safe; each series is owned by a
// single aggregator's ingest path.
package series

// Rolling is a fixed-capacity FIFO of float64 values.
type Rolling struct {
	buf    []float64
	start  int // index of the oldest element
	length int
}

// NewRolling creates a rolling window holding at most maxLen samples.
// Minimum capacity is 1.
func NewRolling(maxLen int) *Rolling {
	if maxLen < 1 {
		maxLen = 1
	}
	return &Rolling{buf: make([]float64, maxLen)}
}

// Append adds v, evicting the oldest sample if the window is full.
func (r *Rolling) Append(v float64) {
	if r.length < len(r.buf) {
		r.buf[(r.start+r.length)%len(r.buf)] = v
		r.length++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// Len returns the number of samples currently held.
func (r *Rolling) Len() int { return r.length }

// Cap returns the window capacity.
func (r *Rolling) Cap() int { return len(r.buf) }

// At returns the i-th sample (0 = oldest). Negative indices address
// from the end: At(-1) is the newest. Panics on out-of-range access;
// callers must check Len first.
func (r *Rolling) At(i int) float64 {
	if i < 0 {
		i += r.length
	}
	if i < 0 || i >= r.length {
		panic("series: index out of range")
	}
	return r.buf[(r.start+i)%len(r.buf)]
}

// SetLast overwrites the newest sample in place. Used to refresh the
// forming bar on intrabar updates without growing the window. Appends
// instead if the window is empty.
func (r *Rolling) SetLast(v float64) {
	if r.length == 0 {
		r.Append(v)
		return
	}
	r.buf[(r.start+r.length-1)%len(r.buf)] = v
}

// Last returns the newest sample and false if the window is empty.
func (r *Rolling) Last() (float64, bool) {
	if r.length == 0 {
		return 0, false
	}
	return r.At(-1), true
}

// Values copies the window into a new slice ordered oldest to newest.
func (r *Rolling) Values() []float64 {
	out := make([]float64, r.length)
	for i := 0; i < r.length; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Tail copies the newest n samples (all of them if n >= Len), ordered
// oldest to newest.
func (r *Rolling) Tail(n int) []float64 {
	if n > r.length {
		n = r.length
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = r.At(r.length - n + i)
	}
	return out
}

// Reset discards all samples, keeping the allocated buffer.
func (r *Rolling) Reset() {
	r.start = 0
	r.length = 0
}

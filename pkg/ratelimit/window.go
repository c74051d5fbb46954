package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Decision is the outcome of one counted request
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time // end of the current window
}

// RetryAfter is the wait until the window resets, at least one second
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.Reset.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait.Round(time.Second)
}

// SetHeaders writes the X-RateLimit-* headers, plus Retry-After when denied
func (d Decision) SetHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(int(d.RetryAfter(time.Now()).Seconds())))
	}
}

// WindowLimiter counts requests per key in fixed windows. Allow increments
// and checks atomically.
type WindowLimiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

type window struct {
	count int
	reset time.Time
}

// MemoryWindow is an in-process WindowLimiter
type MemoryWindow struct {
	limit  int
	period time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryWindow allows limit requests per key every period
func NewMemoryWindow(limit int, period time.Duration) *MemoryWindow {
	return &MemoryWindow{
		limit:   limit,
		period:  period,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Allow counts one request for key
func (m *MemoryWindow) Allow(_ context.Context, key string) (Decision, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !now.Before(w.reset) {
		w = &window{reset: now.Add(m.period)}
		m.windows[key] = w
	}
	w.count++

	d := Decision{Limit: m.limit, Reset: w.reset, Allowed: w.count <= m.limit}
	if d.Allowed {
		d.Remaining = m.limit - w.count
	}
	return d, nil
}

// Sweep drops expired windows
func (m *MemoryWindow) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, w := range m.windows {
		if !now.Before(w.reset) {
			delete(m.windows, k)
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps every interval until ctx is done
func (m *MemoryWindow) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryWindowFifteenRequests(t *testing.T) {
	m := NewMemoryWindow(10, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	allowed, denied := 0, 0
	for i := 0; i < 15; i++ {
		d, err := m.Allow(context.Background(), "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, 10, d.Limit)
		if d.Allowed {
			allowed++
			assert.Equal(t, 10-allowed, d.Remaining)
		} else {
			denied++
			assert.Equal(t, 0, d.Remaining)
		}
		assert.Equal(t, now.Add(time.Minute), d.Reset)
	}
	assert.Equal(t, 10, allowed)
	assert.Equal(t, 5, denied)

	// another client has its own window
	d, _ := m.Allow(context.Background(), "10.0.0.2")
	assert.True(t, d.Allowed)

	now = now.Add(time.Minute)
	d, _ = m.Allow(context.Background(), "10.0.0.1")
	assert.True(t, d.Allowed, "window resets after the period")
	assert.Equal(t, 9, d.Remaining)
}

func TestMemoryWindowIsAtomic(t *testing.T) {
	m := NewMemoryWindow(10, time.Minute)
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, _ := m.Allow(context.Background(), "k"); d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), allowed.Load())
}

func TestMemoryWindowSweep(t *testing.T) {
	m := NewMemoryWindow(1, time.Second)
	now := time.Now()
	m.now = func() time.Time { return now }
	m.Allow(context.Background(), "a")
	m.Allow(context.Background(), "b")
	assert.Equal(t, 0, m.Sweep())
	now = now.Add(2 * time.Second)
	assert.Equal(t, 2, m.Sweep())
}

func TestDecisionHeaders(t *testing.T) {
	reset := time.Now().Add(30 * time.Second)
	rec := httptest.NewRecorder()
	Decision{Allowed: false, Limit: 10, Remaining: 0, Reset: reset}.SetHeaders(rec)

	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(reset.Unix(), 10), rec.Header().Get("X-RateLimit-Reset"))
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 30, retry, 1)

	rec = httptest.NewRecorder()
	Decision{Allowed: true, Limit: 10, Remaining: 9, Reset: reset}.SetHeaders(rec)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestLimiterMiddleware(t *testing.T) {
	l := NewLimiter(1, 2)
	h := l.Middleware(IPKeyFunc, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := []int{}
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 0, l.CleanupOldLimiters(time.Hour))
	assert.Equal(t, 1, l.CleanupOldLimiters(-time.Second))
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", IPKeyFunc(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "192.0.2.1", IPKeyFunc(req), "forwarding headers are ignored")
}

func TestClientIP(t *testing.T) {
	resolver, err := NewClientIP([]string{"10.0.0.0/8", "192.0.2.10"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		remote string
		xff    []string
		want   string
	}{
		{"direct client", "198.51.100.4:1234", nil, "198.51.100.4"},
		{"untrusted peer spoofing", "198.51.100.4:1234", []string{"203.0.113.7"}, "198.51.100.4"},
		{"trusted proxy", "10.1.2.3:80", []string{"203.0.113.7"}, "203.0.113.7"},
		{"rightmost untrusted hop", "10.1.2.3:80", []string{"6.6.6.6, 203.0.113.7, 10.9.9.9"}, "203.0.113.7"},
		{"repeated headers", "192.0.2.10:80", []string{"6.6.6.6", "203.0.113.7"}, "203.0.113.7"},
		{"proxy without header", "10.1.2.3:80", nil, "10.1.2.3"},
		{"only proxies", "10.1.2.3:80", []string{"10.4.4.4"}, "10.4.4.4"},
		{"garbage hop", "10.1.2.3:80", []string{"203.0.113.7, not-an-ip"}, "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for _, v := range tt.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tt.want, resolver.KeyFunc(req))
		})
	}

	_, err = NewClientIP([]string{"not-a-cidr/8"})
	assert.Error(t, err)
	_, err = NewClientIP([]string{"proxy.internal"})
	assert.Error(t, err)
}

func TestRedisWindow(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis rate limiter test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	r := NewRedisWindow(client, "schedopt:test:"+uuid.NewString()+":", 10, 2*time.Second)
	require.NoError(t, r.Ping(context.Background()))

	allowed := 0
	for i := 0; i < 15; i++ {
		d, err := r.Allow(context.Background(), "client")
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		}
		assert.True(t, d.Reset.After(time.Now()))
	}
	assert.Equal(t, 10, allowed)

	time.Sleep(2100 * time.Millisecond)
	d, err := r.Allow(context.Background(), "client")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

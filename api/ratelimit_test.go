package api

import (
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter() (*failureLimiter, *fakeClock) {
	c := &fakeClock{t: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	return newFailureLimiter(c.Now), c
}

func TestFailureLimiter_AllowsBeforeThreshold(t *testing.T) {
	l, _ := newTestLimiter()
	for range maxFailures - 1 {
		l.recordFailure("10.0.0.1")
		blocked, _ := l.check("10.0.0.1")
		assert.False(t, blocked)
	}
}

func TestFailureLimiter_Backoff(t *testing.T) {
	l, _ := newTestLimiter()
	for range maxFailures {
		l.recordFailure("10.0.0.1")
	}
	blocked, first := l.check("10.0.0.1")
	require.True(t, blocked)
	assert.Equal(t, baseLockout, first)

	l.recordFailure("10.0.0.1")
	_, second := l.check("10.0.0.1")
	assert.Equal(t, 2*baseLockout, second)

	for range 10 {
		l.recordFailure("10.0.0.1")
	}
	_, capped := l.check("10.0.0.1")
	assert.Equal(t, maxLockout, capped)

	blocked, _ = l.check("10.0.0.2")
	assert.False(t, blocked, "keys are independent")
}

func TestFailureLimiter_LockoutEnds(t *testing.T) {
	l, c := newTestLimiter()
	for range maxFailures {
		l.recordFailure("k")
	}
	c.Advance(baseLockout)
	blocked, _ := l.check("k")
	assert.False(t, blocked)
}

func TestFailureLimiter_SuccessResets(t *testing.T) {
	l, _ := newTestLimiter()
	for range maxFailures {
		l.recordFailure("k")
	}
	l.recordSuccess("k")
	blocked, _ := l.check("k")
	assert.False(t, blocked)
}

func TestFailureLimiter_Sweep(t *testing.T) {
	l, c := newTestLimiter()
	l.recordFailure("old")
	c.Advance(failureExpiry + time.Second)
	l.recordFailure("new")
	l.sweep()
	assert.NotContains(t, l.failures, "old")
	assert.Contains(t, l.failures, "new")
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(200*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

func TestClientIP(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		proxies []netip.Prefix
		want    string
	}{
		{"remote only", "192.0.2.1:1234", nil, nil, "192.0.2.1"},
		{"untrusted peer ignores headers", "192.0.2.1:1234", map[string]string{"X-Forwarded-For": "203.0.113.9"}, proxies, "192.0.2.1"},
		{"no proxies configured", "10.1.1.1:80", map[string]string{"X-Forwarded-For": "203.0.113.9"}, nil, "10.1.1.1"},
		{"trusted xff", "10.1.1.1:80", map[string]string{"X-Forwarded-For": "garbage, 203.0.113.9"}, proxies, "203.0.113.9"},
		{"trusted real ip", "10.1.1.1:80", map[string]string{"X-Real-IP": "203.0.113.7"}, proxies, "203.0.113.7"},
		{"ipv6", "[2001:db8::1]:443", nil, nil, "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(r, tt.proxies))
		})
	}
}

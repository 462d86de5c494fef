package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// maxFailures is the number of consecutive failures before lockout begins.
	maxFailures = 5
	// baseLockout is the first lockout once maxFailures is reached.
	baseLockout = time.Minute
	// maxLockout caps the exponential backoff.
	maxLockout = 15 * time.Minute
	// failureExpiry is how long after the last failure a record is forgotten.
	failureExpiry = time.Hour
)

// failureLimiter counts consecutive failures per key and locks the key out
// with exponential backoff. The API keys it by client address for
// signature-authenticated submissions, which carry no trusted identity.
type failureLimiter struct {
	mu       sync.Mutex
	now      func() time.Time
	failures map[string]*failureRecord
}

type failureRecord struct {
	count       int
	lastFailure time.Time
	lockedUntil time.Time
}

func newFailureLimiter(now func() time.Time) *failureLimiter {
	return &failureLimiter{now: now, failures: make(map[string]*failureRecord)}
}

// check reports whether key is locked out and for how long.
func (l *failureLimiter) check(key string) (blocked bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.failures[key]
	if !ok {
		return false, 0
	}
	now := l.now()
	if now.Sub(rec.lastFailure) > failureExpiry {
		delete(l.failures, key)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// recordFailure counts a failure and, from maxFailures on, locks key out for
// baseLockout doubled per further failure.
func (l *failureLimiter) recordFailure(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.failures[key]
	if !ok {
		rec = &failureRecord{}
		l.failures[key] = rec
	}
	now := l.now()
	rec.count++
	rec.lastFailure = now
	if rec.count >= maxFailures {
		lockout := baseLockout
		for range rec.count - maxFailures {
			lockout *= 2
			if lockout >= maxLockout {
				lockout = maxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

func (l *failureLimiter) recordSuccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, key)
}

// sweep drops expired records.
func (l *failureLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, rec := range l.failures {
		if now.Sub(rec.lastFailure) > failureExpiry {
			delete(l.failures, key)
		}
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many rejected submissions; try again later")
}

func retryAfterString(d time.Duration) string {
	return strconv.Itoa(max(int(d.Seconds()), 1))
}

// clientIP returns the address used as a rate-limit key. Proxy headers are
// only honoured when the direct peer is inside one of trustedProxies.
func clientIP(r *http.Request, trustedProxies []netip.Prefix) string {
	remote, _ := parseIPCandidate(r.RemoteAddr)
	if remote == "" || !trusted(remote, trustedProxies) {
		return remote
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for part := range strings.SplitSeq(xff, ",") {
			if ip, ok := parseIPCandidate(part); ok {
				return ip
			}
		}
	}
	if ip, ok := parseIPCandidate(r.Header.Get("X-Real-IP")); ok {
		return ip
	}
	return remote
}

func trusted(ip string, prefixes []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	return addr.String(), true
}

package api

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ipRateLimiter tracks failed login callbacks per source IP and enforces
// exponential backoff. Failed callbacks are cheap to produce (any bogus
// code or state) but each valid-looking one costs a provider round trip.
type ipRateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord
	now      func() time.Time
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	// ipMaxFailures is the number of consecutive failures before lockout begins.
	ipMaxFailures = 20
	// ipBaseLockout is the initial lockout duration after ipMaxFailures is reached.
	ipBaseLockout = 1 * time.Minute
	// ipMaxLockout caps the exponential backoff.
	ipMaxLockout = 30 * time.Minute
	// attemptExpiry is how long after the last failure before the record is
	// garbage-collected.
	attemptExpiry = 1 * time.Hour
)

func newIPRateLimiter() *ipRateLimiter {
	return &ipRateLimiter{
		attempts: make(map[string]*attemptRecord),
		now:      time.Now,
	}
}

// check returns true if ip is currently locked out, along with how long the
// caller should wait.
func (rl *ipRateLimiter) check(ip string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[ip]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, ip)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// recordFailure increments the failure counter and applies exponential
// backoff once ipMaxFailures is reached.
func (rl *ipRateLimiter) recordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[ip]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[ip] = rec
	}
	now := rl.now()
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= ipMaxFailures {
		rec.lockedUntil = now.Add(backoff(rec.failures-ipMaxFailures, ipBaseLockout, ipMaxLockout))
	}
}

// backoff returns base * 2^shift, capped at max.
func backoff(shift int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < shift; i++ {
		d *= 2
		if d > max {
			return max
		}
	}
	return d
}

// recordSuccess clears the record for ip after a completed login.
func (rl *ipRateLimiter) recordSuccess(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// sweep removes expired records. Call periodically from a background goroutine.
func (rl *ipRateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(rl.attempts, ip)
		}
	}
}

// SweepRateLimits drops expired rate-limit records. The server calls it
// on a ticker.
func (a *API) SweepRateLimits() {
	a.ipLimiter.sweep()
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many failed login attempts; try again later")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// extractClientIP returns the client IP for rate limiting using the API's
// configured trusted proxies.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// if the request's RemoteAddr falls within one of trustedProxies. With no
// trusted proxies RemoteAddr is always used.
//
// Forwarding chains are read right to left and the first hop that is not a
// trusted proxy wins; anything left of it was supplied by the client.
//
// Priority when proxy headers are trusted:
// 1. X-Forwarded-For
// 2. Forwarded "for=" values
// 3. X-Real-IP
// 4. RemoteAddr
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)
	if remoteIP == "" || !peerTrusted(remoteIP, trustedProxies) {
		return remoteIP
	}

	var hops []string
	for _, line := range r.Header.Values("X-Forwarded-For") {
		for _, part := range strings.Split(line, ",") {
			if ip, ok := parseIPCandidate(part); ok {
				hops = append(hops, ip)
			}
		}
	}
	if ip, ok := rightmostUntrusted(hops, trustedProxies); ok {
		return ip
	}

	hops = hops[:0]
	for _, line := range r.Header.Values("Forwarded") {
		for _, elem := range strings.Split(line, ",") {
			for _, param := range strings.Split(elem, ";") {
				param = strings.TrimSpace(param)
				if !strings.HasPrefix(strings.ToLower(param), "for=") {
					continue
				}
				if ip, ok := parseIPCandidate(param[4:]); ok {
					hops = append(hops, ip)
				}
			}
		}
	}
	if ip, ok := rightmostUntrusted(hops, trustedProxies); ok {
		return ip
	}

	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		if ip, ok := parseIPCandidate(xrip); ok {
			return ip
		}
	}
	return remoteIP
}

// rightmostUntrusted returns the last hop that is not a trusted proxy, or
// the first hop when every one of them is trusted.
func rightmostUntrusted(hops []string, trustedProxies []netip.Prefix) (string, bool) {
	if len(hops) == 0 {
		return "", false
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !peerTrusted(hops[i], trustedProxies) {
			return hops[i], true
		}
	}
	return hops[0], true
}

// ParseTrustedProxies parses CIDR ranges for WithTrustedProxies. A bare
// address is treated as a single-host prefix.
func ParseTrustedProxies(cidrs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if p, err := netip.ParsePrefix(raw); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func peerTrusted(ip string, trustedProxies []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, prefix := range trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	return "", false
}

package middleware

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"billing-gateways/internal/auth"
	"billing-gateways/internal/utils"

	"golang.org/x/time/rate"
)

type tier struct {
	name  string
	limit rate.Limit
	burst int
}

var (
	tierStrict   = tier{name: "strict", limit: 2, burst: 5}
	tierGeneral  = tier{name: "general", limit: 10, burst: 20}
	tierStaff    = tier{name: "staff", limit: 20, burst: 40}
	tierInternal = tier{name: "internal", limit: 100, burst: 200}
)

const bucketIdle = 3 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller and tier. Anonymous callers
// are keyed on the connection address; forwarding headers count only when
// the connection comes from a trusted proxy.
type RateLimiter struct {
	internalKey string
	trusted     []netip.Prefix

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

func NewRateLimiter(internalKey string, trustedProxies []netip.Prefix) *RateLimiter {
	return &RateLimiter{
		internalKey: internalKey,
		trusted:     trustedProxies,
		buckets:     map[string]*bucket{},
		now:         time.Now,
	}
}

// ParseTrustedProxies reads CIDRs or bare addresses.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if !strings.Contains(e, "/") {
			addr, err := netip.ParseAddr(e)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := l.tierFor(r)
		if !l.allow(l.identity(r)+":"+t.name, t) {
			utils.WriteJSONError(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) tierFor(r *http.Request) tier {
	switch {
	case l.internalKey != "" && r.Header.Get("X-Service-Auth") == l.internalKey:
		return tierInternal
	case strings.HasSuffix(r.URL.Path, "/action/callback"):
		return tierStrict
	case strings.HasPrefix(r.URL.Path, "/staffapi/"):
		return tierStaff
	default:
		return tierGeneral
	}
}

func (l *RateLimiter) identity(r *http.Request) string {
	if u, ok := auth.UserFrom(r.Context()); ok {
		return fmt.Sprintf("user:%d", u.ID)
	}
	return "ip:" + l.callerIP(r)
}

// callerIP is the connection address, or the nearest untrusted hop of
// X-Forwarded-For when the connection is a trusted proxy.
func (l *RateLimiter) callerIP(r *http.Request) string {
	remote := utils.RemoteIP(r)
	if !l.isTrusted(remote) {
		return remote
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !l.isTrusted(hop) {
			return hop
		}
	}
	return remote
}

func (l *RateLimiter) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (l *RateLimiter) allow(key string, t tier) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > time.Minute {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > bucketIdle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(t.limit, t.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}

package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorIdleTimeout = 10 * time.Minute
	visitorSweepFloor  = 1024
)

// Limit is the per-client budget for one route class.
type Limit struct {
	PerMinute float64
	Burst     int
}

// RateLimiter applies per-client token buckets keyed by route class. Clients
// are identified by API key when present, falling back to remote IP.
type RateLimiter struct {
	log    *slog.Logger
	limits map[string]Limit

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(limits map[string]Limit, log *slog.Logger) *RateLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RateLimiter{
		log:      log,
		limits:   limits,
		visitors: make(map[string]*visitor),
	}
}

// Middleware limits requests for the named route class. Classes without a
// configured limit pass through untouched.
func (rl *RateLimiter) Middleware(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit, ok := rl.limits[class]
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			id := class + "|" + clientIdentity(r)
			if !rl.limiterFor(id, limit).Allow() {
				rl.log.Warn("gateway request rate limited", "class", class)
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) limiterFor(id string, cfg Limit) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	if len(rl.visitors) > visitorSweepFloor {
		for key, v := range rl.visitors {
			if now.Sub(v.lastSeen) > visitorIdleTimeout {
				delete(rl.visitors, key)
			}
		}
	}
	if v, ok := rl.visitors[id]; ok {
		v.lastSeen = now
		return v.limiter
	}
	perSecond := cfg.PerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	v := &visitor{limiter: rate.NewLimiter(rate.Limit(perSecond), burst), lastSeen: now}
	rl.visitors[id] = v
	return v.limiter
}

func clientIdentity(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-Api-Key")); key != "" {
		return "key:" + key
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		first := fwd
		if comma := strings.IndexByte(fwd, ','); comma >= 0 {
			first = fwd[:comma]
		}
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return "ip:" + ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

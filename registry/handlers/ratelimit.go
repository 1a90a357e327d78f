package handlers

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/GhostKellz/ghostdock/registry/auth"
)

// limiterPool hands out one token bucket per client. Authenticated clients
// are keyed by user name, anonymous ones by remote address.
type limiterPool struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	rps   rate.Limit
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	return &limiterPool{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (lp *limiterPool) get(key string) *rate.Limiter {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	l, ok := lp.limiters[key]
	if !ok {
		l = rate.NewLimiter(lp.rps, lp.burst)
		lp.limiters[key] = l
	}
	return l
}

// allow reports whether the request fits the client's budget.
func (lp *limiterPool) allow(p auth.Principal, r *http.Request) bool {
	return lp.get(clientKey(p, r)).Allow()
}

func clientKey(p auth.Principal, r *http.Request) string {
	if p.Kind != auth.KindAnonymous && p.Name != "" {
		return "user:" + p.Name
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	admissionSweepInterval = time.Minute
	admissionIdleTTL       = 3 * time.Minute
)

type admissionEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// admission throttles websocket upgrades per client IP with a token bucket. A zero rate
// disables it.
type admission struct {
	limit   rate.Limit
	burst   int
	clients map[string]*admissionEntry
	mu      sync.Mutex
	stop    chan struct{}
	once    sync.Once
}

func newAdmission(perSecond float64, burst int) *admission {
	a := &admission{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		clients: make(map[string]*admissionEntry),
		stop:    make(chan struct{}),
	}
	if a.enabled() {
		go a.sweepLoop()
	}
	return a
}

func (a *admission) enabled() bool {
	return a.limit > 0 && a.burst > 0
}

func (a *admission) allow(ip string) bool {
	if !a.enabled() {
		return true
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.clients[ip]
	if !ok {
		e = &admissionEntry{limiter: rate.NewLimiter(a.limit, a.burst)}
		a.clients[ip] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

func (a *admission) sweep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for ip, e := range a.clients {
		if now.Sub(e.lastSeen) > admissionIdleTTL {
			delete(a.clients, ip)
			removed++
		}
	}
	return removed
}

func (a *admission) sweepLoop() {
	ticker := time.NewTicker(admissionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case now := <-ticker.C:
			a.sweep(now)
		}
	}
}

func (a *admission) close() {
	a.once.Do(func() { close(a.stop) })
}

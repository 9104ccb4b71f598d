package network

import (
	"net"
	"sync"
	"time"
)

// admission decides whether a freshly accepted connection may join.
type admission struct {
	maxPeers int
	rate     *rateTracker
}

func newAdmission(opts Options) *admission {
	a := &admission{maxPeers: opts.MaxPeers}
	if opts.ConnectRatePerIP > 0 {
		a.rate = newRateTracker(opts.ConnectRatePerIP)
	}
	return a
}

// allow returns "" when the connection is admitted, otherwise the reason.
func (a *admission) allow(addr net.Addr, current int) string {
	if a.rate != nil && !a.rate.allow(extractIP(addr)) {
		return "connect rate exceeded"
	}
	if a.maxPeers > 0 && current >= a.maxPeers {
		return "max peers reached"
	}
	return ""
}

// rateTracker tracks per-IP request counts within a rolling second window.
type rateTracker struct {
	mu        sync.Mutex
	counts    map[string]*rateBucket
	maxPerSec int
	now       func() time.Time
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

func newRateTracker(maxPerSec int) *rateTracker {
	return &rateTracker{
		counts:    make(map[string]*rateBucket),
		maxPerSec: maxPerSec,
		now:       time.Now,
	}
}

func (rt *rateTracker) allow(ip string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.now()
	b, exists := rt.counts[ip]
	if !exists || now.Sub(b.windowStart) >= time.Second {
		rt.counts[ip] = &rateBucket{count: 1, windowStart: now}
		rt.prune(now)
		return true
	}

	b.count++
	return b.count <= rt.maxPerSec
}

// prune drops buckets idle for over a minute so the map stays bounded.
func (rt *rateTracker) prune(now time.Time) {
	for ip, b := range rt.counts {
		if now.Sub(b.windowStart) > time.Minute {
			delete(rt.counts, ip)
		}
	}
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

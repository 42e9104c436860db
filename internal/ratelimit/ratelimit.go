package ratelimit

import (
	"sync"
	"time"
)

// pruneInterval is how often idle IPs are dropped from the table.
const pruneInterval = time.Minute

// IPLimiter tracks request counts per IP within a sliding window. Used to
// bound WebSocket upgrade attempts per client address.
type IPLimiter struct {
	mu       sync.Mutex
	entries  map[string][]time.Time
	max      int
	window   time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewIPLimiter creates an IPLimiter allowing max requests per window. Idle
// IPs are pruned in the background until Close is called.
func NewIPLimiter(max int, window time.Duration) *IPLimiter {
	l := &IPLimiter{
		entries: make(map[string][]time.Time),
		max:     max,
		window:  window,
		stop:    make(chan struct{}),
	}
	go l.pruneLoop()
	return l
}

// Allow returns true if the IP has not exceeded the rate limit. If allowed,
// the request is recorded.
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	timestamps := l.entries[ip]
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= l.max {
		l.entries[ip] = valid
		return false
	}

	l.entries[ip] = append(valid, now)
	return true
}

// Prune drops IPs whose every recorded request has aged out of the window,
// so the map does not grow with the set of addresses ever seen.
func (l *IPLimiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.window)
	for ip, timestamps := range l.entries {
		live := false
		for _, t := range timestamps {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.entries, ip)
		}
	}
}

// Size returns the number of tracked IPs.
func (l *IPLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close stops the background prune.
func (l *IPLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *IPLimiter) pruneLoop() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

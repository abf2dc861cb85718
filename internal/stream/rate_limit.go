package stream

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// streamLimiter caps open event streams globally and per client IP.
type streamLimiter struct {
	global   *semaphore.Weighted
	maxPerIP int

	mu    sync.Mutex
	perIP map[string]int
}

func newStreamLimiter(maxPerIP, maxTotal int) *streamLimiter {
	return &streamLimiter{
		global:   semaphore.NewWeighted(int64(maxTotal)),
		maxPerIP: maxPerIP,
		perIP:    make(map[string]int),
	}
}

// acquire reserves a stream slot for ip. The returned release func frees it
// and is safe to call more than once.
func (l *streamLimiter) acquire(ip string) (release func(), ok bool) {
	l.mu.Lock()
	if l.perIP[ip] >= l.maxPerIP {
		l.mu.Unlock()
		return nil, false
	}
	if !l.global.TryAcquire(1) {
		l.mu.Unlock()
		return nil, false
	}
	l.perIP[ip]++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.perIP[ip]--; l.perIP[ip] <= 0 {
				delete(l.perIP, ip)
			}
			l.mu.Unlock()
			l.global.Release(1)
		})
	}, true
}

// count returns the number of open streams for ip.
func (l *streamLimiter) count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perIP[ip]
}

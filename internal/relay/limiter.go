package relay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// senderLimiter hands out one token bucket per sending user.
type senderLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	senders map[string]*sender
}

type sender struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newSenderLimiter(perSecond float64, burst int) *senderLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &senderLimiter{
		rps:     rate.Limit(perSecond),
		burst:   burst,
		senders: make(map[string]*sender),
	}
}

func (l *senderLimiter) allow(userID string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.senders[userID]
	if !ok {
		s = &sender{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.senders[userID] = s
	}
	s.lastSeen = now
	return s.limiter.AllowN(now, 1)
}

// forget drops buckets idle since before cutoff.
func (l *senderLimiter) forget(cutoff time.Time) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, s := range l.senders {
		if s.lastSeen.Before(cutoff) {
			delete(l.senders, id)
		}
	}
}

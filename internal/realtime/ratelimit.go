package realtime

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const rateLimitWindow = time.Second

// RateLimitConfig carries the throttle thresholds. A zero or negative value
// disables the corresponding limit: absence of configuration fails open for
// availability, never closed.
type RateLimitConfig struct {
	MessagesPerSecond  int
	ConnectionsPerIP   int
	ConnectionsPerUser int
}

// RateLimitDecision is the outcome of charging one message against a bucket.
type RateLimitDecision struct {
	Allowed   bool
	Remaining int
	Warning   bool
}

type rateBucket struct {
	count     int
	resetTime time.Time
}

// RateLimiter enforces a per-connection sliding-window message throttle and
// per-IP / per-identity connection caps. Message charging happens on every
// inbound frame; connection caps are checked once at handshake time.
type RateLimiter struct {
	mu              sync.Mutex
	config          RateLimitConfig
	clock           func() time.Time
	buckets         map[string]*rateBucket
	ipConnections   map[string]int
	userConnections map[string]int
}

// NewRateLimiter constructs a limiter with the provided thresholds.
func NewRateLimiter(config RateLimitConfig, clock func() time.Time) *RateLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{
		config:          config,
		clock:           clock,
		buckets:         make(map[string]*rateBucket),
		ipConnections:   make(map[string]int),
		userConnections: make(map[string]int),
	}
}

// AllowMessage charges one message against the connection's window. Exactly
// MessagesPerSecond messages pass within a window; the next is denied without
// advancing the counter further. The warning flag is raised once the
// remaining budget drops under 20% of the limit.
func (l *RateLimiter) AllowMessage(connectionID string) RateLimitDecision {
	limit := l.config.MessagesPerSecond
	if limit <= 0 {
		return RateLimitDecision{Allowed: true, Remaining: math.MaxInt}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	bucket, ok := l.buckets[connectionID]
	if !ok {
		bucket = &rateBucket{}
		l.buckets[connectionID] = bucket
	}
	if !now.Before(bucket.resetTime) {
		bucket.count = 0
		bucket.resetTime = now.Add(rateLimitWindow)
	}

	if bucket.count >= limit {
		return RateLimitDecision{Allowed: false, Remaining: 0}
	}
	bucket.count++
	remaining := limit - bucket.count
	return RateLimitDecision{
		Allowed:   true,
		Remaining: remaining,
		Warning:   remaining*5 < limit,
	}
}

// ReleaseBucket drops the window state for a closed connection.
func (l *RateLimiter) ReleaseBucket(connectionID string) {
	l.mu.Lock()
	delete(l.buckets, connectionID)
	l.mu.Unlock()
}

// AcquireConnection reserves a connection slot for the source IP and
// identity, or returns a CONNECTION_LIMIT_EXCEEDED error when either cap is
// reached. A successful acquire must be paired with ReleaseConnection.
func (l *RateLimiter) AcquireConnection(sourceIP, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config.ConnectionsPerIP > 0 && l.ipConnections[sourceIP] >= l.config.ConnectionsPerIP {
		return NewError(CodeConnectionLimitExceeded,
			fmt.Sprintf("connection limit reached for address %s", sourceIP))
	}
	if l.config.ConnectionsPerUser > 0 && l.userConnections[userID] >= l.config.ConnectionsPerUser {
		return NewError(CodeConnectionLimitExceeded,
			fmt.Sprintf("connection limit reached for user %s", userID))
	}

	l.ipConnections[sourceIP]++
	l.userConnections[userID]++
	return nil
}

// ReleaseConnection returns the slots reserved by AcquireConnection.
func (l *RateLimiter) ReleaseConnection(sourceIP, userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.ipConnections[sourceIP]; count <= 1 {
		delete(l.ipConnections, sourceIP)
	} else {
		l.ipConnections[sourceIP] = count - 1
	}
	if count := l.userConnections[userID]; count <= 1 {
		delete(l.userConnections, userID)
	} else {
		l.userConnections[userID] = count - 1
	}
}

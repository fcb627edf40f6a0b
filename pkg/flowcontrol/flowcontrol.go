// Package flowcontrol implements per-stream and per-connection backpressure:
// pending-message and unacked-token counters, ack/inference timeouts, and a
// bounded connection pool. All counters are atomic; no lock is held across
// Backend I/O (SPEC_FULL.md §4.E/§5).
package flowcontrol

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/modelcore/runtime/pkg/config"
	"github.com/modelcore/runtime/pkg/coreerrors"
)

const op = "FlowControl"

// BackpressureLevel classifies how close a stream is to its pending-message
// ceiling.
type BackpressureLevel string

const (
	Healthy  BackpressureLevel = "healthy"
	Moderate BackpressureLevel = "moderate"
	Critical BackpressureLevel = "critical"
)

// StreamFlowControl tracks one stream's pending-message and unacked-token
// counters plus ack/inference timing, per SPEC_FULL.md §4.E.
type StreamFlowControl struct {
	cfg config.FlowControlConfig

	pending  int64
	unacked  int64

	mu           sync.Mutex
	lastAckAt    time.Time
	streamStartAt time.Time

	keepalive *rate.Limiter
}

// New constructs a StreamFlowControl for a freshly-started stream. cfg must
// already have Defaults() applied.
func New(cfg config.FlowControlConfig) *StreamFlowControl {
	now := time.Now()
	interval := time.Duration(cfg.KeepaliveSeconds) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	return &StreamFlowControl{
		cfg:           cfg,
		lastAckAt:     now,
		streamStartAt: now,
		keepalive:     rate.NewLimiter(rate.Every(interval), 1),
	}
}

// AllowKeepalive reports whether a keepalive ping may be sent now, pacing
// the stream to at most one ping per keepalive_seconds (token-bucket,
// burst 1: a ping skipped while the stream was busy does not permit a
// double-send once it goes idle again).
func (f *StreamFlowControl) AllowKeepalive() bool {
	return f.keepalive.Allow()
}

// CheckBackpressure classifies current pending load against the configured
// moderate/critical thresholds (fractions of max_pending_messages).
func (f *StreamFlowControl) CheckBackpressure() BackpressureLevel {
	pending := atomic.LoadInt64(&f.pending)
	max := int64(f.cfg.MaxPendingMessages)
	if max <= 0 {
		return Healthy
	}
	moderateAt := int64(float64(max) * f.cfg.ModerateThreshold)
	criticalAt := int64(float64(max) * f.cfg.CriticalThreshold)
	switch {
	case pending >= criticalAt:
		return Critical
	case pending >= moderateAt:
		return Moderate
	default:
		return Healthy
	}
}

// AddMessage atomically increments pending; if the result exceeds
// max_pending_messages, it rolls back and returns a Backpressure error.
func (f *StreamFlowControl) AddMessage() error {
	if atomic.AddInt64(&f.pending, 1) > int64(f.cfg.MaxPendingMessages) {
		atomic.AddInt64(&f.pending, -1)
		return coreerrors.New(coreerrors.Backpressure, op+".add_message", "max_pending_messages exceeded")
	}
	return nil
}

// MessageSent decrements pending after a message has been delivered.
func (f *StreamFlowControl) MessageSent() {
	if atomic.AddInt64(&f.pending, -1) < 0 {
		atomic.StoreInt64(&f.pending, 0)
	}
}

// PendingMessages returns the current pending-message count.
func (f *StreamFlowControl) PendingMessages() int64 {
	return atomic.LoadInt64(&f.pending)
}

// AddTokens atomically increments unacked by n; if the result exceeds
// max_unacked_tokens, it rolls back and returns a Backpressure error.
func (f *StreamFlowControl) AddTokens(n int64) error {
	if atomic.AddInt64(&f.unacked, n) > f.cfg.MaxUnackedTokens {
		atomic.AddInt64(&f.unacked, -n)
		return coreerrors.New(coreerrors.Backpressure, op+".add_tokens", "max_unacked_tokens exceeded")
	}
	return nil
}

// AckTokens decrements unacked by min(n, current) and refreshes last_ack_at.
func (f *StreamFlowControl) AckTokens(n int64) {
	for {
		cur := atomic.LoadInt64(&f.unacked)
		dec := n
		if dec > cur {
			dec = cur
		}
		if atomic.CompareAndSwapInt64(&f.unacked, cur, cur-dec) {
			break
		}
	}
	f.mu.Lock()
	f.lastAckAt = time.Now()
	f.mu.Unlock()
}

// UnackedTokens returns the current unacked-token count.
func (f *StreamFlowControl) UnackedTokens() int64 {
	return atomic.LoadInt64(&f.unacked)
}

// IsAckTimeout reports whether longer than ack_timeout has elapsed since
// the last successful AckTokens call.
func (f *StreamFlowControl) IsAckTimeout() bool {
	f.mu.Lock()
	last := f.lastAckAt
	f.mu.Unlock()
	return time.Since(last) > time.Duration(f.cfg.AckTimeoutSeconds)*time.Second
}

// IsInferenceTimeout reports whether longer than inference_timeout has
// elapsed since the stream started.
func (f *StreamFlowControl) IsInferenceTimeout() bool {
	f.mu.Lock()
	start := f.streamStartAt
	f.mu.Unlock()
	return time.Since(start) > time.Duration(f.cfg.InferenceTimeoutSeconds)*time.Second
}

// Guard releases one ConnectionPool slot exactly once, on its first Release
// call, regardless of the exit path (normal return, panic recover, early
// error return).
type Guard struct {
	release func()
	once    sync.Once
}

// Release returns the connection slot to the pool. Safe to call more than
// once or to defer unconditionally.
func (g *Guard) Release() {
	g.once.Do(g.release)
}

// ConnectionPool bounds the number of concurrently active connections.
type ConnectionPool struct {
	max     int64
	active  int64
	limiter *rate.Limiter
}

// NewConnectionPool constructs a pool with the given capacity and no
// admission pacing.
func NewConnectionPool(maxConnections int) *ConnectionPool {
	return &ConnectionPool{max: int64(maxConnections)}
}

// NewConnectionPoolFromConfig constructs a pool sized from
// max_connections, additionally pacing new acquisitions to max_connections
// per second (burst max_connections) so a reconnect storm fills the pool
// gradually instead of in one tick.
func NewConnectionPoolFromConfig(cfg config.FlowControlConfig) *ConnectionPool {
	max := cfg.MaxConnections
	if max <= 0 {
		max = 1
	}
	return &ConnectionPool{
		max:     int64(max),
		limiter: rate.NewLimiter(rate.Limit(max), max),
	}
}

// Acquire reserves one slot, returning a Guard that releases it. It fails
// immediately (no blocking) when the pool is saturated or, for a
// pacing-enabled pool, when the admission rate has been exceeded.
func (p *ConnectionPool) Acquire() (*Guard, error) {
	if p.limiter != nil && !p.limiter.Allow() {
		return nil, coreerrors.New(coreerrors.Backpressure, op+".ConnectionPool.acquire", "connection admission rate exceeded")
	}
	for {
		cur := atomic.LoadInt64(&p.active)
		if cur >= p.max {
			return nil, coreerrors.New(coreerrors.Resource, op+".ConnectionPool.acquire", "connection pool saturated")
		}
		if atomic.CompareAndSwapInt64(&p.active, cur, cur+1) {
			break
		}
	}
	return &Guard{release: func() { atomic.AddInt64(&p.active, -1) }}, nil
}

// Active returns the current number of acquired connections.
func (p *ConnectionPool) Active() int64 {
	return atomic.LoadInt64(&p.active)
}

// UtilizationPercent returns active*100/max.
func (p *ConnectionPool) UtilizationPercent() float64 {
	if p.max == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&p.active)) * 100 / float64(p.max)
}

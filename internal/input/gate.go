package input

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wormy/broker/internal/logging"
)

// Clock exposes the current time for rate limiting decisions.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config bounds the inbound message rate of a single connection.
type Config struct {
	Rate  float64
	Burst int
}

// DropReason enumerates why an inbound message was discarded.
type DropReason string

const (
	DropReasonNone         DropReason = ""
	DropReasonRateLimited  DropReason = "rate_limit"
	DropReasonUnauthorized DropReason = "unauthorized"
	DropReasonWindow       DropReason = "window"
	DropReasonMalformed    DropReason = "malformed"
	DropReasonCooldown     DropReason = "cooldown"
	DropReasonFull         DropReason = "full"
	DropReasonSpawn        DropReason = "spawn"
)

// String returns the textual representation of the drop reason.
func (r DropReason) String() string { return string(r) }

// Decision summarises whether a message may be processed.
type Decision struct {
	Accepted bool
	Reason   DropReason
}

// DropCounters aggregates per-reason drop counts.
type DropCounters struct {
	RateLimited  uint64 `json:"rate_limited"`
	Unauthorized uint64 `json:"unauthorized"`
	Window       uint64 `json:"window"`
	Malformed    uint64 `json:"malformed"`
	Cooldown     uint64 `json:"cooldown"`
	Full         uint64 `json:"full"`
	Spawn        uint64 `json:"spawn"`
}

func (c *DropCounters) add(reason DropReason) {
	switch reason {
	case DropReasonRateLimited:
		c.RateLimited++
	case DropReasonUnauthorized:
		c.Unauthorized++
	case DropReasonWindow:
		c.Window++
	case DropReasonMalformed:
		c.Malformed++
	case DropReasonCooldown:
		c.Cooldown++
	case DropReasonFull:
		c.Full++
	case DropReasonSpawn:
		c.Spawn++
	}
}

// Total sums every counter.
func (c DropCounters) Total() uint64 {
	return c.RateLimited + c.Unauthorized + c.Window + c.Malformed + c.Cooldown + c.Full + c.Spawn
}

// Metrics stores per-client drop counters and lifetime totals.
type Metrics struct {
	mu     sync.RWMutex
	drops  map[string]DropCounters
	totals DropCounters
}

func newMetrics() *Metrics {
	return &Metrics{drops: make(map[string]DropCounters)}
}

func (m *Metrics) observe(clientID string, reason DropReason) {
	if m == nil || reason == DropReasonNone {
		return
	}
	m.mu.Lock()
	m.totals.add(reason)
	if clientID != "" {
		current := m.drops[clientID]
		current.add(reason)
		m.drops[clientID] = current
	}
	m.mu.Unlock()
}

func (m *Metrics) snapshot() map[string]DropCounters {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.drops) == 0 {
		return nil
	}
	clone := make(map[string]DropCounters, len(m.drops))
	for clientID, counters := range m.drops {
		clone[clientID] = counters
	}
	return clone
}

func (m *Metrics) forget(clientID string) {
	if m == nil || clientID == "" {
		return
	}
	m.mu.Lock()
	delete(m.drops, clientID)
	m.mu.Unlock()
}

// Gate throttles inbound messages per connection and counts every drop the
// broker makes, whatever component decided it.
type Gate struct {
	mu       sync.Mutex
	cfg      Config
	clock    Clock
	logger   *logging.Logger
	metrics  *Metrics
	limiters map[string]*rate.Limiter
}

// Option customises gate construction.
type Option func(*Gate)

// WithClock overrides the clock used for rate decisions.
func WithClock(clock Clock) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGate constructs a gate. A non-positive rate disables throttling.
func NewGate(cfg Config, logger *logging.Logger, opts ...Option) *Gate {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	gate := &Gate{
		cfg:      cfg,
		clock:    systemClock{},
		logger:   logger,
		metrics:  newMetrics(),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}
	return gate
}

// Allow spends one token from the client's bucket.
func (g *Gate) Allow(clientID string) Decision {
	if g == nil || clientID == "" || g.cfg.Rate <= 0 {
		return Decision{Accepted: true}
	}
	now := g.clock.Now()
	g.mu.Lock()
	limiter := g.limiters[clientID]
	if limiter == nil {
		//1.- New clients start with a full bucket.
		limiter = rate.NewLimiter(rate.Limit(g.cfg.Rate), g.cfg.Burst)
		g.limiters[clientID] = limiter
	}
	allowed := limiter.AllowN(now, 1)
	g.mu.Unlock()
	if allowed {
		return Decision{Accepted: true}
	}
	g.metrics.observe(clientID, DropReasonRateLimited)
	return Decision{Accepted: false, Reason: DropReasonRateLimited}
}

// Record counts a drop decided elsewhere, such as a window rejection.
func (g *Gate) Record(clientID string, reason DropReason) {
	if g == nil {
		return
	}
	g.metrics.observe(clientID, reason)
	g.logger.Debug("inbound message dropped", logging.String("client_id", clientID), logging.String("reason", reason.String()))
}

// Forget clears the limiter and counters of a disconnected client.
func (g *Gate) Forget(clientID string) {
	if g == nil || clientID == "" {
		return
	}
	g.mu.Lock()
	delete(g.limiters, clientID)
	g.mu.Unlock()
	g.metrics.forget(clientID)
}

// Metrics returns a snapshot of the per-client drop counters.
func (g *Gate) Metrics() map[string]DropCounters {
	if g == nil {
		return nil
	}
	return g.metrics.snapshot()
}

// Totals returns lifetime drop counts across every client.
func (g *Gate) Totals() DropCounters {
	if g == nil {
		return DropCounters{}
	}
	g.metrics.mu.RLock()
	defer g.metrics.mu.RUnlock()
	return g.metrics.totals
}

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	slidingWindow       = time.Minute
	firstViolationHold  = 10 * time.Second
	secondViolationHold = time.Minute
	attemptBlockPeriod  = 5 * time.Minute
	sweepInterval       = 5 * time.Minute
	historyRetention    = time.Hour
)

// Config captures the shared rate limiting thresholds.
type Config struct {
	MaxMessagesPerMinute     int
	MaxConnectionsPerAddress int
	BurstAllowance           int
	CooldownPeriod           time.Duration
	Clock                    func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxMessagesPerMinute <= 0 {
		c.MaxMessagesPerMinute = 60
	}
	if c.MaxConnectionsPerAddress <= 0 {
		c.MaxConnectionsPerAddress = 10
	}
	if c.BurstAllowance <= 0 {
		c.BurstAllowance = 10
	}
	if c.CooldownPeriod <= 0 {
		c.CooldownPeriod = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// MessageLimiter enforces a sliding-window message rate per connection with
// progressive cooldown penalties on repeated violations.
type MessageLimiter struct {
	mu         sync.Mutex
	config     Config
	clock      func() time.Time
	timestamps map[string][]time.Time
	violations map[string]int
	cooldowns  map[string]time.Time
}

// NewMessageLimiter constructs a message limiter from config.
func NewMessageLimiter(cfg Config) *MessageLimiter {
	cfg = cfg.withDefaults()
	return &MessageLimiter{
		config:     cfg,
		clock:      cfg.Clock,
		timestamps: make(map[string][]time.Time),
		violations: make(map[string]int),
		cooldowns:  make(map[string]time.Time),
	}
}

// Allow reports whether the connection may send another message. When the
// check fails the returned reason carries the remaining cooldown so callers
// can forward it to the client.
func (l *MessageLimiter) Allow(connectionID string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()

	if until, ok := l.cooldowns[connectionID]; ok {
		if now.Before(until) {
			remaining := int(until.Sub(now).Seconds())
			return false, fmt.Sprintf("Rate limited. Cooldown for %ds", remaining)
		}
		delete(l.cooldowns, connectionID)
	}

	recent := pruneBefore(l.timestamps[connectionID], now.Add(-slidingWindow))
	l.timestamps[connectionID] = recent

	if len(recent) >= l.config.MaxMessagesPerMinute {
		l.violations[connectionID]++
		switch violations := l.violations[connectionID]; {
		case violations >= 3:
			l.cooldowns[connectionID] = now.Add(l.config.CooldownPeriod)
			return false, fmt.Sprintf("Too many violations. Cooldown for %ds", int(l.config.CooldownPeriod.Seconds()))
		case violations == 2:
			l.cooldowns[connectionID] = now.Add(secondViolationHold)
			return false, "Rate limited. Cooldown for 60s"
		default:
			l.cooldowns[connectionID] = now.Add(firstViolationHold)
			return false, "Rate limited. Cooldown for 10s"
		}
	}

	// A successful check after a cooldown clears the violation history.
	l.violations[connectionID] = 0
	l.timestamps[connectionID] = append(recent, now)
	return true, ""
}

// Forget drops all state for a connection.
func (l *MessageLimiter) Forget(connectionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.timestamps, connectionID)
	delete(l.violations, connectionID)
	delete(l.cooldowns, connectionID)
}

func (l *MessageLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-historyRetention)
	for connectionID, stamps := range l.timestamps {
		remaining := pruneBefore(stamps, cutoff)
		if len(remaining) == 0 {
			delete(l.timestamps, connectionID)
			continue
		}
		l.timestamps[connectionID] = remaining
	}
	for connectionID, until := range l.cooldowns {
		if now.After(until) {
			delete(l.cooldowns, connectionID)
		}
	}
}

// ConnectionLimiter bounds concurrent connections and connection attempts per
// source address. Addresses exceeding twice the concurrent cap in attempts per
// minute are blocked outright for five minutes.
type ConnectionLimiter struct {
	mu          sync.Mutex
	config      Config
	clock       func() time.Time
	connections map[string]map[string]struct{}
	attempts    map[string][]time.Time
	blocked     map[string]time.Time
}

// NewConnectionLimiter constructs a connection limiter from config.
func NewConnectionLimiter(cfg Config) *ConnectionLimiter {
	cfg = cfg.withDefaults()
	return &ConnectionLimiter{
		config:      cfg,
		clock:       cfg.Clock,
		connections: make(map[string]map[string]struct{}),
		attempts:    make(map[string][]time.Time),
		blocked:     make(map[string]time.Time),
	}
}

// Allow reports whether the source address may open another connection and
// registers the attempt and the connection slot on success.
func (l *ConnectionLimiter) Allow(address, connectionID string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()

	if until, ok := l.blocked[address]; ok {
		if now.Before(until) {
			remaining := int(until.Sub(now).Seconds())
			return false, fmt.Sprintf("Address blocked. Unblocked in %ds", remaining)
		}
		delete(l.blocked, address)
	}

	recent := pruneBefore(l.attempts[address], now.Add(-slidingWindow))
	l.attempts[address] = recent

	if len(recent) >= l.config.MaxConnectionsPerAddress*2 {
		l.blocked[address] = now.Add(attemptBlockPeriod)
		return false, "Too many connection attempts. Address blocked for 5 minutes"
	}

	if len(l.connections[address]) >= l.config.MaxConnectionsPerAddress {
		return false, fmt.Sprintf("Maximum %d connections per address", l.config.MaxConnectionsPerAddress)
	}

	l.attempts[address] = append(recent, now)
	if l.connections[address] == nil {
		l.connections[address] = make(map[string]struct{})
	}
	l.connections[address][connectionID] = struct{}{}
	return true, ""
}

// OnDisconnect releases the connection slot held by connectionID.
func (l *ConnectionLimiter) OnDisconnect(address, connectionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if slots, ok := l.connections[address]; ok {
		delete(slots, connectionID)
		if len(slots) == 0 {
			delete(l.connections, address)
		}
	}
}

func (l *ConnectionLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-historyRetention)
	for address, stamps := range l.attempts {
		remaining := pruneBefore(stamps, cutoff)
		if len(remaining) == 0 {
			delete(l.attempts, address)
			continue
		}
		l.attempts[address] = remaining
	}
	for address, until := range l.blocked {
		if now.After(until) {
			delete(l.blocked, address)
		}
	}
}

// Manager bundles the message and connection limiters behind one config and
// owns the periodic sweep that bounds memory for idle clients.
type Manager struct {
	Messages    *MessageLimiter
	Connections *ConnectionLimiter
	clock       func() time.Time
	logger      *zap.Logger
}

// NewManager constructs a manager with both limiters sharing cfg.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		Messages:    NewMessageLimiter(cfg),
		Connections: NewConnectionLimiter(cfg),
		clock:       cfg.Clock,
		logger:      logger,
	}
}

// Run sweeps stale rate limiting state every five minutes until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep prunes timestamp history older than one hour and expired cooldowns.
func (m *Manager) Sweep() {
	now := m.clock()
	m.Messages.sweep(now)
	m.Connections.sweep(now)
	m.logger.Debug("rate limiter sweep completed")
}

func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	index := 0
	for index < len(stamps) && stamps[index].Before(cutoff) {
		index++
	}
	if index == 0 {
		return stamps
	}
	remaining := make([]time.Time, len(stamps)-index)
	copy(remaining, stamps[index:])
	return remaining
}

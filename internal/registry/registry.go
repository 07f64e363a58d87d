package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/bounded"
	"go.uber.org/zap"
)

const (
	defaultMaxConnections        = 1000
	defaultMaxMessageSize        = 1 << 20 // 1MB
	defaultHeartbeatInterval     = 30 * time.Second
	defaultSubscribersPerProject = 100
	maxTrackedProjects           = 1000

	connectionTTL = time.Hour
	projectTTL    = 2 * time.Hour
	presenceTTL   = 30 * time.Minute
)

var (
	// ErrCapacityExceeded is returned when the global connection cap is reached.
	ErrCapacityExceeded = errors.New("registry: maximum connections reached")
	// ErrMessageTooLarge is returned when an outbound payload exceeds the size cap.
	ErrMessageTooLarge = errors.New("registry: message exceeds size limit")
	// ErrUnknownConnection is returned for operations on unregistered ids.
	ErrUnknownConnection = errors.New("registry: unknown connection")
)

// Config captures the registry's operating limits.
type Config struct {
	MaxConnections        int
	MaxMessageSize        int
	HeartbeatInterval     time.Duration
	SubscribersPerProject int
	Clock                 func() time.Time
	// OnDisconnect is invoked after a connection has been fully removed, so
	// collaborating components (sessions, rate limiter) can release state.
	OnDisconnect func(connectionID, address string)
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.SubscribersPerProject <= 0 {
		c.SubscribersPerProject = defaultSubscribersPerProject
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Presence is the soft activity state kept per connection.
type Presence struct {
	ProjectID string
	LastSeen  time.Time
	Status    string
}

// Connection is one live transport session owned by the registry.
type Connection struct {
	ID          string
	Address     string
	ConnectedAt time.Time

	transport     Transport
	state         State
	stopHeartbeat chan struct{}
	writeMu       sync.Mutex
}

func (c *Connection) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteJSON(v)
}

// Registry owns all live connections, their presence records, and the
// per-project subscription sets. All maps are bounded so memory stays capped
// regardless of churn.
type Registry struct {
	mu     sync.Mutex
	config Config
	clock  func() time.Time
	logger *zap.Logger

	connections *bounded.TTLMap[string, *Connection]
	subscribers *bounded.TTLMap[string, *bounded.Set[string]]
	presence    *bounded.TTLMap[string, *Presence]
}

// NewRegistry constructs a registry from config.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		config:      cfg,
		clock:       cfg.Clock,
		logger:      logger,
		connections: bounded.NewTTLMapWithClock[string, *Connection](cfg.MaxConnections, connectionTTL, cfg.Clock),
		subscribers: bounded.NewTTLMapWithClock[string, *bounded.Set[string]](maxTrackedProjects, projectTTL, cfg.Clock),
		presence:    bounded.NewTTLMapWithClock[string, *Presence](cfg.MaxConnections, presenceTTL, cfg.Clock),
	}
}

// Register admits an authenticated connection and starts its liveness probe.
// At capacity the transport is closed with a capacity code and
// ErrCapacityExceeded is returned.
func (r *Registry) Register(connectionID, address string, transport Transport) (*Connection, error) {
	r.mu.Lock()
	if r.connections.Len() >= r.config.MaxConnections {
		r.mu.Unlock()
		_ = transport.Close(CloseCapacityExceeded, "Maximum connections reached")
		return nil, ErrCapacityExceeded
	}

	now := r.clock()
	connection := &Connection{
		ID:            connectionID,
		Address:       address,
		ConnectedAt:   now,
		transport:     transport,
		state:         StateActive,
		stopHeartbeat: make(chan struct{}),
	}
	r.connections.Put(connectionID, connection)
	r.presence.Put(connectionID, &Presence{LastSeen: now, Status: "active"})
	r.mu.Unlock()

	go r.heartbeatLoop(connection)

	r.logger.Debug("connection registered",
		zap.String("connection_id", connectionID),
		zap.String("address", address))
	return connection, nil
}

// Disconnect tears the connection down: the liveness probe is stopped before
// any map entry is removed, then the connection leaves the registry, every
// subscriber set, and presence. Calling it twice is a no-op.
func (r *Registry) Disconnect(connectionID string) {
	r.mu.Lock()
	connection, ok := r.connections.Remove(connectionID)
	if !ok || connection.state == StateDisconnected {
		r.mu.Unlock()
		return
	}
	connection.state = StateDisconnected
	close(connection.stopHeartbeat)

	for _, projectID := range r.subscribers.Keys() {
		if set, ok := r.subscribers.Get(projectID); ok {
			set.Discard(connectionID)
		}
	}
	r.presence.Remove(connectionID)
	r.mu.Unlock()

	_ = connection.transport.Close(CloseNormal, "disconnected")

	if r.config.OnDisconnect != nil {
		r.config.OnDisconnect(connectionID, connection.Address)
	}
	r.logger.Debug("connection disconnected", zap.String("connection_id", connectionID))
}

// Subscribe adds the connection to the project's bounded subscriber set and
// points its presence at the project.
func (r *Registry) Subscribe(connectionID, projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connections.Contains(connectionID) {
		return ErrUnknownConnection
	}

	set, ok := r.subscribers.Get(projectID)
	if !ok {
		set = bounded.NewSet[string](r.config.SubscribersPerProject)
		r.subscribers.Put(projectID, set)
	}
	set.Add(connectionID)

	r.presence.Put(connectionID, &Presence{
		ProjectID: projectID,
		LastSeen:  r.clock(),
		Status:    "active",
	})
	return nil
}

// Unsubscribe removes the connection from the project's subscriber set.
func (r *Registry) Unsubscribe(connectionID, projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.subscribers.Get(projectID); ok {
		set.Discard(connectionID)
	}
	if presence, ok := r.presence.Get(connectionID); ok && presence.ProjectID == projectID {
		presence.ProjectID = ""
	}
}

// Touch refreshes the connection's last-seen timestamp.
func (r *Registry) Touch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if presence, ok := r.presence.Get(connectionID); ok {
		presence.LastSeen = r.clock()
		// Re-put so the record's TTL restarts along with last-seen.
		r.presence.Put(connectionID, presence)
	}
}

// Send delivers one envelope to a single connection. Oversize payloads and
// transport failures both tear the connection down; sends are never retried.
func (r *Registry) Send(connectionID string, envelope Envelope) error {
	r.mu.Lock()
	connection, ok := r.connections.Get(connectionID)
	r.mu.Unlock()
	if !ok {
		return ErrUnknownConnection
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("registry: encoding envelope: %w", err)
	}
	if len(payload) > r.config.MaxMessageSize {
		_ = connection.transport.Close(CloseMessageTooBig, "Message too large")
		r.Disconnect(connectionID)
		return ErrMessageTooLarge
	}

	if err := connection.write(envelope); err != nil {
		r.logger.Debug("send failed, disconnecting",
			zap.String("connection_id", connectionID), zap.Error(err))
		r.Disconnect(connectionID)
		return err
	}
	return nil
}

// Broadcast best-effort delivers an envelope to every subscriber of the
// project except excludeConnectionID. Subscribers whose send fails are
// disconnected; partial delivery is expected under churn.
func (r *Registry) Broadcast(projectID, channel string, data any, excludeConnectionID string) {
	r.mu.Lock()
	set, ok := r.subscribers.Get(projectID)
	if !ok {
		r.mu.Unlock()
		return
	}
	// Copy before sending so a disconnect mid-broadcast cannot mutate the
	// set we are walking.
	members := set.Members()
	r.mu.Unlock()

	envelope := Envelope{Channel: channel, Data: data}
	for _, connectionID := range members {
		if connectionID == excludeConnectionID {
			continue
		}
		_ = r.Send(connectionID, envelope)
	}
}

// MaxMessageSize returns the configured payload cap, shared with the inbound
// read limit.
func (r *Registry) MaxMessageSize() int {
	return r.config.MaxMessageSize
}

// ActiveConnections returns the number of live connections.
func (r *Registry) ActiveConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connections.Len()
}

// PresenceFor returns a copy of the connection's presence record.
func (r *Registry) PresenceFor(connectionID string) (Presence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if presence, ok := r.presence.Get(connectionID); ok {
		return *presence, true
	}
	return Presence{}, false
}

// Run sweeps for dead connections every two heartbeat intervals until ctx is
// done. A connection not seen for longer than that is disconnected.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(2 * r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepStale()
		}
	}
}

// SweepStale disconnects every connection whose last-seen timestamp is older
// than twice the heartbeat interval.
func (r *Registry) SweepStale() {
	threshold := 2 * r.config.HeartbeatInterval
	now := r.clock()

	r.mu.Lock()
	stale := make([]string, 0)
	for _, connectionID := range r.presence.Keys() {
		if presence, ok := r.presence.Get(connectionID); ok {
			if now.Sub(presence.LastSeen) > threshold {
				stale = append(stale, connectionID)
			}
		}
	}
	r.mu.Unlock()

	for _, connectionID := range stale {
		r.logger.Info("presence sweep disconnecting stale connection",
			zap.String("connection_id", connectionID))
		r.Disconnect(connectionID)
	}
}

func (r *Registry) heartbeatLoop(connection *Connection) {
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-connection.stopHeartbeat:
			return
		case <-ticker.C:
			envelope := Envelope{
				Channel: "heartbeat",
				Data:    map[string]any{"timestamp": r.clock().UTC().Format(time.RFC3339)},
			}
			if err := connection.write(envelope); err != nil {
				r.logger.Debug("heartbeat failed, disconnecting",
					zap.String("connection_id", connection.ID), zap.Error(err))
				r.Disconnect(connection.ID)
				return
			}
		}
	}
}

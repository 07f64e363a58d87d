package locks

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrLockConflict is returned when a component is already locked and the
	// existing lock does not permit the requested change.
	ErrLockConflict = errors.New("locks: component already locked")
	// ErrNotLocked is returned when releasing a component that holds no lock.
	ErrNotLocked = errors.New("locks: component is not locked")
	// ErrUnknownConflict is returned when resolving a conflict id that does
	// not exist.
	ErrUnknownConflict = errors.New("locks: unknown conflict")
	// ErrInvalidLock is returned for malformed lock requests.
	ErrInvalidLock = errors.New("locks: invalid lock request")
)

// Broadcaster fans an envelope out to every subscriber of a project except the
// originating connection. The registry satisfies this interface.
type Broadcaster interface {
	Broadcast(projectID, channel string, data any, excludeConnectionID string)
}

// Config captures the engine's injectable collaborators.
type Config struct {
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// projectTable is one project's lock state. Each table carries its own mutex
// so contention stays per project.
type projectTable struct {
	mu        sync.Mutex
	locks     map[string]ComponentLock
	conflicts []Conflict
	audit     []AuditEntry
}

// Engine owns all lock and conflict state, keyed by project. Broadcasts are
// emitted after the table mutex is released; engine invariants never depend on
// delivery.
type Engine struct {
	mu          sync.RWMutex
	projects    map[string]*projectTable
	broadcaster Broadcaster
	clock       func() time.Time
	logger      *zap.Logger
}

// NewEngine constructs a lock engine. broadcaster may be nil in tests.
func NewEngine(cfg Config, broadcaster Broadcaster, logger *zap.Logger) *Engine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		projects:    make(map[string]*projectTable),
		broadcaster: broadcaster,
		clock:       cfg.Clock,
		logger:      logger,
	}
}

func (e *Engine) table(projectID string) *projectTable {
	e.mu.RLock()
	table, ok := e.projects[projectID]
	e.mu.RUnlock()
	if ok {
		return table
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if table, ok = e.projects[projectID]; ok {
		return table
	}
	table = &projectTable{locks: make(map[string]ComponentLock)}
	e.projects[projectID] = table
	return table
}

// peek returns the project's table without creating one.
func (e *Engine) peek(projectID string) (*projectTable, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	table, ok := e.projects[projectID]
	return table, ok
}

// Locks returns a snapshot of every lock in the project, keyed by component.
func (e *Engine) Locks(projectID string) map[string]ComponentLock {
	table, ok := e.peek(projectID)
	if !ok {
		return map[string]ComponentLock{}
	}

	table.mu.Lock()
	defer table.mu.Unlock()
	snapshot := make(map[string]ComponentLock, len(table.locks))
	for componentID, lock := range table.locks {
		snapshot[componentID] = lock
	}
	return snapshot
}

// SetLock places or replaces a lock on a component. A component locked by
// someone else can only be replaced when the existing lock permits overrides
// and is not frozen. The originating connection is excluded from the
// broadcast.
func (e *Engine) SetLock(projectID string, requested ComponentLock, userID, originConnectionID string) (ComponentLock, error) {
	if requested.ComponentID == "" {
		return ComponentLock{}, fmt.Errorf("%w: component id is required", ErrInvalidLock)
	}
	if requested.Level == "" {
		requested.Level = LevelSoft
	}
	if !requested.Level.Valid() {
		return ComponentLock{}, fmt.Errorf("%w: unknown level %q", ErrInvalidLock, requested.Level)
	}
	if requested.Type == "" {
		requested.Type = TypePersonal
	}
	if !requested.Type.Valid() {
		return ComponentLock{}, fmt.Errorf("%w: unknown type %q", ErrInvalidLock, requested.Type)
	}

	table := e.table(projectID)

	table.mu.Lock()
	if existing, ok := table.locks[requested.ComponentID]; ok && !existing.overridableBy(userID) {
		table.mu.Unlock()
		return ComponentLock{}, fmt.Errorf("%w: component %s held by %s",
			ErrLockConflict, requested.ComponentID, existing.LockedBy)
	}

	if requested.ID == "" {
		requested.ID = uuid.NewString()
	}
	requested.LockedBy = userID
	requested.LockedAt = e.clock()
	table.locks[requested.ComponentID] = requested
	table.audit = append(table.audit, AuditEntry{
		Action:      "lock",
		ComponentID: requested.ComponentID,
		User:        userID,
		Lock:        &requested,
		Timestamp:   requested.LockedAt,
	})
	table.mu.Unlock()

	e.broadcast(projectID, "locks:"+projectID, map[string]any{
		"action":      "locked",
		"componentId": requested.ComponentID,
		"lock":        requested,
	}, originConnectionID)

	e.logger.Debug("lock set",
		zap.String("project_id", projectID),
		zap.String("component_id", requested.ComponentID),
		zap.String("user_id", userID),
		zap.String("level", string(requested.Level)))
	return requested, nil
}

// Release removes the lock on a component. Releasing an unlocked component is
// an error, as is releasing a lock the user may not override.
func (e *Engine) Release(projectID, componentID, userID, originConnectionID string) error {
	table, ok := e.peek(projectID)
	if !ok {
		return fmt.Errorf("%w: component %s", ErrNotLocked, componentID)
	}

	table.mu.Lock()
	existing, ok := table.locks[componentID]
	if !ok {
		table.mu.Unlock()
		return fmt.Errorf("%w: component %s", ErrNotLocked, componentID)
	}
	if !existing.overridableBy(userID) {
		table.mu.Unlock()
		return fmt.Errorf("%w: component %s held by %s", ErrLockConflict, componentID, existing.LockedBy)
	}
	delete(table.locks, componentID)
	table.audit = append(table.audit, AuditEntry{
		Action:      "unlock",
		ComponentID: componentID,
		User:        userID,
		Timestamp:   e.clock(),
	})
	table.mu.Unlock()

	e.broadcast(projectID, "locks:"+projectID, map[string]any{
		"action":      "released",
		"componentId": componentID,
		"userId":      userID,
	}, originConnectionID)
	return nil
}

// BulkApply runs a batch of operations, collecting one result per component.
// Failures never abort the batch; a single broadcast summarizes the outcome.
func (e *Engine) BulkApply(projectID, userID string, operations []BulkOperation, originConnectionID string) []ComponentResult {
	table := e.table(projectID)
	now := e.clock()

	results := make([]ComponentResult, 0)
	table.mu.Lock()
	for _, operation := range operations {
		for _, componentID := range operation.ComponentIDs {
			results = append(results, e.applyOne(table, operation, componentID, userID, now))
		}
	}
	table.mu.Unlock()

	e.broadcast(projectID, "locks:"+projectID, map[string]any{
		"action":  "bulk",
		"userId":  userID,
		"results": results,
	}, originConnectionID)
	return results
}

// applyOne mutates the table for a single component. Caller holds table.mu.
func (e *Engine) applyOne(table *projectTable, operation BulkOperation, componentID, userID string, now time.Time) ComponentResult {
	existing, held := table.locks[componentID]

	switch operation.Type {
	case OperationLock:
		if held && !existing.overridableBy(userID) {
			return ComponentResult{ComponentID: componentID, Status: StatusFailed,
				Error: fmt.Sprintf("component held by %s", existing.LockedBy)}
		}
		level := operation.LockLevel
		if level == "" {
			level = LevelSoft
		}
		if !level.Valid() {
			return ComponentResult{ComponentID: componentID, Status: StatusFailed,
				Error: fmt.Sprintf("unknown level %q", level)}
		}
		lock := ComponentLock{
			ID:          uuid.NewString(),
			ComponentID: componentID,
			Level:       level,
			Type:        TypePersonal,
			Reason:      operation.Reason,
			LockedBy:    userID,
			LockedAt:    now,
		}
		table.locks[componentID] = lock
		table.audit = append(table.audit, AuditEntry{
			Action: "lock", ComponentID: componentID, User: userID, Lock: &lock, Timestamp: now,
		})
		return ComponentResult{ComponentID: componentID, Status: StatusLocked}

	case OperationUnlock:
		if !held {
			return ComponentResult{ComponentID: componentID, Status: StatusFailed, Error: "component is not locked"}
		}
		if !existing.overridableBy(userID) {
			return ComponentResult{ComponentID: componentID, Status: StatusFailed,
				Error: fmt.Sprintf("component held by %s", existing.LockedBy)}
		}
		delete(table.locks, componentID)
		table.audit = append(table.audit, AuditEntry{
			Action: "unlock", ComponentID: componentID, User: userID, Timestamp: now,
		})
		return ComponentResult{ComponentID: componentID, Status: StatusUnlocked}

	case OperationChangeLevel:
		if !held {
			return ComponentResult{ComponentID: componentID, Status: StatusFailed, Error: "component is not locked"}
		}
		if !existing.overridableBy(userID) {
			return ComponentResult{ComponentID: componentID, Status: StatusFailed,
				Error: fmt.Sprintf("component held by %s", existing.LockedBy)}
		}
		if !operation.LockLevel.Valid() {
			return ComponentResult{ComponentID: componentID, Status: StatusFailed,
				Error: fmt.Sprintf("unknown level %q", operation.LockLevel)}
		}
		existing.Level = operation.LockLevel
		table.locks[componentID] = existing
		table.audit = append(table.audit, AuditEntry{
			Action: "change_level", ComponentID: componentID, User: userID, Lock: &existing, Timestamp: now,
		})
		return ComponentResult{ComponentID: componentID, Status: StatusLevelChanged}

	default:
		return ComponentResult{ComponentID: componentID, Status: StatusFailed,
			Error: fmt.Sprintf("unknown operation %q", operation.Type)}
	}
}

// CheckConflicts reports which of the given components are already locked
// without mutating anything. CanProceed is true only when every reported
// conflict can be overridden.
func (e *Engine) CheckConflicts(projectID string, componentIDs []string) ConflictReport {
	report := ConflictReport{Conflicts: make([]ConflictCheck, 0), CanProceed: true}
	table, ok := e.peek(projectID)
	if !ok {
		return report
	}

	table.mu.Lock()
	defer table.mu.Unlock()
	for _, componentID := range componentIDs {
		existing, held := table.locks[componentID]
		if !held {
			continue
		}
		overridable := existing.CanOverride && existing.Level != LevelFrozen
		report.Conflicts = append(report.Conflicts, ConflictCheck{
			ComponentID:  componentID,
			Type:         "already_locked",
			ExistingLock: existing,
			CanOverride:  overridable,
		})
		if !overridable {
			report.CanProceed = false
		}
	}
	return report
}

// ReportConflict records a new conflict and notifies the project's
// subscribers.
func (e *Engine) ReportConflict(projectID string, conflict Conflict, originConnectionID string) Conflict {
	table := e.table(projectID)

	conflict.ID = uuid.NewString()
	conflict.ReportedAt = e.clock()

	table.mu.Lock()
	table.conflicts = append(table.conflicts, conflict)
	table.mu.Unlock()

	e.broadcast(projectID, "conflicts:"+projectID, map[string]any{
		"action":   "reported",
		"conflict": conflict,
	}, originConnectionID)
	return conflict
}

// Conflicts returns the project's open conflicts in report order.
func (e *Engine) Conflicts(projectID string) []Conflict {
	table, ok := e.peek(projectID)
	if !ok {
		return []Conflict{}
	}

	table.mu.Lock()
	defer table.mu.Unlock()
	snapshot := make([]Conflict, len(table.conflicts))
	copy(snapshot, table.conflicts)
	return snapshot
}

// ResolveConflict removes the conflict and notifies subscribers. Unknown
// conflict ids are an error.
func (e *Engine) ResolveConflict(projectID, conflictID string, resolution Resolution, userID, originConnectionID string) error {
	table, ok := e.peek(projectID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConflict, conflictID)
	}

	table.mu.Lock()
	index := -1
	for i, conflict := range table.conflicts {
		if conflict.ID == conflictID {
			index = i
			break
		}
	}
	if index < 0 {
		table.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConflict, conflictID)
	}
	resolved := table.conflicts[index]
	table.conflicts = append(table.conflicts[:index], table.conflicts[index+1:]...)
	table.audit = append(table.audit, AuditEntry{
		Action:      "conflict_resolved",
		ComponentID: resolved.ComponentID,
		User:        userID,
		Timestamp:   e.clock(),
	})
	table.mu.Unlock()

	e.broadcast(projectID, "conflicts:"+projectID, map[string]any{
		"action":     "resolved",
		"conflictId": conflictID,
		"conflict":   resolved,
		"resolution": resolution,
		"resolvedBy": userID,
	}, originConnectionID)
	return nil
}

// Snapshot returns the project's full lock and conflict state.
func (e *Engine) Snapshot(projectID string) Snapshot {
	return Snapshot{
		Locks:     e.Locks(projectID),
		Conflicts: e.Conflicts(projectID),
	}
}

// Audit returns the project's mutation history in insertion order.
func (e *Engine) Audit(projectID string) []AuditEntry {
	table, ok := e.peek(projectID)
	if !ok {
		return []AuditEntry{}
	}

	table.mu.Lock()
	defer table.mu.Unlock()
	history := make([]AuditEntry, len(table.audit))
	copy(history, table.audit)
	return history
}

// TotalLocks counts locks across every project, for health reporting.
func (e *Engine) TotalLocks() int {
	e.mu.RLock()
	tables := make([]*projectTable, 0, len(e.projects))
	for _, table := range e.projects {
		tables = append(tables, table)
	}
	e.mu.RUnlock()

	total := 0
	for _, table := range tables {
		table.mu.Lock()
		total += len(table.locks)
		table.mu.Unlock()
	}
	return total
}

// TotalConflicts counts open conflicts across every project.
func (e *Engine) TotalConflicts() int {
	e.mu.RLock()
	tables := make([]*projectTable, 0, len(e.projects))
	for _, table := range e.projects {
		tables = append(tables, table)
	}
	e.mu.RUnlock()

	total := 0
	for _, table := range tables {
		table.mu.Lock()
		total += len(table.conflicts)
		table.mu.Unlock()
	}
	return total
}

func (e *Engine) broadcast(projectID, channel string, data any, excludeConnectionID string) {
	if e.broadcaster == nil {
		return
	}
	e.broadcaster.Broadcast(projectID, channel, data, excludeConnectionID)
}

package locks

import "time"

// Level is the strength of a component lock. Frozen locks can never be
// overridden regardless of the CanOverride flag.
type Level string

const (
	LevelSoft   Level = "soft"
	LevelHard   Level = "hard"
	LevelFrozen Level = "frozen"
)

func (l Level) Valid() bool {
	switch l {
	case LevelSoft, LevelHard, LevelFrozen:
		return true
	default:
		return false
	}
}

// LockType records why a lock exists.
type LockType string

const (
	TypePersonal      LockType = "personal"
	TypeEditorial     LockType = "editorial"
	TypeCollaborative LockType = "collaborative"
)

func (t LockType) Valid() bool {
	switch t {
	case TypePersonal, TypeEditorial, TypeCollaborative:
		return true
	default:
		return false
	}
}

// ComponentLock is one lock held on a single writing component.
type ComponentLock struct {
	ID          string    `json:"id"`
	ComponentID string    `json:"componentId"`
	Level       Level     `json:"level"`
	Type        LockType  `json:"type"`
	Reason      string    `json:"reason"`
	LockedBy    string    `json:"lockedBy"`
	LockedAt    time.Time `json:"lockedAt"`
	SharedWith  []string  `json:"sharedWith,omitempty"`
	CanOverride bool      `json:"canOverride"`
}

// overridableBy reports whether user may replace or release this lock. The
// owner always may; anyone else only when the lock allows overrides and is not
// frozen.
func (l ComponentLock) overridableBy(userID string) bool {
	if l.LockedBy == userID {
		return true
	}
	return l.CanOverride && l.Level != LevelFrozen
}

// Conflict is a reported disagreement over a component's state. The two
// competing states are carried verbatim so clients can present a merge
// choice to every affected user.
type Conflict struct {
	ID               string         `json:"id"`
	ComponentID      string         `json:"componentId"`
	Type             string         `json:"type"`
	Description      string         `json:"description"`
	CurrentState     map[string]any `json:"currentState,omitempty"`
	ConflictingState map[string]any `json:"conflictingState,omitempty"`
	Priority         string         `json:"priority,omitempty"`
	AffectedUsers    []string       `json:"affectedUsers,omitempty"`
	ReportedBy       string         `json:"reportedBy"`
	ReportedAt       time.Time      `json:"reportedAt"`
}

// Resolution describes how a conflict was settled.
type Resolution struct {
	Type        string         `json:"type"`
	Reason      string         `json:"reason"`
	CustomState map[string]any `json:"customState,omitempty"`
}

// OperationType names one bulk operation kind.
type OperationType string

const (
	OperationLock        OperationType = "lock"
	OperationUnlock      OperationType = "unlock"
	OperationChangeLevel OperationType = "change_level"
)

// BulkOperation applies one action to a batch of components.
type BulkOperation struct {
	Type         OperationType `json:"type"`
	ComponentIDs []string      `json:"componentIds"`
	LockLevel    Level         `json:"lockLevel,omitempty"`
	Reason       string        `json:"reason,omitempty"`
}

// ComponentResult is the per-component outcome of a bulk operation. Failed
// components carry the reason; the batch itself never aborts.
type ComponentResult struct {
	ComponentID string `json:"componentId"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

const (
	StatusLocked       = "locked"
	StatusUnlocked     = "unlocked"
	StatusLevelChanged = "level_changed"
	StatusFailed       = "failed"
)

// ConflictCheck reports one component that is already locked.
type ConflictCheck struct {
	ComponentID  string        `json:"componentId"`
	Type         string        `json:"type"`
	ExistingLock ComponentLock `json:"existingLock"`
	CanOverride  bool          `json:"canOverride"`
}

// ConflictReport is the outcome of a read-only pre-flight check.
type ConflictReport struct {
	Conflicts  []ConflictCheck `json:"conflicts"`
	CanProceed bool            `json:"canProceed"`
}

// AuditEntry records one mutation of a project's lock table.
type AuditEntry struct {
	Action      string         `json:"action"`
	ComponentID string         `json:"componentId,omitempty"`
	User        string         `json:"user"`
	Lock        *ComponentLock `json:"lock,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Snapshot is a project's full lock and conflict state, served on
// sync-request so reconnecting clients can catch up.
type Snapshot struct {
	Locks     map[string]ComponentLock `json:"locks"`
	Conflicts []Conflict               `json:"conflicts"`
}

package locks

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []broadcastEvent
}

type broadcastEvent struct {
	projectID string
	channel   string
	data      any
	exclude   string
}

func (b *recordingBroadcaster) Broadcast(projectID, channel string, data any, excludeConnectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, broadcastEvent{projectID, channel, data, excludeConnectionID})
}

func (b *recordingBroadcaster) recorded() []broadcastEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	copied := make([]broadcastEvent, len(b.events))
	copy(copied, b.events)
	return copied
}

func newTestEngine() (*Engine, *recordingBroadcaster) {
	broadcaster := &recordingBroadcaster{}
	engine := NewEngine(Config{Clock: func() time.Time { return time.Unix(1700000000, 0) }}, broadcaster, nil)
	return engine, broadcaster
}

func TestSetLockStoresAndBroadcasts(t *testing.T) {
	engine, broadcaster := newTestEngine()

	lock, err := engine.SetLock("project-1", ComponentLock{
		ComponentID: "scene-1",
		Level:       LevelHard,
		Type:        TypeEditorial,
		Reason:      "editing pass",
	}, "user-1", "conn-1")
	if err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}
	if lock.ID == "" {
		t.Fatalf("expected generated lock id")
	}
	if lock.LockedBy != "user-1" {
		t.Fatalf("expected owner to be stamped, got %q", lock.LockedBy)
	}

	locks := engine.Locks("project-1")
	if len(locks) != 1 || locks["scene-1"].Level != LevelHard {
		t.Fatalf("unexpected lock table %+v", locks)
	}

	events := broadcaster.recorded()
	if len(events) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(events))
	}
	if events[0].channel != "locks:project-1" || events[0].exclude != "conn-1" {
		t.Fatalf("unexpected broadcast %+v", events[0])
	}
}

func TestSetLockDefaultsLevelAndType(t *testing.T) {
	engine, _ := newTestEngine()

	lock, err := engine.SetLock("project-1", ComponentLock{ComponentID: "scene-1"}, "user-1", "")
	if err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}
	if lock.Level != LevelSoft || lock.Type != TypePersonal {
		t.Fatalf("expected soft personal defaults, got %+v", lock)
	}
}

func TestSetLockRejectsInvalidRequests(t *testing.T) {
	engine, _ := newTestEngine()

	if _, err := engine.SetLock("project-1", ComponentLock{}, "user-1", ""); !errors.Is(err, ErrInvalidLock) {
		t.Fatalf("expected invalid lock error for missing component, got %v", err)
	}
	if _, err := engine.SetLock("project-1", ComponentLock{ComponentID: "scene-1", Level: "granite"}, "user-1", ""); !errors.Is(err, ErrInvalidLock) {
		t.Fatalf("expected invalid lock error for unknown level, got %v", err)
	}
}

func TestHardLockBlocksOtherUsers(t *testing.T) {
	engine, _ := newTestEngine()

	if _, err := engine.SetLock("project-1", ComponentLock{
		ComponentID: "chapter-3",
		Level:       LevelHard,
		Type:        TypeEditorial,
	}, "editor-1", ""); err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}

	_, err := engine.SetLock("project-1", ComponentLock{
		ComponentID: "chapter-3",
		Level:       LevelSoft,
	}, "writer-2", "")
	if !errors.Is(err, ErrLockConflict) {
		t.Fatalf("expected conflict for second user, got %v", err)
	}

	// The owner can still adjust their own lock.
	if _, err := engine.SetLock("project-1", ComponentLock{
		ComponentID: "chapter-3",
		Level:       LevelFrozen,
		Type:        TypeEditorial,
	}, "editor-1", ""); err != nil {
		t.Fatalf("expected owner replacement to succeed: %v", err)
	}
}

func TestOverridableSoftLockCanBeReplaced(t *testing.T) {
	engine, _ := newTestEngine()

	if _, err := engine.SetLock("project-1", ComponentLock{
		ComponentID: "scene-2",
		Level:       LevelSoft,
		Type:        TypeCollaborative,
		SharedWith:  []string{"writer-2"},
		CanOverride: true,
	}, "writer-1", ""); err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}

	replaced, err := engine.SetLock("project-1", ComponentLock{
		ComponentID: "scene-2",
		Level:       LevelHard,
	}, "writer-2", "")
	if err != nil {
		t.Fatalf("expected overridable lock to be replaceable: %v", err)
	}
	if replaced.LockedBy != "writer-2" || replaced.Level != LevelHard {
		t.Fatalf("unexpected replacement %+v", replaced)
	}
}

func TestFrozenLockIgnoresOverrideFlag(t *testing.T) {
	engine, _ := newTestEngine()

	if _, err := engine.SetLock("project-1", ComponentLock{
		ComponentID: "prologue",
		Level:       LevelFrozen,
		CanOverride: true,
	}, "editor-1", ""); err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}

	if _, err := engine.SetLock("project-1", ComponentLock{
		ComponentID: "prologue",
	}, "writer-2", ""); !errors.Is(err, ErrLockConflict) {
		t.Fatalf("expected frozen lock to block override, got %v", err)
	}
}

func TestReleaseRemovesLockAndAudits(t *testing.T) {
	engine, broadcaster := newTestEngine()

	if _, err := engine.SetLock("project-1", ComponentLock{ComponentID: "scene-1"}, "user-1", ""); err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}
	if err := engine.Release("project-1", "scene-1", "user-1", "conn-1"); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
	if len(engine.Locks("project-1")) != 0 {
		t.Fatalf("expected lock table to be empty")
	}

	if err := engine.Release("project-1", "scene-1", "user-1", ""); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("expected releasing an unlocked component to fail, got %v", err)
	}

	history := engine.Audit("project-1")
	if len(history) != 2 || history[0].Action != "lock" || history[1].Action != "unlock" {
		t.Fatalf("unexpected audit history %+v", history)
	}
	events := broadcaster.recorded()
	if len(events) != 2 {
		t.Fatalf("expected two broadcasts, got %d", len(events))
	}
}

func TestReleaseRespectsOwnership(t *testing.T) {
	engine, _ := newTestEngine()

	if _, err := engine.SetLock("project-1", ComponentLock{
		ComponentID: "scene-1",
		Level:       LevelHard,
	}, "user-1", ""); err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}
	if err := engine.Release("project-1", "scene-1", "user-2", ""); !errors.Is(err, ErrLockConflict) {
		t.Fatalf("expected non-owner release to fail, got %v", err)
	}
}

func TestBulkApplyFiftyComponents(t *testing.T) {
	engine, broadcaster := newTestEngine()

	componentIDs := make([]string, 50)
	for i := range componentIDs {
		componentIDs[i] = fmt.Sprintf("scene-%d", i)
	}

	results := engine.BulkApply("project-1", "user-1", []BulkOperation{{
		Type:         OperationLock,
		ComponentIDs: componentIDs,
		LockLevel:    LevelSoft,
		Reason:       "act one rewrite",
	}}, "conn-1")

	if len(results) != 50 {
		t.Fatalf("expected 50 results, got %d", len(results))
	}
	for _, result := range results {
		if result.Status != StatusLocked {
			t.Fatalf("expected every component locked, got %+v", result)
		}
	}
	if got := len(engine.Locks("project-1")); got != 50 {
		t.Fatalf("expected 50 locks, got %d", got)
	}
	if events := broadcaster.recorded(); len(events) != 1 {
		t.Fatalf("expected a single bulk broadcast, got %d", len(events))
	}
}

func TestBulkApplyPartialSuccess(t *testing.T) {
	engine, _ := newTestEngine()

	if _, err := engine.SetLock("project-1", ComponentLock{
		ComponentID: "scene-1",
		Level:       LevelHard,
	}, "editor-1", ""); err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}

	results := engine.BulkApply("project-1", "writer-2", []BulkOperation{{
		Type:         OperationLock,
		ComponentIDs: []string{"scene-1", "scene-2"},
	}}, "")

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Status != StatusFailed || results[0].Error == "" {
		t.Fatalf("expected held component to fail with reason, got %+v", results[0])
	}
	if results[1].Status != StatusLocked {
		t.Fatalf("expected free component to lock, got %+v", results[1])
	}
}

func TestBulkApplyUnlockAndChangeLevel(t *testing.T) {
	engine, _ := newTestEngine()

	if _, err := engine.SetLock("project-1", ComponentLock{ComponentID: "scene-1"}, "user-1", ""); err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}
	if _, err := engine.SetLock("project-1", ComponentLock{ComponentID: "scene-2"}, "user-1", ""); err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}

	results := engine.BulkApply("project-1", "user-1", []BulkOperation{
		{Type: OperationChangeLevel, ComponentIDs: []string{"scene-1"}, LockLevel: LevelFrozen},
		{Type: OperationUnlock, ComponentIDs: []string{"scene-2", "scene-3"}},
		{Type: "shuffle", ComponentIDs: []string{"scene-4"}},
	}, "")

	if results[0].Status != StatusLevelChanged {
		t.Fatalf("expected level change, got %+v", results[0])
	}
	if results[1].Status != StatusUnlocked {
		t.Fatalf("expected unlock, got %+v", results[1])
	}
	if results[2].Status != StatusFailed {
		t.Fatalf("expected unlocking a free component to fail, got %+v", results[2])
	}
	if results[3].Status != StatusFailed {
		t.Fatalf("expected unknown operation to fail, got %+v", results[3])
	}
	if engine.Locks("project-1")["scene-1"].Level != LevelFrozen {
		t.Fatalf("expected scene-1 frozen")
	}
}

func TestCheckConflictsReportsWithoutMutating(t *testing.T) {
	engine, broadcaster := newTestEngine()

	if _, err := engine.SetLock("project-1", ComponentLock{
		ComponentID: "scene-1",
		Level:       LevelHard,
	}, "editor-1", ""); err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}
	if _, err := engine.SetLock("project-1", ComponentLock{
		ComponentID: "scene-2",
		CanOverride: true,
	}, "writer-1", ""); err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}
	before := len(broadcaster.recorded())

	report := engine.CheckConflicts("project-1", []string{"scene-1", "scene-2", "scene-3"})
	if len(report.Conflicts) != 2 {
		t.Fatalf("expected 2 conflicts, got %+v", report)
	}
	if report.CanProceed {
		t.Fatalf("hard non-overridable lock should block proceeding")
	}
	for _, conflict := range report.Conflicts {
		if conflict.Type != "already_locked" {
			t.Fatalf("unexpected conflict type %q", conflict.Type)
		}
	}

	overridableOnly := engine.CheckConflicts("project-1", []string{"scene-2"})
	if !overridableOnly.CanProceed {
		t.Fatalf("overridable-only conflicts should allow proceeding")
	}
	if len(broadcaster.recorded()) != before {
		t.Fatalf("check must not broadcast")
	}
}

func TestCheckConflictsAfterOwnerRelaxesLock(t *testing.T) {
	engine, _ := newTestEngine()

	if _, err := engine.SetLock("p1", ComponentLock{
		ComponentID: "scene-1",
		Level:       LevelHard,
	}, "user-1", "conn-1"); err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}

	report := engine.CheckConflicts("p1", []string{"scene-1"})
	if len(report.Conflicts) != 1 || report.Conflicts[0].CanOverride || report.CanProceed {
		t.Fatalf("expected blocking conflict, got %+v", report)
	}

	// The owner downgrades to a shared, overridable soft lock.
	if _, err := engine.SetLock("p1", ComponentLock{
		ComponentID: "scene-1",
		Level:       LevelSoft,
		Type:        TypeCollaborative,
		SharedWith:  []string{"user-2"},
		CanOverride: true,
	}, "user-1", "conn-1"); err != nil {
		t.Fatalf("expected owner replacement to succeed: %v", err)
	}

	report = engine.CheckConflicts("p1", []string{"scene-1"})
	if len(report.Conflicts) != 1 || !report.Conflicts[0].CanOverride || !report.CanProceed {
		t.Fatalf("expected overridable conflict, got %+v", report)
	}
}

func TestConflictLifecycle(t *testing.T) {
	engine, broadcaster := newTestEngine()

	reported := engine.ReportConflict("project-1", Conflict{
		ComponentID:      "scene-1",
		Type:             "concurrent_edit",
		Description:      "two drafts of the same scene",
		CurrentState:     map[string]any{"revision": "draft-a"},
		ConflictingState: map[string]any{"revision": "draft-b"},
		Priority:         "high",
		AffectedUsers:    []string{"writer-1", "writer-2"},
		ReportedBy:       "writer-1",
	}, "conn-1")
	if reported.ID == "" {
		t.Fatalf("expected generated conflict id")
	}

	open := engine.Conflicts("project-1")
	if len(open) != 1 || open[0].ID != reported.ID {
		t.Fatalf("unexpected open conflicts %+v", open)
	}
	stored := open[0]
	if stored.CurrentState["revision"] != "draft-a" || stored.ConflictingState["revision"] != "draft-b" {
		t.Fatalf("expected competing states to round-trip, got %+v", stored)
	}
	if stored.Priority != "high" {
		t.Fatalf("expected priority to round-trip, got %q", stored.Priority)
	}
	if len(stored.AffectedUsers) != 2 || stored.AffectedUsers[1] != "writer-2" {
		t.Fatalf("expected affected users to round-trip, got %v", stored.AffectedUsers)
	}

	err := engine.ResolveConflict("project-1", reported.ID, Resolution{
		Type:   "accept_current",
		Reason: "writer-1's draft wins",
	}, "editor-1", "conn-2")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if len(engine.Conflicts("project-1")) != 0 {
		t.Fatalf("expected conflict to be removed")
	}

	if err := engine.ResolveConflict("project-1", reported.ID, Resolution{}, "editor-1", ""); !errors.Is(err, ErrUnknownConflict) {
		t.Fatalf("expected resolving twice to fail, got %v", err)
	}
	if err := engine.ResolveConflict("project-missing", "c-1", Resolution{}, "editor-1", ""); !errors.Is(err, ErrUnknownConflict) {
		t.Fatalf("expected unknown project resolve to fail, got %v", err)
	}

	events := broadcaster.recorded()
	if len(events) != 2 {
		t.Fatalf("expected report and resolve broadcasts, got %d", len(events))
	}
	if events[0].channel != "conflicts:project-1" || events[1].channel != "conflicts:project-1" {
		t.Fatalf("unexpected channels %+v", events)
	}
	reportedData, ok := events[0].data.(map[string]any)
	if !ok {
		t.Fatalf("unexpected report payload %+v", events[0].data)
	}
	broadcastConflict, ok := reportedData["conflict"].(Conflict)
	if !ok || broadcastConflict.Priority != "high" || len(broadcastConflict.AffectedUsers) != 2 {
		t.Fatalf("expected report broadcast to carry the full conflict, got %+v", reportedData)
	}
	resolvedData, ok := events[1].data.(map[string]any)
	if !ok {
		t.Fatalf("unexpected resolve payload %+v", events[1].data)
	}
	resolvedConflict, ok := resolvedData["conflict"].(Conflict)
	if !ok || resolvedConflict.ID != reported.ID || resolvedConflict.Priority != "high" {
		t.Fatalf("expected resolve broadcast to carry the resolved conflict, got %+v", resolvedData)
	}
}

func TestSnapshotCombinesLocksAndConflicts(t *testing.T) {
	engine, _ := newTestEngine()

	if _, err := engine.SetLock("project-1", ComponentLock{ComponentID: "scene-1"}, "user-1", ""); err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}
	engine.ReportConflict("project-1", Conflict{ComponentID: "scene-2", ReportedBy: "user-1"}, "")

	snapshot := engine.Snapshot("project-1")
	if len(snapshot.Locks) != 1 || len(snapshot.Conflicts) != 1 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	empty := engine.Snapshot("project-missing")
	if empty.Locks == nil || empty.Conflicts == nil {
		t.Fatalf("expected empty but non-nil snapshot, got %+v", empty)
	}
}

func TestProjectsAreIsolated(t *testing.T) {
	engine, _ := newTestEngine()

	if _, err := engine.SetLock("project-1", ComponentLock{ComponentID: "scene-1"}, "user-1", ""); err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}
	if _, err := engine.SetLock("project-2", ComponentLock{ComponentID: "scene-1"}, "user-2", ""); err != nil {
		t.Fatalf("expected same component id to lock independently per project: %v", err)
	}
	if engine.TotalLocks() != 2 {
		t.Fatalf("expected 2 locks total, got %d", engine.TotalLocks())
	}
}

func TestConcurrentLockingStaysConsistent(t *testing.T) {
	engine, _ := newTestEngine()

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				componentID := fmt.Sprintf("scene-%d-%d", worker, i)
				if _, err := engine.SetLock("project-1", ComponentLock{ComponentID: componentID}, "user-1", ""); err != nil {
					t.Errorf("unexpected lock error: %v", err)
				}
			}
		}(worker)
	}
	wg.Wait()

	if got := len(engine.Locks("project-1")); got != 200 {
		t.Fatalf("expected 200 locks, got %d", got)
	}
	if got := len(engine.Audit("project-1")); got != 200 {
		t.Fatalf("expected 200 audit entries, got %d", got)
	}
}

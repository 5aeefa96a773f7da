package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opencivic/quill/internal/crdt"
)

// memorySnapshotStorage is an in-process SnapshotStorage for tests.
type memorySnapshotStorage struct {
	mu        sync.Mutex
	snapshots map[string]*Snapshot
	saveErr   error
	loadErr   error
	saveCount int
}

func newMemorySnapshotStorage() *memorySnapshotStorage {
	return &memorySnapshotStorage{snapshots: make(map[string]*Snapshot)}
}

func (s *memorySnapshotStorage) Load(_ context.Context, roomID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	snapshot, ok := s.snapshots[roomID]
	if !ok {
		return nil, nil
	}
	snapshotCopy := *snapshot
	return &snapshotCopy, nil
}

func (s *memorySnapshotStorage) Save(_ context.Context, snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	snapshotCopy := *snapshot
	s.snapshots[snapshot.RoomID] = &snapshotCopy
	s.saveCount++
	return nil
}

func (s *memorySnapshotStorage) Delete(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, roomID)
	return nil
}

func (s *memorySnapshotStorage) DeleteOlderThan(_ context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for roomID, snapshot := range s.snapshots {
		if snapshot.Timestamp.Before(cutoff) {
			delete(s.snapshots, roomID)
		}
	}
	return nil
}

func (s *memorySnapshotStorage) saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveCount
}

func newTestSnapshotManager(t *testing.T, storage SnapshotStorage, clock func() time.Time) *SnapshotManager {
	t.Helper()
	manager, err := NewSnapshotManager(SnapshotManagerConfig{Storage: storage, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct snapshot manager: %v", err)
	}
	return manager
}

func documentWithContent(t *testing.T, operations ...string) *crdt.Document {
	t.Helper()
	document := crdt.NewDocument()
	for _, operation := range operations {
		update, err := crdt.EncodeOperations([]byte(operation))
		if err != nil {
			t.Fatalf("failed to encode operation: %v", err)
		}
		if err := document.ApplyUpdate(update); err != nil {
			t.Fatalf("failed to apply update: %v", err)
		}
	}
	return document
}

func TestSnapshotManagerRoundTrip(t *testing.T) {
	storage := newMemorySnapshotStorage()
	clock := newManualClock()
	manager := newTestSnapshotManager(t, storage, clock.Now)
	document := documentWithContent(t, "insert:hello", "insert:world")

	snapshot := manager.CreateSnapshot("records:rec-1", document, 1)
	if err := manager.SaveSnapshot(context.Background(), snapshot); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}

	restored := crdt.NewDocument()
	loaded, err := manager.LoadSnapshot(context.Background(), "records:rec-1")
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if loaded == nil || loaded.Version != 1 {
		t.Fatalf("unexpected snapshot: %+v", loaded)
	}
	if err := manager.ApplySnapshot(restored, loaded); err != nil {
		t.Fatalf("failed to apply snapshot: %v", err)
	}
	if restored.OperationCount() != document.OperationCount() {
		t.Fatalf("restored document diverged: %d vs %d operations",
			restored.OperationCount(), document.OperationCount())
	}
}

func TestSnapshotManagerLoadMissingReturnsNil(t *testing.T) {
	manager := newTestSnapshotManager(t, newMemorySnapshotStorage(), nil)

	snapshot, err := manager.LoadSnapshot(context.Background(), "records:none")
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil snapshot, got %+v", snapshot)
	}
}

func TestSnapshotManagerSaveErrorPropagates(t *testing.T) {
	storage := newMemorySnapshotStorage()
	storage.saveErr = errors.New("disk full")
	manager := newTestSnapshotManager(t, storage, nil)

	snapshot := manager.CreateSnapshot("records:rec-1", documentWithContent(t, "op"), 1)
	if err := manager.SaveSnapshot(context.Background(), snapshot); err == nil {
		t.Fatal("expected save error to propagate")
	}
}

func TestSnapshotManagerApplyRejectsCorruptState(t *testing.T) {
	manager := newTestSnapshotManager(t, newMemorySnapshotStorage(), nil)

	corrupt := &Snapshot{RoomID: "records:rec-1", State: []byte{0xFF, 0x01}, Version: 1}
	err := manager.ApplySnapshot(crdt.NewDocument(), corrupt)
	if !errors.Is(err, ErrInvalidSnapshot) {
		t.Fatalf("expected invalid snapshot error, got %v", err)
	}
}

func TestSnapshotManagerCleanupOldSnapshots(t *testing.T) {
	storage := newMemorySnapshotStorage()
	clock := newManualClock()
	manager := newTestSnapshotManager(t, storage, clock.Now)

	old := manager.CreateSnapshot("records:old", documentWithContent(t, "op"), 1)
	if err := manager.SaveSnapshot(context.Background(), old); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}

	clock.Advance(48 * time.Hour)
	fresh := manager.CreateSnapshot("records:fresh", documentWithContent(t, "op"), 1)
	if err := manager.SaveSnapshot(context.Background(), fresh); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}

	if err := manager.CleanupOldSnapshots(context.Background(), 24*time.Hour); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	gone, err := storage.Load(context.Background(), "records:old")
	if err != nil || gone != nil {
		t.Fatalf("expected old snapshot removed, got %+v (%v)", gone, err)
	}
	kept, err := manager.LoadSnapshot(context.Background(), "records:fresh")
	if err != nil || kept == nil {
		t.Fatalf("expected fresh snapshot kept, got %v", err)
	}
}

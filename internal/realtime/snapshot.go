package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opencivic/quill/internal/crdt"
	"go.uber.org/zap"
)

var (
	errMissingSnapshotStorage = errors.New("realtime: snapshot storage is required")
	// ErrInvalidSnapshot indicates snapshot bytes that no document can decode.
	ErrInvalidSnapshot = errors.New("realtime: invalid snapshot")
)

// Snapshot is a durable checkpoint of a room's document state. Applying
// State to a fresh empty document reproduces the document content as of
// Timestamp.
type Snapshot struct {
	RoomID    string
	State     []byte
	Version   int64
	Timestamp time.Time
}

// SnapshotStorage is the pluggable backing store for snapshots. Load returns
// (nil, nil) when no snapshot exists for the room.
type SnapshotStorage interface {
	Load(ctx context.Context, roomID string) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
	Delete(ctx context.Context, roomID string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) error
}

// SnapshotManagerConfig describes the dependencies of a SnapshotManager.
type SnapshotManagerConfig struct {
	Storage SnapshotStorage
	Clock   func() time.Time
	Logger  *zap.Logger
}

// SnapshotManager fronts the backing store with an in-memory cache keyed by
// room id. Storage errors propagate to the caller; persistence is
// load-bearing for recovery and failures must not be swallowed here.
type SnapshotManager struct {
	storage SnapshotStorage
	clock   func() time.Time
	logger  *zap.Logger

	mu    sync.Mutex
	cache map[string]*Snapshot
}

// NewSnapshotManager constructs a manager over the provided storage.
func NewSnapshotManager(cfg SnapshotManagerConfig) (*SnapshotManager, error) {
	if cfg.Storage == nil {
		return nil, errMissingSnapshotStorage
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotManager{
		storage: cfg.Storage,
		clock:   clock,
		logger:  logger,
		cache:   make(map[string]*Snapshot),
	}, nil
}

// CreateSnapshot encodes the document's full state and caches the result.
// The snapshot is not persisted until SaveSnapshot is called.
func (m *SnapshotManager) CreateSnapshot(roomID string, document *crdt.Document, version int64) *Snapshot {
	snapshot := &Snapshot{
		RoomID:    roomID,
		State:     document.EncodeStateAsUpdate(),
		Version:   version,
		Timestamp: m.clock().UTC(),
	}

	m.mu.Lock()
	m.cache[roomID] = snapshot
	m.mu.Unlock()
	return snapshot
}

// LoadSnapshot returns the cached snapshot for the room, falling back to the
// backing store and caching the result. Returns (nil, nil) when the room has
// never been snapshotted.
func (m *SnapshotManager) LoadSnapshot(ctx context.Context, roomID string) (*Snapshot, error) {
	m.mu.Lock()
	if cached, ok := m.cache[roomID]; ok {
		m.mu.Unlock()
		return cached, nil
	}
	m.mu.Unlock()

	snapshot, err := m.storage.Load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, nil
	}

	m.mu.Lock()
	m.cache[roomID] = snapshot
	m.mu.Unlock()
	return snapshot, nil
}

// SaveSnapshot persists the snapshot through the backing store.
func (m *SnapshotManager) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	return m.storage.Save(ctx, snapshot)
}

// ApplySnapshot folds snapshot bytes into the document. Malformed bytes
// surface a decode error rather than silently producing an empty document.
func (m *SnapshotManager) ApplySnapshot(document *crdt.Document, snapshot *Snapshot) error {
	if snapshot == nil {
		return nil
	}
	if err := document.ApplyUpdate(snapshot.State); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return nil
}

// CleanupOldSnapshots drops cached and stored snapshots older than maxAge.
// Runs on a periodic sweep independent of per-room activity.
func (m *SnapshotManager) CleanupOldSnapshots(ctx context.Context, maxAge time.Duration) error {
	cutoff := m.clock().UTC().Add(-maxAge)

	m.mu.Lock()
	for roomID, snapshot := range m.cache {
		if snapshot.Timestamp.Before(cutoff) {
			delete(m.cache, roomID)
		}
	}
	m.mu.Unlock()

	return m.storage.DeleteOlderThan(ctx, cutoff)
}

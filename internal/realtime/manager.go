package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultCleanupTimeout = 5 * time.Minute
	defaultSweepInterval  = time.Minute
)

var errMissingSnapshotManager = errors.New("realtime: snapshot manager is required")

// RoomManagerConfig describes the dependencies and policy of a RoomManager.
type RoomManagerConfig struct {
	Snapshots           *SnapshotManager
	Colors              *ColorAllocator
	Hooks               *HookEmitter
	Clock               func() time.Time
	Logger              *zap.Logger
	CleanupTimeout      time.Duration
	SnapshotInterval    time.Duration
	SnapshotMaxUpdates  int
	SnapshotMaxAge      time.Duration
	PresenceIdleTimeout time.Duration
	SweepInterval       time.Duration
}

// RoomManager is the registry mapping room ids to live rooms. Rooms are
// created on first access and destroyed after sitting empty past the cleanup
// timeout, with the timer cancelled when a participant returns first.
type RoomManager struct {
	snapshots           *SnapshotManager
	colors              *ColorAllocator
	hooks               *HookEmitter
	clock               func() time.Time
	logger              *zap.Logger
	cleanupTimeout      time.Duration
	snapshotInterval    time.Duration
	snapshotMaxUpdates  int
	snapshotMaxAge      time.Duration
	presenceIdleTimeout time.Duration

	mu            sync.Mutex
	rooms         map[string]*Room
	cleanupTimers map[string]*time.Timer
	closed        bool

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewRoomManager constructs the registry and starts its periodic sweeps.
func NewRoomManager(cfg RoomManagerConfig) (*RoomManager, error) {
	if cfg.Snapshots == nil {
		return nil, errMissingSnapshotManager
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	colors := cfg.Colors
	if colors == nil {
		colors = NewColorAllocator()
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NewHookEmitter()
	}
	cleanupTimeout := cfg.CleanupTimeout
	if cleanupTimeout <= 0 {
		cleanupTimeout = defaultCleanupTimeout
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}

	manager := &RoomManager{
		snapshots:           cfg.Snapshots,
		colors:              colors,
		hooks:               hooks,
		clock:               clock,
		logger:              logger,
		cleanupTimeout:      cleanupTimeout,
		snapshotInterval:    cfg.SnapshotInterval,
		snapshotMaxUpdates:  cfg.SnapshotMaxUpdates,
		snapshotMaxAge:      cfg.SnapshotMaxAge,
		presenceIdleTimeout: cfg.PresenceIdleTimeout,
		rooms:               make(map[string]*Room),
		cleanupTimers:       make(map[string]*time.Timer),
		stopSweep:           make(chan struct{}),
	}
	go manager.runSweep(sweepInterval)
	return manager, nil
}

// GetOrCreate resolves the live room for a resource, creating and
// snapshot-seeding it on first access. A pending cleanup timer for the room
// is cancelled.
func (m *RoomManager) GetOrCreate(ctx context.Context, roomType RoomType, resourceID string) *Room {
	id := RoomID(roomType, resourceID)

	m.mu.Lock()
	if timer, ok := m.cleanupTimers[id]; ok {
		timer.Stop()
		delete(m.cleanupTimers, id)
	}
	if room, ok := m.rooms[id]; ok {
		m.mu.Unlock()
		return room
	}

	room := newRoom(ctx, roomConfig{
		roomType:           roomType,
		resourceID:         resourceID,
		snapshots:          m.snapshots,
		colors:             m.colors,
		clock:              m.clock,
		logger:             m.logger,
		snapshotInterval:   m.snapshotInterval,
		snapshotMaxUpdates: m.snapshotMaxUpdates,
	})
	m.rooms[id] = room
	m.mu.Unlock()

	m.logger.Info("room created", zap.String("room_id", id))
	m.hooks.Emit(HookEvent{Type: HookRoomCreated, RoomID: id, Timestamp: m.clock().UTC()})
	return room
}

// Lookup returns the live room for the id, if any.
func (m *RoomManager) Lookup(roomID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	return room, ok
}

// NotifyEmpty records that a room's last participant departed: the room is
// checkpointed once more and its destruction timer is armed.
func (m *RoomManager) NotifyEmpty(ctx context.Context, room *Room) {
	if room.ParticipantCount() != 0 {
		return
	}

	if err := room.SnapshotNow(ctx); err != nil {
		m.logger.Warn("departure snapshot failed",
			zap.String("room_id", room.ID()), zap.Error(err))
	}

	id := room.ID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.rooms[id]; !ok {
		return
	}
	if _, ok := m.cleanupTimers[id]; ok {
		return
	}
	m.cleanupTimers[id] = time.AfterFunc(m.cleanupTimeout, func() {
		m.reapIfEmpty(id)
	})
}

func (m *RoomManager) reapIfEmpty(roomID string) {
	m.mu.Lock()
	delete(m.cleanupTimers, roomID)
	room, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if room.ParticipantCount() > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.rooms, roomID)
	m.mu.Unlock()

	room.Destroy(context.Background())
	m.logger.Info("room destroyed", zap.String("room_id", roomID))
	m.hooks.Emit(HookEvent{Type: HookRoomDestroyed, RoomID: roomID, Timestamp: m.clock().UTC()})
}

// RoomCount reports the number of live rooms.
func (m *RoomManager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Close stops the sweeps, cancels pending cleanup timers, and destroys every
// room so final snapshots are written during shutdown.
func (m *RoomManager) Close(ctx context.Context) {
	m.sweepOnce.Do(func() {
		close(m.stopSweep)
	})

	m.mu.Lock()
	m.closed = true
	for id, timer := range m.cleanupTimers {
		timer.Stop()
		delete(m.cleanupTimers, id)
	}
	rooms := make([]*Room, 0, len(m.rooms))
	for id, room := range m.rooms {
		rooms = append(rooms, room)
		delete(m.rooms, id)
	}
	m.mu.Unlock()

	for _, room := range rooms {
		room.Destroy(ctx)
	}
}

func (m *RoomManager) liveRooms() []*Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// runSweep periodically evicts idle presence entries and ages out old
// snapshots. A sweep is used instead of per-entry timers to bound overhead.
func (m *RoomManager) runSweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			if m.presenceIdleTimeout > 0 {
				for _, room := range m.liveRooms() {
					if removed := room.CleanupIdlePresence(m.presenceIdleTimeout); removed > 0 {
						m.logger.Debug("idle presence removed",
							zap.String("room_id", room.ID()), zap.Int("count", removed))
					}
				}
			}
			if m.snapshotMaxAge > 0 {
				if err := m.snapshots.CleanupOldSnapshots(context.Background(), m.snapshotMaxAge); err != nil {
					m.logger.Warn("snapshot cleanup sweep failed", zap.Error(err))
				}
			}
		}
	}
}

package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opencivic/quill/internal/crdt"
	"go.uber.org/zap"
)

// RoomType selects how resource existence and permissions are checked for a
// room. The legacy singular "record" spelling is normalized to "records".
type RoomType string

const (
	// RoomTypeRecords covers collaboratively edited civic records.
	RoomTypeRecords RoomType = "records"
	// RoomTypeDevice covers device configuration documents.
	RoomTypeDevice RoomType = "device"
)

// ErrUnknownRoomType indicates a room type outside the closed set.
var ErrUnknownRoomType = errors.New("realtime: unknown room type")

// ParseRoomType validates and normalizes a raw room type.
func ParseRoomType(raw string) (RoomType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "record", "records":
		return RoomTypeRecords, nil
	case "device":
		return RoomTypeDevice, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRoomType, raw)
	}
}

// RoomID derives the stable room key for a resource.
func RoomID(roomType RoomType, resourceID string) string {
	return fmt.Sprintf("%s:%s", roomType, resourceID)
}

const clientSendBuffer = 32

// client is one connected participant. Outbound frames go through a buffered
// channel drained by a single writer goroutine; a full buffer drops the frame
// rather than blocking the room.
type client struct {
	id       string
	userID   string
	username string
	sourceIP string
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func newClient(id, userID, username, sourceIP string) *client {
	return &client{
		id:       id,
		userID:   userID,
		username: username,
		sourceIP: sourceIP,
		send:     make(chan []byte, clientSendBuffer),
		done:     make(chan struct{}),
	}
}

func (c *client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

type roomConfig struct {
	roomType           RoomType
	resourceID         string
	snapshots          *SnapshotManager
	colors             *ColorAllocator
	clock              func() time.Time
	logger             *zap.Logger
	snapshotInterval   time.Duration
	snapshotMaxUpdates int
}

// Room owns the authoritative CRDT document for one collaboratively edited
// resource. The room mutex guards document, participants, and presence
// together so merges, presence updates, and broadcast enumeration are never
// interleaved with concurrent mutation.
type Room struct {
	id                 string
	roomType           RoomType
	resourceID         string
	snapshots          *SnapshotManager
	clock              func() time.Time
	logger             *zap.Logger
	snapshotMaxUpdates int
	stopLoop           chan struct{}
	stopOnce           sync.Once

	mu                   sync.Mutex
	document             *crdt.Document
	clients              map[string]*client
	presence             *PresenceTracker
	version              int64
	lastActivity         time.Time
	updatesSinceSnapshot int
	destroyed            bool
}

// newRoom builds a room and seeds its document from the most recent snapshot
// so the first participant sees previously-persisted content even after a
// process restart. Snapshot load failures degrade durability, not
// availability: the room starts empty and keeps serving.
func newRoom(ctx context.Context, cfg roomConfig) *Room {
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}
	room := &Room{
		id:                 RoomID(cfg.roomType, cfg.resourceID),
		roomType:           cfg.roomType,
		resourceID:         cfg.resourceID,
		snapshots:          cfg.snapshots,
		clock:              cfg.clock,
		logger:             cfg.logger,
		snapshotMaxUpdates: cfg.snapshotMaxUpdates,
		stopLoop:           make(chan struct{}),
		document:           crdt.NewDocument(),
		clients:            make(map[string]*client),
		presence:           NewPresenceTracker(cfg.colors, cfg.clock),
	}
	room.lastActivity = room.clock()

	snapshot, err := room.snapshots.LoadSnapshot(ctx, room.id)
	if err != nil {
		room.logger.Warn("snapshot load failed, starting with empty document",
			zap.String("room_id", room.id), zap.Error(err))
	} else if snapshot != nil {
		if err := room.snapshots.ApplySnapshot(room.document, snapshot); err != nil {
			room.logger.Error("snapshot decode failed, starting with empty document",
				zap.String("room_id", room.id), zap.Error(err))
		} else {
			room.version = snapshot.Version
		}
	}

	if cfg.snapshotInterval > 0 {
		go room.runSnapshotLoop(cfg.snapshotInterval)
	}
	return room
}

// ID returns the stable room key.
func (r *Room) ID() string {
	return r.id
}

// Version returns the version of the last persisted snapshot.
func (r *Room) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// LastActivity returns the time of the most recent inbound message.
func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// ParticipantCount reports the number of connected clients.
func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Participants returns the current presence entries as wire user infos.
func (r *Room) Participants() []UserInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.participantsLocked()
}

func (r *Room) participantsLocked() []UserInfo {
	entries := r.presence.List()
	participants := make([]UserInfo, 0, len(entries))
	for _, entry := range entries {
		participants = append(participants, UserInfo{
			ID:    entry.UserID,
			Name:  entry.Username,
			Color: entry.Color,
		})
	}
	return participants
}

// Join adds the connection, announces it to the other participants, and
// returns the CONTROL/ROOM_STATE bootstrap frame with the participant list
// and full document state.
func (r *Room) Join(c *client) Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[c.id] = c
	presence := r.presence.Add(c.userID, c.username)
	r.lastActivity = r.clock()
	r.broadcastLocked(c.id, NewPresenceMessage(PresenceEventJoined, presence))
	return NewRoomStateMessage(r.id, r.participantsLocked(), r.document.EncodeStateAsUpdate())
}

// Leave removes the connection and, once the user's last connection is gone,
// drops their presence and broadcasts the departure. Returns the number of
// remaining connections.
func (r *Room) Leave(c *client) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, c.id)
	stillConnected := false
	for _, other := range r.clients {
		if other.userID == c.userID {
			stillConnected = true
			break
		}
	}
	if !stillConnected {
		if entry, ok := r.presence.Get(c.userID); ok {
			r.presence.Remove(c.userID)
			r.broadcastLocked(c.id, NewPresenceMessage(PresenceEventLeft, entry))
		}
	}
	r.lastActivity = r.clock()
	return len(r.clients)
}

// Merge folds the update into the authoritative document and relays the raw
// bytes to every other participant. The broadcast happens only after the
// fold, and the opportunistic snapshot happens outside the room lock so a
// slow storage write never blocks relay.
func (r *Room) Merge(ctx context.Context, senderID string, update []byte) error {
	r.mu.Lock()
	if err := r.document.ApplyUpdate(update); err != nil {
		r.mu.Unlock()
		return WrapError(CodeInvalidUpdate, "undecodable sync update", err)
	}
	r.updatesSinceSnapshot++
	r.lastActivity = r.clock()
	needSnapshot := r.snapshotMaxUpdates > 0 && r.updatesSinceSnapshot >= r.snapshotMaxUpdates
	r.broadcastLocked(senderID, NewSyncMessage(update))
	r.mu.Unlock()

	if needSnapshot {
		if err := r.SnapshotNow(ctx); err != nil {
			r.logger.Warn("snapshot write failed, continuing from memory",
				zap.String("room_id", r.id), zap.Error(err))
		}
	}
	return nil
}

// ApplyPresence records an inbound cursor/awareness frame and relays it to
// the other participants. Frames for users without a presence entry are
// ignored.
func (r *Room) ApplyPresence(c *client, message Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch PresenceEvent(message.Event) {
	case PresenceEventCursor:
		if message.Cursor == nil {
			return
		}
		if !r.presence.UpdateCursor(c.userID, *message.Cursor) {
			return
		}
	case PresenceEventAwareness:
		updated := false
		if message.Idle != nil {
			updated = r.presence.UpdateIdle(c.userID, *message.Idle) || updated
		}
		if message.Cursor != nil {
			updated = r.presence.UpdateCursor(c.userID, *message.Cursor) || updated
		}
		if !updated {
			return
		}
	default:
		return
	}

	r.lastActivity = r.clock()
	entry, ok := r.presence.Get(c.userID)
	if !ok {
		return
	}
	r.broadcastLocked(c.id, NewPresenceMessage(PresenceEvent(message.Event), entry))
}

// BootstrapState encodes the full current document state.
func (r *Room) BootstrapState() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.document.EncodeStateAsUpdate()
}

// SnapshotNow checkpoints the current document state and persists it. The
// room version advances and the pending-update counter drains only after the
// write succeeds, so a failed write leaves the room dirty and Destroy still
// attempts a final checkpoint.
func (r *Room) SnapshotNow(ctx context.Context) error {
	r.mu.Lock()
	nextVersion := r.version + 1
	pending := r.updatesSinceSnapshot
	snapshot := r.snapshots.CreateSnapshot(r.id, r.document, nextVersion)
	r.mu.Unlock()

	if err := r.snapshots.SaveSnapshot(ctx, snapshot); err != nil {
		return err
	}

	r.mu.Lock()
	if nextVersion > r.version {
		r.version = nextVersion
	}
	// Updates merged while the write was in flight stay counted.
	if r.updatesSinceSnapshot >= pending {
		r.updatesSinceSnapshot -= pending
	} else {
		r.updatesSinceSnapshot = 0
	}
	r.mu.Unlock()
	return nil
}

// CleanupIdlePresence sweeps out participants flagged idle and inactive past
// the threshold, broadcasting their departure. Returns how many were removed.
func (r *Room) CleanupIdlePresence(threshold time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := r.presence.CleanupIdle(threshold)
	for _, entry := range removed {
		r.broadcastLocked("", NewPresenceMessage(PresenceEventLeft, entry))
	}
	return len(removed)
}

// Destroy stops the snapshot loop and writes a final checkpoint before the
// document is released from memory. Idempotent.
func (r *Room) Destroy(ctx context.Context) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	dirty := r.updatesSinceSnapshot > 0
	hasState := r.document.OperationCount() > 0
	r.mu.Unlock()

	r.stopOnce.Do(func() {
		close(r.stopLoop)
	})

	if dirty && hasState {
		if err := r.SnapshotNow(ctx); err != nil {
			r.logger.Error("final snapshot failed",
				zap.String("room_id", r.id), zap.Error(err))
		}
	}
}

func (r *Room) runSnapshotLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopLoop:
			return
		case <-ticker.C:
			r.mu.Lock()
			due := len(r.clients) > 0 && r.updatesSinceSnapshot > 0
			r.mu.Unlock()
			if !due {
				continue
			}
			if err := r.SnapshotNow(context.Background()); err != nil {
				r.logger.Warn("interval snapshot failed, continuing from memory",
					zap.String("room_id", r.id), zap.Error(err))
			}
		}
	}
}

func (r *Room) broadcastLocked(excludeConnectionID string, message Message) {
	frame, err := EncodeMessage(message)
	if err != nil {
		r.logger.Error("failed to encode broadcast frame",
			zap.String("room_id", r.id), zap.Error(err))
		return
	}
	for connectionID, participant := range r.clients {
		if connectionID == excludeConnectionID {
			continue
		}
		if !participant.enqueue(frame) {
			r.logger.Debug("dropped frame for slow consumer",
				zap.String("room_id", r.id),
				zap.String("user_id", participant.userID))
		}
	}
}

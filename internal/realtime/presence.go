package realtime

import (
	"sort"
	"sync"
	"time"
)

// presencePalette is the fixed color pool handed out to participants.
var presencePalette = []string{
	"#E63946", "#F4A261", "#E9C46A", "#2A9D8F",
	"#264653", "#6D597A", "#B56576", "#355070",
	"#43AA8B", "#577590",
}

// Presence is the ephemeral per-user state within a room.
type Presence struct {
	UserID       string
	Username     string
	Color        string
	Cursor       *Cursor
	Idle         bool
	LastActivity time.Time
}

// ColorAllocator hands out palette colors deterministically and remembers
// the last assignment per user, so a reconnecting user keeps their color for
// the lifetime of the process. It is owned by the server instance, never a
// package global, so instances in tests do not cross-contaminate.
type ColorAllocator struct {
	mu       sync.Mutex
	assigned map[string]string
	next     int
}

// NewColorAllocator constructs an empty allocator.
func NewColorAllocator() *ColorAllocator {
	return &ColorAllocator{assigned: make(map[string]string)}
}

// ColorFor returns the cached color for a previously-seen user, else the next
// palette entry.
func (a *ColorAllocator) ColorFor(userID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if color, ok := a.assigned[userID]; ok {
		return color
	}
	color := presencePalette[a.next%len(presencePalette)]
	a.next++
	a.assigned[userID] = color
	return color
}

// PresenceTracker is the per-room registry of participants' cursors, idle
// flags, and colors.
type PresenceTracker struct {
	mu      sync.Mutex
	colors  *ColorAllocator
	clock   func() time.Time
	entries map[string]*Presence
}

// NewPresenceTracker constructs a tracker backed by the shared allocator.
func NewPresenceTracker(colors *ColorAllocator, clock func() time.Time) *PresenceTracker {
	if colors == nil {
		colors = NewColorAllocator()
	}
	if clock == nil {
		clock = time.Now
	}
	return &PresenceTracker{
		colors:  colors,
		clock:   clock,
		entries: make(map[string]*Presence),
	}
}

// Add registers a participant and assigns their color. Re-adding an existing
// user refreshes activity and keeps the stored cursor.
func (t *PresenceTracker) Add(userID, username string) Presence {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.entries[userID]; ok {
		entry.LastActivity = t.clock()
		return *entry
	}
	entry := &Presence{
		UserID:       userID,
		Username:     username,
		Color:        t.colors.ColorFor(userID),
		LastActivity: t.clock(),
	}
	t.entries[userID] = entry
	return *entry
}

// UpdateCursor records a cursor move and refreshes activity. Updates for
// absent users are a no-op, not an error.
func (t *PresenceTracker) UpdateCursor(userID string, cursor Cursor) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[userID]
	if !ok {
		return false
	}
	cursorCopy := cursor
	entry.Cursor = &cursorCopy
	entry.LastActivity = t.clock()
	return true
}

// UpdateIdle sets the idle flag from an explicit client signal. No-op for
// absent users.
func (t *PresenceTracker) UpdateIdle(userID string, idle bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[userID]
	if !ok {
		return false
	}
	entry.Idle = idle
	return true
}

// Remove deletes the entry. Idempotent.
func (t *PresenceTracker) Remove(userID string) {
	t.mu.Lock()
	delete(t.entries, userID)
	t.mu.Unlock()
}

// Get returns a copy of the entry for the user.
func (t *PresenceTracker) Get(userID string) (Presence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[userID]
	if !ok {
		return Presence{}, false
	}
	return *entry, true
}

// List returns the current entries ordered by user id.
func (t *PresenceTracker) List() []Presence {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := make([]Presence, 0, len(t.entries))
	for _, entry := range t.entries {
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(left, right int) bool {
		return entries[left].UserID < entries[right].UserID
	})
	return entries
}

// CleanupIdle removes entries that are both flagged idle and inactive past
// the threshold, returning the removed entries. Entries that never signalled
// idle are kept regardless of age; the sweep is a safety net for clients
// that vanished without a close handshake.
func (t *PresenceTracker) CleanupIdle(threshold time.Duration) []Presence {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	removed := make([]Presence, 0)
	for userID, entry := range t.entries {
		if entry.Idle && now.Sub(entry.LastActivity) > threshold {
			removed = append(removed, *entry)
			delete(t.entries, userID)
		}
	}
	return removed
}

// NewPresenceMessage builds the wire frame broadcast for a presence event.
func NewPresenceMessage(event PresenceEvent, presence Presence) Message {
	message := Message{
		Type:  MessageTypePresence,
		Event: string(event),
		User: &UserInfo{
			ID:    presence.UserID,
			Name:  presence.Username,
			Color: presence.Color,
		},
	}
	if presence.Cursor != nil {
		cursorCopy := *presence.Cursor
		message.Cursor = &cursorCopy
	}
	if event == PresenceEventAwareness {
		idle := presence.Idle
		message.Idle = &idle
	}
	return message
}

package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var errMissingSnapshotDirectory = errors.New("realtime: snapshot directory is required")

const snapshotFileExtension = ".snapshot.json"

// snapshotFilePayload is the on-disk encoding of one snapshot file.
type snapshotFilePayload struct {
	RoomID           string `json:"room_id"`
	StateB64         string `json:"state_b64"`
	Version          int64  `json:"version"`
	TimestampSeconds int64  `json:"timestamp_s"`
}

// FilesystemSnapshotStorage persists one file per {room, version} under a
// base directory and loads the most recent version for a room.
type FilesystemSnapshotStorage struct {
	directory string
}

// NewFilesystemSnapshotStorage constructs storage rooted at the directory,
// creating it when absent.
func NewFilesystemSnapshotStorage(directory string) (*FilesystemSnapshotStorage, error) {
	if strings.TrimSpace(directory) == "" {
		return nil, errMissingSnapshotDirectory
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, err
	}
	return &FilesystemSnapshotStorage{directory: directory}, nil
}

// Load returns the highest-version snapshot for the room, or (nil, nil) when
// no file exists.
func (s *FilesystemSnapshotStorage) Load(_ context.Context, roomID string) (*Snapshot, error) {
	paths, err := s.snapshotFiles(roomID)
	if err != nil {
		return nil, err
	}

	var latest *Snapshot
	for _, path := range paths {
		snapshot, err := readSnapshotFile(path)
		if err != nil {
			return nil, err
		}
		if latest == nil || snapshot.Version > latest.Version ||
			(snapshot.Version == latest.Version && snapshot.Timestamp.After(latest.Timestamp)) {
			latest = snapshot
		}
	}
	return latest, nil
}

// Save writes the snapshot to its {room, version} file.
func (s *FilesystemSnapshotStorage) Save(_ context.Context, snapshot *Snapshot) error {
	payload := snapshotFilePayload{
		RoomID:           snapshot.RoomID,
		StateB64:         base64.StdEncoding.EncodeToString(snapshot.State),
		Version:          snapshot.Version,
		TimestampSeconds: snapshot.Timestamp.UTC().Unix(),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return os.WriteFile(s.snapshotPath(snapshot.RoomID, snapshot.Version), encoded, 0o644)
}

// Delete removes every snapshot file for the room.
func (s *FilesystemSnapshotStorage) Delete(_ context.Context, roomID string) error {
	paths, err := s.snapshotFiles(roomID)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// DeleteOlderThan removes snapshot files recorded before the cutoff.
func (s *FilesystemSnapshotStorage) DeleteOlderThan(_ context.Context, cutoff time.Time) error {
	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return err
	}
	cutoffSeconds := cutoff.UTC().Unix()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), snapshotFileExtension) {
			continue
		}
		path := filepath.Join(s.directory, entry.Name())
		snapshot, err := readSnapshotFile(path)
		if err != nil {
			return err
		}
		if snapshot.Timestamp.UTC().Unix() < cutoffSeconds {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
	}
	return nil
}

func (s *FilesystemSnapshotStorage) snapshotPath(roomID string, version int64) string {
	name := fmt.Sprintf("%s-%012d%s", encodeRoomID(roomID), version, snapshotFileExtension)
	return filepath.Join(s.directory, name)
}

func (s *FilesystemSnapshotStorage) snapshotFiles(roomID string) ([]string, error) {
	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return nil, err
	}
	prefix := encodeRoomID(roomID) + "-"
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), prefix) && strings.HasSuffix(entry.Name(), snapshotFileExtension) {
			paths = append(paths, filepath.Join(s.directory, entry.Name()))
		}
	}
	return paths, nil
}

func readSnapshotFile(path string) (*Snapshot, error) {
	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var payload snapshotFilePayload
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSnapshot, path)
	}
	state, err := base64.StdEncoding.DecodeString(payload.StateB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSnapshot, path)
	}
	return &Snapshot{
		RoomID:    payload.RoomID,
		State:     state,
		Version:   payload.Version,
		Timestamp: time.Unix(payload.TimestampSeconds, 0).UTC(),
	}, nil
}

// encodeRoomID makes a room id filesystem-safe; room ids contain ':'.
func encodeRoomID(roomID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(roomID))
}

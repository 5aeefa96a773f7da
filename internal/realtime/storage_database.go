package realtime

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingSnapshotDatabase = errors.New("realtime: database handle is required")

// SnapshotRecord is the persisted form of a room snapshot. One row per room;
// Save keeps the row at the highest version seen.
type SnapshotRecord struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:190;not null"`
	State            []byte `gorm:"column:state;not null"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRecord) TableName() string {
	return "room_snapshots"
}

// DatabaseSnapshotStorage persists snapshots as database rows.
type DatabaseSnapshotStorage struct {
	db *gorm.DB
}

// NewDatabaseSnapshotStorage constructs storage over the provided database.
func NewDatabaseSnapshotStorage(db *gorm.DB) (*DatabaseSnapshotStorage, error) {
	if db == nil {
		return nil, errMissingSnapshotDatabase
	}
	return &DatabaseSnapshotStorage{db: db}, nil
}

// Load returns the stored snapshot for the room, or (nil, nil) when absent.
func (s *DatabaseSnapshotStorage) Load(ctx context.Context, roomID string) (*Snapshot, error) {
	var record SnapshotRecord
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		RoomID:    record.RoomID,
		State:     record.State,
		Version:   record.Version,
		Timestamp: time.Unix(record.UpdatedAtSeconds, 0).UTC(),
	}, nil
}

// Save upserts the room's snapshot row. A row already holding a higher
// version wins; CRDT state is monotonic, so the later snapshot dominates.
func (s *DatabaseSnapshotStorage) Save(ctx context.Context, snapshot *Snapshot) error {
	record := SnapshotRecord{
		RoomID:           snapshot.RoomID,
		State:            snapshot.State,
		Version:          snapshot.Version,
		UpdatedAtSeconds: snapshot.Timestamp.UTC().Unix(),
	}
	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing SnapshotRecord
		err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("room_id = ?", snapshot.RoomID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return transaction.Create(&record).Error
		}
		if err != nil {
			return err
		}
		if existing.Version > record.Version {
			return nil
		}
		return transaction.Save(&record).Error
	})
}

// Delete removes the room's snapshot row. Missing rows are not an error.
func (s *DatabaseSnapshotStorage) Delete(ctx context.Context, roomID string) error {
	return s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Delete(&SnapshotRecord{}).Error
}

// DeleteOlderThan removes rows last updated before the cutoff.
func (s *DatabaseSnapshotStorage) DeleteOlderThan(ctx context.Context, cutoff time.Time) error {
	return s.db.WithContext(ctx).
		Where("updated_at_s < ?", cutoff.UTC().Unix()).
		Delete(&SnapshotRecord{}).Error
}

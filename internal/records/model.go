package records

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("records: invalid record id")
	// ErrInvalidTitle indicates that a record title is empty.
	ErrInvalidTitle = errors.New("records: invalid title")
)

// RecordID represents a validated record identifier.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return RecordID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RecordID) String() string {
	return string(id)
}

// Record models a civic record document open for collaborative editing. The
// document body itself lives in the realtime subsystem's snapshots; the row
// here carries identity and listing metadata.
type Record struct {
	RecordID         string `gorm:"column:record_id;primaryKey;size:190;not null"`
	Title            string `gorm:"column:title;size:500;not null"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null;index:idx_records_creator_updated,priority:1"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_records_creator_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "records"
}

package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingCreator    = errors.New("creator identifier is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "records.service.new"
	opCreateRecord = "records.create"
	opGetRecord    = "records.get"
	opListRecords  = "records.list"
	opTouchRecord  = "records.touch"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create persists a new record owned by the creator and returns it.
func (s *Service) Create(ctx context.Context, createdBy, title string) (*Record, error) {
	if strings.TrimSpace(createdBy) == "" {
		s.logError(opCreateRecord, "missing_creator", errMissingCreator)
		return nil, newServiceError(opCreateRecord, "missing_creator", errMissingCreator)
	}
	trimmedTitle := strings.TrimSpace(title)
	if trimmedTitle == "" {
		s.logError(opCreateRecord, "missing_title", ErrInvalidTitle)
		return nil, newServiceError(opCreateRecord, "missing_title", ErrInvalidTitle)
	}

	recordID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateRecord, "id_generation_failed", err)
		return nil, newServiceError(opCreateRecord, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	record := Record{
		RecordID:         recordID,
		Title:            trimmedTitle,
		CreatedBy:        createdBy,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreateRecord, "insert_failed", err, zap.String("record_id", recordID))
		return nil, newServiceError(opCreateRecord, "insert_failed", err)
	}
	return &record, nil
}

// Get returns the record with the given identifier, or (nil, nil) when it
// does not exist.
func (s *Service) Get(ctx context.Context, recordID RecordID) (*Record, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("record_id = ?", recordID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGetRecord, "query_failed", err, zap.String("record_id", recordID.String()))
		return nil, newServiceError(opGetRecord, "query_failed", err)
	}
	return &record, nil
}

// List returns all records ordered by most recent update.
func (s *Service) List(ctx context.Context) ([]Record, error) {
	var result []Record
	if err := s.db.WithContext(ctx).
		Order("updated_at_s DESC").
		Find(&result).Error; err != nil {
		s.logError(opListRecords, "query_failed", err)
		return nil, newServiceError(opListRecords, "query_failed", err)
	}
	return result, nil
}

// Touch advances the record's update timestamp. Called when a collaboration
// session checkpoints the record's document.
func (s *Service) Touch(ctx context.Context, recordID RecordID) error {
	err := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("record_id = ?", recordID.String()).
		Update("updated_at_s", s.clock().UTC().Unix()).Error
	if err != nil {
		s.logError(opTouchRecord, "update_failed", err, zap.String("record_id", recordID.String()))
		return newServiceError(opTouchRecord, "update_failed", err)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("records service error", attrs...)
}

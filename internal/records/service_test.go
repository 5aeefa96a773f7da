package records

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var recordsTestSequence int

func newTestService(t *testing.T) *Service {
	t.Helper()
	recordsTestSequence++
	dsn := fmt.Sprintf("file:records_%d?mode=memory&cache=shared", recordsTestSequence)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func mustRecordID(t *testing.T, value string) RecordID {
	t.Helper()
	id, err := NewRecordID(value)
	if err != nil {
		t.Fatalf("unexpected record id error: %v", err)
	}
	return id
}

func TestServiceCreateAndGet(t *testing.T) {
	service := newTestService(t)

	created, err := service.Create(context.Background(), "user-1", "Council meeting minutes")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.RecordID == "" {
		t.Fatal("expected generated record id")
	}
	if created.CreatedBy != "user-1" {
		t.Fatalf("unexpected creator: %s", created.CreatedBy)
	}

	loaded, err := service.Get(context.Background(), mustRecordID(t, created.RecordID))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded == nil || loaded.Title != "Council meeting minutes" {
		t.Fatalf("unexpected record: %+v", loaded)
	}
}

func TestServiceGetMissingReturnsNil(t *testing.T) {
	service := newTestService(t)

	loaded, err := service.Get(context.Background(), mustRecordID(t, "absent"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil for missing record, got %+v", loaded)
	}
}

func TestServiceCreateValidatesInput(t *testing.T) {
	service := newTestService(t)

	if _, err := service.Create(context.Background(), "", "Title"); err == nil {
		t.Fatal("expected missing creator rejection")
	}
	_, err := service.Create(context.Background(), "user-1", "   ")
	if err == nil {
		t.Fatal("expected missing title rejection")
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "records.create.missing_title" {
		t.Fatalf("unexpected error code: %s", serviceErr.Code())
	}
}

func TestServiceListOrdersByMostRecentUpdate(t *testing.T) {
	service := newTestService(t)
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	service.clock = func() time.Time { return clockNow }

	older, err := service.Create(context.Background(), "user-1", "Older")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	clockNow = clockNow.Add(time.Hour)
	newer, err := service.Create(context.Background(), "user-1", "Newer")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	listed, err := service.List(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 records, got %d", len(listed))
	}
	if listed[0].RecordID != newer.RecordID || listed[1].RecordID != older.RecordID {
		t.Fatal("expected most recently updated record first")
	}
}

func TestServiceTouchAdvancesTimestamp(t *testing.T) {
	service := newTestService(t)
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	service.clock = func() time.Time { return clockNow }

	created, err := service.Create(context.Background(), "user-1", "Record")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	clockNow = clockNow.Add(30 * time.Minute)
	if err := service.Touch(context.Background(), mustRecordID(t, created.RecordID)); err != nil {
		t.Fatalf("touch failed: %v", err)
	}

	loaded, err := service.Get(context.Background(), mustRecordID(t, created.RecordID))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded.UpdatedAtSeconds != clockNow.Unix() {
		t.Fatalf("expected touched timestamp %d, got %d", clockNow.Unix(), loaded.UpdatedAtSeconds)
	}
}

func TestNewRecordIDValidation(t *testing.T) {
	if _, err := NewRecordID("  "); !errors.Is(err, ErrInvalidRecordID) {
		t.Fatalf("expected invalid record id error, got %v", err)
	}
	long := make([]byte, maxIdentifierLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := NewRecordID(string(long)); !errors.Is(err, ErrInvalidRecordID) {
		t.Fatalf("expected length rejection, got %v", err)
	}
	id, err := NewRecordID(" rec-1 ")
	if err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	if id.String() != "rec-1" {
		t.Fatalf("expected trimmed id, got %q", id.String())
	}
}

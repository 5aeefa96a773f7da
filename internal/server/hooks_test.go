package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/opencivic/quill/internal/realtime"
	"github.com/opencivic/quill/internal/records"
	"gorm.io/gorm"
)

func newHookFixture(t *testing.T, clock func() time.Time) (*HookAuditor, *realtime.HookEmitter, *records.Service) {
	t.Helper()
	adapterTestSequence++
	dsn := fmt.Sprintf("file:hooks_%d?mode=memory&cache=shared", adapterTestSequence)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&records.Record{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := records.NewService(records.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: records.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct records service: %v", err)
	}

	emitter := realtime.NewHookEmitter()
	auditor, err := NewHookAuditor(HookAuditorConfig{Hooks: emitter, Records: service})
	if err != nil {
		t.Fatalf("failed to construct hook auditor: %v", err)
	}
	return auditor, emitter, service
}

func recordTimestamp(t *testing.T, service *records.Service, recordID string) int64 {
	t.Helper()
	id, err := records.NewRecordID(recordID)
	if err != nil {
		t.Fatalf("unexpected record id error: %v", err)
	}
	loaded, err := service.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded == nil {
		t.Fatalf("record %s disappeared", recordID)
	}
	return loaded.UpdatedAtSeconds
}

func TestHookAuditorStampsRecordOnRoomCheckpoint(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	auditor, _, service := newHookFixture(t, func() time.Time { return clockNow })

	created, err := service.Create(context.Background(), "user-1", "Record")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	createdAt := created.UpdatedAtSeconds

	clockNow = clockNow.Add(time.Hour)
	auditor.handle(context.Background(), realtime.HookEvent{
		Type:   realtime.HookRoomDestroyed,
		RoomID: "records:" + created.RecordID,
	})

	if got := recordTimestamp(t, service, created.RecordID); got != createdAt+3600 {
		t.Fatalf("expected stamped timestamp %d, got %d", createdAt+3600, got)
	}
}

func TestHookAuditorIgnoresOtherEvents(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	auditor, _, service := newHookFixture(t, func() time.Time { return clockNow })

	created, err := service.Create(context.Background(), "user-1", "Record")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	createdAt := created.UpdatedAtSeconds

	clockNow = clockNow.Add(time.Hour)
	auditor.handle(context.Background(), realtime.HookEvent{
		Type:   realtime.HookClientDisconnected,
		RoomID: "records:" + created.RecordID,
		UserID: "user-1",
	})
	auditor.handle(context.Background(), realtime.HookEvent{
		Type:   realtime.HookRoomDestroyed,
		RoomID: "device:sensor-7",
	})

	if got := recordTimestamp(t, service, created.RecordID); got != createdAt {
		t.Fatalf("timestamp should be untouched, got %d (was %d)", got, createdAt)
	}
}

func TestHookAuditorRunConsumesEmittedEvents(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	auditor, emitter, service := newHookFixture(t, func() time.Time { return clockNow })

	created, err := service.Create(context.Background(), "user-1", "Record")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	createdAt := created.UpdatedAtSeconds
	clockNow = clockNow.Add(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go auditor.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		emitter.Emit(realtime.HookEvent{
			Type:   realtime.HookRoomDestroyed,
			RoomID: "records:" + created.RecordID,
		})
		if recordTimestamp(t, service, created.RecordID) == createdAt+3600 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("emitted room-destroyed event never stamped the record")
}

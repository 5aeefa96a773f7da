package server

import (
	"context"
	"errors"
	"strings"

	"github.com/opencivic/quill/internal/realtime"
	"github.com/opencivic/quill/internal/records"
	"go.uber.org/zap"
)

var (
	errMissingHookEmitter = errors.New("hook emitter dependency required")
	errMissingHookRecords = errors.New("records service dependency required")
)

// HookAuditorConfig carries the collaborators of a HookAuditor.
type HookAuditorConfig struct {
	Hooks   *realtime.HookEmitter
	Records *records.Service
	Logger  *zap.Logger
}

// HookAuditor consumes realtime lifecycle events. Every event is written to
// the audit log, and when a record room is destroyed (which checkpoints its
// document) the record's update timestamp is stamped so listings sort by
// collaboration activity, not just title edits.
type HookAuditor struct {
	hooks          *realtime.HookEmitter
	recordsService *records.Service
	logger         *zap.Logger
}

// NewHookAuditor validates the configuration and constructs the auditor.
func NewHookAuditor(cfg HookAuditorConfig) (*HookAuditor, error) {
	if cfg.Hooks == nil {
		return nil, errMissingHookEmitter
	}
	if cfg.Records == nil {
		return nil, errMissingHookRecords
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HookAuditor{
		hooks:          cfg.Hooks,
		recordsService: cfg.Records,
		logger:         logger,
	}, nil
}

// Run subscribes to the emitter and processes events until the context is
// cancelled. Intended to run on its own goroutine.
func (a *HookAuditor) Run(ctx context.Context) {
	events, unsubscribe := a.hooks.Subscribe(ctx)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			a.handle(ctx, event)
		}
	}
}

func (a *HookAuditor) handle(ctx context.Context, event realtime.HookEvent) {
	a.logger.Info("realtime lifecycle event",
		zap.String("event", event.Type),
		zap.String("room_id", event.RoomID),
		zap.String("user_id", event.UserID))

	if event.Type != realtime.HookRoomDestroyed {
		return
	}
	resourceID, ok := strings.CutPrefix(event.RoomID, string(realtime.RoomTypeRecords)+":")
	if !ok {
		return
	}
	recordID, err := records.NewRecordID(resourceID)
	if err != nil {
		return
	}
	if err := a.recordsService.Touch(ctx, recordID); err != nil {
		a.logger.Warn("failed to stamp record after room checkpoint",
			zap.String("record_id", recordID.String()),
			zap.Error(err))
	}
}

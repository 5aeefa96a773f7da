package server

import (
	"context"
	"errors"
	"strings"

	"github.com/opencivic/quill/internal/auth"
	"github.com/opencivic/quill/internal/permissions"
	"github.com/opencivic/quill/internal/realtime"
	"github.com/opencivic/quill/internal/records"
)

// SessionTokenValidator adapts the session validator to the realtime
// admission interface.
type SessionTokenValidator struct {
	sessions *auth.SessionValidator
}

// NewSessionTokenValidator wraps the session validator.
func NewSessionTokenValidator(sessions *auth.SessionValidator) *SessionTokenValidator {
	return &SessionTokenValidator{sessions: sessions}
}

// Validate implements realtime.TokenValidator.
func (v *SessionTokenValidator) Validate(_ context.Context, token string) (realtime.Identity, error) {
	claims, err := v.sessions.ValidateToken(token)
	if err != nil {
		return realtime.Identity{}, err
	}
	displayName := claims.UserDisplayName
	if strings.TrimSpace(displayName) == "" {
		displayName = claims.UserID
	}
	return realtime.Identity{
		UserID:      claims.UserID,
		DisplayName: displayName,
		Roles:       claims.UserRoles,
	}, nil
}

// ResourceCatalog resolves room resources: records through the records
// service, device documents against a configured allow-list. An empty
// allow-list accepts any device id, since device documents are created on
// first use.
type ResourceCatalog struct {
	recordsService *records.Service
	devices        map[string]struct{}
}

// NewResourceCatalog constructs a catalog over the records service.
func NewResourceCatalog(recordsService *records.Service, deviceIDs []string) *ResourceCatalog {
	var devices map[string]struct{}
	if len(deviceIDs) > 0 {
		devices = make(map[string]struct{}, len(deviceIDs))
		for _, deviceID := range deviceIDs {
			if trimmed := strings.TrimSpace(deviceID); trimmed != "" {
				devices[trimmed] = struct{}{}
			}
		}
	}
	return &ResourceCatalog{recordsService: recordsService, devices: devices}
}

// Exists implements realtime.ResourceResolver.
func (c *ResourceCatalog) Exists(ctx context.Context, roomType realtime.RoomType, resourceID string) (bool, error) {
	switch roomType {
	case realtime.RoomTypeRecords:
		recordID, err := records.NewRecordID(resourceID)
		if err != nil {
			return false, nil
		}
		record, err := c.recordsService.Get(ctx, recordID)
		if err != nil {
			return false, err
		}
		return record != nil, nil
	case realtime.RoomTypeDevice:
		if c.devices == nil {
			return true, nil
		}
		_, ok := c.devices[resourceID]
		return ok, nil
	default:
		return false, nil
	}
}

// PolicyPermissionChecker adapts a role policy to the realtime admission
// interface.
type PolicyPermissionChecker struct {
	policy *permissions.Policy
}

// NewPolicyPermissionChecker wraps the policy.
func NewPolicyPermissionChecker(policy *permissions.Policy) *PolicyPermissionChecker {
	return &PolicyPermissionChecker{policy: policy}
}

// Allow implements realtime.PermissionChecker.
func (c *PolicyPermissionChecker) Allow(_ context.Context, identity realtime.Identity, roomType realtime.RoomType, _ string) (bool, error) {
	allowed, err := c.policy.Allows(string(roomType), identity.Roles)
	if errors.Is(err, permissions.ErrUnknownScope) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return allowed, nil
}

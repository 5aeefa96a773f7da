package records

import "github.com/google/uuid"

// UUIDProvider issues time-ordered UUIDv7 record identifiers. The time
// prefix keeps freshly created records adjacent in the primary key index.
type UUIDProvider struct{}

// NewUUIDProvider constructs the default identifier provider.
func NewUUIDProvider() *UUIDProvider {
	return &UUIDProvider{}
}

// NewID implements IDProvider.
func (UUIDProvider) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

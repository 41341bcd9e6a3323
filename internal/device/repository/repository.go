package repository

import (
	"context"

	"schoolhub/backend/internal/device/domain"
)

// Repository defines read and trust-management access to devices. Devices are created and
// updated by the session store as part of a login.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Device, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Device, error)
	// SetTrustState changes the trust state of a device owned by userID.
	// Returns false when no such device exists for that user.
	SetTrustState(ctx context.Context, userID, id string, state domain.TrustState) (bool, error)
}

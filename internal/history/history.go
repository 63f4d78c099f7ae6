package history

import (
	"context"
	"time"
)

// Entry represents a single device status transition record.
type Entry struct {
	// ID is the auto-incremented primary key for the history row.
	ID int64 `json:"id"`

	// DeviceID is the unique identifier of the device.
	DeviceID string `json:"deviceId"`

	// Status is the status the device transitioned to.
	Status string `json:"status"`

	// PreviousStatus is the status the device transitioned from.
	// Empty when the device was first observed.
	PreviousStatus string `json:"previousStatus,omitempty"`

	// RecordedAt is the timestamp of the transition (UTC).
	RecordedAt time.Time `json:"recordedAt"`
}

// Repository stores and retrieves device status transitions.
//
// Implementations must be thread-safe and use UTC timestamps.
type Repository interface {
	// Record appends a status transition for the device.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - deviceID: Unique device identifier
	//   - status: New device status
	//   - previousStatus: Prior status ("" when unknown)
	//
	// Returns:
	//   - error: nil on success, otherwise the underlying persistence error
	Record(ctx context.Context, deviceID, status, previousStatus string) error

	// ListForDevice returns recent transitions for the device, newest first.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - deviceID: Unique device identifier
	//   - limit: Maximum entries to return (implementation may clamp bounds)
	//
	// Returns:
	//   - []Entry: Ordered newest-first entries (may be empty)
	//   - error: nil on success, otherwise the underlying query error
	ListForDevice(ctx context.Context, deviceID string, limit int) ([]Entry, error)
}

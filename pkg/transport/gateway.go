package transport

import (
	"context"
	"time"
)

// Gateway is the bulk pipe pair the transport drives. The real one lives in
// pkg/usbio; tests script their own.
type Gateway interface {
	// BulkOut writes all of p to the bulk OUT endpoint within timeout.
	BulkOut(ctx context.Context, p []byte, timeout time.Duration) error
	// BulkIn reads up to max bytes from the bulk IN endpoint within
	// timeout. Short reads are not errors.
	BulkIn(ctx context.Context, max int, timeout time.Duration) ([]byte, error)
	// ClearHalt clears the halt on the IN (true) or OUT (false) endpoint.
	ClearHalt(in bool) error
	// ResetDevice performs a port reset; all device protocol state is lost.
	ResetDevice() error
	// IsPresent reports whether the device still answers on the bus.
	IsPresent() bool
	// Close releases the claimed interface.
	Close() error
}

// Reopener is an optional capability (used via type assertion): gateways
// that can wait for re-enumeration and re-claim the device implement it.
type Reopener interface {
	Reopen(ctx context.Context) error
}

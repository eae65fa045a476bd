package plc

import (
	"context"

	"github.com/elixirlabs/chamber-gateway/internal/signalmap"
)

// Transport is the opaque, blocking capability for talking to the physical
// controller. Implementations are not required to be safe for concurrent
// calls; the Adapter serializes all access. The byte-level wire protocol is
// the driver's business, not the gateway's.
type Transport interface {
	// Connect establishes the physical connection.
	Connect(ctx context.Context, endpoint string) error

	// ReadRegion reads length bytes starting at offset within a region.
	ReadRegion(region signalmap.Region, offset, length int) ([]byte, error)

	// WriteRegion writes data starting at offset within a region.
	WriteRegion(region signalmap.Region, offset int, data []byte) error

	// Disconnect tears the connection down. Safe to call when not connected.
	Disconnect() error
}

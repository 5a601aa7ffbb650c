// Package driver defines the capability contract every device-protocol
// module implements. The core talks to devices only through this interface;
// new protocols are added by registering a factory, never by modifying
// the core.
package driver

import (
	"forgeio/config"
	"forgeio/tag"
)

// Driver is the unified interface for all device-protocol modules.
type Driver interface {
	// Connection management. Connect is idempotent when already connected;
	// Close always succeeds and releases underlying resources.
	Connect() error
	Close() error
	IsConnected() bool

	// Identification
	Info() Info

	// ReadBatch reads the given driver-native addresses in one logical
	// operation. A failure on one address is reported in its ReadResult
	// and never fails the batch; the returned error is reserved for
	// whole-connection faults.
	ReadBatch(addresses []string) ([]ReadResult, error)

	// Write sends a value to a single address.
	Write(address string, v tag.Variant) error

	// Browse returns the immediate children of a node in the driver's
	// native hierarchical address space.
	Browse(nodeID string) (*BrowseNode, error)

	// Discover returns candidate addresses the device offers for polling.
	Discover() ([]Candidate, error)

	// IsConnectionError reports whether err indicates the connection is
	// unusable (as opposed to a per-address fault).
	IsConnectionError(err error) bool
}

// ReadResult is the per-address outcome of a batch read.
type ReadResult struct {
	Address string
	Variant tag.Variant
	Err     error // nil on success
}

// BrowseNode is one node of a driver's address hierarchy.
type BrowseNode struct {
	NodeID   string
	Children []string
}

// Candidate is a pollable address discovered on a device.
type Candidate struct {
	Address       string
	SuggestedKind tag.Kind
}

// Info describes a driver instance.
type Info struct {
	ID       string
	Name     string
	Protocol string
	Address  string
}

// Factory creates a Driver from its configuration. The connection is not
// established until Connect is called.
type Factory func(cfg *config.DriverConfig) (Driver, error)

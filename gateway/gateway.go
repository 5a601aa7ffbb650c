// Package gateway is the on-demand surface of the data plane: node
// browsing, tag discovery, and administrative writes. Everything here runs
// against a live driver session; the cyclic path belongs to poll.
package gateway

import (
	"errors"
	"fmt"

	"forgeio/driver"
	"forgeio/logging"
	"forgeio/supervisor"
	"forgeio/tag"
)

var (
	// ErrDriverUnavailable is returned when the target driver has no
	// usable session.
	ErrDriverUnavailable = errors.New("driver unavailable")
	// ErrTagNotFound is returned when a write names an unregistered path.
	ErrTagNotFound = errors.New("tag not found")
)

// Gateway fronts browse, discovery, and write requests.
type Gateway struct {
	store  *tag.Store
	supers *supervisor.Registry
}

// New creates a gateway over the given store and supervisor registry.
func New(store *tag.Store, supers *supervisor.Registry) *Gateway {
	return &Gateway{store: store, supers: supers}
}

// ready resolves a driver id to a supervisor with a usable session.
func (g *Gateway) ready(driverID string) (*supervisor.Supervisor, error) {
	sup, ok := g.supers.Get(driverID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", tag.ErrUnknownDriver, driverID)
	}
	if state := sup.State(); !state.Ready() {
		if state == supervisor.StateDisconnected {
			sup.RequestConnect()
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrDriverUnavailable, driverID, state)
	}
	return sup, nil
}

// Browse lists the children of a node in the driver's address space. An
// empty node id browses from the driver's root.
func (g *Gateway) Browse(driverID, nodeID string) (*driver.BrowseNode, error) {
	sup, err := g.ready(driverID)
	if err != nil {
		return nil, err
	}

	node, err := sup.Driver().Browse(nodeID)
	if err != nil {
		if sup.Driver().IsConnectionError(err) {
			sup.ReportFailure(err)
		}
		return nil, fmt.Errorf("browse %s on %s: %w", nodeID, driverID, err)
	}
	sup.ReportSuccess()
	return node, nil
}

// Discover asks the driver for addresses worth polling.
func (g *Gateway) Discover(driverID string) ([]driver.Candidate, error) {
	sup, err := g.ready(driverID)
	if err != nil {
		return nil, err
	}

	cands, err := sup.Driver().Discover()
	if err != nil {
		if sup.Driver().IsConnectionError(err) {
			sup.ReportFailure(err)
		}
		return nil, fmt.Errorf("discover on %s: %w", driverID, err)
	}
	sup.ReportSuccess()
	return cands, nil
}

// Write pushes a value to the device behind a registered tag. The value's
// kind is checked against the tag before anything touches the wire, so a
// mismatch is rejected synchronously with ErrTypeMismatch. On success the
// store is updated immediately rather than waiting for the next poll.
func (g *Gateway) Write(path string, v tag.Variant) error {
	t, ok := g.store.GetDetails(path)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTagNotFound, path)
	}
	if err := g.store.CheckKind(path, v.Kind()); err != nil {
		return err
	}

	sup, err := g.ready(t.DriverID)
	if err != nil {
		return err
	}

	if err := sup.Driver().Write(t.DriverAddress, v); err != nil {
		if sup.Driver().IsConnectionError(err) {
			sup.ReportFailure(err)
		}
		logging.DebugError("gateway", "write "+path, err)
		return fmt.Errorf("write %s (%s): %w", path, t.DriverAddress, err)
	}
	sup.ReportSuccess()

	g.store.UpdateValue(path, tag.NewValue(v, tag.QualityGood))
	logging.DebugLog("gateway", "wrote %s = %s", path, v)
	return nil
}

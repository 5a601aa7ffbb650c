package uasim

import (
	"fmt"
	"sync"

	"forgeio/config"
	"forgeio/driver"
	"forgeio/logging"
	"forgeio/tag"
)

// Protocol is the registry name of this driver.
const Protocol = "uasim"

func init() {
	driver.Register(Protocol, func(cfg *config.DriverConfig) (driver.Driver, error) {
		return New(cfg), nil
	})
}

// Client is the reference driver. It serves reads, writes, browse, and
// discovery out of a NodeSpace instead of a network session, which keeps
// the full capability contract exercisable without a device.
type Client struct {
	info  driver.Info
	space *NodeSpace

	mu         sync.RWMutex
	connected  bool
	connectErr error // Injected connect failure
}

// New creates a simulated driver from configuration. The node space is
// seeded with the demo layout unless params.seed is "empty".
func New(cfg *config.DriverConfig) *Client {
	space := DefaultNodeSpace()
	if cfg.Params["seed"] == "empty" {
		space = NewNodeSpace()
	}
	return &Client{
		info: driver.Info{
			ID:       cfg.ID,
			Name:     cfg.Name,
			Protocol: Protocol,
			Address:  cfg.Address,
		},
		space: space,
	}
}

// Space exposes the backing node space so tests and tooling can seed
// values and inject faults.
func (c *Client) Space() *NodeSpace { return c.space }

// Info returns the driver identity.
func (c *Client) Info() driver.Info { return c.info }

// Connect establishes the simulated session. Idempotent when already
// connected.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if c.connectErr != nil {
		logging.DebugConnectError(Protocol, c.info.Address, c.connectErr)
		return c.connectErr
	}
	c.connected = true
	logging.DebugConnectSuccess(Protocol, c.info.Address, "session active")
	return nil
}

// Close tears down the session. Always succeeds.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		logging.DebugDisconnect(Protocol, c.info.Address, "closed")
	}
	c.connected = false
	return nil
}

// IsConnected reports the session state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// ReadBatch reads each address independently. A bad address or injected
// node fault shows up in that address's ReadResult only.
func (c *Client) ReadBatch(addresses []string) ([]driver.ReadResult, error) {
	if !c.IsConnected() {
		return nil, driver.ErrNotConnected
	}

	results := make([]driver.ReadResult, 0, len(addresses))
	for _, addr := range addresses {
		res := driver.ReadResult{Address: addr}
		if _, err := ParseNodeID(addr); err != nil {
			res.Err = fmt.Errorf("%w: %v", driver.ErrProtocolViolation, err)
		} else if v, err := c.space.ReadNode(addr); err != nil {
			res.Err = err
		} else {
			res.Variant = v
		}
		results = append(results, res)
	}
	return results, nil
}

// Write stores a value into the node space.
func (c *Client) Write(address string, v tag.Variant) error {
	if !c.IsConnected() {
		return driver.ErrNotConnected
	}
	if _, err := ParseNodeID(address); err != nil {
		return fmt.Errorf("%w: %v", driver.ErrProtocolViolation, err)
	}
	return c.space.WriteNode(address, v)
}

// Browse lists the children of a node. An empty node id browses the root.
func (c *Client) Browse(nodeID string) (*driver.BrowseNode, error) {
	if !c.IsConnected() {
		return nil, driver.ErrNotConnected
	}
	if nodeID == "" {
		nodeID = RootNodeID
	}
	if _, err := ParseNodeID(nodeID); err != nil {
		return nil, fmt.Errorf("%w: %v", driver.ErrProtocolViolation, err)
	}

	children, err := c.space.Children(nodeID)
	if err != nil {
		return nil, err
	}
	return &driver.BrowseNode{NodeID: nodeID, Children: children}, nil
}

// Discover returns every leaf node as a polling candidate.
func (c *Client) Discover() ([]driver.Candidate, error) {
	if !c.IsConnected() {
		return nil, driver.ErrNotConnected
	}

	leaves := c.space.Leaves()
	out := make([]driver.Candidate, 0, len(leaves))
	for addr, kind := range leaves {
		out = append(out, driver.Candidate{Address: addr, SuggestedKind: kind})
	}
	return out, nil
}

// IsConnectionError delegates to the shared taxonomy.
func (c *Client) IsConnectionError(err error) bool {
	return driver.IsConnectionError(err)
}

// FailConnect injects a connect error; pass nil to clear it. A currently
// open session is untouched.
func (c *Client) FailConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

// Drop simulates a lost session: the next operation fails with
// ErrNotConnected until Connect is called again.
func (c *Client) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		logging.DebugDisconnect(Protocol, c.info.Address, "dropped")
	}
	c.connected = false
}

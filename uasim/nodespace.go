package uasim

import (
	"fmt"
	"sort"
	"sync"

	"forgeio/tag"
)

// RootNodeID is the entry point for browsing. An empty node id in a browse
// request resolves to the root.
const RootNodeID = "ns=0;i=85"

// node is one entry of the simulated address space. Folders carry
// children; leaves carry a variant.
type node struct {
	id       string
	children []string
	variant  tag.Variant
	leaf     bool
	readErr  error // Injected per-address failure
}

// NodeSpace is an in-memory hierarchical address space shared by the
// simulated server side of the driver. Safe for concurrent use.
type NodeSpace struct {
	mu    sync.RWMutex
	nodes map[string]*node
}

// NewNodeSpace creates a node space containing only the root.
func NewNodeSpace() *NodeSpace {
	ns := &NodeSpace{nodes: make(map[string]*node)}
	ns.nodes[RootNodeID] = &node{id: RootNodeID}
	return ns
}

// DefaultNodeSpace builds the demo address space used when a driver is
// configured without an explicit seed.
func DefaultNodeSpace() *NodeSpace {
	ns := NewNodeSpace()
	ns.AddFolder(RootNodeID, "ns=2;s=Line1")
	ns.AddLeaf("ns=2;s=Line1", "ns=2;s=Temp", tag.FloatVariant(20.0))
	ns.AddLeaf("ns=2;s=Line1", "ns=2;s=Speed", tag.IntVariant(0))
	ns.AddLeaf("ns=2;s=Line1", "ns=2;s=Running", tag.BoolVariant(false))
	ns.AddFolder(RootNodeID, "ns=2;s=Line2")
	ns.AddLeaf("ns=2;s=Line2", "ns=2;s=Pressure", tag.FloatVariant(1.0))
	ns.AddLeaf("ns=2;s=Line2", "ns=2;s=Recipe", tag.TextVariant("idle"))
	return ns
}

// AddFolder adds a non-leaf node under the given parent.
func (s *NodeSpace) AddFolder(parentID, id string) error {
	return s.add(parentID, &node{id: id})
}

// AddLeaf adds a value-bearing node under the given parent.
func (s *NodeSpace) AddLeaf(parentID, id string, v tag.Variant) error {
	return s.add(parentID, &node{id: id, variant: v, leaf: true})
}

func (s *NodeSpace) add(parentID string, n *node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.nodes[parentID]
	if !ok {
		return fmt.Errorf("parent node not found: %s", parentID)
	}
	if _, exists := s.nodes[n.id]; exists {
		return fmt.Errorf("node already exists: %s", n.id)
	}
	s.nodes[n.id] = n
	parent.children = append(parent.children, n.id)
	return nil
}

// ReadNode returns the variant held by a leaf node.
func (s *NodeSpace) ReadNode(id string) (tag.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return tag.Variant{}, fmt.Errorf("node not found: %s", id)
	}
	if n.readErr != nil {
		return tag.Variant{}, n.readErr
	}
	if !n.leaf {
		return tag.Variant{}, fmt.Errorf("node has no value: %s", id)
	}
	return n.variant, nil
}

// WriteNode stores a variant into a leaf node. The node's kind is fixed by
// its seed value; mismatched kinds are rejected.
func (s *NodeSpace) WriteNode(id string, v tag.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("node not found: %s", id)
	}
	if !n.leaf {
		return fmt.Errorf("node is not writable: %s", id)
	}
	if !n.variant.IsNull() && !v.IsNull() && v.Kind() != n.variant.Kind() {
		return fmt.Errorf("node %s holds %s, write is %s", id, n.variant.Kind(), v.Kind())
	}
	n.variant = v
	return nil
}

// Children returns the child ids of a node, sorted for stable browsing.
func (s *NodeSpace) Children(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	out := make([]string, len(n.children))
	copy(out, n.children)
	sort.Strings(out)
	return out, nil
}

// Leaves returns every value-bearing node id with its variant kind.
func (s *NodeSpace) Leaves() map[string]tag.Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]tag.Kind)
	for id, n := range s.nodes {
		if n.leaf {
			out[id] = n.variant.Kind()
		}
	}
	return out
}

// FailNode injects a read error on a node; pass nil to clear it.
func (s *NodeSpace) FailNode(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.readErr = err
	}
}

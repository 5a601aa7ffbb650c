// Package uasim implements the reference node-browsing driver against a
// simulated hierarchical node space. Addresses follow the industrial
// node-id convention "ns=<namespace>;s=<name>" or "ns=<namespace>;i=<num>".
package uasim

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeID is a parsed driver-native address.
type NodeID struct {
	NS      uint16
	Text    string // Set when the identifier is a string ("s=")
	Numeric uint32 // Set when the identifier is numeric ("i=")
	IsText  bool
}

// ParseNodeID parses a node-id string such as "ns=2;s=Temp" or "ns=0;i=85".
func ParseNodeID(s string) (NodeID, error) {
	parts := strings.Split(s, ";")
	if len(parts) != 2 {
		return NodeID{}, fmt.Errorf("invalid node id format: %q", s)
	}

	nsPart, ok := strings.CutPrefix(parts[0], "ns=")
	if !ok {
		return NodeID{}, fmt.Errorf("invalid node id namespace: %q", s)
	}
	ns, err := strconv.ParseUint(nsPart, 10, 16)
	if err != nil {
		return NodeID{}, fmt.Errorf("invalid node id namespace: %q: %v", s, err)
	}

	ident := parts[1]
	switch {
	case strings.HasPrefix(ident, "s="):
		return NodeID{NS: uint16(ns), Text: ident[2:], IsText: true}, nil
	case strings.HasPrefix(ident, "i="):
		num, err := strconv.ParseUint(ident[2:], 10, 32)
		if err != nil {
			return NodeID{}, fmt.Errorf("invalid numeric node id: %q: %v", s, err)
		}
		return NodeID{NS: uint16(ns), Numeric: uint32(num)}, nil
	default:
		return NodeID{}, fmt.Errorf("unsupported node id identifier: %q", s)
	}
}

func (n NodeID) String() string {
	if n.IsText {
		return fmt.Sprintf("ns=%d;s=%s", n.NS, n.Text)
	}
	return fmt.Sprintf("ns=%d;i=%d", n.NS, n.Numeric)
}

// Package record implements the Boson record model: NodeInfo (a routable
// endpoint), Value (immutable, signed-mutable and encrypted blobs) and
// PeerInfo (a service-peer announcement), along with the construction and
// signature/encryption rules that make each well-formed independent of
// where it is stored.
package record

import (
	"fmt"
	"net"

	"github.com/boson-network/boson/id"
)

// NodeInfo is a routable endpoint owned by an Id: the tuple the routing
// table and wire protocol exchange to describe "a node reachable here".
type NodeInfo struct {
	ID      id.Id
	Host    net.IP
	Port    uint16
	Version uint32 // observed protocol version, 0 if unknown
}

// NewNodeInfo builds a NodeInfo, normalizing Host to its 4- or 16-byte form.
func NewNodeInfo(nodeID id.Id, host net.IP, port uint16) NodeInfo {
	return NodeInfo{ID: nodeID, Host: normalizeIP(host), Port: port}
}

func normalizeIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

// Addr returns the standard library UDP address for n.
func (n NodeInfo) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: n.Host, Port: int(n.Port)}
}

// Matches reports whether n and other plausibly refer to the same endpoint:
// either their ids are equal, or their (host, port) pair is equal. This is
// the weak relation KBucket impersonation checks use (see spec §4.3 step 2).
func (n NodeInfo) Matches(other NodeInfo) bool {
	if n.ID.Equal(other.ID) {
		return true
	}
	return n.Port == other.Port && n.Host.Equal(other.Host)
}

// Equal is strict equality: both id and (host, port) must match.
func (n NodeInfo) Equal(other NodeInfo) bool {
	return n.ID.Equal(other.ID) && n.Port == other.Port && n.Host.Equal(other.Host)
}

// IsIPv4 reports whether n's host is an IPv4 address.
func (n NodeInfo) IsIPv4() bool {
	return n.Host.To4() != nil
}

// String renders n for logs, e.g. "8f3c...@203.0.113.4:9090".
func (n NodeInfo) String() string {
	return fmt.Sprintf("%s@%s:%d", n.ID.Base58()[:8], n.Host, n.Port)
}

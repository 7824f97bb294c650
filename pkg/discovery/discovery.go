// Package discovery locates the other daemon instances sharing the
// reconciliation queue. Peer identity feeds worker claim ownership and, when
// the embedded etcd store is clustered, etcd membership management.
package discovery

import (
	"context"
	"fmt"
)

type Peer struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// PeerURL renders the peer's address as an http URL on the given port.
func (p Peer) PeerURL(port int) string {
	return fmt.Sprintf("http://%s:%d", p.Addr, port)
}

type Discovery interface {
	Peers(ctx context.Context) ([]Peer, error)
	NodeName() string
	NodeIP() string
	Close() error
}

// MembershipWatcher receives peer arrivals and departures from a
// DynamicDiscovery. The watching node is filtered out before delivery.
type MembershipWatcher interface {
	PeerJoined(peer Peer) error
	PeerLeft(peer Peer) error
}

// DynamicDiscovery additionally pushes membership changes as they happen.
// WatchMembers replays peers already known at the time of the call.
type DynamicDiscovery interface {
	Discovery
	WatchMembers(ctx context.Context, watcher MembershipWatcher) error
}

package discovery

import (
	"context"
	"fmt"
	"strings"
)

// StaticDiscovery serves a fixed peer list from configuration. Entries are
// either "name=addr" or a bare address.
type StaticDiscovery struct {
	peers    []Peer
	nodeName string
	nodeIP   string
}

func NewStaticDiscovery(bindAddr string, seedAddrs []string) *StaticDiscovery {
	peers := make([]Peer, 0, len(seedAddrs))
	for i, seed := range seedAddrs {
		name, addr, found := strings.Cut(seed, "=")
		if !found {
			addr = seed
			name = fmt.Sprintf("peer-%d", i)
		}
		peers = append(peers, Peer{Name: name, Addr: addr})
	}

	return &StaticDiscovery{
		peers:    peers,
		nodeName: getEnvOrDefault("NODE_NAME", getHostname()),
		nodeIP:   getEnvOrDefault("NODE_IP", bindAddr),
	}
}

func (s *StaticDiscovery) Peers(ctx context.Context) ([]Peer, error) {
	out := make([]Peer, len(s.peers))
	copy(out, s.peers)
	return out, nil
}

func (s *StaticDiscovery) NodeName() string {
	return s.nodeName
}

func (s *StaticDiscovery) NodeIP() string {
	return s.nodeIP
}

func (s *StaticDiscovery) Close() error {
	return nil
}

package discovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

type GossipDiscovery struct {
	list     *memberlist.Memberlist
	peers    map[string]Peer
	watcher  MembershipWatcher
	mu       sync.RWMutex
	nodeName string
	nodeIP   string
	logger   *zap.Logger
}

func NewGossipDiscovery(bindAddr string, bindPort int, seedAddrs []string, logger *zap.Logger) (*GossipDiscovery, error) {
	nodeName := getEnvOrDefault("NODE_NAME", getHostname())
	nodeIP := getEnvOrDefault("NODE_IP", bindAddr)

	g := &GossipDiscovery{
		peers:    make(map[string]Peer),
		nodeName: nodeName,
		nodeIP:   nodeIP,
		logger:   logger,
	}

	cfg := memberlist.DefaultLANConfig()
	cfg.Name = nodeName
	cfg.BindAddr = bindAddr
	if bindPort > 0 {
		cfg.BindPort = bindPort
	}
	cfg.Events = &eventDelegate{d: g}

	list, err := memberlist.Create(cfg)
	if err != nil {
		return nil, err
	}
	g.list = list

	if len(seedAddrs) > 0 {
		if _, err := list.Join(seedAddrs); err != nil {
			list.Shutdown()
			return nil, fmt.Errorf("failed to join gossip cluster: %w", err)
		}
	}

	return g, nil
}

type eventDelegate struct {
	d *GossipDiscovery
}

func (e *eventDelegate) NotifyJoin(node *memberlist.Node) {
	peer := Peer{Name: node.Name, Addr: node.Addr.String()}

	e.d.mu.Lock()
	e.d.peers[peer.Name] = peer
	watcher := e.d.watcher
	e.d.mu.Unlock()

	e.d.logger.Info("Peer joined",
		zap.String("peer", peer.Name),
		zap.String("addr", peer.Addr))

	if watcher != nil && peer.Name != e.d.nodeName {
		if err := watcher.PeerJoined(peer); err != nil {
			e.d.logger.Warn("Peer join watcher failed",
				zap.String("peer", peer.Name),
				zap.Error(err))
		}
	}
}

func (e *eventDelegate) NotifyLeave(node *memberlist.Node) {
	peer := Peer{Name: node.Name, Addr: node.Addr.String()}

	e.d.mu.Lock()
	delete(e.d.peers, peer.Name)
	watcher := e.d.watcher
	e.d.mu.Unlock()

	e.d.logger.Info("Peer left", zap.String("peer", peer.Name))

	if watcher != nil && peer.Name != e.d.nodeName {
		if err := watcher.PeerLeft(peer); err != nil {
			e.d.logger.Warn("Peer leave watcher failed",
				zap.String("peer", peer.Name),
				zap.Error(err))
		}
	}
}

func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {}

func (g *GossipDiscovery) Peers(ctx context.Context) ([]Peer, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make([]Peer, 0, len(g.peers))
	for _, p := range g.peers {
		result = append(result, p)
	}
	return result, nil
}

func (g *GossipDiscovery) WatchMembers(ctx context.Context, watcher MembershipWatcher) error {
	g.mu.Lock()
	g.watcher = watcher
	existing := make([]Peer, 0, len(g.peers))
	for _, p := range g.peers {
		existing = append(existing, p)
	}
	g.mu.Unlock()

	// Peers that joined before the watcher attached are replayed once.
	for _, p := range existing {
		if p.Name == g.nodeName {
			continue
		}
		if err := watcher.PeerJoined(p); err != nil {
			g.logger.Warn("Peer join replay failed",
				zap.String("peer", p.Name),
				zap.Error(err))
		}
	}
	return nil
}

func (g *GossipDiscovery) NodeName() string {
	return g.nodeName
}

func (g *GossipDiscovery) NodeIP() string {
	return g.nodeIP
}

func (g *GossipDiscovery) Close() error {
	if g.list != nil {
		if err := g.list.Leave(leaveTimeout); err != nil {
			g.logger.Warn("Gossip leave failed", zap.Error(err))
		}
		return g.list.Shutdown()
	}
	return nil
}

package discovery

import (
	"context"
	"net"
	"testing"

	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingWatcher struct {
	joined []Peer
	left   []Peer
}

func (w *recordingWatcher) PeerJoined(p Peer) error {
	w.joined = append(w.joined, p)
	return nil
}

func (w *recordingWatcher) PeerLeft(p Peer) error {
	w.left = append(w.left, p)
	return nil
}

func TestPeer_PeerURL(t *testing.T) {
	p := Peer{Name: "node-b", Addr: "10.0.0.7"}
	assert.Equal(t, "http://10.0.0.7:2380", p.PeerURL(2380))
}

func TestGossipEvents_DeliverPeersToWatcher(t *testing.T) {
	w := &recordingWatcher{}
	g := &GossipDiscovery{
		peers:    make(map[string]Peer),
		nodeName: "node-a",
		watcher:  w,
		logger:   zap.NewNop(),
	}
	d := &eventDelegate{d: g}

	// The local node's own join event is tracked but never delivered.
	d.NotifyJoin(&memberlist.Node{Name: "node-a", Addr: net.ParseIP("10.0.0.1")})
	d.NotifyJoin(&memberlist.Node{Name: "node-b", Addr: net.ParseIP("10.0.0.7")})
	d.NotifyLeave(&memberlist.Node{Name: "node-b", Addr: net.ParseIP("10.0.0.7")})

	require.Len(t, w.joined, 1)
	assert.Equal(t, Peer{Name: "node-b", Addr: "10.0.0.7"}, w.joined[0])
	require.Len(t, w.left, 1)
	assert.Equal(t, "node-b", w.left[0].Name)

	peers, err := g.Peers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "node-a", peers[0].Name)
}

func TestGossipDiscovery_WatchMembersReplaysKnownPeers(t *testing.T) {
	g := &GossipDiscovery{
		peers: map[string]Peer{
			"node-a": {Name: "node-a", Addr: "10.0.0.1"},
			"node-b": {Name: "node-b", Addr: "10.0.0.7"},
		},
		nodeName: "node-a",
		logger:   zap.NewNop(),
	}

	w := &recordingWatcher{}
	require.NoError(t, g.WatchMembers(context.Background(), w))

	require.Len(t, w.joined, 1)
	assert.Equal(t, "node-b", w.joined[0].Name)
}

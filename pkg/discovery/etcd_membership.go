package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/zap"
)

const (
	etcdPeerPort   = 2380
	promoteEvery   = 15 * time.Second
	learnerWarmup  = 30 * time.Second
	memberCallWait = 10 * time.Second
)

// EtcdMembershipManager grows an embedded etcd cluster from peer discovery.
// It implements MembershipWatcher: newly discovered peers are added as raft
// learners and promoted to voting members once their warmup has elapsed.
// Departed peers are never removed automatically; dropping a voter can cost
// quorum, so removal stays an operator action.
type EtcdMembershipManager struct {
	etcd   *embed.Etcd
	client *clientv3.Client
	disc   DynamicDiscovery
	self   string
	logger *zap.Logger

	mu       sync.Mutex
	learners map[string]learner
	voters   map[string]uint64

	stopCh chan struct{}
}

type learner struct {
	id      uint64
	readyAt time.Time
}

func NewEtcdMembershipManager(
	etcd *embed.Etcd,
	disc DynamicDiscovery,
	nodeName string,
	logger *zap.Logger,
) (*EtcdMembershipManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{etcd.Clients[0].Addr().String()},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	m := &EtcdMembershipManager{
		etcd:     etcd,
		client:   cli,
		disc:     disc,
		self:     nodeName,
		logger:   logger,
		learners: make(map[string]learner),
		voters:   make(map[string]uint64),
		stopCh:   make(chan struct{}),
	}

	if err := m.loadCurrentMembers(); err != nil {
		logger.Warn("Failed to load current cluster members", zap.Error(err))
	}
	return m, nil
}

func (m *EtcdMembershipManager) Start(ctx context.Context) error {
	if err := m.disc.WatchMembers(ctx, m); err != nil {
		return fmt.Errorf("failed to watch discovery members: %w", err)
	}

	go m.promoteLoop(ctx)

	m.logger.Info("Etcd membership manager started", zap.String("node", m.self))
	return nil
}

func (m *EtcdMembershipManager) PeerJoined(p Peer) error {
	if p.Name == m.self {
		return nil
	}

	m.mu.Lock()
	_, isLearner := m.learners[p.Name]
	_, isVoter := m.voters[p.Name]
	m.mu.Unlock()
	if isLearner || isVoter {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), memberCallWait)
	defer cancel()

	resp, err := m.client.MemberAddAsLearner(ctx, []string{p.PeerURL(etcdPeerPort)})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		m.logger.Error("Failed to add peer as learner",
			zap.String("peer", p.Name),
			zap.String("peer_url", p.PeerURL(etcdPeerPort)),
			zap.Error(err))
		return err
	}

	m.logger.Info("Added peer as learner",
		zap.String("peer", p.Name),
		zap.Uint64("member_id", resp.Member.ID))

	m.mu.Lock()
	m.learners[p.Name] = learner{id: resp.Member.ID, readyAt: time.Now().Add(learnerWarmup)}
	m.mu.Unlock()
	return nil
}

func (m *EtcdMembershipManager) PeerLeft(p Peer) error {
	if p.Name == m.self {
		return nil
	}

	m.logger.Warn("Peer left discovery; leaving its etcd member in place",
		zap.String("peer", p.Name))
	return nil
}

func (m *EtcdMembershipManager) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(promoteEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-m.etcd.Server.StopNotify():
			return
		case <-ticker.C:
			m.promoteDue(time.Now())
		}
	}
}

// promoteDue promotes every learner whose warmup has elapsed. etcd rejects
// promotion while the learner's log still lags; those are retried on the
// next tick.
func (m *EtcdMembershipManager) promoteDue(now time.Time) {
	m.mu.Lock()
	due := make(map[string]uint64)
	for name, l := range m.learners {
		if !now.Before(l.readyAt) {
			due[name] = l.id
		}
	}
	m.mu.Unlock()

	for name, id := range due {
		ctx, cancel := context.WithTimeout(context.Background(), memberCallWait)
		_, err := m.client.MemberPromote(ctx, id)
		cancel()
		if err != nil {
			m.logger.Warn("Learner not promotable yet",
				zap.String("peer", name),
				zap.Uint64("member_id", id),
				zap.Error(err))
			continue
		}

		m.logger.Info("Promoted learner to voting member",
			zap.String("peer", name),
			zap.Uint64("member_id", id))

		m.mu.Lock()
		delete(m.learners, name)
		m.voters[name] = id
		m.mu.Unlock()
	}
}

func (m *EtcdMembershipManager) loadCurrentMembers() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	list, err := m.client.MemberList(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range list.Members {
		if member.Name == "" || member.Name == m.self {
			continue
		}
		if member.IsLearner {
			m.learners[member.Name] = learner{id: member.ID, readyAt: time.Now().Add(learnerWarmup)}
		} else {
			m.voters[member.Name] = member.ID
		}
	}

	m.logger.Info("Loaded cluster members",
		zap.Int("voters", len(m.voters)),
		zap.Int("learners", len(m.learners)))
	return nil
}

func (m *EtcdMembershipManager) Stop() error {
	close(m.stopCh)
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

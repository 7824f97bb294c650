package reconcile

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

func freeURL(t *testing.T) url.URL {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	u, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", port))
	require.NoError(t, err)
	return *u
}

func startEtcdStore(t *testing.T, backoff Backoff) *EtcdStore {
	t.Helper()

	cfg := embed.NewConfig()
	cfg.Name = "reconcile-test"
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"

	clientURL := freeURL(t)
	peerURL := freeURL(t)
	cfg.ListenClientUrls = []url.URL{clientURL}
	cfg.AdvertiseClientUrls = []url.URL{clientURL}
	cfg.ListenPeerUrls = []url.URL{peerURL}
	cfg.AdvertisePeerUrls = []url.URL{peerURL}
	cfg.InitialCluster = fmt.Sprintf("%s=%s", cfg.Name, peerURL.String())

	e, err := embed.StartEtcd(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(30 * time.Second):
		t.Fatal("embedded etcd did not become ready")
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{clientURL.String()},
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })

	return NewEtcdStoreFromClient(cli, backoff)
}

func TestEtcdStore_EnqueueDeduplicatesWhilePending(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping embedded etcd test")
	}

	s := startEtcdStore(t, DefaultBackoff())
	ctx := context.Background()

	first := testRecord(t, "github", "gh-platform")
	require.NoError(t, s.Enqueue(ctx, first))

	// Equivalent payload, new record identity.
	second := testRecord(t, "github", "gh-platform")
	require.NoError(t, s.Enqueue(ctx, second))

	pending, err := s.List(ctx, StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)

	_, err = s.Get(ctx, second.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEtcdStore_DeadLetterUnblocksEquivalentEnqueue(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping embedded etcd test")
	}

	s := startEtcdStore(t, Backoff{
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		MaxAttempts: 1,
	})
	ctx := context.Background()

	first := testRecord(t, "github", "gh-platform")
	require.NoError(t, s.Enqueue(ctx, first))
	require.NoError(t, s.ClaimRecord(ctx, first.ID, "worker-1", time.Minute))
	require.NoError(t, s.IncrementAttempt(ctx, first.ID, "still down"))

	dead, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailedPermanent, dead.Status)

	// The dead record must not block a fresh equivalent failure.
	second := testRecord(t, "github", "gh-platform")
	require.NoError(t, s.Enqueue(ctx, second))

	fresh, err := s.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, fresh.Status)
	assert.Zero(t, fresh.Attempts)
}

func TestEtcdStore_ClaimIsExclusive(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping embedded etcd test")
	}

	s := startEtcdStore(t, DefaultBackoff())
	ctx := context.Background()

	r := testRecord(t, "github", "gh-platform")
	require.NoError(t, s.Enqueue(ctx, r))

	require.NoError(t, s.ClaimRecord(ctx, r.ID, "worker-1", time.Minute))
	err := s.ClaimRecord(ctx, r.ID, "worker-2", time.Minute)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"codeberg.org/groupherd/groupherd/pkg/api"
	"codeberg.org/groupherd/groupherd/pkg/breaker"
	"codeberg.org/groupherd/groupherd/pkg/config"
	"codeberg.org/groupherd/groupherd/pkg/discovery"
	"codeberg.org/groupherd/groupherd/pkg/orchestrate"
	"codeberg.org/groupherd/groupherd/pkg/provider"
	"codeberg.org/groupherd/groupherd/pkg/provider/drivers/authentik"
	"codeberg.org/groupherd/groupherd/pkg/provider/drivers/ldapgroups"
	"codeberg.org/groupherd/groupherd/pkg/reconcile"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"
)

func main() {
	configPath := flag.String("config", "/etc/groupherd/config.yaml", "Path to config")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = config.DefaultConfig()
		} else {
			panic(err)
		}
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := provider.NewRegistry()
	mustRegister(logger, authentik.Register(registry))
	mustRegister(logger, ldapgroups.Register(registry))
	if err := provider.RegisterScriptProviders(ctx, registry, cfg.Server.PluginsDir); err != nil {
		logger.Fatal("Script provider load failed", zap.Error(err))
	}

	// Misconfigured providers must never serve traffic: activation fails
	// hard on zero or multiple primaries and on prefix collisions.
	if err := registry.Activate(ctx, cfg.Providers); err != nil {
		logger.Fatal("Provider activation failed", zap.Error(err))
	}
	defer registry.Close()

	logger.Info("Providers activated",
		zap.String("primary", registry.PrimaryName()),
		zap.Int("count", len(registry.Active())))

	mapper, err := buildMapper(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Mapping rules failed to load", zap.Error(err))
	}

	breakers := breaker.NewSet(cfg.Breaker)

	var etcdServer *embed.Etcd
	var etcdStore *reconcile.EtcdStore
	var store reconcile.Store

	switch cfg.Reconciliation.Backend {
	case "memory":
		store = reconcile.NewMemoryStore(cfg.Reconciliation.Backoff)
		logger.Info("Using in-memory reconciliation store")

	case "sql":
		sqlStore, err := reconcile.NewSQLStore(cfg.Database.Driver, cfg.Database.DSN, cfg.Reconciliation.Backoff)
		if err != nil {
			logger.Fatal("SQL store init failed", zap.Error(err))
		}
		store = sqlStore
		logger.Info("Using SQL reconciliation store",
			zap.String("driver", cfg.Database.Driver))

	case "etcd":
		endpoints := cfg.Etcd.Endpoints
		if len(endpoints) > 0 {
			logger.Info("Using external etcd cluster",
				zap.Strings("endpoints", endpoints))
		} else {
			etcdServer = startEmbeddedHA(cfg.Etcd, logger)
			defer etcdServer.Close()
			endpoints = getEtcdEndpoints(cfg.Etcd, logger)
			logger.Info("Using embedded etcd",
				zap.Strings("endpoints", endpoints))

			// Wait a moment for etcd to stabilize
			time.Sleep(2 * time.Second)
		}

		es, err := reconcile.NewEtcdStore(endpoints, 5*time.Second, cfg.Reconciliation.Backoff)
		if err != nil {
			logger.Fatal("Etcd store init failed", zap.Error(err))
		}
		etcdStore = es
		store = es
	}
	defer store.Close()

	disc := buildDiscovery(cfg.Discovery, logger)
	if disc != nil {
		defer disc.Close()
	}

	workerID := "worker-local"
	if disc != nil {
		workerID = disc.NodeName()
	}

	processor := reconcile.NewProviderProcessor(registry, breakers, logger)
	worker := reconcile.NewWorker(workerID, store, processor, cfg.Reconciliation.Worker, logger)

	// The claim lease already prevents double-processing; leader election on
	// the etcd backend just avoids wasted batch contention across nodes.
	if etcdStore != nil {
		go runLeaderElection(ctx, etcdStore.Client(), worker, workerID, logger)
	} else {
		go worker.Run(ctx)
	}

	orchestrator := orchestrate.New(registry, mapper, breakers, store, logger)

	mux := http.NewServeMux()
	api.SetupRoutes(mux, ctx, api.Deps{
		Orchestrator: orchestrator,
		Registry:     registry,
		Breakers:     breakers,
		Store:        store,
		Worker:       worker,
		Discovery:    disc,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", cfg.Server.Address))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	sCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}

func mustRegister(logger *zap.Logger, err error) {
	if err != nil {
		logger.Fatal("Driver registration failed", zap.Error(err))
	}
}

// buildMapper layers mapping rules: inline config first, then a rules file,
// then a git-fetched rules file. Later sources override per provider.
func buildMapper(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*provider.Mapper, error) {
	mapper := provider.NewMapper(cfg.Mappings.Rules)

	if cfg.Mappings.File != "" {
		if err := mapper.LoadRulesFile(cfg.Mappings.File); err != nil {
			return nil, fmt.Errorf("rules file %s: %w", cfg.Mappings.File, err)
		}
		logger.Info("Loaded mapping rules from file",
			zap.String("path", cfg.Mappings.File))
	}

	if cfg.Mappings.Git != nil {
		fetcher := provider.NewRuleFetcher(filepath.Join(os.TempDir(), "groupherd-rules"))
		path, err := fetcher.Fetch(ctx, cfg.Mappings.Git)
		if err != nil {
			return nil, fmt.Errorf("git rules %s: %w", cfg.Mappings.Git.URL, err)
		}
		if err := mapper.LoadRulesFile(path); err != nil {
			return nil, fmt.Errorf("git rules %s: %w", cfg.Mappings.Git.URL, err)
		}
		logger.Info("Loaded mapping rules from git",
			zap.String("url", cfg.Mappings.Git.URL),
			zap.String("ref", cfg.Mappings.Git.Ref))
	}

	return mapper, nil
}

func buildDiscovery(c config.DiscoveryConfig, logger *zap.Logger) discovery.Discovery {
	var disc discovery.Discovery
	var err error

	switch c.Mode {
	case "gossip":
		disc, err = discovery.NewGossipDiscovery(c.BindAddr, c.BindPort, c.SeedAddrs, logger)
	case "kubernetes":
		disc, err = discovery.NewK8sDiscovery(c.Namespace, c.Selector)
	case "static":
		disc = discovery.NewStaticDiscovery(c.BindAddr, c.SeedAddrs)
	case "", "auto":
		disc, err = discovery.Auto(c.BindAddr, c.BindPort, c.SeedAddrs, logger)
	}

	if err != nil {
		logger.Warn("Discovery unavailable, running standalone",
			zap.String("mode", c.Mode),
			zap.Error(err))
		return nil
	}
	return disc
}

// runLeaderElection keeps exactly one node's worker loop running. Losing the
// session stops the loop; the node then campaigns again.
func runLeaderElection(ctx context.Context, client *clientv3.Client, worker *reconcile.Worker, nodeName string, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("Leader election stopping")
			return
		default:
			session, err := concurrency.NewSession(client, concurrency.WithTTL(15))
			if err != nil {
				logger.Error("Election session failed", zap.Error(err))
				time.Sleep(5 * time.Second)
				continue
			}

			election := concurrency.NewElection(session, "/groupherd/leader")
			if err := election.Campaign(ctx, nodeName); err != nil {
				logger.Debug("Campaign failed, retrying", zap.Error(err))
				session.Close()
				time.Sleep(time.Second)
				continue
			}

			logger.Info("Node acquired leadership", zap.String("node", nodeName))

			runCtx, cancel := context.WithCancel(ctx)

			go func() {
				select {
				case <-session.Done():
					logger.Warn("Leader session expired, stopping worker")
					cancel()
				case <-runCtx.Done():
				}
			}()

			worker.Run(runCtx)

			cancel()
			session.Close()

			logger.Info("Leadership released")

			select {
			case <-ctx.Done():
				return
			default:
				time.Sleep(time.Second)
			}
		}
	}
}

func startEmbeddedHA(c config.EtcdConfig, logger *zap.Logger) *embed.Etcd {
	eCfg := embed.NewConfig()
	eCfg.Dir = c.DataDir
	eCfg.LogLevel = "warn"

	var nodeName, nodeIP, initialCluster string
	var clusterState string
	var disco discovery.Discovery

	if c.AutoJoin {
		var err error

		switch c.Discovery {
		case "k8s":
			disco, err = discovery.NewK8sDiscovery("", "")
		case "gossip":
			disco, err = discovery.NewGossipDiscovery(c.BindAddr, 0, c.SeedAddrs, logger)
		case "auto":
			disco, err = discovery.Auto(c.BindAddr, 0, c.SeedAddrs, logger)
		default:
			logger.Fatal("Invalid discovery mode",
				zap.String("mode", c.Discovery))
		}

		if err != nil {
			logger.Fatal("Discovery initialization failed",
				zap.String("mode", c.Discovery),
				zap.Error(err))
		}

		nodeName = disco.NodeName()
		nodeIP = disco.NodeIP()

		// Give gossip time to discover peers
		time.Sleep(2 * time.Second)

		pCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		peers, err := disco.Peers(pCtx)
		cancel()

		if err != nil {
			logger.Warn("Failed to discover peers, starting as new cluster",
				zap.Error(err))
			peers = nil
		}

		peerEntries := make([]string, 0, len(peers))
		for _, p := range peers {
			peerEntries = append(peerEntries, fmt.Sprintf("%s=http://%s:2380", p.Name, p.Addr))
		}
		selfPeer := fmt.Sprintf("%s=http://%s:2380", nodeName, nodeIP)

		if shouldJoinExisting(selfPeer, peerEntries, c.DataDir, logger) {
			initialCluster = strings.Join(peerEntries, ",")
			clusterState = "existing"

			logger.Info("Joining existing cluster",
				zap.String("node", nodeName),
				zap.String("ip", nodeIP),
				zap.Int("peers", len(peerEntries)),
				zap.String("cluster", initialCluster))
		} else {
			initialCluster = selfPeer
			clusterState = "new"

			logger.Info("Starting new cluster",
				zap.String("node", nodeName),
				zap.String("ip", nodeIP))
		}
	} else {
		nodeName = c.Name
		initialCluster = c.InitialCluster
		clusterState = "new"

		logger.Info("Starting with static configuration",
			zap.String("node", nodeName),
			zap.String("cluster", initialCluster))
	}

	eCfg.Name = nodeName

	if c.AutoJoin {
		clientURL := url.URL{Scheme: "http", Host: fmt.Sprintf("%s:2379", nodeIP)}
		peerURL := url.URL{Scheme: "http", Host: fmt.Sprintf("%s:2380", nodeIP)}

		eCfg.ListenClientUrls = []url.URL{clientURL}
		eCfg.AdvertiseClientUrls = []url.URL{clientURL}
		eCfg.ListenPeerUrls = []url.URL{peerURL}
		eCfg.AdvertisePeerUrls = []url.URL{peerURL}
	} else {
		cu, err := url.Parse(c.ClientAddr)
		if err != nil {
			logger.Fatal("Invalid client URL", zap.Error(err))
		}

		pu, err := url.Parse(c.PeerAddr)
		if err != nil {
			logger.Fatal("Invalid peer URL", zap.Error(err))
		}

		eCfg.ListenClientUrls = []url.URL{*cu}
		eCfg.AdvertiseClientUrls = []url.URL{*cu}
		eCfg.ListenPeerUrls = []url.URL{*pu}
		eCfg.AdvertisePeerUrls = []url.URL{*pu}
	}

	eCfg.InitialCluster = initialCluster
	eCfg.ClusterState = clusterState

	eCfg.MaxSnapFiles = 5
	eCfg.MaxWalFiles = 5
	eCfg.SnapshotCount = 10000
	eCfg.AutoCompactionRetention = "1h"
	eCfg.AutoCompactionMode = "periodic"

	logger.Info("Starting embedded etcd",
		zap.String("name", eCfg.Name),
		zap.String("data_dir", eCfg.Dir),
		zap.String("initial_cluster", eCfg.InitialCluster),
		zap.String("cluster_state", eCfg.ClusterState))

	e, err := embed.StartEtcd(eCfg)
	if err != nil {
		logger.Fatal("Etcd start failed", zap.Error(err))
	}

	select {
	case <-e.Server.ReadyNotify():
		logger.Info("Embedded etcd ready",
			zap.String("node", eCfg.Name),
			zap.String("cluster_state", clusterState))
	case <-time.After(60 * time.Second):
		e.Close()
		logger.Fatal("Etcd failed to become ready within timeout")
	case <-e.Server.StopNotify():
		logger.Fatal("Etcd stopped unexpectedly during startup")
	}

	if c.AutoJoin {
		if dynDisco, ok := disco.(discovery.DynamicDiscovery); ok {
			mgr, err := discovery.NewEtcdMembershipManager(e, dynDisco, nodeName, logger)
			if err != nil {
				logger.Fatal("Failed to create membership manager", zap.Error(err))
			}
			if err := mgr.Start(context.Background()); err != nil {
				logger.Fatal("Failed to start membership manager", zap.Error(err))
			}
		}
	}

	return e
}

func shouldJoinExisting(selfPeer string, peers []string, dataDir string, logger *zap.Logger) bool {
	memberDir := filepath.Join(dataDir, "member")
	if info, err := os.Stat(memberDir); err == nil && info.IsDir() {
		logger.Info("Found existing member data, restarting")
		return true
	}

	otherPeers := 0
	for _, peer := range peers {
		if peer != selfPeer {
			otherPeers++
		}
	}

	return otherPeers > 0
}

func getEtcdEndpoints(cfg config.EtcdConfig, logger *zap.Logger) []string {
	if len(cfg.Endpoints) > 0 {
		return cfg.Endpoints
	}

	if cfg.AutoJoin {
		nodeIP := os.Getenv("POD_IP")
		if nodeIP == "" {
			nodeIP = os.Getenv("NODE_IP")
		}
		if nodeIP == "" {
			nodeIP = "localhost"
		}
		return []string{fmt.Sprintf("http://%s:2379", nodeIP)}
	}

	cu, err := url.Parse(cfg.ClientAddr)
	if err != nil {
		logger.Fatal("Invalid client URL", zap.Error(err))
	}
	return []string{cu.String()}
}

func initLogger(c config.LoggingConfig) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if c.Level != "" {
		var err error
		if lvl, err = zapcore.ParseLevel(c.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
		}
	}

	cfg := zap.NewProductionConfig()
	if c.Format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	// Output is "stdout", "stderr" or a file path; zap sinks accept all
	// three directly.
	if c.Output != "" {
		cfg.OutputPaths = []string{c.Output}
		cfg.ErrorOutputPaths = []string{c.Output}
	}
	return cfg.Build()
}

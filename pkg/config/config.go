package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"

	"codeberg.org/groupherd/groupherd/pkg/breaker"
	"codeberg.org/groupherd/groupherd/pkg/provider"
	"codeberg.org/groupherd/groupherd/pkg/reconcile"
)

type Config struct {
	Server         ServerConfig                 `yaml:"server" json:"server"`
	Logging        LoggingConfig                `yaml:"logging" json:"logging"`
	Providers      map[string]provider.Settings `yaml:"providers" json:"providers"`
	Mappings       MappingsConfig               `yaml:"mappings" json:"mappings"`
	Reconciliation ReconciliationConfig         `yaml:"reconciliation" json:"reconciliation"`
	Breaker        breaker.Config               `yaml:"breaker" json:"breaker"`
	Etcd           EtcdConfig                   `yaml:"etcd" json:"etcd"`
	Database       DatabaseConfig               `yaml:"database" json:"database"`
	Discovery      DiscoveryConfig              `yaml:"discovery" json:"discovery"`
}

type ServerConfig struct {
	Address     string `yaml:"address" json:"address" envconfig:"ADDRESS"`
	HealthCheck bool   `yaml:"healthCheck" json:"healthCheck" envconfig:"HEALTH_CHECK"`
	PluginsDir  string `yaml:"pluginsDir" json:"pluginsDir" envconfig:"PLUGINS_DIR"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" json:"format" envconfig:"FORMAT"`
	Output string `yaml:"output" json:"output" envconfig:"OUTPUT"`
}

// MappingsConfig controls how primary group ids translate to secondary
// provider ids. Rules may be inline, loaded from a file, or fetched from a
// git repository; later sources override earlier ones per provider.
type MappingsConfig struct {
	Rules map[string]provider.MappingRule `yaml:"rules" json:"rules"`
	File  string                          `yaml:"file" json:"file" envconfig:"FILE"`
	Git   *provider.GitRuleSource         `yaml:"git" json:"git"`
}

// ReconciliationConfig selects the retry store backend and tunes the
// backoff schedule and worker cadence.
type ReconciliationConfig struct {
	Backend string                 `yaml:"backend" json:"backend" envconfig:"BACKEND"`
	Backoff reconcile.Backoff      `yaml:"backoff" json:"backoff"`
	Worker  reconcile.WorkerConfig `yaml:"worker" json:"worker"`
}

type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints" json:"endpoints" envconfig:"ENDPOINTS"`

	DataDir   string `yaml:"dataDir" json:"dataDir" envconfig:"DATA_DIR"`
	AutoJoin  bool   `yaml:"autoJoin" json:"autoJoin" envconfig:"AUTO_JOIN"`
	Discovery string `yaml:"discovery" json:"discovery" envconfig:"DISCOVERY"`

	// Static/manual configuration (used when AutoJoin=false or Discovery="static")
	Name           string `yaml:"name" json:"name" envconfig:"NAME"`
	PeerAddr       string `yaml:"peerAddr" json:"peerAddr" envconfig:"PEER_ADDR"`
	ClientAddr     string `yaml:"clientAddr" json:"clientAddr" envconfig:"CLIENT_ADDR"`
	InitialCluster string `yaml:"initialCluster" json:"initialCluster" envconfig:"INITIAL_CLUSTER"`

	BindAddr  string   `yaml:"bindAddr" json:"bindAddr" envconfig:"BIND_ADDR"`
	SeedAddrs []string `yaml:"seedAddrs" json:"seedAddrs" envconfig:"SEED_ADDRS"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" json:"driver" envconfig:"DRIVER"`
	DSN    string `yaml:"dsn" json:"dsn" envconfig:"DSN"`
}

type DiscoveryConfig struct {
	Mode      string   `yaml:"mode" json:"mode" envconfig:"MODE"`
	BindAddr  string   `yaml:"bindAddr" json:"bindAddr" envconfig:"BIND_ADDR"`
	BindPort  int      `yaml:"bindPort" json:"bindPort" envconfig:"BIND_PORT"`
	SeedAddrs []string `yaml:"seedAddrs" json:"seedAddrs" envconfig:"SEED_ADDRS"`
	Namespace string   `yaml:"namespace" json:"namespace" envconfig:"NAMESPACE"`
	Selector  string   `yaml:"selector" json:"selector" envconfig:"SELECTOR"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:     ":8080",
			HealthCheck: true,
			PluginsDir:  "/var/lib/groupherd/plugins",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Providers: map[string]provider.Settings{},
		Mappings: MappingsConfig{
			Rules: map[string]provider.MappingRule{},
		},
		Reconciliation: ReconciliationConfig{
			Backend: "memory",
			Backoff: reconcile.DefaultBackoff(),
			Worker:  reconcile.DefaultWorkerConfig(),
		},
		Breaker: breaker.DefaultConfig(),
		Etcd: EtcdConfig{
			Endpoints:      []string{}, // Empty means use embedded
			DataDir:        "/var/lib/groupherd/etcd",
			AutoJoin:       false,
			Discovery:      "static",
			Name:           "node-1",
			PeerAddr:       "http://localhost:2380",
			ClientAddr:     "http://localhost:2379",
			InitialCluster: "node-1=http://localhost:2380",
			BindAddr:       "0.0.0.0",
			SeedAddrs:      []string{},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:groupherd.db",
		},
		Discovery: DiscoveryConfig{
			Mode:     "auto",
			BindAddr: "0.0.0.0",
			BindPort: 7946,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Reconciliation.Backend {
	case "memory", "etcd", "sql":
	default:
		return fmt.Errorf("unknown reconciliation backend %q", c.Reconciliation.Backend)
	}

	if c.Reconciliation.Backend == "sql" {
		switch c.Database.Driver {
		case "postgres", "mysql", "sqlite", "sqlserver":
		default:
			return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
		}
	}

	switch c.Discovery.Mode {
	case "", "auto", "gossip", "kubernetes", "static":
	default:
		return fmt.Errorf("unknown discovery mode %q", c.Discovery.Mode)
	}

	return nil
}

package discovery

import (
	"go.uber.org/zap"
)

// Auto prefers kubernetes endpoint discovery when running in a pod and
// falls back to gossip.
func Auto(bindAddr string, bindPort int, seedAddrs []string, logger *zap.Logger) (Discovery, error) {
	if k8s, err := NewK8sDiscovery("", ""); err == nil {
		return k8s, nil
	}

	return NewGossipDiscovery(bindAddr, bindPort, seedAddrs, logger)
}

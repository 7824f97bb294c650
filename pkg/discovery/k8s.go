package discovery

import (
	"context"
	"fmt"
	"os"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

type K8sDiscovery struct {
	client    *kubernetes.Clientset
	namespace string
	service   string
	nodeName  string
	nodeIP    string
}

func NewK8sDiscovery(namespace, service string) (*K8sDiscovery, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("not running in kubernetes: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, err
	}

	if namespace == "" {
		namespace = getEnvOrDefault("POD_NAMESPACE", "default")
	}
	if service == "" {
		service = os.Getenv("SERVICE_NAME")
	}
	if service == "" {
		return nil, fmt.Errorf("kubernetes discovery needs a service name")
	}

	nodeName := getEnvOrDefault("POD_NAME", getHostname())
	nodeIP := os.Getenv("POD_IP")
	if nodeIP == "" {
		return nil, fmt.Errorf("POD_IP environment variable not set")
	}

	return &K8sDiscovery{
		client:    clientset,
		namespace: namespace,
		service:   service,
		nodeName:  nodeName,
		nodeIP:    nodeIP,
	}, nil
}

func (k *K8sDiscovery) Peers(ctx context.Context) ([]Peer, error) {
	endpoints, err := k.client.CoreV1().Endpoints(k.namespace).
		Get(ctx, k.service, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoints: %w", err)
	}

	var peers []Peer
	for _, subset := range endpoints.Subsets {
		for _, addr := range subset.Addresses {
			name := fmt.Sprintf("node-%s", addr.IP)
			if addr.TargetRef != nil {
				name = addr.TargetRef.Name
			}
			peers = append(peers, Peer{Name: name, Addr: addr.IP})
		}
	}

	return peers, nil
}

func (k *K8sDiscovery) NodeName() string {
	return k.nodeName
}

func (k *K8sDiscovery) NodeIP() string {
	return k.nodeIP
}

func (k *K8sDiscovery) Close() error {
	return nil
}

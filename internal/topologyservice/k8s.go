package topologyservice

import (
	"context"
	"database/sql"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/persona-id/ha-mysql-failover/internal/hostinfo"
)

// PodSelector identifies the Kubernetes Pods that make up a cluster via
// an app/component label pair plus the label holding each Pod's role.
type PodSelector struct {
	Namespace string
	App       string
	Component string
	// RoleLabel is the Pod label holding "writer" or "reader",
	// e.g. "role" for a label "role=writer".
	RoleLabel string
}

// KubernetesService builds topology from Kubernetes Pod labels rather than
// a SQL query — the domain-stack path for self-managed MySQL-compatible
// clusters running under an operator (Percona XtraDB Cluster, Vitess),
// where role is authoritative on the Pod rather than in a replica-status
// table.
type KubernetesService struct {
	*healthTracker

	clientset kubernetes.Interface
	selector  PodSelector
	port      int
}

// NewKubernetesService builds a KubernetesService. port is the MySQL port
// every pod listens on (Aurora-style clusters using this path have a
// uniform port across instances).
func NewKubernetesService(clientset kubernetes.Interface, selector PodSelector, port int) *KubernetesService {
	return &KubernetesService{
		healthTracker: newHealthTracker(),
		clientset:     clientset,
		selector:      selector,
		port:          port,
	}
}

// GetTopology ignores conn and forceRefresh: the Kubernetes API server is
// itself always current, so there is nothing to cache against a stale
// connection the way the SQL path does.
func (k *KubernetesService) GetTopology(ctx context.Context, _ *sql.Conn, _ bool) (hostinfo.Topology, error) {
	labelSelector := fmt.Sprintf("app=%s,component=%s", k.selector.App, k.selector.Component)

	pods, err := k.clientset.CoreV1().Pods(k.selector.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelector,
	})
	if err != nil {
		return hostinfo.Topology{}, fmt.Errorf("topologyservice: list pods: %w", err)
	}

	roleLabel := k.selector.RoleLabel
	if roleLabel == "" {
		roleLabel = "role"
	}

	hosts := make([]hostinfo.HostInfo, 0, len(pods.Items))

	for _, pod := range pods.Items {
		role := hostinfo.RoleReader
		if pod.Labels[roleLabel] == "writer" {
			role = hostinfo.RoleWriter
		}

		hosts = append(hosts, hostinfo.HostInfo{
			InstanceName: pod.Name,
			Host:         pod.Status.PodIP,
			Port:         k.port,
			Role:         role,
		})
	}

	return hostinfo.New(hosts)
}

var _ Service = (*KubernetesService)(nil)

package topologyservice_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sqlmock "gopkg.in/DATA-DOG/go-sqlmock.v2"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/persona-id/ha-mysql-failover/internal/hostinfo"
	"github.com/persona-id/ha-mysql-failover/internal/topologyservice"
)

func TestHealthTracking(t *testing.T) {
	t.Parallel()

	svc := topologyservice.NewSQLService(time.Minute)
	h := hostinfo.HostInfo{InstanceName: "r1"}

	assert.False(t, svc.IsDown(h))

	svc.MarkDown(h)
	assert.True(t, svc.IsDown(h))

	svc.MarkUp(h)
	assert.False(t, svc.IsDown(h))
}

func TestSQLServiceGetTopologyCaches(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"SERVER_ID", "SESSION_ID", "LAST_UPDATE_TIMESTAMP"}).
		AddRow("writer-1", "MASTER_SESSION_ID", nil).
		AddRow("reader-1", "some-session", nil)

	mock.ExpectQuery(".*replica_host_status.*").WillReturnRows(rows)

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	svc := topologyservice.NewSQLService(time.Minute)

	topo, err := svc.GetTopology(context.Background(), conn, false)
	require.NoError(t, err)
	assert.Equal(t, 2, topo.TotalHosts())

	writer, ok := topo.Writer()
	require.True(t, ok)
	assert.Equal(t, "writer-1", writer.InstanceName)

	// Second call within the TTL must not issue another query.
	topo2, err := svc.GetTopology(context.Background(), conn, false)
	require.NoError(t, err)
	assert.Equal(t, topo, topo2)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKubernetesServiceBuildsTopologyFromPodLabels(t *testing.T) {
	t.Parallel()

	clientset := fake.NewSimpleClientset(
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "db-0",
				Namespace: "db",
				Labels:    map[string]string{"app": "mysql", "component": "cluster", "role": "writer"},
			},
			Status: corev1.PodStatus{PodIP: "10.0.0.1"},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "db-1",
				Namespace: "db",
				Labels:    map[string]string{"app": "mysql", "component": "cluster", "role": "reader"},
			},
			Status: corev1.PodStatus{PodIP: "10.0.0.2"},
		},
	)

	svc := topologyservice.NewKubernetesService(clientset, topologyservice.PodSelector{
		Namespace: "db",
		App:       "mysql",
		Component: "cluster",
	}, 3306)

	topo, err := svc.GetTopology(context.Background(), nil, true)
	require.NoError(t, err)
	assert.Equal(t, 2, topo.TotalHosts())

	writer, ok := topo.Writer()
	require.True(t, ok)
	assert.Equal(t, "db-0", writer.InstanceName)
	assert.Equal(t, "10.0.0.1", writer.Host)
}

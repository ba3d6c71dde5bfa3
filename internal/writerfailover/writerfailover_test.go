package writerfailover_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/persona-id/ha-mysql-failover/internal/hostinfo"
	"github.com/persona-id/ha-mysql-failover/internal/proxychain"
	"github.com/persona-id/ha-mysql-failover/internal/readerfailover"
	"github.com/persona-id/ha-mysql-failover/internal/workerpool"
	"github.com/persona-id/ha-mysql-failover/internal/writerfailover"
)

// fakeConnector lets each test script which hosts succeed, and after how
// many prior attempts, without a real network dial.
type fakeConnector struct {
	mu           sync.Mutex
	failHosts    map[string]bool
	succeedOnNth map[string]int
	attempts     map[string]int
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		failHosts:    map[string]bool{},
		succeedOnNth: map[string]int{},
		attempts:     map[string]int{},
	}
}

func (f *fakeConnector) Connect(ctx context.Context, host hostinfo.HostInfo) (proxychain.Link, error) {
	f.mu.Lock()
	f.attempts[host.InstanceName]++
	attempt := f.attempts[host.InstanceName]
	f.mu.Unlock()

	if f.failHosts[host.InstanceName] {
		return nil, errors.New("fake connect failure")
	}

	if n, ok := f.succeedOnNth[host.InstanceName]; ok && attempt < n {
		return nil, errors.New("fake connect failure, not yet")
	}

	return proxychain.NewTerminalLink(nil, nil), nil
}

// fakeTopologyService returns a scripted topology on every GetTopology call
// and ignores health hints, which writerfailover does not rely on for
// correctness (only readerfailover's host ordering does).
type fakeTopologyService struct {
	mu   sync.Mutex
	topo hostinfo.Topology
}

func (f *fakeTopologyService) GetTopology(ctx context.Context, conn *sql.Conn, forceRefresh bool) (hostinfo.Topology, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.topo, nil
}

func (f *fakeTopologyService) MarkUp(hostinfo.HostInfo)      {}
func (f *fakeTopologyService) MarkDown(hostinfo.HostInfo)    {}
func (f *fakeTopologyService) IsDown(hostinfo.HostInfo) bool { return false }

func (f *fakeTopologyService) setTopology(topo hostinfo.Topology) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.topo = topo
}

func mustTopology(t *testing.T, hosts ...hostinfo.HostInfo) hostinfo.Topology {
	t.Helper()

	topo, err := hostinfo.New(hosts)
	require.NoError(t, err)

	return topo
}

func TestFailoverReconnectsToOriginalWriter(t *testing.T) {
	t.Parallel()

	original := mustTopology(t,
		hostinfo.HostInfo{InstanceName: "writer-1", Role: hostinfo.RoleWriter},
		hostinfo.HostInfo{InstanceName: "reader-1", Role: hostinfo.RoleReader},
	)

	topoSvc := &fakeTopologyService{topo: original}
	connector := newFakeConnector()
	pool := workerpool.New(4)

	readers := readerfailover.New(topoSvc, connector, pool, readerfailover.Config{
		FailoverTimeout:       time.Second,
		ReaderConnectTimeout:  200 * time.Millisecond,
		ReaderConnectInterval: 10 * time.Millisecond,
	})

	engine := writerfailover.New(topoSvc, connector, readers, pool, writerfailover.Config{
		FailoverTimeout:         time.Second,
		ReconnectInterval:       10 * time.Millisecond,
		TopologyRefreshInterval: 10 * time.Millisecond,
	})

	result, err := engine.Failover(context.Background(), original)
	require.NoError(t, err)
	assert.True(t, result.Connected)
	assert.False(t, result.IsNewHost)
	assert.Equal(t, "writer-1", result.Host.InstanceName)
}

func TestFailoverConnectsToNewlyElectedWriter(t *testing.T) {
	t.Parallel()

	original := mustTopology(t,
		hostinfo.HostInfo{InstanceName: "writer-1", Role: hostinfo.RoleWriter},
		hostinfo.HostInfo{InstanceName: "reader-1", Role: hostinfo.RoleReader},
	)

	promoted := mustTopology(t,
		hostinfo.HostInfo{InstanceName: "reader-1", Role: hostinfo.RoleWriter},
		hostinfo.HostInfo{InstanceName: "writer-1", Role: hostinfo.RoleReader},
	)

	topoSvc := &fakeTopologyService{topo: promoted}
	connector := newFakeConnector()
	connector.failHosts["writer-1"] = true // the old writer never comes back
	pool := workerpool.New(4)

	readers := readerfailover.New(topoSvc, connector, pool, readerfailover.Config{
		FailoverTimeout:       time.Second,
		ReaderConnectTimeout:  200 * time.Millisecond,
		ReaderConnectInterval: 10 * time.Millisecond,
	})

	engine := writerfailover.New(topoSvc, connector, readers, pool, writerfailover.Config{
		FailoverTimeout:         time.Second,
		ReconnectInterval:       10 * time.Millisecond,
		TopologyRefreshInterval: 10 * time.Millisecond,
	})

	result, err := engine.Failover(context.Background(), original)
	require.NoError(t, err)
	assert.True(t, result.Connected)
	assert.True(t, result.IsNewHost)
	assert.Equal(t, "reader-1", result.Host.InstanceName)
}

func TestFailoverOnEmptyTopologyReturnsImmediately(t *testing.T) {
	t.Parallel()

	topoSvc := &fakeTopologyService{}
	connector := newFakeConnector()
	pool := workerpool.New(2)

	readers := readerfailover.New(topoSvc, connector, pool, readerfailover.Config{
		FailoverTimeout:      time.Second,
		ReaderConnectTimeout: 100 * time.Millisecond,
	})

	engine := writerfailover.New(topoSvc, connector, readers, pool, writerfailover.Config{
		FailoverTimeout: time.Second,
	})

	result, err := engine.Failover(context.Background(), hostinfo.Topology{})
	require.NoError(t, err)
	assert.False(t, result.Connected)
}

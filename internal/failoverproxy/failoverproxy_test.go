package failoverproxy_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sqlmock "gopkg.in/DATA-DOG/go-sqlmock.v2"

	"github.com/persona-id/ha-mysql-failover/internal/failoverproxy"
	"github.com/persona-id/ha-mysql-failover/internal/hostinfo"
	"github.com/persona-id/ha-mysql-failover/internal/proxychain"
	"github.com/persona-id/ha-mysql-failover/internal/readerfailover"
	"github.com/persona-id/ha-mysql-failover/internal/topologyservice"
	"github.com/persona-id/ha-mysql-failover/internal/workerpool"
	"github.com/persona-id/ha-mysql-failover/internal/writerfailover"
)

// fakeTopologyService always reports the same topology and ignores health
// hints, which this package's tests don't depend on.
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

// fakeConnector hands out TerminalLinks backed by a shared sqlmock
// connection pool, so MoveHandle/SetConnection exercise real *sql.Conn
// plumbing without a real network dial.
type fakeConnector struct {
	db        *sql.DB
	failHosts map[string]bool
}

func (f *fakeConnector) Connect(ctx context.Context, host hostinfo.HostInfo) (proxychain.Link, error) {
	if f.failHosts[host.InstanceName] {
		return nil, errors.New("fake connect failure")
	}

	conn, err := f.db.Conn(ctx)
	if err != nil {
		return nil, err
	}

	return proxychain.NewTerminalLink(f.db, conn), nil
}

// fakeNext is the FailoverProxy's live terminal link stand-in: its first
// Query call fails with a network-class error, and it records whatever
// connection gets swapped into it afterward.
type fakeNext struct {
	mu         sync.Mutex
	queryCalls int
	failFirst  error
	swapped    *sql.Conn

	customMessage, customState string
}

func (n *fakeNext) SetNext(proxychain.Link) error                 { return nil }
func (n *fakeNext) Next() proxychain.Link                         { return nil }
func (n *fakeNext) Ping(context.Context) error                    { return nil }
func (n *fakeNext) Autocommit(context.Context, bool) error        { return nil }
func (n *fakeNext) SelectDB(context.Context, string) error        { return nil }
func (n *fakeNext) SetCharacterSet(context.Context, string) error { return nil }
func (n *fakeNext) Close() error                                  { return nil }
func (n *fakeNext) MoveHandle() (*sql.Conn, *sql.DB, error)       { return nil, nil, proxychain.ErrNoNativeHandle }
func (n *fakeNext) InTransaction() bool                           { return false }
func (n *fakeNext) IsTerminal() bool                              { return true }
func (n *fakeNext) NativeConn() *sql.Conn                         { return n.swapped }

func (n *fakeNext) SetConnection(conn *sql.Conn, _ *sql.DB) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.swapped = conn
}

func (n *fakeNext) SetCustomError(message, sqlState string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.customMessage, n.customState = message, sqlState
}

func (n *fakeNext) Error() string { return n.customMessage }

func (n *fakeNext) SQLState() string { return n.customState }

func (n *fakeNext) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	n.mu.Lock()
	n.queryCalls++
	n.mu.Unlock()

	return nil, n.failFirst
}

func (n *fakeNext) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, nil
}

var _ proxychain.Link = (*fakeNext)(nil)

func mustTopology(t *testing.T, hosts ...hostinfo.HostInfo) hostinfo.Topology {
	t.Helper()

	topo, err := hostinfo.New(hosts)
	require.NoError(t, err)

	return topo
}

func TestQueryTriggersReaderFailoverAndSwapsConnection(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.MatchExpectationsInOrder(false)
	topo := mustTopology(t,
		hostinfo.HostInfo{InstanceName: "writer-1", Role: hostinfo.RoleWriter},
		hostinfo.HostInfo{InstanceName: "reader-1", Role: hostinfo.RoleReader},
	)

	topoSvc := &fakeTopologyService{topo: topo}
	connector := &fakeConnector{db: db, failHosts: map[string]bool{"writer-1": true}}
	pool := workerpool.New(4)

	readers := readerfailover.New(topoSvc, connector, pool, readerfailover.Config{
		FailoverTimeout:       time.Second,
		ReaderConnectTimeout:  300 * time.Millisecond,
		ReaderConnectInterval: 10 * time.Millisecond,
	})
	writers := writerfailover.New(topoSvc, connector, readers, pool, writerfailover.Config{
		FailoverTimeout:         time.Second,
		ReconnectInterval:       10 * time.Millisecond,
		TopologyRefreshInterval: 10 * time.Millisecond,
	})

	next := &fakeNext{failFirst: &netTimeoutError{}}

	proxy := failoverproxy.New(next, hostinfo.HostInfo{InstanceName: "reader-1", Role: hostinfo.RoleReader}, topo,
		topoSvc, readers, writers, failoverproxy.Config{Enabled: true, Mode: failoverproxy.ModeReaderOrWriter})

	_, err = proxy.Query(context.Background(), "SELECT 1")
	require.Error(t, err)

	assert.Equal(t, failoverproxy.SentinelRecoveredNewServer, next.customState)
	assert.NotNil(t, next.NativeConn())
	assert.Equal(t, "reader-1", proxy.CurrentHost().InstanceName)
}

func TestQueryWithFailoverDisabledPassesErrorThrough(t *testing.T) {
	t.Parallel()

	topo := mustTopology(t, hostinfo.HostInfo{InstanceName: "writer-1", Role: hostinfo.RoleWriter})
	topoSvc := &fakeTopologyService{topo: topo}

	next := &fakeNext{failFirst: &netTimeoutError{}}

	proxy := failoverproxy.New(next, hostinfo.HostInfo{InstanceName: "writer-1", Role: hostinfo.RoleWriter}, topo,
		topoSvc, nil, nil, failoverproxy.Config{Enabled: false})

	_, err := proxy.Query(context.Background(), "SELECT 1")
	assert.Same(t, next.failFirst, err)
	assert.Equal(t, 1, next.queryCalls)
}

// netTimeoutError is a minimal net.Error for triggering isNetworkClassError.
type netTimeoutError struct{}

func (*netTimeoutError) Error() string   { return "i/o timeout" }
func (*netTimeoutError) Timeout() bool   { return true }
func (*netTimeoutError) Temporary() bool { return true }

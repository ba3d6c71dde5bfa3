// Package failoverproxy implements the FailoverProxy interception link:
// the one link in the proxy chain that actually does
// something interesting. Every forwarded call that comes back with a
// network-class error triggers the reader- or writer-failover engine,
// hot-swaps the dead connection for a live one, and reports a sentinel
// SQLSTATE so the caller knows recovery happened (or didn't).
package failoverproxy

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/go-sql-driver/mysql"

	"github.com/persona-id/ha-mysql-failover/internal/hostinfo"
	"github.com/persona-id/ha-mysql-failover/internal/proxychain"
	"github.com/persona-id/ha-mysql-failover/internal/readerfailover"
	"github.com/persona-id/ha-mysql-failover/internal/topologyservice"
	"github.com/persona-id/ha-mysql-failover/internal/writerfailover"
)

// Mode selects which engine answers a failure, per the FAILOVER_MODE key.
type Mode int

const (
	// ModeReaderOrWriter runs WriterFailover when the dead handle was the
	// writer, ReaderFailover otherwise. The default.
	ModeReaderOrWriter Mode = iota
	// ModeStrictWriter always runs WriterFailover, regardless of which
	// host failed.
	ModeStrictWriter
	// ModeStrictReader selects the engine the same way ModeReaderOrWriter
	// does: WriterFailover when the dead handle was the writer,
	// ReaderFailover otherwise.
	ModeStrictReader
)

// Sentinel SQLSTATEs surfaced after a failover attempt.
const (
	SentinelRecoveredNewServer = "08S02"
	SentinelRecoveryFailed     = "08S01"
	SentinelTransactionUnknown = "08007"
)

// Config bundles the per-call failover toggles.
type Config struct {
	// Enabled is ENABLE_CLUSTER_FAILOVER: the master toggle. When false,
	// FailoverProxy is purely transparent.
	Enabled bool
	Mode    Mode
}

// FailoverProxy is the Link that owns the hot-swappable terminal link and
// decides, on network-class failure, whether and how to recover it.
type FailoverProxy struct {
	mu sync.Mutex

	next proxychain.Link // the live terminal link whose connection gets swapped

	currentHost     hostinfo.HostInfo
	currentTopology hostinfo.Topology
	lastFailover    LastFailover

	topology topologyservice.Service
	readers  *readerfailover.Engine
	writers  *writerfailover.Engine

	cfg Config

	shutdownOnce  sync.Once
	shutdownMu    sync.RWMutex
	shutdownPhase ShutdownPhase
}

// New builds a FailoverProxy. host and topology are the connection's
// starting point (the host it dialed, and the topology read at connect
// time); terminal is the TerminalLink whose connection FailoverProxy will
// swap in place on recovery.
func New(
	terminal proxychain.Link,
	host hostinfo.HostInfo,
	topology hostinfo.Topology,
	topologySvc topologyservice.Service,
	readers *readerfailover.Engine,
	writers *writerfailover.Engine,
	cfg Config,
) *FailoverProxy {
	return &FailoverProxy{
		next:            terminal,
		currentHost:     host,
		currentTopology: topology,
		topology:        topologySvc,
		readers:         readers,
		writers:         writers,
		cfg:             cfg,
	}
}

// CurrentHost reports the host the live connection currently targets.
func (p *FailoverProxy) CurrentHost() hostinfo.HostInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.currentHost
}

func (p *FailoverProxy) SetNext(next proxychain.Link) error {
	return p.next.SetNext(next)
}

func (p *FailoverProxy) Next() proxychain.Link { return p.next.Next() }

func (p *FailoverProxy) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := p.next.Query(ctx, query, args...)

	return rows, p.onCallResult(ctx, err)
}

func (p *FailoverProxy) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	result, err := p.next.Exec(ctx, query, args...)

	return result, p.onCallResult(ctx, err)
}

func (p *FailoverProxy) Ping(ctx context.Context) error {
	return p.onCallResult(ctx, p.next.Ping(ctx))
}

func (p *FailoverProxy) Autocommit(ctx context.Context, enabled bool) error {
	return p.next.Autocommit(ctx, enabled)
}

func (p *FailoverProxy) SelectDB(ctx context.Context, schema string) error {
	return p.next.SelectDB(ctx, schema)
}

func (p *FailoverProxy) SetCharacterSet(ctx context.Context, charset string) error {
	return p.next.SetCharacterSet(ctx, charset)
}

func (p *FailoverProxy) Close() error { return p.next.Close() }

func (p *FailoverProxy) MoveHandle() (*sql.Conn, *sql.DB, error) { return p.next.MoveHandle() }

func (p *FailoverProxy) SetConnection(conn *sql.Conn, db *sql.DB) { p.next.SetConnection(conn, db) }

func (p *FailoverProxy) NativeConn() *sql.Conn { return p.next.NativeConn() }

func (p *FailoverProxy) Error() string { return p.next.Error() }

func (p *FailoverProxy) SQLState() string { return p.next.SQLState() }

func (p *FailoverProxy) SetCustomError(message, sqlState string) { p.next.SetCustomError(message, sqlState) }

func (p *FailoverProxy) InTransaction() bool { return p.next.InTransaction() }

func (p *FailoverProxy) IsTerminal() bool { return false }

// onCallResult is where the real work happens: classify err, and if it is
// network-class and failover is enabled, run the recovery protocol:
// pick an engine, race it, swap the connection on success, and set a
// sentinel SQLSTATE either way.
func (p *FailoverProxy) onCallResult(ctx context.Context, err error) error {
	if err == nil || !p.cfg.Enabled || !isNetworkClassError(err) {
		return err
	}

	wasInTransaction := p.next.InTransaction()

	p.mu.Lock()
	host := p.currentHost
	topology := p.currentTopology
	mode := p.cfg.Mode
	p.mu.Unlock()

	useWriter := host.Role == hostinfo.RoleWriter || mode == ModeStrictWriter

	var (
		newHost   hostinfo.HostInfo
		newTopo   hostinfo.Topology
		link      proxychain.Link
		connected bool
	)

	if useWriter {
		result, werr := p.writers.Failover(ctx, topology)
		if werr == nil && result.Connected {
			newHost, newTopo, link, connected = result.Host, result.Topology, result.Link, true
		}
	} else {
		result, rerr := p.readers.Failover(ctx, topology)
		if rerr == nil && result.Connected {
			// ReaderFailover reconnects within the topology it was given;
			// it does not itself learn a newer one.
			newHost, newTopo, link, connected = result.Host, topology, result.Link, true
		}
	}

	sentinel := SentinelRecoveryFailed

	if connected {
		if swapErr := p.swapConnection(link); swapErr != nil {
			slog.Error("failoverproxy: swap connection failed", slog.Any("error", swapErr))
		} else {
			p.mu.Lock()
			p.currentHost = newHost
			p.currentTopology = newTopo
			p.mu.Unlock()

			sentinel = SentinelRecoveredNewServer
		}
	}

	if wasInTransaction {
		sentinel = SentinelTransactionUnknown
	}

	p.recordFailover(sentinel)

	p.next.SetCustomError(failoverMessage(sentinel), sentinel)

	return errors.New(failoverMessage(sentinel))
}

// swapConnection moves the native handle out of the winning engine result's
// link and installs it into the live terminal link, atomically replacing
// the dead handle. The donor link's wrapper is then closed, which is a
// no-op on its (now-nil) connection.
func (p *FailoverProxy) swapConnection(winner proxychain.Link) error {
	conn, db, err := winner.MoveHandle()
	if err != nil {
		return err
	}

	p.next.SetConnection(conn, db)

	return winner.Close()
}

func failoverMessage(sentinel string) string {
	switch sentinel {
	case SentinelRecoveredNewServer:
		return "failover: connection re-established with a different server"
	case SentinelTransactionUnknown:
		return "failover: transaction resolution unknown after communication failure"
	default:
		return "failover: unable to re-establish connection"
	}
}

// isNetworkClassError reports whether err looks like a dropped connection
// rather than an application-level SQL error — the trigger condition for
// failover interception.
func isNetworkClassError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 2006, 2013, 2003, 1053, 1040:
			return true
		}
	}

	return false
}

var _ proxychain.Link = (*FailoverProxy)(nil)

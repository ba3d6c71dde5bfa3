// Package topologyservice implements the TopologyService contract:
// reading cluster topology and tracking per-host health
// hints consumed by the reader failover engine's ordering.
package topologyservice

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/persona-id/ha-mysql-failover/internal/hostinfo"
)

// Service is the opaque oracle the engines consult: "give me the latest
// topology given this connection", plus mark_up/mark_down health hints.
// get_topology is the only operation that may block on I/O.
type Service interface {
	GetTopology(ctx context.Context, conn *sql.Conn, forceRefresh bool) (hostinfo.Topology, error)
	MarkUp(host hostinfo.HostInfo)
	MarkDown(host hostinfo.HostInfo)
	IsDown(host hostinfo.HostInfo) bool
}

// healthTracker is the shared, mutex-guarded per-host health map used by
// every Service implementation. Health hints race with GetTopology and are
// advisory only.
type healthTracker struct {
	mu     sync.RWMutex
	health map[string]hostinfo.Health
}

func newHealthTracker() *healthTracker {
	return &healthTracker{health: make(map[string]hostinfo.Health)}
}

func key(h hostinfo.HostInfo) string {
	if h.InstanceName != "" {
		return h.InstanceName
	}

	return h.HostPort()
}

func (t *healthTracker) MarkUp(h hostinfo.HostInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.health[key(h)] = hostinfo.HealthUp
}

func (t *healthTracker) MarkDown(h hostinfo.HostInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.health[key(h)] = hostinfo.HealthDown
}

func (t *healthTracker) IsDown(h hostinfo.HostInfo) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.health[key(h)] == hostinfo.HealthDown
}

// SQLService is the default Service implementation: it queries a
// replica-status table ordered writer-first, caching the result for
// CacheTTL between force_refresh calls, in the style of a small
// single-purpose query helper.
type SQLService struct {
	*healthTracker

	mu       sync.Mutex
	cached   hostinfo.Topology
	cachedAt time.Time
	CacheTTL time.Duration
}

// NewSQLService builds a SQLService with the given cache TTL
// (TOPOLOGY_REFRESH_RATE).
func NewSQLService(cacheTTL time.Duration) *SQLService {
	return &SQLService{
		healthTracker: newHealthTracker(),
		CacheTTL:      cacheTTL,
	}
}

// topologyQuery reads the replica-host table: a SELECT ordered so the
// writer appears first.
const topologyQuery = `
SELECT SERVER_ID, SESSION_ID, LAST_UPDATE_TIMESTAMP
FROM information_schema.replica_host_status
ORDER BY IF(SESSION_ID = 'MASTER_SESSION_ID', 0, 1), SERVER_ID
`

func (s *SQLService) GetTopology(ctx context.Context, conn *sql.Conn, forceRefresh bool) (hostinfo.Topology, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !forceRefresh && !s.cachedAt.IsZero() && time.Since(s.cachedAt) < s.CacheTTL {
		return s.cached, nil
	}

	if conn == nil {
		return hostinfo.Topology{}, fmt.Errorf("topologyservice: nil connection")
	}

	rows, err := conn.QueryContext(ctx, topologyQuery)
	if err != nil {
		return hostinfo.Topology{}, fmt.Errorf("topologyservice: query: %w", err)
	}
	defer rows.Close()

	var hosts []hostinfo.HostInfo

	for rows.Next() {
		var (
			serverID  string
			sessionID string
			lastTS    sql.NullTime
		)

		if err := rows.Scan(&serverID, &sessionID, &lastTS); err != nil {
			return hostinfo.Topology{}, fmt.Errorf("topologyservice: scan: %w", err)
		}

		role := hostinfo.RoleReader
		if sessionID == "MASTER_SESSION_ID" {
			role = hostinfo.RoleWriter
		}

		hosts = append(hosts, hostinfo.HostInfo{InstanceName: serverID, Role: role})
	}

	if err := rows.Err(); err != nil {
		return hostinfo.Topology{}, fmt.Errorf("topologyservice: rows: %w", err)
	}

	topo, err := hostinfo.New(hosts)
	if err != nil {
		return hostinfo.Topology{}, err
	}

	s.cached = topo
	s.cachedAt = time.Now()

	return topo, nil
}

var _ Service = (*SQLService)(nil)

// Package writerfailover implements the writer-failover engine:
// two strategies race to restore a writer connection — reconnecting to the
// instance that held the writer role before failover started, and waiting
// for the cluster to elect and expose a new writer.
package writerfailover

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/persona-id/ha-mysql-failover/internal/connectionhandler"
	"github.com/persona-id/ha-mysql-failover/internal/failoversync"
	"github.com/persona-id/ha-mysql-failover/internal/hostinfo"
	"github.com/persona-id/ha-mysql-failover/internal/proxychain"
	"github.com/persona-id/ha-mysql-failover/internal/readerfailover"
	"github.com/persona-id/ha-mysql-failover/internal/topologyservice"
	"github.com/persona-id/ha-mysql-failover/internal/workerpool"
)

// Result mirrors the original driver's WRITER_FAILOVER_RESULT.
type Result struct {
	Connected bool
	// IsNewHost is false when Connected came from reconnecting to the
	// pre-failover writer (strategy A), true when it came from a newly
	// elected writer (strategy B).
	IsNewHost bool
	Topology  hostinfo.Topology
	Host      hostinfo.HostInfo
	Link      proxychain.Link
}

// Config bundles the tunables exposed under failover.*.
type Config struct {
	// FailoverTimeout bounds the whole Failover call
	// (WRITER_FAILOVER_TIMEOUT_MS).
	FailoverTimeout time.Duration
	// ReconnectInterval paces strategy A's retries against the original
	// writer (RECONNECT_WRITER_INTERVAL_MS).
	ReconnectInterval time.Duration
	// TopologyRefreshInterval paces strategy B's re-reads of the topology
	// while waiting for a new writer to appear (READ_TOPOLOGY_INTERVAL_MS).
	TopologyRefreshInterval time.Duration
}

// Engine is the writer-failover engine.
type Engine struct {
	topology  topologyservice.Service
	connector connectionhandler.Handler
	readers   *readerfailover.Engine
	pool      *workerpool.Pool
	cfg       Config
}

// New builds an Engine. pool is shared with the reader-failover engine.
func New(topology topologyservice.Service, connector connectionhandler.Handler, readers *readerfailover.Engine, pool *workerpool.Pool, cfg Config) *Engine {
	return &Engine{topology: topology, connector: connector, readers: readers, pool: pool, cfg: cfg}
}

// Failover races strategy A (reconnect to the original writer) against
// strategy B (wait for a newly elected writer) and returns whichever
// finishes first.
func (e *Engine) Failover(ctx context.Context, currentTopology hostinfo.Topology) (Result, error) {
	if currentTopology.IsEmpty() {
		return Result{}, nil
	}

	callID := uuid.NewString()
	slog.Info("writerfailover: starting", slog.String("call_id", callID))

	ctx, cancel := context.WithTimeout(ctx, e.cfg.FailoverTimeout)
	defer cancel()

	originalWriter, hadWriter := currentTopology.Writer()
	if hadWriter {
		e.topology.MarkDown(originalWriter)
	}

	sync := failoversync.New(2)

	e.pool.EnsureCapacity(2)

	resultsA := make(chan Result, 1)
	resultsB := make(chan Result, 1)

	e.pool.Submit(func() { e.reconnectToWriter(ctx, originalWriter, sync, resultsA) })
	e.pool.Submit(func() { e.waitForNewWriter(ctx, originalWriter, currentTopology, sync, resultsB) })

	// WaitAndComplete enforces the deadline on sync itself (forcing
	// stragglers to observe cancellation); it runs independently of ctx so
	// that a caller-side cancellation can still return promptly below.
	go sync.WaitAndComplete(e.cfg.FailoverTimeout)

	for {
		select {
		case r := <-resultsA:
			if r.Connected {
				slog.Info("writerfailover: finished", slog.String("call_id", callID), slog.Bool("new_host", false))

				return r, nil
			}

			if !sync.IsCompleted() {
				continue
			}
		case r := <-resultsB:
			if r.Connected {
				slog.Info("writerfailover: finished", slog.String("call_id", callID), slog.Bool("new_host", true))

				return r, nil
			}

			if !sync.IsCompleted() {
				continue
			}
		case <-ctx.Done():
			slog.Info("writerfailover: cancelled", slog.String("call_id", callID))

			return Result{}, ctx.Err()
		}

		// Both strategies have reported in (or the deadline forced
		// completion) without a connected result.
		select {
		case r := <-resultsA:
			if r.Connected {
				slog.Info("writerfailover: finished", slog.String("call_id", callID), slog.Bool("new_host", false))

				return r, nil
			}
		default:
		}

		select {
		case r := <-resultsB:
			if r.Connected {
				slog.Info("writerfailover: finished", slog.String("call_id", callID), slog.Bool("new_host", true))

				return r, nil
			}
		default:
		}

		slog.Info("writerfailover: exhausted without reconnecting", slog.String("call_id", callID))

		return Result{}, nil
	}
}

// reconnectToWriter is strategy A (RECONNECT_TO_WRITER_HANDLER): keep
// reconnecting to the host that was the writer before failover started,
// until it answers again as writer, or the race is cancelled.
func (e *Engine) reconnectToWriter(ctx context.Context, originalWriter hostinfo.HostInfo, sync *failoversync.Sync, out chan<- Result) {
	if originalWriter == (hostinfo.HostInfo{}) {
		if !sync.IsCompleted() {
			sync.MarkAsComplete(false)
		}

		return
	}

	for !sync.IsCompleted() {
		link, err := e.connector.Connect(ctx, originalWriter)
		if err == nil {
			latest, topoErr := e.topology.GetTopology(ctx, link.NativeConn(), true)
			if topoErr == nil && !latest.IsEmpty() && isSameWriter(originalWriter, latest) {
				e.topology.MarkUp(originalWriter)

				if sync.IsCompleted() {
					link.Close()

					return
				}

				out <- Result{Connected: true, IsNewHost: false, Topology: latest, Host: originalWriter, Link: link}
				sync.MarkAsComplete(true)

				return
			}

			link.Close()
		}

		select {
		case <-ctx.Done():
			if !sync.IsCompleted() {
				sync.MarkAsComplete(false)
			}

			return
		case <-time.After(e.cfg.ReconnectInterval):
		}
	}
}

// isSameWriter reports whether latest's writer is the same instance as
// originalWriter; only named instances are compared. The same-writer case
// is handled by the reconnect handler instead of this one.
func isSameWriter(originalWriter hostinfo.HostInfo, latest hostinfo.Topology) bool {
	if originalWriter.InstanceName == "" {
		return false
	}

	writer, ok := latest.Writer()
	if !ok {
		return false
	}

	return writer.InstanceName == originalWriter.InstanceName
}

// waitForNewWriter is strategy B (WAIT_NEW_WRITER_HANDLER): connect to any
// reader, use it to refresh the topology, and try the new writer candidate
// as soon as the topology disagrees with the host that used to be writer.
func (e *Engine) waitForNewWriter(ctx context.Context, originalWriter hostinfo.HostInfo, currentTopology hostinfo.Topology, sync *failoversync.Sync, out chan<- Result) {
	for !sync.IsCompleted() {
		readerResult, err := e.readers.GetReaderConnection(ctx, currentTopology, sync)
		if err != nil || !readerResult.Connected {
			if sync.IsCompleted() {
				return
			}

			continue
		}

		link, host, topo, ok := e.refreshTopologyAndConnectToNewWriter(ctx, originalWriter, currentTopology, readerResult, sync)
		if readerResult.Link != nil && (link == nil || !hostinfo.SameAs(host, readerResult.Host)) {
			readerResult.Link.Close()
		}

		if ok {
			currentTopology = topo

			if sync.IsCompleted() {
				link.Close()

				return
			}

			out <- Result{Connected: true, IsNewHost: true, Topology: topo, Host: host, Link: link}
			sync.MarkAsComplete(true)

			return
		}

		currentTopology = topo
	}
}

// refreshTopologyAndConnectToNewWriter loops, reading topology through the
// reader connection just established, until a writer candidate differs from
// originalWriter and a connection to it succeeds.
func (e *Engine) refreshTopologyAndConnectToNewWriter(
	ctx context.Context,
	originalWriter hostinfo.HostInfo,
	fallbackTopology hostinfo.Topology,
	reader readerfailover.Result,
	sync *failoversync.Sync,
) (proxychain.Link, hostinfo.HostInfo, hostinfo.Topology, bool) {
	topology := fallbackTopology

	for !sync.IsCompleted() {
		latest, err := e.topology.GetTopology(ctx, reader.Link.NativeConn(), true)
		if err == nil && !latest.IsEmpty() {
			topology = latest

			if candidate, ok := latest.Writer(); ok && !isSameWriter(originalWriter, latest) {
				if hostinfo.SameAs(candidate, reader.Host) {
					return reader.Link, candidate, topology, true
				}

				link, connErr := e.connector.Connect(ctx, candidate)
				if connErr != nil {
					e.topology.MarkDown(candidate)
				} else {
					e.topology.MarkUp(candidate)

					return link, candidate, topology, true
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, hostinfo.HostInfo{}, topology, false
		case <-time.After(e.cfg.TopologyRefreshInterval):
		}
	}

	return nil, hostinfo.HostInfo{}, topology, false
}

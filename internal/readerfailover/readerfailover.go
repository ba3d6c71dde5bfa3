// Package readerfailover implements the reader-failover engine: given a
// topology, reconnect to *any* reader as fast as possible by racing
// connection attempts across the reader list in pairs.
package readerfailover

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/persona-id/ha-mysql-failover/internal/connectionhandler"
	"github.com/persona-id/ha-mysql-failover/internal/failoversync"
	"github.com/persona-id/ha-mysql-failover/internal/hostinfo"
	"github.com/persona-id/ha-mysql-failover/internal/proxychain"
	"github.com/persona-id/ha-mysql-failover/internal/topologyservice"
	"github.com/persona-id/ha-mysql-failover/internal/workerpool"
)

// ErrCancelled is returned when a caller's context is cancelled before a
// reader connection could be established.
var ErrCancelled = errors.New("readerfailover: cancelled")

// Result mirrors the original driver's READER_FAILOVER_RESULT: whether a
// connection was made, and if so, to which host and over which link.
type Result struct {
	Connected bool
	Host      hostinfo.HostInfo
	Link      proxychain.Link
}

// Config bundles the tunables exposed under failover.*.
type Config struct {
	// FailoverTimeout bounds the whole Failover call (FAILOVER_TIMEOUT_MS).
	FailoverTimeout time.Duration
	// ReaderConnectTimeout bounds each pairwise connect race
	// (FAILOVER_READER_CONNECT_TIMEOUT).
	ReaderConnectTimeout time.Duration
	// ReaderConnectInterval is the pause between exhausted passes over the
	// host list (the original's READER_CONNECT_INTERVAL_SEC).
	ReaderConnectInterval time.Duration
	// StrictReaderFailover excludes the writer from the candidate list
	// entirely when true (ENABLE_STRICT_READER_FAILOVER).
	StrictReaderFailover bool
}

// Engine is the reader-failover engine. It is safe for concurrent use; a
// single Engine is typically shared by one connection's proxy chain.
type Engine struct {
	topology  topologyservice.Service
	connector connectionhandler.Handler
	pool      *workerpool.Pool
	cfg       Config
}

// New builds an Engine. pool is shared with the writer-failover engine: a
// single growable pool per connection.
func New(topology topologyservice.Service, connector connectionhandler.Handler, pool *workerpool.Pool, cfg Config) *Engine {
	if cfg.ReaderConnectInterval <= 0 {
		cfg.ReaderConnectInterval = time.Second
	}

	return &Engine{topology: topology, connector: connector, pool: pool, cfg: cfg}
}

// Failover runs the top-level reader-failover process: build a prioritized
// host list, race pairs of connection attempts against it, and if the whole
// list is exhausted without success, sleep briefly and rebuild the list
// from a (possibly now-updated) topology. It never gives up on its own; it
// only stops when ctx is done or max FailoverTimeout elapses.
func (e *Engine) Failover(ctx context.Context, topology hostinfo.Topology) (Result, error) {
	if topology.IsEmpty() {
		return Result{}, nil
	}

	callID := uuid.NewString()
	slog.Info("readerfailover: starting", slog.String("call_id", callID), slog.Int("readers", len(topology.Readers())))

	ctx, cancel := context.WithTimeout(ctx, e.cfg.FailoverTimeout)
	defer cancel()

	global := failoversync.New(1)

	type outcome struct {
		result Result
		err    error
	}

	done := make(chan outcome, 1)

	go func() {
		for !global.IsCompleted() {
			hosts := e.buildHostsList(topology, !e.cfg.StrictReaderFailover)

			result, err := e.getConnectionFromHosts(ctx, hosts, global)
			if err != nil {
				done <- outcome{err: err}

				return
			}

			if result.Connected {
				global.MarkAsComplete(true)
				done <- outcome{result: result}

				return
			}

			select {
			case <-ctx.Done():
				done <- outcome{err: ctx.Err()}

				return
			case <-time.After(e.cfg.ReaderConnectInterval):
			}
		}

		done <- outcome{}
	}()

	// WaitAndComplete enforces the deadline on global itself (forcing
	// stragglers to observe cancellation); it runs independently of ctx so
	// that a caller-side cancellation (below) can still return promptly.
	go global.WaitAndComplete(e.cfg.FailoverTimeout)

	select {
	case o := <-done:
		slog.Info("readerfailover: finished",
			slog.String("call_id", callID), slog.Bool("connected", o.result.Connected), slog.Any("error", o.err))

		return o.result, o.err
	case <-ctx.Done():
		slog.Info("readerfailover: cancelled", slog.String("call_id", callID))

		return Result{}, ctx.Err()
	}
}

// GetReaderConnection connects to any reader (never a writer), sharing the
// caller's FailoverSync so that an external event (e.g. the writer-failover
// engine's other strategy winning the race) can cancel this search too. It
// is the primitive the writer-failover engine's "wait for new writer"
// strategy uses to probe readers for an updated topology.
func (e *Engine) GetReaderConnection(ctx context.Context, topology hostinfo.Topology, sync *failoversync.Sync) (Result, error) {
	hosts := e.buildHostsList(topology, false)

	for !sync.IsCompleted() {
		result, err := e.getConnectionFromHosts(ctx, hosts, sync)
		if err != nil {
			return Result{}, err
		}

		if result.Connected {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}
	}

	return Result{}, nil
}

// buildHostsList orders candidates as: readers marked up, shuffled, first;
// readers marked down, shuffled, next; writers (shuffled) last, only when
// includeWriters is set.
func (e *Engine) buildHostsList(topology hostinfo.Topology, includeWriters bool) []hostinfo.HostInfo {
	var up, down []hostinfo.HostInfo

	for _, h := range topology.Readers() {
		if e.topology.IsDown(h) {
			down = append(down, h)
		} else {
			up = append(up, h)
		}
	}

	shuffle(up)
	shuffle(down)

	hosts := make([]hostinfo.HostInfo, 0, len(up)+len(down))
	hosts = append(hosts, up...)
	hosts = append(hosts, down...)

	if includeWriters {
		if w, ok := topology.Writer(); ok {
			hosts = append(hosts, w)
		}
	}

	return hosts
}

func shuffle(hosts []hostinfo.HostInfo) {
	rand.Shuffle(len(hosts), func(i, j int) { hosts[i], hosts[j] = hosts[j], hosts[i] })
}

// getConnectionFromHosts walks hosts two at a time, racing a connection
// attempt to each pair on the shared pool and taking whichever succeeds
// first, bounded by ReaderConnectTimeout per pair. It returns a
// non-connected Result, not an error, when the whole list is exhausted
// without success — the caller decides whether to retry.
func (e *Engine) getConnectionFromHosts(ctx context.Context, hosts []hostinfo.HostInfo, global *failoversync.Sync) (Result, error) {
	total := len(hosts)

	for i := 0; i < total && !global.IsCompleted(); i += 2 {
		pairCtx, cancel := context.WithTimeout(ctx, e.cfg.ReaderConnectTimeout)

		odd := i+1 == total

		local := failoversync.New(1)
		if !odd {
			local.IncrementTask()
		}

		e.pool.EnsureCapacity(2)

		results := make(chan Result, 2)

		e.pool.Submit(func() { e.connectToReader(pairCtx, hosts[i], local, results) })

		if !odd {
			e.pool.Submit(func() { e.connectToReader(pairCtx, hosts[i+1], local, results) })
		}

		want := 1
		if !odd {
			want = 2
		}

		local.WaitAndComplete(e.cfg.ReaderConnectTimeout)

		var winner Result

		for n := 0; n < want; n++ {
			select {
			case r := <-results:
				if r.Connected {
					winner = r
				}
			case <-pairCtx.Done():
				n = want
			}

			if winner.Connected {
				break
			}
		}

		cancel()

		if winner.Connected {
			return winner, nil
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}
	}

	return Result{}, nil
}

// connectToReader is the per-host worker the original driver runs as
// CONNECT_TO_READER_HANDLER: try to connect, mark the host's health
// accordingly, and race to be first to report success via f_sync.
func (e *Engine) connectToReader(ctx context.Context, reader hostinfo.HostInfo, fSync *failoversync.Sync, out chan<- Result) {
	if fSync.IsCompleted() {
		return
	}

	link, err := e.connector.Connect(ctx, reader)
	if err != nil {
		slog.Debug("readerfailover: connect failed", slog.String("host", reader.HostPort()), slog.Any("error", err))
		e.topology.MarkDown(reader)

		if !fSync.IsCompleted() {
			fSync.MarkAsComplete(false)
		}

		return
	}

	e.topology.MarkUp(reader)

	if fSync.IsCompleted() {
		// Another candidate already won the race; discard this connection.
		link.Close()

		return
	}

	fSync.MarkAsComplete(true)
	out <- Result{Connected: true, Host: reader, Link: link}
}

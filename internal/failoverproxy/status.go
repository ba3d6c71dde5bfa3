package failoverproxy

import (
	"context"
	"log/slog"
	"time"
)

// ShutdownPhase tracks the proxy's graceful-shutdown state, reported as
// "draining" on the health endpoints. It does not affect failover handling.
type ShutdownPhase int

const (
	PhaseRunning ShutdownPhase = iota
	PhaseDraining
	PhaseStopped
)

func (p ShutdownPhase) String() string {
	switch p {
	case PhaseDraining:
		return "draining"
	case PhaseStopped:
		return "stopped"
	default:
		return "running"
	}
}

// LastFailover records the outcome of the most recent recovery attempt, for
// surfacing on the health endpoints.
type LastFailover struct {
	At       time.Time `json:"at"`
	Outcome  string    `json:"outcome"` // "recovered", "failed", or "" if none yet
	Sentinel string    `json:"sentinel"`
}

// Status is the JSON-serializable snapshot restapi exposes at /healthz/*.
type Status struct {
	CurrentHost  string        `json:"current_host"`
	Role         string        `json:"role"`
	FailoverMode string        `json:"failover_mode"`
	Draining     bool          `json:"draining"`
	LastFailover *LastFailover `json:"last_failover,omitempty"`
}

func (m Mode) String() string {
	switch m {
	case ModeStrictWriter:
		return "strict_writer"
	case ModeStrictReader:
		return "strict_reader"
	default:
		return "reader_or_writer"
	}
}

// Snapshot reports the proxy's current host, role, mode and last failover
// outcome, for the health/status HTTP surface.
func (p *FailoverProxy) Snapshot() Status {
	p.mu.Lock()
	host := p.currentHost
	mode := p.cfg.Mode
	last := p.lastFailover
	p.mu.Unlock()

	var lastPtr *LastFailover
	if !last.At.IsZero() {
		lastPtr = &last
	}

	return Status{
		CurrentHost:  host.InstanceName,
		Role:         host.Role.String(),
		FailoverMode: mode.String(),
		Draining:     p.IsShuttingDown(),
		LastFailover: lastPtr,
	}
}

// recordFailover stamps the outcome of an onCallResult recovery attempt.
func (p *FailoverProxy) recordFailover(sentinel string) {
	outcome := "failed"
	if sentinel == SentinelRecoveredNewServer {
		outcome = "recovered"
	}

	p.mu.Lock()
	p.lastFailover = LastFailover{At: time.Now(), Outcome: outcome, Sentinel: sentinel}
	p.mu.Unlock()
}

// IsShuttingDown reports whether PreStopShutdown has been invoked.
func (p *FailoverProxy) IsShuttingDown() bool {
	p.shutdownMu.RLock()
	defer p.shutdownMu.RUnlock()

	return p.shutdownPhase != PhaseRunning
}

func (p *FailoverProxy) setShutdownPhase(phase ShutdownPhase) {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()

	old := p.shutdownPhase
	p.shutdownPhase = phase

	if old != phase {
		slog.Info("failoverproxy: shutdown phase changed",
			slog.String("from", old.String()), slog.String("to", phase.String()))
	}
}

// PreStopShutdown marks the proxy as draining, closes the underlying
// connection right away, and marks it stopped. It does not wait for
// in-flight statements to finish before closing.
func (p *FailoverProxy) PreStopShutdown(_ context.Context) error {
	var closeErr error

	p.shutdownOnce.Do(func() {
		p.setShutdownPhase(PhaseDraining)
		closeErr = p.next.Close()
		p.setShutdownPhase(PhaseStopped)
	})

	return closeErr
}

// Package connectionhandler opens a fresh physical connection to a named
// host and wraps it in a new proxy chain assembled per current configuration.
package connectionhandler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/persona-id/ha-mysql-failover/internal/hostinfo"
	"github.com/persona-id/ha-mysql-failover/internal/proxychain"
)

// Handler opens a physical connection to a HostInfo. Implementations must
// be safe to call concurrently from worker goroutines; all configuration
// must be captured at construction time.
type Handler interface {
	// Connect opens a new physical connection to host and wraps it in a
	// fresh proxy chain. On failure it returns a nil link and a non-nil
	// error; the error is for logging/telemetry, and callers should treat
	// a nil link as "try the next host".
	Connect(ctx context.Context, host hostinfo.HostInfo) (proxychain.Link, error)
}

// Config captures everything a Handler needs at construction time: user
// credentials, timeouts, and the endpoint-resolution policy (the
// CONNECT_TIMEOUT/NETWORK_TIMEOUT/HOST_PATTERN keys).
type Config struct {
	User           string
	Password       string
	Database       string
	ConnectTimeout time.Duration
	NetworkTimeout time.Duration
	HostPattern    string
	EnableDNSSRV   bool
	ParseTime      bool
}

// DefaultHandler is the production Handler backed by go-sql-driver/mysql.
type DefaultHandler struct {
	cfg Config
}

// New builds a DefaultHandler from cfg.
func New(cfg Config) *DefaultHandler {
	return &DefaultHandler{cfg: cfg}
}

func (h *DefaultHandler) Connect(ctx context.Context, host hostinfo.HostInfo) (proxychain.Link, error) {
	endpoint := host.Host
	if h.cfg.HostPattern != "" && host.InstanceName != "" {
		endpoint = hostinfo.ExpandHostPattern(h.cfg.HostPattern, host.InstanceName)
	}

	target := endpoint
	if h.cfg.EnableDNSSRV {
		resolved, err := resolveDNSSRV(ctx, endpoint)
		if err == nil && resolved != "" {
			target = resolved
		}
		// A DNS-SRV lookup failure is not fatal: fall back to the single
		// (host, port) pair; this only changes how the target is resolved.
	}

	dsn := h.dsn(target, host.Port)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("connectionhandler: open %s: %w", host.HostPort(), err)
	}

	connectCtx := ctx
	if h.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc

		connectCtx, cancel = context.WithTimeout(ctx, h.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := db.Conn(connectCtx)
	if err != nil {
		db.Close()

		slog.Debug("connectionhandler: connect failed",
			slog.String("host", host.HostPort()), slog.Any("error", err))

		return nil, fmt.Errorf("connectionhandler: connect %s: %w", host.HostPort(), err)
	}

	if err := conn.PingContext(connectCtx); err != nil {
		conn.Close()
		db.Close()

		return nil, fmt.Errorf("connectionhandler: ping %s: %w", host.HostPort(), err)
	}

	return proxychain.NewTerminalLink(db, conn), nil
}

func (h *DefaultHandler) dsn(host string, port int) string {
	cfg := mysql.NewConfig()
	cfg.User = h.cfg.User
	cfg.Passwd = h.cfg.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", host, port)
	cfg.DBName = h.cfg.Database
	cfg.ParseTime = h.cfg.ParseTime

	if h.cfg.NetworkTimeout > 0 {
		cfg.ReadTimeout = h.cfg.NetworkTimeout
		cfg.WriteTimeout = h.cfg.NetworkTimeout
	}

	return cfg.FormatDSN()
}

// resolveDNSSRV resolves a DNS SRV record for endpoint and returns the
// highest-priority target's host, supporting a "DNS-SRV vs single host"
// connection-establishment policy.
func resolveDNSSRV(ctx context.Context, endpoint string) (string, error) {
	_, addrs, err := net.DefaultResolver.LookupSRV(ctx, "", "", endpoint)
	if err != nil || len(addrs) == 0 {
		return "", err
	}

	return addrs[0].Target, nil
}

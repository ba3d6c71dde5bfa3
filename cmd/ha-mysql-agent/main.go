// Command ha-mysql-agent is the composition root: it wires configuration,
// the connection handler, a topology service, the reader/writer failover
// engines and the FailoverProxy into one managed connection, and exposes
// its health over HTTP via internal/restapi.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/persona-id/ha-mysql-failover/internal/configuration"
	"github.com/persona-id/ha-mysql-failover/internal/connectionhandler"
	"github.com/persona-id/ha-mysql-failover/internal/failoverproxy"
	"github.com/persona-id/ha-mysql-failover/internal/hostinfo"
	"github.com/persona-id/ha-mysql-failover/internal/proxychain"
	"github.com/persona-id/ha-mysql-failover/internal/readerfailover"
	"github.com/persona-id/ha-mysql-failover/internal/restapi"
	"github.com/persona-id/ha-mysql-failover/internal/topologyservice"
	"github.com/persona-id/ha-mysql-failover/internal/workerpool"
	"github.com/persona-id/ha-mysql-failover/internal/writerfailover"
)

var (
	// Version will be the version tag if the binary is built with "go install url/tool@version".
	// See https://goreleaser.com/cookbooks/using-main.version/
	// Current git tag.
	version = "unknown" //nolint:gochecknoglobals
	// Current git commit sha.
	commit = "unknown" //nolint:gochecknoglobals
	// Built at date.
	date = "unknown" //nolint:gochecknoglobals
)

func main() {
	settings, err := configuration.Configure()
	if err != nil {
		slog.Error("Error in Configure()", slog.Any("err", err))
		os.Exit(1)
	}

	slog.Info("build info", slog.Any("version", version), slog.Any("committed", date), slog.Any("revision", commit))

	// if defined, pause before booting; this gives a freshly scheduled
	// database/proxy container time to fully come up before the agent
	// tries connecting.
	if settings.StartDelay > 0 {
		slog.Info("Pausing before boot", slog.Int("seconds", settings.StartDelay))
		time.Sleep(time.Duration(settings.StartDelay) * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigChan
		slog.Info("Received signal, initiating graceful shutdown", slog.String("signal", sig.String()))
		cancel()
	}()

	proxy, err := bootstrap(ctx, settings)
	if err != nil {
		slog.Error("Unable to establish initial connection", slog.Any("error", err))
		os.Exit(1)
	}

	server := restapi.StartAPI(proxy, settings)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second) //nolint:mnd
	defer shutdownCancel()

	if err := proxy.PreStopShutdown(shutdownCtx); err != nil {
		slog.Error("Error draining connection", slog.Any("error", err))
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error shutting down HTTP server", slog.Any("error", err))
	}
}

// bootstrap dials the configured entry point, reads the initial topology,
// and assembles the failover-aware proxy chain: a TerminalLink wrapped in
// a FailoverProxy, backed by reader/writer engines sharing one growable
// worker pool.
func bootstrap(ctx context.Context, settings *configuration.Config) (*failoverproxy.FailoverProxy, error) {
	connector := connectionhandler.New(connectionhandler.Config{
		User:           settings.Connect.User,
		Password:       settings.Connect.Password,
		Database:       settings.Connect.Database,
		ConnectTimeout: time.Duration(settings.Connect.TimeoutMS) * time.Millisecond,
		NetworkTimeout: time.Duration(settings.Connect.NetworkTimeoutMS) * time.Millisecond,
		HostPattern:    settings.Connect.HostPattern,
		EnableDNSSRV:   settings.Connect.DNSSRV,
		ParseTime:      true,
	})

	topologySvc, err := buildTopologyService(settings)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	entryHost := hostinfo.HostInfo{
		InstanceName: settings.Connect.Host,
		Host:         settings.Connect.Host,
		Port:         settings.Connect.Port,
	}

	link, err := connector.Connect(ctx, entryHost)
	if err != nil || link == nil {
		return nil, fmt.Errorf("bootstrap: connect to %s: %w", entryHost.HostPort(), err)
	}

	loggingLink, err := proxychain.NewLoggingLink(link)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: wrap logging link: %w", err)
	}

	topology, err := topologySvc.GetTopology(ctx, link.NativeConn(), true)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: initial topology read: %w", err)
	}

	currentHost := resolveCurrentHost(entryHost, topology)

	pool := workerpool.New(4) //nolint:mnd

	readers := readerfailover.New(topologySvc, connector, pool, readerfailover.Config{
		FailoverTimeout:       time.Duration(settings.Failover.TimeoutMS) * time.Millisecond,
		ReaderConnectTimeout:  time.Duration(settings.Failover.ReaderConnectTimeoutMS) * time.Millisecond,
		ReaderConnectInterval: time.Duration(settings.Failover.ReaderConnectIntervalMS) * time.Millisecond,
		StrictReaderFailover:  settings.Failover.StrictReaderFailover,
	})

	writers := writerfailover.New(topologySvc, connector, readers, pool, writerfailover.Config{
		FailoverTimeout:         time.Duration(settings.Failover.TimeoutMS) * time.Millisecond,
		ReconnectInterval:       time.Duration(settings.Failover.WriterReconnectIntervalMS) * time.Millisecond,
		TopologyRefreshInterval: time.Duration(settings.Failover.TopologyRefreshRateMS) * time.Millisecond,
	})

	proxy := failoverproxy.New(loggingLink, currentHost, topology, topologySvc, readers, writers, failoverproxy.Config{
		Enabled: settings.Failover.Enabled,
		Mode:    settings.FailoverMode(),
	})

	return proxy, nil
}

// buildTopologyService picks the topology source per settings.Topology.Source:
// a SQL replica-status query, or a Kubernetes Pod-label lookup for
// operator-managed clusters without that view.
func buildTopologyService(settings *configuration.Config) (topologyservice.Service, error) {
	refreshRate := time.Duration(settings.Topology.RefreshRateMS) * time.Millisecond

	switch settings.Topology.Source {
	case "kubernetes":
		config, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster config: %w", err)
		}

		clientset, err := kubernetes.NewForConfig(config)
		if err != nil {
			return nil, fmt.Errorf("kubernetes clientset: %w", err)
		}

		selector := topologyservice.PodSelector{
			Namespace: settings.K8s.PodSelector.Namespace,
			App:       settings.K8s.PodSelector.App,
			Component: settings.K8s.PodSelector.Component,
			RoleLabel: settings.K8s.PodSelector.RoleLabel,
		}

		return topologyservice.NewKubernetesService(clientset, selector, settings.Connect.Port), nil
	default:
		return topologyservice.NewSQLService(refreshRate), nil
	}
}

// resolveCurrentHost finds the entry host's role within the topology just
// read, so FailoverProxy knows whether it is sitting on the writer or a
// reader right from construction.
func resolveCurrentHost(entry hostinfo.HostInfo, topology hostinfo.Topology) hostinfo.HostInfo {
	for _, h := range topology.Hosts() {
		if hostinfo.SameAs(h, entry) {
			return h
		}
	}

	return entry
}

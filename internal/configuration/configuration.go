// Package configuration loads settings from defaults, a YAML file, the
// environment, and command-line flags (in that order of precedence), the
// same viper+pflag layering pattern used by similar agents.
package configuration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/yassinebenaid/godump"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"

	"github.com/persona-id/ha-mysql-failover/internal/failoverproxy"
)

var (
	ErrInvalidFailoverMode  = errors.New("failover.mode must be one of 'reader_or_writer', 'strict_writer', 'strict_reader'")
	ErrInvalidTopologySource = errors.New("topology.source must be either 'sql' or 'kubernetes'")
	ErrNegativeTimeout      = errors.New("timeout and interval values cannot be < 0")
	ErrNegativeStartDelay   = errors.New("start_delay cannot be < 0")
)

type Config struct {
	Connect struct {
		Host              string `mapstructure:"host"`
		Port              int    `mapstructure:"port"`
		User              string `mapstructure:"user"`
		Password          string `mapstructure:"password"`
		Database          string `mapstructure:"database"`
		TimeoutMS         int    `mapstructure:"timeout_ms"`
		NetworkTimeoutMS  int    `mapstructure:"network_timeout_ms"`
		HostPattern       string `mapstructure:"host_pattern"`
		DNSSRV            bool   `mapstructure:"dns_srv"`
	} `mapstructure:"connect"`
	Failover struct {
		Enabled                    bool   `mapstructure:"enabled"`
		Mode                       string `mapstructure:"mode"`
		TimeoutMS                  int    `mapstructure:"timeout_ms"`
		TopologyRefreshRateMS      int    `mapstructure:"topology_refresh_rate_ms"`
		WriterReconnectIntervalMS  int    `mapstructure:"writer_reconnect_interval_ms"`
		ReaderConnectTimeoutMS     int    `mapstructure:"reader_connect_timeout_ms"`
		ReaderConnectIntervalMS    int    `mapstructure:"reader_connect_interval_ms"`
		StrictReaderFailover       bool   `mapstructure:"strict_reader_failover"`
	} `mapstructure:"failover"`
	Topology struct {
		Source        string `mapstructure:"source"`
		RefreshRateMS int    `mapstructure:"refresh_rate_ms"`
	} `mapstructure:"topology"`
	K8s struct {
		PodSelector struct {
			Namespace string `mapstructure:"namespace"`
			App       string `mapstructure:"app"`
			Component string `mapstructure:"component"`
			RoleLabel string `mapstructure:"role_label"`
		} `mapstructure:"pod_selector"`
	} `mapstructure:"k8s"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
		Source bool   `mapstructure:"source"`
	} `mapstructure:"log"`
	API struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"api"`
	StartDelay int `mapstructure:"start_delay"`
}

// Configure parses the various configuration methods. Levels of precedence, from least to most:
//  1. defaults set in this function
//  2. config file
//  3. ENV variables
//  4. commandline flags
//
// Returns a pointer to a Config struct and an error if the configuration is invalid.
func Configure() (*Config, error) {
	// the replacer lets us access nested configs, like FAILOVER_MODE will equate to failover.mode
	replacer := strings.NewReplacer(".", "_")
	viper.GetViper().SetEnvKeyReplacer(replacer)
	viper.GetViper().SetEnvPrefix("AGENT")
	viper.GetViper().AutomaticEnv()

	setupDefaults()

	if file := os.Getenv("AGENT_CONFIG_FILE"); file != "" {
		viper.SetConfigFile(file)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/ha-mysql-agent")
		viper.AddConfigPath(".")
	}

	err := viper.ReadInConfig()
	if err != nil {
		errVal := viper.ConfigFileNotFoundError{}
		if ok := errors.As(err, &errVal); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	err = setupFlags()
	if err != nil {
		return nil, fmt.Errorf("error setting up flags: %w", err)
	}

	// we are only dumping the config if the secret flag show-config is specified, because the config
	// contains the cluster connection password
	if viper.GetViper().GetBool("show-config") {
		dumpErr := godump.Dump(viper.GetViper().AllSettings())
		if dumpErr != nil {
			slog.Error("error in Dump()", slog.Any("error", dumpErr))
			os.Exit(1)
		}

		os.Exit(0)
	}

	err = validateConfig()
	if err != nil {
		return nil, err
	}

	settings := &Config{}

	err = viper.Unmarshal(settings)
	if err != nil {
		return nil, fmt.Errorf("error unmarshaling configuration: %w", err)
	}

	setupLogger(settings)

	if settings.Log.Level == "DEBUG" {
		logDebugInfo(settings)
	}

	return settings, nil
}

// FailoverMode resolves the string mode key into a failoverproxy.Mode.
func (c *Config) FailoverMode() failoverproxy.Mode {
	switch c.Failover.Mode {
	case "strict_writer":
		return failoverproxy.ModeStrictWriter
	case "strict_reader":
		return failoverproxy.ModeStrictReader
	default:
		return failoverproxy.ModeReaderOrWriter
	}
}

func setupDefaults() {
	viper.GetViper().SetDefault("start_delay", 0)
	viper.GetViper().SetDefault("log.level", "INFO")
	viper.GetViper().SetDefault("log.format", "text")
	viper.GetViper().SetDefault("log.source", false)

	viper.GetViper().SetDefault("connect.host", "127.0.0.1")
	viper.GetViper().SetDefault("connect.port", 3306) //nolint:mnd
	viper.GetViper().SetDefault("connect.user", "")
	viper.GetViper().SetDefault("connect.password", "")
	viper.GetViper().SetDefault("connect.database", "")
	viper.GetViper().SetDefault("connect.timeout_ms", 3000)         //nolint:mnd
	viper.GetViper().SetDefault("connect.network_timeout_ms", 3000) //nolint:mnd
	viper.GetViper().SetDefault("connect.host_pattern", "")
	viper.GetViper().SetDefault("connect.dns_srv", false)

	viper.GetViper().SetDefault("failover.enabled", true)
	viper.GetViper().SetDefault("failover.mode", "reader_or_writer")
	viper.GetViper().SetDefault("failover.timeout_ms", 60000)                    //nolint:mnd
	viper.GetViper().SetDefault("failover.topology_refresh_rate_ms", 5000)       //nolint:mnd
	viper.GetViper().SetDefault("failover.writer_reconnect_interval_ms", 2000)   //nolint:mnd
	viper.GetViper().SetDefault("failover.reader_connect_timeout_ms", 5000)      //nolint:mnd
	viper.GetViper().SetDefault("failover.reader_connect_interval_ms", 1000)     //nolint:mnd
	viper.GetViper().SetDefault("failover.strict_reader_failover", false)

	viper.GetViper().SetDefault("topology.source", "sql")
	viper.GetViper().SetDefault("topology.refresh_rate_ms", 5000) //nolint:mnd

	viper.GetViper().SetDefault("k8s.pod_selector.namespace", "mysql")
	viper.GetViper().SetDefault("k8s.pod_selector.app", "mysql")
	viper.GetViper().SetDefault("k8s.pod_selector.component", "cluster")
	viper.GetViper().SetDefault("k8s.pod_selector.role_label", "role")

	viper.GetViper().SetDefault("api.port", 8080) //nolint:mnd
}

func setupFlags() error {
	pflag.Int("start_delay", 0, "seconds to pause before starting the agent")
	pflag.String("log.level", "INFO", "the log level for the agent; defaults to INFO")
	pflag.String("log.format", "text", "Format of the logs; valid values: [text OR JSON]")
	pflag.Bool("log.source", false, "Include source code location in the logs")

	pflag.String("connect.host", "127.0.0.1", "initial MySQL cluster endpoint")
	pflag.Int("connect.port", 3306, "MySQL port") //nolint:mnd
	pflag.String("connect.user", "", "MySQL user")
	pflag.String("connect.password", "", "MySQL password; not recommended for use in production")
	pflag.String("connect.database", "", "default schema")
	pflag.Int("connect.timeout_ms", 3000, "connect timeout in milliseconds")         //nolint:mnd
	pflag.Int("connect.network_timeout_ms", 3000, "read/write timeout in milliseconds") //nolint:mnd
	pflag.String("connect.host_pattern", "", "template used to expand an instance name to an endpoint, e.g. '?.cluster-xyz.rds.amazonaws.com'")
	pflag.Bool("connect.dns_srv", false, "resolve the endpoint as a DNS SRV record before connecting")

	pflag.Bool("failover.enabled", true, "enable cluster-aware failover")
	pflag.String("failover.mode", "reader_or_writer", "failover mode; valid values: [reader_or_writer, strict_writer, strict_reader]")
	pflag.Int("failover.timeout_ms", 60000, "overall failover deadline in milliseconds")                       //nolint:mnd
	pflag.Int("failover.topology_refresh_rate_ms", 5000, "writer-failover topology re-read interval")          //nolint:mnd
	pflag.Int("failover.writer_reconnect_interval_ms", 2000, "writer-failover reconnect-to-original pause")    //nolint:mnd
	pflag.Int("failover.reader_connect_timeout_ms", 5000, "per-pair reader connect race timeout")              //nolint:mnd
	pflag.Int("failover.reader_connect_interval_ms", 1000, "pause between exhausted reader-candidate passes")  //nolint:mnd
	pflag.Bool("failover.strict_reader_failover", false, "exclude the writer from reader-failover candidates")

	pflag.String("topology.source", "sql", "topology discovery source; valid values: [sql, kubernetes]")
	pflag.Int("topology.refresh_rate_ms", 5000, "topology cache TTL in milliseconds") //nolint:mnd

	pflag.String("k8s.pod_selector.namespace", "mysql", "namespace to use in the k8s pod selector label")
	pflag.String("k8s.pod_selector.app", "mysql", "app to use in the k8s pod selector label")
	pflag.String("k8s.pod_selector.component", "cluster", "component to use in the k8s pod selector label")
	pflag.String("k8s.pod_selector.role_label", "role", "pod label holding 'writer'/'reader'")

	pflag.Int("api.port", 8080, "port for the HTTP API server") //nolint:mnd

	pflag.Bool("show-config", false, "Dump the configuration for debugging")

	err := pflag.CommandLine.MarkHidden("show-config")
	if err != nil {
		return fmt.Errorf("error marking flag as hidden: %w", err)
	}

	pflag.Parse()

	err = viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	return nil
}

func validateConfig() error {
	v := viper.GetViper()

	if mode := v.GetString("failover.mode"); mode != "reader_or_writer" && mode != "strict_writer" && mode != "strict_reader" {
		return ErrInvalidFailoverMode
	}

	if source := v.GetString("topology.source"); source != "sql" && source != "kubernetes" {
		return ErrInvalidTopologySource
	}

	if v.GetInt("start_delay") < 0 {
		return ErrNegativeStartDelay
	}

	negativeKeys := []string{
		"connect.timeout_ms",
		"connect.network_timeout_ms",
		"failover.timeout_ms",
		"failover.topology_refresh_rate_ms",
		"failover.writer_reconnect_interval_ms",
		"failover.reader_connect_timeout_ms",
		"failover.reader_connect_interval_ms",
		"topology.refresh_rate_ms",
	}

	for _, key := range negativeKeys {
		if v.GetInt(key) < 0 {
			return ErrNegativeTimeout
		}
	}

	return nil
}

// setupLogger sets up the slog logger as the default logger.
// Uses config.log.level and config.log.format to set aspects of the logger.
func setupLogger(settings *Config) {
	levelMap := map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"ERROR": slog.LevelError,
	}

	level, exists := levelMap[settings.Log.Level]
	if !exists {
		level = slog.LevelInfo // default fallback
	}

	var handler slog.Handler

	if settings.Log.Format == "JSON" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource:   settings.Log.Source,
			Level:       level,
			ReplaceAttr: nil,
		})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   settings.Log.Source,
			Level:       level,
			NoColor:     false,
			ReplaceAttr: nil,
			TimeFormat:  time.RFC3339,
		})
	}

	logger := slog.New(handler)

	// append slog to the k8s runtime logging chain, so we get k8s errors logged to both klog and slog
	setupRuntimeLogging()

	slog.SetDefault(logger)
}

// logDebugInfo logs debug information about the service, namely configuration values and build info.
func logDebugInfo(settings *Config) {
	slog.Warn("running service in debug mode")

	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		slog.Error("failed to read build info")
		os.Exit(1)
	}

	buildArgs := []any{}

	buildArgs = append(buildArgs, "go", buildInfo.GoVersion)
	buildArgs = append(buildArgs, "path", buildInfo.Path)
	buildArgs = append(buildArgs, "mod", buildInfo.Main.Path+" "+buildInfo.Main.Version)

	for _, biSettings := range buildInfo.Settings {
		if strings.HasPrefix(biSettings.Key, "build") ||
			strings.HasPrefix(biSettings.Key, "CGO_") ||
			strings.HasPrefix(biSettings.Key, "GO") {
			if biSettings.Value != "" {
				buildArgs = append(buildArgs, biSettings.Key, biSettings.Value)
			}
		}
	}

	slog.Debug("build info", buildArgs...)

	slog.Debug("configuration",
		slog.Group("config",
			slog.String("log.level", settings.Log.Level),
			slog.String("log.format", settings.Log.Format),
			slog.Bool("log.source", settings.Log.Source),
			slog.Int("start_delay", settings.StartDelay),
			slog.String("connect.host", settings.Connect.Host),
			slog.Int("connect.port", settings.Connect.Port),
			slog.String("connect.user", settings.Connect.User),
			slog.String("connect.password", "[REDACTED]"),
			slog.Bool("failover.enabled", settings.Failover.Enabled),
			slog.String("failover.mode", settings.Failover.Mode),
			slog.Int("failover.timeout_ms", settings.Failover.TimeoutMS),
			slog.String("topology.source", settings.Topology.Source),
			slog.Int("topology.refresh_rate_ms", settings.Topology.RefreshRateMS),
			slog.String("k8s.pod_selector.namespace", settings.K8s.PodSelector.Namespace),
			slog.String("k8s.pod_selector.app", settings.K8s.PodSelector.App),
			slog.String("k8s.pod_selector.component", settings.K8s.PodSelector.Component),
			slog.Int("api.port", settings.API.Port),
		),
	)
}

// setupRuntimeLogging appends a slog-based error handler after the default klog handlers
// so that errors sent via runtime.HandleError are logged to both klog and slog.
func setupRuntimeLogging() {
	slogHandler := func(_ context.Context, err error, msg string, keysAndValues ...any) {
		slog.Error("k8s runtime error",
			slog.String("msg", msg),
			slog.Any("error", err),
			slog.Any("context", keysAndValues),
		)
	}

	utilruntime.ErrorHandlers = append(utilruntime.ErrorHandlers, slogHandler) //nolint:reassign
}

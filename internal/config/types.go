package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	// AppID identifies the application; the coordinator only accepts relay
	// channels opened by the same AppID.
	AppID string `json:"app_id"`

	Logging   LoggingConfig   `json:"logging"`
	Host      HostConfig      `json:"host"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Relay     RelayConfig     `json:"relay"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HostConfig selects the in-process alarm host.
//
// Flavor values:
//   - "async" (default): half-minute granularity, timer backed
//   - "callback": one-minute granularity, cron backed
type HostConfig struct {
	Flavor string `json:"flavor,omitempty"`
}

type SchedulerConfig struct {
	// OpTimeout bounds each platform and ledger call. Default "5s".
	OpTimeout string `json:"op_timeout,omitempty"`
	// HandlerTimeout bounds one handler run. "0s" disables.
	HandlerTimeout string `json:"handler_timeout,omitempty"`
	// LedgerKey is the storage scope of the active-alarm ledger.
	LedgerKey string `json:"ledger_key,omitempty"`
}

// StorageConfig controls the active-alarm ledger persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./alarmsched.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// RelayConfig controls the channel between transient contexts and the
// coordinator.
//
// Transport values:
//   - "memory" (default): in-process hub
//   - "grpc": Addr is the listen address (durable) or target (transient)
type RelayConfig struct {
	Transport string `json:"transport,omitempty"`
	Addr      string `json:"addr,omitempty"`
	Channel   string `json:"channel,omitempty"`
	// WarnEvery and WarnBurst throttle coordinator warnings.
	WarnEvery string `json:"warn_every,omitempty"`
	WarnBurst int    `json:"warn_burst,omitempty"`
}

// MetricsConfig controls the observability HTTP server (Prometheus
// metrics, health and optional pprof).
//
// Security: binding to a non-loopback address requires Token.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Path    string `json:"path,omitempty"` // default: "/metrics"
	Pprof   bool   `json:"pprof,omitempty"`
	Token   string `json:"token,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		AppID:   "alarmsched",
		Logging: LoggingConfig{Level: "info", Console: true},
		Host:    HostConfig{Flavor: "async"},
		Relay:   RelayConfig{Transport: "memory"},
	}
}

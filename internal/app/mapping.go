package app

import (
	"fmt"
	"strings"

	"alarmsched/internal/alarm/cronhost"
	"alarmsched/internal/alarm/timerhost"
	"alarmsched/internal/config"
	"alarmsched/internal/observability/httpsrv"
	"alarmsched/internal/storage"
	logx "alarmsched/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig converts the storage section. A nil section means memory.
func mapStorageConfig(cfg *config.Config, d config.Durations) storage.Config {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}
	}
	return storage.Config{
		Driver:      strings.TrimSpace(cfg.Storage.Driver),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: d.BusyTimeout,
	}
}

func mapHTTPConfig(cfg *config.Config) httpsrv.Config {
	return httpsrv.Config{
		Addr:  strings.TrimSpace(cfg.Metrics.Addr),
		Path:  strings.TrimSpace(cfg.Metrics.Path),
		Pprof: cfg.Metrics.Pprof,
		Token: strings.TrimSpace(cfg.Metrics.Token),
	}
}

// newHost builds the in-process alarm host of the configured flavor and
// returns it with its stop func.
func newHost(flavor string, log logx.Logger) (any, func(), error) {
	switch strings.ToLower(strings.TrimSpace(flavor)) {
	case "", "async":
		h := timerhost.New()
		return h, func() { _ = h.Close() }, nil
	case "callback":
		h := cronhost.New(log)
		return h, h.Stop, nil
	default:
		return nil, nil, fmt.Errorf("host.flavor: unknown flavor %q", flavor)
	}
}

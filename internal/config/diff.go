package config

import (
	"sort"
	"strings"

	logx "alarmsched/pkg/logx"
)

// SummarizeConfigChange lists the changed sections and returns log fields
// describing the new values.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	if oldCfg.AppID != newCfg.AppID {
		changed = append(changed, "app_id")
		fields = append(fields, logx.String("app_id", newCfg.AppID))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !strings.EqualFold(oldCfg.Host.Flavor, newCfg.Host.Flavor) {
		changed = append(changed, "host")
		fields = append(fields, logx.String("host.flavor", newCfg.Host.Flavor))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		fields = append(fields,
			logx.String("scheduler.op_timeout", newCfg.Scheduler.OpTimeout),
			logx.String("scheduler.handler_timeout", newCfg.Scheduler.HandlerTimeout),
		)
	}
	if storageOf(oldCfg) != storageOf(newCfg) {
		s := storageOf(newCfg)
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", s.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(s.Path) != ""),
		)
	}
	if oldCfg.Relay != newCfg.Relay {
		changed = append(changed, "relay")
		fields = append(fields,
			logx.String("relay.transport", newCfg.Relay.Transport),
			logx.String("relay.addr", newCfg.Relay.Addr),
		)
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		fields = append(fields,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
		)
	}

	sort.Strings(changed)
	return changed, fields
}

func storageOf(c *Config) StorageConfig {
	if c.Storage == nil {
		return StorageConfig{}
	}
	return *c.Storage
}

// RequiresRestart reports changes that only take effect on the next start.
// Logging applies live.
func RequiresRestart(changed []string) bool {
	for _, s := range changed {
		if s != "logging" {
			return true
		}
	}
	return false
}

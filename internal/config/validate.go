package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	defaultOpTimeout = 5 * time.Second
	maxOpTimeout     = 5 * time.Minute
)

// Durations holds the parsed duration fields.
type Durations struct {
	OpTimeout      time.Duration
	HandlerTimeout time.Duration
	WarnEvery      time.Duration
	BusyTimeout    time.Duration
}

func (c *Config) Durations() (Durations, error) {
	var (
		d   Durations
		err error
	)
	opTimeout := DurationField{Path: "scheduler.op_timeout", Default: defaultOpTimeout, Max: maxOpTimeout}
	if d.OpTimeout, err = opTimeout.Parse(c.Scheduler.OpTimeout); err != nil {
		return d, err
	}
	if d.HandlerTimeout, err = (DurationField{Path: "scheduler.handler_timeout"}).Parse(c.Scheduler.HandlerTimeout); err != nil {
		return d, err
	}
	if d.WarnEvery, err = (DurationField{Path: "relay.warn_every", Default: time.Second}).Parse(c.Relay.WarnEvery); err != nil {
		return d, err
	}
	if c.Storage != nil {
		if d.BusyTimeout, err = (DurationField{Path: "storage.busy_timeout"}).Parse(c.Storage.BusyTimeout); err != nil {
			return d, err
		}
	}
	return d, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AppID) == "" {
		errs = append(errs, errors.New("app_id: required"))
	}
	switch strings.ToLower(c.Host.Flavor) {
	case "", "async", "callback":
	default:
		errs = append(errs, fmt.Errorf("host.flavor: unknown flavor %q", c.Host.Flavor))
	}
	switch strings.ToLower(c.Relay.Transport) {
	case "", "memory":
	case "grpc":
		if strings.TrimSpace(c.Relay.Addr) == "" {
			errs = append(errs, errors.New("relay.addr: required for grpc transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("relay.transport: unknown transport %q", c.Relay.Transport))
	}
	if c.Relay.WarnBurst < 0 {
		errs = append(errs, errors.New("relay.warn_burst: must be >= 0"))
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(c.Storage.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path: required for driver %q", c.Storage.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
		}
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Addr) != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
			errs = append(errs, fmt.Errorf("metrics.addr: invalid %q (expected host:port): %w", c.Metrics.Addr, err))
		} else if strings.TrimSpace(c.Metrics.Token) == "" && !IsLoopbackAddr(c.Metrics.Addr) {
			errs = append(errs, errors.New("metrics: binding to non-loopback addr requires token"))
		}
	}
	if _, err := c.Durations(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether host:port binds only to a loopback host.
// An empty host means all interfaces.
func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

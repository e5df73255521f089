package alarm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Minimum granularity (in minutes) of each host flavor.
const (
	AsyncMinGranularity    = 0.5
	CallbackMinGranularity = 1.0
)

var (
	ErrUnsupportedHost = errors.New("alarm: unsupported host")
	ErrEmptyName       = errors.New("alarm: name required")
	ErrEmptySpec       = errors.New("alarm: spec needs a delay, period or due time")
)

// Spec holds the coarse parameters accepted by the host alarm primitive.
// A zero field means "absent".
type Spec struct {
	DelayMinutes  float64 `json:"delayMinutes,omitempty"`
	PeriodMinutes float64 `json:"periodMinutes,omitempty"`
	DueAtEpochMs  int64   `json:"dueAtEpochMs,omitempty"`
}

// OneShot reports whether the alarm fires only once.
func (s Spec) OneShot() bool { return s.PeriodMinutes <= 0 }

// FirstFire returns the first time an alarm with this spec fires when armed at armedAt.
func (s Spec) FirstFire(armedAt time.Time) time.Time {
	switch {
	case s.DueAtEpochMs > 0:
		return time.UnixMilli(s.DueAtEpochMs)
	case s.DelayMinutes > 0:
		return armedAt.Add(Minutes(s.DelayMinutes))
	default:
		return armedAt.Add(Minutes(s.PeriodMinutes))
	}
}

// Validate checks the spec against a host minimum granularity.
func (s Spec) Validate(minMinutes float64) error {
	if s.DelayMinutes <= 0 && s.PeriodMinutes <= 0 && s.DueAtEpochMs <= 0 {
		return ErrEmptySpec
	}
	if s.DelayMinutes > 0 && s.DelayMinutes < minMinutes {
		return fmt.Errorf("alarm: delay %.4f min below minimum %.2f min", s.DelayMinutes, minMinutes)
	}
	if s.PeriodMinutes > 0 && s.PeriodMinutes < minMinutes {
		return fmt.Errorf("alarm: period %.4f min below minimum %.2f min", s.PeriodMinutes, minMinutes)
	}
	return nil
}

// Info describes a live host alarm.
type Info struct {
	Name            string  `json:"name"`
	ScheduledTimeMs int64   `json:"scheduledTime"`
	PeriodMinutes   float64 `json:"periodInMinutes,omitempty"`
}

// Fired is delivered on the fired-alarm stream.
type Fired struct {
	Name          string  `json:"name"`
	PeriodMinutes float64 `json:"periodInMinutes,omitempty"`
}

// Platform is the normalized alarm API used by the scheduler. Both host
// flavors are adapted to it by Detect.
type Platform interface {
	Create(ctx context.Context, name string, spec Spec) error
	Get(ctx context.Context, name string) (Info, bool, error)
	Clear(ctx context.Context, name string) (bool, error)
	ClearAll(ctx context.Context) (bool, error)

	// Subscribe returns a live feed of fired alarms. Call the returned func to
	// stop receiving; the channel is closed afterwards.
	Subscribe(buffer int) (<-chan Fired, func())

	MinGranularity() float64
	Flavor() string
	Close() error
}

// AsyncHost is the context-aware flavor with error returns.
type AsyncHost interface {
	Create(ctx context.Context, name string, spec Spec) error
	Get(ctx context.Context, name string) (Info, bool, error)
	Clear(ctx context.Context, name string) (bool, error)
	ClearAll(ctx context.Context) (bool, error)
	OnAlarm(fn func(Fired)) (remove func())
}

// CallbackHost is the callback flavor: every operation reports completion
// through a callback, errors included.
type CallbackHost interface {
	CreateAlarm(name string, spec Spec, done func(error))
	GetAlarm(name string, cb func(info *Info, err error))
	ClearAlarm(name string, cb func(wasCleared bool, err error))
	ClearAllAlarms(cb func(wasCleared bool, err error))
	AddListener(fn func(Fired)) (remove func())
}

// Minutes converts fractional minutes to a duration.
func Minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

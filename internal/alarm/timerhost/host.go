// Package timerhost is an in-process AsyncHost backed by runtime timers.
//
// It models the half-minute alarm flavor: every delay and period must be at
// least alarm.AsyncMinGranularity minutes. Alarms live as long as the Host,
// which is shared by every execution context of the process, so they outlive
// any single scheduler instance.
package timerhost

import (
	"context"
	"sync"
	"time"

	"alarmsched/internal/alarm"
)

type entry struct {
	spec  alarm.Spec
	next  time.Time
	timer *time.Timer
	gen   uint64
}

type Host struct {
	mu     sync.Mutex
	alarms map[string]*entry
	gen    uint64
	closed bool

	lmu       sync.Mutex
	listeners map[uint64]func(alarm.Fired)
	lseq      uint64
}

var _ alarm.AsyncHost = (*Host)(nil)

func New() *Host {
	return &Host{
		alarms:    map[string]*entry{},
		listeners: map[uint64]func(alarm.Fired){},
	}
}

func (h *Host) Create(ctx context.Context, name string, spec alarm.Spec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" {
		return alarm.ErrEmptyName
	}
	if err := spec.Validate(alarm.AsyncMinGranularity); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return context.Canceled
	}
	// Re-creating an alarm replaces it.
	if old, ok := h.alarms[name]; ok {
		old.timer.Stop()
	}
	h.gen++
	now := time.Now()
	e := &entry{spec: spec, next: spec.FirstFire(now), gen: h.gen}
	e.timer = h.armLocked(name, e, now)
	h.alarms[name] = e
	return nil
}

func (h *Host) armLocked(name string, e *entry, now time.Time) *time.Timer {
	d := e.next.Sub(now)
	if d < 0 {
		d = 0
	}
	gen := e.gen
	return time.AfterFunc(d, func() { h.fire(name, gen) })
}

func (h *Host) fire(name string, gen uint64) {
	h.mu.Lock()
	e, ok := h.alarms[name]
	if !ok || e.gen != gen || h.closed {
		h.mu.Unlock()
		return
	}
	if e.spec.OneShot() {
		delete(h.alarms, name)
	} else {
		now := time.Now()
		e.next = e.next.Add(alarm.Minutes(e.spec.PeriodMinutes))
		if e.next.Before(now) {
			e.next = now.Add(alarm.Minutes(e.spec.PeriodMinutes))
		}
		e.timer = h.armLocked(name, e, now)
	}
	f := alarm.Fired{Name: name, PeriodMinutes: e.spec.PeriodMinutes}
	h.mu.Unlock()

	h.notify(f)
}

func (h *Host) notify(f alarm.Fired) {
	h.lmu.Lock()
	fns := make([]func(alarm.Fired), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.lmu.Unlock()
	for _, fn := range fns {
		fn(f)
	}
}

func (h *Host) Get(ctx context.Context, name string) (alarm.Info, bool, error) {
	if err := ctx.Err(); err != nil {
		return alarm.Info{}, false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.alarms[name]
	if !ok {
		return alarm.Info{}, false, nil
	}
	return alarm.Info{Name: name, ScheduledTimeMs: e.next.UnixMilli(), PeriodMinutes: e.spec.PeriodMinutes}, true, nil
}

func (h *Host) Clear(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.alarms[name]
	if !ok {
		return false, nil
	}
	e.timer.Stop()
	delete(h.alarms, name)
	return true, nil
}

func (h *Host) ClearAll(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopAllLocked()
	return true, nil
}

func (h *Host) stopAllLocked() {
	for name, e := range h.alarms {
		e.timer.Stop()
		delete(h.alarms, name)
	}
}

// Names lists the live alarms (diagnostics).
func (h *Host) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.alarms))
	for name := range h.alarms {
		out = append(out, name)
	}
	return out
}

func (h *Host) OnAlarm(fn func(alarm.Fired)) func() {
	h.lmu.Lock()
	h.lseq++
	id := h.lseq
	h.listeners[id] = fn
	h.lmu.Unlock()
	return func() {
		h.lmu.Lock()
		delete(h.listeners, id)
		h.lmu.Unlock()
	}
}

// Close stops every timer. The host rejects new alarms afterwards.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopAllLocked()
	h.closed = true
	return nil
}

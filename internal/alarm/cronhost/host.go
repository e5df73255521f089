// Package cronhost is a CallbackHost driven by a robfig/cron runner.
//
// It models the whole-minute alarm flavor: every delay and period must be at
// least alarm.CallbackMinGranularity minutes, and every operation reports
// through a callback instead of a return value.
package cronhost

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"alarmsched/internal/alarm"
	logx "alarmsched/pkg/logx"
)

// schedule fires at first, then every period (if any).
type schedule struct {
	first  time.Time
	period time.Duration
}

func (s schedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	if s.period <= 0 {
		// One-shot: a zero time tells cron the entry never runs again.
		return time.Time{}
	}
	n := t.Sub(s.first)/s.period + 1
	return s.first.Add(n * s.period)
}

type entry struct {
	id   cron.EntryID
	spec alarm.Spec
}

type Host struct {
	log logx.Logger
	c   *cron.Cron

	mu      sync.Mutex
	entries map[string]entry

	lmu       sync.Mutex
	listeners map[uint64]func(alarm.Fired)
	lseq      uint64
}

var _ alarm.CallbackHost = (*Host)(nil)

// New creates and starts the cron runner.
func New(log logx.Logger) *Host {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Host{
		log:       log,
		c:         cron.New(cron.WithLocation(time.UTC)),
		entries:   map[string]entry{},
		listeners: map[uint64]func(alarm.Fired){},
	}
	h.c.Start()
	return h
}

func (h *Host) CreateAlarm(name string, spec alarm.Spec, done func(error)) {
	if name == "" {
		done(alarm.ErrEmptyName)
		return
	}
	if err := spec.Validate(alarm.CallbackMinGranularity); err != nil {
		done(err)
		return
	}

	sched := schedule{
		first:  spec.FirstFire(time.Now()),
		period: alarm.Minutes(spec.PeriodMinutes),
	}

	h.mu.Lock()
	if old, ok := h.entries[name]; ok {
		h.c.Remove(old.id)
	}
	// A replaced alarm's stale job is recognized by its entry id; ref is
	// written and read under h.mu.
	ref := new(cron.EntryID)
	*ref = h.c.Schedule(sched, cron.FuncJob(func() { h.fire(name, ref) }))
	h.entries[name] = entry{id: *ref, spec: spec}
	h.mu.Unlock()

	done(nil)
}

func (h *Host) fire(name string, ref *cron.EntryID) {
	h.mu.Lock()
	id := *ref
	e, ok := h.entries[name]
	if !ok || e.id != id {
		h.mu.Unlock()
		return
	}
	if e.spec.OneShot() {
		h.c.Remove(id)
		delete(h.entries, name)
	}
	h.mu.Unlock()

	h.notify(alarm.Fired{Name: name, PeriodMinutes: e.spec.PeriodMinutes})
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

func (h *Host) GetAlarm(name string, cb func(*alarm.Info, error)) {
	h.mu.Lock()
	e, ok := h.entries[name]
	h.mu.Unlock()
	if !ok {
		cb(nil, nil)
		return
	}
	info := &alarm.Info{Name: name, PeriodMinutes: e.spec.PeriodMinutes}
	if ce := h.c.Entry(e.id); ce.Valid() {
		info.ScheduledTimeMs = ce.Next.UnixMilli()
	}
	cb(info, nil)
}

func (h *Host) ClearAlarm(name string, cb func(bool, error)) {
	h.mu.Lock()
	e, ok := h.entries[name]
	if ok {
		h.c.Remove(e.id)
		delete(h.entries, name)
	}
	h.mu.Unlock()
	cb(ok, nil)
}

func (h *Host) ClearAllAlarms(cb func(bool, error)) {
	h.mu.Lock()
	for name, e := range h.entries {
		h.c.Remove(e.id)
		delete(h.entries, name)
	}
	h.mu.Unlock()
	cb(true, nil)
}

func (h *Host) AddListener(fn func(alarm.Fired)) func() {
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

// Stop halts the cron runner and waits for running jobs.
func (h *Host) Stop() {
	<-h.c.Stop().Done()
	h.log.Debug("cron host stopped")
}

package scheduler

import (
	"context"
	"slices"
	"sync"
	"time"

	"alarmsched/internal/task"
)

// Handle cancels one SetTimeout, SetInterval or ScheduleAt request.
type Handle struct {
	s       *Scheduler
	task    task.Name
	alarms  []string
	oneShot bool

	mu       sync.Mutex
	timer    *time.Timer
	stop     chan struct{}
	stopped  bool
	disposed bool
	hooks    []func(ctx context.Context)
}

func newHandle(s *Scheduler, name task.Name, oneShot bool, alarms ...string) *Handle {
	return &Handle{
		s:       s,
		task:    name,
		alarms:  alarms,
		oneShot: oneShot,
		stop:    make(chan struct{}),
	}
}

func (h *Handle) Task() task.Name { return h.task }

// Alarms lists the platform alarm names owned by the handle.
func (h *Handle) Alarms() []string { return slices.Clone(h.alarms) }

// OnDispose registers fn to run after the handle's alarms are cleared.
func (h *Handle) OnDispose(fn func(ctx context.Context)) {
	h.mu.Lock()
	h.hooks = append(h.hooks, fn)
	h.mu.Unlock()
}

// Dispose stops the fast timer (if any) and clears every owned alarm once.
// Clear failures are logged; the ledger record then stays for the next
// recovery pass. Calling Dispose again is a no-op.
func (h *Handle) Dispose(ctx context.Context) {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return
	}
	h.disposed = true
	hooks := h.hooks
	h.hooks = nil
	h.mu.Unlock()

	h.halt()
	h.s.forget(h)

	for _, name := range h.alarms {
		h.s.ClearScheduledAlarm(ctx, name)
	}
	for _, fn := range hooks {
		fn(ctx)
	}
}

// Release stops the in-process timers and drops tracking but leaves the
// platform alarms armed. Hooks are discarded. It reports false when the handle
// was already disposed or released.
func (h *Handle) Release() bool {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return false
	}
	h.disposed = true
	h.hooks = nil
	h.mu.Unlock()

	h.halt()
	h.s.forget(h)
	return true
}

// halt stops the in-process timers without touching platform alarms. It
// reports false when the handle was already halted.
func (h *Handle) halt() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
	}
	close(h.stop)
	return true
}

func (h *Handle) owns(alarmName string) bool {
	return slices.Contains(h.alarms, alarmName)
}

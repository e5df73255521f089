package relay

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"alarmsched/internal/alarm"
	"alarmsched/internal/metrics"
	"alarmsched/internal/runtime/supervisor"
	"alarmsched/internal/task"
	"alarmsched/internal/task/scheduler"
	logx "alarmsched/pkg/logx"
)

var ErrAlreadyStarted = errors.New("relay: coordinator already started")

type CoordinatorConfig struct {
	// AppID is the only sender identity accepted.
	AppID string
	// Channel is the reserved channel name. Empty means DefaultChannel.
	Channel string
	// WarnEvery and WarnBurst throttle warnings about failed relayed operations.
	WarnEvery time.Duration
	WarnBurst int
}

// Coordinator runs in the durable context. It owns the canonical scheduler,
// the single subscription to fired alarms, and the relay listener.
//
// Construct exactly one per durable context and Start it once.
type Coordinator struct {
	cfg      CoordinatorConfig
	sched    *scheduler.Scheduler
	platform alarm.Platform
	listener Listener
	log      logx.Logger
	metrics  *metrics.Metrics
	warns    *rate.Limiter

	started atomic.Bool
	sup     *supervisor.Supervisor
	unsub   func()

	mu    sync.Mutex
	ports map[Port]struct{}
	// relayed maps alarm names to the handle that armed them on behalf of a
	// transient context.
	relayed map[string]*scheduler.Handle
}

func NewCoordinator(cfg CoordinatorConfig, sched *scheduler.Scheduler, platform alarm.Platform, listener Listener, log logx.Logger, m *metrics.Metrics) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.WarnEvery <= 0 {
		cfg.WarnEvery = time.Second
	}
	if cfg.WarnBurst <= 0 {
		cfg.WarnBurst = 5
	}
	return &Coordinator{
		cfg:      cfg,
		sched:    sched,
		platform: platform,
		listener: listener,
		log:      log,
		metrics:  m,
		warns:    rate.NewLimiter(rate.Every(cfg.WarnEvery), cfg.WarnBurst),
		ports:    map[Port]struct{}{},
		relayed:  map[string]*scheduler.Handle{},
	}
}

func (c *Coordinator) Scheduler() *scheduler.Scheduler { return c.sched }

// Start subscribes to fired alarms and starts accepting channels.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	c.sup = supervisor.New(ctx, supervisor.WithLogger(c.log))

	fired, unsub := c.platform.Subscribe(0)
	c.unsub = unsub
	c.sup.Go0("relay.fired", func(ctx context.Context) { c.sched.Serve(ctx, fired) })
	c.sup.Go0("relay.accept", c.acceptLoop)

	c.log.Info("coordinator started", logx.String("app_id", c.cfg.AppID), logx.String("channel", c.cfg.Channel))
	return nil
}

// Stop closes the listener and every port, then waits for the loops.
// Platform alarms stay armed.
func (c *Coordinator) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return nil
	}
	_ = c.listener.Close()
	c.mu.Lock()
	for p := range c.ports {
		_ = p.Close()
	}
	c.mu.Unlock()
	if c.unsub != nil {
		c.unsub()
	}
	err := c.sup.Stop(ctx)
	c.log.Info("coordinator stopped")
	return err
}

// Ports reports the number of connected transient contexts.
func (c *Coordinator) Ports() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ports)
}

func (c *Coordinator) acceptLoop(ctx context.Context) {
	for {
		p, err := c.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			c.warn("relay accept failed", logx.Err(err))
			continue
		}
		if !c.admit(p) {
			_ = p.Close()
			continue
		}
		c.sup.Go0("relay.port", func(ctx context.Context) { c.servePort(ctx, p) })
	}
}

// admit accepts only channels of this application on the reserved name.
func (c *Coordinator) admit(p Port) bool {
	s := p.Sender()
	if s.AppID != c.cfg.AppID || p.Name() != c.cfg.Channel {
		c.metrics.Relay("connect", "rejected")
		c.log.Debug("relay channel rejected",
			logx.String("app_id", s.AppID),
			logx.String("channel", p.Name()),
		)
		return false
	}
	c.mu.Lock()
	c.ports[p] = struct{}{}
	c.mu.Unlock()
	c.metrics.PortOpened()
	c.metrics.Relay("connect", "ok")
	c.log.Debug("relay channel connected", logx.String("context", s.Context))
	return true
}

func (c *Coordinator) release(p Port) {
	c.mu.Lock()
	_, ok := c.ports[p]
	delete(c.ports, p)
	c.mu.Unlock()
	if ok {
		_ = p.Close()
		c.metrics.PortClosed()
		c.log.Debug("relay channel disconnected", logx.String("context", p.Sender().Context))
	}
}

func (c *Coordinator) servePort(ctx context.Context, p Port) {
	defer c.release(p)
	for {
		m, err := p.Recv(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.warn("relay receive failed", logx.Err(err))
			}
			return
		}
		c.Handle(ctx, m)
	}
}

// Handle executes one relayed operation on the local scheduler. Failures are
// logged and never reported back to the sender.
func (c *Coordinator) Handle(ctx context.Context, m Message) {
	if err := m.Validate(); err != nil {
		c.metrics.Relay(string(m.Action), "invalid")
		c.warn("relay message dropped", logx.String("action", string(m.Action)), logx.Err(err))
		return
	}

	var (
		h   *scheduler.Handle
		err error
	)
	switch m.Action {
	case ActionSetTimeout:
		h, err = c.sched.SetTimeout(ctx, task.Name(m.TaskName), m.Delay())
	case ActionSetInterval:
		h, err = c.sched.SetInterval(ctx, task.Name(m.TaskName), m.Interval())
	case ActionClearAlarm:
		c.clear(ctx, m.Target())
	}
	if err != nil {
		c.metrics.Relay(string(m.Action), "error")
		c.warn("relayed operation failed",
			logx.String("action", string(m.Action)),
			logx.String("task", m.TaskName),
			logx.Err(err),
		)
		return
	}
	if h != nil {
		c.remember(ctx, h)
	}
	c.metrics.Relay(string(m.Action), "ok")
}

// remember records h as the owner of its alarms. Handles it replaces are
// released; alarms only they owned are cleared.
func (c *Coordinator) remember(ctx context.Context, h *scheduler.Handle) {
	owned := h.Alarms()
	var replaced []*scheduler.Handle
	c.mu.Lock()
	for _, name := range owned {
		if prev, ok := c.relayed[name]; ok && prev != h && !slices.Contains(replaced, prev) {
			replaced = append(replaced, prev)
		}
		c.relayed[name] = h
	}
	for name, owner := range c.relayed {
		if slices.Contains(replaced, owner) {
			delete(c.relayed, name)
		}
	}
	c.mu.Unlock()

	for _, prev := range replaced {
		prev.Release()
		for _, name := range prev.Alarms() {
			if !slices.Contains(owned, name) {
				c.sched.ClearScheduledAlarm(ctx, name)
			}
		}
	}
}

// clear disposes the relayed handle owning alarmName, which also stops its
// fast timers, or clears the alarm directly when none does.
func (c *Coordinator) clear(ctx context.Context, alarmName string) {
	c.mu.Lock()
	h, ok := c.relayed[alarmName]
	if ok {
		for _, name := range h.Alarms() {
			if c.relayed[name] == h {
				delete(c.relayed, name)
			}
		}
	}
	c.mu.Unlock()

	if ok {
		h.Dispose(ctx)
		return
	}
	c.sched.ClearScheduledAlarm(ctx, alarmName)
}

func (c *Coordinator) warn(msg string, fields ...logx.Field) {
	if c.warns.Allow() {
		c.log.Warn(msg, fields...)
	}
}

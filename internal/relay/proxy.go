package relay

import (
	"context"
	"time"

	"alarmsched/internal/metrics"
	"alarmsched/internal/task"
	"alarmsched/internal/task/scheduler"
	logx "alarmsched/pkg/logx"
)

// Proxy runs in a transient context. Every request is relayed to the
// coordinator first, without waiting, and then scheduled locally exactly as
// the durable side would. The local scheduler keeps the fast path and a
// backstop alarm; duplicate backstops under one name collapse in
// Scheduler.ScheduleAlarm.
type Proxy struct {
	sched   *scheduler.Scheduler
	conn    Conn
	log     logx.Logger
	metrics *metrics.Metrics
}

// NewProxy connects to channel (DefaultChannel when empty). A failed connect
// is logged and the proxy works locally only.
func NewProxy(ctx context.Context, dialer Dialer, channel string, sched *scheduler.Scheduler, log logx.Logger, m *metrics.Metrics) *Proxy {
	if log.IsZero() {
		log = logx.Nop()
	}
	if channel == "" {
		channel = DefaultChannel
	}
	p := &Proxy{sched: sched, log: log, metrics: m}
	conn, err := dialer.Connect(ctx, channel)
	if err != nil {
		log.Warn("relay unavailable, scheduling locally only", logx.String("channel", channel), logx.Err(err))
		return p
	}
	p.conn = conn
	return p
}

func (p *Proxy) Scheduler() *scheduler.Scheduler { return p.sched }

func (p *Proxy) Register(name task.Name, h task.Handler) { p.sched.Registry().Register(name, h) }

func (p *Proxy) SetTimeout(ctx context.Context, name task.Name, delay time.Duration) (*scheduler.Handle, error) {
	p.post(Message{Action: ActionSetTimeout, TaskName: string(name), DelayInMs: delay.Milliseconds()})
	h, err := p.sched.SetTimeout(ctx, name, delay)
	if err != nil {
		return nil, err
	}
	p.relayDispose(h)
	return h, nil
}

func (p *Proxy) SetInterval(ctx context.Context, name task.Name, interval time.Duration, initialDelay ...time.Duration) (*scheduler.Handle, error) {
	p.post(Message{Action: ActionSetInterval, TaskName: string(name), IntervalInMs: interval.Milliseconds()})
	h, err := p.sched.SetInterval(ctx, name, interval, initialDelay...)
	if err != nil {
		return nil, err
	}
	p.relayDispose(h)
	return h, nil
}

// ClearScheduledAlarm clears alarmName on both sides.
func (p *Proxy) ClearScheduledAlarm(ctx context.Context, alarmName string) bool {
	p.post(Message{Action: ActionClearAlarm, TaskName: string(task.Resolve(alarmName)), AlarmName: alarmName})
	return p.sched.ClearScheduledAlarm(ctx, alarmName)
}

func (p *Proxy) ClearAllScheduledTasks(ctx context.Context) { p.sched.ClearAllScheduledTasks(ctx) }

func (p *Proxy) VerifyAlarmsState(ctx context.Context) (scheduler.Report, error) {
	return p.sched.VerifyAlarmsState(ctx)
}

// Close disconnects and stops the local timers. Alarms stay armed.
func (p *Proxy) Close() error {
	var err error
	if p.conn != nil {
		err = p.conn.Close()
	}
	p.sched.Close()
	return err
}

func (p *Proxy) relayDispose(h *scheduler.Handle) {
	h.OnDispose(func(context.Context) {
		for _, name := range h.Alarms() {
			p.post(Message{Action: ActionClearAlarm, TaskName: string(h.Task()), AlarmName: name})
		}
	})
}

func (p *Proxy) post(m Message) {
	if p.conn == nil {
		p.metrics.Relay(string(m.Action), "unavailable")
		return
	}
	if err := p.conn.Post(m); err != nil {
		p.metrics.Relay(string(m.Action), "unavailable")
		p.log.Debug("relay post failed", logx.String("action", string(m.Action)), logx.Err(err))
	}
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"alarmsched/internal/alarm"
	"alarmsched/internal/metrics"
	"alarmsched/internal/storage"
	"alarmsched/internal/task"
	logx "alarmsched/pkg/logx"
)

var (
	ErrInvalidInterval = errors.New("scheduler: interval must be positive")
	ErrClosed          = errors.New("scheduler: closed")
)

func New(cfg Config, reg *task.Registry, platform alarm.Platform, ledger *storage.Ledger, log logx.Logger, m *metrics.Metrics) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		cfg:      cfg,
		log:      log,
		reg:      reg,
		platform: platform,
		ledger:   ledger,
		metrics:  m,
		g:        platform.MinGranularity(),
		handles:  map[*Handle]struct{}{},
		latched:  map[string]struct{}{},
	}
	s.log.Debug("scheduler ready", logx.String("flavor", platform.Flavor()), logx.Float64("min_minutes", s.g))
	return s
}

// MinGranularity is the platform minimum delay and period in minutes.
func (s *Scheduler) MinGranularity() float64 { return s.g }

func (s *Scheduler) Registry() *task.Registry { return s.reg }

func (s *Scheduler) upperBound(minutes float64) float64 { return math.Max(s.g, minutes) }

func toMinutes(d time.Duration) float64 { return float64(d) / float64(time.Minute) }

// SetTimeout runs name once after delay.
//
// A backstop alarm is always armed at max(g, delay). When delay is below the
// platform minimum a fast timer also runs the task at the exact delay and
// clears the backstop first.
func (s *Scheduler) SetTimeout(ctx context.Context, name task.Name, delay time.Duration) (*Handle, error) {
	if err := s.reg.Validate(name); err != nil {
		return nil, err
	}
	if delay < 0 {
		delay = 0
	}
	minutes := toMinutes(delay)
	spec := alarm.Spec{DelayMinutes: s.upperBound(minutes)}
	return s.armOneShot(ctx, name, spec, delay, minutes < s.g)
}

// ScheduleAt runs name once at the given wall-clock time. Times closer than
// the platform minimum get a fast timer like SetTimeout.
func (s *Scheduler) ScheduleAt(ctx context.Context, name task.Name, at time.Time) (*Handle, error) {
	if err := s.reg.Validate(name); err != nil {
		return nil, err
	}
	now := time.Now()
	delay := max(at.Sub(now), 0)
	floor := now.Add(alarm.Minutes(s.g))
	fast := at.Before(floor)
	due := at
	if fast {
		due = floor
	}
	return s.armOneShot(ctx, name, alarm.Spec{DueAtEpochMs: due.UnixMilli()}, delay, fast)
}

func (s *Scheduler) armOneShot(ctx context.Context, name task.Name, spec alarm.Spec, delay time.Duration, fast bool) (*Handle, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	alarmName := string(name)
	if err := s.ScheduleAlarm(ctx, alarmName, spec); err != nil {
		return nil, err
	}
	h := newHandle(s, name, true, alarmName)
	if fast {
		h.mu.Lock()
		h.timer = time.AfterFunc(delay, func() { s.fastFire(h) })
		h.mu.Unlock()
	}
	s.track(h)
	s.log.Debug("timeout armed",
		logx.String("task", alarmName),
		logx.Duration("delay", delay),
		logx.Bool("fast", fast),
	)
	return h, nil
}

func (s *Scheduler) fastFire(h *Handle) {
	if !h.halt() {
		return
	}
	s.forget(h)
	alarmName := string(h.task)
	s.latch(alarmName)

	ctx, cancel := s.opContext(context.Background())
	s.ClearScheduledAlarm(ctx, alarmName)
	cancel()

	s.trigger(context.Background(), alarmName, 0, metrics.SourceFast)
}

// SetInterval runs name every interval. The first run happens after
// initialDelay when given, otherwise after one interval.
//
// Intervals of at least the platform minimum use one periodic alarm. Finer
// intervals are emulated with a stepped chain plus a fast ticker that covers
// the chain's phase-in.
func (s *Scheduler) SetInterval(ctx context.Context, name task.Name, interval time.Duration, initialDelay ...time.Duration) (*Handle, error) {
	if err := s.reg.Validate(name); err != nil {
		return nil, err
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}
	if s.isClosed() {
		return nil, ErrClosed
	}
	i := toMinutes(interval)
	if i < s.g {
		return s.stepped(ctx, name, interval)
	}

	first := i
	if len(initialDelay) > 0 {
		first = toMinutes(max(initialDelay[0], 0))
	}
	alarmName := string(name)
	spec := alarm.Spec{PeriodMinutes: s.upperBound(i), DelayMinutes: s.upperBound(first)}
	if err := s.ScheduleAlarm(ctx, alarmName, spec); err != nil {
		return nil, err
	}
	h := newHandle(s, name, false, alarmName)
	s.track(h)
	s.log.Debug("interval armed", logx.String("task", alarmName), logx.Duration("interval", interval))
	return h, nil
}

// ChainLength is the number of stepped alarms used for an interval below the
// platform minimum: ceil(ceil(1/i)/2) + 1 with i in minutes.
func ChainLength(interval time.Duration) int {
	ms := max(interval.Milliseconds(), 1)
	perMinute := (60000 + ms - 1) / ms
	return int((perMinute+1)/2) + 1
}

func (s *Scheduler) stepped(ctx context.Context, name task.Name, interval time.Duration) (*Handle, error) {
	i := toMinutes(interval)
	n := ChainLength(interval)
	alarms := make([]string, n)
	for k := range alarms {
		alarms[k] = task.StepName(name, k)
	}
	h := newHandle(s, name, false, alarms...)

	period := s.g + i
	for k, alarmName := range alarms {
		spec := alarm.Spec{PeriodMinutes: period, DelayMinutes: s.upperBound(s.g + i*float64(k))}
		if err := s.ScheduleAlarm(ctx, alarmName, spec); err != nil {
			return nil, err
		}
	}
	s.track(h)
	go s.runTicker(h, interval, i)

	s.log.Debug("stepped interval armed",
		logx.String("task", string(name)),
		logx.Duration("interval", interval),
		logx.Int("alarms", n),
		logx.Float64("period_minutes", period),
	)
	return h, nil
}

// runTicker drives the cadence until the stepped chain has phased in.
func (s *Scheduler) runTicker(h *Handle, interval time.Duration, minutes float64) {
	t := time.NewTicker(interval)
	defer t.Stop()
	deadline := time.Now().Add(alarm.Minutes(s.g))
	for {
		select {
		case <-h.stop:
			return
		case now := <-t.C:
			s.trigger(context.Background(), string(h.task), minutes, metrics.SourceFast)
			if !now.Before(deadline) {
				return
			}
		}
	}
}

// TriggerTask runs the task behind a fired alarm. A zero periodMinutes marks a
// one-shot: its ledger record is deleted before the handler runs. Missing
// handlers are skipped silently.
func (s *Scheduler) TriggerTask(ctx context.Context, alarmName string, periodMinutes float64) {
	s.trigger(ctx, alarmName, periodMinutes, metrics.SourceAlarm)
}

// Serve triggers every alarm received on fired until ctx ends or fired closes.
func (s *Scheduler) Serve(ctx context.Context, fired <-chan alarm.Fired) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-fired:
			if !ok {
				return
			}
			s.TriggerTask(ctx, f.Name, f.PeriodMinutes)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, alarmName string, periodMinutes float64, source string) {
	name := task.Resolve(alarmName)
	if periodMinutes <= 0 {
		octx, cancel := s.opContext(ctx)
		if err := s.ledger.Delete(octx, alarmName); err != nil {
			s.log.Warn("active alarm delete failed", logx.String("alarm", alarmName), logx.Err(err))
		}
		cancel()
		s.finishOneShot(alarmName)
		if source == metrics.SourceAlarm && s.consumeLatch(alarmName) {
			s.metrics.Skipped(skipLatched)
			s.log.Debug("occurrence already run by fast timer", logx.String("alarm", alarmName))
			return
		}
	}

	h, ok := s.reg.Lookup(name)
	if !ok {
		s.metrics.Skipped(skipNoHandler)
		s.log.Debug("no handler for fired alarm", logx.String("alarm", alarmName), logx.String("source", source))
		return
	}
	s.invoke(ctx, name, h, source)
}

func (s *Scheduler) invoke(ctx context.Context, name task.Name, h task.Handler, source string) {
	if s.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HandlerTimeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.metrics.Failed(string(name))
			s.log.Error("task handler panic",
				logx.String("task", string(name)),
				logx.Any("panic", r),
				logx.Stack(logx.StackTrace(3, 32)),
			)
		}
	}()

	s.metrics.Triggered(source)
	if err := h(ctx); err != nil {
		s.metrics.Failed(string(name))
		s.log.Warn("task handler failed",
			logx.String("task", string(name)),
			logx.String("source", source),
			logx.Err(err),
		)
		return
	}
	s.log.Debug("task ran",
		logx.String("task", string(name)),
		logx.String("source", source),
		logx.Duration("took", time.Since(start)),
	)
}

// ScheduleAlarm creates alarmName unless the platform already has an alarm of
// that name, then records it in the ledger. Platform failures are logged and
// leave no record. Only an invalid spec is returned as an error.
func (s *Scheduler) ScheduleAlarm(ctx context.Context, alarmName string, spec alarm.Spec) error {
	_, err := s.arm(ctx, alarmName, spec)
	return err
}

func (s *Scheduler) arm(ctx context.Context, alarmName string, spec alarm.Spec) (bool, error) {
	if alarmName == "" {
		return false, alarm.ErrEmptyName
	}
	if err := spec.Validate(s.g); err != nil {
		return false, fmt.Errorf("schedule %q: %w", alarmName, err)
	}
	s.unlatch(alarmName)

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, exists, err := s.platform.Get(ctx, alarmName)
	if err != nil {
		s.metrics.PlatformError("get")
		s.log.Warn("alarm lookup failed", logx.String("alarm", alarmName), logx.Err(err))
		return false, nil
	}
	if exists {
		s.log.Debug("alarm already armed", logx.String("alarm", alarmName))
		return false, nil
	}
	if err := s.platform.Create(ctx, alarmName, spec); err != nil {
		s.metrics.PlatformError("create")
		s.log.Warn("alarm create failed", logx.String("alarm", alarmName), logx.Err(err))
		return false, nil
	}
	s.metrics.Armed()

	rec := storage.Record{AlarmName: alarmName, ArmedAtEpochMs: time.Now().UnixMilli(), Spec: spec}
	if err := s.ledger.Put(ctx, rec); err != nil {
		s.log.Warn("active alarm write failed", logx.String("alarm", alarmName), logx.Err(err))
	}
	return true, nil
}

// ClearScheduledAlarm clears alarmName. The ledger record is deleted only when
// the platform confirms the removal, so a failed clear is retried by the next
// recovery pass. It reports whether the platform confirmed.
func (s *Scheduler) ClearScheduledAlarm(ctx context.Context, alarmName string) bool {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	ok, err := s.platform.Clear(ctx, alarmName)
	if err != nil {
		s.metrics.PlatformError("clear")
		s.log.Warn("alarm clear failed", logx.String("alarm", alarmName), logx.Err(err))
		return false
	}
	if !ok {
		s.log.Debug("alarm not cleared", logx.String("alarm", alarmName))
		return false
	}
	s.metrics.Cleared()
	if err := s.ledger.Delete(ctx, alarmName); err != nil {
		s.log.Warn("active alarm delete failed", logx.String("alarm", alarmName), logx.Err(err))
	}
	return true
}

// ClearAllScheduledTasks stops every fast timer of this scheduler, clears all
// platform alarms and empties the ledger.
func (s *Scheduler) ClearAllScheduledTasks(ctx context.Context) {
	s.mu.Lock()
	handles := s.handles
	s.handles = map[*Handle]struct{}{}
	s.latched = map[string]struct{}{}
	s.mu.Unlock()
	for h := range handles {
		h.halt()
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if _, err := s.platform.ClearAll(ctx); err != nil {
		s.metrics.PlatformError("clear_all")
		s.log.Warn("alarm clear-all failed", logx.Err(err))
	}
	if err := s.ledger.Reset(ctx); err != nil {
		s.log.Warn("active alarm reset failed", logx.Err(err))
	}
	s.log.Info("all scheduled tasks cleared", logx.Int("timers", len(handles)))
}

// ActiveAlarms returns the ledger.
func (s *Scheduler) ActiveAlarms(ctx context.Context) ([]storage.Record, error) {
	return s.ledger.Records(ctx)
}

// SubscribeActiveAlarms returns a read-only live feed of the ledger.
func (s *Scheduler) SubscribeActiveAlarms(buffer int) (<-chan []storage.Record, func()) {
	return s.ledger.Subscribe(buffer)
}

// Close stops the in-process timers. Platform alarms and the ledger are left
// as they are; they are what the next context recovers from.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := s.handles
	s.handles = map[*Handle]struct{}{}
	s.mu.Unlock()
	for h := range handles {
		h.halt()
	}
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Scheduler) track(h *Handle) {
	s.mu.Lock()
	s.handles[h] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) forget(h *Handle) {
	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()
}

// finishOneShot stops the timers of one-shot handles owning alarmName.
func (s *Scheduler) finishOneShot(alarmName string) {
	s.mu.Lock()
	var done []*Handle
	for h := range s.handles {
		if h.oneShot && h.owns(alarmName) {
			done = append(done, h)
			delete(s.handles, h)
		}
	}
	s.mu.Unlock()
	for _, h := range done {
		h.halt()
	}
}

func (s *Scheduler) latch(alarmName string) {
	s.mu.Lock()
	s.latched[alarmName] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) unlatch(alarmName string) {
	s.mu.Lock()
	delete(s.latched, alarmName)
	s.mu.Unlock()
}

func (s *Scheduler) consumeLatch(alarmName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.latched[alarmName]; !ok {
		return false
	}
	delete(s.latched, alarmName)
	return true
}

func (s *Scheduler) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OpTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.OpTimeout)
	}
	return context.WithCancel(ctx)
}

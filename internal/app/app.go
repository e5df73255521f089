// Package app wires config, logging, storage, the alarm host, the scheduler
// and the relay into a durable or a transient execution context.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"alarmsched/internal/alarm"
	"alarmsched/internal/config"
	"alarmsched/internal/eventbus"
	"alarmsched/internal/metrics"
	"alarmsched/internal/observability/httpsrv"
	"alarmsched/internal/relay"
	rtsup "alarmsched/internal/runtime/supervisor"
	"alarmsched/internal/storage"
	"alarmsched/internal/task"
	"alarmsched/internal/task/scheduler"
	logx "alarmsched/pkg/logx"
)

type Mode string

const (
	// ModeDurable owns the canonical scheduler and accepts relay channels.
	ModeDurable Mode = "durable"
	// ModeTransient schedules locally and relays every request to the
	// durable context.
	ModeTransient Mode = "transient"
)

var (
	ErrAlreadyStarted = errors.New("app: already started")
	// ErrSharedHostNeedsStore rejects a transient App that shares a host but
	// keeps a private ledger: its alarms would never reach the durable ledger.
	ErrSharedHostNeedsStore = errors.New("app: a transient context sharing a host must share the store")
)

type App struct {
	mode Mode
	cfg  *config.Config
	dur  config.Durations
	opts options

	logs *logx.Service
	log  logx.Logger

	bus       eventbus.Bus
	store     storage.Store
	ownsStore bool
	stopHost  func()
	platform  alarm.Platform
	registry  *task.Registry
	prom      *prometheus.Registry
	metrics   *metrics.Metrics
	sched     *scheduler.Scheduler

	sup     *rtsup.Supervisor
	hub     *relay.Hub
	coord   *relay.Coordinator
	proxy   *relay.Proxy
	grpcSrv *grpc.Server
	grpcCC  *grpc.ClientConn
	http    *httpsrv.Service

	relayAddr  string
	unsubFired func()

	mu     sync.Mutex
	report scheduler.Report

	started atomic.Bool
	stopped atomic.Bool
}

// New builds an App. Handlers must be registered before Start: the boot
// verification pass may run overdue tasks.
func New(mode Mode, cfg *config.Config, opts ...Option) (*App, error) {
	if mode != ModeDurable && mode != ModeTransient {
		return nil, fmt.Errorf("app: unknown mode %q", mode)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dur, err := cfg.Durations()
	if err != nil {
		return nil, err
	}
	a := &App{mode: mode, cfg: cfg, dur: dur}
	for _, o := range opts {
		o(&a.opts)
	}
	if mode == ModeTransient && a.opts.host != nil && a.opts.store == nil {
		return nil, ErrSharedHostNeedsStore
	}

	a.logs, a.log = logx.New(mapLogConfig(cfg))
	a.log = a.log.With(logx.String("comp", "app"), logx.String("mode", string(mode)))
	root := a.logs.Logger().With(logx.String("mode", string(mode)))

	a.bus = eventbus.New()

	if err := a.openStore(root); err != nil {
		_ = a.logs.Close()
		return nil, err
	}

	host := a.opts.host
	if host == nil {
		h, stop, err := newHost(cfg.Host.Flavor, root.With(logx.String("comp", "host")))
		if err != nil {
			a.closeStore()
			_ = a.logs.Close()
			return nil, err
		}
		host, a.stopHost = h, stop
	}
	a.platform, err = alarm.Detect(host, a.bus, root.With(logx.String("comp", "alarm")))
	if err != nil {
		a.closeHost()
		a.closeStore()
		_ = a.logs.Close()
		return nil, err
	}

	a.prom = prometheus.NewRegistry()
	a.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.prom)

	a.registry = task.NewRegistry()
	ledger := storage.Global(a.store, a.bus, cfg.Scheduler.LedgerKey)
	a.sched = scheduler.New(scheduler.Config{
		OpTimeout:      dur.OpTimeout,
		HandlerTimeout: dur.HandlerTimeout,
	}, a.registry, a.platform, ledger, root.With(logx.String("comp", "scheduler")), a.metrics)

	a.log.Info("app configured",
		logx.String("app_id", cfg.AppID),
		logx.String("flavor", a.platform.Flavor()),
		logx.Float64("min_granularity_minutes", a.platform.MinGranularity()),
		logx.String("relay_transport", relayTransport(cfg)),
	)
	return a, nil
}

func (a *App) openStore(log logx.Logger) error {
	if a.opts.store != nil {
		a.store = a.opts.store
		return nil
	}
	sc := mapStorageConfig(a.cfg, a.dur)
	// Only the durable context persists its ledger.
	if a.mode == ModeTransient {
		sc = storage.Config{Driver: "memory"}
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store, a.ownsStore = st, true
	a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	return nil
}

func relayTransport(cfg *config.Config) string {
	t := strings.ToLower(strings.TrimSpace(cfg.Relay.Transport))
	if t == "" {
		return "memory"
	}
	return t
}

func (a *App) Mode() Mode                           { return a.mode }
func (a *App) Logger() logx.Logger                  { return a.log }
func (a *App) Scheduler() *scheduler.Scheduler      { return a.sched }
func (a *App) Gatherer() prometheus.Gatherer        { return a.prom }
func (a *App) Register(n task.Name, h task.Handler) { a.registry.Register(n, h) }

// Hub returns the in-process relay hub, or nil when the relay runs over gRPC.
func (a *App) Hub() *relay.Hub { return a.hub }

// RelayAddr is the bound gRPC relay address of a started durable App.
func (a *App) RelayAddr() string { return a.relayAddr }

// Report returns the result of the last verification pass.
func (a *App) Report() scheduler.Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.report
}

// SetTimeout schedules name once. A transient App also relays the request.
func (a *App) SetTimeout(ctx context.Context, name task.Name, delay time.Duration) (*scheduler.Handle, error) {
	if a.proxy != nil {
		return a.proxy.SetTimeout(ctx, name, delay)
	}
	return a.sched.SetTimeout(ctx, name, delay)
}

// SetInterval schedules name repeatedly. A transient App also relays the
// request.
func (a *App) SetInterval(ctx context.Context, name task.Name, interval time.Duration, initialDelay ...time.Duration) (*scheduler.Handle, error) {
	if a.proxy != nil {
		return a.proxy.SetInterval(ctx, name, interval, initialDelay...)
	}
	return a.sched.SetInterval(ctx, name, interval, initialDelay...)
}

func (a *App) ClearScheduledAlarm(ctx context.Context, alarmName string) bool {
	if a.proxy != nil {
		return a.proxy.ClearScheduledAlarm(ctx, alarmName)
	}
	return a.sched.ClearScheduledAlarm(ctx, alarmName)
}

func (a *App) ClearAllScheduledTasks(ctx context.Context) {
	a.sched.ClearAllScheduledTasks(ctx)
}

// Verify reconciles the ledger with the host and keeps the report.
func (a *App) Verify(ctx context.Context) (scheduler.Report, error) {
	rep, err := a.sched.VerifyAlarmsState(ctx)
	if err != nil {
		return rep, err
	}
	a.mu.Lock()
	a.report = rep
	a.mu.Unlock()
	return rep, nil
}

// Start brings up the relay side of the mode. A durable App then verifies
// the ledger against the host.
func (a *App) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))

	if a.cfg.Metrics.Enabled {
		a.http = httpsrv.New(mapHTTPConfig(a.cfg), a.prom, a.log.With(logx.String("comp", "http")))
		a.http.Start(a.sup.Context())
	}

	var err error
	switch a.mode {
	case ModeDurable:
		err = a.startDurable(a.sup.Context())
	case ModeTransient:
		err = a.startTransient(a.sup.Context())
	}
	if err != nil {
		return err
	}

	// Recovery belongs to the durable context; a transient one would run
	// overdue tasks a second time.
	if a.mode == ModeDurable {
		if _, err := a.Verify(ctx); err != nil {
			a.log.Warn("alarm verification failed", logx.Err(err))
		}
	}

	if a.opts.cfgm != nil {
		a.sup.Go0("config.watch", a.watchConfig)
	}
	a.log.Info("app started")
	return nil
}

func (a *App) startDurable(ctx context.Context) error {
	var listener relay.Listener
	switch relayTransport(a.cfg) {
	case "grpc":
		gl := relay.NewGRPCListener()
		ln, err := net.Listen("tcp", a.cfg.Relay.Addr)
		if err != nil {
			return fmt.Errorf("relay listen %s: %w", a.cfg.Relay.Addr, err)
		}
		a.grpcSrv = grpc.NewServer()
		gl.Register(a.grpcSrv)
		srv := a.grpcSrv
		a.sup.Go("relay.grpc", func(context.Context) error { return srv.Serve(ln) })
		a.relayAddr = ln.Addr().String()
		a.log.Info("relay listening", logx.String("addr", a.relayAddr))
		listener = gl
	default:
		a.hub = a.opts.hub
		if a.hub == nil {
			a.hub = relay.NewHub()
		}
		listener = a.hub
	}

	a.coord = relay.NewCoordinator(relay.CoordinatorConfig{
		AppID:     a.cfg.AppID,
		Channel:   a.cfg.Relay.Channel,
		WarnEvery: a.dur.WarnEvery,
		WarnBurst: a.cfg.Relay.WarnBurst,
	}, a.sched, a.platform, listener, a.log.With(logx.String("comp", "relay")), a.metrics)
	return a.coord.Start(ctx)
}

func (a *App) startTransient(ctx context.Context) error {
	sender := relay.Sender{AppID: a.cfg.AppID, Context: string(ModeTransient)}
	var dialer relay.Dialer
	switch relayTransport(a.cfg) {
	case "grpc":
		cc, err := grpc.NewClient(a.cfg.Relay.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("relay dial %s: %w", a.cfg.Relay.Addr, err)
		}
		a.grpcCC = cc
		dialer = relay.NewGRPCDialer(cc, sender)
	default:
		a.hub = a.opts.hub
		if a.hub == nil {
			// No durable context in reach: the proxy falls back to local only.
			a.hub = relay.NewHub()
			_ = a.hub.Close()
		}
		dialer = a.hub.Dialer(sender)
	}
	a.proxy = relay.NewProxy(ctx, dialer, a.cfg.Relay.Channel, a.sched, a.log.With(logx.String("comp", "relay")), a.metrics)

	// A private host has no coordinator listening, so its alarms are served
	// here. A shared host is served by the durable context.
	if a.stopHost != nil {
		fired, unsub := a.platform.Subscribe(0)
		a.unsubFired = unsub
		a.sup.Go0("alarm.fired", func(ctx context.Context) { a.sched.Serve(ctx, fired) })
	}
	return nil
}

// watchConfig applies logging changes live and reports the rest as pending
// a restart.
func (a *App) watchConfig(ctx context.Context) {
	m := a.opts.cfgm
	m.SetLogger(a.log.With(logx.String("comp", "config")))
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	a.sup.Go("config.fsnotify", m.Watch)

	cur := a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-ch:
			if !ok {
				return
			}
			changed, _ := config.SummarizeConfigChange(cur, next)
			if next.Logging != cur.Logging {
				a.logs.Apply(mapLogConfig(next))
			}
			if config.RequiresRestart(changed) {
				a.log.Warn("config change needs a restart to apply", logx.Any("changed", changed))
			}
			cur = next
		}
	}
}

// Stop tears everything down. Host alarms owned by another context and the
// persisted ledger are left as they are.
func (a *App) Stop(ctx context.Context) error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if a.coord != nil {
		errs = append(errs, a.coord.Stop(ctx))
	}
	if a.proxy != nil {
		errs = append(errs, a.proxy.Close())
	}
	if a.unsubFired != nil {
		a.unsubFired()
	}
	if a.grpcSrv != nil {
		stopGRPC(ctx, a.grpcSrv)
	}
	if a.grpcCC != nil {
		errs = append(errs, a.grpcCC.Close())
	}
	if a.http != nil {
		errs = append(errs, a.http.Stop(ctx))
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	a.sched.Close()
	errs = append(errs, a.platform.Close())
	a.closeHost()
	a.closeStore()
	a.log.Info("app stopped")
	errs = append(errs, a.logs.Close())
	return errors.Join(errs...)
}

func stopGRPC(ctx context.Context, srv *grpc.Server) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
	}
}

func (a *App) closeHost() {
	if a.stopHost != nil {
		a.stopHost()
		a.stopHost = nil
	}
}

func (a *App) closeStore() {
	if a.ownsStore && a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}

package alarm

import (
	"context"
	"fmt"
	"sync"

	"alarmsched/internal/eventbus"
	logx "alarmsched/pkg/logx"
)

// Detect probes host once and returns the matching Platform strategy.
//
// An AsyncHost wins when a host implements both conventions. Fired alarms of
// the host are queued for every subscriber without loss, and also republished
// on bus (TopicAlarmFired) for observers; when bus is nil a private bus is
// used.
func Detect(host any, bus eventbus.Bus, log logx.Logger) (Platform, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}

	switch h := host.(type) {
	case AsyncHost:
		p := &asyncPlatform{host: h}
		p.init(bus, log)
		p.remove = h.OnAlarm(p.publish)
		p.log.Debug("alarm platform detected", logx.String("flavor", p.Flavor()), logx.Float64("min_minutes", p.MinGranularity()))
		return p, nil
	case CallbackHost:
		p := &callbackPlatform{host: h}
		p.init(bus, log)
		p.remove = h.AddListener(p.publish)
		p.log.Debug("alarm platform detected", logx.String("flavor", p.Flavor()), logx.Float64("min_minutes", p.MinGranularity()))
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedHost, host)
	}
}

type base struct {
	bus eventbus.Bus
	log logx.Logger

	mu    sync.Mutex
	feeds map[*firedFeed]struct{}

	closeOnce sync.Once
	remove    func()
}

func (b *base) init(bus eventbus.Bus, log logx.Logger) {
	b.bus, b.log = bus, log
	b.feeds = map[*firedFeed]struct{}{}
}

func (b *base) publish(f Fired) {
	b.mu.Lock()
	for feed := range b.feeds {
		feed.push(f)
	}
	b.mu.Unlock()
	b.bus.Publish(eventbus.Event{Type: eventbus.TopicAlarmFired, Data: f})
}

// Subscribe never drops: a host has already discarded a fired one-shot, so a
// lost event would leave its ledger record behind. buffer sizes the returned
// channel only; the backlog behind it is unbounded.
func (b *base) Subscribe(buffer int) (<-chan Fired, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	feed := &firedFeed{wake: make(chan struct{}, 1), done: make(chan struct{})}
	b.mu.Lock()
	b.feeds[feed] = struct{}{}
	b.mu.Unlock()

	out := make(chan Fired, buffer)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.feeds, feed)
			b.mu.Unlock()
			close(feed.done)
		})
	}
	go feed.pump(out)
	return out, stop
}

func (b *base) Close() error {
	b.closeOnce.Do(func() {
		if b.remove != nil {
			b.remove()
		}
	})
	return nil
}

// firedFeed is one subscriber's backlog.
type firedFeed struct {
	mu      sync.Mutex
	pending []Fired
	wake    chan struct{}
	done    chan struct{}
}

func (q *firedFeed) push(f Fired) {
	q.mu.Lock()
	q.pending = append(q.pending, f)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *firedFeed) pump(out chan<- Fired) {
	defer close(out)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, f := range batch {
			select {
			case out <- f:
			case <-q.done:
				return
			}
		}
		select {
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}

// ---- async flavor ----

type asyncPlatform struct {
	base
	host AsyncHost
}

func (p *asyncPlatform) Flavor() string          { return "async" }
func (p *asyncPlatform) MinGranularity() float64 { return AsyncMinGranularity }

func (p *asyncPlatform) Create(ctx context.Context, name string, spec Spec) error {
	return p.host.Create(ctx, name, spec)
}

func (p *asyncPlatform) Get(ctx context.Context, name string) (Info, bool, error) {
	return p.host.Get(ctx, name)
}

func (p *asyncPlatform) Clear(ctx context.Context, name string) (bool, error) {
	return p.host.Clear(ctx, name)
}

func (p *asyncPlatform) ClearAll(ctx context.Context) (bool, error) {
	return p.host.ClearAll(ctx)
}

// ---- callback flavor ----

type callbackPlatform struct {
	base
	host CallbackHost
}

func (p *callbackPlatform) Flavor() string          { return "callback" }
func (p *callbackPlatform) MinGranularity() float64 { return CallbackMinGranularity }

func (p *callbackPlatform) Create(ctx context.Context, name string, spec Spec) error {
	done := make(chan error, 1)
	p.host.CreateAlarm(name, spec, func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *callbackPlatform) Get(ctx context.Context, name string) (Info, bool, error) {
	type result struct {
		info *Info
		err  error
	}
	done := make(chan result, 1)
	p.host.GetAlarm(name, func(info *Info, err error) { done <- result{info: info, err: err} })
	select {
	case r := <-done:
		if r.err != nil || r.info == nil {
			return Info{}, false, r.err
		}
		return *r.info, true, nil
	case <-ctx.Done():
		return Info{}, false, ctx.Err()
	}
}

type clearResult struct {
	ok  bool
	err error
}

func (p *callbackPlatform) Clear(ctx context.Context, name string) (bool, error) {
	done := make(chan clearResult, 1)
	p.host.ClearAlarm(name, func(ok bool, err error) { done <- clearResult{ok: ok, err: err} })
	return waitClear(ctx, done)
}

func (p *callbackPlatform) ClearAll(ctx context.Context) (bool, error) {
	done := make(chan clearResult, 1)
	p.host.ClearAllAlarms(func(ok bool, err error) { done <- clearResult{ok: ok, err: err} })
	return waitClear(ctx, done)
}

func waitClear(ctx context.Context, done <-chan clearResult) (bool, error) {
	select {
	case r := <-done:
		return r.ok, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

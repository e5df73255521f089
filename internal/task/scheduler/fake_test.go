package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"alarmsched/internal/alarm"
	"alarmsched/internal/storage"
	"alarmsched/internal/task"
	logx "alarmsched/pkg/logx"
)

type created struct {
	name string
	spec alarm.Spec
}

// fakePlatform records every call and never fires on its own.
type fakePlatform struct {
	g float64

	mu         sync.Mutex
	alarms     map[string]alarm.Spec
	creates    []created
	gets       int
	clears     []string
	clearAlls  int
	failCreate error
	failClear  error
	failGet    error
}

func newFakePlatform(g float64) *fakePlatform {
	return &fakePlatform{g: g, alarms: map[string]alarm.Spec{}}
}

func (p *fakePlatform) Create(_ context.Context, name string, spec alarm.Spec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCreate != nil {
		return p.failCreate
	}
	p.creates = append(p.creates, created{name: name, spec: spec})
	p.alarms[name] = spec
	return nil
}

func (p *fakePlatform) Get(_ context.Context, name string) (alarm.Info, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gets++
	if p.failGet != nil {
		return alarm.Info{}, false, p.failGet
	}
	spec, ok := p.alarms[name]
	if !ok {
		return alarm.Info{}, false, nil
	}
	return alarm.Info{Name: name, PeriodMinutes: spec.PeriodMinutes}, true, nil
}

func (p *fakePlatform) Clear(_ context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears = append(p.clears, name)
	if p.failClear != nil {
		return false, p.failClear
	}
	_, ok := p.alarms[name]
	delete(p.alarms, name)
	return ok, nil
}

func (p *fakePlatform) ClearAll(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearAlls++
	p.alarms = map[string]alarm.Spec{}
	return true, nil
}

func (p *fakePlatform) Subscribe(int) (<-chan alarm.Fired, func()) {
	ch := make(chan alarm.Fired)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

func (p *fakePlatform) MinGranularity() float64 { return p.g }
func (p *fakePlatform) Flavor() string          { return "fake" }
func (p *fakePlatform) Close() error            { return nil }

func (p *fakePlatform) createCalls() []created {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]created(nil), p.creates...)
}

func (p *fakePlatform) clearCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clears...)
}

func (p *fakePlatform) set(name string, spec alarm.Spec) {
	p.mu.Lock()
	p.alarms[name] = spec
	p.mu.Unlock()
}

type fixture struct {
	s      *Scheduler
	p      *fakePlatform
	ledger *storage.Ledger
	reg    *task.Registry
	runs   map[task.Name]*atomic.Int32
}

func newFixture(t *testing.T, g float64, names ...task.Name) *fixture {
	t.Helper()
	f := &fixture{
		p:      newFakePlatform(g),
		ledger: storage.Global(storage.NewMemory(), nil, ""),
		reg:    task.NewRegistry(),
		runs:   map[task.Name]*atomic.Int32{},
	}
	for _, n := range names {
		c := new(atomic.Int32)
		f.runs[n] = c
		f.reg.Register(n, func(context.Context) error {
			c.Add(1)
			return nil
		})
	}
	f.s = New(Config{}, f.reg, f.p, f.ledger, logx.Nop(), nil)
	t.Cleanup(f.s.Close)
	return f
}

func (f *fixture) count(n task.Name) int { return int(f.runs[n].Load()) }

func (f *fixture) records(t *testing.T) []storage.Record {
	t.Helper()
	recs, err := f.ledger.Records(context.Background())
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	return recs
}

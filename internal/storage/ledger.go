package storage

import (
	"context"
	"sync"

	"alarmsched/internal/eventbus"
)

// Change is published on eventbus.TopicLedgerChanged after every commit.
type Change struct {
	Scope   string
	Records []Record
}

// Ledger is the active-alarm collection stored under one scope.
type Ledger struct {
	store Store
	scope string
	bus   eventbus.Bus
}

// Global returns the ledger kept under key. A nil bus disables the live feed.
func Global(store Store, bus eventbus.Bus, key string) *Ledger {
	if key == "" {
		key = DefaultScope
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Ledger{store: store, scope: key, bus: bus}
}

func (l *Ledger) Scope() string { return l.scope }

// Records returns the current collection.
func (l *Ledger) Records(ctx context.Context) ([]Record, error) {
	return l.store.Load(ctx, l.scope)
}

// Update applies fn to the collection and publishes the result.
func (l *Ledger) Update(ctx context.Context, fn UpdateFunc) error {
	var committed []Record
	err := l.store.Update(ctx, l.scope, func(cur []Record) ([]Record, error) {
		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		committed = dedupe(next)
		return committed, nil
	})
	if err != nil {
		return err
	}
	l.bus.Publish(eventbus.Event{
		Type: eventbus.TopicLedgerChanged,
		Data: Change{Scope: l.scope, Records: append([]Record(nil), committed...)},
	})
	return nil
}

// Put replaces the record for r.AlarmName (or adds it).
func (l *Ledger) Put(ctx context.Context, r Record) error {
	return l.Update(ctx, func(cur []Record) ([]Record, error) {
		return append(without(cur, r.AlarmName), r), nil
	})
}

// Delete removes the record for name, if any.
func (l *Ledger) Delete(ctx context.Context, name string) error {
	return l.Update(ctx, func(cur []Record) ([]Record, error) {
		return without(cur, name), nil
	})
}

// Reset empties the collection.
func (l *Ledger) Reset(ctx context.Context) error {
	return l.Update(ctx, func([]Record) ([]Record, error) { return nil, nil })
}

// Subscribe returns a live feed of committed collections of this scope.
func (l *Ledger) Subscribe(buffer int) (<-chan []Record, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	events, unsub := l.bus.Subscribe(buffer, eventbus.TopicLedgerChanged)
	out := make(chan []Record, buffer)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			unsub()
		})
	}
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				c, ok := e.Data.(Change)
				if !ok || c.Scope != l.scope {
					continue
				}
				select {
				case out <- c.Records:
				case <-done:
					return
				}
			}
		}
	}()
	return out, stop
}

func without(in []Record, name string) []Record {
	out := make([]Record, 0, len(in))
	for _, r := range in {
		if r.AlarmName != name {
			out = append(out, r)
		}
	}
	return out
}

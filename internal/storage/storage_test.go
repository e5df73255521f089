package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"alarmsched/internal/alarm"
	"alarmsched/internal/eventbus"
	logx "alarmsched/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	file, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "ledger")}, logx.Nop())
	require.NoError(t, err)
	sqlite, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "ledger.db")}, logx.Nop())
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemory(),
		"file":   file,
		"sqlite": sqlite,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestLedgerKeepsOneRecordPerName(t *testing.T) {
	t.Parallel()

	for name, store := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := Global(store, nil, "")

			require.NoError(t, l.Put(ctx, Record{AlarmName: "a", ArmedAtEpochMs: 1, Spec: alarm.Spec{DelayMinutes: 1}}))
			require.NoError(t, l.Put(ctx, Record{AlarmName: "b", ArmedAtEpochMs: 2, Spec: alarm.Spec{PeriodMinutes: 0.5, DelayMinutes: 0.5}}))
			require.NoError(t, l.Put(ctx, Record{AlarmName: "a", ArmedAtEpochMs: 3, Spec: alarm.Spec{DelayMinutes: 2}}))

			got, err := l.Records(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2)
			require.Equal(t, "b", got[0].AlarmName)
			require.Equal(t, Record{AlarmName: "a", ArmedAtEpochMs: 3, Spec: alarm.Spec{DelayMinutes: 2}}, got[1])

			require.NoError(t, l.Delete(ctx, "b"))
			got, err = l.Records(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)

			require.NoError(t, l.Reset(ctx))
			got, err = l.Records(ctx)
			require.NoError(t, err)
			require.Empty(t, got)
		})
	}
}

func TestUpdateErrorLeavesCollectionUntouched(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	for name, store := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := Global(store, nil, "scoped")
			require.NoError(t, l.Put(ctx, Record{AlarmName: "keep", Spec: alarm.Spec{DelayMinutes: 1}}))

			err := l.Update(ctx, func([]Record) ([]Record, error) { return nil, boom })
			require.ErrorIs(t, err, boom)

			got, err := l.Records(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
		})
	}
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	t.Parallel()

	for name, store := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := Global(store, nil, "")

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_ = l.Put(ctx, Record{AlarmName: string(rune('a' + i)), Spec: alarm.Spec{DelayMinutes: 1}})
				}(i)
			}
			wg.Wait()

			got, err := l.Records(ctx)
			require.NoError(t, err)
			require.Len(t, got, 20, "no write may be lost to a racing read-modify-write")
		})
	}
}

func TestSubscribeDeliversCommittedSnapshots(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	l := Global(NewMemory(), bus, "")
	other := Global(NewMemory(), bus, "other")

	feed, stop := l.Subscribe(4)
	defer stop()

	ctx := context.Background()
	require.NoError(t, other.Put(ctx, Record{AlarmName: "ignored", Spec: alarm.Spec{DelayMinutes: 1}}))
	require.NoError(t, l.Put(ctx, Record{AlarmName: "x", Spec: alarm.Spec{DelayMinutes: 1}}))

	snap := <-feed
	require.Len(t, snap, 1)
	require.Equal(t, "x", snap[0].AlarmName)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "ledger")
	ctx := context.Background()
	rec := Record{AlarmName: "job", ArmedAtEpochMs: 42, Spec: alarm.Spec{DelayMinutes: 5, PeriodMinutes: 5}}

	s1, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, Global(s1, nil, "").Put(ctx, rec))
	require.NoError(t, s1.Close())

	s2, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	defer s2.Close()
	got, err := Global(s2, nil, "").Records(ctx)
	require.NoError(t, err)
	require.Equal(t, []Record{rec}, got)
}

func TestCanceledContextIsHonored(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for name, st := range openDrivers(t) {
		_, err := st.Load(ctx, "alarms")
		require.ErrorIs(t, err, context.Canceled, name)
		err = st.Update(ctx, "alarms", func(cur []Record) ([]Record, error) { return cur, nil })
		require.ErrorIs(t, err, context.Canceled, name)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "none"}, logx.Nop())
	require.ErrorIs(t, err, ErrDisabled)
}

package app

import (
	"context"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"alarmsched/internal/alarm/timerhost"
	"alarmsched/internal/config"
	"alarmsched/internal/relay"
	"alarmsched/internal/storage"
	"alarmsched/internal/task"
)

const (
	ping      task.Name = "ping"
	heartbeat task.Name = "heartbeat"
)

func quietConfig() *config.Config {
	cfg := config.Default()
	cfg.Logging.Level = "error"
	return cfg
}

func counter(n *atomic.Int32) task.Handler {
	return func(context.Context) error { n.Add(1); return nil }
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("sidecar", quietConfig())
	require.Error(t, err)

	cfg := quietConfig()
	cfg.AppID = ""
	_, err = New(ModeDurable, cfg)
	require.ErrorContains(t, err, "app_id")

	host := timerhost.New()
	defer host.Close()
	_, err = New(ModeTransient, quietConfig(), WithHost(host))
	require.ErrorIs(t, err, ErrSharedHostNeedsStore)
}

func TestTransientTimeoutRunsInDurableContext(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		host := timerhost.New()
		hub := relay.NewHub()
		store := storage.NewMemory()

		var durRuns, trRuns atomic.Int32
		durable, err := New(ModeDurable, quietConfig(), WithHost(host), WithHub(hub), WithStore(store))
		require.NoError(t, err)
		durable.Register(ping, counter(&durRuns))
		require.NoError(t, durable.Start(ctx))
		require.ErrorIs(t, durable.Start(ctx), ErrAlreadyStarted)
		require.Same(t, hub, durable.Hub())

		transient, err := New(ModeTransient, quietConfig(), WithHost(host), WithHub(hub), WithStore(store))
		require.NoError(t, err)
		transient.Register(ping, counter(&trRuns))
		require.NoError(t, transient.Start(ctx))

		_, err = transient.SetTimeout(ctx, ping, 2*time.Minute)
		require.NoError(t, err)
		synctest.Wait()
		require.Equal(t, []string{"ping"}, host.Names())
		recs, err := durable.Scheduler().ActiveAlarms(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 1, "the shared ledger holds the transient's alarm")

		time.Sleep(2 * time.Minute)
		synctest.Wait()
		require.EqualValues(t, 1, durRuns.Load())
		require.EqualValues(t, 0, trRuns.Load())

		recs, err = durable.Scheduler().ActiveAlarms(ctx)
		require.NoError(t, err)
		require.Empty(t, recs)

		require.NoError(t, transient.Stop(ctx))
		require.NoError(t, durable.Stop(ctx))
		require.NoError(t, durable.Stop(ctx))
		require.NoError(t, host.Close())
	})
}

func TestTransientAloneRunsItsOwnAlarms(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()

		var runs atomic.Int32
		transient, err := New(ModeTransient, quietConfig())
		require.NoError(t, err)
		transient.Register(ping, counter(&runs))
		require.NoError(t, transient.Start(ctx))

		_, err = transient.SetTimeout(ctx, ping, 2*time.Minute)
		require.NoError(t, err)

		time.Sleep(3 * time.Minute)
		synctest.Wait()
		require.EqualValues(t, 1, runs.Load())

		recs, err := transient.Scheduler().ActiveAlarms(ctx)
		require.NoError(t, err)
		require.Empty(t, recs)

		require.NoError(t, transient.Stop(ctx))
	})
}

func TestDurableRestartRecoversLedger(t *testing.T) {
	dir := t.TempDir()
	cfg := quietConfig()
	cfg.Storage = &config.StorageConfig{Driver: "file", Path: dir}

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()

		host := timerhost.New()
		first, err := New(ModeDurable, cfg, WithHost(host))
		require.NoError(t, err)
		first.Register(ping, func(context.Context) error { return nil })
		first.Register(heartbeat, func(context.Context) error { return nil })
		require.NoError(t, first.Start(ctx))

		_, err = first.SetTimeout(ctx, ping, 2*time.Minute)
		require.NoError(t, err)
		_, err = first.SetInterval(ctx, heartbeat, 5*time.Minute)
		require.NoError(t, err)
		require.NoError(t, first.Stop(ctx))
		require.NoError(t, host.Close())

		// The process is gone past the one-shot due time.
		time.Sleep(3 * time.Minute)

		var pings, beats atomic.Int32
		host = timerhost.New()
		second, err := New(ModeDurable, cfg, WithHost(host))
		require.NoError(t, err)
		second.Register(ping, counter(&pings))
		second.Register(heartbeat, counter(&beats))
		require.NoError(t, second.Start(ctx))

		rep := second.Report()
		require.Equal(t, []string{"ping"}, rep.CaughtUp)
		require.Equal(t, []string{"heartbeat"}, rep.Rearmed)
		require.Empty(t, rep.Failed)
		require.EqualValues(t, 1, pings.Load())
		require.Equal(t, []string{"heartbeat"}, host.Names())

		time.Sleep(5 * time.Minute)
		synctest.Wait()
		require.EqualValues(t, 1, beats.Load())

		require.NoError(t, second.Stop(ctx))
		require.NoError(t, host.Close())
	})
}

func TestGRPCRelayBetweenApps(t *testing.T) {
	ctx := context.Background()

	cfg := quietConfig()
	cfg.Relay = config.RelayConfig{Transport: "grpc", Addr: "127.0.0.1:0"}
	var durRuns atomic.Int32
	durable, err := New(ModeDurable, cfg)
	require.NoError(t, err)
	durable.Register(ping, counter(&durRuns))
	require.NoError(t, durable.Start(ctx))
	defer func() { require.NoError(t, durable.Stop(ctx)) }()
	require.NotEmpty(t, durable.RelayAddr())

	tcfg := quietConfig()
	tcfg.Relay = config.RelayConfig{Transport: "grpc", Addr: durable.RelayAddr()}
	transient, err := New(ModeTransient, tcfg)
	require.NoError(t, err)
	transient.Register(ping, func(context.Context) error { return nil })
	require.NoError(t, transient.Start(ctx))
	defer func() { require.NoError(t, transient.Stop(ctx)) }()

	_, err = transient.SetTimeout(ctx, ping, 100*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return durRuns.Load() == 1 }, 5*time.Second, 20*time.Millisecond)
}

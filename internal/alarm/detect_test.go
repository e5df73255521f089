package alarm_test

import (
	"context"
	"fmt"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"alarmsched/internal/alarm"
	"alarmsched/internal/alarm/cronhost"
	"alarmsched/internal/alarm/timerhost"
	logx "alarmsched/pkg/logx"
)

func TestDetectPicksFlavorByCallingConvention(t *testing.T) {
	t.Parallel()

	th := timerhost.New()
	defer th.Close()
	p, err := alarm.Detect(th, nil, logx.Nop())
	require.NoError(t, err)
	defer p.Close()
	require.Equal(t, "async", p.Flavor())
	require.Equal(t, alarm.AsyncMinGranularity, p.MinGranularity())

	ch := cronhost.New(logx.Nop())
	defer ch.Stop()
	p2, err := alarm.Detect(ch, nil, logx.Nop())
	require.NoError(t, err)
	defer p2.Close()
	require.Equal(t, "callback", p2.Flavor())
	require.Equal(t, alarm.CallbackMinGranularity, p2.MinGranularity())
}

func TestDetectRejectsUnknownHost(t *testing.T) {
	t.Parallel()

	_, err := alarm.Detect(struct{}{}, nil, logx.Nop())
	require.ErrorIs(t, err, alarm.ErrUnsupportedHost)
}

func TestSpecValidateEnforcesMinimum(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, alarm.Spec{}.Validate(0.5), alarm.ErrEmptySpec)
	require.Error(t, alarm.Spec{DelayMinutes: 0.25}.Validate(0.5))
	require.Error(t, alarm.Spec{DelayMinutes: 1, PeriodMinutes: 0.5}.Validate(1))
	require.NoError(t, alarm.Spec{DelayMinutes: 0.5, PeriodMinutes: 0.5}.Validate(0.5))
	require.NoError(t, alarm.Spec{DueAtEpochMs: 1}.Validate(1))
}

func TestCallbackPlatformRoundTrip(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		host := cronhost.New(logx.Nop())
		defer host.Stop()
		p, err := alarm.Detect(host, nil, logx.Nop())
		require.NoError(t, err)
		defer p.Close()

		fired, stop := p.Subscribe(8)
		defer stop()

		ctx := context.Background()
		require.Error(t, p.Create(ctx, "too-fast", alarm.Spec{DelayMinutes: 0.5}))
		require.NoError(t, p.Create(ctx, "once", alarm.Spec{DelayMinutes: 1}))

		info, ok, err := p.Get(ctx, "once")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "once", info.Name)

		time.Sleep(61 * time.Second)
		synctest.Wait()

		f := <-fired
		require.Equal(t, "once", f.Name)
		require.Zero(t, f.PeriodMinutes)

		_, ok, err = p.Get(ctx, "once")
		require.NoError(t, err)
		require.False(t, ok, "one-shot alarm must be gone after firing")

		cleared, err := p.Clear(ctx, "once")
		require.NoError(t, err)
		require.False(t, cleared)
	})
}

func TestAsyncPlatformFanOut(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		host := timerhost.New()
		defer host.Close()
		p, err := alarm.Detect(host, nil, logx.Nop())
		require.NoError(t, err)
		defer p.Close()

		a, stopA := p.Subscribe(8)
		defer stopA()
		b, stopB := p.Subscribe(8)
		defer stopB()

		ctx := context.Background()
		require.NoError(t, p.Create(ctx, "tick", alarm.Spec{DelayMinutes: 0.5, PeriodMinutes: 0.5}))

		time.Sleep(31 * time.Second)
		synctest.Wait()
		require.Equal(t, "tick", (<-a).Name)
		require.Equal(t, "tick", (<-b).Name)

		time.Sleep(30 * time.Second)
		synctest.Wait()
		f := <-a
		require.Equal(t, 0.5, f.PeriodMinutes)

		ok, err := p.ClearAll(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		_, live, err := p.Get(ctx, "tick")
		require.NoError(t, err)
		require.False(t, live)
	})
}

func TestSubscribeKeepsBacklog(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		host := timerhost.New()
		defer host.Close()
		p, err := alarm.Detect(host, nil, logx.Nop())
		require.NoError(t, err)
		defer p.Close()

		fired, stop := p.Subscribe(1)
		defer stop()

		ctx := context.Background()
		const n = 300
		for i := range n {
			require.NoError(t, p.Create(ctx, fmt.Sprintf("job-%03d", i), alarm.Spec{DelayMinutes: 1}))
		}
		time.Sleep(61 * time.Second)
		synctest.Wait()

		seen := map[string]bool{}
		for range n {
			seen[(<-fired).Name] = true
		}
		require.Len(t, seen, n)
		require.Empty(t, host.Names())
	})
}

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go("boom", func(context.Context) error { panic("boom") })
	s.Go0("ok", func(context.Context) {})

	err := s.Wait(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
	require.EqualValues(t, 2, s.Counters().Started)
	require.EqualValues(t, 0, s.Counters().Active)
}

func TestCanceledIsCleanStop(t *testing.T) {
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, s.Stop(context.Background()))
}

func TestCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("fail", func(context.Context) error { return errors.New("fail") })
	<-s.Context().Done()
	require.ErrorContains(t, s.Wait(context.Background()), "fail: fail")
}

func TestGoRestartBacksOff(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := New(context.Background())
		var runs atomic.Int32
		s.GoRestart("flaky", func(context.Context) error {
			if runs.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		}, WithRestartBackoff(time.Second, 4*time.Second))

		time.Sleep(time.Minute)
		synctest.Wait()
		require.EqualValues(t, 3, runs.Load())
		require.NoError(t, s.Stop(context.Background()))
	})
}

func TestGoRestartGivesUp(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := New(context.Background())
		var runs atomic.Int32
		s.GoRestart("broken", func(context.Context) error {
			runs.Add(1)
			panic("always")
		}, WithRestartBackoff(time.Second, time.Second), WithMaxRestarts(2))

		time.Sleep(time.Minute)
		synctest.Wait()
		require.EqualValues(t, 3, runs.Load())
		require.ErrorContains(t, s.Stop(context.Background()), "broken")
	})
}

package task

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateNamesMissingTask(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	err := r.Validate("sync-inbox")
	require.ErrorIs(t, err, ErrTaskNotRegistered)

	var nr *TaskNotRegisteredError
	require.True(t, errors.As(err, &nr))
	require.Equal(t, Name("sync-inbox"), nr.Task)
	require.Contains(t, err.Error(), "sync-inbox")
}

func TestRegisterOverwrites(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	calls := ""
	r.Register("a", func(context.Context) error { calls += "1"; return nil })
	r.Register("a", func(context.Context) error { calls += "2"; return nil })
	r.Register("b", func(context.Context) error { return nil })

	h, ok := r.Lookup("a")
	require.True(t, ok)
	require.NoError(t, h(context.Background()))
	require.Equal(t, "2", calls)
	require.NoError(t, r.Validate("a"))
	require.Equal(t, []Name{"a", "b"}, r.Names())
}

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		alarm string
		want  Name
	}{
		{alarm: "poll", want: "poll"},
		{alarm: "poll__0", want: "poll"},
		{alarm: "poll__12", want: "poll"},
		{alarm: "a__b__3", want: "a"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Resolve(tt.alarm), tt.alarm)
	}
	require.Equal(t, "poll__3", StepName("poll", 3))
}

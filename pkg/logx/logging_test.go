package logx

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		out = append(out, m)
	}
	return out
}

func TestWriterFieldsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))

	log.Debug("hidden")
	log.Info("shown", Int("n", 3), Bool("ok", true), String("comp", "override"))
	require.True(t, log.Enabled(LevelWarn))
	require.False(t, log.Enabled(LevelDebug))

	got := lines(t, buf.Bytes())
	require.Len(t, got, 1)
	require.Equal(t, "shown", got[0]["message"])
	require.Equal(t, "info", got[0]["level"])
	require.EqualValues(t, 3, got[0]["n"])
	require.Equal(t, true, got[0]["ok"])
	require.Equal(t, "override", got[0]["comp"], "later fields win")
	require.Contains(t, got[0]["caller"], "logging_test.go:")
}

func TestZeroAndNopLoggers(t *testing.T) {
	var zero Logger
	require.True(t, zero.IsZero())
	zero.Error("dropped")
	require.False(t, Nop().IsZero())
	Nop().Error("dropped", Err(nil), Stack(""))
}

func TestServiceApplySwapsSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()
	derived := log.With(String("comp", "x"))

	derived.Info("below level")
	derived.Warn("first")

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	derived.Debug("second")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	got := lines(t, b)
	require.Len(t, got, 2)
	require.Equal(t, "first", got[0]["message"])
	require.Equal(t, "second", got[1]["message"])
	require.Equal(t, "x", got[1]["comp"])
}

func TestStackTrace(t *testing.T) {
	st := StackTrace(1, 4)
	require.Contains(t, st, "TestStackTrace")
	require.Contains(t, st, "logging_test.go:")
}

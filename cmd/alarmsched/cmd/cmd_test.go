package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"alarmsched/internal/alarm"
	"alarmsched/internal/storage"
	logx "alarmsched/pkg/logx"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute(), out.String())
	return out.String()
}

// seed writes a config with a file ledger holding one overdue one-shot and
// one periodic record.
func seed(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	ledgerDir := filepath.Join(dir, "ledger")
	cfgPath := filepath.Join(dir, "alarmsched.yaml")
	cfg := "app_id: cli\nlogging:\n  level: error\nstorage:\n  driver: file\n  path: " + ledgerDir + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	st, err := storage.Open(storage.Config{Driver: "file", Path: ledgerDir}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	l := storage.Global(st, nil, "")
	old := time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, l.Put(context.Background(), storage.Record{AlarmName: "ping", ArmedAtEpochMs: old, Spec: alarm.Spec{DelayMinutes: 1}}))
	require.NoError(t, l.Put(context.Background(), storage.Record{AlarmName: "beat", ArmedAtEpochMs: old, Spec: alarm.Spec{DelayMinutes: 5, PeriodMinutes: 5}}))
	return cfgPath
}

func TestListVerifyClearAll(t *testing.T) {
	cfgPath := seed(t)

	out := execute(t, "list", "-c", cfgPath)
	require.Contains(t, out, "alarm: ping")
	require.Contains(t, out, "period_minutes: 5")

	out = execute(t, "verify", "-c", cfgPath, "--task", "ping,beat")
	require.Contains(t, out, "caught_up:\n    - ping")
	require.Contains(t, out, "rearmed:\n    - beat")

	// The caught-up one-shot left the ledger.
	out = execute(t, "list", "-c", cfgPath)
	require.NotContains(t, out, "alarm: ping")
	require.Contains(t, out, "alarm: beat")

	out = execute(t, "list", "-c", cfgPath, "--json")
	require.Contains(t, out, `"alarmName": "beat"`)

	out = execute(t, "clear-all", "-c", cfgPath)
	require.Contains(t, out, "ledger cleared (0 records left)")
	require.Equal(t, "[]\n", execute(t, "list", "-c", cfgPath, "--json"))
}

func TestRunFlagsNames(t *testing.T) {
	f := runFlags{
		tasks: []string{"b", "a"},
		every: map[string]string{"c": "10s"},
		after: map[string]string{"a": "1m"},
	}
	require.Equal(t, []string{"a", "b", "c"}, func() []string {
		var out []string
		for _, n := range f.names() {
			out = append(out, string(n))
		}
		return out
	}())

	_, err := parseFlagDuration("every", "c", "0s")
	require.Error(t, err)
	d, err := parseFlagDuration("every", "c", "1m30s")
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, d)
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"alarmsched/internal/app"
	"alarmsched/internal/storage"
	"alarmsched/internal/task"
	logx "alarmsched/pkg/logx"
)

type alarmView struct {
	Alarm   string  `yaml:"alarm"`
	Task    string  `yaml:"task"`
	ArmedAt string  `yaml:"armed_at"`
	Delay   float64 `yaml:"delay_minutes,omitempty"`
	Period  float64 `yaml:"period_minutes,omitempty"`
	DueAt   string  `yaml:"due_at,omitempty"`
	NextAt  string  `yaml:"next_at"`
}

func viewOf(r storage.Record) alarmView {
	armed := time.UnixMilli(r.ArmedAtEpochMs)
	v := alarmView{
		Alarm:   r.AlarmName,
		Task:    string(task.Resolve(r.AlarmName)),
		ArmedAt: armed.Format(time.RFC3339),
		Delay:   r.Spec.DelayMinutes,
		Period:  r.Spec.PeriodMinutes,
		NextAt:  r.Spec.FirstFire(armed).Format(time.RFC3339),
	}
	if r.Spec.DueAtEpochMs > 0 {
		v.DueAt = time.UnixMilli(r.Spec.DueAtEpochMs).Format(time.RFC3339)
	}
	return v
}

func writeRecords(w io.Writer, recs []storage.Record, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if recs == nil {
			recs = []storage.Record{}
		}
		return enc.Encode(recs)
	}
	views := make([]alarmView, 0, len(recs))
	for _, r := range recs {
		views = append(views, viewOf(r))
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(views); err != nil {
		return err
	}
	return enc.Close()
}

func newListCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the persisted active-alarm ledger.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(false)
			if err != nil {
				return err
			}
			d, err := cfg.Durations()
			if err != nil {
				return err
			}
			sc := storage.Config{Driver: "memory"}
			if cfg.Storage != nil {
				sc = storage.Config{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path, BusyTimeout: d.BusyTimeout}
			}
			st, err := storage.Open(sc, logx.Nop())
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := storage.Global(st, nil, cfg.Scheduler.LedgerKey).Records(cmd.Context())
			if err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), recs, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw ledger records as JSON")
	return cmd
}

func newVerifyCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Reconcile the ledger once: run overdue tasks and report the rest.",
		Long: `verify loads the ledger, runs every overdue one-shot task whose handler
is named with --task and prints what was live, caught up, re-armed or failed.
Re-armed alarms live only as long as this command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDurable(cmd.Context(), func(ctx context.Context, a *app.App) error {
				registerLogging(a, f.names())
				rep, err := a.Verify(ctx)
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				defer enc.Close()
				return enc.Encode(map[string][]string{
					"live":      rep.Live,
					"caught_up": rep.CaughtUp,
					"rearmed":   rep.Rearmed,
					"failed":    rep.Failed,
				})
			})
		},
	}
	cmd.Flags().StringSliceVarP(&f.tasks, "task", "t", nil, "task names to handle (a handler logs each run)")
	return cmd
}

func newClearAllCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-all",
		Short: "Clear every alarm and reset the persisted ledger.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDurable(cmd.Context(), func(ctx context.Context, a *app.App) error {
				a.ClearAllScheduledTasks(ctx)
				recs, err := a.Scheduler().ActiveAlarms(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "ledger cleared (%d records left)\n", len(recs))
				return err
			})
		},
	}
}

// withDurable builds an unstarted durable App on the configured storage.
func withDurable(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, _, err := loadConfig(false)
	if err != nil {
		return err
	}
	a, err := app.New(app.ModeDurable, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background()) }()
	return fn(ctx, a)
}

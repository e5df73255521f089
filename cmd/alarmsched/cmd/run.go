package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"alarmsched/internal/app"
	"alarmsched/internal/config"
	"alarmsched/internal/task"
	logx "alarmsched/pkg/logx"
	"alarmsched/pkg/systemd"
)

type runFlags struct {
	tasks []string
	every map[string]string
	after map[string]string
}

func (f *runFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.tasks, "task", "t", nil, "task names to handle (a handler logs each run)")
	cmd.Flags().StringToStringVar(&f.every, "every", nil, "schedule repeating tasks, e.g. heartbeat=20s")
	cmd.Flags().StringToStringVar(&f.after, "after", nil, "schedule one-shot tasks, e.g. ping=45s")
}

// names returns every task mentioned by the flags, sorted.
func (f *runFlags) names() []task.Name {
	seen := map[task.Name]struct{}{}
	for _, n := range f.tasks {
		seen[task.Name(n)] = struct{}{}
	}
	for n := range f.every {
		seen[task.Name(n)] = struct{}{}
	}
	for n := range f.after {
		seen[task.Name(n)] = struct{}{}
	}
	out := make([]task.Name, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func newRunCommand(mode, short string) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   mode,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return run(ctx, app.Mode(mode), &f)
		},
	}
	f.bind(cmd)
	return cmd
}

func run(ctx context.Context, mode app.Mode, f *runFlags) error {
	cfg, cfgm, err := loadConfig(true)
	if err != nil {
		return err
	}
	var opts []app.Option
	if cfgm != nil {
		opts = append(opts, app.WithConfigManager(cfgm))
	}
	a, err := app.New(mode, cfg, opts...)
	if err != nil {
		return err
	}
	registerLogging(a, f.names())

	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background())
		return err
	}
	if err := schedule(ctx, a, f); err != nil {
		_ = a.Stop(context.Background())
		return err
	}

	log := a.Logger()
	if _, err := systemd.Ready(); err != nil {
		log.Warn("systemd notify failed", logx.Err(err))
	}
	_, _ = systemd.Status(fmt.Sprintf("%s context running", mode))
	go systemd.Watchdog(ctx, log)

	<-ctx.Done()
	_, _ = systemd.Stopping()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Stop(stopCtx)
}

// registerLogging binds a handler that only logs to every name.
func registerLogging(a *app.App, names []task.Name) {
	log := a.Logger().With(logx.String("comp", "task"))
	for _, n := range names {
		name := n
		a.Register(name, func(context.Context) error {
			log.Info("task ran", logx.String("task", string(name)))
			return nil
		})
	}
}

func schedule(ctx context.Context, a *app.App, f *runFlags) error {
	for name, raw := range f.every {
		d, err := parseFlagDuration("every", name, raw)
		if err != nil {
			return err
		}
		if _, err := a.SetInterval(ctx, task.Name(name), d); err != nil {
			return err
		}
	}
	for name, raw := range f.after {
		d, err := parseFlagDuration("after", name, raw)
		if err != nil {
			return err
		}
		if _, err := a.SetTimeout(ctx, task.Name(name), d); err != nil {
			return err
		}
	}
	return nil
}

func parseFlagDuration(flag, name, raw string) (time.Duration, error) {
	d, err := config.DurationField{Path: fmt.Sprintf("--%s %s", flag, name)}.Parse(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("--%s %s: duration must be > 0", flag, name)
	}
	return d, nil
}

// loadConfig reads --config, or returns the defaults when it is unset. The
// manager is returned only when watch is set and a file is in use.
func loadConfig(watch bool) (*config.Config, *config.ConfigManager, error) {
	if configPath == "" {
		return config.Default(), nil, nil
	}
	m := config.NewConfigManager(configPath)
	cfg, err := m.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if !watch {
		return cfg, nil, nil
	}
	return cfg, m, nil
}

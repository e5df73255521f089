package scheduler

import (
	"sync"
	"time"

	"alarmsched/internal/alarm"
	"alarmsched/internal/metrics"
	"alarmsched/internal/storage"
	"alarmsched/internal/task"
	logx "alarmsched/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	// OpTimeout bounds every platform and ledger call. 0 means no bound.
	OpTimeout time.Duration
	// HandlerTimeout bounds a single handler invocation. 0 means no bound.
	HandlerTimeout time.Duration
}

// Scheduler is the alarm-backed scheduler of one execution context.
type Scheduler struct {
	cfg      Config
	log      logx.Logger
	reg      *task.Registry
	platform alarm.Platform
	ledger   *storage.Ledger
	metrics  *metrics.Metrics

	// g is the platform minimum granularity in minutes, probed once.
	g float64

	mu      sync.Mutex
	handles map[*Handle]struct{}
	// latched holds one-shot alarm names already run by their fast timer.
	latched map[string]struct{}
	closed  bool
}

// Report summarizes one VerifyAlarmsState pass.
type Report struct {
	Live     []string `json:"live"`
	CaughtUp []string `json:"caughtUp"`
	Rearmed  []string `json:"rearmed"`
	Failed   []string `json:"failed"`
}

// Recovery actions (metric labels).
const (
	actionLive     = "live"
	actionCaughtUp = "caught_up"
	actionRearmed  = "rearmed"
	actionFailed   = "failed"
)

// Skip reasons (metric labels).
const (
	skipNoHandler = "no_handler"
	skipLatched   = "latched"
)

package scheduler

import (
	"context"
	"fmt"
	"time"

	"alarmsched/internal/metrics"
	"alarmsched/internal/storage"
	logx "alarmsched/pkg/logx"
)

// VerifyAlarmsState reconciles the ledger with the platform. Run it once at
// context boot, after handlers are registered.
//
// For every record: a live alarm is left alone; an overdue one-shot runs now
// and is not re-armed; anything else is re-armed from its persisted spec.
func (s *Scheduler) VerifyAlarmsState(ctx context.Context) (Report, error) {
	var rep Report

	lctx, cancel := s.opContext(ctx)
	records, err := s.ledger.Records(lctx)
	cancel()
	if err != nil {
		return rep, fmt.Errorf("load active alarms: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, r := range records {
		gctx, cancel := s.opContext(ctx)
		_, exists, err := s.platform.Get(gctx, r.AlarmName)
		cancel()

		switch {
		case err != nil:
			s.metrics.PlatformError("get")
			s.log.Warn("recovery lookup failed", logx.String("alarm", r.AlarmName), logx.Err(err))
			rep.Failed = append(rep.Failed, r.AlarmName)
			s.metrics.Recovery(actionFailed)

		case exists:
			rep.Live = append(rep.Live, r.AlarmName)
			s.metrics.Recovery(actionLive)

		case overdue(r, now):
			s.log.Info("running missed alarm", logx.String("alarm", r.AlarmName), logx.Int64("armed_at", r.ArmedAtEpochMs))
			s.trigger(ctx, r.AlarmName, 0, metrics.SourceRecovery)
			rep.CaughtUp = append(rep.CaughtUp, r.AlarmName)
			s.metrics.Recovery(actionCaughtUp)

		default:
			armed, err := s.arm(ctx, r.AlarmName, r.Spec)
			if err != nil || !armed {
				if err != nil {
					s.log.Warn("recovery re-arm rejected", logx.String("alarm", r.AlarmName), logx.Err(err))
				}
				rep.Failed = append(rep.Failed, r.AlarmName)
				s.metrics.Recovery(actionFailed)
				continue
			}
			rep.Rearmed = append(rep.Rearmed, r.AlarmName)
			s.metrics.Recovery(actionRearmed)
		}
	}

	s.log.Info("alarm state verified",
		logx.Int("records", len(records)),
		logx.Int("live", len(rep.Live)),
		logx.Int("caught_up", len(rep.CaughtUp)),
		logx.Int("rearmed", len(rep.Rearmed)),
		logx.Int("failed", len(rep.Failed)),
	)
	return rep, nil
}

// overdue reports a missed fire: a due time in the past, or a one-shot whose
// delay has elapsed since it was armed.
func overdue(r storage.Record, nowMs int64) bool {
	if r.Spec.DueAtEpochMs > 0 {
		return r.Spec.DueAtEpochMs < nowMs
	}
	if !r.Spec.OneShot() {
		return false
	}
	return r.ArmedAtEpochMs+int64(r.Spec.DelayMinutes*60000) < nowMs
}

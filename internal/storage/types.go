package storage

import (
	"errors"
	"time"

	"alarmsched/internal/alarm"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// DefaultScope is the application-wide key of the active-alarm ledger.
const DefaultScope = "active_alarms"

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, lost on exit
//   - "file": one JSON snapshot per scope under Path (a directory)
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is the persisted intent behind one armed host alarm.
type Record struct {
	AlarmName      string     `json:"alarmName"`
	ArmedAtEpochMs int64      `json:"armedAtEpochMs"`
	Spec           alarm.Spec `json:"spec"`
}

// UpdateFunc receives the current collection and returns its replacement.
// Returning an error aborts the update without writing.
type UpdateFunc func(records []Record) ([]Record, error)

// dedupe keeps the last record per alarm name, preserving first-seen order.
func dedupe(in []Record) []Record {
	if len(in) < 2 {
		return in
	}
	idx := make(map[string]int, len(in))
	out := make([]Record, 0, len(in))
	for _, r := range in {
		if i, ok := idx[r.AlarmName]; ok {
			out[i] = r
			continue
		}
		idx[r.AlarmName] = len(out)
		out = append(out, r)
	}
	return out
}

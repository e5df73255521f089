package storage

import (
	"context"
	"errors"
	"strings"

	logx "alarmsched/pkg/logx"
)

// Store persists ledgers keyed by scope.
//
// Update is serialized per store: the read-modify-write of one call never
// interleaves with another call on the same scope.
type Store interface {
	Load(ctx context.Context, scope string) ([]Record, error)
	Update(ctx context.Context, scope string, fn UpdateFunc) error
	Close() error
}

// Open initializes the configured store.
// An empty driver selects the memory store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

package storage

import (
	"context"
	"errors"
	"strings"

	logx "beesense/pkg/logx"
)

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, log)
	case "file":
		return openFile(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// ValidDriver reports whether Open knows the driver name.
func ValidDriver(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3", "postgres", "postgresql", "pg", "file", "memory", "mem":
		return true
	}
	return false
}

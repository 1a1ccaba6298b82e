package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"beesense/internal/escalation"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrClosed        = errors.New("storage closed")
	ErrInvalidEntity = errors.New("entity id is empty")
)

// Config configures storage.
//
// Driver values: "sqlite" (default when empty), "postgres", "file", "memory".
type Config struct {
	Driver      string
	Path        string        // sqlite and file
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgxpool default
}

// Record is one persisted escalation state.
type Record struct {
	Entity    string           `json:"entity"`
	State     escalation.State `json:"state"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Store is the persistence API used by the monitor and the operator CLI.
type Store interface {
	escalation.Store

	// Put overwrites unconditionally. Operator use only.
	Put(ctx context.Context, entity string, st escalation.State) error
	// Delete removes the record and reports whether one existed.
	Delete(ctx context.Context, entity string) (bool, error)
	// List returns all records ordered by entity.
	List(ctx context.Context) ([]Record, error)
	Close() error
}

func normEntity(entity string) (string, error) {
	entity = strings.TrimSpace(entity)
	if entity == "" {
		return "", ErrInvalidEntity
	}
	return entity, nil
}

func matches(cur escalation.State, ok bool, prev *escalation.State) bool {
	if prev == nil {
		return !ok
	}
	return ok && cur.Equal(*prev)
}

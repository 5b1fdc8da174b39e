package storage

import (
	"context"
	"errors"
	"strings"

	logx "botkit/pkg/logx"
)

// Store is the persistence collaborator used by record managers.
//
// Values are opaque strings. Set upserts; Unset removes. GetAll returns
// every entry in a namespace, in stable id order.
type Store interface {
	GetAll(ctx context.Context, ns string) ([]Entry, error)
	Get(ctx context.Context, ns, id string) (value string, ok bool, err error)
	Set(ctx context.Context, ns, id, value string) error
	Unset(ctx context.Context, ns, id string) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

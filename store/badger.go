package store

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/goliatone/go-jobguard"
)

// Config holds configuration for the embedded badger database.
type Config struct {
	// Path is ignored when InMemory is true.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     jobguard.Logger
}

type badgerLogger struct {
	logger jobguard.Logger
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.logger.Error(format, args...) }
func (l badgerLogger) Warningf(format string, args ...any) { l.logger.Warn(format, args...) }
func (l badgerLogger) Infof(format string, args ...any)    { l.logger.Debug(format, args...) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.logger.Trace(format, args...) }

// Open opens the database at cfg.Path, or in memory.
func Open(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("store path is required unless in_memory is set")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)

	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

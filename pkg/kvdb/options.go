package kvdb

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// DefaultFamily is the implicit column family used when no family is named.
const DefaultFamily = "default"

// Options configures Open.
//
// A *DB is safe for concurrent use by multiple goroutines for key-value
// operations, family management and snapshot creation. Writers of the same
// key are serialised, so concurrent merges are never lost. Iterators, snapshots, transactions and write batches
// derived from it are single-owner objects.
type Options struct {
	// CreateIfMissing creates the directory when it does not exist. When false,
	// opening a missing directory fails with IOError.
	CreateIfMissing bool
	// TTL expires every entry TTL after it is written. Zero disables expiry.
	TTL time.Duration
	// InMemory runs the engine without touching disk. Path is ignored for
	// locking and static operations.
	InMemory bool
	// SyncWrites fsyncs the engine log on every commit.
	SyncWrites bool
	// MergeOperators assigns operators to families by name, including
	// DefaultFamily. Families created with WithMergeOperator persist the
	// operator name and resolve it through RegisterMergeOperator on reopen
	// unless an entry here overrides it.
	MergeOperators map[string]MergeOperator
	// Logger receives lifecycle events. Nil discards them.
	Logger *slog.Logger
}

// DefaultOptions returns options that create the database if needed and keep
// entries forever.
func DefaultOptions() *Options {
	return &Options{CreateIfMissing: true}
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Option selects the column family or snapshot an operation works against.
type Option func(*opConfig)

type opConfig struct {
	family   string
	handle   *ColumnFamily
	snapshot *Snapshot
}

// InFamily resolves the column family by name at call time. An unknown name
// fails the operation with NotFound.
func InFamily(name string) Option {
	return func(c *opConfig) { c.family = name }
}

// OnFamily targets a family handle. A handle whose family has been dropped
// fails the operation with NotFound.
func OnFamily(cf *ColumnFamily) Option {
	return func(c *opConfig) { c.handle = cf }
}

// AtSnapshot binds a read to s. Reads after s is released fail with
// StaleSnapshot.
func AtSnapshot(s *Snapshot) Option {
	return func(c *opConfig) { c.snapshot = s }
}

func collect(opts []Option) opConfig {
	var c opConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}
	return c
}

// FamilyOption configures CreateColumnFamily.
type FamilyOption func(*familyConfig)

type familyConfig struct {
	merge MergeOperator
}

// WithMergeOperator enables Merge on the new family.
func WithMergeOperator(op MergeOperator) FamilyOption {
	return func(c *familyConfig) { c.merge = op }
}

// badgerLogger forwards engine warnings and errors to slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	if l.log.Enabled(context.Background(), slog.LevelDebug) {
		l.log.Debug(fmt.Sprintf(format, args...), "component", "badger")
	}
}

func (l badgerLogger) Debugf(string, ...interface{}) {}

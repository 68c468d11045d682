package kvdb

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"embedded-kvstore/internal/monitoring"
)

// Directories opened by this process. The engine's own lock rejects a second
// process; this table rejects a second handle in the same process before the
// engine is touched.
var (
	openMu    sync.Mutex
	openPaths = map[string]*DB{}
)

// DB is a handle to one open database directory. It owns the engine
// connection and the column family registry, and is the ancestor of every
// Iterator, Snapshot, Transaction and WriteBatch created from it. Closing it
// makes all of them fail on their next use.
type DB struct {
	path    string
	lockKey string
	ttl     time.Duration
	opts    Options
	log     *slog.Logger
	engine  *badger.DB

	// mu is write-locked only by Close; every operation holds the read side
	// for its duration, so Close waits for in-flight calls and nothing else.
	mu     sync.RWMutex
	closed bool

	ddlMu    sync.Mutex
	families *familyRegistry

	keys keyLocks

	depMu     sync.Mutex
	iterators map[*Iterator]struct{}
	txns      map[*Transaction]struct{}
	snapshot  *Snapshot

	metrics *monitoring.MetricsRegistry
	stats   dbStats
}

type dbStats struct {
	puts, gets, merges, deletes *monitoring.Counter
	seeks, steps                *monitoring.Counter
	commits, conflicts          *monitoring.Counter
	rollbacks, batches          *monitoring.Counter
	snapshots, backups          *monitoring.Counter
	liveIterators, liveTxns     *monitoring.Gauge
}

func newDBStats(r *monitoring.MetricsRegistry) dbStats {
	return dbStats{
		puts:          r.NewCounter("kvdb_puts_total", "Put operations"),
		gets:          r.NewCounter("kvdb_gets_total", "Get operations"),
		merges:        r.NewCounter("kvdb_merges_total", "Merge operations"),
		deletes:       r.NewCounter("kvdb_deletes_total", "Delete operations"),
		seeks:         r.NewCounter("kvdb_iterator_seeks_total", "Iterator seeks"),
		steps:         r.NewCounter("kvdb_iterator_steps_total", "Iterator next/prev calls"),
		commits:       r.NewCounter("kvdb_txn_commits_total", "Committed transactions"),
		conflicts:     r.NewCounter("kvdb_txn_conflicts_total", "Transactions failed with a conflict"),
		rollbacks:     r.NewCounter("kvdb_txn_rollbacks_total", "Rolled back transactions"),
		batches:       r.NewCounter("kvdb_write_batches_total", "Written write batches"),
		snapshots:     r.NewCounter("kvdb_snapshots_total", "Created snapshots"),
		backups:       r.NewCounter("kvdb_backups_total", "Created backups"),
		liveIterators: r.NewGauge("kvdb_live_iterators", "Open iterators"),
		liveTxns:      r.NewGauge("kvdb_live_transactions", "Started, unfinished transactions"),
	}
}

// Open opens or creates the database at path.
func Open(path string, opts *Options) (*DB, error) {
	const op = "open"
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.TTL < 0 {
		return nil, newError(InvalidArgument, op, "negative ttl %s", opts.TTL)
	}

	log := opts.logger()
	bopts := badger.DefaultOptions("").WithInMemory(true)
	lockKey := ""
	if !opts.InMemory {
		if path == "" {
			return nil, newError(InvalidArgument, op, "path is empty")
		}
		var err error
		lockKey, err = canonicalPath(path)
		if err != nil {
			return nil, wrapEngineError(op, err)
		}
		if err := prepareDir(path, opts.CreateIfMissing); err != nil {
			return nil, wrapEngineError(op, err)
		}
		bopts = badger.DefaultOptions(path)
	}
	bopts = bopts.
		WithSyncWrites(opts.SyncWrites).
		WithLogger(badgerLogger{log: log})

	openMu.Lock()
	defer openMu.Unlock()

	if lockKey != "" {
		if _, busy := openPaths[lockKey]; busy {
			return nil, newError(LockHeld, op, "%s is already open in this process", path)
		}
	}

	engine, err := badger.Open(bopts)
	if err != nil {
		return nil, wrapEngineError(op, err)
	}

	r := monitoring.NewMetricsRegistry()
	db := &DB{
		path:      path,
		lockKey:   lockKey,
		ttl:       opts.TTL,
		opts:      *opts,
		log:       log,
		engine:    engine,
		families:  newFamilyRegistry(),
		iterators: make(map[*Iterator]struct{}),
		txns:      make(map[*Transaction]struct{}),
		metrics:   r,
		stats:     newDBStats(r),
	}
	if err := db.loadFamilies(); err != nil {
		engine.Close()
		return nil, err
	}
	if lockKey != "" {
		openPaths[lockKey] = db
	}

	log.Info("database opened", "path", path, "ttl", opts.TTL, "families", len(db.families.names()))
	return db, nil
}

// OpenWithTTL opens path creating it if needed, expiring entries ttl after
// they are written. A zero ttl keeps entries forever.
func OpenWithTTL(path string, ttl time.Duration) (*DB, error) {
	opts := DefaultOptions()
	opts.TTL = ttl
	return Open(path, opts)
}

// Path returns the directory the handle was opened on.
func (db *DB) Path() string { return db.path }

// TTL returns the configured expiry, zero when entries never expire.
func (db *DB) TTL() time.Duration { return db.ttl }

// IsClosed reports whether Close has been called.
func (db *DB) IsClosed() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.closed
}

// Close invalidates every dependent object and releases the engine. Closing
// an already closed handle is a no-op.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true

	// Iterators may read through the snapshot's engine transaction, so they go
	// first.
	db.depMu.Lock()
	for it := range db.iterators {
		it.invalidate(errClosed("iterator"))
	}
	for txn := range db.txns {
		txn.invalidate()
	}
	if db.snapshot != nil {
		db.snapshot.invalidate()
		db.snapshot = nil
	}
	db.iterators = map[*Iterator]struct{}{}
	db.txns = map[*Transaction]struct{}{}
	db.depMu.Unlock()

	for _, cf := range db.families.all() {
		cf.dropped.Store(true)
	}
	err := db.engine.Close()
	db.mu.Unlock()

	if db.lockKey != "" {
		openMu.Lock()
		if openPaths[db.lockKey] == db {
			delete(openPaths, db.lockKey)
		}
		openMu.Unlock()
	}

	if err != nil {
		db.log.Error("database close failed", "path", db.path, "error", err)
		return wrapEngineError("close", err)
	}
	db.log.Info("database closed", "path", db.path)
	return nil
}

// acquire takes the read side of mu and fails when the handle is closed.
// Callers must not call acquire again before release.
func (db *DB) acquire(op string) error {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return errClosed(op)
	}
	return nil
}

func (db *DB) release() {
	db.mu.RUnlock()
}

func (db *DB) trackIterator(it *Iterator) {
	db.depMu.Lock()
	db.iterators[it] = struct{}{}
	db.depMu.Unlock()
	db.stats.liveIterators.Inc()
}

func (db *DB) untrackIterator(it *Iterator) {
	db.depMu.Lock()
	if _, ok := db.iterators[it]; ok {
		delete(db.iterators, it)
		db.stats.liveIterators.Dec()
	}
	db.depMu.Unlock()
}

func (db *DB) trackTxn(txn *Transaction) {
	db.depMu.Lock()
	db.txns[txn] = struct{}{}
	db.depMu.Unlock()
	db.stats.liveTxns.Inc()
}

func (db *DB) untrackTxn(txn *Transaction) {
	db.depMu.Lock()
	if _, ok := db.txns[txn]; ok {
		delete(db.txns, txn)
		db.stats.liveTxns.Dec()
	}
	db.depMu.Unlock()
}

// liveSnapshot returns the snapshot new iterators pin to, if any.
func (db *DB) liveSnapshot() *Snapshot {
	db.depMu.Lock()
	defer db.depMu.Unlock()
	return db.snapshot
}

// ListColumnFamilies returns the family names stored at path without keeping
// the directory locked. A directory open in this process is answered from the
// live handle.
func ListColumnFamilies(path string) ([]string, error) {
	const op = "list column families"
	key, err := canonicalPath(path)
	if err != nil {
		return nil, wrapEngineError(op, err)
	}

	openMu.Lock()
	defer openMu.Unlock()

	if db, ok := openPaths[key]; ok {
		return db.ColumnFamilies()
	}

	if _, err := os.Stat(path); err != nil {
		return nil, wrapEngineError(op, err)
	}
	engine, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, wrapEngineError(op, err)
	}
	defer engine.Close()

	records, err := readFamilyRecords(engine)
	if err != nil {
		return nil, wrapEngineError(op, err)
	}
	names := []string{DefaultFamily}
	for _, rec := range records {
		names = append(names, rec.Name)
	}
	sort.Strings(names)
	return names, nil
}

// Repair opens the directory so the engine can replay and truncate its logs,
// verifies every table checksum and closes it again.
func Repair(path string) error {
	const op = "repair"
	key, err := canonicalPath(path)
	if err != nil {
		return wrapEngineError(op, err)
	}

	openMu.Lock()
	defer openMu.Unlock()

	if _, ok := openPaths[key]; ok {
		return newError(LockHeld, op, "%s is open in this process", path)
	}
	if _, err := os.Stat(path); err != nil {
		return wrapEngineError(op, err)
	}

	engine, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return wrapEngineError(op, err)
	}
	verifyErr := engine.VerifyChecksum()
	closeErr := engine.Close()
	if verifyErr != nil {
		return &Error{Code: Corruption, Op: op, Err: verifyErr}
	}
	return wrapEngineError(op, closeErr)
}

func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

func prepareDir(path string, create bool) error {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if !info.IsDir() {
			return &fs.PathError{Op: "open", Path: path, Err: errors.New("not a directory")}
		}
		return nil
	case errors.Is(err, fs.ErrNotExist) && create:
		return os.MkdirAll(path, 0o755)
	default:
		return err
	}
}

// isOpenInProcess reports whether path is held by a live handle of this
// process.
func isOpenInProcess(path string) bool {
	key, err := canonicalPath(path)
	if err != nil {
		return false
	}
	openMu.Lock()
	defer openMu.Unlock()
	_, ok := openPaths[key]
	return ok
}

// openDatabaseOverlapping returns the directory of a database open in this
// process that path equals, contains or sits inside.
func openDatabaseOverlapping(path string) (string, bool) {
	key, err := canonicalPath(path)
	if err != nil {
		return "", false
	}
	openMu.Lock()
	defer openMu.Unlock()
	for open := range openPaths {
		if pathsOverlap(key, open) {
			return open, true
		}
	}
	return "", false
}

// pathsOverlap reports whether removing either canonical path would remove
// part of the other.
func pathsOverlap(a, b string) bool {
	return within(a, b) || within(b, a)
}

// within reports whether path is dir or lies below it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// IsLocked reports whether the directory at path is held by an open
// database, either in this process or, where advisory locks are available,
// in another one.
func IsLocked(path string) (bool, error) {
	if isOpenInProcess(path) {
		return true, nil
	}
	locked, err := probeDirectoryLock(path)
	if err != nil {
		return false, wrapEngineError("lock probe", err)
	}
	return locked, nil
}

package kvdb

import (
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Snapshot pins a point-in-time read view. At most one snapshot is live per
// database: CreateSnapshot fails with PreconditionFailed until the current one
// is released. Iterators created while it is live read through it.
type Snapshot struct {
	db  *DB
	seq uint64

	mu        sync.Mutex
	txn       *badger.Txn
	released  bool
	iterators map[*Iterator]struct{}
}

// CreateSnapshot captures the current state of the database.
func (db *DB) CreateSnapshot() (*Snapshot, error) {
	const op = "create snapshot"
	if err := db.acquire(op); err != nil {
		return nil, err
	}
	defer db.release()

	db.depMu.Lock()
	defer db.depMu.Unlock()

	if db.snapshot != nil {
		return nil, newError(PreconditionFailed, op, "snapshot at sequence %d is still live", db.snapshot.seq)
	}
	txn := db.engine.NewTransaction(false)
	s := &Snapshot{
		db:        db,
		seq:       txn.ReadTs(),
		txn:       txn,
		iterators: make(map[*Iterator]struct{}),
	}
	db.snapshot = s
	db.stats.snapshots.Inc()
	return s, nil
}

// Sequence returns the engine read timestamp the snapshot observes.
func (s *Snapshot) Sequence() uint64 { return s.seq }

// Released reports whether Release has been called or the database closed.
func (s *Snapshot) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Get reads key as of the snapshot.
func (s *Snapshot) Get(key []byte, opts ...Option) ([]byte, bool, error) {
	return s.db.Get(key, append(opts, AtSnapshot(s))...)
}

// Release drops the view. Iterators bound to it fail with StaleSnapshot from
// then on. Releasing twice is a no-op.
func (s *Snapshot) Release() {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	bound := make([]*Iterator, 0, len(s.iterators))
	for it := range s.iterators {
		bound = append(bound, it)
	}
	s.iterators = nil
	s.mu.Unlock()

	for _, it := range bound {
		it.invalidate(errStale("iterator"))
	}

	s.mu.Lock()
	if s.txn != nil {
		s.txn.Discard()
		s.txn = nil
	}
	s.mu.Unlock()

	s.db.depMu.Lock()
	if s.db.snapshot == s {
		s.db.snapshot = nil
	}
	s.db.depMu.Unlock()
}

// invalidate is called by DB.Close with the dependents lock held.
func (s *Snapshot) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	s.iterators = nil
	if s.txn != nil {
		s.txn.Discard()
		s.txn = nil
	}
}

func (s *Snapshot) track(op string, it *Iterator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return errStale(op)
	}
	s.iterators[it] = struct{}{}
	return nil
}

func (s *Snapshot) untrack(it *Iterator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.iterators, it)
}

// withView runs fn against the pinned engine transaction.
func (s *Snapshot) withView(op string, fn func(*badger.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return errStale(op)
	}
	return fn(s.txn)
}

func (s *Snapshot) read(op string, db *DB, cf *ColumnFamily, key []byte) (value []byte, found bool, err error) {
	if s.db != db {
		return nil, false, newError(InvalidArgument, op, "snapshot belongs to another database")
	}
	err = s.withView(op, func(txn *badger.Txn) error {
		value, found, err = readValue(txn, cf.dataKey(key))
		return err
	})
	if err != nil {
		return nil, false, wrapEngineError(op, err)
	}
	return value, found, nil
}

func errStale(op string) *Error {
	return newError(StaleSnapshot, op, "snapshot was released")
}

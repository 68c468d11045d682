package kvdb

import (
	"bytes"
	"errors"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// TxnState is the lifecycle state of a Transaction.
type TxnState int

const (
	// TxnIdle is a created transaction that has not been started.
	TxnIdle TxnState = iota
	// TxnActive accepts reads, writes and savepoints.
	TxnActive
	TxnCommitted
	TxnRolledBack
	// TxnFailed is entered when Commit fails. Nothing was applied.
	TxnFailed
)

func (s TxnState) String() string {
	switch s {
	case TxnIdle:
		return "idle"
	case TxnActive:
		return "active"
	case TxnCommitted:
		return "committed"
	case TxnRolledBack:
		return "rolled back"
	case TxnFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type writeKind uint8

const (
	writePut writeKind = iota
	writeDelete
	writeMerge
)

type pendingWrite struct {
	kind  writeKind
	cf    *ColumnFamily
	key   []byte
	value []byte
}

// Transaction buffers writes until Commit. Conflict detection is optimistic:
// a concurrent commit to any key this transaction read or wrote is reported
// as Conflict by Commit and never earlier.
//
// Savepoints are positions in the write log. RollbackToSavepoint pops the
// newest one and drops every write issued after it.
//
// A Transaction must not be used from more than one goroutine at a time.
type Transaction struct {
	db *DB

	mu         sync.Mutex
	state      TxnState
	txn        *badger.Txn
	writes     []pendingWrite
	savepoints []int
	closed     bool // database closed underneath
}

// NewTransaction creates an idle transaction.
func (db *DB) NewTransaction() (*Transaction, error) {
	if err := db.acquire("new transaction"); err != nil {
		return nil, err
	}
	defer db.release()

	return &Transaction{db: db}, nil
}

// State returns the lifecycle state.
func (t *Transaction) State() TxnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start moves an idle transaction to Active and fixes its read view.
func (t *Transaction) Start() error {
	const op = "transaction start"
	if err := t.db.acquire(op); err != nil {
		return err
	}
	defer t.db.release()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(op, TxnIdle); err != nil {
		return err
	}
	t.txn = t.db.engine.NewTransaction(true)
	t.state = TxnActive
	t.db.trackTxn(t)
	return nil
}

// Put buffers a write of value under key.
func (t *Transaction) Put(key, value []byte, opts ...Option) error {
	return t.buffer("transaction put", writePut, key, value, opts)
}

// Delete buffers a removal of key.
func (t *Transaction) Delete(key []byte, opts ...Option) error {
	return t.buffer("transaction delete", writeDelete, key, nil, opts)
}

// Merge buffers a merge operand. The family must have a merge operator.
func (t *Transaction) Merge(key, operand []byte, opts ...Option) error {
	return t.buffer("transaction merge", writeMerge, key, operand, opts)
}

func (t *Transaction) buffer(op string, kind writeKind, key, value []byte, opts []Option) error {
	if err := t.db.acquire(op); err != nil {
		return err
	}
	defer t.db.release()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(op, TxnActive); err != nil {
		return err
	}
	cf, err := t.db.resolveFamily(op, collect(opts))
	if err != nil {
		return err
	}
	if kind == writeMerge && cf.merge == nil {
		return newError(InvalidArgument, op, "column family %q has no merge operator", cf.name)
	}
	t.writes = append(t.writes, pendingWrite{
		kind:  kind,
		cf:    cf,
		key:   bytes.Clone(key),
		value: bytes.Clone(value),
	})
	return nil
}

// Get reads key through the transaction: its own buffered writes are
// visible, later commits by others are not.
func (t *Transaction) Get(key []byte, opts ...Option) ([]byte, bool, error) {
	const op = "transaction get"
	if err := t.db.acquire(op); err != nil {
		return nil, false, err
	}
	defer t.db.release()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(op, TxnActive); err != nil {
		return nil, false, err
	}
	cf, err := t.db.resolveFamily(op, collect(opts))
	if err != nil {
		return nil, false, err
	}

	// Only the writes from the last put or delete of key onward matter.
	from := -1
	for i := len(t.writes) - 1; i >= 0; i-- {
		w := t.writes[i]
		if w.cf == cf && w.kind != writeMerge && bytes.Equal(w.key, key) {
			from = i
			break
		}
	}

	var value []byte
	found := false
	if from < 0 {
		value, found, err = readValue(t.txn, cf.dataKey(key))
		if err != nil {
			return nil, false, wrapEngineError(op, err)
		}
		from = 0
	}
	for _, w := range t.writes[from:] {
		if w.cf != cf || !bytes.Equal(w.key, key) {
			continue
		}
		switch w.kind {
		case writePut:
			value, found = bytes.Clone(w.value), true
		case writeDelete:
			value, found = nil, false
		case writeMerge:
			merged, err := cf.merge.Merge(key, value, found, w.value)
			if err != nil {
				return nil, false, &Error{Code: InvalidArgument, Op: op, Message: cf.merge.Name(), Err: err}
			}
			value, found = merged, true
		}
	}
	return value, found, nil
}

// SetSavepoint pushes the current write position.
func (t *Transaction) SetSavepoint() error {
	const op = "set savepoint"
	if err := t.db.acquire(op); err != nil {
		return err
	}
	defer t.db.release()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(op, TxnActive); err != nil {
		return err
	}
	t.savepoints = append(t.savepoints, len(t.writes))
	return nil
}

// RollbackToSavepoint pops the newest savepoint and discards the writes
// issued after it. The transaction stays Active. An empty stack is
// InvalidState.
func (t *Transaction) RollbackToSavepoint() error {
	const op = "rollback to savepoint"
	if err := t.db.acquire(op); err != nil {
		return err
	}
	defer t.db.release()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(op, TxnActive); err != nil {
		return err
	}
	n := len(t.savepoints)
	if n == 0 {
		return newError(InvalidState, op, "no savepoint set")
	}
	mark := t.savepoints[n-1]
	t.savepoints = t.savepoints[:n-1]
	clear(t.writes[mark:])
	t.writes = t.writes[:mark]
	return nil
}

// Savepoints returns the depth of the savepoint stack.
func (t *Transaction) Savepoints() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.savepoints)
}

// Pending returns the number of buffered writes.
func (t *Transaction) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writes)
}

// Commit applies every buffered write atomically. On failure the transaction
// is TxnFailed and the database is unchanged.
func (t *Transaction) Commit() error {
	const op = "transaction commit"
	if err := t.db.acquire(op); err != nil {
		return err
	}
	defer t.db.release()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(op, TxnActive); err != nil {
		return err
	}

	unlock := t.db.keys.lockAll(writeKeys(t.writes))
	err := t.apply(op)
	if err == nil {
		err = t.txn.Commit()
	}
	unlock()
	t.finish()

	if err != nil {
		t.state = TxnFailed
		if errors.Is(err, badger.ErrConflict) {
			t.db.stats.conflicts.Inc()
		}
		return wrapEngineError(op, err)
	}
	t.state = TxnCommitted
	t.db.stats.commits.Inc()
	return nil
}

// apply replays the write log into the engine transaction. Every written key
// is read first so a concurrent commit to it is detected as a conflict.
func (t *Transaction) apply(op string) error {
	for _, w := range t.writes {
		if w.cf.Dropped() {
			return newError(NotFound, op, "column family %q was dropped", w.cf.name)
		}
		dk := w.cf.dataKey(w.key)
		existing, found, err := readValue(t.txn, dk)
		if err != nil {
			return err
		}
		switch w.kind {
		case writePut:
			err = t.txn.SetEntry(t.db.entry(dk, w.value))
		case writeDelete:
			err = t.txn.Delete(dk)
		case writeMerge:
			var merged []byte
			merged, err = w.cf.merge.Merge(w.key, existing, found, w.value)
			if err != nil {
				return &Error{Code: InvalidArgument, Op: op, Message: w.cf.merge.Name(), Err: err}
			}
			err = t.txn.SetEntry(t.db.entry(dk, merged))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Rollback discards every buffered write.
func (t *Transaction) Rollback() error {
	const op = "transaction rollback"
	if err := t.db.acquire(op); err != nil {
		return err
	}
	defer t.db.release()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(op, TxnActive); err != nil {
		return err
	}
	t.finish()
	t.state = TxnRolledBack
	t.db.stats.rollbacks.Inc()
	return nil
}

// check runs with t.mu held.
func (t *Transaction) check(op string, want TxnState) error {
	if t.closed {
		return errClosed(op)
	}
	if t.state != want {
		return newError(InvalidState, op, "transaction is %s", t.state)
	}
	return nil
}

// finish releases the engine transaction and stops tracking t.
func (t *Transaction) finish() {
	if t.txn != nil {
		t.txn.Discard()
		t.txn = nil
	}
	t.writes = nil
	t.savepoints = nil
	t.db.untrackTxn(t)
}

// invalidate is called by DB.Close with the dependents lock held, so it must
// not go through untrackTxn.
func (t *Transaction) invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.txn != nil {
		t.txn.Discard()
		t.txn = nil
	}
	t.writes = nil
	t.savepoints = nil
}

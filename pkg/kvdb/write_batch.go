package kvdb

import (
	"bytes"

	"github.com/dgraph-io/badger/v4"
)

// WriteBatch collects puts, merges and deletes and applies them atomically
// on Write. Unlike a Transaction it has no read view and never conflicts on
// keys it did not merge.
type WriteBatch struct {
	db     *DB
	writes []pendingWrite
	done   bool
}

// NewWriteBatch returns an empty batch.
func (db *DB) NewWriteBatch() *WriteBatch {
	return &WriteBatch{db: db}
}

// Put buffers a write of value under key.
func (b *WriteBatch) Put(key, value []byte, opts ...Option) error {
	return b.add("batch put", writePut, key, value, opts)
}

// Delete buffers a removal of key.
func (b *WriteBatch) Delete(key []byte, opts ...Option) error {
	return b.add("batch delete", writeDelete, key, nil, opts)
}

// Merge buffers a merge operand. The family must have a merge operator; the
// operator runs against the stored value when the batch is written.
func (b *WriteBatch) Merge(key, operand []byte, opts ...Option) error {
	return b.add("batch merge", writeMerge, key, operand, opts)
}

func (b *WriteBatch) add(op string, kind writeKind, key, value []byte, opts []Option) error {
	if b.done {
		return newError(InvalidState, op, "batch was already written or destroyed")
	}
	if err := b.db.acquire(op); err != nil {
		return err
	}
	defer b.db.release()

	cf, err := b.db.resolveFamily(op, collect(opts))
	if err != nil {
		return err
	}
	if kind == writeMerge && cf.merge == nil {
		return newError(InvalidArgument, op, "column family %q has no merge operator", cf.name)
	}
	b.writes = append(b.writes, pendingWrite{kind: kind, cf: cf, key: bytes.Clone(key), value: bytes.Clone(value)})
	return nil
}

// Count returns the number of buffered operations.
func (b *WriteBatch) Count() int { return len(b.writes) }

// Clear drops every buffered operation; the batch stays usable.
func (b *WriteBatch) Clear() error {
	if b.done {
		return newError(InvalidState, "batch clear", "batch was already written or destroyed")
	}
	b.writes = nil
	return nil
}

// Write applies the batch in one engine transaction and consumes it.
func (b *WriteBatch) Write() error {
	const op = "batch write"
	if b.done {
		return newError(InvalidState, op, "batch was already written or destroyed")
	}
	if err := b.db.acquire(op); err != nil {
		return err
	}
	defer b.db.release()

	unlock := b.db.keys.lockAll(writeKeys(b.writes))
	defer unlock()

	err := b.db.engine.Update(func(txn *badger.Txn) error {
		for _, w := range b.writes {
			if w.cf.Dropped() {
				return newError(NotFound, op, "column family %q was dropped", w.cf.name)
			}
			dk := w.cf.dataKey(w.key)
			var err error
			switch w.kind {
			case writePut:
				err = txn.SetEntry(b.db.entry(dk, w.value))
			case writeDelete:
				err = txn.Delete(dk)
			case writeMerge:
				err = b.db.applyMerge(txn, w.cf, w.key, w.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapEngineError(op, err)
	}
	b.done = true
	b.writes = nil
	b.db.stats.batches.Inc()
	return nil
}

// Destroy discards the batch without writing it.
func (b *WriteBatch) Destroy() {
	b.done = true
	b.writes = nil
}

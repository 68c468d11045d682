package kvdb

import (
	"bytes"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// IteratorState is the positioning state of an Iterator.
type IteratorState int

const (
	Unpositioned IteratorState = iota
	Positioned
	Exhausted
)

func (s IteratorState) String() string {
	switch s {
	case Unpositioned:
		return "unpositioned"
	case Positioned:
		return "positioned"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Iterator is a cursor over one column family in byte-lexicographic key order.
//
// Any seek moves it to Positioned or Exhausted. Next and Prev return the
// current entry and then advance; once nothing is left they keep returning
// ok=false. An iterator bound to a snapshot reads that snapshot's view for
// its whole life; an unbound one takes a fresh view on every seek.
//
// An Iterator must not be used from more than one goroutine at a time.
type Iterator struct {
	db       *DB
	cf       *ColumnFamily
	snapshot *Snapshot

	mu     sync.Mutex
	state  IteratorState
	key    []byte
	value  []byte
	txn    *badger.Txn // own view, nil when bound to a snapshot
	err    error       // set when the database closed or the snapshot was released
	closed bool
}

// NewIterator creates an unpositioned iterator over the selected family. When
// a snapshot is live, or AtSnapshot is given, the iterator reads that
// snapshot.
func (db *DB) NewIterator(opts ...Option) (*Iterator, error) {
	const op = "new iterator"
	if err := db.acquire(op); err != nil {
		return nil, err
	}
	defer db.release()

	c := collect(opts)
	cf, err := db.resolveFamily(op, c)
	if err != nil {
		return nil, err
	}

	snap := c.snapshot
	if snap == nil {
		snap = db.liveSnapshot()
	} else if snap.db != db {
		return nil, newError(InvalidArgument, op, "snapshot belongs to another database")
	}

	it := &Iterator{db: db, cf: cf, snapshot: snap}
	if snap != nil {
		if err := snap.track(op, it); err != nil {
			return nil, err
		}
	}
	db.trackIterator(it)
	return it, nil
}

// SeekToFirst positions at the smallest key of the family.
func (it *Iterator) SeekToFirst() error {
	return it.seek("seek to first", false, it.cf.prefix, false)
}

// SeekToLast positions at the largest key of the family.
func (it *Iterator) SeekToLast() error {
	return it.seek("seek to last", true, it.cf.upperBound(), true)
}

// Seek positions at the smallest key >= key.
func (it *Iterator) Seek(key []byte) error {
	return it.seek("seek", false, it.cf.dataKey(key), false)
}

// SeekForPrev positions at the largest key <= key.
func (it *Iterator) SeekForPrev(key []byte) error {
	return it.seek("seek for prev", true, it.cf.dataKey(key), false)
}

// Next returns the current entry and advances toward larger keys.
func (it *Iterator) Next() (key, value []byte, ok bool, err error) {
	return it.step("next", false)
}

// Prev returns the current entry and advances toward smaller keys.
func (it *Iterator) Prev() (key, value []byte, ok bool, err error) {
	return it.step("prev", true)
}

// NextBatch returns up to n entries moving toward larger keys. An unpositioned
// iterator starts at the first key of the family. A short or empty batch
// means the iterator is exhausted.
func (it *Iterator) NextBatch(n int) ([]KeyValue, error) {
	const op = "next batch"
	if n <= 0 {
		return nil, newError(InvalidArgument, op, "batch size %d is not positive", n)
	}
	if it.State() == Unpositioned {
		if err := it.SeekToFirst(); err != nil {
			return nil, err
		}
	}

	out := make([]KeyValue, 0, min(n, 256))
	for len(out) < n {
		key, value, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, KeyValue{Key: key, Value: value})
	}
	return out, nil
}

// Reset returns the iterator to Unpositioned and drops its read view, so the
// next NextBatch starts over from the first key.
func (it *Iterator) Reset() error {
	const op = "reset"
	if err := it.db.acquire(op); err != nil {
		return err
	}
	defer it.db.release()

	it.mu.Lock()
	defer it.mu.Unlock()

	if err := it.usable(op); err != nil {
		return err
	}
	it.discardView()
	it.state, it.key, it.value = Unpositioned, nil, nil
	return nil
}

// Valid reports whether the iterator is positioned on an entry.
func (it *Iterator) Valid() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return !it.closed && it.err == nil && it.state == Positioned
}

// State returns the positioning state.
func (it *Iterator) State() IteratorState {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.state
}

// Key returns the current key, or nil when not positioned.
func (it *Iterator) Key() []byte {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.err != nil || it.state != Positioned {
		return nil
	}
	return it.key
}

// Value returns the current value, or nil when not positioned.
func (it *Iterator) Value() []byte {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.err != nil || it.state != Positioned {
		return nil
	}
	return it.value
}

// Close releases the iterator. Closing twice is a no-op.
func (it *Iterator) Close() {
	it.mu.Lock()
	if it.closed {
		it.mu.Unlock()
		return
	}
	it.closed = true
	it.discardView()
	it.mu.Unlock()

	it.db.untrackIterator(it)
	if it.snapshot != nil {
		it.snapshot.untrack(it)
	}
}

func (it *Iterator) seek(op string, reverse bool, target []byte, exclusive bool) error {
	if err := it.db.acquire(op); err != nil {
		return err
	}
	defer it.db.release()

	it.mu.Lock()
	defer it.mu.Unlock()

	if err := it.usable(op); err != nil {
		return err
	}
	if it.snapshot == nil {
		it.discardView()
		it.txn = it.db.engine.NewTransaction(false)
	}
	it.db.stats.seeks.Inc()
	return it.position(op, reverse, target, exclusive)
}

func (it *Iterator) step(op string, reverse bool) ([]byte, []byte, bool, error) {
	if err := it.db.acquire(op); err != nil {
		return nil, nil, false, err
	}
	defer it.db.release()

	it.mu.Lock()
	defer it.mu.Unlock()

	if err := it.usable(op); err != nil {
		return nil, nil, false, err
	}
	switch it.state {
	case Unpositioned:
		return nil, nil, false, newError(InvalidState, op, "iterator is not positioned")
	case Exhausted:
		return nil, nil, false, nil
	}

	key, value := it.key, it.value
	it.db.stats.steps.Inc()
	if err := it.position(op, reverse, it.cf.dataKey(key), true); err != nil {
		return nil, nil, false, err
	}
	return key, value, true, nil
}

// usable runs with it.mu held.
func (it *Iterator) usable(op string) error {
	if it.closed {
		return newError(InvalidState, op, "iterator is closed")
	}
	if it.err != nil {
		return it.err
	}
	if it.cf.Dropped() {
		return newError(NotFound, op, "column family %q was dropped", it.cf.name)
	}
	return nil
}

// position moves to the first engine key at or past target in the given
// direction, skipping target itself when exclusive.
func (it *Iterator) position(op string, reverse bool, target []byte, exclusive bool) error {
	read := func(txn *badger.Txn) error {
		iopts := badger.IteratorOptions{PrefetchValues: false, Reverse: reverse, Prefix: it.cf.prefix}
		bit := txn.NewIterator(iopts)
		defer bit.Close()

		bit.Seek(target)
		if exclusive && bit.ValidForPrefix(it.cf.prefix) && bytes.Equal(bit.Item().Key(), target) {
			bit.Next()
		}
		if !bit.ValidForPrefix(it.cf.prefix) {
			it.state, it.key, it.value = Exhausted, nil, nil
			return nil
		}

		item := bit.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if value == nil {
			value = []byte{}
		}
		it.state, it.key, it.value = Positioned, it.cf.userKey(item.Key()), value
		return nil
	}

	var err error
	if it.snapshot != nil {
		err = it.snapshot.withView(op, read)
	} else {
		err = read(it.txn)
	}
	if err != nil {
		return wrapEngineError(op, err)
	}
	return nil
}

func (it *Iterator) discardView() {
	if it.txn != nil {
		it.txn.Discard()
		it.txn = nil
	}
}

// invalidate makes every later call fail with err.
func (it *Iterator) invalidate(err error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.err == nil {
		it.err = err
	}
	it.state, it.key, it.value = Unpositioned, nil, nil
	it.discardView()
}

package kvdb

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// KeyValue is one entry returned by All.
type KeyValue struct {
	Key   []byte
	Value []byte
}

func (db *DB) entry(key, value []byte) *badger.Entry {
	e := badger.NewEntry(key, value)
	if db.ttl > 0 {
		e = e.WithTTL(db.ttl)
	}
	return e
}

// Put stores value under key. Any key is valid, including the empty one.
func (db *DB) Put(key, value []byte, opts ...Option) error {
	const op = "put"
	if err := db.acquire(op); err != nil {
		return err
	}
	defer db.release()

	cf, err := db.resolveFamily(op, collect(opts))
	if err != nil {
		return err
	}
	dk := cf.dataKey(key)
	unlock := db.keys.lock(dk)
	defer unlock()

	err = db.engine.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(db.entry(dk, value))
	})
	if err != nil {
		return wrapEngineError(op, err)
	}
	db.stats.puts.Inc()
	return nil
}

// Get returns the value stored under key. A missing key is reported with
// found=false and a nil error; a stored empty value has found=true.
func (db *DB) Get(key []byte, opts ...Option) (value []byte, found bool, err error) {
	const op = "get"
	if err := db.acquire(op); err != nil {
		return nil, false, err
	}
	defer db.release()

	c := collect(opts)
	cf, err := db.resolveFamily(op, c)
	if err != nil {
		return nil, false, err
	}
	db.stats.gets.Inc()

	if c.snapshot != nil {
		return c.snapshot.read(op, db, cf, key)
	}
	err = db.engine.View(func(txn *badger.Txn) error {
		value, found, err = readValue(txn, cf.dataKey(key))
		return err
	})
	if err != nil {
		return nil, false, wrapEngineError(op, err)
	}
	return value, found, nil
}

func readValue(txn *badger.Txn, key []byte) ([]byte, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	if value == nil {
		value = []byte{}
	}
	return value, true, nil
}

// Merge combines operand with the stored value through the family's merge
// operator. Families without an operator reject Merge with InvalidArgument.
func (db *DB) Merge(key, operand []byte, opts ...Option) error {
	const op = "merge"
	if err := db.acquire(op); err != nil {
		return err
	}
	defer db.release()

	cf, err := db.resolveFamily(op, collect(opts))
	if err != nil {
		return err
	}
	if cf.merge == nil {
		return newError(InvalidArgument, op, "column family %q has no merge operator", cf.name)
	}

	// Holding the key's stripe keeps other writers of key out between the
	// read and the commit.
	unlock := db.keys.lock(cf.dataKey(key))
	defer unlock()

	err = db.engine.Update(func(txn *badger.Txn) error {
		return db.applyMerge(txn, cf, key, operand)
	})
	if err != nil {
		return wrapEngineError(op, err)
	}
	db.stats.merges.Inc()
	return nil
}

func (db *DB) applyMerge(txn *badger.Txn, cf *ColumnFamily, key, operand []byte) error {
	dk := cf.dataKey(key)
	existing, found, err := readValue(txn, dk)
	if err != nil {
		return err
	}
	merged, err := cf.merge.Merge(key, existing, found, operand)
	if err != nil {
		return &Error{Code: InvalidArgument, Op: "merge", Message: cf.merge.Name(), Err: err}
	}
	return txn.SetEntry(db.entry(dk, merged))
}

// Delete removes key. Deleting a missing key succeeds.
func (db *DB) Delete(key []byte, opts ...Option) error {
	const op = "delete"
	if err := db.acquire(op); err != nil {
		return err
	}
	defer db.release()

	cf, err := db.resolveFamily(op, collect(opts))
	if err != nil {
		return err
	}
	dk := cf.dataKey(key)
	unlock := db.keys.lock(dk)
	defer unlock()

	err = db.engine.Update(func(txn *badger.Txn) error {
		return txn.Delete(dk)
	})
	if err != nil {
		return wrapEngineError(op, err)
	}
	db.stats.deletes.Inc()
	return nil
}

// All returns every entry of the family in ascending key order.
func (db *DB) All(opts ...Option) ([]KeyValue, error) {
	it, err := db.NewIterator(opts...)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []KeyValue
	for {
		batch, err := it.NextBatch(allBatchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return out, nil
		}
		out = append(out, batch...)
	}
}

const allBatchSize = 256

// Keys returns every key of the family in ascending order.
func (db *DB) Keys(opts ...Option) ([][]byte, error) {
	entries, err := db.All(opts...)
	if err != nil {
		return nil, err
	}
	keys := make([][]byte, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

// Flush syncs the engine's write-ahead log to disk. The engine has no
// per-family memtables, so the family option is only validated.
func (db *DB) Flush(opts ...Option) error {
	const op = "flush"
	if err := db.acquire(op); err != nil {
		return err
	}
	defer db.release()

	if _, err := db.resolveFamily(op, collect(opts)); err != nil {
		return err
	}
	if db.opts.InMemory {
		return nil
	}
	return wrapEngineError(op, db.engine.Sync())
}

const levelFilesProperty = "rocksdb.num-files-at-level"

// GetProperty returns an engine statistic by name. Unknown names report
// ok=false with a nil error.
func (db *DB) GetProperty(name string, opts ...Option) (value string, ok bool, err error) {
	const op = "get property"
	if err := db.acquire(op); err != nil {
		return "", false, err
	}
	defer db.release()

	cf, err := db.resolveFamily(op, collect(opts))
	if err != nil {
		return "", false, err
	}

	switch name {
	case "rocksdb.estimate-num-keys":
		n, _, err := db.familyUsage(cf)
		if err != nil {
			return "", false, wrapEngineError(op, err)
		}
		return strconv.FormatInt(n, 10), true, nil
	case "rocksdb.estimate-live-data-size":
		_, size, err := db.familyUsage(cf)
		if err != nil {
			return "", false, wrapEngineError(op, err)
		}
		return strconv.FormatInt(size, 10), true, nil
	case "rocksdb.total-sst-files-size":
		lsm, _ := db.engine.Size()
		return strconv.FormatInt(lsm, 10), true, nil
	case "kvdb.vlog-size":
		_, vlog := db.engine.Size()
		return strconv.FormatInt(vlog, 10), true, nil
	case "rocksdb.levelstats":
		return db.engine.LevelsToString(), true, nil
	case "kvdb.stats":
		return db.metrics.Format(), true, nil
	case "kvdb.stats.prometheus":
		return db.metrics.Prometheus(), true, nil
	case "kvdb.column-families":
		return strings.Join(db.families.names(), ","), true, nil
	}

	if suffix, found := strings.CutPrefix(name, levelFilesProperty); found {
		level, err := strconv.Atoi(suffix)
		if err != nil || level < 0 {
			return "", false, nil
		}
		count := 0
		for _, t := range db.engine.Tables() {
			if t.Level == level {
				count++
			}
		}
		return strconv.Itoa(count), true, nil
	}
	return "", false, nil
}

// familyUsage counts the live keys of cf and sums their estimated size.
func (db *DB) familyUsage(cf *ColumnFamily) (keys, size int64, err error) {
	err = db.engine.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.PrefetchValues = false
		iopts.Prefix = cf.prefix
		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Seek(cf.prefix); it.ValidForPrefix(cf.prefix); it.Next() {
			keys++
			size += it.Item().EstimatedSize()
		}
		return nil
	})
	return keys, size, err
}

func (kv KeyValue) String() string {
	return fmt.Sprintf("%q=%q", kv.Key, kv.Value)
}

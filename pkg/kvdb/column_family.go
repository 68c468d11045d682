package kvdb

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sort"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/zhangyunhao116/skipmap"
)

// Engine key layout. Everything this package writes lives under one of two
// leading bytes so family data never collides with bookkeeping:
//
//	0x00 'c' 'f' '/' <name>     family record (JSON)
//	0x00 'n' 'e' 'x' 't'        next family id (uint32, big endian)
//	0x01 <id uint32 BE> <key>   user data of family <id>
const (
	metaTag byte = 0x00
	dataTag byte = 0x01
)

var (
	familyRecordPrefix = []byte{metaTag, 'c', 'f', '/'}
	nextFamilyIDKey    = []byte{metaTag, 'n', 'e', 'x', 't'}
)

type familyRecord struct {
	Name  string `json:"name"`
	ID    uint32 `json:"id"`
	Merge string `json:"merge,omitempty"`
}

// ColumnFamily is a handle to one keyspace partition. It stays usable while
// its database is open and the family has not been dropped; after a drop every
// operation through the handle fails with NotFound, even if a family with the
// same name is created again.
type ColumnFamily struct {
	db      *DB
	name    string
	id      uint32
	prefix  []byte
	merge   MergeOperator
	dropped atomic.Bool
}

func newColumnFamily(db *DB, name string, id uint32, merge MergeOperator) *ColumnFamily {
	prefix := make([]byte, 5)
	prefix[0] = dataTag
	binary.BigEndian.PutUint32(prefix[1:], id)
	return &ColumnFamily{db: db, name: name, id: id, prefix: prefix, merge: merge}
}

// Name returns the family name.
func (cf *ColumnFamily) Name() string { return cf.name }

// ID returns the engine-level id. Ids are never reused within a database.
func (cf *ColumnFamily) ID() uint32 { return cf.id }

// Dropped reports whether DropColumnFamily has removed this family.
func (cf *ColumnFamily) Dropped() bool { return cf.dropped.Load() }

// HasMergeOperator reports whether Merge is enabled on the family.
func (cf *ColumnFamily) HasMergeOperator() bool { return cf.merge != nil }

// Put stores value under key in this family.
func (cf *ColumnFamily) Put(key, value []byte) error {
	return cf.db.Put(key, value, OnFamily(cf))
}

// Get reads key from this family; see DB.Get.
func (cf *ColumnFamily) Get(key []byte) ([]byte, bool, error) {
	return cf.db.Get(key, OnFamily(cf))
}

// Merge folds operand into key through the family's merge operator.
func (cf *ColumnFamily) Merge(key, operand []byte) error {
	return cf.db.Merge(key, operand, OnFamily(cf))
}

// Delete removes key from this family.
func (cf *ColumnFamily) Delete(key []byte) error {
	return cf.db.Delete(key, OnFamily(cf))
}

func (cf *ColumnFamily) dataKey(key []byte) []byte {
	out := make([]byte, len(cf.prefix)+len(key))
	copy(out, cf.prefix)
	copy(out[len(cf.prefix):], key)
	return out
}

func (cf *ColumnFamily) userKey(engineKey []byte) []byte {
	return bytes.Clone(engineKey[len(cf.prefix):])
}

// upperBound is the smallest engine key greater than every key of the family.
func (cf *ColumnFamily) upperBound() []byte {
	if cf.id == ^uint32(0) {
		return []byte{dataTag + 1}
	}
	out := make([]byte, 5)
	out[0] = dataTag
	binary.BigEndian.PutUint32(out[1:], cf.id+1)
	return out
}

// familyRegistry keeps live handles ordered by name.
type familyRegistry struct {
	byName *skipmap.FuncMap[string, *ColumnFamily]
}

func newFamilyRegistry() *familyRegistry {
	return &familyRegistry{
		byName: skipmap.NewFunc[string, *ColumnFamily](func(a, b string) bool {
			return a < b
		}),
	}
}

func (r *familyRegistry) lookup(name string) (*ColumnFamily, bool) {
	return r.byName.Load(name)
}

func (r *familyRegistry) add(cf *ColumnFamily) {
	r.byName.Store(cf.name, cf)
}

func (r *familyRegistry) remove(name string) {
	r.byName.Delete(name)
}

func (r *familyRegistry) names() []string {
	names := make([]string, 0, r.byName.Len())
	r.byName.Range(func(name string, _ *ColumnFamily) bool {
		names = append(names, name)
		return true
	})
	return names
}

func (r *familyRegistry) all() []*ColumnFamily {
	out := make([]*ColumnFamily, 0, r.byName.Len())
	r.byName.Range(func(_ string, cf *ColumnFamily) bool {
		out = append(out, cf)
		return true
	})
	return out
}

func familyRecordKey(name string) []byte {
	return append(bytes.Clone(familyRecordPrefix), name...)
}

func readFamilyRecords(engine *badger.DB) ([]familyRecord, error) {
	var records []familyRecord
	err := engine.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = familyRecordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(familyRecordPrefix); it.ValidForPrefix(familyRecordPrefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec familyRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return &Error{Code: Corruption, Message: "malformed column family record", Err: err}
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

// allocateFamilyID reserves the next id inside txn. Id 0 belongs to the
// default family.
func allocateFamilyID(txn *badger.Txn) (uint32, error) {
	next := uint32(1)
	item, err := txn.Get(nextFamilyIDKey)
	switch {
	case err == nil:
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return 0, err
		}
		if len(raw) != 4 {
			return 0, &Error{Code: Corruption, Message: "malformed family id counter"}
		}
		next = binary.BigEndian.Uint32(raw)
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return 0, err
	}

	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, next+1)
	if err := txn.Set(nextFamilyIDKey, buf); err != nil {
		return 0, err
	}
	return next, nil
}

func (db *DB) loadFamilies() error {
	db.families.add(newColumnFamily(db, DefaultFamily, 0, db.opts.MergeOperators[DefaultFamily]))

	records, err := readFamilyRecords(db.engine)
	if err != nil {
		return wrapEngineError("open", err)
	}
	for _, rec := range records {
		merge := db.opts.MergeOperators[rec.Name]
		if merge == nil && rec.Merge != "" {
			op, ok := LookupMergeOperator(rec.Merge)
			if !ok {
				return newError(InvalidArgument, "open", "merge operator %q of column family %q is not registered", rec.Merge, rec.Name)
			}
			merge = op
		}
		db.families.add(newColumnFamily(db, rec.Name, rec.ID, merge))
	}
	return nil
}

// CreateColumnFamily creates and persists a new family.
func (db *DB) CreateColumnFamily(name string, opts ...FamilyOption) (*ColumnFamily, error) {
	const op = "create column family"
	if name == "" {
		return nil, newError(InvalidArgument, op, "column family name is empty")
	}
	var cfg familyConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.merge == nil {
		cfg.merge = db.opts.MergeOperators[name]
	}

	if err := db.acquire(op); err != nil {
		return nil, err
	}
	defer db.release()

	db.ddlMu.Lock()
	defer db.ddlMu.Unlock()

	if _, exists := db.families.lookup(name); exists {
		return nil, newError(AlreadyExists, op, "column family %q", name)
	}

	var cf *ColumnFamily
	err := db.engine.Update(func(txn *badger.Txn) error {
		id, err := allocateFamilyID(txn)
		if err != nil {
			return err
		}
		rec := familyRecord{Name: name, ID: id}
		if cfg.merge != nil {
			rec.Merge = cfg.merge.Name()
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(familyRecordKey(name), raw); err != nil {
			return err
		}
		cf = newColumnFamily(db, name, id, cfg.merge)
		return nil
	})
	if err != nil {
		return nil, wrapEngineError(op, err)
	}

	db.families.add(cf)
	db.log.Info("column family created", "path", db.path, "family", name, "id", cf.id)
	return cf, nil
}

// DropColumnFamily removes the family and all of its data. Outstanding
// handles, iterators and pending transactional writes that reference it fail
// with NotFound on their next use.
func (db *DB) DropColumnFamily(name string) error {
	const op = "drop column family"
	if name == DefaultFamily {
		return newError(InvalidArgument, op, "the default column family cannot be dropped")
	}

	if err := db.acquire(op); err != nil {
		return err
	}
	defer db.release()

	db.ddlMu.Lock()
	defer db.ddlMu.Unlock()

	cf, ok := db.families.lookup(name)
	if !ok {
		return newError(NotFound, op, "column family %q", name)
	}

	// The record goes first so a failed delete leaves the family fully live.
	err := db.engine.Update(func(txn *badger.Txn) error {
		return txn.Delete(familyRecordKey(name))
	})
	if err != nil {
		return wrapEngineError(op, err)
	}
	cf.dropped.Store(true)
	db.families.remove(name)

	if err := db.engine.DropPrefix(cf.prefix); err != nil {
		return wrapEngineError(op, err)
	}

	db.log.Info("column family dropped", "path", db.path, "family", name, "id", cf.id)
	return nil
}

// ColumnFamily returns the live handle for name.
func (db *DB) ColumnFamily(name string) (*ColumnFamily, error) {
	const op = "column family"
	if err := db.acquire(op); err != nil {
		return nil, err
	}
	defer db.release()

	if name == "" {
		name = DefaultFamily
	}
	cf, ok := db.families.lookup(name)
	if !ok {
		return nil, newError(NotFound, op, "column family %q", name)
	}
	return cf, nil
}

// ColumnFamilies returns the names of all live families in ascending order.
func (db *DB) ColumnFamilies() ([]string, error) {
	if err := db.acquire("list column families"); err != nil {
		return nil, err
	}
	defer db.release()
	return db.families.names(), nil
}

// resolveFamily maps the operation's family selection to a live handle. The
// caller holds the read side of db.mu.
func (db *DB) resolveFamily(op string, c opConfig) (*ColumnFamily, error) {
	if c.handle != nil {
		if c.handle.db != db {
			return nil, newError(InvalidArgument, op, "column family %q belongs to another database", c.handle.name)
		}
		if c.handle.Dropped() {
			return nil, newError(NotFound, op, "column family %q was dropped", c.handle.name)
		}
		return c.handle, nil
	}
	name := c.family
	if name == "" {
		name = DefaultFamily
	}
	cf, ok := db.families.lookup(name)
	if !ok {
		return nil, newError(NotFound, op, "column family %q", name)
	}
	return cf, nil
}

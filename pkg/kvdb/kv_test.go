package kvdb_test

import (
	"bytes"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"embedded-kvstore/internal/testutil"
	"embedded-kvstore/pkg/kvdb"
)

func TestPutGetDelete(t *testing.T) {
	db := testutil.TestDB(t)

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "simple", key: "user:1", value: "alice"},
		{name: "binary key", key: "\x00\xff\x10", value: "bytes"},
		{name: "overwrite", key: "user:1", value: "bob"},
		{name: "large value", key: "blob", value: strings.Repeat("x", 1<<16)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := db.Put([]byte(tt.key), []byte(tt.value)); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			testutil.AssertKeyValue(t, db, tt.key, tt.value)

			if err := db.Delete([]byte(tt.key)); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			testutil.AssertKeyNotExists(t, db, tt.key)
		})
	}
}

func TestGetDistinguishesEmptyValueFromAbsent(t *testing.T) {
	db := testutil.TestDB(t)

	if err := db.Put([]byte("empty"), nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	value, found, err := db.Get([]byte("empty"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found || value == nil || len(value) != 0 {
		t.Errorf("Empty value: found=%v value=%#v, want found=true and []byte{}", found, value)
	}

	value, found, err = db.Get([]byte("absent"))
	if err != nil {
		t.Fatalf("Get() on missing key returned an error: %v", err)
	}
	if found || value != nil {
		t.Errorf("Absent key: found=%v value=%#v, want found=false and nil", found, value)
	}
}

func TestEmptyKeyIsValid(t *testing.T) {
	db := testutil.TestDB(t)
	counters, err := db.CreateColumnFamily("counters", kvdb.WithMergeOperator(kvdb.Uint64AddOperator{}))
	if err != nil {
		t.Fatalf("CreateColumnFamily() error = %v", err)
	}

	if err := db.Put(nil, []byte("root")); err != nil {
		t.Fatalf("Put() with empty key error = %v", err)
	}
	if err := db.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	testutil.AssertKeyValue(t, db, "", "root")

	keys, err := db.Keys()
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 2 || len(keys[0]) != 0 || string(keys[1]) != "a" {
		t.Errorf("Keys() = %q, want the empty key first", keys)
	}

	for i := 0; i < 2; i++ {
		if err := counters.Merge([]byte{}, kvdb.EncodeUint64(5)); err != nil {
			t.Fatalf("Merge() with empty key error = %v", err)
		}
	}
	raw, _, err := counters.Get(nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if n, _ := kvdb.DecodeUint64(raw); n != 10 {
		t.Errorf("counter under empty key = %d, want 10", n)
	}

	if err := db.Delete([]byte{}); err != nil {
		t.Fatalf("Delete() with empty key error = %v", err)
	}
	testutil.AssertKeyNotExists(t, db, "")
}

func TestDeleteMissingKeySucceeds(t *testing.T) {
	db := testutil.TestDB(t)

	if err := db.Delete([]byte("never-written")); err != nil {
		t.Errorf("Delete() on missing key error = %v", err)
	}
}

func TestMerge(t *testing.T) {
	db := testutil.TestDB(t)

	tags, err := db.CreateColumnFamily("tags", kvdb.WithMergeOperator(kvdb.StringAppendOperator{Delimiter: ","}))
	if err != nil {
		t.Fatalf("CreateColumnFamily() error = %v", err)
	}
	counters, err := db.CreateColumnFamily("counters", kvdb.WithMergeOperator(kvdb.Uint64AddOperator{}))
	if err != nil {
		t.Fatalf("CreateColumnFamily() error = %v", err)
	}

	for _, tag := range []string{"go", "db", "kv"} {
		if err := tags.Merge([]byte("post:1"), []byte(tag)); err != nil {
			t.Fatalf("Merge() error = %v", err)
		}
	}
	testutil.AssertKeyValue(t, db, "post:1", "go,db,kv", kvdb.OnFamily(tags))

	for i := uint64(1); i <= 10; i++ {
		if err := counters.Merge([]byte("visits"), kvdb.EncodeUint64(i)); err != nil {
			t.Fatalf("Merge() error = %v", err)
		}
	}
	raw, _, err := counters.Get([]byte("visits"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if n, ok := kvdb.DecodeUint64(raw); !ok || n != 55 {
		t.Errorf("Expected counter 55, got %d", n)
	}

	// Merge on top of a plain put
	if err := tags.Put([]byte("post:2"), []byte("seed")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := tags.Merge([]byte("post:2"), []byte("more")); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	testutil.AssertKeyValue(t, db, "post:2", "seed,more", kvdb.OnFamily(tags))
}

func TestMergeErrors(t *testing.T) {
	db := testutil.TestDB(t)

	testutil.AssertCode(t, db.Merge([]byte("k"), []byte("v")), kvdb.InvalidArgument)
	testutil.AssertKeyNotExists(t, db, "k")

	counters, err := db.CreateColumnFamily("counters", kvdb.WithMergeOperator(kvdb.Uint64AddOperator{}))
	if err != nil {
		t.Fatalf("CreateColumnFamily() error = %v", err)
	}
	testutil.AssertCode(t, counters.Merge([]byte("k"), []byte("abc")), kvdb.InvalidArgument)

	if err := counters.Put([]byte("bad"), []byte("not-a-counter")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	testutil.AssertCode(t, counters.Merge([]byte("bad"), kvdb.EncodeUint64(1)), kvdb.InvalidArgument)
	testutil.AssertKeyValue(t, db, "bad", "not-a-counter", kvdb.OnFamily(counters))
}

func TestAllAndKeys(t *testing.T) {
	db := testutil.TestDB(t)

	if _, err := db.CreateColumnFamily("other"); err != nil {
		t.Fatalf("CreateColumnFamily() error = %v", err)
	}
	testutil.PopulateTestDataWithPrefix(t, db, "noise", 3, kvdb.InFamily("other"))

	for _, k := range []string{"c", "a", "b", "aa"} {
		if err := db.Put([]byte(k), []byte("v-"+k)); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	entries, err := db.All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	want := []string{"a", "aa", "b", "c"}
	if len(entries) != len(want) {
		t.Fatalf("All() returned %d entries, want %d: %v", len(entries), len(want), entries)
	}
	for i, e := range entries {
		if string(e.Key) != want[i] || string(e.Value) != "v-"+want[i] {
			t.Errorf("entry %d = %s, want %q=%q", i, e, want[i], "v-"+want[i])
		}
	}

	keys, err := db.Keys()
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	for i, k := range keys {
		if !bytes.Equal(k, entries[i].Key) {
			t.Errorf("Keys()[%d] = %q, All()[%d].Key = %q", i, k, i, entries[i].Key)
		}
	}

	empty, err := db.All(kvdb.InFamily("missing"))
	testutil.AssertCode(t, err, kvdb.NotFound)
	if empty != nil {
		t.Errorf("All() on missing family returned %v", empty)
	}
}

func TestFlush(t *testing.T) {
	db := testutil.TestDB(t)
	testutil.PopulateTestData(t, db, 5)

	if err := db.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
	testutil.AssertCode(t, db.Flush(kvdb.InFamily("missing")), kvdb.NotFound)

	mem := testutil.TestDBAt(t, "", &kvdb.Options{InMemory: true})
	if err := mem.Flush(); err != nil {
		t.Errorf("Flush() on in-memory database error = %v", err)
	}
}

func TestGetProperty(t *testing.T) {
	db := testutil.TestDB(t)
	testutil.PopulateTestData(t, db, 3)
	if _, err := db.CreateColumnFamily("empty"); err != nil {
		t.Fatalf("CreateColumnFamily() error = %v", err)
	}

	tests := []struct {
		name   string
		opts   []kvdb.Option
		wantOK bool
		check  func(t *testing.T, value string)
	}{
		{
			name:   "rocksdb.estimate-num-keys",
			wantOK: true,
			check:  equals("3"),
		},
		{
			name:   "rocksdb.estimate-num-keys",
			opts:   []kvdb.Option{kvdb.InFamily("empty")},
			wantOK: true,
			check:  equals("0"),
		},
		{
			name:   "rocksdb.estimate-live-data-size",
			wantOK: true,
			check:  positive,
		},
		{
			name:   "rocksdb.total-sst-files-size",
			wantOK: true,
			check:  nonNegative,
		},
		{
			name:   "rocksdb.num-files-at-level0",
			wantOK: true,
			check:  nonNegative,
		},
		{
			name:   "kvdb.column-families",
			wantOK: true,
			check:  equals("default,empty"),
		},
		{
			name:   "kvdb.stats",
			wantOK: true,
			check:  contains("kvdb_puts_total 3"),
		},
		{
			name:   "kvdb.stats.prometheus",
			wantOK: true,
			check:  contains("# TYPE kvdb_puts_total counter"),
		},
		{name: "rocksdb.num-files-at-levelx"},
		{name: "rocksdb.no-such-property"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, ok, err := db.GetProperty(tt.name, tt.opts...)
			if err != nil {
				t.Fatalf("GetProperty() error = %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("GetProperty() ok = %v, want %v", ok, tt.wantOK)
			}
			if tt.check != nil {
				tt.check(t, value)
			}
		})
	}

	_, _, err := db.GetProperty("rocksdb.estimate-num-keys", kvdb.InFamily("missing"))
	testutil.AssertCode(t, err, kvdb.NotFound)
}

func TestTTLExpiresEntries(t *testing.T) {
	if testing.Short() {
		t.Skip("TTL expiry waits on the wall clock")
	}

	db, err := kvdb.OpenWithTTL(filepath.Join(t.TempDir(), "db"), time.Second)
	if err != nil {
		t.Fatalf("OpenWithTTL() error = %v", err)
	}
	defer db.Close()

	if err := db.Put([]byte("session"), []byte("token")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	testutil.AssertKeyValue(t, db, "session", "token")

	time.Sleep(2100 * time.Millisecond)

	testutil.AssertKeyNotExists(t, db, "session")
}

func TestConcurrentPuts(t *testing.T) {
	db := testutil.TestDB(t)

	testutil.ConcurrentTest(t, 8, func(worker int) {
		for i := 0; i < 50; i++ {
			key := []byte("w" + strconv.Itoa(worker) + "-" + strconv.Itoa(i))
			if err := db.Put(key, key); err != nil {
				panic(err)
			}
		}
	})

	keys, err := db.Keys()
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 400 {
		t.Errorf("Expected 400 keys, got %d", len(keys))
	}
}

func TestConcurrentMerges(t *testing.T) {
	db := testutil.TestDB(t)
	counters, err := db.CreateColumnFamily("counters", kvdb.WithMergeOperator(kvdb.Uint64AddOperator{}))
	if err != nil {
		t.Fatalf("CreateColumnFamily() error = %v", err)
	}

	const workers, perWorker = 8, 200
	testutil.ConcurrentTest(t, workers, func(worker int) {
		for i := 0; i < perWorker; i++ {
			// Odd workers go through a batch so both write paths share the key.
			if worker%2 == 1 {
				batch := db.NewWriteBatch()
				if err := batch.Merge([]byte("k"), kvdb.EncodeUint64(1), kvdb.OnFamily(counters)); err != nil {
					panic(err)
				}
				if err := batch.Write(); err != nil {
					panic(err)
				}
				continue
			}
			if err := counters.Merge([]byte("k"), kvdb.EncodeUint64(1)); err != nil {
				panic(err)
			}
		}
	})

	raw, found, err := counters.Get([]byte("k"))
	if err != nil || !found {
		t.Fatalf("Get() = found %v, error %v", found, err)
	}
	if n, _ := kvdb.DecodeUint64(raw); n != workers*perWorker {
		t.Errorf("counter = %d, want %d", n, workers*perWorker)
	}
}

func TestConcurrentPutsAndMergesOnOneKey(t *testing.T) {
	db := testutil.TestDB(t)
	counters, err := db.CreateColumnFamily("counters", kvdb.WithMergeOperator(kvdb.Uint64AddOperator{}))
	if err != nil {
		t.Fatalf("CreateColumnFamily() error = %v", err)
	}

	testutil.ConcurrentTest(t, 6, func(worker int) {
		for i := 0; i < 100; i++ {
			var err error
			switch worker % 3 {
			case 0:
				err = counters.Put([]byte("k"), kvdb.EncodeUint64(1000))
			case 1:
				err = counters.Delete([]byte("k"))
			default:
				err = counters.Merge([]byte("k"), kvdb.EncodeUint64(1))
			}
			if err != nil {
				panic(err)
			}
		}
	})

	if err := counters.Put([]byte("k"), kvdb.EncodeUint64(1)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := counters.Merge([]byte("k"), kvdb.EncodeUint64(1)); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	raw, _, err := counters.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if n, _ := kvdb.DecodeUint64(raw); n != 2 {
		t.Errorf("counter = %d, want 2", n)
	}
}

func equals(want string) func(t *testing.T, value string) {
	return func(t *testing.T, value string) {
		t.Helper()
		if value != want {
			t.Errorf("value = %q, want %q", value, want)
		}
	}
}

func contains(substr string) func(t *testing.T, value string) {
	return func(t *testing.T, value string) {
		t.Helper()
		testutil.AssertContains(t, value, substr)
	}
}

func positive(t *testing.T, value string) {
	t.Helper()
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 {
		t.Errorf("value = %q, want a positive integer", value)
	}
}

func nonNegative(t *testing.T, value string) {
	t.Helper()
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		t.Errorf("value = %q, want a non-negative integer", value)
	}
}

package kvdb_test

import (
	"path/filepath"
	"reflect"
	"testing"

	"embedded-kvstore/internal/testutil"
	"embedded-kvstore/pkg/kvdb"
)

func TestCreateColumnFamily(t *testing.T) {
	db := testutil.TestDB(t)

	cf, err := db.CreateColumnFamily("users")
	if err != nil {
		t.Fatalf("CreateColumnFamily() error = %v", err)
	}
	if cf.Name() != "users" || cf.Dropped() || cf.HasMergeOperator() {
		t.Errorf("Unexpected handle state: name=%s dropped=%v merge=%v", cf.Name(), cf.Dropped(), cf.HasMergeOperator())
	}

	_, err = db.CreateColumnFamily("users")
	testutil.AssertCode(t, err, kvdb.AlreadyExists)

	_, err = db.CreateColumnFamily("")
	testutil.AssertCode(t, err, kvdb.InvalidArgument)

	_, err = db.CreateColumnFamily(kvdb.DefaultFamily)
	testutil.AssertCode(t, err, kvdb.AlreadyExists)

	names, err := db.ColumnFamilies()
	if err != nil {
		t.Fatalf("ColumnFamilies() error = %v", err)
	}
	if want := []string{"default", "users"}; !reflect.DeepEqual(names, want) {
		t.Errorf("ColumnFamilies() = %v, want %v", names, want)
	}
}

func TestColumnFamilyIsolation(t *testing.T) {
	db := testutil.TestDB(t)

	users, err := db.CreateColumnFamily("users")
	if err != nil {
		t.Fatalf("CreateColumnFamily() error = %v", err)
	}

	if err := db.Put([]byte("k"), []byte("default-value")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := users.Put([]byte("k"), []byte("users-value")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	testutil.AssertKeyValue(t, db, "k", "default-value")
	testutil.AssertKeyValue(t, db, "k", "users-value", kvdb.InFamily("users"))
	testutil.AssertKeyValue(t, db, "k", "users-value", kvdb.OnFamily(users))

	if err := users.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	testutil.AssertKeyNotExists(t, db, "k", kvdb.InFamily("users"))
	testutil.AssertKeyValue(t, db, "k", "default-value")
}

func TestUnknownFamily(t *testing.T) {
	db := testutil.TestDB(t)

	_, _, err := db.Get([]byte("k"), kvdb.InFamily("missing"))
	testutil.AssertCode(t, err, kvdb.NotFound)

	testutil.AssertCode(t, db.Put([]byte("k"), []byte("v"), kvdb.InFamily("missing")), kvdb.NotFound)

	_, err = db.ColumnFamily("missing")
	testutil.AssertCode(t, err, kvdb.NotFound)

	_, err = db.NewIterator(kvdb.InFamily("missing"))
	testutil.AssertCode(t, err, kvdb.NotFound)
}

func TestDropColumnFamily(t *testing.T) {
	db := testutil.TestDB(t)

	cf, err := db.CreateColumnFamily("sessions")
	if err != nil {
		t.Fatalf("CreateColumnFamily() error = %v", err)
	}
	testutil.PopulateTestData(t, db, 10, kvdb.OnFamily(cf))

	it, err := db.NewIterator(kvdb.OnFamily(cf))
	if err != nil {
		t.Fatalf("NewIterator() error = %v", err)
	}
	defer it.Close()
	if err := it.SeekToFirst(); err != nil {
		t.Fatalf("SeekToFirst() error = %v", err)
	}

	if err := db.DropColumnFamily("sessions"); err != nil {
		t.Fatalf("DropColumnFamily() error = %v", err)
	}

	if !cf.Dropped() {
		t.Error("Handle should report dropped")
	}

	_, _, err = cf.Get([]byte("test-key-000"))
	testutil.AssertCode(t, err, kvdb.NotFound)
	testutil.AssertCode(t, cf.Put([]byte("k"), []byte("v")), kvdb.NotFound)

	_, _, _, err = it.Next()
	testutil.AssertCode(t, err, kvdb.NotFound)

	testutil.AssertCode(t, db.DropColumnFamily("sessions"), kvdb.NotFound)
	testutil.AssertCode(t, db.DropColumnFamily(kvdb.DefaultFamily), kvdb.InvalidArgument)

	// A family recreated under the same name starts empty and gets a new id;
	// the old handle stays dead.
	again, err := db.CreateColumnFamily("sessions")
	if err != nil {
		t.Fatalf("CreateColumnFamily() after drop error = %v", err)
	}
	if again.ID() == cf.ID() {
		t.Errorf("Family id %d was reused", cf.ID())
	}
	testutil.AssertKeyNotExists(t, db, "test-key-000", kvdb.InFamily("sessions"))

	_, _, err = cf.Get([]byte("test-key-000"))
	testutil.AssertCode(t, err, kvdb.NotFound)
}

func TestColumnFamilyHandleFromAnotherDatabase(t *testing.T) {
	a := testutil.TestDB(t)
	b := testutil.TestDB(t)

	cf, err := a.CreateColumnFamily("shared")
	if err != nil {
		t.Fatalf("CreateColumnFamily() error = %v", err)
	}

	testutil.AssertCode(t, b.Put([]byte("k"), []byte("v"), kvdb.OnFamily(cf)), kvdb.InvalidArgument)
}

func TestColumnFamilyMergeOperatorSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	db, err := kvdb.Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	counters, err := db.CreateColumnFamily("counters", kvdb.WithMergeOperator(kvdb.Uint64AddOperator{}))
	if err != nil {
		t.Fatalf("CreateColumnFamily() error = %v", err)
	}
	if err := counters.Merge([]byte("hits"), kvdb.EncodeUint64(2)); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	db.Close()

	reopened := testutil.TestDBAt(t, path, nil)
	cf, err := reopened.ColumnFamily("counters")
	if err != nil {
		t.Fatalf("ColumnFamily() error = %v", err)
	}
	if !cf.HasMergeOperator() {
		t.Fatal("Merge operator was not restored on reopen")
	}
	if err := cf.Merge([]byte("hits"), kvdb.EncodeUint64(3)); err != nil {
		t.Fatalf("Merge() after reopen error = %v", err)
	}

	raw, found, err := cf.Get([]byte("hits"))
	if err != nil || !found {
		t.Fatalf("Get() = %v, %v", found, err)
	}
	if n, ok := kvdb.DecodeUint64(raw); !ok || n != 5 {
		t.Errorf("Expected counter 5, got %d (ok=%v)", n, ok)
	}
}

func TestMergeOperatorFromOptions(t *testing.T) {
	opts := kvdb.DefaultOptions()
	opts.MergeOperators = map[string]kvdb.MergeOperator{
		kvdb.DefaultFamily: kvdb.StringAppendOperator{Delimiter: "|"},
	}
	db := testutil.TestDBAt(t, filepath.Join(t.TempDir(), "db"), opts)

	for _, tag := range []string{"a", "b", "c"} {
		if err := db.Merge([]byte("tags"), []byte(tag)); err != nil {
			t.Fatalf("Merge(%s) error = %v", tag, err)
		}
	}
	testutil.AssertKeyValue(t, db, "tags", "a|b|c")
}

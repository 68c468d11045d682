package benchmarks

import (
	"fmt"
	"path/filepath"
	"testing"

	"embedded-kvstore/internal/testutil"
	"embedded-kvstore/pkg/kvdb"
)

// Database Benchmarks

func setupBenchmarkDB(b *testing.B) *kvdb.DB {
	b.Helper()
	db, err := kvdb.Open(filepath.Join(b.TempDir(), "db"), nil)
	if err != nil {
		b.Fatalf("Failed to open database: %v", err)
	}
	b.Cleanup(func() { db.Close() })
	return db
}

func populate(b *testing.B, db *kvdb.DB, prefix string, n int, opts ...kvdb.Option) [][]byte {
	b.Helper()
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = []byte(fmt.Sprintf("%s-key-%08d", prefix, i))
		if err := db.Put(keys[i], []byte(fmt.Sprintf("%s-value-%d", prefix, i)), opts...); err != nil {
			b.Fatalf("Setup Put failed: %v", err)
		}
	}
	return keys
}

func BenchmarkDB_Put(b *testing.B) {
	db := setupBenchmarkDB(b)

	keys := make([][]byte, b.N)
	values := make([][]byte, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = []byte(fmt.Sprintf("benchmark-key-%d", i))
		values[i] = []byte(fmt.Sprintf("benchmark-value-%d-%s", i, testutil.GenerateRandomString(100)))
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := db.Put(keys[i], values[i]); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
}

func BenchmarkDB_Get(b *testing.B) {
	db := setupBenchmarkDB(b)
	const numKeys = 10000
	keys := populate(b, db, "get", numKeys)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, _, err := db.Get(keys[i%numKeys]); err != nil {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

func BenchmarkDB_Merge(b *testing.B) {
	db := setupBenchmarkDB(b)
	if _, err := db.CreateColumnFamily("counters", kvdb.WithMergeOperator(kvdb.Uint64AddOperator{})); err != nil {
		b.Fatalf("CreateColumnFamily failed: %v", err)
	}
	operand := kvdb.EncodeUint64(1)
	opt := kvdb.InFamily("counters")

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		key := []byte(fmt.Sprintf("counter-%d", i%64))
		if err := db.Merge(key, operand, opt); err != nil {
			b.Fatalf("Merge failed: %v", err)
		}
	}
}

func BenchmarkWriteBatch(b *testing.B) {
	batchSizes := []int{10, 100, 1000}

	for _, size := range batchSizes {
		b.Run(fmt.Sprintf("Size%d", size), func(b *testing.B) {
			db := setupBenchmarkDB(b)

			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				batch := db.NewWriteBatch()
				for j := 0; j < size; j++ {
					key := []byte(fmt.Sprintf("batch-%d-%d", i, j))
					if err := batch.Put(key, []byte("value")); err != nil {
						b.Fatalf("batch Put failed: %v", err)
					}
				}
				if err := batch.Write(); err != nil {
					b.Fatalf("Write failed: %v", err)
				}
			}
		})
	}
}

func BenchmarkTransactionCommit(b *testing.B) {
	db := setupBenchmarkDB(b)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		txn, err := db.NewTransaction()
		if err != nil {
			b.Fatalf("NewTransaction failed: %v", err)
		}
		if err := txn.Start(); err != nil {
			b.Fatalf("Start failed: %v", err)
		}
		for j := 0; j < 4; j++ {
			key := []byte(fmt.Sprintf("txn-%d-%d", i, j))
			if err := txn.Put(key, []byte("value")); err != nil {
				b.Fatalf("txn Put failed: %v", err)
			}
		}
		if err := txn.Commit(); err != nil {
			b.Fatalf("Commit failed: %v", err)
		}
	}
}

func BenchmarkIterator_Scan(b *testing.B) {
	db := setupBenchmarkDB(b)
	populate(b, db, "scan", 1000)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		it, err := db.NewIterator()
		if err != nil {
			b.Fatalf("NewIterator failed: %v", err)
		}
		if err := it.SeekToFirst(); err != nil {
			b.Fatalf("SeekToFirst failed: %v", err)
		}
		n := 0
		for {
			_, _, ok, err := it.Next()
			if err != nil {
				b.Fatalf("Next failed: %v", err)
			}
			if !ok {
				break
			}
			n++
		}
		it.Close()
		if n != 1000 {
			b.Fatalf("Scanned %d keys, want 1000", n)
		}
	}
}

func BenchmarkBackupCreate(b *testing.B) {
	codecs := []string{"none", "snappy", "lz4", "zstd"}

	for _, codec := range codecs {
		b.Run(codec, func(b *testing.B) {
			db := setupBenchmarkDB(b)
			populate(b, db, "backup", 5000)

			engine, err := kvdb.NewBackupEngine(db, kvdb.BackupOptions{Compression: codec})
			if err != nil {
				b.Fatalf("NewBackupEngine failed: %v", err)
			}
			defer engine.Close()
			if err := engine.Init(filepath.Join(b.TempDir(), "backups")); err != nil {
				b.Fatalf("Init failed: %v", err)
			}

			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				info, err := engine.Create()
				if err != nil {
					b.Fatalf("Create failed: %v", err)
				}
				b.ReportMetric(float64(info.Size), "bytes/backup")
			}
		})
	}
}

func BenchmarkConcurrentPuts(b *testing.B) {
	db := setupBenchmarkDB(b)

	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := []byte(fmt.Sprintf("parallel-%s-%d", testutil.GenerateRandomString(8), i))
			if err := db.Put(key, []byte("value")); err != nil {
				b.Errorf("Put failed: %v", err)
				return
			}
			i++
		}
	})
}

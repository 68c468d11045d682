package testutil

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"embedded-kvstore/internal/config"
	"embedded-kvstore/internal/logging"
	"embedded-kvstore/pkg/kvdb"
)

// TestDB opens a database in a fresh temporary directory and closes it when
// the test ends.
func TestDB(t *testing.T) *kvdb.DB {
	t.Helper()
	return TestDBAt(t, filepath.Join(t.TempDir(), "db"), nil)
}

// TestDBAt opens a database at path. A nil opts uses kvdb.DefaultOptions.
func TestDBAt(t *testing.T, path string, opts *kvdb.Options) *kvdb.DB {
	t.Helper()

	db, err := kvdb.Open(path, opts)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// TestConfig creates a test configuration rooted in a temporary directory
func TestConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DataPath = filepath.Join(dir, "data")
	cfg.Backup.Path = filepath.Join(dir, "backups")
	cfg.Logging = logging.TestLoggingConfig()
	return cfg
}

// TestLogger creates a test logger with minimal configuration
func TestLogger() *logging.Logger {
	testLogConfig := logging.TestLoggingConfig()
	return logging.NewLogger(&testLogConfig)
}

// GenerateRandomString generates a random string of given length
func GenerateRandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, length)
	for i := range result {
		result[i] = charset[rand.Intn(len(charset))]
	}
	return string(result)
}

// GenerateRandomKey generates a random key for testing
func GenerateRandomKey() string {
	return fmt.Sprintf("test-key-%s", GenerateRandomString(8))
}

// GenerateRandomValue generates a random value for testing
func GenerateRandomValue() string {
	return fmt.Sprintf("test-value-%s", GenerateRandomString(16))
}

// PopulateTestData writes count entries and returns them
func PopulateTestData(t *testing.T, db *kvdb.DB, count int, opts ...kvdb.Option) map[string]string {
	t.Helper()
	return PopulateTestDataWithPrefix(t, db, "test", count, opts...)
}

// PopulateTestDataWithPrefix writes count entries whose keys start with prefix
func PopulateTestDataWithPrefix(t *testing.T, db *kvdb.DB, prefix string, count int, opts ...kvdb.Option) map[string]string {
	t.Helper()

	data := make(map[string]string)
	for i := 0; i < count; i++ {
		key := fmt.Sprintf("%s-key-%03d", prefix, i)
		value := fmt.Sprintf("%s-value-%d", prefix, i)

		if err := db.Put([]byte(key), []byte(value), opts...); err != nil {
			t.Fatalf("Failed to put test data: %v", err)
		}

		data[key] = value
	}

	return data
}

// AssertKeyExists verifies that a key exists
func AssertKeyExists(t *testing.T, db *kvdb.DB, key string, opts ...kvdb.Option) {
	t.Helper()

	_, found, err := db.Get([]byte(key), opts...)
	if err != nil {
		t.Fatalf("Failed to get key %s: %v", key, err)
	}

	if !found {
		t.Errorf("Expected key %s to exist, but it doesn't", key)
	}
}

// AssertKeyNotExists verifies that a key does not exist
func AssertKeyNotExists(t *testing.T, db *kvdb.DB, key string, opts ...kvdb.Option) {
	t.Helper()

	_, found, err := db.Get([]byte(key), opts...)
	if err != nil {
		t.Fatalf("Failed to get key %s: %v", key, err)
	}

	if found {
		t.Errorf("Expected key %s to not exist, but it does", key)
	}
}

// AssertKeyValue verifies that a key has the expected value
func AssertKeyValue(t *testing.T, db *kvdb.DB, key, expectedValue string, opts ...kvdb.Option) {
	t.Helper()

	value, found, err := db.Get([]byte(key), opts...)
	if err != nil {
		t.Fatalf("Failed to get key %s: %v", key, err)
	}

	if !found {
		t.Errorf("Expected key %s to have value %s, but it is absent", key, expectedValue)
		return
	}

	if string(value) != expectedValue {
		t.Errorf("Expected key %s to have value %s, got %s", key, expectedValue, string(value))
	}
}

// AssertCode verifies that err is a kvdb error of the given code
func AssertCode(t *testing.T, err error, code kvdb.Code) {
	t.Helper()

	if err == nil {
		t.Errorf("Expected %s error, got nil", code)
		return
	}

	var kerr *kvdb.Error
	if !errors.As(err, &kerr) {
		t.Errorf("Expected *kvdb.Error with code %s, got %T: %v", code, err, err)
		return
	}

	if kerr.Code != code {
		t.Errorf("Expected code %s, got %s (%v)", code, kerr.Code, err)
	}
}

// AssertContains verifies that a string contains a substring
func AssertContains(t *testing.T, str, substr string) {
	t.Helper()

	if !strings.Contains(str, substr) {
		t.Errorf("Expected string to contain %s, but it doesn't: %s", substr, str)
	}
}

// WithTimeout runs a test function with a timeout
func WithTimeout(t *testing.T, timeout time.Duration, fn func()) {
	t.Helper()

	done := make(chan bool, 1)

	go func() {
		fn()
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("Test timed out after %v", timeout)
	}
}

// ConcurrentTest runs testFunc from concurrency goroutines and fails on panic
func ConcurrentTest(t *testing.T, concurrency int, testFunc func(int)) {
	t.Helper()

	done := make(chan bool, concurrency)
	errors := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		go func(index int) {
			defer func() {
				if r := recover(); r != nil {
					errors <- fmt.Errorf("goroutine %d panicked: %v", index, r)
				}
				done <- true
			}()

			testFunc(index)
		}(i)
	}

	for i := 0; i < concurrency; i++ {
		<-done
	}

	select {
	case err := <-errors:
		t.Fatalf("Concurrent test failed: %v", err)
	default:
	}
}

// TestDataGenerator generates deterministic test data
type TestDataGenerator struct {
	rand *rand.Rand
}

// NewTestDataGenerator creates a new test data generator
func NewTestDataGenerator(seed int64) *TestDataGenerator {
	return &TestDataGenerator{
		rand: rand.New(rand.NewSource(seed)),
	}
}

// GenerateKeyValuePairs generates n key-value pairs
func (tdg *TestDataGenerator) GenerateKeyValuePairs(n int) map[string]string {
	data := make(map[string]string)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%d-%s", i, tdg.randomString(8))
		value := fmt.Sprintf("value-%d-%s", i, tdg.randomString(16))
		data[key] = value
	}
	return data
}

func (tdg *TestDataGenerator) randomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	result := make([]byte, length)
	for i := range result {
		result[i] = charset[tdg.rand.Intn(len(charset))]
	}
	return string(result)
}

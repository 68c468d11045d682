package kvdb

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/zeebo/xxh3"
	bolt "go.etcd.io/bbolt"

	"embedded-kvstore/internal/compression"
)

const (
	catalogFile = "CATALOG"
	// DefaultChunkSize is the uncompressed size of one backup chunk file.
	DefaultChunkSize = 4 << 20
	// loadConcurrency is the number of pending writes the engine may keep in
	// flight while a restore streams entries in.
	loadConcurrency = 256
)

var backupsBucket = []byte("backups")

// BackupOptions configures a BackupEngine.
type BackupOptions struct {
	// Compression names the chunk codec: none, snappy, lz4 or zstd. Empty
	// selects zstd.
	Compression string
	// ChunkSize is the uncompressed size of a chunk. Zero selects
	// DefaultChunkSize.
	ChunkSize int
}

// BackupInfo describes one retained backup.
type BackupInfo struct {
	ID            uint64    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Size          int64     `json:"size"`
	NumFiles      int       `json:"num_files"`
	Compression   string    `json:"compression"`
	EngineVersion uint64    `json:"engine_version"`
}

type chunkMeta struct {
	File     string `json:"file"`
	Size     int64  `json:"size"`
	RawSize  int64  `json:"raw_size"`
	Checksum uint64 `json:"xxh3"`
}

type backupMeta struct {
	BackupInfo
	Chunks []chunkMeta `json:"chunks"`
}

// BackupEngine writes full backups of a database into a directory and
// restores them. Backup ids come from the catalog's sequence and are never
// handed out twice, even after PurgeOld removed the entry.
//
// Restore is destructive: it wipes the target directory. It refuses with
// LockHeld when the directory is held by an open database, but callers must
// still not point it at a directory another tool is using.
type BackupEngine struct {
	db    *DB
	codec compression.Type
	chunk int
	log   *slog.Logger

	mu      sync.Mutex
	path    string
	catalog *bolt.DB
	closed  bool
}

// NewBackupEngine creates an unbound engine for db. Init must be called
// before any other method.
func NewBackupEngine(db *DB, opts BackupOptions) (*BackupEngine, error) {
	const op = "new backup engine"
	if db == nil {
		return nil, newError(InvalidArgument, op, "database is nil")
	}
	codec, err := compression.Parse(opts.Compression)
	if err != nil {
		return nil, &Error{Code: InvalidArgument, Op: op, Err: err}
	}
	if opts.ChunkSize < 0 {
		return nil, newError(InvalidArgument, op, "negative chunk size %d", opts.ChunkSize)
	}
	chunk := opts.ChunkSize
	if chunk == 0 {
		chunk = DefaultChunkSize
	}
	return &BackupEngine{db: db, codec: codec, chunk: chunk, log: db.log}, nil
}

// Init binds the engine to path, creating the directory and catalog. Binding
// again to the same path is a no-op; a different path is InvalidState.
func (e *BackupEngine) Init(path string) error {
	const op = "backup init"
	if path == "" {
		return newError(InvalidArgument, op, "backup path is empty")
	}
	abs, err := canonicalPath(path)
	if err != nil {
		return wrapEngineError(op, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return newError(InvalidState, op, "backup engine is closed")
	}
	if e.path != "" {
		if e.path == abs {
			return nil
		}
		return newError(InvalidState, op, "already bound to %s", e.path)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return wrapEngineError(op, err)
	}
	catalog, err := bolt.Open(filepath.Join(abs, catalogFile), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return &Error{Code: LockHeld, Op: op, Message: "backup catalog is in use", Err: err}
		}
		return wrapEngineError(op, err)
	}
	err = catalog.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(backupsBucket)
		return err
	})
	if err != nil {
		catalog.Close()
		return wrapEngineError(op, err)
	}

	e.path = abs
	e.catalog = catalog
	return nil
}

// Path returns the bound backup directory, or "" before Init.
func (e *BackupEngine) Path() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.path
}

// Create writes a full backup of the database and returns its entry.
func (e *BackupEngine) Create() (BackupInfo, error) {
	const op = "backup create"
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready(op); err != nil {
		return BackupInfo{}, err
	}
	if err := e.db.acquire(op); err != nil {
		return BackupInfo{}, err
	}
	defer e.db.release()

	var id uint64
	err := e.catalog.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = tx.Bucket(backupsBucket).NextSequence()
		return err
	})
	if err != nil {
		return BackupInfo{}, wrapEngineError(op, err)
	}

	dir := e.backupDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return BackupInfo{}, wrapEngineError(op, err)
	}

	start := time.Now()
	w := &chunkWriter{dir: dir, codec: e.codec, limit: e.chunk}
	version, err := e.db.engine.Backup(w, 0)
	if err == nil {
		err = w.Close()
	}
	if err != nil {
		os.RemoveAll(dir)
		e.log.Error("backup failed", "path", e.path, "id", id, "error", err)
		return BackupInfo{}, wrapEngineError(op, err)
	}

	meta := backupMeta{
		BackupInfo: BackupInfo{
			ID:            id,
			Timestamp:     start.UTC(),
			NumFiles:      len(w.chunks),
			Compression:   e.codec.String(),
			EngineVersion: version,
		},
		Chunks: w.chunks,
	}
	for _, c := range w.chunks {
		meta.Size += c.Size
	}

	err = e.catalog.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(backupsBucket).Put(backupKey(id), raw)
	})
	if err != nil {
		os.RemoveAll(dir)
		return BackupInfo{}, wrapEngineError(op, err)
	}

	e.db.stats.backups.Inc()
	e.log.Info("backup created",
		"path", e.path,
		"id", id,
		"files", meta.NumFiles,
		"bytes", meta.Size,
		"compression", meta.Compression,
		"duration", time.Since(start))
	return meta.BackupInfo, nil
}

// Info returns every retained backup ordered by id.
func (e *BackupEngine) Info() ([]BackupInfo, error) {
	const op = "backup info"
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready(op); err != nil {
		return nil, err
	}
	metas, err := e.list()
	if err != nil {
		return nil, wrapEngineError(op, err)
	}
	out := make([]BackupInfo, len(metas))
	for i, m := range metas {
		out[i] = m.BackupInfo
	}
	return out, nil
}

// PurgeOld keeps the n newest backups and deletes the rest.
func (e *BackupEngine) PurgeOld(n int) error {
	const op = "backup purge"
	if n < 0 {
		return newError(InvalidArgument, op, "negative retain count %d", n)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready(op); err != nil {
		return err
	}
	metas, err := e.list()
	if err != nil {
		return wrapEngineError(op, err)
	}
	if n >= len(metas) {
		return nil
	}

	victims := metas[:len(metas)-n]
	for _, m := range victims {
		err := e.catalog.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(backupsBucket).Delete(backupKey(m.ID))
		})
		if err != nil {
			return wrapEngineError(op, err)
		}
		if err := os.RemoveAll(e.backupDir(m.ID)); err != nil {
			return wrapEngineError(op, err)
		}
	}
	e.log.Info("backups purged", "path", e.path, "removed", len(victims), "kept", n)
	return nil
}

// Verify checks every chunk of backup id against its recorded size and
// checksum.
func (e *BackupEngine) Verify(id uint64) error {
	const op = "backup verify"
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready(op); err != nil {
		return err
	}
	meta, err := e.lookup(op, id)
	if err != nil {
		return err
	}
	r := &chunkReader{dir: e.backupDir(id), codec: codecOf(meta), chunks: meta.Chunks}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return wrapEngineError(op, err)
	}
	return nil
}

// Restore replaces the contents of restorePath with backup id. Every chunk is
// verified before restorePath is touched. A restorePath overlapping the backup
// directory is InvalidArgument; one overlapping a database open in this
// process, or locked by another, is LockHeld.
func (e *BackupEngine) Restore(id uint64, restorePath string) error {
	const op = "backup restore"
	if restorePath == "" {
		return newError(InvalidArgument, op, "restore path is empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready(op); err != nil {
		return err
	}
	target, err := canonicalPath(restorePath)
	if err != nil {
		return wrapEngineError(op, err)
	}
	if pathsOverlap(target, e.path) {
		return newError(InvalidArgument, op, "%s overlaps the backup directory %s", restorePath, e.path)
	}
	meta, err := e.lookup(op, id)
	if err != nil {
		return err
	}
	codec := codecOf(meta)
	dir := e.backupDir(id)

	if _, err := io.Copy(io.Discard, &chunkReader{dir: dir, codec: codec, chunks: meta.Chunks}); err != nil {
		return wrapEngineError(op, err)
	}

	if open, ok := openDatabaseOverlapping(target); ok {
		return newError(LockHeld, op, "%s overlaps the open database %s", restorePath, open)
	}
	locked, err := IsLocked(restorePath)
	if err != nil {
		return err
	}
	if locked {
		return newError(LockHeld, op, "%s is held by an open database", restorePath)
	}

	start := time.Now()
	if err := os.RemoveAll(restorePath); err != nil {
		return wrapEngineError(op, err)
	}
	if err := os.MkdirAll(restorePath, 0o755); err != nil {
		return wrapEngineError(op, err)
	}

	engine, err := badger.Open(badger.DefaultOptions(restorePath).WithLogger(badgerLogger{log: e.log}))
	if err != nil {
		return wrapEngineError(op, err)
	}
	loadErr := engine.Load(&chunkReader{dir: dir, codec: codec, chunks: meta.Chunks}, loadConcurrency)
	closeErr := engine.Close()
	if loadErr != nil {
		e.log.Error("restore failed", "backup", e.path, "id", id, "target", restorePath, "error", loadErr)
		return wrapEngineError(op, loadErr)
	}
	if closeErr != nil {
		return wrapEngineError(op, closeErr)
	}

	e.log.Info("backup restored", "backup", e.path, "id", id, "target", restorePath, "duration", time.Since(start))
	return nil
}

// Close releases the catalog. Closing twice is a no-op.
func (e *BackupEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	if e.catalog == nil {
		return nil
	}
	err := e.catalog.Close()
	e.catalog = nil
	return wrapEngineError("backup close", err)
}

// ready runs with e.mu held.
func (e *BackupEngine) ready(op string) error {
	if e.closed {
		return newError(InvalidState, op, "backup engine is closed")
	}
	if e.catalog == nil {
		return newError(InvalidState, op, "backup engine is not initialized")
	}
	return nil
}

func (e *BackupEngine) backupDir(id uint64) string {
	return filepath.Join(e.path, fmt.Sprintf("%06d", id))
}

func (e *BackupEngine) list() ([]backupMeta, error) {
	var metas []backupMeta
	err := e.catalog.View(func(tx *bolt.Tx) error {
		return tx.Bucket(backupsBucket).ForEach(func(_, raw []byte) error {
			var m backupMeta
			if err := json.Unmarshal(raw, &m); err != nil {
				return &Error{Code: Corruption, Message: "malformed backup catalog entry", Err: err}
			}
			metas = append(metas, m)
			return nil
		})
	})
	return metas, err
}

func (e *BackupEngine) lookup(op string, id uint64) (backupMeta, error) {
	var (
		meta  backupMeta
		found bool
	)
	err := e.catalog.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(backupsBucket).Get(backupKey(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &meta)
	})
	if err != nil {
		return backupMeta{}, &Error{Code: Corruption, Op: op, Message: "malformed backup catalog entry", Err: err}
	}
	if !found {
		return backupMeta{}, newError(NotFound, op, "backup %d", id)
	}
	return meta, nil
}

// codecOf resolves the codec recorded for a backup. An unknown name is read as
// uncompressed, which then fails the size check.
func codecOf(m backupMeta) compression.Type {
	codec, err := compression.Parse(m.Compression)
	if err != nil {
		return compression.None
	}
	return codec
}

// Catalog keys are big endian so the bucket iterates in id order.
func backupKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

// chunkWriter splits the engine's backup stream into compressed chunk files.
type chunkWriter struct {
	dir    string
	codec  compression.Type
	limit  int
	buf    []byte
	chunks []chunkMeta
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		room := w.limit - len(w.buf)
		if room > len(p) {
			room = len(p)
		}
		w.buf = append(w.buf, p[:room]...)
		p = p[room:]
		if len(w.buf) >= w.limit {
			if err := w.flush(); err != nil {
				return 0, err
			}
		}
	}
	return n, nil
}

// Close flushes the final partial chunk.
func (w *chunkWriter) Close() error {
	if len(w.buf) == 0 {
		return nil
	}
	return w.flush()
}

func (w *chunkWriter) flush() error {
	data, err := compression.Compress(w.codec, w.buf)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("chunk-%06d", len(w.chunks)+1)
	if err := os.WriteFile(filepath.Join(w.dir, name), data, 0o644); err != nil {
		return err
	}
	w.chunks = append(w.chunks, chunkMeta{
		File:     name,
		Size:     int64(len(data)),
		RawSize:  int64(len(w.buf)),
		Checksum: xxh3.Hash(data),
	})
	w.buf = w.buf[:0]
	return nil
}

// chunkReader streams the decompressed backup, verifying each chunk as it is
// loaded.
type chunkReader struct {
	dir    string
	codec  compression.Type
	chunks []chunkMeta
	next   int
	cur    bytes.Reader
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for r.cur.Len() == 0 {
		if r.next == len(r.chunks) {
			return 0, io.EOF
		}
		data, err := r.load(r.chunks[r.next])
		if err != nil {
			return 0, err
		}
		r.next++
		r.cur.Reset(data)
	}
	return r.cur.Read(p)
}

func (r *chunkReader) load(c chunkMeta) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(r.dir, c.File))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &Error{Code: Corruption, Message: fmt.Sprintf("backup chunk %s is missing", c.File), Err: err}
	}
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) != c.Size || xxh3.Hash(raw) != c.Checksum {
		return nil, &Error{Code: Corruption, Message: fmt.Sprintf("checksum mismatch in backup chunk %s", c.File)}
	}
	data, err := compression.Decompress(r.codec, raw)
	if err != nil {
		return nil, &Error{Code: Corruption, Message: fmt.Sprintf("backup chunk %s", c.File), Err: err}
	}
	if int64(len(data)) != c.RawSize {
		return nil, &Error{Code: Corruption, Message: fmt.Sprintf("backup chunk %s has %d bytes, want %d", c.File, len(data), c.RawSize)}
	}
	return data, nil
}

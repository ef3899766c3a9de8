// Package store adapts an ordered embedded key-value engine
// (github.com/syndtr/goleveldb) to the narrow contract the rest of the
// indexer needs: atomic write batches, consistent-snapshot prefix scans,
// point reads, and a manual full-compaction / auto-compaction toggle.
package store

import (
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/btcaddrindex/addrindexer/internal/schema"
)

// Row is a single key/value pair as stored in (or scanned from) the
// underlying engine.
type Row struct {
	Key   []byte
	Value []byte
}

// Mode selects the opening behavior of a Store.
type Mode int

const (
	// ModeBulk disables seek-triggered compactions, disables the block
	// cache and raises the write-buffer size to favor sequential write
	// throughput during the initial import. Size-triggered background
	// compactions are not disabled: goleveldb offers no switch for them.
	ModeBulk Mode = iota
	// ModeServe enables auto-compaction and normal read caches for
	// point-query and range-scan latency.
	ModeServe
)

// retryAttempts and retryBaseDelay bound the backoff applied to transient
// I/O errors before they are surfaced.
const (
	retryAttempts  = 5
	retryBaseDelay = 50 * time.Millisecond
)

// Store is a thin, ordered byte-keyed/byte-valued persistent map.
type Store struct {
	db   *leveldb.DB
	mode Mode
	path string
}

// Open opens (creating if absent) the store rooted at path in the given
// mode. Corruption errors are fatal: the operator must restore or wipe
// db_dir.
func Open(path string, mode Mode) (*Store, error) {
	options := &opt.Options{}
	switch mode {
	case ModeBulk:
		options.DisableSeeksCompaction = true
		options.CompactionTableSizeMultiplier = 4
		options.WriteBuffer = 64 << 20 // 64MiB, favor throughput over memory.
		options.DisableBlockCache = true
	case ModeServe:
		options.WriteBuffer = 4 << 20
	default:
		return nil, fmt.Errorf("store: unknown mode %d", mode)
	}

	db, err := leveldb.OpenFile(path, options)
	if err != nil {
		if errors.IsCorrupted(err) {
			return nil, fmt.Errorf("store: corrupted database at %s: %w (restore or remove db_dir)", path, err)
		}
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	return &Store{db: db, mode: mode, path: path}, nil
}

// Mode reports which mode the store was opened in.
func (s *Store) Mode() Mode {
	return s.mode
}

// Close cleanly shuts the store down.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get performs a point read. A missing key returns (nil, false, nil).
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	value, err := withRetry(func() ([]byte, error) {
		return s.db.Get(key, nil)
	})
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get: %w", err)
	}
	return value, true, nil
}

// Scan returns every row whose key has the given prefix, in key order,
// observed against a single consistent snapshot.
func (s *Store) Scan(prefix []byte) ([]Row, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("store: snapshot: %w", err)
	}
	defer snap.Release()

	var rows []Row
	iter := snap.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		rows = append(rows, Row{
			Key:   append([]byte(nil), iter.Key()...),
			Value: append([]byte(nil), iter.Value()...),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store: scan %x: %w", prefix, err)
	}
	return rows, nil
}

// Batch is a set of puts applied atomically by Store.Write. A Batch is not
// safe for concurrent use.
type Batch struct {
	inner leveldb.Batch
}

// NewBatch returns an empty Batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put stages a key/value pair for the next Write.
func (b *Batch) Put(key, value []byte) {
	b.inner.Put(key, value)
}

// Len reports how many puts are staged.
func (b *Batch) Len() int {
	return b.inner.Len()
}

// Replay invokes fn for every staged put, in insertion order.
func (b *Batch) Replay(fn func(key, value []byte)) error {
	return b.inner.Replay(replayFunc(fn))
}

type replayFunc func(key, value []byte)

func (r replayFunc) Put(key, value []byte) { r(key, value) }
func (r replayFunc) Delete(key []byte)     {}

// Write commits a batch atomically. All rows produced by indexing one
// block (including its BlockRow) must travel in a single batch: the
// BlockRow's presence is the durable "this block is indexed" signal, so a
// half-applied batch must never be observable.
func (s *Store) Write(batch *Batch) error {
	_, err := withRetry(func() (struct{}, error) {
		return struct{}{}, s.db.Write(&batch.inner, &opt.WriteOptions{Sync: true})
	})
	if err != nil {
		return fmt.Errorf("store: write batch: %w", err)
	}
	return nil
}

// CompactFull runs a manual full compaction across the entire keyspace.
// Called exactly once, at the bulk-to-serve transition.
func (s *Store) CompactFull() error {
	if err := s.db.CompactRange(util.Range{Start: nil, Limit: nil}); err != nil {
		return fmt.Errorf("store: compact: %w", err)
	}
	return nil
}

// IsFullyCompacted reports whether the FullCompaction marker is present.
func (s *Store) IsFullyCompacted() (bool, error) {
	_, ok, err := s.Get(schema.FullCompactionKey())
	return ok, err
}

// PersistFullCompactionMarker writes the FullCompaction marker. Must be
// called only after CompactFull has succeeded.
func (s *Store) PersistFullCompactionMarker(marker schema.FullCompactionMarker) error {
	return s.Write(putBatch(schema.FullCompactionKey(), marker.Encode()))
}

func putBatch(key, value []byte) *Batch {
	b := NewBatch()
	b.Put(key, value)
	return b
}

// withRetry retries transient I/O errors with bounded exponential
// backoff. goleveldb surfaces most transient conditions (e.g.
// too many open files, momentary disk pressure) as plain *os.PathError or
// syscall errors rather than a distinguished type, so anything that is not
// ErrNotFound and not a corruption error is treated as transient here and
// retried; callers above this layer only ever see the final error.
func withRetry[T any](fn func() (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	delay := retryBaseDelay
	for attempt := 0; attempt < retryAttempts; attempt++ {
		result, err = fn()
		if err == nil || err == leveldb.ErrNotFound || errors.IsCorrupted(err) {
			return result, err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return result, err
}

// Package leveldb implements db.Database on top of goleveldb.
package leveldb

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vocdoni/anonvote/db"
	"github.com/vocdoni/anonvote/db/internal/overlay"
)

// LevelDB wraps a *leveldb.DB.
type LevelDB struct {
	db     *leveldb.DB
	closed atomic.Bool
}

var _ db.Database = (*LevelDB)(nil)

// New opens (or creates) a leveldb database in opts.Path.
func New(opts db.Options) (*LevelDB, error) {
	if err := os.MkdirAll(opts.Path, os.ModePerm); err != nil {
		return nil, err
	}
	ldb, err := leveldb.OpenFile(opts.Path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", opts.Path, err)
	}
	return &LevelDB{db: ldb}, nil
}

// Close closes the database. Closing twice is not an error.
func (d *LevelDB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.db.Close()
}

// Compact compacts the full key range.
func (d *LevelDB) Compact() error {
	return d.db.CompactRange(util.Range{})
}

// Get implements db.Reader.
func (d *LevelDB) Get(key []byte) ([]byte, error) {
	v, err := d.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, db.ErrKeyNotFound
	}
	return v, err
}

// Iterate implements db.Reader.
func (d *LevelDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	iter := d.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if !callback(iter.Key()[len(prefix):], iter.Value()) {
			break
		}
	}
	return iter.Error()
}

// WriteTx returns a transaction that buffers its writes and flushes them as a
// single synced leveldb batch on Commit. Like pebble, leveldb does not detect
// write conflicts between transactions.
func (d *LevelDB) WriteTx() db.WriteTx {
	return &WriteTx{db: d, writes: overlay.New()}
}

// WriteTx implements db.WriteTx for LevelDB.
type WriteTx struct {
	db     *LevelDB
	writes *overlay.Writes
	done   bool
}

var _ db.WriteTx = (*WriteTx)(nil)

// Get implements db.Reader.
func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	if v, found, err := tx.writes.Get(key); found {
		return v, err
	}
	return tx.db.Get(key)
}

// Iterate implements db.Reader.
func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return tx.writes.Iterate(tx.db, prefix, callback)
}

// Set implements db.WriteTx.
func (tx *WriteTx) Set(key, value []byte) error {
	tx.writes.Set(key, value)
	return nil
}

// Delete implements db.WriteTx.
func (tx *WriteTx) Delete(key []byte) error {
	tx.writes.Delete(key)
	return nil
}

// Apply implements db.WriteTx.
func (tx *WriteTx) Apply(other db.WriteTx) error {
	o, ok := db.UnwrapWriteTxFully(other).(*WriteTx)
	if !ok {
		return fmt.Errorf("leveldb: cannot apply %T", other)
	}
	tx.writes.Merge(o.writes)
	return nil
}

// Commit writes the pending changes with fsync.
func (tx *WriteTx) Commit() error {
	if tx.done {
		return fmt.Errorf("leveldb: transaction already finished")
	}
	batch := new(leveldb.Batch)
	_ = tx.writes.Each(func(k, v []byte) error {
		if v == nil {
			batch.Delete(k)
		} else {
			batch.Put(k, v)
		}
		return nil
	})
	if err := tx.db.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return err
	}
	tx.done = true
	return nil
}

// Discard drops the pending writes.
func (tx *WriteTx) Discard() {
	tx.writes.Reset()
	tx.done = true
}

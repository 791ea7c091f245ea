// Package inmemory implements an ephemeral db.Database with optimistic
// concurrency control, used by tests and by single-process deployments that
// do not need durability.
package inmemory

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/vocdoni/anonvote/db"
)

type entry struct {
	value   []byte
	version uint64
	deleted bool
}

// InMemoryDB keeps every key in a map guarded by a RWMutex. Each write bumps
// a global version that transactions use to detect conflicts.
type InMemoryDB struct {
	mu      sync.RWMutex
	data    map[string]entry
	version uint64
	closed  bool
}

var _ db.Database = (*InMemoryDB)(nil)

// New returns an empty database. Options are ignored.
func New(_ db.Options) (*InMemoryDB, error) {
	return &InMemoryDB{data: make(map[string]entry)}, nil
}

// Close marks the database as closed. Data is kept so open readers do not
// observe a half-torn state.
func (d *InMemoryDB) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Compact is a no-op.
func (*InMemoryDB) Compact() error {
	return nil
}

// WriteTx opens a transaction that records the versions of the keys it reads
// and writes, and fails on Commit if any of them changed meanwhile.
func (d *InMemoryDB) WriteTx() db.WriteTx {
	return &WriteTx{
		db:     d,
		writes: make(map[string]*[]byte),
		reads:  make(map[string]uint64),
	}
}

// Get implements db.Reader.
func (d *InMemoryDB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ent, ok := d.data[string(key)]
	if !ok || ent.deleted {
		return nil, db.ErrKeyNotFound
	}
	return bytes.Clone(ent.value), nil
}

// Iterate implements db.Reader.
func (d *InMemoryDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	entries, _ := d.snapshot(prefix)
	return iterateEntries(prefix, entries, callback)
}

// snapshot copies the live entries under prefix along with their versions.
func (d *InMemoryDB) snapshot(prefix []byte) (map[string][]byte, map[string]uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entries := make(map[string][]byte)
	versions := make(map[string]uint64)
	for k, ent := range d.data {
		if ent.deleted || !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		entries[k] = bytes.Clone(ent.value)
		versions[k] = ent.version
	}
	return entries, versions
}

func (d *InMemoryDB) versionOf(key string) uint64 {
	return d.data[key].version
}

func (d *InMemoryDB) apply(key string, value *[]byte) {
	d.version++
	ent := entry{version: d.version}
	if value == nil {
		ent.deleted = true
	} else {
		ent.value = bytes.Clone(*value)
	}
	d.data[key] = ent
}

// WriteTx is the transaction type of InMemoryDB. A nil pointer in writes
// marks a deletion.
type WriteTx struct {
	db     *InMemoryDB
	writes map[string]*[]byte
	reads  map[string]uint64
	done   bool
}

var _ db.WriteTx = (*WriteTx)(nil)

// track remembers the version of key the first time the tx touches it.
func (tx *WriteTx) track(key string) {
	if _, ok := tx.reads[key]; ok {
		return
	}
	tx.db.mu.RLock()
	tx.reads[key] = tx.db.versionOf(key)
	tx.db.mu.RUnlock()
}

// Get implements db.Reader, returning pending writes first.
func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	k := string(key)
	if pending, ok := tx.writes[k]; ok {
		if pending == nil {
			return nil, db.ErrKeyNotFound
		}
		return bytes.Clone(*pending), nil
	}
	tx.track(k)
	return tx.db.Get(key)
}

// Iterate implements db.Reader over the committed data merged with the
// pending writes of the transaction.
func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	entries, versions := tx.db.snapshot(prefix)
	for k, v := range versions {
		if _, ok := tx.reads[k]; !ok {
			tx.reads[k] = v
		}
	}
	for k, v := range tx.writes {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if v == nil {
			delete(entries, k)
			continue
		}
		entries[k] = bytes.Clone(*v)
	}
	return iterateEntries(prefix, entries, callback)
}

// Set implements db.WriteTx.
func (tx *WriteTx) Set(key, value []byte) error {
	k := string(key)
	tx.track(k)
	v := bytes.Clone(value)
	tx.writes[k] = &v
	return nil
}

// Delete implements db.WriteTx.
func (tx *WriteTx) Delete(key []byte) error {
	k := string(key)
	tx.track(k)
	tx.writes[k] = nil
	return nil
}

// Apply copies the pending writes of other, which must be an inmemory tx.
func (tx *WriteTx) Apply(other db.WriteTx) error {
	o, ok := db.UnwrapWriteTxFully(other).(*WriteTx)
	if !ok {
		return fmt.Errorf("inmemory: cannot apply %T", other)
	}
	for k, v := range o.writes {
		tx.track(k)
		if v == nil {
			tx.writes[k] = nil
			continue
		}
		c := bytes.Clone(*v)
		tx.writes[k] = &c
	}
	return nil
}

// Commit validates every tracked version and applies the writes atomically.
func (tx *WriteTx) Commit() error {
	if tx.done {
		return fmt.Errorf("inmemory: transaction already finished")
	}
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if tx.db.closed {
		return fmt.Errorf("inmemory: database closed")
	}
	for k, v := range tx.reads {
		if tx.db.versionOf(k) != v {
			return db.ErrConflict
		}
	}
	for k, v := range tx.writes {
		tx.db.apply(k, v)
	}
	tx.done = true
	return nil
}

// Discard drops the pending writes.
func (tx *WriteTx) Discard() {
	tx.writes = map[string]*[]byte{}
	tx.reads = map[string]uint64{}
	tx.done = true
}

func iterateEntries(prefix []byte, entries map[string][]byte, callback func(key, value []byte) bool) error {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if !callback([]byte(k)[len(prefix):], entries[k]) {
			break
		}
	}
	return nil
}

// Package prefixeddb scopes a db.Database, db.Reader or db.WriteTx to a key
// prefix, so independent namespaces can share one physical database.
package prefixeddb

import (
	"github.com/vocdoni/anonvote/db"
)

func prefixSlice(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}

// PrefixedReader reads keys under a prefix.
type PrefixedReader struct {
	reader db.Reader
	prefix []byte
}

var _ db.Reader = (*PrefixedReader)(nil)

// NewPrefixedReader returns a reader scoped to prefix.
func NewPrefixedReader(r db.Reader, prefix []byte) *PrefixedReader {
	return &PrefixedReader{reader: r, prefix: prefix}
}

// Get implements db.Reader.
func (r *PrefixedReader) Get(key []byte) ([]byte, error) {
	return r.reader.Get(prefixSlice(r.prefix, key))
}

// Iterate implements db.Reader.
func (r *PrefixedReader) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return r.reader.Iterate(prefixSlice(r.prefix, prefix), callback)
}

// PrefixedDatabase is a db.Database whose keys live under a prefix.
type PrefixedDatabase struct {
	db     db.Database
	prefix []byte
}

var _ db.Database = (*PrefixedDatabase)(nil)

// NewPrefixedDatabase returns a database scoped to prefix.
func NewPrefixedDatabase(database db.Database, prefix []byte) *PrefixedDatabase {
	return &PrefixedDatabase{db: database, prefix: prefix}
}

// Close closes the underlying database.
func (d *PrefixedDatabase) Close() error {
	return d.db.Close()
}

// Compact compacts the underlying database.
func (d *PrefixedDatabase) Compact() error {
	return d.db.Compact()
}

// Get implements db.Reader.
func (d *PrefixedDatabase) Get(key []byte) ([]byte, error) {
	return d.db.Get(prefixSlice(d.prefix, key))
}

// Iterate implements db.Reader.
func (d *PrefixedDatabase) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return d.db.Iterate(prefixSlice(d.prefix, prefix), callback)
}

// WriteTx opens a write transaction scoped to the prefix.
func (d *PrefixedDatabase) WriteTx() db.WriteTx {
	return NewPrefixedWriteTx(d.db.WriteTx(), d.prefix)
}

// PrefixedWriteTx is a db.WriteTx whose keys live under a prefix.
type PrefixedWriteTx struct {
	tx     db.WriteTx
	prefix []byte
}

var (
	_ db.WriteTx       = (*PrefixedWriteTx)(nil)
	_ db.UnwrapWriteTx = (*PrefixedWriteTx)(nil)
)

// NewPrefixedWriteTx scopes tx to prefix. Several prefixed transactions may
// wrap the same tx to write atomically into different namespaces.
func NewPrefixedWriteTx(tx db.WriteTx, prefix []byte) *PrefixedWriteTx {
	return &PrefixedWriteTx{tx: tx, prefix: prefix}
}

// Unwrap returns the wrapped transaction.
func (t *PrefixedWriteTx) Unwrap() db.WriteTx {
	return t.tx
}

// Get implements db.Reader.
func (t *PrefixedWriteTx) Get(key []byte) ([]byte, error) {
	return t.tx.Get(prefixSlice(t.prefix, key))
}

// Iterate implements db.Reader.
func (t *PrefixedWriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return t.tx.Iterate(prefixSlice(t.prefix, prefix), callback)
}

// Set implements db.WriteTx.
func (t *PrefixedWriteTx) Set(key, value []byte) error {
	return t.tx.Set(prefixSlice(t.prefix, key), value)
}

// Delete implements db.WriteTx.
func (t *PrefixedWriteTx) Delete(key []byte) error {
	return t.tx.Delete(prefixSlice(t.prefix, key))
}

// Apply copies the pending writes of other into the wrapped transaction.
// Keys keep whatever prefix other was created with.
func (t *PrefixedWriteTx) Apply(other db.WriteTx) error {
	return t.tx.Apply(db.UnwrapWriteTxFully(other))
}

// Commit commits the wrapped transaction.
func (t *PrefixedWriteTx) Commit() error {
	return t.tx.Commit()
}

// Discard discards the wrapped transaction.
func (t *PrefixedWriteTx) Discard() {
	t.tx.Discard()
}

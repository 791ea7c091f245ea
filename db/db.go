// Package db defines the key-value database abstraction used by the storage
// layer, together with the backend type names accepted by metadb.
package db

import (
	"errors"
	"io"
)

const (
	TypePebble  = "pebble"
	TypeLevelDB = "leveldb"
	TypeMongo   = "mongodb"
	TypeSQLite  = "sqlite"
	TypePostgre = "postgres"
	TypeInMem   = "inmem"
)

var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrTxnTooBig is returned when a write transaction exceeds the limits
	// of the backend.
	ErrTxnTooBig = errors.New("txn too big")
	// ErrConflict is returned by Commit when a concurrent transaction
	// modified a key read or written by this one. Callers may retry.
	ErrConflict = errors.New("txn conflict")
)

// Options holds the options used to open a database. Path is a directory for
// embedded backends and the database name for networked ones, which connect
// to URL.
type Options struct {
	Path string
	URL  string
}

// Reader is the read-only side of a database or transaction.
type Reader interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// Iterate calls callback for every key with the given prefix in
	// ascending key order, stopping early when callback returns false. The
	// key passed to callback has the prefix removed. The slices are only
	// valid during the call.
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
}

// WriteTx is a read-write transaction. Writes are only visible to other
// readers after Commit. Either Commit or Discard must be called.
type WriteTx interface {
	Reader
	// Set adds or overwrites the value for key.
	Set(key, value []byte) error
	// Delete removes key.
	Delete(key []byte) error
	// Apply copies every key-value pair of other into this transaction.
	Apply(other WriteTx) error
	// Commit persists the transaction. Backends with conflict detection
	// return ErrConflict when a concurrent commit invalidated it.
	Commit() error
	// Discard releases the transaction resources. It is safe to call after
	// Commit.
	Discard()
}

// Database is a key-value store with transactional writes.
type Database interface {
	io.Closer
	Reader
	// WriteTx opens a new write transaction.
	WriteTx() WriteTx
	// Compact reclaims space if the backend supports it.
	Compact() error
}

// UnwrapWriteTx is implemented by wrappers over a WriteTx, such as the
// prefixed ones, so backends can reach the concrete transaction in Apply.
type UnwrapWriteTx interface {
	Unwrap() WriteTx
}

// UnwrapWriteTxFully peels every wrapper layer off tx.
func UnwrapWriteTxFully(tx WriteTx) WriteTx {
	for {
		u, ok := tx.(UnwrapWriteTx)
		if !ok {
			return tx
		}
		tx = u.Unwrap()
	}
}

// PrefixEnd returns the smallest key greater than every key starting with
// prefix, or nil when no such key exists (empty or all 0xff prefix).
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

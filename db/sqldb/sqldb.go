// Package sqldb implements db.Database as a single key-value table on a SQL
// engine: embedded SQLite (modernc.org/sqlite, no cgo) or PostgreSQL
// (github.com/lib/pq).
//
// Transactions are optimistic. Every key read through a WriteTx is
// remembered and checked again inside the SQL transaction that Commit opens,
// under the SQLite write lock or a PostgreSQL row lock, and keys read as
// absent are created with an insert that fails if another writer got there
// first. Any mismatch aborts the commit with db.ErrConflict, so several
// processes may share one database. Reads done through Iterate are not
// validated.
package sqldb

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/vocdoni/anonvote/db"
	"github.com/vocdoni/anonvote/db/internal/overlay"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const opTimeout = 30 * time.Second

// Dialect selects the SQL flavour.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// SQLDB stores keys and values in the kv table.
type SQLDB struct {
	sql     *sql.DB
	dialect Dialect
	closed  atomic.Bool
}

var _ db.Database = (*SQLDB)(nil)

// NewSQLite opens (or creates) opts.Path/anonvote.sqlite.
func NewSQLite(opts db.Options) (*SQLDB, error) {
	if err := os.MkdirAll(opts.Path, os.ModePerm); err != nil {
		return nil, err
	}
	dsn := "file:" + filepath.Join(opts.Path, "anonvote.sqlite") +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	return open(SQLite, dsn)
}

// NewPostgres connects to opts.URL.
func NewPostgres(opts db.Options) (*SQLDB, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("sqldb: no postgres url")
	}
	return open(Postgres, opts.URL)
}

func open(dialect Dialect, dsn string) (*SQLDB, error) {
	conn, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("sqldb: open %s: %w", dialect, err)
	}
	d := &SQLDB{sql: conn, dialect: dialect}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := conn.ExecContext(ctx, d.schema()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sqldb: create schema: %w", err)
	}
	return d, nil
}

func (d *SQLDB) schema() string {
	if d.dialect == Postgres {
		return `CREATE TABLE IF NOT EXISTS kv (k BYTEA PRIMARY KEY, v BYTEA)`
	}
	return `CREATE TABLE IF NOT EXISTS kv (k BLOB PRIMARY KEY, v BLOB) WITHOUT ROWID`
}

// lockClause locks the rows read while validating a transaction. SQLite
// needs none, transactions begin with the database write lock held.
func (d *SQLDB) lockClause() string {
	if d.dialect == Postgres {
		return ` FOR UPDATE`
	}
	return ""
}

// conflictErr maps lock contention and serialization failures of the engine
// to db.ErrConflict.
func (d *SQLDB) conflictErr(err error) error {
	if err == nil || errors.Is(err, db.ErrConflict) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %v", db.ErrConflict, err)
		}
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", db.ErrConflict, err)
		}
	}
	return err
}

// rebind rewrites ? placeholders to $n for postgres.
func (d *SQLDB) rebind(query string) string {
	if d.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Close closes the connection pool.
func (d *SQLDB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.sql.Close()
}

// Compact runs VACUUM.
func (d *SQLDB) Compact() error {
	_, err := d.sql.Exec("VACUUM")
	return err
}

// Get implements db.Reader.
func (d *SQLDB) Get(key []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	var v []byte
	err := d.sql.QueryRowContext(ctx, d.rebind(`SELECT v FROM kv WHERE k = ?`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

// Iterate implements db.Reader. Both engines compare blobs bytewise, so the
// ORDER BY matches the key order of the embedded backends.
func (d *SQLDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	query, args := `SELECT k, v FROM kv WHERE k >= ?`, []any{prefix}
	if end := db.PrefixEnd(prefix); end != nil {
		query += ` AND k < ?`
		args = append(args, end)
	}
	rows, err := d.sql.QueryContext(ctx, d.rebind(query+` ORDER BY k`), args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		if !callback(k[len(prefix):], v) {
			break
		}
	}
	return rows.Err()
}

// WriteTx returns a transaction that buffers writes and flushes them in one
// SQL transaction on Commit.
func (d *SQLDB) WriteTx() db.WriteTx {
	return &WriteTx{db: d, writes: overlay.New(), reads: overlay.NewReads()}
}

// WriteTx implements db.WriteTx for SQLDB.
type WriteTx struct {
	db     *SQLDB
	writes *overlay.Writes
	reads  *overlay.Reads
	done   bool
}

var _ db.WriteTx = (*WriteTx)(nil)

// Get implements db.Reader. Keys not written by the tx are added to its read
// set.
func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	if v, found, err := tx.writes.Get(key); found {
		return v, err
	}
	v, err := tx.db.Get(key)
	switch {
	case err == nil:
		tx.reads.Track(key, overlay.Read{Found: true, Value: v})
	case errors.Is(err, db.ErrKeyNotFound):
		tx.reads.Track(key, overlay.Read{})
	}
	return v, err
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
		return fmt.Errorf("sqldb: cannot apply %T", other)
	}
	tx.writes.Merge(o.writes)
	tx.reads.Merge(o.reads)
	return nil
}

// Commit validates the read set and writes every pending key in one SQL
// transaction. It returns db.ErrConflict when a key read by the tx changed
// before the commit.
func (tx *WriteTx) Commit() error {
	if tx.done {
		return fmt.Errorf("sqldb: transaction already finished")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	stx, err := tx.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return tx.db.conflictErr(err)
	}
	if err := tx.flush(ctx, stx); err != nil {
		_ = stx.Rollback()
		return tx.db.conflictErr(err)
	}
	if err := stx.Commit(); err != nil {
		return tx.db.conflictErr(err)
	}
	tx.done = true
	return nil
}

func (tx *WriteTx) flush(ctx context.Context, stx *sql.Tx) error {
	query := tx.db.rebind(`SELECT v FROM kv WHERE k = ?` + tx.db.lockClause())
	if err := tx.reads.Each(func(k []byte, read overlay.Read) error {
		var v []byte
		err := stx.QueryRowContext(ctx, query, k).Scan(&v)
		found := true
		if errors.Is(err, sql.ErrNoRows) {
			found = false
		} else if err != nil {
			return err
		}
		if found != read.Found || !bytes.Equal(v, read.Value) {
			return fmt.Errorf("%w: key %x changed since read", db.ErrConflict, k)
		}
		return nil
	}); err != nil {
		return err
	}

	insert := tx.db.rebind(`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT (k) DO NOTHING`)
	upsert := tx.db.rebind(`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v`)
	del := tx.db.rebind(`DELETE FROM kv WHERE k = ?`)
	return tx.writes.Each(func(k, v []byte) error {
		if v == nil {
			_, err := stx.ExecContext(ctx, del, k)
			return err
		}
		read, ok := tx.reads.Get(k)
		if !ok || read.Found {
			_, err := stx.ExecContext(ctx, upsert, k, v)
			return err
		}
		res, err := stx.ExecContext(ctx, insert, k, v)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: key %x created concurrently", db.ErrConflict, k)
		}
		return nil
	})
}

// Discard drops the pending writes and the read set.
func (tx *WriteTx) Discard() {
	tx.writes.Reset()
	tx.reads.Reset()
	tx.done = true
}

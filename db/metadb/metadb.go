// Package metadb opens a db.Database by backend type name.
package metadb

import (
	"fmt"
	"testing"

	"github.com/vocdoni/anonvote/db"
	"github.com/vocdoni/anonvote/db/inmemory"
	"github.com/vocdoni/anonvote/db/leveldb"
	"github.com/vocdoni/anonvote/db/mongodb"
	"github.com/vocdoni/anonvote/db/pebbledb"
	"github.com/vocdoni/anonvote/db/sqldb"
)

// New opens a database of type typ. dir is the data directory of embedded
// backends and the database name for mongodb.
func New(typ, dir string) (db.Database, error) {
	return NewWithURL(typ, dir, "")
}

// NewWithURL is New for networked backends that need a connection URL.
func NewWithURL(typ, dir, url string) (db.Database, error) {
	opts := db.Options{Path: dir, URL: url}
	var (
		database db.Database
		err      error
	)
	switch typ {
	case db.TypePebble:
		database, err = pebbledb.New(opts)
	case db.TypeLevelDB:
		database, err = leveldb.New(opts)
	case db.TypeMongo:
		database, err = mongodb.New(opts)
	case db.TypeSQLite:
		database, err = sqldb.NewSQLite(opts)
	case db.TypePostgre:
		database, err = sqldb.NewPostgres(opts)
	case db.TypeInMem:
		database, err = inmemory.New(opts)
	default:
		return nil, fmt.Errorf("invalid db type %q, available types: %q, %q, %q, %q, %q, %q", typ,
			db.TypePebble, db.TypeLevelDB, db.TypeMongo, db.TypeSQLite, db.TypePostgre, db.TypeInMem)
	}
	if err != nil {
		return nil, err
	}
	return database, nil
}

// NewTest returns an in-memory database for tests.
func NewTest(tb testing.TB) db.Database {
	database, err := New(db.TypeInMem, "")
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { _ = database.Close() })
	return database
}

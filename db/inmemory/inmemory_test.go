package inmemory

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/anonvote/db"
	"github.com/vocdoni/anonvote/db/internal/dbtest"
	"github.com/vocdoni/anonvote/db/prefixeddb"
)

func newDB(t *testing.T) *InMemoryDB {
	database, err := New(db.Options{})
	qt.Assert(t, err, qt.IsNil)
	return database
}

func TestWriteTx(t *testing.T) {
	dbtest.TestWriteTx(t, newDB(t))
}

func TestIterate(t *testing.T) {
	dbtest.TestIterate(t, newDB(t))
}

func TestWriteTxApply(t *testing.T) {
	dbtest.TestWriteTxApply(t, newDB(t))
}

func TestWriteTxApplyPrefixed(t *testing.T) {
	database := newDB(t)
	dbtest.TestWriteTxApplyPrefixed(t, database, prefixeddb.NewPrefixedDatabase(database, []byte("one")))
}

func TestConcurrentWriteTx(t *testing.T) {
	dbtest.TestConcurrentWriteTx(t, newDB(t))
}

func TestInsertIfAbsentConflict(t *testing.T) {
	c := qt.New(t)
	database := newDB(t)

	first := database.WriteTx()
	second := database.WriteTx()
	for _, tx := range []db.WriteTx{first, second} {
		_, err := tx.Get([]byte("spent"))
		c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
		c.Assert(tx.Set([]byte("spent"), []byte{1}), qt.IsNil)
	}
	c.Assert(first.Commit(), qt.IsNil)
	c.Assert(second.Commit(), qt.ErrorIs, db.ErrConflict)
}

func TestConflictDetection(t *testing.T) {
	database := newDB(t)
	dbtest.TestConflictDetection(t, database, database)
}

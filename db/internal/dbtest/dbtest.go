// Package dbtest holds the conformance tests every db.Database backend runs.
package dbtest

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/anonvote/db"
)

// TestWriteTx checks read-your-writes inside a tx and visibility after
// Commit.
func TestWriteTx(t *testing.T, database db.Database) {
	c := qt.New(t)

	wTx := database.WriteTx()
	defer wTx.Discard()

	_, err := wTx.Get([]byte("a"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)

	c.Assert(wTx.Set([]byte("a"), []byte("b")), qt.IsNil)
	v, err := wTx.Get([]byte("a"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("b"))

	// not visible before commit
	_, err = database.Get([]byte("a"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)

	c.Assert(wTx.Commit(), qt.IsNil)
	v, err = database.Get([]byte("a"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("b"))

	dTx := database.WriteTx()
	defer dTx.Discard()
	c.Assert(dTx.Delete([]byte("a")), qt.IsNil)
	_, err = dTx.Get([]byte("a"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
	c.Assert(dTx.Commit(), qt.IsNil)
	_, err = database.Get([]byte("a"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
}

// TestIterate checks prefix filtering, key order, prefix stripping and early
// termination.
func TestIterate(t *testing.T, database db.Database) {
	c := qt.New(t)

	prefix := []byte("p/")
	wTx := database.WriteTx()
	for i := 9; i >= 0; i-- {
		key := append([]byte(nil), prefix...)
		key = append(key, byte(i))
		c.Assert(wTx.Set(key, []byte(fmt.Sprintf("v%d", i))), qt.IsNil)
	}
	c.Assert(wTx.Set([]byte("q/0"), []byte("other")), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)

	var keys [][]byte
	c.Assert(database.Iterate(prefix, func(k, v []byte) bool {
		keys = append(keys, append([]byte(nil), k...))
		c.Assert(string(v), qt.Equals, fmt.Sprintf("v%d", k[0]))
		return true
	}), qt.IsNil)
	c.Assert(keys, qt.HasLen, 10)
	for i, k := range keys {
		c.Assert(k, qt.DeepEquals, []byte{byte(i)})
	}

	count := 0
	c.Assert(database.Iterate(prefix, func(_, _ []byte) bool {
		count++
		return count < 3
	}), qt.IsNil)
	c.Assert(count, qt.Equals, 3)
}

// TestWriteTxApply checks that Apply moves pending writes between txs.
func TestWriteTxApply(t *testing.T, database db.Database) {
	c := qt.New(t)

	wTx := database.WriteTx()
	defer wTx.Discard()
	c.Assert(wTx.Set([]byte("a"), []byte("1")), qt.IsNil)

	other := database.WriteTx()
	defer other.Discard()
	c.Assert(other.Set([]byte("b"), []byte("2")), qt.IsNil)

	c.Assert(wTx.Apply(other), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)

	v, err := database.Get([]byte("b"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("2"))
}

// TestWriteTxApplyPrefixed checks Apply across a plain and a prefixed view of
// the same database.
func TestWriteTxApplyPrefixed(t *testing.T, database, prefixed db.Database) {
	c := qt.New(t)

	wTx := database.WriteTx()
	defer wTx.Discard()
	pTx := prefixed.WriteTx()
	defer pTx.Discard()

	c.Assert(pTx.Set([]byte("k"), []byte("v")), qt.IsNil)
	c.Assert(wTx.Apply(pTx), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)

	v, err := prefixed.Get([]byte("k"))
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("v"))
	_, err = database.Get([]byte("k"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
}

// TestConcurrentWriteTx checks that backends with conflict detection never
// lose updates of a counter incremented from many goroutines.
func TestConcurrentWriteTx(t *testing.T, database db.Database) {
	c := qt.New(t)

	key := []byte("counter")
	const workers, increments = 8, 25
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range increments {
				for {
					tx := database.WriteTx()
					v, err := tx.Get(key)
					n := byte(0)
					if err == nil {
						n = v[0]
					}
					_ = tx.Set(key, []byte{n + 1})
					err = tx.Commit()
					tx.Discard()
					if err == nil {
						break
					}
					if !errors.Is(err, db.ErrConflict) {
						t.Errorf("unexpected commit error: %v", err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	v, err := database.Get(key)
	c.Assert(err, qt.IsNil)
	c.Assert(int(v[0]), qt.Equals, workers*increments)
}

// TestConflictDetection checks that a commit fails with db.ErrConflict when a
// key it read changed after the read. a and b may be the same database or
// two handles on one store.
func TestConflictDetection(t *testing.T, a, b db.Database) {
	c := qt.New(t)
	key := []byte("conflict/k")

	// both create the same absent key, only the first commit wins
	txA := a.WriteTx()
	defer txA.Discard()
	txB := b.WriteTx()
	defer txB.Discard()
	_, err := txA.Get(key)
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
	_, err = txB.Get(key)
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)
	c.Assert(txA.Set(key, []byte("a")), qt.IsNil)
	c.Assert(txB.Set(key, []byte("b")), qt.IsNil)
	c.Assert(txA.Commit(), qt.IsNil)
	c.Assert(txB.Commit(), qt.ErrorIs, db.ErrConflict)
	v, err := b.Get(key)
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("a"))

	// a key only read is validated as well
	reader := a.WriteTx()
	defer reader.Discard()
	v, err = reader.Get(key)
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("a"))
	c.Assert(reader.Set([]byte("conflict/other"), []byte("x")), qt.IsNil)

	writer := b.WriteTx()
	defer writer.Discard()
	c.Assert(writer.Set(key, []byte("c")), qt.IsNil)
	c.Assert(writer.Commit(), qt.IsNil)

	c.Assert(reader.Commit(), qt.ErrorIs, db.ErrConflict)
	_, err = a.Get([]byte("conflict/other"))
	c.Assert(err, qt.ErrorIs, db.ErrKeyNotFound)

	// a read and written key that nobody touched commits
	update := b.WriteTx()
	defer update.Discard()
	v, err = update.Get(key)
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("c"))
	c.Assert(update.Set(key, []byte("d")), qt.IsNil)
	c.Assert(update.Commit(), qt.IsNil)
	v, err = a.Get(key)
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.DeepEquals, []byte("d"))
}

// Package mongodb implements db.Database on a MongoDB collection, for
// deployments where several PO or IA processes share the same state.
//
// Keys are stored hex encoded in _id, which keeps the byte order under
// MongoDB string comparison, next to a version bumped on every write.
// Commit runs inside a multi-document transaction, so the server must be a
// replica set member. Keys read through a WriteTx are written back only if
// their version is still the one read, keys read as absent are inserted,
// and keys only read are touched so a concurrent writer of the same document
// conflicts. Any mismatch aborts the commit with db.ErrConflict. Reads done
// through Iterate are not validated.
package mongodb

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/vocdoni/anonvote/db"
	"github.com/vocdoni/anonvote/db/internal/overlay"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collectionName = "kv"
	opTimeout      = 30 * time.Second
)

// MongoDB stores every key of the database as a document of one collection.
type MongoDB struct {
	client *mongo.Client
	coll   *mongo.Collection
	closed atomic.Bool
}

var _ db.Database = (*MongoDB)(nil)

type kvDoc struct {
	ID      string `bson:"_id"`
	Value   []byte `bson:"v"`
	Version int64  `bson:"ver"`
}

// writeConflictCode is the server error code of a write conflict inside a
// transaction.
const writeConflictCode = 112

// New connects to opts.URL (or the MONGODB_URL environment variable) and uses
// opts.Path as the database name.
func New(opts db.Options) (*MongoDB, error) {
	url := opts.URL
	if url == "" {
		url = os.Getenv("MONGODB_URL")
	}
	if url == "" {
		return nil, fmt.Errorf("mongodb: no connection url")
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("mongodb: no database name")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("mongodb: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb: ping: %w", err)
	}
	return &MongoDB{
		client: client,
		coll:   client.Database(opts.Path).Collection(collectionName),
	}, nil
}

// Close disconnects the client.
func (d *MongoDB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return d.client.Disconnect(ctx)
}

// Compact is a no-op; MongoDB manages its own storage.
func (*MongoDB) Compact() error {
	return nil
}

// Get implements db.Reader.
func (d *MongoDB) Get(key []byte) ([]byte, error) {
	doc, err := d.get(key)
	if err != nil {
		return nil, err
	}
	return doc.Value, nil
}

func (d *MongoDB) get(key []byte) (*kvDoc, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	doc := &kvDoc{}
	err := d.coll.FindOne(ctx, bson.M{"_id": hex.EncodeToString(key)}).Decode(doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, db.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Iterate implements db.Reader.
func (d *MongoDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	idRange := bson.M{"$gte": hex.EncodeToString(prefix)}
	if end := db.PrefixEnd(prefix); end != nil {
		idRange["$lt"] = hex.EncodeToString(end)
	}
	cur, err := d.coll.Find(ctx, bson.M{"_id": idRange},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return err
	}
	defer func() { _ = cur.Close(context.Background()) }()
	for cur.Next(ctx) {
		var doc kvDoc
		if err := cur.Decode(&doc); err != nil {
			return err
		}
		key, err := hex.DecodeString(doc.ID)
		if err != nil {
			return fmt.Errorf("mongodb: corrupted key %q: %w", doc.ID, err)
		}
		if !callback(key[len(prefix):], doc.Value) {
			break
		}
	}
	return cur.Err()
}

// WriteTx returns a transaction that buffers its writes in memory.
func (d *MongoDB) WriteTx() db.WriteTx {
	return &WriteTx{db: d, writes: overlay.New(), reads: overlay.NewReads()}
}

// WriteTx implements db.WriteTx for MongoDB.
type WriteTx struct {
	db     *MongoDB
	writes *overlay.Writes
	reads  *overlay.Reads
	done   bool
}

var _ db.WriteTx = (*WriteTx)(nil)

// Get implements db.Reader. Keys not written by the tx are added to its read
// set with the version read.
func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	if v, found, err := tx.writes.Get(key); found {
		return v, err
	}
	doc, err := tx.db.get(key)
	switch {
	case err == nil:
		tx.reads.Track(key, overlay.Read{Found: true, Version: doc.Version})
		return doc.Value, nil
	case errors.Is(err, db.ErrKeyNotFound):
		tx.reads.Track(key, overlay.Read{})
	}
	return nil, err
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
		return fmt.Errorf("mongodb: cannot apply %T", other)
	}
	tx.writes.Merge(o.writes)
	tx.reads.Merge(o.reads)
	return nil
}

// Commit writes every pending change in one multi-document transaction
// after validating the read set. Changed versions, duplicate inserts and
// write conflicts reported by the server surface as db.ErrConflict.
func (tx *WriteTx) Commit() error {
	if tx.done {
		return fmt.Errorf("mongodb: transaction already finished")
	}
	if tx.writes.Len() == 0 && tx.reads.Len() == 0 {
		tx.done = true
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	session, err := tx.db.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)
	if err := session.StartTransaction(); err != nil {
		return err
	}
	sc := mongo.NewSessionContext(ctx, session)
	if err := tx.flush(sc); err != nil {
		_ = session.AbortTransaction(context.Background())
		return conflictErr(err)
	}
	if err := session.CommitTransaction(sc); err != nil {
		return conflictErr(err)
	}
	tx.done = true
	return nil
}

func (tx *WriteTx) flush(sc mongo.SessionContext) error {
	coll := tx.db.coll
	conflict := func(k []byte, what string) error {
		return fmt.Errorf("%w: key %x %s", db.ErrConflict, k, what)
	}
	if err := tx.reads.Each(func(k []byte, read overlay.Read) error {
		if _, written, _ := tx.writes.Get(k); written {
			return nil
		}
		id := hex.EncodeToString(k)
		if !read.Found {
			err := coll.FindOne(sc, bson.M{"_id": id}).Err()
			if err == nil {
				return conflict(k, "created since read")
			}
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil
			}
			return err
		}
		res, err := coll.UpdateOne(sc, bson.M{"_id": id, "ver": read.Version},
			bson.M{"$inc": bson.M{"lk": 1}})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return conflict(k, "changed since read")
		}
		return nil
	}); err != nil {
		return err
	}

	return tx.writes.Each(func(k, v []byte) error {
		id := hex.EncodeToString(k)
		read, tracked := tx.reads.Get(k)
		filter := bson.M{"_id": id}
		if tracked && read.Found {
			filter["ver"] = read.Version
		}
		switch {
		case v == nil:
			res, err := coll.DeleteOne(sc, filter)
			if err != nil {
				return err
			}
			if tracked && read.Found && res.DeletedCount == 0 {
				return conflict(k, "changed since read")
			}
		case tracked && !read.Found:
			if _, err := coll.InsertOne(sc, kvDoc{ID: id, Value: v, Version: 1}); err != nil {
				return err
			}
		default:
			res, err := coll.UpdateOne(sc, filter,
				bson.M{"$set": bson.M{"v": v}, "$inc": bson.M{"ver": 1}},
				options.Update().SetUpsert(!tracked))
			if err != nil {
				return err
			}
			if tracked && res.MatchedCount == 0 {
				return conflict(k, "changed since read")
			}
		}
		return nil
	})
}

// conflictErr maps duplicate keys and transient transaction errors to
// db.ErrConflict.
func conflictErr(err error) error {
	if err == nil || errors.Is(err, db.ErrConflict) {
		return err
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", db.ErrConflict, err)
	}
	var srvErr mongo.ServerError
	if errors.As(err, &srvErr) &&
		(srvErr.HasErrorLabel("TransientTransactionError") || srvErr.HasErrorCode(writeConflictCode)) {
		return fmt.Errorf("%w: %v", db.ErrConflict, err)
	}
	return err
}

// Discard drops the pending writes and the read set.
func (tx *WriteTx) Discard() {
	tx.writes.Reset()
	tx.reads.Reset()
	tx.done = true
}

/*
Package storage is the persistent state of the IA and PO nodes, kept in a
key-value db.Database under prefixed namespaces.

# Identity Authority

  - pr/ : proofRef → ProofRefRecord (subject bound to a single-use identity
    proof, its expiry and the poll it was consumed for)
  - ir/ : len16(subject) subject poll → IssuanceRecord (at most one token per
    identity and poll; never deleted)
  - ss/ : sessionID → IssuanceSession (state of the two round token proof)
  - rc/ : subject → RateCounter (issuances inside the current window)

# Polling Operator

  - p/  : pollID → types.Poll
  - sp/ : len16(poll) poll tag → SpentToken (insert-if-absent)
  - l/  : len16(poll) poll uint64(seq) → types.VoteCommitment (Merkle leaves)
  - lc/ : pollID → uint64 leaf count (next sequence number)
  - rs/ : len16(poll) poll uint64(leafCount) → types.RootSnapshot (immutable)
  - ev/ : len16(poll) poll event → uint64 counter
  - vk/ : "current" → types.VerificationKeySet consumed from the IA

The spend record, the leaf and the leaf counter of an accepted vote are
written in one transaction while holding the poll lock, and the issuance
record, the consumed proof ref, the rate counter and the session in one
transaction while holding the (subject, poll) lock. The locks only order
callers of one Storage. Across processes sharing a database the backend
must detect conflicts (inmem, sqlite, postgres, mongodb): a commit racing
another writer fails with db.ErrConflict and the caller retries, seeing the
winner's records. pebble and leveldb do not, and must not be shared.
*/
package storage

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vocdoni/anonvote/db"
	"github.com/vocdoni/anonvote/db/prefixeddb"
	"github.com/vocdoni/anonvote/log"
	"github.com/vocdoni/anonvote/util"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrKeyAlreadyExists = errors.New("key already exists")

	// Prefixes
	proofRefPrefix      = []byte("pr/")
	issuancePrefix      = []byte("ir/")
	sessionPrefix       = []byte("ss/")
	rateCounterPrefix   = []byte("rc/")
	pollPrefix          = []byte("p/")
	spentPrefix         = []byte("sp/")
	leafPrefix          = []byte("l/")
	leafCountPrefix     = []byte("lc/")
	snapshotPrefix      = []byte("rs/")
	eventPrefix         = []byte("ev/")
	verificationKeysKey = []byte("vk/current")

	cacheSize = 1024
)

// Storage gives typed access to the node state.
type Storage struct {
	db    db.Database
	locks *keyedMutex
	cache *lru.Cache[string, any]
}

// New creates a Storage over database.
func New(database db.Database) *Storage {
	cache, err := lru.New[string, any](cacheSize)
	if err != nil {
		log.Fatalf("failed to create LRU cache: %v", err)
	}
	return &Storage{
		db:    database,
		locks: newKeyedMutex(),
		cache: cache,
	}
}

// Close closes the underlying database.
func (s *Storage) Close() {
	if err := s.db.Close(); err != nil {
		log.Warnw("failed to close storage", "error", err)
	}
}

// DB returns the underlying database.
func (s *Storage) DB() db.Database {
	return s.db
}

// pollKey returns len16(poll) || poll || suffix.
func pollKey(pollID string, suffix ...[]byte) []byte {
	key := util.LengthPrefixed([]byte(pollID))
	for _, sfx := range suffix {
		key = append(key, sfx...)
	}
	return key
}

// setArtifact encodes and stores artifact under prefix and key.
func (s *Storage) setArtifact(prefix, key []byte, artifact any) error {
	wTx := prefixeddb.NewPrefixedDatabase(s.db, prefix).WriteTx()
	defer wTx.Discard()
	if err := setArtifactTx(wTx, key, artifact); err != nil {
		return err
	}
	return wTx.Commit()
}

// getArtifact loads and decodes the artifact stored under prefix and key.
func (s *Storage) getArtifact(prefix, key []byte, out any) error {
	return getArtifactTx(prefixeddb.NewPrefixedReader(s.db, prefix), key, out)
}

func setArtifactTx(wTx db.WriteTx, key []byte, artifact any) error {
	data, err := EncodeArtifact(artifact)
	if err != nil {
		return err
	}
	return wTx.Set(key, data)
}

func getArtifactTx(r db.Reader, key []byte, out any) error {
	data, err := r.Get(key)
	if errors.Is(err, db.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := DecodeArtifact(data, out); err != nil {
		return fmt.Errorf("could not decode artifact: %w", err)
	}
	return nil
}

func exists(r db.Reader, key []byte) (bool, error) {
	_, err := r.Get(key)
	if errors.Is(err, db.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// commit commits wTx unless ctx is already done, in which case nothing is
// written.
func commit(ctx context.Context, wTx db.WriteTx) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wTx.Commit()
}

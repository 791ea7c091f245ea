// Package auditlog is the append-only Merkle audit log of accepted votes. It
// assigns gap-free sequence numbers per poll, publishes signed root
// snapshots over growing leaf prefixes and builds inclusion proofs against
// them. Appends are serialized per poll and run in parallel across polls.
package auditlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/vocdoni/anonvote/crypto/signatures/ethereum"
	"github.com/vocdoni/anonvote/log"
	"github.com/vocdoni/anonvote/merkle"
	"github.com/vocdoni/anonvote/storage"
	"github.com/vocdoni/anonvote/types"
)

var (
	// ErrNoSnapshot is returned when a poll has no published root yet.
	ErrNoSnapshot = errors.New("no root published for poll")
	// ErrLeafNotPublished is returned when the leaf exists or may exist but
	// is not covered by the requested snapshot.
	ErrLeafNotPublished = errors.New("leaf not covered by a published root")
	// ErrInvalidSnapshot is returned by VerifySnapshot.
	ErrInvalidSnapshot = errors.New("invalid root snapshot")
)

const treeCacheSize = 64

// leafCache holds the leaf hashes of a poll loaded so far. Leaves are
// immutable, so the cache only grows.
type leafCache struct {
	mu     sync.Mutex
	hashes [][]byte
}

// Log is the audit log of a Polling Operator.
type Log struct {
	storage *storage.Storage
	signer  *ethereum.Signer
	leaves  *lru.Cache[string, *leafCache]
	trees   *lru.Cache[string, *merkle.Tree]
	snapMu  sync.Map // pollID -> *sync.Mutex
	now     func() time.Time

	listenersMu sync.RWMutex
	listeners   []func(pollID string, seq uint64)
}

// New creates a Log. Snapshots are signed by signer when it is not nil.
func New(st *storage.Storage, signer *ethereum.Signer) *Log {
	leaves, err := lru.New[string, *leafCache](treeCacheSize)
	if err != nil {
		log.Fatalf("failed to create LRU cache: %v", err)
	}
	trees, err := lru.New[string, *merkle.Tree](treeCacheSize)
	if err != nil {
		log.Fatalf("failed to create LRU cache: %v", err)
	}
	return &Log{storage: st, signer: signer, leaves: leaves, trees: trees, now: time.Now}
}

// OnAppend registers fn to be called after every committed append.
func (l *Log) OnAppend(fn func(pollID string, seq uint64)) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *Log) appended(pollID string, seq uint64) {
	l.listenersMu.RLock()
	defer l.listenersMu.RUnlock()
	for _, fn := range l.listeners {
		fn(pollID, seq)
	}
}

// Append adds commitment to the poll leaves and returns its sequence number.
func (l *Log) Append(ctx context.Context, pollID string, commitment []byte) (uint64, error) {
	leaf, err := l.storage.Append(ctx, pollID, commitment)
	if err != nil {
		return 0, err
	}
	l.appended(pollID, leaf.SequenceNo)
	return leaf.SequenceNo, nil
}

// AppendSpent records tag as spent and appends commitment in one atomic
// step. It fails with storage.ErrDoubleSpend if tag was already spent.
func (l *Log) AppendSpent(ctx context.Context, pollID string, tag, commitment []byte) (uint64, error) {
	leaf, err := l.storage.AppendSpent(ctx, pollID, tag, commitment, l.now())
	if err != nil {
		return 0, err
	}
	l.appended(pollID, leaf.SequenceNo)
	return leaf.SequenceNo, nil
}

// LeafCount returns the number of leaves of pollID.
func (l *Log) LeafCount(pollID string) (uint64, error) {
	return l.storage.LeafCount(pollID)
}

// leafHashes returns the hashes of the first count leaves of pollID.
func (l *Log) leafHashes(pollID string, count uint64) ([][]byte, error) {
	fresh := &leafCache{}
	cache, found, _ := l.leaves.PeekOrAdd(pollID, fresh)
	if !found {
		cache = fresh
	}
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if have := uint64(len(cache.hashes)); have < count {
		err := l.storage.IterateLeaves(pollID, have, count, func(leaf *types.VoteCommitment) bool {
			cache.hashes = append(cache.hashes, merkle.LeafHash(leaf.LeafBytes()))
			return true
		})
		if err != nil {
			return nil, err
		}
		if uint64(len(cache.hashes)) < count {
			return nil, fmt.Errorf("poll %s has %d leaves, expected %d", pollID, len(cache.hashes), count)
		}
	}
	return cache.hashes[:count:count], nil
}

func (l *Log) tree(pollID string, count uint64) (*merkle.Tree, error) {
	key := fmt.Sprintf("%s/%d", pollID, count)
	if t, ok := l.trees.Get(key); ok {
		return t, nil
	}
	hashes, err := l.leafHashes(pollID, count)
	if err != nil {
		return nil, err
	}
	t := merkle.NewTree(hashes)
	l.trees.Add(key, t)
	return t, nil
}

func (l *Log) snapshotLock(pollID string) *sync.Mutex {
	mu, _ := l.snapMu.LoadOrStore(pollID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Snapshot publishes a root over every leaf of pollID appended so far. If
// no leaf was appended since the latest snapshot, that one is returned.
func (l *Log) Snapshot(ctx context.Context, pollID string) (*types.RootSnapshot, bool, error) {
	mu := l.snapshotLock(pollID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := l.storage.Poll(pollID); err != nil {
		return nil, false, err
	}
	count, err := l.storage.LeafCount(pollID)
	if err != nil {
		return nil, false, err
	}
	latest, err := l.storage.LatestSnapshot(pollID)
	switch {
	case err == nil:
		if latest.LeafCount == count {
			return latest, false, nil
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	t, err := l.tree(pollID, count)
	if err != nil {
		return nil, false, err
	}
	snap := &types.RootSnapshot{
		PollID:      pollID,
		Root:        t.Root(),
		LeafCount:   count,
		PublishedAt: l.now().UTC().Truncate(time.Second),
	}
	if l.signer != nil {
		snap.Signer = l.signer.Address().Bytes()
		if snap.Signature, err = l.signer.Sign(snap.SignedPayload()); err != nil {
			return nil, false, fmt.Errorf("sign snapshot: %w", err)
		}
	}
	if snap.CID, err = SnapshotCID(snap); err != nil {
		return nil, false, err
	}
	if err := l.storage.PutSnapshot(snap); err != nil {
		return nil, false, err
	}
	log.Infow("root published", "poll", pollID, "leaves", count, "root", snap.Root.String(), "cid", snap.CID)
	return snap, true, nil
}

// Root returns the latest snapshot of pollID.
func (l *Log) Root(pollID string) (*types.RootSnapshot, error) {
	snap, err := l.storage.LatestSnapshot(pollID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoSnapshot
	}
	return snap, err
}

// Roots returns every snapshot of pollID, oldest first.
func (l *Log) Roots(pollID string) ([]types.RootSnapshot, error) {
	return l.storage.Snapshots(pollID)
}

// ProveInclusion returns the inclusion proof of leaf seq against the latest
// snapshot of pollID.
func (l *Log) ProveInclusion(pollID string, seq uint64) (*types.MerkleProof, error) {
	snap, err := l.Root(pollID)
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			return nil, ErrLeafNotPublished
		}
		return nil, err
	}
	return l.prove(snap, seq)
}

// ProveInclusionAt returns the inclusion proof of leaf seq against the
// snapshot of pollID over leafCount leaves.
func (l *Log) ProveInclusionAt(pollID string, seq, leafCount uint64) (*types.MerkleProof, error) {
	snap, err := l.storage.Snapshot(pollID, leafCount)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return l.prove(snap, seq)
}

func (l *Log) prove(snap *types.RootSnapshot, seq uint64) (*types.MerkleProof, error) {
	if seq >= snap.LeafCount {
		return nil, ErrLeafNotPublished
	}
	t, err := l.tree(snap.PollID, snap.LeafCount)
	if err != nil {
		return nil, err
	}
	siblings, err := t.Siblings(seq)
	if err != nil {
		return nil, err
	}
	leaf, err := l.storage.Leaf(snap.PollID, seq)
	if err != nil {
		return nil, err
	}
	proof := &types.MerkleProof{
		PollID:     snap.PollID,
		SequenceNo: seq,
		LeafIndex:  seq,
		LeafCount:  snap.LeafCount,
		Leaf:       leaf.LeafBytes(),
		Root:       snap.Root,
	}
	for _, s := range siblings {
		proof.Siblings = append(proof.Siblings, s)
	}
	return proof, nil
}

// SnapshotCID returns the content identifier (CIDv1, raw codec, sha2-256)
// of the JSON encoding of snap without its CID field.
func SnapshotCID(snap *types.RootSnapshot) (string, error) {
	unaddressed := *snap
	unaddressed.CID = ""
	data, err := storage.EncodeArtifact(&unaddressed, storage.ArtifactEncodingJSON)
	if err != nil {
		return "", err
	}
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, hash).String(), nil
}

// VerifySnapshot checks the CID of snap and, when signer is not the zero
// address, that snap was signed by it.
func VerifySnapshot(snap *types.RootSnapshot, signer common.Address) error {
	if snap == nil {
		return ErrInvalidSnapshot
	}
	expected, err := SnapshotCID(snap)
	if err != nil {
		return err
	}
	if snap.CID != expected {
		return fmt.Errorf("%w: cid mismatch", ErrInvalidSnapshot)
	}
	if signer == (common.Address{}) {
		return nil
	}
	if err := ethereum.Verify(snap.SignedPayload(), snap.Signature, signer); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return nil
}

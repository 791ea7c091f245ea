package storage

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vocdoni/anonvote/db"
	"github.com/vocdoni/anonvote/db/prefixeddb"
	"github.com/vocdoni/anonvote/types"
	"github.com/vocdoni/anonvote/util"
)

// latestSnapshotPrefix points every poll to the leaf count of its most
// recent snapshot.
var latestSnapshotPrefix = []byte("rl/")

func snapshotCacheKey(pollID string, leafCount uint64) string {
	return fmt.Sprintf("rs/%s/%d", pollID, leafCount)
}

// PutSnapshot stores snap and makes it the latest snapshot of its poll.
// Snapshots are immutable: storing a different root for the same leaf count
// fails with ErrKeyAlreadyExists, storing the same one again is a no-op. A
// snapshot older than the latest one is stored but does not replace it.
func (s *Storage) PutSnapshot(snap *types.RootSnapshot) error {
	if snap == nil || snap.PollID == "" || len(snap.Root) == 0 {
		return fmt.Errorf("invalid snapshot")
	}
	unlock := s.locks.Lock("snapshot/" + snap.PollID)
	defer unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()
	snapshots := prefixeddb.NewPrefixedWriteTx(wTx, snapshotPrefix)
	key := pollKey(snap.PollID, util.Uint64ToBytes(snap.LeafCount))
	stored := &types.RootSnapshot{}
	err := getArtifactTx(snapshots, key, stored)
	switch {
	case err == nil:
		if bytes.Equal(stored.Root, snap.Root) {
			return nil
		}
		return ErrKeyAlreadyExists
	case !errors.Is(err, ErrNotFound):
		return err
	}
	if err := setArtifactTx(snapshots, key, snap); err != nil {
		return err
	}
	latest := prefixeddb.NewPrefixedWriteTx(wTx, latestSnapshotPrefix)
	current, found, err := latestLeafCount(latest, snap.PollID)
	if err != nil {
		return err
	}
	if !found || snap.LeafCount > current {
		if err := latest.Set([]byte(snap.PollID), util.Uint64ToBytes(snap.LeafCount)); err != nil {
			return err
		}
	}
	if err := wTx.Commit(); err != nil {
		return err
	}
	s.cache.Add(snapshotCacheKey(snap.PollID, snap.LeafCount), *snap)
	return nil
}

func latestLeafCount(r db.Reader, pollID string) (uint64, bool, error) {
	v, err := r.Get([]byte(pollID))
	if errors.Is(err, db.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return util.BytesToUint64(v), true, nil
}

// Snapshot returns the snapshot of pollID over the first leafCount leaves.
func (s *Storage) Snapshot(pollID string, leafCount uint64) (*types.RootSnapshot, error) {
	if v, ok := s.cache.Get(snapshotCacheKey(pollID, leafCount)); ok {
		snap := v.(types.RootSnapshot)
		return &snap, nil
	}
	snap := &types.RootSnapshot{}
	if err := s.getArtifact(snapshotPrefix, pollKey(pollID, util.Uint64ToBytes(leafCount)), snap); err != nil {
		return nil, err
	}
	s.cache.Add(snapshotCacheKey(pollID, leafCount), *snap)
	return snap, nil
}

// LatestSnapshot returns the most recent snapshot of pollID, or ErrNotFound
// if none was published yet.
func (s *Storage) LatestSnapshot(pollID string) (*types.RootSnapshot, error) {
	count, found, err := latestLeafCount(prefixeddb.NewPrefixedReader(s.db, latestSnapshotPrefix), pollID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return s.Snapshot(pollID, count)
}

// Snapshots returns every snapshot of pollID ordered by leaf count.
func (s *Storage) Snapshots(pollID string) ([]types.RootSnapshot, error) {
	var (
		snaps  []types.RootSnapshot
		decErr error
	)
	err := prefixeddb.NewPrefixedReader(s.db, snapshotPrefix).Iterate(pollKey(pollID), func(_, v []byte) bool {
		var snap types.RootSnapshot
		if err := DecodeArtifact(v, &snap); err != nil {
			decErr = err
			return false
		}
		snaps = append(snaps, snap)
		return true
	})
	if err != nil {
		return nil, err
	}
	return snaps, decErr
}

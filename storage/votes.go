package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vocdoni/anonvote/db"
	"github.com/vocdoni/anonvote/db/prefixeddb"
	"github.com/vocdoni/anonvote/types"
	"github.com/vocdoni/anonvote/util"
)

// ErrDoubleSpend is returned when the token tag was already spent in the
// poll.
var ErrDoubleSpend = errors.New("token already spent")

// AppendSpent is the vote acceptance primitive. Holding the poll lock and in
// one transaction, it checks that the poll is open and tag unspent, assigns
// the next sequence number, and writes the spent record, the leaf and the
// new leaf count. Either all of them are stored or none.
func (s *Storage) AppendSpent(ctx context.Context, pollID string, tag, commitment []byte, now time.Time) (*types.VoteCommitment, error) {
	if len(tag) == 0 {
		return nil, fmt.Errorf("empty tag")
	}
	if err := types.ValidateCommitment(commitment); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(pollLockKey(pollID))
	defer unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()
	if err := checkPollOpen(wTx, pollID); err != nil {
		return nil, err
	}
	spent := prefixeddb.NewPrefixedWriteTx(wTx, spentPrefix)
	spentKey := pollKey(pollID, tag)
	found, err := exists(spent, spentKey)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, ErrDoubleSpend
	}
	leaf, err := appendLeafTx(wTx, pollID, commitment)
	if err != nil {
		return nil, err
	}
	if err := setArtifactTx(spent, spentKey, &SpentToken{
		PollID:     pollID,
		Tag:        tag,
		SequenceNo: leaf.SequenceNo,
		SpentAt:    now,
	}); err != nil {
		return nil, err
	}
	if err := commit(ctx, wTx); err != nil {
		return nil, err
	}
	return leaf, nil
}

// Append adds a commitment to the leaves of an open poll without a spend
// record and returns it with its sequence number.
func (s *Storage) Append(ctx context.Context, pollID string, commitment []byte) (*types.VoteCommitment, error) {
	if err := types.ValidateCommitment(commitment); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(pollLockKey(pollID))
	defer unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()
	if err := checkPollOpen(wTx, pollID); err != nil {
		return nil, err
	}
	leaf, err := appendLeafTx(wTx, pollID, commitment)
	if err != nil {
		return nil, err
	}
	if err := commit(ctx, wTx); err != nil {
		return nil, err
	}
	return leaf, nil
}

func checkPollOpen(r db.Reader, pollID string) error {
	poll := &types.Poll{}
	if err := getArtifactTx(prefixeddb.NewPrefixedReader(r, pollPrefix), []byte(pollID), poll); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrPollNotFound
		}
		return err
	}
	if !poll.IsOpen() {
		return ErrPollClosed
	}
	return nil
}

// appendLeafTx writes the leaf at the current leaf count and bumps it, so
// sequence numbers start at zero and never leave gaps.
func appendLeafTx(wTx db.WriteTx, pollID string, commitment []byte) (*types.VoteCommitment, error) {
	counts := prefixeddb.NewPrefixedWriteTx(wTx, leafCountPrefix)
	seq, err := counter(counts, []byte(pollID))
	if err != nil {
		return nil, err
	}
	leaf := &types.VoteCommitment{
		PollID:     pollID,
		Commitment: commitment,
		SequenceNo: seq,
	}
	leaves := prefixeddb.NewPrefixedWriteTx(wTx, leafPrefix)
	if err := setArtifactTx(leaves, pollKey(pollID, util.Uint64ToBytes(seq)), leaf); err != nil {
		return nil, err
	}
	if err := counts.Set([]byte(pollID), util.Uint64ToBytes(seq+1)); err != nil {
		return nil, err
	}
	return leaf, nil
}

// counter reads a big-endian counter, zero when the key is missing.
func counter(r db.Reader, key []byte) (uint64, error) {
	v, err := r.Get(key)
	if errors.Is(err, db.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return util.BytesToUint64(v), nil
}

// SpentToken returns the spend record of tag in pollID, or ErrNotFound.
func (s *Storage) SpentToken(pollID string, tag []byte) (*SpentToken, error) {
	rec := &SpentToken{}
	if err := s.getArtifact(spentPrefix, pollKey(pollID, tag), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// IsSpent reports whether tag was spent in pollID.
func (s *Storage) IsSpent(pollID string, tag []byte) (bool, error) {
	return exists(prefixeddb.NewPrefixedReader(s.db, spentPrefix), pollKey(pollID, tag))
}

// LeafCount returns the number of leaves of pollID, which is also the next
// sequence number.
func (s *Storage) LeafCount(pollID string) (uint64, error) {
	return counter(prefixeddb.NewPrefixedReader(s.db, leafCountPrefix), []byte(pollID))
}

// Leaf returns the leaf with sequence number seq.
func (s *Storage) Leaf(pollID string, seq uint64) (*types.VoteCommitment, error) {
	leaf := &types.VoteCommitment{}
	if err := s.getArtifact(leafPrefix, pollKey(pollID, util.Uint64ToBytes(seq)), leaf); err != nil {
		return nil, err
	}
	return leaf, nil
}

// IterateLeaves calls fn for the leaves with from <= seq < to, in sequence
// order, until fn returns false.
func (s *Storage) IterateLeaves(pollID string, from, to uint64, fn func(*types.VoteCommitment) bool) error {
	var decErr error
	err := prefixeddb.NewPrefixedReader(s.db, leafPrefix).Iterate(pollKey(pollID), func(k, v []byte) bool {
		seq := util.BytesToUint64(k)
		if seq < from {
			return true
		}
		if seq >= to {
			return false
		}
		leaf := &types.VoteCommitment{}
		if err := DecodeArtifact(v, leaf); err != nil {
			decErr = fmt.Errorf("leaf %d: %w", seq, err)
			return false
		}
		return fn(leaf)
	})
	if err != nil {
		return err
	}
	return decErr
}

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vocdoni/anonvote/db/prefixeddb"
	"github.com/vocdoni/anonvote/types"
)

var (
	ErrPollNotFound = errors.New("poll not found")
	ErrPollExists   = errors.New("poll already exists")
	ErrPollClosed   = errors.New("poll closed")
)

func pollCacheKey(pollID string) string {
	return "p/" + pollID
}

// CreatePoll stores a new open poll.
func (s *Storage) CreatePoll(pollID string, now time.Time) (*types.Poll, error) {
	if err := types.ValidatePollID(pollID); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(pollLockKey(pollID))
	defer unlock()

	wTx := prefixeddb.NewPrefixedDatabase(s.db, pollPrefix).WriteTx()
	defer wTx.Discard()
	found, err := exists(wTx, []byte(pollID))
	if err != nil {
		return nil, err
	}
	if found {
		return nil, ErrPollExists
	}
	poll := &types.Poll{ID: pollID, Status: types.PollOpen, CreatedAt: now}
	if err := setArtifactTx(wTx, []byte(pollID), poll); err != nil {
		return nil, err
	}
	if err := wTx.Commit(); err != nil {
		return nil, err
	}
	return poll, nil
}

// Poll returns the poll pollID. Only closed polls are cached: closing is
// final, while an open poll may be closed by another process sharing the
// database.
func (s *Storage) Poll(pollID string) (*types.Poll, error) {
	if v, ok := s.cache.Get(pollCacheKey(pollID)); ok {
		poll := v.(types.Poll)
		return &poll, nil
	}
	poll := &types.Poll{}
	if err := s.getArtifact(pollPrefix, []byte(pollID), poll); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrPollNotFound
		}
		return nil, err
	}
	if !poll.IsOpen() {
		s.cache.Add(pollCacheKey(pollID), *poll)
	}
	return poll, nil
}

// ClosePoll marks the poll as closed. It takes the poll lock, so once it
// returns no further vote is accepted. Closing a closed poll is a no-op.
func (s *Storage) ClosePoll(ctx context.Context, pollID string, now time.Time) (*types.Poll, error) {
	unlock := s.locks.Lock(pollLockKey(pollID))
	defer unlock()

	wTx := prefixeddb.NewPrefixedDatabase(s.db, pollPrefix).WriteTx()
	defer wTx.Discard()
	poll := &types.Poll{}
	if err := getArtifactTx(wTx, []byte(pollID), poll); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrPollNotFound
		}
		return nil, err
	}
	if !poll.IsOpen() {
		return poll, nil
	}
	poll.Status = types.PollClosed
	poll.ClosedAt = &now
	if err := setArtifactTx(wTx, []byte(pollID), poll); err != nil {
		return nil, err
	}
	if err := commit(ctx, wTx); err != nil {
		return nil, err
	}
	s.cache.Add(pollCacheKey(pollID), *poll)
	return poll, nil
}

// ListPolls returns every poll ordered by id.
func (s *Storage) ListPolls() ([]types.Poll, error) {
	var (
		polls  []types.Poll
		decErr error
	)
	if err := s.db.Iterate(pollPrefix, func(_, v []byte) bool {
		var p types.Poll
		if err := DecodeArtifact(v, &p); err != nil {
			decErr = err
			return false
		}
		polls = append(polls, p)
		return true
	}); err != nil {
		return nil, err
	}
	return polls, decErr
}

func pollLockKey(pollID string) string {
	return "poll/" + pollID
}

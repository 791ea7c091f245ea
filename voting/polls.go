package voting

import (
	"context"
	"errors"
	"fmt"

	"github.com/vocdoni/anonvote/log"
	"github.com/vocdoni/anonvote/storage"
	"github.com/vocdoni/anonvote/types"
)

// ErrPollExists is returned when opening a poll twice.
var ErrPollExists = errors.New("poll already exists")

// OpenPoll registers a new open poll.
func (s *Service) OpenPoll(pollID string) (*types.Poll, error) {
	poll, err := s.storage.CreatePoll(pollID, s.now())
	switch {
	case err == nil:
		log.Infow("poll opened", "poll", pollID)
		return poll, nil
	case errors.Is(err, storage.ErrPollExists):
		return nil, ErrPollExists
	default:
		if types.ValidatePollID(pollID) != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
}

// ClosePoll stops accepting votes for pollID and publishes its final root.
func (s *Service) ClosePoll(ctx context.Context, pollID string) (*types.Poll, *types.RootSnapshot, error) {
	poll, err := s.storage.ClosePoll(ctx, pollID, s.now())
	if errors.Is(err, storage.ErrPollNotFound) {
		return nil, nil, ErrPollNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	snap, _, err := s.audit.Snapshot(ctx, pollID)
	if err != nil {
		return poll, nil, fmt.Errorf("%w: final snapshot: %v", ErrStorageUnavailable, err)
	}
	log.Infow("poll closed", "poll", pollID, "votes", snap.LeafCount, "root", snap.Root.String())
	return poll, snap, nil
}

// Poll returns pollID.
func (s *Service) Poll(pollID string) (*types.Poll, error) {
	poll, err := s.storage.Poll(pollID)
	if errors.Is(err, storage.ErrPollNotFound) {
		return nil, ErrPollNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return poll, nil
}

// Polls lists every poll.
func (s *Service) Polls() ([]types.Poll, error) {
	return s.storage.ListPolls()
}

// Package voting is the Polling Operator vote service. It verifies voting
// tokens offline against the IA verification keys, rejects double spends
// and records accepted votes in the audit log, the spend record and the
// vote commitment in a single atomic step.
package voting

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vocdoni/anonvote/auditlog"
	"github.com/vocdoni/anonvote/crypto/oprf"
	"github.com/vocdoni/anonvote/log"
	"github.com/vocdoni/anonvote/storage"
	"github.com/vocdoni/anonvote/types"
	"github.com/vocdoni/anonvote/util"
)

var (
	ErrInvalidRequest     = errors.New("invalid vote request")
	ErrInvalidToken       = errors.New("invalid token")
	ErrDoubleSpend        = errors.New("token already used in this poll")
	ErrPollClosed         = errors.New("poll closed")
	ErrPollNotFound       = errors.New("poll not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrNoKeys             = errors.New("no verification keys loaded")
)

// State is a step of the vote state machine.
type State string

const (
	StateTokenReceived State = "token_received"
	StateTokenVerified State = "token_verified"
	StateNotSpent      State = "not_spent"
	StateVoteAccepted  State = "vote_accepted"
	StateCommitted     State = "committed"
	StateRejected      State = "rejected"
)

// Service is the PO vote service.
type Service struct {
	storage  *storage.Storage
	audit    *auditlog.Log
	iaSigner common.Address
	keys     atomic.Pointer[keyState]
	retry    util.RetryConfig
	now      func() time.Time
}

// New creates the service. Keys signed by iaSigner that were stored by a
// previous run are loaded right away.
func New(st *storage.Storage, audit *auditlog.Log, iaSigner common.Address, retry util.RetryConfig) (*Service, error) {
	if st == nil || audit == nil {
		return nil, fmt.Errorf("voting: missing dependency")
	}
	if retry == (util.RetryConfig{}) {
		retry = util.DefaultRetryConfig
	}
	s := &Service{storage: st, audit: audit, iaSigner: iaSigner, retry: retry, now: time.Now}
	set, err := st.VerificationKeys()
	switch {
	case err == nil:
		state, err := decodeKeySet(set, iaSigner)
		if err != nil {
			log.Warnw("ignoring stored verification keys", "error", err.Error())
			break
		}
		s.keys.Store(state)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}
	return s, nil
}

// LoadKeys verifies set against the trusted IA signer, persists it and makes
// it the active key set. Older versions than the active one are refused.
func (s *Service) LoadKeys(set *types.VerificationKeySet) error {
	state, err := decodeKeySet(set, s.iaSigner)
	if err != nil {
		return err
	}
	if current := s.keys.Load(); current != nil && current.set.Version > set.Version {
		return storage.ErrStaleKeySet
	}
	if err := s.storage.SetVerificationKeys(set); err != nil {
		return err
	}
	s.keys.Store(state)
	log.Infow("verification keys loaded", "version", set.Version, "epochs", len(set.Keys))
	return nil
}

// Keys returns the active verification key set.
func (s *Service) Keys() (*types.VerificationKeySet, error) {
	state := s.keys.Load()
	if state == nil {
		return nil, ErrNoKeys
	}
	return state.set, nil
}

func transition(pollID string, state State, kv ...any) {
	log.Debugw("vote", append([]any{"poll", pollID, "state", string(state)}, kv...)...)
}

// SubmitVote verifies token for pollID and, if it was never spent in that
// poll, records the spend and appends commitment to the audit log. It
// returns the sequence number of the vote. Errors are ErrInvalidRequest,
// ErrPollNotFound, ErrPollClosed, ErrInvalidToken, ErrDoubleSpend and
// ErrStorageUnavailable, or the context error if ctx is done before the
// vote is committed.
func (s *Service) SubmitVote(ctx context.Context, pollID string, token *oprf.Token, commitment []byte) (uint64, error) {
	transition(pollID, StateTokenReceived)
	reject := func(err error, event types.SecurityEvent) (uint64, error) {
		transition(pollID, StateRejected, "reason", err.Error())
		if event != "" {
			s.securityEvent(pollID, event)
		}
		return 0, err
	}

	if err := types.ValidatePollID(pollID); err != nil {
		return reject(fmt.Errorf("%w: %v", ErrInvalidRequest, err), "")
	}
	if err := types.ValidateCommitment(commitment); err != nil {
		return reject(fmt.Errorf("%w: %v", ErrInvalidRequest, err), "")
	}
	poll, err := s.storage.Poll(pollID)
	if errors.Is(err, storage.ErrPollNotFound) {
		return reject(ErrPollNotFound, "")
	}
	if err != nil {
		return reject(fmt.Errorf("%w: %v", ErrStorageUnavailable, err), "")
	}
	if !poll.IsOpen() {
		return reject(ErrPollClosed, types.EventPollClosed)
	}

	if err := s.verifyToken(pollID, token); err != nil {
		return reject(err, types.EventInvalidToken)
	}
	transition(pollID, StateTokenVerified, "epoch", token.Epoch)

	tag := token.Tag([]byte(pollID))
	var seq uint64
	err = util.Retry(ctx, s.retry, func() error {
		var err error
		seq, err = s.audit.AppendSpent(ctx, pollID, tag, commitment)
		return err
	}, isPermanentSpendError)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrDoubleSpend):
		return reject(ErrDoubleSpend, types.EventDoubleVote)
	case errors.Is(err, storage.ErrPollClosed):
		return reject(ErrPollClosed, types.EventPollClosed)
	case errors.Is(err, storage.ErrPollNotFound):
		return reject(ErrPollNotFound, "")
	case ctx.Err() != nil:
		return reject(ctx.Err(), "")
	default:
		log.Warnw("vote storage failure", "poll", pollID, "error", err.Error())
		return reject(fmt.Errorf("%w: %v", ErrStorageUnavailable, err), "")
	}
	transition(pollID, StateNotSpent)
	transition(pollID, StateVoteAccepted)
	transition(pollID, StateCommitted, "seq", seq)
	return seq, nil
}

// verifyToken checks that token is well formed, scoped to pollID, issued
// under an epoch accepted now, and that its proof verifies.
func (s *Service) verifyToken(pollID string, token *oprf.Token) error {
	if token == nil {
		return fmt.Errorf("%w: missing", ErrInvalidToken)
	}
	state := s.keys.Load()
	if state == nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, ErrNoKeys)
	}
	pk, ok := state.key(token.Epoch, s.now())
	if !ok {
		return fmt.Errorf("%w: epoch %d not accepted", ErrInvalidToken, token.Epoch)
	}
	tokenPoll, _, err := oprf.ParseTokenInput(token.Input)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if tokenPoll != pollID {
		return fmt.Errorf("%w: issued for another poll", ErrInvalidToken)
	}
	if !oprf.FinalizeAndVerify(token, pk, []byte(pollID)) {
		return fmt.Errorf("%w: proof does not verify", ErrInvalidToken)
	}
	return nil
}

func isPermanentSpendError(err error) bool {
	for _, target := range []error{
		storage.ErrDoubleSpend,
		storage.ErrPollClosed,
		storage.ErrPollNotFound,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsSpent reports whether token was already spent in pollID. The token is
// not verified; clients use it to learn the outcome of a submission whose
// answer was lost.
func (s *Service) IsSpent(pollID string, token *oprf.Token) (bool, error) {
	if token == nil {
		return false, ErrInvalidRequest
	}
	return s.IsTagSpent(pollID, token.Tag([]byte(pollID)))
}

// IsTagSpent reports whether tag was spent in pollID.
func (s *Service) IsTagSpent(pollID string, tag []byte) (bool, error) {
	if len(tag) != oprf.TagSize {
		return false, fmt.Errorf("%w: tag must be %d bytes", ErrInvalidRequest, oprf.TagSize)
	}
	if _, err := s.Poll(pollID); err != nil {
		return false, err
	}
	spent, err := s.storage.IsSpent(pollID, tag)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return spent, nil
}

func (s *Service) securityEvent(pollID string, event types.SecurityEvent) {
	log.Monitor("security event", map[string]any{"poll": pollID, "event": string(event)})
	if err := s.storage.IncEvent(pollID, event); err != nil {
		log.Warnw("could not count security event", "event", string(event), "error", err.Error())
	}
}

// Events returns the security counters of pollID.
func (s *Service) Events(pollID string) (types.EventCounters, error) {
	if _, err := s.Poll(pollID); err != nil {
		return nil, err
	}
	return s.storage.Events(pollID)
}

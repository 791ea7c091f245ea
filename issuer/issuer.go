// Package issuer is the Identity Authority token service. It evaluates the
// POPRF on blinded elements of verified identities, at most once per
// (identity, poll), and takes part in the two round blind proof that lets
// the voter build a token the Polling Operator verifies offline.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vocdoni/anonvote/crypto/oprf"
	"github.com/vocdoni/anonvote/crypto/signatures/ethereum"
	"github.com/vocdoni/anonvote/identity"
	"github.com/vocdoni/anonvote/log"
	"github.com/vocdoni/anonvote/storage"
	"github.com/vocdoni/anonvote/types"
	"github.com/vocdoni/anonvote/util"
)

var (
	ErrInvalidRequest      = errors.New("invalid issuance request")
	ErrIdentityRejected    = errors.New("identity rejected")
	ErrAlreadyIssued       = errors.New("token already issued for this poll")
	ErrReplayedProof       = errors.New("identity proof already used")
	ErrRateLimited         = errors.New("issuance rate limit exceeded")
	ErrIssuanceUnavailable = errors.New("issuance temporarily unavailable")
	ErrSessionNotFound     = errors.New("issuance session not found or expired")
	ErrSessionAnswered     = errors.New("issuance session already answered")
)

// State is a step of the issuance state machine.
type State string

const (
	StateReceived        State = "received"
	StateIdentityChecked State = "identity_checked"
	StateRateChecked     State = "rate_checked"
	StateEvaluated       State = "evaluated"
	StateIssued          State = "issued"
	StateRejected        State = "rejected"
)

// Config tunes the issuer.
type Config struct {
	// SessionTTL bounds the time between the two proof rounds.
	SessionTTL time.Duration
	// RateLimit is the number of tokens an identity may obtain inside
	// RateWindow, across all polls. Zero disables the limit.
	RateLimit  uint32
	RateWindow time.Duration
	Retry      util.RetryConfig
}

// DefaultConfig is used for zero valued Config fields.
var DefaultConfig = Config{
	SessionTTL: 2 * time.Minute,
	RateLimit:  0,
	RateWindow: 24 * time.Hour,
	Retry:      util.DefaultRetryConfig,
}

// Request is a token issuance request.
type Request struct {
	PollID         string         `json:"pollId"`
	BlindedElement types.HexBytes `json:"blindedElement"`
	ProofRef       string         `json:"identityProofRef"`
}

// Issuance is the first round answer: the evaluated element and the issuer
// half of the token proof. EvaluationProof is an RFC 9497 DLEQ proof that
// EvaluatedElement was computed with the published key of Epoch, so the
// client can reject a misbehaving issuer before revealing anything.
type Issuance struct {
	SessionID        string         `json:"sessionId"`
	Epoch            uint32         `json:"epoch"`
	EvaluatedElement types.HexBytes `json:"evaluatedElement"`
	CommitA          types.HexBytes `json:"commitA"`
	CommitB          types.HexBytes `json:"commitB"`
	EvaluationProof  types.HexBytes `json:"evaluationProof"`
}

// Issuer is the IA token service.
type Issuer struct {
	storage  *storage.Storage
	keys     *Keyring
	resolver identity.Resolver
	signer   *ethereum.Signer
	conf     Config
	now      func() time.Time
}

// New creates an Issuer. signer signs the published verification keys.
func New(st *storage.Storage, keys *Keyring, resolver identity.Resolver, signer *ethereum.Signer, conf Config) (*Issuer, error) {
	if st == nil || keys == nil || resolver == nil || signer == nil {
		return nil, fmt.Errorf("issuer: missing dependency")
	}
	if _, err := keys.Current(); err != nil {
		return nil, err
	}
	if conf.SessionTTL == 0 {
		conf.SessionTTL = DefaultConfig.SessionTTL
	}
	if conf.RateWindow == 0 {
		conf.RateWindow = DefaultConfig.RateWindow
	}
	if conf.Retry == (util.RetryConfig{}) {
		conf.Retry = DefaultConfig.Retry
	}
	return &Issuer{
		storage:  st,
		keys:     keys,
		resolver: resolver,
		signer:   signer,
		conf:     conf,
		now:      time.Now,
	}, nil
}

func transition(session string, state State, kv ...any) {
	log.Debugw("issuance", append([]any{"session", session, "state", string(state)}, kv...)...)
}

// RequestToken runs the issuance state machine for req. It fails with
// ErrInvalidRequest, ErrIdentityRejected, ErrAlreadyIssued,
// ErrReplayedProof, ErrRateLimited or ErrIssuanceUnavailable, or with the
// context error if ctx is done before the issuance is committed. A failed
// request leaves no trace besides the security event counters.
func (i *Issuer) RequestToken(ctx context.Context, req *Request) (*Issuance, error) {
	sessionID := uuid.NewString()
	transition(sessionID, StateReceived)
	reject := func(err error, event types.SecurityEvent) (*Issuance, error) {
		transition(sessionID, StateRejected, "reason", err.Error())
		if event != "" && req != nil {
			i.securityEvent(req.PollID, event)
		}
		return nil, err
	}

	if req == nil {
		return reject(fmt.Errorf("%w: empty request", ErrInvalidRequest), "")
	}
	if err := types.ValidatePollID(req.PollID); err != nil {
		return reject(fmt.Errorf("%w: %v", ErrInvalidRequest, err), "")
	}
	if _, err := oprf.DecodeElement(req.BlindedElement); err != nil {
		return reject(fmt.Errorf("%w: blinded element: %v", ErrInvalidRequest, err), "")
	}

	subject, err := i.resolver.Resolve(ctx, req.ProofRef)
	if err != nil {
		if errors.Is(err, identity.ErrIdentityRejected) {
			return reject(ErrIdentityRejected, types.EventIdentityReject)
		}
		return reject(fmt.Errorf("%w: %v", ErrIssuanceUnavailable, err), "")
	}
	transition(sessionID, StateIdentityChecked)

	key, err := i.keys.Current()
	if err != nil {
		return reject(fmt.Errorf("%w: %v", ErrIssuanceUnavailable, err), "")
	}
	now := i.now()
	issuance := &Issuance{SessionID: sessionID, Epoch: key.Epoch}
	session := &storage.IssuanceSession{
		ID:        sessionID,
		PollID:    req.PollID,
		Epoch:     key.Epoch,
		Blinded:   req.BlindedElement,
		CreatedAt: now,
		ExpiresAt: now.Add(i.conf.SessionTTL),
	}
	params := &storage.IssueParams{
		Subject:    subject,
		PollID:     req.PollID,
		ProofRef:   req.ProofRef,
		Epoch:      key.Epoch,
		RateLimit:  i.conf.RateLimit,
		RateWindow: i.conf.RateWindow,
		Session:    session,
		Now:        now,
	}
	evaluate := func() error {
		transition(sessionID, StateRateChecked)
		if issuance.EvaluatedElement == nil {
			if err := i.evaluate(key, req, issuance); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
			session.Evaluated = issuance.EvaluatedElement
		}
		transition(sessionID, StateEvaluated)
		return nil
	}

	err = util.Retry(ctx, i.conf.Retry, func() error {
		_, err := i.storage.IssueOnce(ctx, params, evaluate)
		return err
	}, isPermanentIssueError)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidRequest):
		return reject(err, "")
	case errors.Is(err, storage.ErrAlreadyIssued):
		return reject(ErrAlreadyIssued, types.EventAlreadyIssued)
	case errors.Is(err, storage.ErrProofRefConsumed):
		return reject(ErrReplayedProof, types.EventReplayedProof)
	case errors.Is(err, storage.ErrProofRefNotFound), errors.Is(err, storage.ErrProofRefExpired):
		return reject(ErrIdentityRejected, types.EventIdentityReject)
	case errors.Is(err, storage.ErrRateLimited):
		return reject(ErrRateLimited, types.EventRateLimited)
	case ctx.Err() != nil:
		return reject(ctx.Err(), "")
	default:
		log.Warnw("issuance storage failure", "session", sessionID, "error", err.Error())
		return reject(fmt.Errorf("%w: %v", ErrIssuanceUnavailable, err), "")
	}
	transition(sessionID, StateIssued, "epoch", key.Epoch)
	return issuance, nil
}

// evaluate computes the evaluation, the proof commitments and the
// evaluation proof of req under key.
func (i *Issuer) evaluate(key *EpochKey, req *Request, out *Issuance) error {
	info := []byte(req.PollID)
	evaluated, err := oprf.Evaluate(key.Key.Secret, req.BlindedElement, info)
	if err != nil {
		return err
	}
	w := oprf.IssuerNonce(key.Key.Secret, []byte(out.SessionID), req.BlindedElement)
	commitA, commitB, err := oprf.Commit(w, evaluated)
	if err != nil {
		return err
	}
	proof, err := oprf.ProveEvaluation(key.Key.Secret, req.BlindedElement, evaluated, info)
	if err != nil {
		return err
	}
	out.EvaluatedElement = evaluated
	out.CommitA = commitA
	out.CommitB = commitB
	out.EvaluationProof = proof.Encode()
	return nil
}

func isPermanentIssueError(err error) bool {
	for _, target := range []error{
		storage.ErrAlreadyIssued,
		storage.ErrProofRefConsumed,
		storage.ErrProofRefNotFound,
		storage.ErrProofRefExpired,
		storage.ErrRateLimited,
		storage.ErrInvalidIssueRequest,
		ErrInvalidRequest,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// CompleteToken answers the blinded challenge of a session with the
// response s' = w - c'·t. A session answers a single challenge; repeating
// it returns the same response.
func (i *Issuer) CompleteToken(ctx context.Context, sessionID string, challenge []byte) ([]byte, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, ErrSessionNotFound
	}
	if _, err := oprf.DecodeScalar(challenge); err != nil {
		return nil, fmt.Errorf("%w: challenge: %v", ErrInvalidRequest, err)
	}
	respond := func(sess *storage.IssuanceSession) ([]byte, error) {
		key, err := i.keys.Epoch(sess.Epoch)
		if err != nil {
			return nil, err
		}
		w := oprf.IssuerNonce(key.Key.Secret, []byte(sess.ID), sess.Blinded)
		return oprf.Respond(key.Key.Secret, w, challenge, []byte(sess.PollID))
	}
	var response []byte
	err := util.Retry(ctx, i.conf.Retry, func() error {
		var err error
		response, err = i.storage.AnswerSession(ctx, sessionID, challenge, i.now(), respond)
		return err
	}, func(err error) bool {
		return errors.Is(err, storage.ErrSessionNotFound) ||
			errors.Is(err, storage.ErrSessionExpired) ||
			errors.Is(err, storage.ErrSessionAnswered) ||
			errors.Is(err, oprf.ErrInvalidScalar)
	})
	switch {
	case err == nil:
		log.Debugw("issuance proof completed", "session", sessionID)
		return response, nil
	case errors.Is(err, storage.ErrSessionNotFound), errors.Is(err, storage.ErrSessionExpired):
		return nil, ErrSessionNotFound
	case errors.Is(err, storage.ErrSessionAnswered):
		log.Warnw("issuance session challenged twice", "session", sessionID)
		return nil, ErrSessionAnswered
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, fmt.Errorf("%w: %v", ErrIssuanceUnavailable, err)
	}
}

// VerificationKeys returns the signed verification key set the PO loads.
func (i *Issuer) VerificationKeys() (*types.VerificationKeySet, error) {
	return i.keys.KeySet(i.signer)
}

// Events returns the security counters of pollID.
func (i *Issuer) Events(pollID string) (types.EventCounters, error) {
	return i.storage.Events(pollID)
}

// PruneSessions drops the proof sessions that expired.
func (i *Issuer) PruneSessions() (int, error) {
	return i.storage.PruneSessions(i.now())
}

func (i *Issuer) securityEvent(pollID string, event types.SecurityEvent) {
	log.Monitor("security event", map[string]any{"poll": pollID, "event": string(event)})
	if types.ValidatePollID(pollID) != nil {
		return
	}
	if err := i.storage.IncEvent(pollID, event); err != nil {
		log.Warnw("could not count security event", "event", string(event), "error", err.Error())
	}
}

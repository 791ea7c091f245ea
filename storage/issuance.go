package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vocdoni/anonvote/db"
	"github.com/vocdoni/anonvote/db/prefixeddb"
	"github.com/vocdoni/anonvote/util"
)

var (
	ErrAlreadyIssued       = errors.New("token already issued for this identity and poll")
	ErrProofRefNotFound    = errors.New("identity proof reference not found")
	ErrProofRefExpired     = errors.New("identity proof reference expired")
	ErrProofRefConsumed    = errors.New("identity proof reference already used")
	ErrRateLimited         = errors.New("issuance rate limit exceeded")
	ErrSessionNotFound     = errors.New("issuance session not found")
	ErrSessionExpired      = errors.New("issuance session expired")
	ErrSessionAnswered     = errors.New("issuance session already answered a different challenge")
	ErrInvalidIssueRequest = errors.New("invalid issuance parameters")
)

// IssueParams describes one issuance attempt.
type IssueParams struct {
	Subject  string
	PollID   string
	ProofRef string
	Epoch    uint32
	// RateLimit is the maximum number of issuances per subject inside
	// RateWindow. Zero disables the limit.
	RateLimit  uint32
	RateWindow time.Duration
	Session    *IssuanceSession
	Now        time.Time
}

func issuanceKey(subject, pollID string) []byte {
	return append(util.LengthPrefixed([]byte(subject)), pollID...)
}

// CreateProofRef stores a new proof reference.
func (s *Storage) CreateProofRef(rec *ProofRefRecord) error {
	if rec == nil || rec.Ref == "" || rec.Subject == "" {
		return fmt.Errorf("invalid proof reference")
	}
	wTx := prefixeddb.NewPrefixedDatabase(s.db, proofRefPrefix).WriteTx()
	defer wTx.Discard()
	found, err := exists(wTx, []byte(rec.Ref))
	if err != nil {
		return err
	}
	if found {
		return ErrKeyAlreadyExists
	}
	if err := setArtifactTx(wTx, []byte(rec.Ref), rec); err != nil {
		return err
	}
	return wTx.Commit()
}

// ProofRef returns the record of ref.
func (s *Storage) ProofRef(ref string) (*ProofRefRecord, error) {
	rec := &ProofRefRecord{}
	if err := s.getArtifact(proofRefPrefix, []byte(ref), rec); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrProofRefNotFound
		}
		return nil, err
	}
	return rec, nil
}

// PruneProofRefs deletes the references that expired before now and returns
// how many were removed. A replay of a pruned reference is reported as
// unknown instead of consumed.
func (s *Storage) PruneProofRefs(now time.Time) (int, error) {
	return pruneExpired(s.db, proofRefPrefix, func(data []byte) (bool, error) {
		rec := &ProofRefRecord{}
		if err := DecodeArtifact(data, rec); err != nil {
			return false, err
		}
		return rec.Expired(now), nil
	})
}

// Issuance returns the issuance record of subject for pollID.
func (s *Storage) Issuance(subject, pollID string) (*IssuanceRecord, error) {
	rec := &IssuanceRecord{}
	if err := s.getArtifact(issuancePrefix, issuanceKey(subject, pollID), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// IssueOnce atomically records the issuance of a token to p.Subject for
// p.PollID. Inside a single transaction, holding the subject lock, it
// checks in order that no record exists for the pair (ErrAlreadyIssued),
// that the proof reference belongs to the subject and is unused
// (ErrProofRefNotFound, ErrProofRefExpired, ErrProofRefConsumed) and that
// the subject is under its rate limit (ErrRateLimited). Then it calls
// prepare, if given, and commits the record, the consumed reference, the
// rate counter and the session together. An error from prepare or a done
// ctx aborts the transaction and nothing is written.
func (s *Storage) IssueOnce(ctx context.Context, p *IssueParams, prepare func() error) (*IssuanceRecord, error) {
	if p == nil || p.Subject == "" || p.PollID == "" || p.ProofRef == "" {
		return nil, ErrInvalidIssueRequest
	}
	if p.Now.IsZero() {
		p.Now = time.Now()
	}
	unlock := s.locks.Lock("issue/" + p.Subject)
	defer unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()
	issuances := prefixeddb.NewPrefixedWriteTx(wTx, issuancePrefix)
	refs := prefixeddb.NewPrefixedWriteTx(wTx, proofRefPrefix)
	counters := prefixeddb.NewPrefixedWriteTx(wTx, rateCounterPrefix)
	sessions := prefixeddb.NewPrefixedWriteTx(wTx, sessionPrefix)

	key := issuanceKey(p.Subject, p.PollID)
	found, err := exists(issuances, key)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, ErrAlreadyIssued
	}

	ref := &ProofRefRecord{}
	if err := getArtifactTx(refs, []byte(p.ProofRef), ref); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrProofRefNotFound
		}
		return nil, err
	}
	switch {
	case ref.Subject != p.Subject:
		return nil, ErrProofRefNotFound
	case ref.ConsumedAt != nil:
		return nil, ErrProofRefConsumed
	case ref.Expired(p.Now):
		return nil, ErrProofRefExpired
	}

	rate := &RateCounter{}
	if err := getArtifactTx(counters, []byte(p.Subject), rate); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if rate.WindowStart.IsZero() || !p.Now.Before(rate.WindowStart.Add(p.RateWindow)) {
		rate = &RateCounter{WindowStart: p.Now}
	}
	if p.RateLimit > 0 && rate.Count >= p.RateLimit {
		return nil, ErrRateLimited
	}
	rate.Count++

	if prepare != nil {
		if err := prepare(); err != nil {
			return nil, err
		}
	}

	rec := &IssuanceRecord{
		Subject:  p.Subject,
		PollID:   p.PollID,
		ProofRef: p.ProofRef,
		Epoch:    p.Epoch,
		IssuedAt: p.Now,
	}
	if err := setArtifactTx(issuances, key, rec); err != nil {
		return nil, err
	}
	consumedAt := p.Now
	ref.ConsumedAt = &consumedAt
	ref.ConsumedFor = p.PollID
	if err := setArtifactTx(refs, []byte(p.ProofRef), ref); err != nil {
		return nil, err
	}
	if err := setArtifactTx(counters, []byte(p.Subject), rate); err != nil {
		return nil, err
	}
	if p.Session != nil {
		if err := setArtifactTx(sessions, []byte(p.Session.ID), p.Session); err != nil {
			return nil, err
		}
	}
	if err := commit(ctx, wTx); err != nil {
		return nil, err
	}
	return rec, nil
}

// Session returns the issuance session id.
func (s *Storage) Session(id string) (*IssuanceSession, error) {
	sess := &IssuanceSession{}
	if err := s.getArtifact(sessionPrefix, []byte(id), sess); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return sess, nil
}

// AnswerSession returns the response of session id to challenge, computing
// it with respond the first time. Repeating the same challenge returns the
// stored response; any other challenge fails with ErrSessionAnswered, so
// the proof nonce of a session is never used twice.
func (s *Storage) AnswerSession(ctx context.Context, id string, challenge []byte, now time.Time,
	respond func(sess *IssuanceSession) ([]byte, error),
) ([]byte, error) {
	unlock := s.locks.Lock("session/" + id)
	defer unlock()

	wTx := prefixeddb.NewPrefixedDatabase(s.db, sessionPrefix).WriteTx()
	defer wTx.Discard()
	sess := &IssuanceSession{}
	if err := getArtifactTx(wTx, []byte(id), sess); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if sess.Answered() {
		if bytes.Equal(sess.Challenge, challenge) {
			return sess.Response, nil
		}
		return nil, ErrSessionAnswered
	}
	if !now.Before(sess.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	response, err := respond(sess)
	if err != nil {
		return nil, err
	}
	sess.Challenge = bytes.Clone(challenge)
	sess.Response = response
	if err := setArtifactTx(wTx, []byte(id), sess); err != nil {
		return nil, err
	}
	if err := commit(ctx, wTx); err != nil {
		return nil, err
	}
	return response, nil
}

// PruneSessions deletes the sessions that expired before now.
func (s *Storage) PruneSessions(now time.Time) (int, error) {
	return pruneExpired(s.db, sessionPrefix, func(data []byte) (bool, error) {
		sess := &IssuanceSession{}
		if err := DecodeArtifact(data, sess); err != nil {
			return false, err
		}
		return !now.Before(sess.ExpiresAt), nil
	})
}

// pruneExpired deletes every entry under prefix for which expired returns
// true.
func pruneExpired(database db.Database, prefix []byte, expired func(data []byte) (bool, error)) (int, error) {
	var (
		keys    [][]byte
		iterErr error
	)
	if err := database.Iterate(prefix, func(k, v []byte) bool {
		ok, err := expired(v)
		if err != nil {
			iterErr = err
			return false
		}
		if ok {
			keys = append(keys, bytes.Clone(k))
		}
		return true
	}); err != nil {
		return 0, err
	}
	if iterErr != nil {
		return 0, iterErr
	}
	if len(keys) == 0 {
		return 0, nil
	}
	wTx := prefixeddb.NewPrefixedDatabase(database, prefix).WriteTx()
	defer wTx.Discard()
	for _, k := range keys {
		if err := wTx.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wTx.Commit(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

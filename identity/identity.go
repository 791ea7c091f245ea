// Package identity is the hook between an external identity provider and
// the token issuer. A Verifier checks a credential and hands out a
// single-use, time-bounded proof reference; the issuer later resolves the
// reference to the stable subject it was issued for and consumes it in the
// same transaction that records the issuance.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vocdoni/anonvote/log"
	"github.com/vocdoni/anonvote/storage"
)

const (
	// DefaultRefTTL is how long a proof reference stays usable.
	DefaultRefTTL = 10 * time.Minute
	// MaxSubjectLen bounds the subject asserted by a credential.
	MaxSubjectLen = 256
)

// ErrIdentityRejected is returned for invalid credentials and for unknown or
// expired proof references.
var ErrIdentityRejected = errors.New("identity rejected")

// Verifier turns a credential into a proof reference.
type Verifier interface {
	VerifyIdentity(ctx context.Context, credential []byte) (string, error)
}

// Resolver returns the subject a proof reference was issued for.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Checker validates a credential and extracts its stable subject. The
// subject must identify the person, not the credential, so that two
// credentials of the same person map to the same issuance record.
type Checker interface {
	Check(ctx context.Context, credential []byte) (string, error)
}

// Registry implements Verifier and Resolver over a Checker, storing the
// proof references it hands out.
type Registry struct {
	storage *storage.Storage
	checker Checker
	ttl     time.Duration
	now     func() time.Time
}

var (
	_ Verifier = (*Registry)(nil)
	_ Resolver = (*Registry)(nil)
)

// NewRegistry creates a Registry. A zero ttl means DefaultRefTTL.
func NewRegistry(st *storage.Storage, checker Checker, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultRefTTL
	}
	return &Registry{storage: st, checker: checker, ttl: ttl, now: time.Now}
}

// VerifyIdentity checks credential and returns a fresh proof reference
// bound to its subject.
func (r *Registry) VerifyIdentity(ctx context.Context, credential []byte) (string, error) {
	subject, err := r.checker.Check(ctx, credential)
	if err != nil {
		log.Debugw("credential rejected", "error", err.Error())
		return "", fmt.Errorf("%w: %v", ErrIdentityRejected, err)
	}
	if subject == "" || len(subject) > MaxSubjectLen {
		return "", fmt.Errorf("%w: invalid subject", ErrIdentityRejected)
	}
	now := r.now()
	ref := uuid.NewString()
	if err := r.storage.CreateProofRef(&storage.ProofRefRecord{
		Ref:       ref,
		Subject:   subject,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}); err != nil {
		return "", fmt.Errorf("store proof reference: %w", err)
	}
	return ref, nil
}

// Resolve returns the subject of ref. Consumed references still resolve, so
// the issuer can tell a replay apart from an unknown reference.
func (r *Registry) Resolve(_ context.Context, ref string) (string, error) {
	if _, err := uuid.Parse(ref); err != nil {
		return "", ErrIdentityRejected
	}
	rec, err := r.storage.ProofRef(ref)
	if errors.Is(err, storage.ErrProofRefNotFound) {
		return "", ErrIdentityRejected
	}
	if err != nil {
		return "", err
	}
	if rec.ConsumedAt == nil && rec.Expired(r.now()) {
		return "", ErrIdentityRejected
	}
	return rec.Subject, nil
}

// Prune removes expired references.
func (r *Registry) Prune() (int, error) {
	return r.storage.PruneProofRefs(r.now())
}

package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vocdoni/anonvote/crypto/signatures/ethereum"
	"github.com/vocdoni/anonvote/types"
	"github.com/vocdoni/anonvote/util"
)

const credentialDomain = "anonvote-credential-v1"

// DefaultCredentialMaxAge bounds how old a signed credential may be.
const DefaultCredentialMaxAge = 5 * time.Minute

// Credential is an attestation by an identity authority that the bearer is
// Subject. It is what the reference Checker accepts.
type Credential struct {
	Subject   string         `json:"subject"`
	IssuedAt  time.Time      `json:"issuedAt"`
	Signature types.HexBytes `json:"signature"`
}

// SignedPayload is the message covered by Signature.
func (c *Credential) SignedPayload() []byte {
	out := util.LengthPrefixed([]byte(credentialDomain), []byte(c.Subject))
	return append(out, util.Uint64ToBytes(uint64(c.IssuedAt.Unix()))...)
}

// Marshal returns the JSON encoding sent to the Verifier.
func (c *Credential) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// NewCredential signs a credential for subject.
func NewCredential(signer *ethereum.Signer, subject string, issuedAt time.Time) (*Credential, error) {
	c := &Credential{Subject: subject, IssuedAt: issuedAt.Truncate(time.Second)}
	sig, err := signer.Sign(c.SignedPayload())
	if err != nil {
		return nil, err
	}
	c.Signature = sig
	return c, nil
}

// SignedCredentialChecker accepts credentials signed by a trusted authority
// address and not older than MaxAge.
type SignedCredentialChecker struct {
	Authority common.Address
	MaxAge    time.Duration
	now       func() time.Time
}

var _ Checker = (*SignedCredentialChecker)(nil)

// NewSignedCredentialChecker trusts credentials signed by authority.
func NewSignedCredentialChecker(authority common.Address, maxAge time.Duration) *SignedCredentialChecker {
	if maxAge <= 0 {
		maxAge = DefaultCredentialMaxAge
	}
	return &SignedCredentialChecker{Authority: authority, MaxAge: maxAge, now: time.Now}
}

// Check implements Checker.
func (s *SignedCredentialChecker) Check(_ context.Context, credential []byte) (string, error) {
	c := &Credential{}
	if err := json.Unmarshal(credential, c); err != nil {
		return "", fmt.Errorf("malformed credential: %w", err)
	}
	if c.Subject == "" {
		return "", fmt.Errorf("credential without subject")
	}
	now := s.now()
	if c.IssuedAt.After(now.Add(time.Minute)) {
		return "", fmt.Errorf("credential issued in the future")
	}
	if now.Sub(c.IssuedAt) > s.MaxAge {
		return "", fmt.Errorf("credential too old")
	}
	if err := ethereum.Verify(c.SignedPayload(), c.Signature, s.Authority); err != nil {
		return "", err
	}
	return c.Subject, nil
}

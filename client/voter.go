package client

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gtank/ristretto255"
	"github.com/vocdoni/anonvote/api"
	"github.com/vocdoni/anonvote/crypto/oprf"
	"github.com/vocdoni/anonvote/crypto/signatures/ethereum"
	"github.com/vocdoni/anonvote/issuer"
	"github.com/vocdoni/anonvote/log"
	"github.com/vocdoni/anonvote/types"
	"github.com/vocdoni/anonvote/util"
	"golang.org/x/crypto/hkdf"
)

// SeedSize is the size of a voter secret seed.
const SeedSize = 32

var (
	// ErrIssuerMisbehaved is returned when the IA answers with an
	// evaluation or proof that does not match its published key.
	ErrIssuerMisbehaved = errors.New("issuer answer does not match its published key")
	// ErrUntrustedKeys is returned for key sets not signed by the expected
	// IA signer.
	ErrUntrustedKeys = errors.New("untrusted verification key set")
)

var nonceSalt = []byte("anonvote-voter-nonce-v1")

// Voter holds the secret seed a voter derives its per poll token inputs
// from. The same seed always yields the same input for a poll, so a voter
// that lost a token can still recompute which input it asked for.
type Voter struct {
	seed []byte
}

// NewVoter returns a Voter for seed, which needs at least SeedSize bytes.
func NewVoter(seed []byte) (*Voter, error) {
	if len(seed) < SeedSize {
		return nil, fmt.Errorf("voter seed must be at least %d bytes", SeedSize)
	}
	return &Voter{seed: append([]byte(nil), seed...)}, nil
}

// RandomVoter returns a Voter with a fresh random seed.
func RandomVoter() *Voter {
	return &Voter{seed: util.RandomBytes(SeedSize)}
}

// Seed returns the secret seed of the voter.
func (v *Voter) Seed() []byte {
	return append([]byte(nil), v.seed...)
}

// TokenInput returns the PRF input of the voter for pollID.
func (v *Voter) TokenInput(pollID string) ([]byte, error) {
	nonce := make([]byte, oprf.InputNonceSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, v.seed, nonceSalt, []byte(pollID)), nonce); err != nil {
		return nil, err
	}
	return oprf.TokenInput(pollID, nonce), nil
}

// VerifyKeySet checks that set is signed by signer.
func VerifyKeySet(set *types.VerificationKeySet, signer common.Address) error {
	if set == nil {
		return ErrUntrustedKeys
	}
	if common.BytesToAddress(set.Signer) != signer {
		return fmt.Errorf("%w: signed by %x", ErrUntrustedKeys, []byte(set.Signer))
	}
	if err := ethereum.Verify(set.SignedPayload(), set.Signature, signer); err != nil {
		return fmt.Errorf("%w: %v", ErrUntrustedKeys, err)
	}
	return nil
}

// epochKey returns the decoded public key of epoch if it is valid now.
func epochKey(set *types.VerificationKeySet, epoch uint32) (*ristretto255.Element, error) {
	vk, err := set.Key(epoch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuerMisbehaved, err)
	}
	if !vk.ValidAt(time.Now()) {
		return nil, fmt.Errorf("%w: epoch %d is not valid", ErrIssuerMisbehaved, epoch)
	}
	return oprf.DecodeElement(vk.PublicKey)
}

// VerifyIdentity exchanges a credential for an identity proof reference.
func (c *HTTPclient) VerifyIdentity(ctx context.Context, credential []byte) (string, error) {
	resp := &api.IdentityResponse{}
	if err := c.call(ctx, http.MethodPost, &api.IdentityRequest{Credential: credential}, resp, nil, api.IdentityEndpoint); err != nil {
		return "", err
	}
	return resp.IdentityProofRef, nil
}

// VerificationKeys fetches the verification key set served by the node.
// Callers must check it with VerifyKeySet before trusting it.
func (c *HTTPclient) VerificationKeys(ctx context.Context) (*types.VerificationKeySet, error) {
	set := &types.VerificationKeySet{}
	return set, c.call(ctx, http.MethodGet, nil, set, nil, api.KeysEndpoint)
}

// RequestToken runs the first issuance round.
func (c *HTTPclient) RequestToken(ctx context.Context, req *issuer.Request) (*issuer.Issuance, error) {
	iss := &issuer.Issuance{}
	return iss, c.call(ctx, http.MethodPost, req, iss, nil, api.TokensEndpoint)
}

// CompleteToken runs the second issuance round.
func (c *HTTPclient) CompleteToken(ctx context.Context, sessionID string, challenge []byte) ([]byte, error) {
	resp := &api.TokenChallengeResponse{}
	err := c.call(ctx, http.MethodPost, &api.TokenChallengeRequest{Challenge: challenge}, resp, nil,
		api.EndpointWithParam(api.TokenEndpoint, api.SessionURLParam, sessionID))
	return resp.Response, err
}

// ObtainToken runs both issuance rounds for input in pollID, using the
// identity proof reference ref. Every answer of the IA is checked against
// keys, which must have been verified with VerifyKeySet.
func (c *HTTPclient) ObtainToken(ctx context.Context, keys *types.VerificationKeySet, ref, pollID string, input []byte) (*oprf.Token, error) {
	info := []byte(pollID)
	treq, err := oprf.NewTokenRequest(input, info)
	if err != nil {
		return nil, err
	}
	iss, err := c.RequestToken(ctx, &issuer.Request{PollID: pollID, BlindedElement: treq.Blinded(), ProofRef: ref})
	if err != nil {
		return nil, err
	}
	pk, err := epochKey(keys, iss.Epoch)
	if err != nil {
		return nil, err
	}
	proof, err := oprf.DecodeProof(iss.EvaluationProof)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuerMisbehaved, err)
	}
	if !oprf.VerifyEvaluation(pk, treq.Blinded(), iss.EvaluatedElement, info, proof) {
		return nil, fmt.Errorf("%w: evaluation proof", ErrIssuerMisbehaved)
	}
	challenge, err := treq.Challenge(pk, iss.EvaluatedElement, iss.CommitA, iss.CommitB)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuerMisbehaved, err)
	}
	response, err := c.CompleteToken(ctx, iss.SessionID, challenge)
	if err != nil {
		return nil, err
	}
	tok, err := treq.Finish(iss.Epoch, response)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuerMisbehaved, err)
	}
	log.Debugw("token obtained", "poll", pollID, "epoch", iss.Epoch)
	return tok, nil
}

package oprf

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/gtank/ristretto255"
	"github.com/vocdoni/anonvote/types"
	"github.com/vocdoni/anonvote/util"
)

const (
	inputDomain = "anonvote-v1"
	// InputNonceSize is the size of the per voter nonce inside a token input.
	InputNonceSize = 32
	// TagSize is the size of a spent token tag.
	TagSize = 32
)

var dstNonce = append([]byte("Nonce-"), contextString...)

// TokenInput returns the PRF input of a voter for a poll:
// "anonvote-v1" || len16(poll) || poll || nonce.
func TokenInput(pollID string, nonce []byte) []byte {
	out := append([]byte(inputDomain), util.LengthPrefixed([]byte(pollID))...)
	return append(out, nonce...)
}

// ParseTokenInput splits a token input into its poll id and nonce.
func ParseTokenInput(input []byte) (string, []byte, error) {
	rest, ok := bytes.CutPrefix(input, []byte(inputDomain))
	if !ok || len(rest) < 2 {
		return "", nil, fmt.Errorf("%w: bad token input domain", ErrInvalidInput)
	}
	n := int(binary.BigEndian.Uint16(rest))
	rest = rest[2:]
	if len(rest) != n+InputNonceSize {
		return "", nil, fmt.Errorf("%w: bad token input length", ErrInvalidInput)
	}
	return string(rest[:n]), rest[n:], nil
}

// Token is what a voter presents to the PO: the unblinded PRF element for
// Input under key Epoch, and a DLEQ proof that it was evaluated with the
// key of that epoch. Nothing in it refers to the blinded request.
type Token struct {
	Epoch   uint32         `json:"epoch"`
	Input   types.HexBytes `json:"input"`
	Element types.HexBytes `json:"element"`
	Proof   types.HexBytes `json:"proof"`
}

// Output returns the POPRF output of the token for info.
func (t *Token) Output(info []byte) []byte {
	return Finalize(t.Input, info, t.Element)
}

// Tag returns the spent token tag: the first TagSize bytes of the output.
// It depends only on the input and element, never on the proof, so a
// re-randomized proof cannot produce a fresh tag.
func (t *Token) Tag(info []byte) []byte {
	return t.Output(info)[:TagSize]
}

// FinalizeAndVerify checks that the token element is the PRF evaluation of
// its input under the secret behind publicKey for info. It recomputes the
// proof commitments from the public values and compares the challenge in
// constant time.
func FinalizeAndVerify(t *Token, publicKey *ristretto255.Element, info []byte) bool {
	if t == nil || publicKey == nil || len(t.Input) == 0 {
		return false
	}
	N, err := DecodeElement(t.Element)
	if err != nil {
		return false
	}
	proof, err := DecodeProof(t.Proof)
	if err != nil {
		return false
	}
	P := HashToGroup(t.Input)
	if isIdentity(P) {
		return false
	}
	T, err := TweakedKey(publicKey, info)
	if err != nil {
		return false
	}
	A := ristretto255.NewElement().Add(
		ristretto255.NewElement().ScalarBaseMult(proof.Response),
		ristretto255.NewElement().ScalarMult(proof.Challenge, T))
	C := ristretto255.NewElement().Add(
		ristretto255.NewElement().ScalarMult(proof.Response, N),
		ristretto255.NewElement().ScalarMult(proof.Challenge, P))
	expected := challenge("TokenChallenge", T, N, P, A, C)
	return subtle.ConstantTimeCompare(EncodeScalar(expected), EncodeScalar(proof.Challenge)) == 1
}

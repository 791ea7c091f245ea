// Package oprf implements the partially-oblivious PRF of RFC 9497 (POPRF
// mode) over ristretto255 with SHA-512, the DLEQ proofs it relies on, and
// the blind proof transcript that turns an evaluation into a token the PO
// can verify offline.
//
// The public input ("info") of the POPRF is the poll identifier, so every
// evaluation and every token is bound to one poll. Scalar multiplication and
// inversion are constant time (github.com/gtank/ristretto255).
package oprf

import (
	"crypto/sha512"
	"errors"

	"github.com/gtank/ristretto255"
	"github.com/vocdoni/anonvote/util"
)

const (
	modePOPRF = 0x02
	suiteID   = "ristretto255-SHA512"
)

var (
	contextString = []byte("OPRFV1-" + string([]byte{modePOPRF}) + "-" + suiteID)

	dstHashToGroup  = append([]byte("HashToGroup-"), contextString...)
	dstHashToScalar = append([]byte("HashToScalar-"), contextString...)
	dstDeriveKey    = append([]byte("DeriveKeyPair"), contextString...)
	dstSeed         = append([]byte("Seed-"), contextString...)
)

var (
	// ErrInvalidInput is returned when an input maps to the identity.
	ErrInvalidInput = errors.New("oprf: invalid input")
	// ErrInvalidElement is returned for non-canonical or identity elements.
	ErrInvalidElement = errors.New("oprf: invalid element")
	// ErrInvalidScalar is returned for non-canonical scalars.
	ErrInvalidScalar = errors.New("oprf: invalid scalar")
	// ErrInverse is returned when the poll-tweaked key is zero.
	ErrInverse = errors.New("oprf: tweaked key is not invertible")
	// ErrDeriveKeyPair is returned when no valid key could be derived.
	ErrDeriveKeyPair = errors.New("oprf: cannot derive key pair")
	// ErrInvalidProof is returned when a DLEQ proof does not verify.
	ErrInvalidProof = errors.New("oprf: invalid proof")
)

// KeyPair is a POPRF server key.
type KeyPair struct {
	Secret *ristretto255.Scalar
	Public *ristretto255.Element
}

// PublicBytes returns the encoded public key.
func (k *KeyPair) PublicBytes() []byte {
	return EncodeElement(k.Public)
}

// DeriveKeyPair derives a key pair from a seed of at least 32 bytes of
// entropy and a public key info string (RFC 9497 section 3.2.1).
func DeriveKeyPair(seed, info []byte) (*KeyPair, error) {
	if len(seed) < 32 {
		return nil, ErrDeriveKeyPair
	}
	deriveInput := append(append([]byte{}, seed...), util.LengthPrefixed(info)...)
	for counter := 0; counter < 256; counter++ {
		msg := append(append([]byte{}, deriveInput...), byte(counter))
		sk := hashToScalar(msg, dstDeriveKey)
		if isZero(sk) {
			continue
		}
		return &KeyPair{Secret: sk, Public: ristretto255.NewElement().ScalarBaseMult(sk)}, nil
	}
	return nil, ErrDeriveKeyPair
}

// GenerateKeyPair returns a random key pair, for keys that never need to be
// derived again. Nodes derive their epoch keys with DeriveKeyPair.
func GenerateKeyPair() *KeyPair {
	sk := RandomScalar()
	return &KeyPair{Secret: sk, Public: ristretto255.NewElement().ScalarBaseMult(sk)}
}

// infoScalar is m = HashToScalar("Info" || len(info) || info).
func infoScalar(info []byte) *ristretto255.Scalar {
	framed := append([]byte("Info"), util.LengthPrefixed(info)...)
	return HashToScalar(framed)
}

// TweakedKey returns T = pk + m·G, the public key the evaluation for info is
// proven against.
func TweakedKey(publicKey *ristretto255.Element, info []byte) (*ristretto255.Element, error) {
	T := ristretto255.NewElement().ScalarBaseMult(infoScalar(info))
	T.Add(T, publicKey)
	if isIdentity(T) {
		return nil, ErrInverse
	}
	return T, nil
}

// tweakedSecret returns t = sk + m.
func tweakedSecret(secret *ristretto255.Scalar, info []byte) (*ristretto255.Scalar, error) {
	t := ristretto255.NewScalar().Add(secret, infoScalar(info))
	if isZero(t) {
		return nil, ErrInverse
	}
	return t, nil
}

// Blind hashes input to the group and multiplies it by a fresh random
// scalar. It returns the encoded blinded element and the blind.
func Blind(input []byte) ([]byte, *ristretto255.Scalar, error) {
	return blindWith(input, RandomScalar())
}

func blindWith(input []byte, blind *ristretto255.Scalar) ([]byte, *ristretto255.Scalar, error) {
	P := HashToGroup(input)
	if isIdentity(P) {
		return nil, nil, ErrInvalidInput
	}
	B := ristretto255.NewElement().ScalarMult(blind, P)
	return EncodeElement(B), blind, nil
}

// Evaluate computes (sk + m)⁻¹ · blinded for info. blinded must be a
// canonical non-identity encoding.
func Evaluate(secret *ristretto255.Scalar, blinded, info []byte) ([]byte, error) {
	B, err := DecodeElement(blinded)
	if err != nil {
		return nil, err
	}
	t, err := tweakedSecret(secret, info)
	if err != nil {
		return nil, err
	}
	tInv, err := inverse(t)
	if err != nil {
		return nil, err
	}
	return EncodeElement(ristretto255.NewElement().ScalarMult(tInv, B)), nil
}

// Unblind removes the blind from an evaluated element and returns the
// canonical encoding of the result.
func Unblind(evaluated []byte, blind *ristretto255.Scalar) ([]byte, error) {
	Z, err := DecodeElement(evaluated)
	if err != nil {
		return nil, err
	}
	rInv, err := inverse(blind)
	if err != nil {
		return nil, err
	}
	return EncodeElement(ristretto255.NewElement().ScalarMult(rInv, Z)), nil
}

// Finalize is the POPRF output hash:
// SHA-512(len‖input ‖ len‖info ‖ len‖element ‖ "Finalize").
func Finalize(input, info, element []byte) []byte {
	h := sha512.New()
	h.Write(util.LengthPrefixed(input, info, element))
	h.Write([]byte("Finalize"))
	return h.Sum(nil)
}

package oprf

import (
	"crypto/sha512"
	"crypto/subtle"

	"github.com/gtank/ristretto255"
	"github.com/vocdoni/anonvote/util"
)

// Proof is a Chaum-Pedersen discrete log equality proof (c, s), 64 bytes
// when encoded.
type Proof struct {
	Challenge *ristretto255.Scalar
	Response  *ristretto255.Scalar
}

// ProofSize is the size of an encoded Proof.
const ProofSize = 2 * ScalarSize

// Encode returns c || s.
func (p *Proof) Encode() []byte {
	out := EncodeScalar(p.Challenge)
	return append(out, EncodeScalar(p.Response)...)
}

// DecodeProof parses c || s.
func DecodeProof(b []byte) (*Proof, error) {
	if len(b) != ProofSize {
		return nil, ErrInvalidProof
	}
	c, err := DecodeScalar(b[:ScalarSize])
	if err != nil {
		return nil, err
	}
	s, err := DecodeScalar(b[ScalarSize:])
	if err != nil {
		return nil, err
	}
	return &Proof{Challenge: c, Response: s}, nil
}

// computeComposites folds the pairs (cs[i], ds[i]) into (M, Z) with weights
// derived from the transcript. When k is not nil Z is computed as k·M.
func computeComposites(k *ristretto255.Scalar, B *ristretto255.Element, cs, ds []*ristretto255.Element) (M, Z *ristretto255.Element) {
	Bm := EncodeElement(B)
	seed := sha512.Sum512(util.LengthPrefixed(Bm, dstSeed))

	M = ristretto255.NewElement()
	Z = ristretto255.NewElement()
	for i := range cs {
		transcript := util.LengthPrefixed(seed[:])
		transcript = append(transcript, byte(i>>8), byte(i))
		transcript = append(transcript, util.LengthPrefixed(EncodeElement(cs[i]), EncodeElement(ds[i]))...)
		transcript = append(transcript, "Composite"...)
		di := HashToScalar(transcript)
		M.Add(M, ristretto255.NewElement().ScalarMult(di, cs[i]))
		if k == nil {
			Z.Add(Z, ristretto255.NewElement().ScalarMult(di, ds[i]))
		}
	}
	if k != nil {
		Z.ScalarMult(k, M)
	}
	return M, Z
}

func challenge(label string, elems ...*ristretto255.Element) *ristretto255.Scalar {
	parts := make([][]byte, len(elems))
	for i, e := range elems {
		parts[i] = EncodeElement(e)
	}
	transcript := append(util.LengthPrefixed(parts...), label...)
	return HashToScalar(transcript)
}

// GenerateProof proves that B = k·A and ds[i] = k·cs[i] for every i (RFC
// 9497 section 2.2.1). For the POPRF, k is the tweaked secret, A the
// generator, B the tweaked key, cs the evaluated and ds the blinded
// elements.
func GenerateProof(k *ristretto255.Scalar, A, B *ristretto255.Element, cs, ds []*ristretto255.Element) *Proof {
	return generateProofWith(k, A, B, cs, ds, RandomScalar())
}

func generateProofWith(k *ristretto255.Scalar, A, B *ristretto255.Element, cs, ds []*ristretto255.Element, r *ristretto255.Scalar) *Proof {
	M, Z := computeComposites(k, B, cs, ds)
	t2 := ristretto255.NewElement().ScalarMult(r, A)
	t3 := ristretto255.NewElement().ScalarMult(r, M)
	c := challenge("Challenge", B, M, Z, t2, t3)
	s := ristretto255.NewScalar().Subtract(r, ristretto255.NewScalar().Multiply(c, k))
	return &Proof{Challenge: c, Response: s}
}

// VerifyProof checks a proof produced by GenerateProof.
func VerifyProof(A, B *ristretto255.Element, cs, ds []*ristretto255.Element, proof *Proof) bool {
	if len(cs) == 0 || len(cs) != len(ds) || proof == nil {
		return false
	}
	M, Z := computeComposites(nil, B, cs, ds)
	t2 := ristretto255.NewElement().Add(
		ristretto255.NewElement().ScalarMult(proof.Response, A),
		ristretto255.NewElement().ScalarMult(proof.Challenge, B))
	t3 := ristretto255.NewElement().Add(
		ristretto255.NewElement().ScalarMult(proof.Response, M),
		ristretto255.NewElement().ScalarMult(proof.Challenge, Z))
	expected := challenge("Challenge", B, M, Z, t2, t3)
	return subtle.ConstantTimeCompare(EncodeScalar(expected), EncodeScalar(proof.Challenge)) == 1
}

// ProveEvaluation proves that evaluated = t⁻¹·blinded under the tweaked key
// of info, so the client can detect a server evaluating under a key other
// than the published one.
func ProveEvaluation(secret *ristretto255.Scalar, blinded, evaluated, info []byte) (*Proof, error) {
	B, err := DecodeElement(blinded)
	if err != nil {
		return nil, err
	}
	Z, err := DecodeElement(evaluated)
	if err != nil {
		return nil, err
	}
	t, err := tweakedSecret(secret, info)
	if err != nil {
		return nil, err
	}
	T := ristretto255.NewElement().ScalarBaseMult(t)
	return GenerateProof(t, ristretto255.NewElement().Base(), T, []*ristretto255.Element{Z}, []*ristretto255.Element{B}), nil
}

// VerifyEvaluation checks a ProveEvaluation proof against the public key.
func VerifyEvaluation(publicKey *ristretto255.Element, blinded, evaluated, info []byte, proof *Proof) bool {
	B, err := DecodeElement(blinded)
	if err != nil {
		return false
	}
	Z, err := DecodeElement(evaluated)
	if err != nil {
		return false
	}
	T, err := TweakedKey(publicKey, info)
	if err != nil {
		return false
	}
	return VerifyProof(ristretto255.NewElement().Base(), T, []*ristretto255.Element{Z}, []*ristretto255.Element{B}, proof)
}

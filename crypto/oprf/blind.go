package oprf

import (
	"fmt"

	"github.com/gtank/ristretto255"
	"github.com/vocdoni/anonvote/util"
)

// The token proof is a Chaum-Pedersen proof of log_G(T) = log_N(P) that the
// issuer and the client compute together, so the issuer never sees the
// values it ends up certifying:
//
//	issuer:  Z' = t⁻¹·B, A' = w·G, B'' = w·Z'
//	client:  N = r⁻¹·Z', A = A' + β·G - γ·T, C = r⁻¹·B'' + β·N - γ·P
//	         c = H(T, N, P, A, C), sends c' = c + γ
//	issuer:  s' = w - c'·t
//	client:  s = s' + β, token proof (c, s)
//
// The issuer only sees B and c', both uniformly distributed. It must answer
// at most one challenge per nonce w.

// IssuerNonce derives the proof nonce of a session. It is deterministic so
// the issuer only needs to persist the session id and blinded element.
func IssuerNonce(secret *ristretto255.Scalar, sessionID, blinded []byte) *ristretto255.Scalar {
	msg := append(EncodeScalar(secret), util.LengthPrefixed(sessionID, blinded)...)
	return hashToScalar(msg, dstNonce)
}

// Commit returns the issuer commitments A' = w·G and B'' = w·Z'.
func Commit(w *ristretto255.Scalar, evaluated []byte) (commitA, commitB []byte, err error) {
	Z, err := DecodeElement(evaluated)
	if err != nil {
		return nil, nil, err
	}
	A := ristretto255.NewElement().ScalarBaseMult(w)
	B := ristretto255.NewElement().ScalarMult(w, Z)
	return EncodeElement(A), EncodeElement(B), nil
}

// Respond returns s' = w - c'·t for the blinded challenge c'.
func Respond(secret, w *ristretto255.Scalar, blindedChallenge, info []byte) ([]byte, error) {
	cPrime, err := DecodeScalar(blindedChallenge)
	if err != nil {
		return nil, err
	}
	t, err := tweakedSecret(secret, info)
	if err != nil {
		return nil, err
	}
	s := ristretto255.NewScalar().Subtract(w, ristretto255.NewScalar().Multiply(cPrime, t))
	return EncodeScalar(s), nil
}

// TokenRequest holds the client side state of one issuance.
type TokenRequest struct {
	input   []byte
	info    []byte
	blind   *ristretto255.Scalar
	blinded []byte

	// set by Challenge
	publicKey *ristretto255.Element
	element   []byte
	beta      *ristretto255.Scalar
	challenge *ristretto255.Scalar
}

// NewTokenRequest blinds input for info.
func NewTokenRequest(input, info []byte) (*TokenRequest, error) {
	blinded, blind, err := Blind(input)
	if err != nil {
		return nil, err
	}
	return &TokenRequest{input: input, info: info, blind: blind, blinded: blinded}, nil
}

// Blinded returns the element sent to the issuer.
func (r *TokenRequest) Blinded() []byte {
	return r.blinded
}

// Challenge unblinds the evaluation, blinds the issuer commitments and
// returns the blinded challenge c' to send back.
func (r *TokenRequest) Challenge(publicKey *ristretto255.Element, evaluated, commitA, commitB []byte) ([]byte, error) {
	Zp, err := DecodeElement(evaluated)
	if err != nil {
		return nil, fmt.Errorf("evaluated element: %w", err)
	}
	Ap, err := DecodeElement(commitA)
	if err != nil {
		return nil, fmt.Errorf("commitment A: %w", err)
	}
	Bpp, err := DecodeElement(commitB)
	if err != nil {
		return nil, fmt.Errorf("commitment B: %w", err)
	}
	T, err := TweakedKey(publicKey, r.info)
	if err != nil {
		return nil, err
	}
	rInv, err := inverse(r.blind)
	if err != nil {
		return nil, err
	}
	N := ristretto255.NewElement().ScalarMult(rInv, Zp)
	P := HashToGroup(r.input)
	beta, gamma := RandomScalar(), RandomScalar()

	A := ristretto255.NewElement().Add(Ap, ristretto255.NewElement().ScalarBaseMult(beta))
	A.Subtract(A, ristretto255.NewElement().ScalarMult(gamma, T))

	C := ristretto255.NewElement().ScalarMult(rInv, Bpp)
	C.Add(C, ristretto255.NewElement().ScalarMult(beta, N))
	C.Subtract(C, ristretto255.NewElement().ScalarMult(gamma, P))

	c := challenge("TokenChallenge", T, N, P, A, C)
	r.publicKey = publicKey
	r.element = EncodeElement(N)
	r.beta = beta
	r.challenge = c
	return EncodeScalar(ristretto255.NewScalar().Add(c, gamma)), nil
}

// Finish completes the proof with the issuer response s' and returns the
// token, after checking it verifies. A failing check means the issuer did
// not evaluate with the key it published.
func (r *TokenRequest) Finish(epoch uint32, response []byte) (*Token, error) {
	if r.challenge == nil {
		return nil, fmt.Errorf("oprf: Finish called before Challenge")
	}
	sp, err := DecodeScalar(response)
	if err != nil {
		return nil, err
	}
	s := ristretto255.NewScalar().Add(sp, r.beta)
	tok := &Token{
		Epoch:   epoch,
		Input:   r.input,
		Element: r.element,
		Proof:   (&Proof{Challenge: r.challenge, Response: s}).Encode(),
	}
	if !FinalizeAndVerify(tok, r.publicKey, r.info) {
		return nil, ErrInvalidProof
	}
	return tok, nil
}

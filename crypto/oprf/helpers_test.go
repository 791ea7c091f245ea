package oprf

import "github.com/gtank/ristretto255"

// evaluateDirect computes the unblinded PRF element for input with the
// secret key, without the blind round trip.
func evaluateDirect(secret *ristretto255.Scalar, input, info []byte) ([]byte, error) {
	P := HashToGroup(input)
	if isIdentity(P) {
		return nil, ErrInvalidInput
	}
	t, err := tweakedSecret(secret, info)
	if err != nil {
		return nil, err
	}
	tInv, err := inverse(t)
	if err != nil {
		return nil, err
	}
	return EncodeElement(ristretto255.NewElement().ScalarMult(tInv, P)), nil
}

// Package ethereum signs and verifies Ethereum personal messages
// (secp256k1 ECDSA over keccak256 with the "Ethereum Signed Message" prefix).
// Root snapshots, verification key sets and identity credentials are signed
// this way, so they can be checked with any Ethereum wallet tooling.
package ethereum

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/secp256k1/fr"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/vocdoni/anonvote/types"
)

const (
	// SignatureLength is the size of an r || s || v signature.
	SignatureLength = ethcrypto.SignatureLength
	// SigningPrefix is the prefix added when hashing Ethereum messages.
	SigningPrefix = "\u0019Ethereum Signed Message:\n"
	// HashLength is the size of a keccak256 hash.
	HashLength = 32
)

var (
	curveOrder     = fr.Modulus()
	halfCurveOrder = new(big.Int).Rsh(curveOrder, 1)
)

// ECDSASignature is a recoverable secp256k1 signature.
type ECDSASignature struct {
	R        *big.Int
	S        *big.Int
	recovery byte
}

// BytesToSignature parses r || s || v. v may use the 0-1 or the 27-28
// convention. Only canonical low-s signatures are accepted, so a signed
// artifact has exactly one valid signature per signer.
func BytesToSignature(signature []byte) (*ECDSASignature, error) {
	if len(signature) != SignatureLength {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(signature))
	}
	v := signature[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return nil, fmt.Errorf("invalid recovery byte %d", signature[64])
	}
	sig := &ECDSASignature{
		R:        new(big.Int).SetBytes(signature[:32]),
		S:        new(big.Int).SetBytes(signature[32:64]),
		recovery: v,
	}
	if sig.R.Sign() == 0 || sig.R.Cmp(curveOrder) >= 0 {
		return nil, fmt.Errorf("signature r out of range")
	}
	if sig.S.Sign() == 0 || sig.S.Cmp(halfCurveOrder) > 0 {
		return nil, fmt.Errorf("signature s out of range")
	}
	return sig, nil
}

// Bytes returns r || s || v with v in {0, 1}.
func (sig *ECDSASignature) Bytes() []byte {
	out := make([]byte, SignatureLength)
	sig.R.FillBytes(out[:32])
	sig.S.FillBytes(out[32:64])
	out[64] = sig.recovery
	return out
}

// Signer recovers the address that signed msg.
func (sig *ECDSASignature) Signer(msg []byte) (common.Address, error) {
	pubKey, err := ethcrypto.SigToPub(HashMessage(msg), sig.Bytes())
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pubKey), nil
}

// String implements fmt.Stringer.
func (sig *ECDSASignature) String() string {
	return fmt.Sprintf("R: %s, S: %s, Recovery: %d", sig.R, sig.S, sig.recovery)
}

// AddrFromSignature recovers the address that produced signature over msg.
func AddrFromSignature(msg, signature []byte) (common.Address, error) {
	sig, err := BytesToSignature(signature)
	if err != nil {
		return common.Address{}, err
	}
	return sig.Signer(msg)
}

// Verify checks that signature over msg was produced by expected.
func Verify(msg []byte, signature types.HexBytes, expected common.Address) error {
	addr, err := AddrFromSignature(msg, signature)
	if err != nil {
		return err
	}
	if addr != expected {
		return fmt.Errorf("signed by %s, expected %s", addr.Hex(), expected.Hex())
	}
	return nil
}

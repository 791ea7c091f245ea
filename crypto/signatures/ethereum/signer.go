package ethereum

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/vocdoni/anonvote/types"
	"github.com/vocdoni/anonvote/util"
)

// Signer is a secp256k1 private key signing Ethereum personal messages.
type Signer ecdsa.PrivateKey

// NewSigner generates a random signer.
func NewSigner() (*Signer, error) {
	s, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("could not generate key: %w", err)
	}
	return (*Signer)(s), nil
}

// NewSignerFromHex loads a signer from a hex private key, with or without 0x.
func NewSignerFromHex(hexKey string) (*Signer, error) {
	s, err := ethcrypto.HexToECDSA(util.TrimHex(hexKey))
	if err != nil {
		return nil, fmt.Errorf("could not load key: %w", err)
	}
	return (*Signer)(s), nil
}

// NewSignerFromSeed derives a signer from keccak256(seed).
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	s, err := ethcrypto.ToECDSA(ethcrypto.Keccak256(seed))
	if err != nil {
		return nil, fmt.Errorf("could not derive key: %w", err)
	}
	return (*Signer)(s), nil
}

// Address returns the Ethereum address of the signer.
func (s *Signer) Address() common.Address {
	return ethcrypto.PubkeyToAddress(s.PublicKey)
}

// HexPrivateKey returns the raw private key.
func (s *Signer) HexPrivateKey() types.HexBytes {
	return ethcrypto.FromECDSA((*ecdsa.PrivateKey)(s))
}

// Sign signs msg with the Ethereum message prefix and returns r || s || v.
func (s *Signer) Sign(msg []byte) (types.HexBytes, error) {
	sig, err := ethcrypto.Sign(HashMessage(msg), (*ecdsa.PrivateKey)(s))
	if err != nil {
		return nil, fmt.Errorf("could not sign message: %w", err)
	}
	return sig, nil
}

// HashMessage returns keccak256(prefix || len(data) || data).
func HashMessage(data []byte) []byte {
	return ethcrypto.Keccak256(fmt.Appendf(nil, "%s%d%s", SigningPrefix, len(data), data))
}

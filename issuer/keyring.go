package issuer

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/vocdoni/anonvote/crypto/oprf"
	"github.com/vocdoni/anonvote/crypto/signatures/ethereum"
	"github.com/vocdoni/anonvote/types"
)

// EpochKey is the OPRF key of one key epoch.
type EpochKey struct {
	Epoch     uint32
	Key       *oprf.KeyPair
	NotBefore time.Time
	NotAfter  *time.Time
}

// Keyring holds the issuer key of every published epoch. New tokens are
// always issued under the current epoch; older epochs stay published so
// tokens issued under them keep verifying until their NotAfter.
type Keyring struct {
	mu       sync.RWMutex
	seed     []byte
	epochs   map[uint32]*EpochKey
	current  uint32
	revision uint32
}

// EpochInfo is the key derivation info of epoch.
func EpochInfo(epoch uint32) []byte {
	return fmt.Appendf(nil, "anonvote epoch %d", epoch)
}

// NewKeyring creates a keyring that derives every epoch key from seed, which
// must hold at least 32 bytes of entropy. The seed is kept in memory only.
func NewKeyring(seed []byte) (*Keyring, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("issuer seed must be at least 32 bytes, got %d", len(seed))
	}
	return &Keyring{seed: slices.Clone(seed), epochs: make(map[uint32]*EpochKey)}, nil
}

// AddEpoch derives and publishes the key of epoch. The newest epoch added
// becomes the current one. Adding an epoch again with different validity
// bounds replaces them and bumps the key set revision.
func (k *Keyring) AddEpoch(epoch uint32, notBefore time.Time, notAfter *time.Time) (*EpochKey, error) {
	if epoch == 0 {
		return nil, fmt.Errorf("epoch 0 is reserved")
	}
	kp, err := oprf.DeriveKeyPair(k.seed, EpochInfo(epoch))
	if err != nil {
		return nil, err
	}
	ek := &EpochKey{Epoch: epoch, Key: kp, NotBefore: notBefore, NotAfter: notAfter}
	k.mu.Lock()
	defer k.mu.Unlock()
	if prev, ok := k.epochs[epoch]; ok && !sameBounds(prev, ek) {
		k.revision++
	}
	k.epochs[epoch] = ek
	if epoch > k.current {
		k.current = epoch
	}
	return ek, nil
}

// SetRevision sets the key set revision. It must grow whenever the same
// epochs are republished with other validity bounds.
func (k *Keyring) SetRevision(revision uint32) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.revision = revision
}

// Version is the version of the key set: the current epoch in the high 32
// bits and the revision in the low ones.
func (k *Keyring) Version() uint64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return uint64(k.current)<<32 | uint64(k.revision)
}

func sameBounds(a, b *EpochKey) bool {
	if !a.NotBefore.Equal(b.NotBefore) {
		return false
	}
	if a.NotAfter == nil || b.NotAfter == nil {
		return a.NotAfter == b.NotAfter
	}
	return a.NotAfter.Equal(*b.NotAfter)
}

// Current returns the key new tokens are issued under.
func (k *Keyring) Current() (*EpochKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ek, ok := k.epochs[k.current]
	if !ok {
		return nil, fmt.Errorf("keyring has no epochs")
	}
	return ek, nil
}

// Epoch returns the key of epoch.
func (k *Keyring) Epoch(epoch uint32) (*EpochKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ek, ok := k.epochs[epoch]
	if !ok {
		return nil, fmt.Errorf("unknown epoch %d", epoch)
	}
	return ek, nil
}

// KeySet returns the public keys of every epoch as a verification key set
// signed by signer, under Version.
func (k *Keyring) KeySet(signer *ethereum.Signer) (*types.VerificationKeySet, error) {
	k.mu.RLock()
	set := &types.VerificationKeySet{Version: uint64(k.current)<<32 | uint64(k.revision)}
	for _, ek := range k.epochs {
		set.Keys = append(set.Keys, types.VerificationKey{
			Epoch:     ek.Epoch,
			PublicKey: ek.Key.PublicBytes(),
			NotBefore: ek.NotBefore,
			NotAfter:  ek.NotAfter,
		})
	}
	k.mu.RUnlock()
	slices.SortFunc(set.Keys, func(a, b types.VerificationKey) int {
		switch {
		case a.Epoch < b.Epoch:
			return -1
		case a.Epoch > b.Epoch:
			return 1
		}
		return 0
	})
	set.Signer = signer.Address().Bytes()
	sig, err := signer.Sign(set.SignedPayload())
	if err != nil {
		return nil, fmt.Errorf("sign key set: %w", err)
	}
	set.Signature = sig
	return set, nil
}

package storage

import (
	"errors"
	"fmt"

	"github.com/vocdoni/anonvote/types"
)

// ErrStaleKeySet is returned when storing a key set older than the current
// one.
var ErrStaleKeySet = errors.New("verification key set is older than the stored one")

// SetVerificationKeys stores set as the current verification key set unless
// a newer version is already stored.
func (s *Storage) SetVerificationKeys(set *types.VerificationKeySet) error {
	if set == nil {
		return fmt.Errorf("nil key set")
	}
	unlock := s.locks.Lock("keys")
	defer unlock()

	current := &types.VerificationKeySet{}
	err := s.getArtifact(nil, verificationKeysKey, current)
	switch {
	case err == nil:
		if set.Version < current.Version {
			return ErrStaleKeySet
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}
	return s.setArtifact(nil, verificationKeysKey, set)
}

// VerificationKeys returns the current verification key set.
func (s *Storage) VerificationKeys() (*types.VerificationKeySet, error) {
	set := &types.VerificationKeySet{}
	if err := s.getArtifact(nil, verificationKeysKey, set); err != nil {
		return nil, err
	}
	return set, nil
}

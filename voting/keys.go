package voting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gtank/ristretto255"
	"github.com/vocdoni/anonvote/crypto/oprf"
	"github.com/vocdoni/anonvote/crypto/signatures/ethereum"
	"github.com/vocdoni/anonvote/log"
	"github.com/vocdoni/anonvote/types"
)

// ErrInvalidKeySet is returned for key sets not signed by the trusted IA
// signer or carrying malformed keys.
var ErrInvalidKeySet = errors.New("invalid verification key set")

const maxKeySetSize = 1 << 20

// keyState is an immutable, decoded view of a verification key set.
type keyState struct {
	set  *types.VerificationKeySet
	keys map[uint32]*ristretto255.Element
}

// decodeKeySet checks the signature of set against signer and decodes its
// keys.
func decodeKeySet(set *types.VerificationKeySet, signer common.Address) (*keyState, error) {
	if set == nil || len(set.Keys) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKeySet)
	}
	if common.BytesToAddress(set.Signer) != signer {
		return nil, fmt.Errorf("%w: unexpected signer %x", ErrInvalidKeySet, []byte(set.Signer))
	}
	if err := ethereum.Verify(set.SignedPayload(), set.Signature, signer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeySet, err)
	}
	state := &keyState{set: set, keys: make(map[uint32]*ristretto255.Element, len(set.Keys))}
	for _, k := range set.Keys {
		if _, dup := state.keys[k.Epoch]; dup {
			return nil, fmt.Errorf("%w: duplicated epoch %d", ErrInvalidKeySet, k.Epoch)
		}
		pk, err := oprf.DecodeElement(k.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: epoch %d: %v", ErrInvalidKeySet, k.Epoch, err)
		}
		state.keys[k.Epoch] = pk
	}
	return state, nil
}

// key returns the public key of epoch if tokens of that epoch are accepted
// at now.
func (s *keyState) key(epoch uint32, now time.Time) (*ristretto255.Element, bool) {
	vk, err := s.set.Key(epoch)
	if err != nil || !vk.ValidAt(now) {
		return nil, false
	}
	return s.keys[epoch], true
}

// FetchKeySet reads a verification key set from a file path or an http(s)
// URL.
func FetchKeySet(ctx context.Context, source string) (*types.VerificationKeySet, error) {
	var data []byte
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch key set: %w", err)
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				log.Warnw("failed to close response body", "error", err)
			}
		}()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch key set: unexpected status %d", resp.StatusCode)
		}
		if data, err = io.ReadAll(io.LimitReader(resp.Body, maxKeySetSize)); err != nil {
			return nil, fmt.Errorf("fetch key set: %w", err)
		}
	} else {
		var err error
		if data, err = os.ReadFile(source); err != nil {
			return nil, fmt.Errorf("read key set: %w", err)
		}
	}
	set := &types.VerificationKeySet{}
	if err := json.Unmarshal(data, set); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeySet, err)
	}
	return set, nil
}

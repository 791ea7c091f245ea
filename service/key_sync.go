package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vocdoni/anonvote/log"
	"github.com/vocdoni/anonvote/storage"
	"github.com/vocdoni/anonvote/voting"
)

// DefaultKeySyncInterval is how often a PO polls the IA key set.
const DefaultKeySyncInterval = 5 * time.Minute

// KeySync keeps the verification keys of a PO in sync with the key set the
// IA publishes, read from a file or an http(s) URL.
type KeySync struct {
	voting   *voting.Service
	source   string
	interval time.Duration
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewKeySync creates a KeySync. A zero interval means
// DefaultKeySyncInterval.
func NewKeySync(votes *voting.Service, source string, interval time.Duration) *KeySync {
	if interval <= 0 {
		interval = DefaultKeySyncInterval
	}
	return &KeySync{voting: votes, source: source, interval: interval}
}

// Sync fetches the key set once and loads it if it is newer than the
// active one. It reports whether the active set changed. A set that differs
// from the active one under the same version is ignored with a warning: the
// IA must raise its revision when it republishes.
func (ks *KeySync) Sync(ctx context.Context) (bool, error) {
	set, err := voting.FetchKeySet(ctx, ks.source)
	if err != nil {
		return false, err
	}
	if current, err := ks.voting.Keys(); err == nil && current.Version == set.Version {
		if !bytes.Equal(current.SignedPayload(), set.SignedPayload()) {
			log.Warnw("key set changed without a version bump, ignored",
				"source", ks.source, "version", set.Version)
		}
		return false, nil
	}
	if err := ks.voting.LoadKeys(set); err != nil {
		if errors.Is(err, storage.ErrStaleKeySet) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Start performs a first sync and keeps syncing every interval until ctx
// is done or Stop is called. A failed first sync is only fatal when the PO
// has no keys at all.
func (ks *KeySync) Start(ctx context.Context) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.cancel != nil {
		return fmt.Errorf("service already running")
	}
	if _, err := ks.Sync(ctx); err != nil {
		if _, keysErr := ks.voting.Keys(); keysErr != nil {
			return fmt.Errorf("initial key sync from %s: %w", ks.source, err)
		}
		log.Warnw("initial key sync failed, using stored keys", "source", ks.source, "error", err.Error())
	}

	ctx, ks.cancel = context.WithCancel(ctx)
	ks.done = make(chan struct{})
	go ks.run(ctx)
	log.Infow("key sync started", "source", ks.source, "interval", ks.interval.String())
	return nil
}

func (ks *KeySync) run(ctx context.Context) {
	defer close(ks.done)
	ticker := time.NewTicker(ks.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := ks.Sync(ctx)
			if err != nil {
				log.Warnw("key sync failed", "source", ks.source, "error", err.Error())
				continue
			}
			if changed {
				log.Infow("verification keys updated", "source", ks.source)
			}
		}
	}
}

// Stop halts the sync loop.
func (ks *KeySync) Stop() {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.cancel == nil {
		return
	}
	ks.cancel()
	<-ks.done
	ks.cancel = nil
}

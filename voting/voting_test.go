package voting

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/anonvote/auditlog"
	"github.com/vocdoni/anonvote/crypto/oprf"
	"github.com/vocdoni/anonvote/crypto/signatures/ethereum"
	"github.com/vocdoni/anonvote/db/metadb"
	"github.com/vocdoni/anonvote/merkle"
	"github.com/vocdoni/anonvote/storage"
	"github.com/vocdoni/anonvote/types"
	"github.com/vocdoni/anonvote/util"
)

type testIA struct {
	signer *ethereum.Signer
	keys   map[uint32]*oprf.KeyPair
}

func newTestIA(c *qt.C) *testIA {
	signer, err := ethereum.NewSigner()
	c.Assert(err, qt.IsNil)
	return &testIA{signer: signer, keys: map[uint32]*oprf.KeyPair{1: oprf.GenerateKeyPair()}}
}

func (ia *testIA) keySet(c *qt.C, version uint64, notAfter *time.Time) *types.VerificationKeySet {
	set := &types.VerificationKeySet{Version: version, Signer: ia.signer.Address().Bytes()}
	for epoch, kp := range ia.keys {
		set.Keys = append(set.Keys, types.VerificationKey{
			Epoch:     epoch,
			PublicKey: kp.PublicBytes(),
			NotBefore: time.Unix(0, 0),
			NotAfter:  notAfter,
		})
	}
	sig, err := ia.signer.Sign(set.SignedPayload())
	c.Assert(err, qt.IsNil)
	set.Signature = sig
	return set
}

// mint runs both issuance rounds locally, playing the issuer with the key
// of epoch.
func (ia *testIA) mint(c *qt.C, epoch uint32, poll string) *oprf.Token {
	kp := ia.keys[epoch]
	info := []byte(poll)
	treq, err := oprf.NewTokenRequest(oprf.TokenInput(poll, util.RandomBytes(oprf.InputNonceSize)), info)
	c.Assert(err, qt.IsNil)
	evaluated, err := oprf.Evaluate(kp.Secret, treq.Blinded(), info)
	c.Assert(err, qt.IsNil)
	w := oprf.IssuerNonce(kp.Secret, []byte("session"), treq.Blinded())
	commitA, commitB, err := oprf.Commit(w, evaluated)
	c.Assert(err, qt.IsNil)
	challenge, err := treq.Challenge(kp.Public, evaluated, commitA, commitB)
	c.Assert(err, qt.IsNil)
	response, err := oprf.Respond(kp.Secret, w, challenge, info)
	c.Assert(err, qt.IsNil)
	tok, err := treq.Finish(epoch, response)
	c.Assert(err, qt.IsNil)
	return tok
}

func newTestService(c *qt.C, ia *testIA, polls ...string) *Service {
	st := storage.New(metadb.NewTest(c.TB))
	svc, err := New(st, auditlog.New(st, nil), ia.signer.Address(), util.RetryConfig{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	})
	c.Assert(err, qt.IsNil)
	c.Assert(svc.LoadKeys(ia.keySet(c, 1, nil)), qt.IsNil)
	for _, p := range polls {
		_, err := svc.OpenPoll(p)
		c.Assert(err, qt.IsNil)
	}
	return svc
}

func vote(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}

func TestScenario(t *testing.T) {
	c := qt.New(t)
	ia := newTestIA(c)
	svc := newTestService(c, ia, "p1", "p2")
	ctx := context.Background()

	tok := ia.mint(c, 1, "p1")
	seq, err := svc.SubmitVote(ctx, "p1", tok, vote("yes"))
	c.Assert(err, qt.IsNil)
	c.Assert(seq, qt.Equals, uint64(0))

	_, err = svc.SubmitVote(ctx, "p1", tok, vote("no"))
	c.Assert(err, qt.ErrorIs, ErrDoubleSpend)

	_, err = svc.SubmitVote(ctx, "p1", ia.mint(c, 1, "p2"), vote("yes"))
	c.Assert(err, qt.ErrorIs, ErrInvalidToken)

	spent, err := svc.IsSpent("p1", tok)
	c.Assert(err, qt.IsNil)
	c.Assert(spent, qt.IsTrue)
	spent, err = svc.IsSpent("p2", tok)
	c.Assert(err, qt.IsNil)
	c.Assert(spent, qt.IsFalse)

	events, err := svc.Events("p1")
	c.Assert(err, qt.IsNil)
	c.Assert(events[types.EventDoubleVote], qt.Equals, uint64(1))
	c.Assert(events[types.EventInvalidToken], qt.Equals, uint64(1))
}

func TestSubmitVoteRejections(t *testing.T) {
	c := qt.New(t)
	ia := newTestIA(c)
	svc := newTestService(c, ia, "p1")
	ctx := context.Background()

	c.Run("unknown poll", func(c *qt.C) {
		_, err := svc.SubmitVote(ctx, "nope", ia.mint(c, 1, "nope"), vote("yes"))
		c.Assert(err, qt.ErrorIs, ErrPollNotFound)
	})
	c.Run("bad commitment", func(c *qt.C) {
		_, err := svc.SubmitVote(ctx, "p1", ia.mint(c, 1, "p1"), []byte("yes"))
		c.Assert(err, qt.ErrorIs, ErrInvalidRequest)
	})
	c.Run("missing token", func(c *qt.C) {
		_, err := svc.SubmitVote(ctx, "p1", nil, vote("yes"))
		c.Assert(err, qt.ErrorIs, ErrInvalidToken)
	})
	c.Run("unknown epoch", func(c *qt.C) {
		tok := ia.mint(c, 1, "p1")
		tok.Epoch = 7
		_, err := svc.SubmitVote(ctx, "p1", tok, vote("yes"))
		c.Assert(err, qt.ErrorIs, ErrInvalidToken)
	})
	c.Run("forged key", func(c *qt.C) {
		rogue := &testIA{signer: ia.signer, keys: map[uint32]*oprf.KeyPair{1: oprf.GenerateKeyPair()}}
		_, err := svc.SubmitVote(ctx, "p1", rogue.mint(c, 1, "p1"), vote("yes"))
		c.Assert(err, qt.ErrorIs, ErrInvalidToken)
	})
	c.Run("tampered token", func(c *qt.C) {
		tok := ia.mint(c, 1, "p1")
		tok.Element = oprf.EncodeElement(oprf.HashToGroup([]byte("x")))
		_, err := svc.SubmitVote(ctx, "p1", tok, vote("yes"))
		c.Assert(err, qt.ErrorIs, ErrInvalidToken)

		tok = ia.mint(c, 1, "p1")
		tok.Proof[3] ^= 1
		_, err = svc.SubmitVote(ctx, "p1", tok, vote("yes"))
		c.Assert(err, qt.ErrorIs, ErrInvalidToken)

		tok = ia.mint(c, 1, "p1")
		tok.Input[len(tok.Input)-1] ^= 1
		_, err = svc.SubmitVote(ctx, "p1", tok, vote("yes"))
		c.Assert(err, qt.ErrorIs, ErrInvalidToken)
	})
	c.Run("expired epoch", func(c *qt.C) {
		past := time.Now().Add(-time.Hour)
		c.Assert(svc.LoadKeys(ia.keySet(c, 2, &past)), qt.IsNil)
		defer func() { c.Assert(svc.LoadKeys(ia.keySet(c, 3, nil)), qt.IsNil) }()
		_, err := svc.SubmitVote(ctx, "p1", ia.mint(c, 1, "p1"), vote("yes"))
		c.Assert(err, qt.ErrorIs, ErrInvalidToken)
	})
	c.Run("closed poll", func(c *qt.C) {
		_, err := svc.OpenPoll("closing")
		c.Assert(err, qt.IsNil)
		tok := ia.mint(c, 1, "closing")
		_, err = svc.SubmitVote(ctx, "closing", ia.mint(c, 1, "closing"), vote("yes"))
		c.Assert(err, qt.IsNil)

		poll, snap, err := svc.ClosePoll(ctx, "closing")
		c.Assert(err, qt.IsNil)
		c.Assert(poll.IsOpen(), qt.IsFalse)
		c.Assert(snap.LeafCount, qt.Equals, uint64(1))

		_, err = svc.SubmitVote(ctx, "closing", tok, vote("yes"))
		c.Assert(err, qt.ErrorIs, ErrPollClosed)
		_, _, err = svc.ClosePoll(ctx, "unknown")
		c.Assert(err, qt.ErrorIs, ErrPollNotFound)
	})
	c.Run("canceled", func(c *qt.C) {
		tok := ia.mint(c, 1, "p1")
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := svc.SubmitVote(cctx, "p1", tok, vote("yes"))
		c.Assert(err, qt.ErrorIs, context.Canceled)
		spent, err := svc.IsSpent("p1", tok)
		c.Assert(err, qt.IsNil)
		c.Assert(spent, qt.IsFalse)
	})

	// none of the rejected submissions consumed a sequence number
	seq, err := svc.SubmitVote(ctx, "p1", ia.mint(c, 1, "p1"), vote("yes"))
	c.Assert(err, qt.IsNil)
	c.Assert(seq, qt.Equals, uint64(0))
}

func TestSubmitVoteConcurrent(t *testing.T) {
	c := qt.New(t)
	ia := newTestIA(c)
	svc := newTestService(c, ia, "p1")
	ctx := context.Background()

	tok := ia.mint(c, 1, "p1")
	const attempts = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SubmitVote(ctx, "p1", tok, vote("yes"))
			if err != nil && !errors.Is(err, ErrDoubleSpend) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	c.Assert(accepted, qt.Equals, 1)

	events, err := svc.Events("p1")
	c.Assert(err, qt.IsNil)
	c.Assert(events[types.EventDoubleVote], qt.Equals, uint64(attempts-1))
}

func TestVotesAreAudited(t *testing.T) {
	c := qt.New(t)
	ia := newTestIA(c)
	svc := newTestService(c, ia, "p1")
	ctx := context.Background()

	for i := range 5 {
		seq, err := svc.SubmitVote(ctx, "p1", ia.mint(c, 1, "p1"), vote(string(rune('a'+i))))
		c.Assert(err, qt.IsNil)
		c.Assert(seq, qt.Equals, uint64(i))
	}
	_, snap, err := svc.ClosePoll(ctx, "p1")
	c.Assert(err, qt.IsNil)
	for i := range uint64(5) {
		proof, err := svc.audit.ProveInclusion("p1", i)
		c.Assert(err, qt.IsNil)
		c.Assert(merkle.VerifyInclusion(snap.Root, proof.Leaf, proof), qt.IsTrue)
	}
}

func TestLoadKeys(t *testing.T) {
	c := qt.New(t)
	ia := newTestIA(c)
	st := storage.New(metadb.NewTest(c.TB))
	svc, err := New(st, auditlog.New(st, nil), ia.signer.Address(), util.RetryConfig{})
	c.Assert(err, qt.IsNil)
	_, err = svc.Keys()
	c.Assert(err, qt.ErrorIs, ErrNoKeys)

	set := ia.keySet(c, 2, nil)
	c.Assert(svc.LoadKeys(set), qt.IsNil)
	c.Assert(svc.LoadKeys(ia.keySet(c, 1, nil)), qt.ErrorIs, storage.ErrStaleKeySet)

	tampered := *set
	tampered.Version = 5
	c.Assert(svc.LoadKeys(&tampered), qt.ErrorIs, ErrInvalidKeySet)

	other := newTestIA(c)
	c.Assert(svc.LoadKeys(other.keySet(c, 9, nil)), qt.ErrorIs, ErrInvalidKeySet)

	// a restarted service picks up the stored keys
	again, err := New(st, auditlog.New(st, nil), ia.signer.Address(), util.RetryConfig{})
	c.Assert(err, qt.IsNil)
	keys, err := again.Keys()
	c.Assert(err, qt.IsNil)
	c.Assert(keys.Version, qt.Equals, uint64(2))
}

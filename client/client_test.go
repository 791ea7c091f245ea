package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"net/http/httptest"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/anonvote/api"
	"github.com/vocdoni/anonvote/auditlog"
	"github.com/vocdoni/anonvote/crypto/signatures/ethereum"
	"github.com/vocdoni/anonvote/db/metadb"
	"github.com/vocdoni/anonvote/identity"
	"github.com/vocdoni/anonvote/issuer"
	"github.com/vocdoni/anonvote/storage"
	"github.com/vocdoni/anonvote/types"
	"github.com/vocdoni/anonvote/util"
	"github.com/vocdoni/anonvote/voting"
)

const adminToken = "admin-secret"

type testNet struct {
	authority *ethereum.Signer
	iaSigner  *ethereum.Signer
	poSigner  *ethereum.Signer
	ia        *HTTPclient
	po        *HTTPclient
	poURL     string
}

func newTestNet(c *qt.C) *testNet {
	ctx := context.Background()
	retry := util.RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	n := &testNet{}
	var err error
	for _, s := range []**ethereum.Signer{&n.authority, &n.iaSigner, &n.poSigner} {
		*s, err = ethereum.NewSigner()
		c.Assert(err, qt.IsNil)
	}

	iaStorage := storage.New(metadb.NewTest(c.TB))
	keys, err := issuer.NewKeyring(bytes.Repeat([]byte{1}, 32))
	c.Assert(err, qt.IsNil)
	_, err = keys.AddEpoch(1, time.Unix(0, 0), nil)
	c.Assert(err, qt.IsNil)
	registry := identity.NewRegistry(iaStorage, identity.NewSignedCredentialChecker(n.authority.Address(), 0), 0)
	iss, err := issuer.New(iaStorage, keys, registry, n.iaSigner, issuer.Config{Retry: retry})
	c.Assert(err, qt.IsNil)
	iaAPI, err := api.NewRouter(&api.APIConfig{Issuer: iss, Identity: registry, Signer: n.iaSigner.Address().Bytes()})
	c.Assert(err, qt.IsNil)
	iaSrv := httptest.NewServer(iaAPI.Router())
	c.Cleanup(iaSrv.Close)

	poStorage := storage.New(metadb.NewTest(c.TB))
	audit := auditlog.New(poStorage, n.poSigner)
	votes, err := voting.New(poStorage, audit, n.iaSigner.Address(), retry)
	c.Assert(err, qt.IsNil)
	poAPI, err := api.NewRouter(&api.APIConfig{Voting: votes, Audit: audit, AdminToken: adminToken})
	c.Assert(err, qt.IsNil)
	poSrv := httptest.NewServer(poAPI.Router())
	c.Cleanup(poSrv.Close)
	n.poURL = poSrv.URL

	n.ia, err = New(ctx, iaSrv.URL)
	c.Assert(err, qt.IsNil)
	n.po, err = New(ctx, poSrv.URL)
	c.Assert(err, qt.IsNil)
	n.po.SetAdminToken(adminToken)
	return n
}

func (n *testNet) credential(c *qt.C, subject string) []byte {
	cred, err := identity.NewCredential(n.authority, subject, time.Now())
	c.Assert(err, qt.IsNil)
	data, err := cred.Marshal()
	c.Assert(err, qt.IsNil)
	return data
}

func (n *testNet) ref(c *qt.C, subject string) string {
	ref, err := n.ia.VerifyIdentity(context.Background(), n.credential(c, subject))
	c.Assert(err, qt.IsNil)
	return ref
}

func commitment(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}

func TestVotingFlow(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	n := newTestNet(c)

	info, err := n.ia.Info(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(info.Mode, qt.Equals, api.ModeIA)
	c.Assert(info.Signer, qt.DeepEquals, types.HexBytes(n.iaSigner.Address().Bytes()))

	keys, err := n.ia.VerificationKeys(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(VerifyKeySet(keys, n.iaSigner.Address()), qt.IsNil)
	c.Assert(VerifyKeySet(keys, n.poSigner.Address()), qt.ErrorIs, ErrUntrustedKeys)
	c.Assert(n.po.LoadKeys(ctx, keys), qt.IsNil)

	for _, p := range []string{"p1", "p2"} {
		poll, err := n.po.OpenPoll(ctx, p)
		c.Assert(err, qt.IsNil)
		c.Assert(poll.IsOpen(), qt.IsTrue)
	}

	alice := RandomVoter()
	ref := n.ref(c, "alice")
	input, err := alice.TokenInput("p1")
	c.Assert(err, qt.IsNil)
	tok, err := n.ia.ObtainToken(ctx, keys, ref, "p1", input)
	c.Assert(err, qt.IsNil)

	// one token per identity and poll, and proof refs are single use
	_, err = n.ia.ObtainToken(ctx, keys, n.ref(c, "alice"), "p1", input)
	c.Assert(err, qt.ErrorIs, api.ErrAlreadyIssued)
	p2Input, err := alice.TokenInput("p2")
	c.Assert(err, qt.IsNil)
	_, err = n.ia.ObtainToken(ctx, keys, ref, "p2", p2Input)
	c.Assert(err, qt.ErrorIs, api.ErrReplayedProof)

	seq, err := n.po.SubmitVote(ctx, "p1", tok, commitment("yes"))
	c.Assert(err, qt.IsNil)
	c.Assert(seq, qt.Equals, uint64(0))
	_, err = n.po.SubmitVote(ctx, "p1", tok, commitment("yes"))
	c.Assert(err, qt.ErrorIs, api.ErrDoubleSpend)

	spent, err := n.po.Spent(ctx, "p1", tok.Tag([]byte("p1")))
	c.Assert(err, qt.IsNil)
	c.Assert(spent, qt.IsTrue)

	p2Token, err := n.ia.ObtainToken(ctx, keys, n.ref(c, "alice"), "p2", p2Input)
	c.Assert(err, qt.IsNil)
	_, err = n.po.SubmitVote(ctx, "p1", p2Token, commitment("yes"))
	c.Assert(err, qt.ErrorIs, api.ErrInvalidToken)
	seq, err = n.po.SubmitVote(ctx, "p2", p2Token, commitment("no"))
	c.Assert(err, qt.IsNil)
	c.Assert(seq, qt.Equals, uint64(0))

	bobToken, err := n.ia.ObtainToken(ctx, keys, n.ref(c, "bob"), "p1", RandomVoterInput(c, "p1"))
	c.Assert(err, qt.IsNil)
	seq, err = n.po.SubmitVote(ctx, "p1", bobToken, commitment("no"))
	c.Assert(err, qt.IsNil)
	c.Assert(seq, qt.Equals, uint64(1))

	// audit
	_, err = n.po.Root(ctx, "p1")
	c.Assert(err, qt.ErrorIs, api.ErrNoRootPublished)
	snap, err := n.po.PublishRoot(ctx, "p1")
	c.Assert(err, qt.IsNil)
	c.Assert(snap.LeafCount, qt.Equals, uint64(2))
	waited, err := n.po.WaitForRoot(ctx, "p1", 1, 10*time.Millisecond)
	c.Assert(err, qt.IsNil)
	c.Assert(waited.Root, qt.DeepEquals, snap.Root)

	_, err = n.po.AuditVote(ctx, "p1", 0, commitment("yes"), n.poSigner.Address())
	c.Assert(err, qt.IsNil)
	_, err = n.po.AuditVote(ctx, "p1", 1, commitment("no"), n.poSigner.Address())
	c.Assert(err, qt.IsNil)
	_, err = n.po.AuditVote(ctx, "p1", 0, commitment("no"), n.poSigner.Address())
	c.Assert(err, qt.ErrorMatches, "proof of another commitment")
	_, err = n.po.AuditVote(ctx, "p1", 0, commitment("yes"), n.iaSigner.Address())
	c.Assert(err, qt.ErrorIs, auditlog.ErrInvalidSnapshot)
	_, err = n.po.Proof(ctx, "p1", 2, 0)
	c.Assert(err, qt.ErrorIs, api.ErrLeafNotPublished)

	roots, err := n.po.Roots(ctx, "p1")
	c.Assert(err, qt.IsNil)
	c.Assert(roots, qt.HasLen, 1)

	closed, err := n.po.ClosePoll(ctx, "p2")
	c.Assert(err, qt.IsNil)
	c.Assert(closed.Poll.IsOpen(), qt.IsFalse)
	c.Assert(closed.Root.LeafCount, qt.Equals, uint64(1))
	_, err = n.po.SubmitVote(ctx, "p2", p2Token, commitment("no"))
	c.Assert(err, qt.ErrorIs, api.ErrPollClosed)

	events, err := n.po.Events(ctx, "p1")
	c.Assert(err, qt.IsNil)
	c.Assert(events[types.EventDoubleVote], qt.Equals, uint64(1))
	c.Assert(events[types.EventInvalidToken], qt.Equals, uint64(1))
	iaEvents, err := n.ia.Events(ctx, "p1")
	c.Assert(err, qt.IsNil)
	c.Assert(iaEvents[types.EventAlreadyIssued], qt.Equals, uint64(1))
}

// RandomVoterInput is the token input of a fresh voter.
func RandomVoterInput(c *qt.C, pollID string) []byte {
	input, err := RandomVoter().TokenInput(pollID)
	c.Assert(err, qt.IsNil)
	return input
}

func TestRejections(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	n := newTestNet(c)

	forger, err := ethereum.NewSigner()
	c.Assert(err, qt.IsNil)
	cred, err := identity.NewCredential(forger, "mallory", time.Now())
	c.Assert(err, qt.IsNil)
	data, err := cred.Marshal()
	c.Assert(err, qt.IsNil)
	_, err = n.ia.VerifyIdentity(ctx, data)
	c.Assert(err, qt.ErrorIs, api.ErrIdentityRejected)

	_, err = n.ia.ObtainToken(ctx, nil, "not-a-ref", "p1", RandomVoterInput(c, "p1"))
	c.Assert(err, qt.ErrorIs, api.ErrIdentityRejected)

	// an IA evaluating with a key other than the published one is caught
	// before the second round
	otherKeys, err := issuer.NewKeyring(bytes.Repeat([]byte{2}, 32))
	c.Assert(err, qt.IsNil)
	_, err = otherKeys.AddEpoch(1, time.Unix(0, 0), nil)
	c.Assert(err, qt.IsNil)
	wrongSet, err := otherKeys.KeySet(n.iaSigner)
	c.Assert(err, qt.IsNil)
	_, err = n.ia.ObtainToken(ctx, wrongSet, n.ref(c, "carol"), "p1", RandomVoterInput(c, "p1"))
	c.Assert(err, qt.ErrorIs, ErrIssuerMisbehaved)

	anonymous, err := New(ctx, n.poURL)
	c.Assert(err, qt.IsNil)
	_, err = anonymous.OpenPoll(ctx, "p1")
	c.Assert(err, qt.ErrorIs, api.ErrUnauthorized)

	_, err = n.po.OpenPoll(ctx, "bad poll")
	c.Assert(err, qt.ErrorIs, api.ErrInvalidRequest)
	_, err = n.po.Poll(ctx, "missing")
	c.Assert(err, qt.ErrorIs, api.ErrPollNotFound)
	_, err = n.po.SubmitVote(ctx, "missing", nil, commitment("x"))
	c.Assert(err, qt.ErrorIs, api.ErrPollNotFound)
}

func TestVoterTokenInput(t *testing.T) {
	c := qt.New(t)

	_, err := NewVoter(make([]byte, SeedSize-1))
	c.Assert(err, qt.IsNotNil)

	v := RandomVoter()
	again, err := NewVoter(v.Seed())
	c.Assert(err, qt.IsNil)

	a, err := v.TokenInput("p1")
	c.Assert(err, qt.IsNil)
	b, err := again.TokenInput("p1")
	c.Assert(err, qt.IsNil)
	c.Assert(a, qt.DeepEquals, b)

	other, err := v.TokenInput("p2")
	c.Assert(err, qt.IsNil)
	c.Assert(other, qt.Not(qt.DeepEquals), a)

	fresh, err := RandomVoter().TokenInput("p1")
	c.Assert(err, qt.IsNil)
	c.Assert(fresh, qt.Not(qt.DeepEquals), a)
}

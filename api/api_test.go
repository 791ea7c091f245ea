package api

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/anonvote/auditlog"
	"github.com/vocdoni/anonvote/crypto/signatures/ethereum"
	"github.com/vocdoni/anonvote/db/metadb"
	"github.com/vocdoni/anonvote/storage"
	"github.com/vocdoni/anonvote/types"
	"github.com/vocdoni/anonvote/util"
	"github.com/vocdoni/anonvote/voting"
)

func newTestPO(c *qt.C) (*API, *voting.Service, *auditlog.Log) {
	st := storage.New(metadb.NewTest(c.TB))
	signer, err := ethereum.NewSigner()
	c.Assert(err, qt.IsNil)
	audit := auditlog.New(st, signer)
	votes, err := voting.New(st, audit, signer.Address(), util.RetryConfig{})
	c.Assert(err, qt.IsNil)
	a, err := NewRouter(&APIConfig{Voting: votes, Audit: audit, AdminToken: "t"})
	c.Assert(err, qt.IsNil)
	return a, votes, audit
}

func serve(a *API, method, path, body string, admin bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if admin {
		req.Header.Set("Authorization", "Bearer t")
	}
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)
	return rec
}

func apiErrorCode(c *qt.C, rec *httptest.ResponseRecorder) int {
	var body struct {
		Code int `json:"code"`
	}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &body), qt.IsNil, qt.Commentf("body %s", rec.Body.String()))
	return body.Code
}

func TestNewRouterConfig(t *testing.T) {
	c := qt.New(t)
	_, votes, audit := newTestPO(c)

	_, err := NewRouter(nil)
	c.Assert(err, qt.IsNotNil)
	_, err = NewRouter(&APIConfig{})
	c.Assert(err, qt.ErrorMatches, "missing services")
	_, err = NewRouter(&APIConfig{Voting: votes})
	c.Assert(err, qt.ErrorMatches, "PO API needs.*")
	_, err = NewRouter(&APIConfig{Audit: audit, Identity: nil})
	c.Assert(err, qt.ErrorMatches, "PO API needs.*")
}

func TestPOEndpoints(t *testing.T) {
	c := qt.New(t)
	a, _, audit := newTestPO(c)
	ctx := context.Background()

	rec := serve(a, http.MethodGet, PingEndpoint, "", false)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)

	rec = serve(a, http.MethodGet, InfoEndpoint, "", false)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	info := &NodeInfo{}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), info), qt.IsNil)
	c.Assert(info.Mode, qt.Equals, ModePO)

	rec = serve(a, http.MethodGet, KeysEndpoint, "", false)
	c.Assert(rec.Code, qt.Equals, http.StatusServiceUnavailable)
	c.Assert(apiErrorCode(c, rec), qt.Equals, ErrKeysUnavailable.Code)

	// admin
	rec = serve(a, http.MethodPost, PollsEndpoint, `{"pollId":"p1"}`, false)
	c.Assert(rec.Code, qt.Equals, http.StatusUnauthorized)
	rec = serve(a, http.MethodPost, PollsEndpoint, `{"pollId":"p1"}`, true)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	rec = serve(a, http.MethodPost, PollsEndpoint, `{"pollId":"p1"}`, true)
	c.Assert(apiErrorCode(c, rec), qt.Equals, ErrPollAlreadyExists.Code)
	rec = serve(a, http.MethodPost, PollsEndpoint, `{"pollId":"p1","extra":1}`, true)
	c.Assert(apiErrorCode(c, rec), qt.Equals, ErrMalformedBody.Code)
	rec = serve(a, http.MethodPost, PollsEndpoint, `{"pollId":"p1"`, true)
	c.Assert(apiErrorCode(c, rec), qt.Equals, ErrMalformedBody.Code)
	rec = serve(a, http.MethodPost, KeysEndpoint, `{"version":1,"keys":[]}`, true)
	c.Assert(apiErrorCode(c, rec), qt.Equals, ErrInvalidKeySet.Code)

	rec = serve(a, http.MethodGet, PollsEndpoint, "", false)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	list := &PollList{}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), list), qt.IsNil)
	c.Assert(list.Polls, qt.HasLen, 1)

	// votes
	commitment := sha256.Sum256([]byte("yes"))
	body, err := json.Marshal(&Vote{PollID: "p1", Commitment: commitment[:]})
	c.Assert(err, qt.IsNil)
	rec = serve(a, http.MethodPost, VotesEndpoint, string(body), false)
	c.Assert(rec.Code, qt.Equals, http.StatusForbidden)
	c.Assert(apiErrorCode(c, rec), qt.Equals, ErrInvalidToken.Code)

	rec = serve(a, http.MethodGet, "/votes/p1/tag/0x00", "", false)
	c.Assert(apiErrorCode(c, rec), qt.Equals, ErrInvalidRequest.Code)
	rec = serve(a, http.MethodGet, "/votes/p1/tag/zz", "", false)
	c.Assert(apiErrorCode(c, rec), qt.Equals, ErrMalformedParam.Code)
	rec = serve(a, http.MethodGet, "/votes/p1/tag/"+types.HexBytes(make([]byte, 32)).Hex(), "", false)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	spent := &SpentResponse{}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), spent), qt.IsNil)
	c.Assert(spent.Spent, qt.IsFalse)

	// audit
	rec = serve(a, http.MethodGet, "/root/p1", "", false)
	c.Assert(apiErrorCode(c, rec), qt.Equals, ErrNoRootPublished.Code)
	rec = serve(a, http.MethodGet, "/root/unknown", "", false)
	c.Assert(apiErrorCode(c, rec), qt.Equals, ErrPollNotFound.Code)
	rec = serve(a, http.MethodGet, "/root/bad%20id", "", false)
	c.Assert(apiErrorCode(c, rec), qt.Equals, ErrMalformedPollID.Code)

	for i := range 3 {
		h := sha256.Sum256([]byte{byte(i)})
		_, err := audit.Append(ctx, "p1", h[:])
		c.Assert(err, qt.IsNil)
	}
	rec = serve(a, http.MethodGet, "/proof/p1/0", "", false)
	c.Assert(apiErrorCode(c, rec), qt.Equals, ErrLeafNotPublished.Code)
	rec = serve(a, http.MethodPost, "/roots/p1", "", true)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)

	rec = serve(a, http.MethodGet, "/proof/p1/2", "", false)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	proof := &types.MerkleProof{}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), proof), qt.IsNil)
	c.Assert(proof.LeafCount, qt.Equals, uint64(3))
	c.Assert(proof.SequenceNo, qt.Equals, uint64(2))

	rec = serve(a, http.MethodGet, "/proof/p1/2?leafCount=3", "", false)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	rec = serve(a, http.MethodGet, "/proof/p1/2?leafCount=2", "", false)
	c.Assert(apiErrorCode(c, rec), qt.Equals, ErrNoRootPublished.Code)
	rec = serve(a, http.MethodGet, "/proof/p1/2?leafCount=x", "", false)
	c.Assert(apiErrorCode(c, rec), qt.Equals, ErrMalformedParam.Code)
	rec = serve(a, http.MethodGet, "/proof/p1/-1", "", false)
	c.Assert(apiErrorCode(c, rec), qt.Equals, ErrMalformedParam.Code)

	rec = serve(a, http.MethodGet, "/roots/p1", "", false)
	roots := &RootList{}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), roots), qt.IsNil)
	c.Assert(roots.Roots, qt.HasLen, 1)

	rec = serve(a, http.MethodPost, "/polls/p1/close", "", true)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	closed := &ClosePollResponse{}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), closed), qt.IsNil)
	c.Assert(closed.Poll.Status, qt.Equals, types.PollClosed)
	c.Assert(closed.Root.LeafCount, qt.Equals, uint64(3))

	rec = serve(a, http.MethodPost, VotesEndpoint, string(body), false)
	c.Assert(apiErrorCode(c, rec), qt.Equals, ErrPollClosed.Code)

	rec = serve(a, http.MethodGet, "/events/p1", "", false)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	events := &EventsResponse{}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), events), qt.IsNil)
	c.Assert(events.Events[types.EventPollClosed], qt.Equals, uint64(1))
	c.Assert(events.Events[types.EventInvalidToken], qt.Equals, uint64(1))

	rec = serve(a, http.MethodGet, "/nowhere", "", false)
	c.Assert(apiErrorCode(c, rec), qt.Equals, ErrResourceNotFound.Code)

}

func TestShutdown(t *testing.T) {
	c := qt.New(t)
	st := storage.New(metadb.NewTest(c.TB))
	audit := auditlog.New(st, nil)
	votes, err := voting.New(st, audit, [20]byte{}, util.RetryConfig{})
	c.Assert(err, qt.IsNil)
	a, err := New(&APIConfig{Host: "127.0.0.1", Port: 0, Voting: votes, Audit: audit})
	c.Assert(err, qt.IsNil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Assert(a.Shutdown(ctx), qt.IsNil)
}

func TestErrorWrapping(t *testing.T) {
	c := qt.New(t)
	err := ErrPollNotFound.Withf("poll %s", "p1")
	c.Assert(err.Code, qt.Equals, ErrPollNotFound.Code)
	c.Assert(err.Error(), qt.Equals, "poll not found: poll p1")
	c.Assert(err, qt.ErrorIs, ErrPollNotFound.Err)

	rec := httptest.NewRecorder()
	ErrRateLimited.Write(rec)
	c.Assert(rec.Code, qt.Equals, http.StatusTooManyRequests)
	c.Assert(rec.Header().Get("Content-Type"), qt.Equals, "application/json")
	c.Assert(apiErrorCode(c, rec), qt.Equals, ErrRateLimited.Code)
}

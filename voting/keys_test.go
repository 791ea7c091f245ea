package voting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestFetchKeySet(t *testing.T) {
	c := qt.New(t)
	ia := newTestIA(c)
	set := ia.keySet(c, 4, nil)
	data, err := json.Marshal(set)
	c.Assert(err, qt.IsNil)

	path := filepath.Join(t.TempDir(), "keys.json")
	c.Assert(os.WriteFile(path, data, 0o600), qt.IsNil)
	fromFile, err := FetchKeySet(context.Background(), path)
	c.Assert(err, qt.IsNil)
	c.Assert(fromFile.Version, qt.Equals, uint64(4))
	_, err = decodeKeySet(fromFile, ia.signer.Address())
	c.Assert(err, qt.IsNil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/keys" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	fromURL, err := FetchKeySet(context.Background(), srv.URL+"/keys")
	c.Assert(err, qt.IsNil)
	c.Assert(fromURL.SignedPayload(), qt.DeepEquals, set.SignedPayload())

	_, err = FetchKeySet(context.Background(), srv.URL+"/missing")
	c.Assert(err, qt.ErrorMatches, ".*unexpected status 404")

	_, err = FetchKeySet(context.Background(), filepath.Join(t.TempDir(), "nope.json"))
	c.Assert(err, qt.IsNotNil)

	garbage := filepath.Join(t.TempDir(), "garbage.json")
	c.Assert(os.WriteFile(garbage, []byte("{"), 0o600), qt.IsNil)
	_, err = FetchKeySet(context.Background(), garbage)
	c.Assert(err, qt.ErrorIs, ErrInvalidKeySet)
}

func TestDecodeKeySet(t *testing.T) {
	c := qt.New(t)
	ia := newTestIA(c)

	_, err := decodeKeySet(nil, ia.signer.Address())
	c.Assert(err, qt.ErrorIs, ErrInvalidKeySet)

	dup := ia.keySet(c, 1, nil)
	dup.Keys = append(dup.Keys, dup.Keys[0])
	sig, err := ia.signer.Sign(dup.SignedPayload())
	c.Assert(err, qt.IsNil)
	dup.Signature = sig
	_, err = decodeKeySet(dup, ia.signer.Address())
	c.Assert(err, qt.ErrorMatches, ".*duplicated epoch 1")

	bad := ia.keySet(c, 1, nil)
	bad.Keys[0].PublicKey = make([]byte, 32)
	sig, err = ia.signer.Sign(bad.SignedPayload())
	c.Assert(err, qt.IsNil)
	bad.Signature = sig
	_, err = decodeKeySet(bad, ia.signer.Address())
	c.Assert(err, qt.ErrorIs, ErrInvalidKeySet)
}

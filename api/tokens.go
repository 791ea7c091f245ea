package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vocdoni/anonvote/identity"
	"github.com/vocdoni/anonvote/issuer"
	"github.com/vocdoni/anonvote/log"
)

// verifyIdentity exchanges an identity provider credential for a single-use
// identity proof reference.
// POST /identity
func (a *API) verifyIdentity(w http.ResponseWriter, r *http.Request) {
	req := &IdentityRequest{}
	if !decodeJSON(w, r, req) {
		return
	}
	if len(req.Credential) == 0 {
		ErrMalformedBody.With("missing credential").Write(w)
		return
	}
	ref, err := a.identity.VerifyIdentity(r.Context(), req.Credential)
	switch {
	case err == nil:
		httpWriteJSON(w, &IdentityResponse{IdentityProofRef: ref})
	case errors.Is(err, identity.ErrIdentityRejected):
		ErrIdentityRejected.Write(w)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		ErrIssuanceUnavailable.WithErr(err).Write(w)
	default:
		log.Warnw("identity verification failed", "error", err.Error())
		ErrIssuanceUnavailable.Write(w)
	}
}

// requestToken runs the first issuance round: the IA evaluates the blinded
// element and commits to its half of the token proof.
// POST /tokens
func (a *API) requestToken(w http.ResponseWriter, r *http.Request) {
	req := &issuer.Request{}
	if !decodeJSON(w, r, req) {
		return
	}
	issuance, err := a.issuer.RequestToken(r.Context(), req)
	if err != nil {
		writeIssuerError(w, err)
		return
	}
	httpWriteJSON(w, issuance)
}

// completeToken runs the second issuance round: the IA answers the blinded
// challenge of the session.
// POST /tokens/{sessionId}
func (a *API) completeToken(w http.ResponseWriter, r *http.Request) {
	req := &TokenChallengeRequest{}
	if !decodeJSON(w, r, req) {
		return
	}
	response, err := a.issuer.CompleteToken(r.Context(), chi.URLParam(r, SessionURLParam), req.Challenge)
	if err != nil {
		writeIssuerError(w, err)
		return
	}
	httpWriteJSON(w, &TokenChallengeResponse{Response: response})
}

// writeIssuerError maps issuer errors to API errors. Internal details of
// unavailability are logged, not returned.
func writeIssuerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, issuer.ErrInvalidRequest):
		ErrInvalidRequest.WithErr(err).Write(w)
	case errors.Is(err, issuer.ErrIdentityRejected):
		ErrIdentityRejected.Write(w)
	case errors.Is(err, issuer.ErrAlreadyIssued):
		ErrAlreadyIssued.Write(w)
	case errors.Is(err, issuer.ErrReplayedProof):
		ErrReplayedProof.Write(w)
	case errors.Is(err, issuer.ErrRateLimited):
		ErrRateLimited.Write(w)
	case errors.Is(err, issuer.ErrSessionNotFound):
		ErrSessionNotFound.Write(w)
	case errors.Is(err, issuer.ErrSessionAnswered):
		ErrSessionAnswered.Write(w)
	default:
		if !errors.Is(err, issuer.ErrIssuanceUnavailable) {
			log.Warnw("issuance failed", "error", err.Error())
		}
		ErrIssuanceUnavailable.Write(w)
	}
}

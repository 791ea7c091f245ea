//nolint:lll
package api

import (
	"fmt"
	"net/http"
)

// The custom Error type satisfies the error interface.
// Error() returns a human-readable description of the error.
//
// Error codes in the 40001-49999 range are the user's fault,
// and they return HTTP Status 400, 403, 404, 409 or 429, whatever is most appropriate.
//
// Error codes 50001-59999 are the server's fault
// and they return HTTP Status 500 or 503, or something else if appropriate.
//
// NEVER change any of the current error codes, only append new errors after the current last 4XXX or 5XXX.
// If you notice there's a gap, DON'T fill in the gap, that code was used in the past
// for some error (not anymore) and shouldn't be reused.
//
// Issuance errors never say whether the identity holds tokens for other polls.
var (
	ErrResourceNotFound   = Error{Code: 40001, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("resource not found")}
	ErrMalformedBody      = Error{Code: 40002, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed JSON body")}
	ErrMalformedParam     = Error{Code: 40003, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed parameter")}
	ErrMalformedPollID    = Error{Code: 40004, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed poll ID")}
	ErrPollNotFound       = Error{Code: 40005, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("poll not found")}
	ErrPollAlreadyExists  = Error{Code: 40006, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("poll already exists")}
	ErrPollClosed         = Error{Code: 40007, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("poll closed")}
	ErrIdentityRejected   = Error{Code: 40008, HTTPstatus: http.StatusForbidden, Err: fmt.Errorf("identity rejected")}
	ErrAlreadyIssued      = Error{Code: 40009, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("token already issued")}
	ErrReplayedProof      = Error{Code: 40010, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("identity proof already used")}
	ErrRateLimited        = Error{Code: 40011, HTTPstatus: http.StatusTooManyRequests, Err: fmt.Errorf("rate limited")}
	ErrSessionNotFound    = Error{Code: 40012, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("issuance session not found")}
	ErrSessionAnswered    = Error{Code: 40013, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("issuance session already answered")}
	ErrInvalidToken       = Error{Code: 40014, HTTPstatus: http.StatusForbidden, Err: fmt.Errorf("invalid token")}
	ErrDoubleSpend        = Error{Code: 40015, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("token already used")}
	ErrLeafNotPublished   = Error{Code: 40016, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("vote not covered by a published root")}
	ErrNoRootPublished    = Error{Code: 40017, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("no root published")}
	ErrInvalidRequest     = Error{Code: 40018, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid request")}
	ErrUnauthorized       = Error{Code: 40019, HTTPstatus: http.StatusUnauthorized, Err: fmt.Errorf("unauthorized")}
	ErrKeySetStale        = Error{Code: 40020, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("verification key set is older than the active one")}
	ErrInvalidKeySet      = Error{Code: 40021, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid verification key set")}

	ErrMarshalingServerJSONFailed = Error{Code: 50001, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("marshaling (server-side) JSON failed")}
	ErrGenericInternalServerError = Error{Code: 50002, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("internal server error")}
	ErrIssuanceUnavailable        = Error{Code: 50003, HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("issuance temporarily unavailable")}
	ErrStorageUnavailable         = Error{Code: 50004, HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("storage unavailable")}
	ErrKeysUnavailable            = Error{Code: 50005, HTTPstatus: http.StatusServiceUnavailable, Err: fmt.Errorf("verification keys unavailable")}
)

package api

import (
	"fmt"
	"net/url"
	"strings"
)

// Route constants for the API endpoints

const (
	// Health endpoints
	PingEndpoint = "/ping" // GET: health check
	InfoEndpoint = "/info" // GET: node mode, version and signers

	// URL parameters
	PollURLParam      = "pollId"
	SessionURLParam   = "sessionId"
	TagURLParam       = "tag"
	SequenceURLParam  = "sequenceNo"
	LeafCountQueryArg = "leafCount"

	// IdentityEndpoint exchanges a credential for an identity proof ref (IA).
	IdentityEndpoint = "/identity"

	// TokensEndpoint runs the first issuance round and TokenEndpoint the
	// second one (IA).
	TokensEndpoint = "/tokens"
	TokenEndpoint  = TokensEndpoint + "/{" + SessionURLParam + "}"

	// KeysEndpoint serves the signed verification key set. On the PO a POST
	// loads a new set (admin).
	KeysEndpoint = "/keys"

	// Vote endpoints (PO)
	VotesEndpoint     = "/votes"
	VoteSpentEndpoint = VotesEndpoint + "/{" + PollURLParam + "}/tag/{" + TagURLParam + "}"

	// Poll endpoints (PO). Opening and closing polls are admin operations.
	PollsEndpoint     = "/polls"
	PollEndpoint      = PollsEndpoint + "/{" + PollURLParam + "}"
	PollCloseEndpoint = PollEndpoint + "/close"

	// Audit endpoints (PO). A POST to RootsEndpoint publishes a root now
	// (admin).
	RootEndpoint   = "/root/{" + PollURLParam + "}"
	RootsEndpoint  = "/roots/{" + PollURLParam + "}"
	ProofEndpoint  = "/proof/{" + PollURLParam + "}/{" + SequenceURLParam + "}"
	EventsEndpoint = "/events/{" + PollURLParam + "}"
)

// EndpointWithParam creates an endpoint URL by replacing the parameter
// placeholder with the actual value. Used to build fully qualified
// endpoint URLs.
func EndpointWithParam(path, key, param string) string {
	rawKey := fmt.Sprintf("{%s}", key)

	// Always try to replace the placeholder, even if it's after the '?'
	if strings.Contains(path, rawKey) {
		return strings.Replace(path, rawKey, url.PathEscape(param), 1)
	}

	// Fallback: add as query param
	escapedKey := url.QueryEscape(key)
	escapedVal := url.QueryEscape(param)

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	return fmt.Sprintf("%s%s%s=%s", path, sep, escapedKey, escapedVal)
}

// LogExcludedPrefixes defines URL prefixes to exclude from request logging
var LogExcludedPrefixes = []string{
	PingEndpoint,
	InfoEndpoint,
}

// LogRedactedPrefixes defines URL prefixes whose request body is never
// logged.
var LogRedactedPrefixes = []string{
	IdentityEndpoint,
}

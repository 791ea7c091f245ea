// Package api is the HTTP surface of anonvote nodes. An IA node serves the
// identity hook, the two issuance rounds and the signed verification keys;
// a PO node serves vote submission, poll administration and the public
// audit endpoints. Both share the error format, logging middleware and
// health endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/vocdoni/anonvote/auditlog"
	"github.com/vocdoni/anonvote/identity"
	"github.com/vocdoni/anonvote/issuer"
	"github.com/vocdoni/anonvote/log"
	"github.com/vocdoni/anonvote/types"
	"github.com/vocdoni/anonvote/voting"
)

const (
	maxRequestBodyLog = 512 // Maximum length of request body to log
)

// Version is reported by the info endpoint. It is set at build time.
var Version = "dev"

// APIConfig type represents the configuration for the API HTTP server. Set
// Issuer and Identity for an IA node, or Voting and Audit for a PO node.
type APIConfig struct {
	Host string
	Port int

	Issuer   *issuer.Issuer
	Identity identity.Verifier

	Voting *voting.Service
	Audit  *auditlog.Log

	// AdminToken guards poll administration and key loading on the PO. If
	// empty those endpoints always answer unauthorized.
	AdminToken string
	// Signer is the address reported by the info endpoint.
	Signer types.HexBytes
}

// API type represents the API HTTP server.
type API struct {
	router     *chi.Mux
	server     *http.Server
	issuer     *issuer.Issuer
	identity   identity.Verifier
	voting     *voting.Service
	audit      *auditlog.Log
	adminToken string
	signer     types.HexBytes
}

// NewRouter creates an API instance with its routes registered but does
// not listen.
func NewRouter(conf *APIConfig) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	ia := conf.Issuer != nil || conf.Identity != nil
	po := conf.Voting != nil || conf.Audit != nil
	switch {
	case ia && po:
		return nil, fmt.Errorf("a node serves either the IA or the PO API")
	case ia && (conf.Issuer == nil || conf.Identity == nil):
		return nil, fmt.Errorf("IA API needs both the issuer and the identity verifier")
	case po && (conf.Voting == nil || conf.Audit == nil):
		return nil, fmt.Errorf("PO API needs both the vote service and the audit log")
	case !ia && !po:
		return nil, fmt.Errorf("missing services")
	}
	a := &API{
		issuer:     conf.Issuer,
		identity:   conf.Identity,
		voting:     conf.Voting,
		audit:      conf.Audit,
		adminToken: conf.AdminToken,
		signer:     conf.Signer,
	}
	a.initRouter()
	return a, nil
}

// New creates a new API instance with the given configuration and starts
// the HTTP server.
func New(conf *APIConfig) (*API, error) {
	a, err := NewRouter(conf)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", conf.Host, conf.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to start the API server: %w", err)
	}
	a.server = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("starting API server", "host", conf.Host, "port", conf.Port, "mode", a.mode())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw(err, "API server stopped")
		}
	}()
	return a, nil
}

// Shutdown stops the HTTP server, waiting for in-flight requests until ctx
// is done.
func (a *API) Shutdown(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// Router returns the chi router for testing purposes
func (a *API) Router() *chi.Mux {
	return a.router
}

func (a *API) mode() string {
	if a.issuer != nil {
		return ModeIA
	}
	return ModePO
}

func (a *API) register(method, endpoint string, handler http.HandlerFunc, admin bool) {
	log.Infow("register handler", "endpoint", endpoint, "method", method, "admin", admin)
	if admin {
		a.router.With(adminMiddleware(a.adminToken)).Method(method, endpoint, handler)
		return
	}
	a.router.Method(method, endpoint, handler)
}

// registerHandlers registers all the HTTP handlers for the API endpoints.
func (a *API) registerHandlers() {
	a.register(http.MethodGet, PingEndpoint, func(w http.ResponseWriter, r *http.Request) {
		httpWriteOK(w)
	}, false)
	a.register(http.MethodGet, InfoEndpoint, a.info, false)
	a.register(http.MethodGet, KeysEndpoint, a.keys, false)
	a.register(http.MethodGet, EventsEndpoint, a.events, false)

	if a.issuer != nil {
		a.register(http.MethodPost, IdentityEndpoint, a.verifyIdentity, false)
		a.register(http.MethodPost, TokensEndpoint, a.requestToken, false)
		a.register(http.MethodPost, TokenEndpoint, a.completeToken, false)
		return
	}

	a.register(http.MethodPost, VotesEndpoint, a.submitVote, false)
	a.register(http.MethodGet, VoteSpentEndpoint, a.voteSpent, false)
	a.register(http.MethodGet, PollsEndpoint, a.polls, false)
	a.register(http.MethodGet, PollEndpoint, a.poll, false)
	a.register(http.MethodGet, RootEndpoint, a.root, false)
	a.register(http.MethodGet, RootsEndpoint, a.roots, false)
	a.register(http.MethodGet, ProofEndpoint, a.proof, false)

	a.register(http.MethodPost, KeysEndpoint, a.loadKeys, true)
	a.register(http.MethodPost, PollsEndpoint, a.newPoll, true)
	a.register(http.MethodPost, PollCloseEndpoint, a.closePoll, true)
	a.register(http.MethodPost, RootsEndpoint, a.publishRoot, true)
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() {
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}).Handler)
	a.router.Use(loggingMiddleware(maxRequestBodyLog))
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Throttle(100))
	a.router.Use(middleware.ThrottleBacklog(5000, 40000, 60*time.Second))
	a.router.Use(middleware.Timeout(45 * time.Second))
	a.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		ErrResourceNotFound.With(r.URL.Path).Write(w)
	})

	a.registerHandlers()
}

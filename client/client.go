// Package client is the voter and auditor side of anonvote: an HTTP client
// for IA and PO nodes that obtains tokens through the blind issuance
// protocol, submits votes and verifies published inclusion proofs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/vocdoni/anonvote/api"
	"github.com/vocdoni/anonvote/log"
)

const (
	// DefaultRetries is the number of attempts for requests that fail before
	// reaching the server.
	DefaultRetries = 3
	// DefaultTimeout is the default timeout for the HTTP client
	DefaultTimeout = 10 * time.Second

	maxResponseSize = 16 << 20
)

// APIError is a non-200 answer of a node. It matches the api.Error
// sentinel with the same code, so callers can use errors.Is(err,
// api.ErrDoubleSpend).
type APIError struct {
	Status  int
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (http %d): %s", e.Code, e.Status, e.Message)
}

// Is reports whether target is the api.Error with the same code.
func (e *APIError) Is(target error) bool {
	var apiErr api.Error
	if !errors.As(target, &apiErr) {
		return false
	}
	return apiErr.Code == e.Code
}

// HTTPclient talks to one anonvote node.
type HTTPclient struct {
	c          *http.Client
	host       *url.URL
	retries    int
	adminToken string
}

// New returns a client for the node at host after checking it answers the
// ping endpoint.
func New(ctx context.Context, host string) (*HTTPclient, error) {
	hostURL, err := url.Parse(host)
	if err != nil {
		return nil, err
	}
	c := &HTTPclient{
		c:       &http.Client{Timeout: DefaultTimeout},
		host:    hostURL,
		retries: DefaultRetries,
	}
	log.Debugw("http client created", "host", hostURL.String())
	if _, err := c.Request(ctx, http.MethodGet, nil, nil, api.PingEndpoint); err != nil {
		return nil, err
	}
	return c, nil
}

// SetRetries configures the number of attempts of each request.
func (c *HTTPclient) SetRetries(n int) {
	c.retries = max(n, 1)
}

// SetTimeout configures the timeout for the HTTP client.
func (c *HTTPclient) SetTimeout(d time.Duration) {
	c.c.Timeout = d
}

// SetAdminToken sets the bearer token sent to admin endpoints.
func (c *HTTPclient) SetAdminToken(token string) {
	c.adminToken = token
}

// Request performs a request to the endpoint built by joining urlPath and
// returns the body of a 200 answer. Other answers return an *APIError.
//
// params holds query parameters as key, value pairs; an odd trailing key is
// ignored.
func (c *HTTPclient) Request(ctx context.Context, method string, jsonBody any, params []string, urlPath ...string) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	if jsonBody != nil {
		if body, err = json.Marshal(jsonBody); err != nil {
			return nil, fmt.Errorf("failed to marshal JSON: %w", err)
		}
	}

	u := *c.host
	u.Path = path.Join(u.Path, path.Join(urlPath...))
	if len(params) > 0 {
		values := url.Values{}
		for i := 0; i < len(params)-1; i += 2 {
			values.Set(params[i], params[i+1])
		}
		u.RawQuery = values.Encode()
	}

	log.Debugw("http client request", "type", method, "url", u.String(), "bytes", len(body))

	var resp *http.Response
	for i := 1; i <= c.retries; i++ {
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if c.adminToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.adminToken)
		}

		resp, err = c.c.Do(req)
		if err == nil {
			break
		}
		log.Warnw("http request failed", "error", err.Error(), "attempt", i, "retries", c.retries)
		if i == c.retries || ctx.Err() != nil {
			return nil, fmt.Errorf("http request failed after %d attempts: %w", i, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warnw("failed to close response body", "error", err)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Code == 0 {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return nil, apiErr
	}
	return data, nil
}

// call runs Request and decodes the answer into out when it is not nil.
func (c *HTTPclient) call(ctx context.Context, method string, body, out any, params []string, urlPath ...string) error {
	data, err := c.Request(ctx, method, body, params, urlPath...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s answer: %w", path.Join(urlPath...), err)
	}
	return nil
}

// Info returns the node description.
func (c *HTTPclient) Info(ctx context.Context) (*api.NodeInfo, error) {
	info := &api.NodeInfo{}
	return info, c.call(ctx, http.MethodGet, nil, info, nil, api.InfoEndpoint)
}

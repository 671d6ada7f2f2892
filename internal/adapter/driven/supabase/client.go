// Package supabase implements the RepositoryReader and ChangeFeed ports
// against a hosted Supabase project (PostgREST and Realtime).
package supabase

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ericfisherdev/repopulse/internal/domain/model"
	"github.com/ericfisherdev/repopulse/internal/domain/port/driven"
)

// Client is a minimal PostgREST client scoped to one Supabase project.
// It holds no per-user state: the caller's session is supplied on every
// request.
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
}

// NewClient creates a Client with a default http.Client using timeout.
func NewClient(baseURL, anonKey string, timeout time.Duration) (*Client, error) {
	return NewClientWithHTTPClient(&http.Client{Timeout: timeout}, baseURL, anonKey)
}

// NewClientWithHTTPClient creates a Client with a custom http.Client.
// This constructor is also used by tests to target an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL, anonKey string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("supabase URL is required")
	}
	if anonKey == "" {
		return nil, errors.New("supabase anon key is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parsing supabase URL: %w", err)
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		anonKey:    anonKey,
		httpClient: httpClient,
	}, nil
}

// setHeaders applies the project key and the caller's bearer token. An
// anonymous session authenticates with the anon key, as the JS client does.
func (c *Client) setHeaders(req *http.Request, sess model.Session) {
	token := sess.AccessToken
	if token == "" {
		token = c.anonKey
	}

	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+token)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
}

// do executes req and returns the response body. Transport failures are
// wrapped with driven.ErrUnavailable; HTTP error statuses become a
// *driven.QueryError carrying the backend's message.
func (c *Client) do(req *http.Request) ([]byte, error) {
	endpoint := req.Method + " " + req.URL.Path

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", endpoint, ctxErr)
		}
		return nil, fmt.Errorf("%s: %w: %w", endpoint, driven.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", endpoint, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%s: %w", endpoint, parseQueryError(resp.StatusCode, body))
	}

	return body, nil
}

// parseQueryError extracts the PostgREST error object. Gateways in front of
// PostgREST use "error"/"msg" instead of "message", so those are tried too.
func parseQueryError(status int, body []byte) *driven.QueryError {
	qe := &driven.QueryError{Status: status}

	if gjson.ValidBytes(body) {
		res := gjson.ParseBytes(body)
		qe.Code = res.Get("code").String()
		qe.Details = res.Get("details").String()
		qe.Hint = res.Get("hint").String()
		for _, key := range []string{"message", "error_description", "error", "msg"} {
			if v := res.Get(key); v.Type == gjson.String && v.String() != "" {
				qe.Message = v.String()
				break
			}
		}
	}

	if qe.Message == "" {
		qe.Message = fmt.Sprintf("request failed with status %d", status)
	}

	return qe
}

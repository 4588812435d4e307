// Package controller is the HTTP client for the lab controller REST API.
//
// A single Client is created at process start and shared by every user's
// spawner so all calls reuse one connection pool. Routes that act on behalf
// of a user take that user's token source; admin routes use the token source
// the Client was built with.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	holonlog "github.com/holon-run/restspawner/pkg/log"
)

// DefaultPathPrefix is the controller's spawner API prefix.
const DefaultPathPrefix = "spawner/v1"

// Client talks to one lab controller.
type Client struct {
	baseURL string
	prefix  string
	http    *http.Client
	admin   oauth2.TokenSource
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the pooled transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithPathPrefix overrides DefaultPathPrefix.
func WithPathPrefix(prefix string) Option {
	return func(c *Client) {
		c.prefix = strings.Trim(prefix, "/")
	}
}

// NewHTTPClient builds a pooled client. It has no overall timeout
// because event streams stay open for the whole spawn; callers bound each
// call with a context instead. Redirects are never followed so that a 303
// from the create route stays visible.
func NewHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 100
	transport.MaxIdleConnsPerHost = 32
	transport.IdleConnTimeout = 90 * time.Second

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// sharedHTTP is the process-wide pool used by clients built without
// WithHTTPClient.
var sharedHTTP = sync.OnceValue(NewHTTPClient)

// NewClient creates a client for the controller at baseURL.
func NewClient(baseURL string, admin oauth2.TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		prefix:  DefaultPathPrefix,
		admin:   admin,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = sharedHTTP()
	}
	return c
}

// URL builds a controller URL from path components. Each component is
// escaped, so user names cannot alter the route.
func (c *Client) URL(components ...string) string {
	parts := make([]string, 0, len(components)+2)
	parts = append(parts, c.baseURL)
	if c.prefix != "" {
		parts = append(parts, c.prefix)
	}
	for _, comp := range components {
		parts = append(parts, url.PathEscape(comp))
	}
	return strings.Join(parts, "/")
}

func (c *Client) newRequest(ctx context.Context, method, target string, ts oauth2.TokenSource, body any) (*http.Request, error) {
	if ts == nil {
		return nil, errors.New("no credentials configured for controller request")
	}
	// Resolve the token first so a missing credential fails before any I/O.
	tok, err := ts.Token()
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	tok.SetAuthHeader(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		holonlog.Debug("controller request failed", "method", req.Method, "url", req.URL.String(), "error", err)
		return nil, transportError(req, err)
	}
	holonlog.Debug("controller request", "method", req.Method, "url", req.URL.String(),
		"status", resp.StatusCode, "elapsed", time.Since(start))
	return resp, nil
}

// CreateLab asks the controller to create the user's lab. A 409 or redirect
// is not an error: it means the lab exists or is already being created.
func (c *Client) CreateLab(ctx context.Context, user string, ts oauth2.TokenSource, body CreateLabRequest) (*CreateLabResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.URL("labs", user, "create"), ts, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusSeeOther,
		resp.StatusCode == http.StatusFound:
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return &CreateLabResult{
			StatusCode: resp.StatusCode,
			Exists:     true,
			Location:   resp.Header.Get("Location"),
		}, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, responseError(req, resp)
	}

	defer resp.Body.Close()
	result := &CreateLabResult{
		StatusCode: resp.StatusCode,
		Location:   resp.Header.Get("Location"),
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(req, err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		var lab Lab
		// A body that is not a lab record simply means no URL yet.
		if json.Unmarshal(data, &lab) == nil {
			result.InternalURL = lab.InternalURL
		}
	}
	return result, nil
}

// GetLab fetches the lab record with the admin token. It returns
// ErrLabNotFound when the controller answers 404.
func (c *Client) GetLab(ctx context.Context, user string) (*Lab, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.URL("labs", user), c.admin, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrLabNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(req, resp)
	}
	defer resp.Body.Close()

	var lab Lab
	if err := json.NewDecoder(resp.Body).Decode(&lab); err != nil {
		return nil, &WebError{
			Method: req.Method,
			URL:    req.URL.String(),
			Status: resp.StatusCode,
			Reason: "invalid JSON",
			Err:    err,
		}
	}
	return &lab, nil
}

// InternalURL returns the cluster-internal URL of the user's lab.
func (c *Client) InternalURL(ctx context.Context, user string) (string, error) {
	lab, err := c.GetLab(ctx, user)
	if errors.Is(err, ErrLabNotFound) {
		return "", fmt.Errorf("lab for %s: %w", user, err)
	}
	if err != nil {
		return "", err
	}
	if lab.InternalURL == "" {
		return "", &MissingFieldError{Field: "internal_url", User: user}
	}
	return lab.InternalURL, nil
}

// DeleteLab removes the user's lab with the admin token. Deleting a lab that
// does not exist succeeds.
func (c *Client) DeleteLab(ctx context.Context, user string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, c.URL("labs", user), c.admin, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(req, resp)
	}
	resp.Body.Close()
	return nil
}

// Events opens the user's progress event stream. The caller owns the
// returned body and must close it; cancelling ctx also ends the stream.
func (c *Client) Events(ctx context.Context, user string, ts oauth2.TokenSource) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.URL("labs", user, "events"), ts, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(req, resp)
	}
	return resp.Body, nil
}

// LabForm fetches the HTML options form shown to the user before spawning.
func (c *Client) LabForm(ctx context.Context, user string, ts oauth2.TokenSource) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.URL("lab-form", user), ts, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", responseError(req, resp)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError(req, err)
	}
	return string(data), nil
}

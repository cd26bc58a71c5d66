// Package client talks to the remote build server.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client submits builds to one remote build server and retrieves their results.
type Client struct {
	serverURL  *url.URL
	httpClient *http.Client
	token      string
}

type NewParams struct {
	ServerURL  string       // required
	Token      string       // optional, sent as a bearer token
	TLSConfig  *tls.Config  // optional, used when HTTPClient is nil
	HTTPClient *http.Client // optional
}

func New(params *NewParams) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(params.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported server URL scheme %q", u.Scheme)
	}

	httpClient := params.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if params.TLSConfig != nil {
			transport.TLSClientConfig = params.TLSConfig
		}
		// No overall timeout: uploads and downloads can be large and slow.
		httpClient = &http.Client{Transport: transport}
	}

	return &Client{serverURL: u, httpClient: httpClient, token: params.Token}, nil
}

// secure reports whether requests go over TLS.
func (c *Client) secure() bool {
	return c.serverURL.Scheme == "https"
}

// endpoint resolves p against the server URL.
func (c *Client) endpoint(p string, query url.Values) string {
	u := *c.serverURL
	u.Path = strings.TrimSuffix(u.Path, "/") + p
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method string, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// get issues a GET and classifies transport failures.
func (c *Client) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(err, c.secure())
	}
	return resp, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

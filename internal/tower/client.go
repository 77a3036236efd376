// Package tower is a small JSON client for the workflow platform API.
package tower

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultPageSize = 50
	DefaultTimeout  = 30 * time.Second

	maxBodyBytes = 16 << 20
)

type Options struct {
	Endpoint  string
	AuthToken string
	PageSize  int
	Timeout   time.Duration
	// Transport is the base round tripper; nil means http.DefaultTransport.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

type Client struct {
	baseURL  string
	http     *http.Client
	pageSize int
	logger   *slog.Logger
}

// NewClient validates the options up front so a misconfigured client fails
// at construction rather than on first use.
func NewClient(opts Options) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("tower endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid tower endpoint %q", opts.Endpoint)
	}
	token := strings.TrimSpace(opts.AuthToken)
	if token == "" {
		return nil, errors.New("tower auth token is required")
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	return &Client{
		baseURL: endpoint,
		http: &http.Client{
			Transport: &oauth2.Transport{Source: src, Base: opts.Transport},
			Timeout:   timeout,
		},
		pageSize: pageSize,
		logger:   logger,
	}, nil
}

// Get issues a GET and decodes the JSON body into out (which may be nil).
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) Post(ctx context.Context, path string, query url.Values, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, query, reader)
	if err != nil {
		return err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

// GetPaged follows offset pagination until the number of collected items
// reaches the totalSize reported by the platform. Items are returned in page
// order as raw JSON for the caller to decode.
func (c *Client) GetPaged(ctx context.Context, path string, query url.Values) ([]json.RawMessage, error) {
	var items []json.RawMessage
	total := -1
	for total < 0 || len(items) < total {
		q := url.Values{}
		for k, v := range query {
			q[k] = append([]string(nil), v...)
		}
		q.Set("max", strconv.Itoa(c.pageSize))
		q.Set("offset", strconv.Itoa(len(items)))

		var body json.RawMessage
		if err := c.Get(ctx, path, q, &body); err != nil {
			return nil, err
		}
		p, err := decodePage(body)
		if err != nil {
			return nil, &ProtocolError{Path: path, Message: "decode page", Cause: err}
		}
		if len(items)+len(p.items) > p.totalSize {
			return nil, &ProtocolError{
				Path:    path,
				Message: fmt.Sprintf("received %d items but totalSize is %d", len(items)+len(p.items), p.totalSize),
			}
		}
		if len(p.items) == 0 && len(items) < p.totalSize {
			return nil, &ProtocolError{
				Path:    path,
				Message: fmt.Sprintf("empty page at offset %d before reaching totalSize %d", len(items), p.totalSize),
			}
		}
		c.logger.Debug("fetched page", "path", path, "collection", p.key, "offset", len(items), "items", len(p.items), "total", p.totalSize)
		items = append(items, p.items...)
		total = p.totalSize
	}
	return items, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	target := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	path := req.URL.Path
	resp, err := c.http.Do(req)
	if err != nil {
		return &RequestError{Method: req.Method, Path: path, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &RequestError{Method: req.Method, Path: path, StatusCode: resp.StatusCode, Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RequestError{Method: req.Method, Path: path, StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ProtocolError{Path: path, Message: "decode response body", Cause: err}
	}
	return nil
}

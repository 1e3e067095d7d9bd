// Package client talks to the updater's operator API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/autopeer-io/updater/internal/updater/core/model"
)

const (
	apiPrefix      = "/api/v1"
	defaultTimeout = 30 * time.Second
)

// APIError is a non-2xx answer of the operator API.
type APIError struct {
	StatusCode int
	Message    string            `json:"error"`
	Kind       string            `json:"kind,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%d %s): %s", e.Kind, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
	}
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Accepted acknowledges a long-running operation.
type Accepted struct {
	Status    string `json:"status"`
	Operation string `json:"operation"`
	Version   string `json:"version,omitempty"`
}

// Client calls the operator API of one daemon.
type Client struct {
	base *url.URL
	http *http.Client
}

// New returns a client for the API served at addr, either host:port or a
// full URL.
func New(addr string) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	return &Client{base: u, http: &http.Client{Timeout: defaultTimeout}}, nil
}

func (c *Client) Check(ctx context.Context) ([]model.UpdateDescriptor, error) {
	var out []model.UpdateDescriptor
	return out, c.do(ctx, http.MethodPost, "/updates/check", nil, nil, &out)
}

// Install starts installing version, or the oldest pending one when empty.
func (c *Client) Install(ctx context.Context, version string) (*Accepted, error) {
	out := &Accepted{}
	body := map[string]string{}
	if version != "" {
		body["version"] = version
	}
	return out, c.do(ctx, http.MethodPost, "/updates/install", nil, body, out)
}

func (c *Client) Status(ctx context.Context) (*model.State, error) {
	out := &model.State{}
	return out, c.do(ctx, http.MethodGet, "/updates/status", nil, nil, out)
}

func (c *Client) Pending(ctx context.Context) ([]model.UpdateDescriptor, error) {
	var out []model.UpdateDescriptor
	return out, c.do(ctx, http.MethodGet, "/updates/pending", nil, nil, &out)
}

func (c *Client) Rollback(ctx context.Context) (*Accepted, error) {
	out := &Accepted{}
	return out, c.do(ctx, http.MethodPost, "/updates/rollback", nil, nil, out)
}

func (c *Client) Resolve(ctx context.Context) (*model.State, error) {
	out := &model.State{}
	return out, c.do(ctx, http.MethodPost, "/updates/resolve", nil, nil, out)
}

func (c *Client) Changelog(ctx context.Context, version string) (string, error) {
	var out struct {
		Changelog string `json:"changelog"`
	}
	err := c.do(ctx, http.MethodGet, "/updates/"+url.PathEscape(version)+"/changelog", nil, nil, &out)
	return out.Changelog, err
}

func (c *Client) Configuration(ctx context.Context) (*model.Configuration, error) {
	out := &model.Configuration{}
	return out, c.do(ctx, http.MethodGet, "/config", nil, nil, out)
}

// UpdateConfiguration sends a partial document; fields it omits keep their
// current value on the server.
func (c *Client) UpdateConfiguration(ctx context.Context, patch map[string]any) (*model.Configuration, error) {
	out := &model.Configuration{}
	return out, c.do(ctx, http.MethodPut, "/config", nil, patch, out)
}

func (c *Client) History(ctx context.Context, limit int) ([]model.HistoryRecord, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []model.HistoryRecord
	return out, c.do(ctx, http.MethodGet, "/history", q, nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.base.JoinPath(apiPrefix, path)
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Message = resp.Status
		}
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

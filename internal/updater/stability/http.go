package stability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProber treats any 2xx answer from URL as healthy.
type HTTPProber struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTPProber returns a prober for url. Each Probe is bounded by timeout.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{URL: url, Timeout: timeout, Client: &http.Client{}}
}

// Probe issues one GET and fails with ErrUnhealthy on a non-2xx answer.
func (p *HTTPProber) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %d", ErrUnhealthy, p.URL, resp.StatusCode)
	}
	return nil
}

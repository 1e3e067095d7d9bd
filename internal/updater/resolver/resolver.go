package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blang/semver/v4"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/updater/internal/pkg/diskutil"
	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
	"github.com/autopeer-io/updater/pkg/log"
)

const (
	checkPath       = "/updates/check"
	maxResponseBody = 1 << 20
)

var _ core.VersionResolver = (*Resolver)(nil)

// Config holds what the resolver needs besides the request arguments.
type Config struct {
	// Endpoints returns the endpoints to try in order. It is read on every
	// check so configuration updates apply without a restart.
	Endpoints func() []string

	// RuntimeVersion is matched against minRuntimeVersion and runtimeRange.
	RuntimeVersion string

	// DataDir is where the package will land; its free space is checked.
	DataDir string

	// Timeout bounds one request to one endpoint.
	Timeout time.Duration

	Client *http.Client
	Clock  clock.PassiveClock

	// FreeBytes reports free disk space; defaults to diskutil.FreeBytes.
	FreeBytes func(path string) (uint64, error)
}

// Resolver queries the distribution endpoints for a newer release.
type Resolver struct {
	cfg Config
	log log.Logger
}

// New returns a Resolver. Zero fields of cfg get defaults.
func New(cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.FreeBytes == nil {
		cfg.FreeBytes = diskutil.FreeBytes
	}
	return &Resolver{cfg: cfg, log: log.WithName("resolver")}
}

// response is the wire form of the endpoint's answer.
type response struct {
	Version       string              `json:"version"`
	Changelog     string              `json:"changelog"`
	DownloadURL   string              `json:"downloadUrl"`
	Checksum      string              `json:"checksum"`
	Compatibility model.Compatibility `json:"compatibility"`
}

// Check implements core.VersionResolver.
func (r *Resolver) Check(ctx context.Context, currentVersion, platform string) (*model.UpdateDescriptor, error) {
	current, err := semver.ParseTolerant(currentVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid current version %q: %w", currentVersion, err)
	}

	var lastErr error
	tried := 0
	for _, endpoint := range r.cfg.Endpoints() {
		if endpoint == "" {
			continue
		}
		tried++

		resp, err := r.query(ctx, endpoint, currentVersion, platform)
		if err != nil {
			r.log.Warn("Distribution endpoint failed", "endpoint", endpoint, "error", err)
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		return r.evaluate(current, platform, resp)
	}

	if tried == 0 {
		return nil, &core.NetworkError{URL: "", Err: errors.New("no distribution endpoint configured")}
	}
	return nil, lastErr
}

// query performs one request. Every failure is a *core.NetworkError so the
// caller can fall through to the next endpoint. A nil response means the
// endpoint has nothing newer.
func (r *Resolver) query(ctx context.Context, endpoint, currentVersion, platform string) (*response, error) {
	base, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, &core.NetworkError{URL: endpoint, Err: err}
	}

	u := *base
	u.Path += checkPath
	u.RawQuery = url.Values{"version": {currentVersion}, "platform": {platform}}.Encode()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &core.NetworkError{URL: u.String(), Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.cfg.Client.Do(req)
	if err != nil {
		return nil, &core.NetworkError{URL: u.String(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &core.NetworkError{URL: u.String(), Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var out response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&out); err != nil {
		return nil, &core.NetworkError{URL: u.String(), Err: fmt.Errorf("malformed response: %w", err)}
	}

	if out.Version == "" {
		return nil, nil
	}

	if out.DownloadURL == "" {
		return nil, &core.NetworkError{URL: u.String(), Err: errors.New("malformed response: missing downloadUrl")}
	}
	dl, err := base.Parse(out.DownloadURL)
	if err != nil {
		return nil, &core.NetworkError{URL: u.String(), Err: fmt.Errorf("malformed downloadUrl: %w", err)}
	}
	out.DownloadURL = dl.String()

	if _, err := semver.ParseTolerant(out.Version); err != nil {
		return nil, &core.NetworkError{URL: u.String(), Err: fmt.Errorf("malformed version %q: %w", out.Version, err)}
	}

	return &out, nil
}

func (r *Resolver) evaluate(current semver.Version, platform string, resp *response) (*model.UpdateDescriptor, error) {
	if resp == nil {
		return nil, nil
	}

	candidate, _ := semver.ParseTolerant(resp.Version)
	if !candidate.GT(current) {
		r.log.Debug("Endpoint reports no newer version", "current", current.String(), "remote", candidate.String())
		return nil, nil
	}

	version := candidate.String()
	if err := r.compatible(version, platform, resp.Compatibility); err != nil {
		return nil, err
	}

	return &model.UpdateDescriptor{
		Version:       version,
		Changelog:     resp.Changelog,
		DownloadURL:   resp.DownloadURL,
		Checksum:      strings.ToLower(strings.TrimSpace(resp.Checksum)),
		Compatibility: resp.Compatibility,
		DiscoveredAt:  r.cfg.Clock.Now(),
	}, nil
}

package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/updater/internal/pkg/diskutil"
	"github.com/autopeer-io/updater/internal/pkg/metrics"
	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
	"github.com/autopeer-io/updater/pkg/log"
)

const (
	progressBytes    = 512 << 10
	progressInterval = time.Second
)

var _ core.Fetcher = (*Downloader)(nil)

// Downloader streams packages to <dir>/<version>.zip.
type Downloader struct {
	dir       string
	client    *http.Client
	timeout   time.Duration
	clock     clock.PassiveClock
	freeBytes func(string) (uint64, error)
	log       log.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option { return func(d *Downloader) { d.client = c } }

// WithClock replaces the clock used to pace progress reports.
func WithClock(c clock.PassiveClock) Option { return func(d *Downloader) { d.clock = c } }

// WithFreeBytes replaces the free disk space probe.
func WithFreeBytes(fn func(string) (uint64, error)) Option {
	return func(d *Downloader) { d.freeBytes = fn }
}

// NewDownloader returns a Downloader writing into dir. timeout bounds one
// whole download.
func NewDownloader(dir string, timeout time.Duration, opts ...Option) *Downloader {
	d := &Downloader{
		dir:       dir,
		client:    &http.Client{},
		timeout:   timeout,
		clock:     clock.RealClock{},
		freeBytes: diskutil.FreeBytes,
		log:       log.WithName("downloader"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Path returns where the package of version is stored once downloaded.
func (d *Downloader) Path(version string) string {
	return filepath.Join(d.dir, version+".zip")
}

// Fetch implements core.Fetcher. No partial file survives a failure.
func (d *Downloader) Fetch(ctx context.Context, desc model.UpdateDescriptor, progress core.ProgressFunc) (string, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	if need := desc.Compatibility.RequiredDiskBytes; need > 0 {
		free, err := d.freeBytes(d.dir)
		if err != nil {
			return "", fmt.Errorf("check free space: %w", err)
		}
		if free < need {
			return "", &core.DiskSpaceError{Path: d.dir, Required: need, Available: free}
		}
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	final := d.Path(desc.Version)
	part := final + ".part"

	written, err := d.download(ctx, desc.DownloadURL, part, progress)
	if err != nil {
		_ = os.Remove(part)
		return "", err
	}

	if err := os.Rename(part, final); err != nil {
		_ = os.Remove(part)
		return "", fmt.Errorf("finalize download: %w", err)
	}

	metrics.DownloadBytesTotal.Add(float64(written))
	d.log.Info("Package downloaded", "version", desc.Version, "size", humanize.IBytes(uint64(written)), "path", final)
	return final, nil
}

func (d *Downloader) download(ctx context.Context, rawURL, dst string, progress core.ProgressFunc) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, &core.NetworkError{URL: rawURL, Err: err}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, &core.NetworkError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &core.NetworkError{URL: rawURL, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}

	pw := &progressWriter{
		total:  resp.ContentLength,
		report: progress,
		clock:  d.clock,
		last:   d.clock.Now(),
	}

	written, copyErr := io.Copy(io.MultiWriter(f, pw), resp.Body)
	closeErr := f.Close()

	if copyErr != nil {
		// Body read failures are transport failures; local write failures are not.
		var pe *os.PathError
		if errors.As(copyErr, &pe) {
			return written, copyErr
		}
		return written, &core.NetworkError{URL: rawURL, Err: copyErr}
	}
	if closeErr != nil {
		return written, closeErr
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return written, &core.NetworkError{URL: rawURL, Err: fmt.Errorf("short body: %d of %d bytes", written, resp.ContentLength)}
	}

	pw.flush()
	return written, nil
}

// Cleanup implements core.Fetcher.
func (d *Downloader) Cleanup(version string) error {
	err := os.Remove(d.Path(version))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// progressWriter reports at most once per progressBytes or progressInterval.
type progressWriter struct {
	total    int64
	written  int64
	reported int64
	report   core.ProgressFunc
	clock    clock.PassiveClock
	last     time.Time
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.report == nil {
		return len(b), nil
	}

	now := p.clock.Now()
	if p.written-p.reported >= progressBytes || now.Sub(p.last) >= progressInterval {
		p.reported = p.written
		p.last = now
		p.report(p.written, p.total)
	}
	return len(b), nil
}

func (p *progressWriter) flush() {
	if p.report != nil && p.reported != p.written {
		p.reported = p.written
		p.report(p.written, p.total)
	}
}

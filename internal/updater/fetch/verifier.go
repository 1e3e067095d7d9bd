package fetch

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/pkg/log"
)

var _ core.Verifier = (*Verifier)(nil)

// Verifier checks the SHA-256 digest of a downloaded package against the
// checksum announced by the distribution endpoint.
type Verifier struct {
	log log.Logger
}

// NewVerifier returns a Verifier logging under "verifier".
func NewVerifier() *Verifier {
	return &Verifier{log: log.WithName("verifier")}
}

// Verify implements core.Verifier. A mismatch is always an
// *core.IntegrityError, never a silent pass.
func (v *Verifier) Verify(ctx context.Context, path, expected string, policy core.VerifyPolicy) error {
	if !policy.Enabled {
		v.log.Warn("Integrity verification disabled by configuration, skipping", "path", path)
		return nil
	}

	expected = strings.ToLower(strings.TrimSpace(expected))
	if expected == "" {
		if policy.RequireChecksum {
			return &core.IntegrityError{Path: path}
		}
		v.log.Warn("No checksum advertised, skipping verification", "path", path)
		return nil
	}

	actual, err := SHA256File(ctx, path)
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return &core.IntegrityError{Path: path, Expected: expected, Actual: actual}
	}

	v.log.Debug("Checksum verified", "path", path, "sha256", actual)
	return nil
}

// SHA256File returns the lower-case hex SHA-256 of the file at path.
func SHA256File(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

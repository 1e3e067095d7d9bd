package installer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/autopeer-io/updater/internal/pkg/fsutil"
	"github.com/autopeer-io/updater/internal/updater/core"
)

// extract unpacks the zip at archive into dst. Any failure is reported as
// core.ErrCorruptPackage; dst is the only directory written to.
func extract(ctx context.Context, archive, dst string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrCorruptPackage, err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := fsutil.SafeJoin(dst, zf.Name)
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrCorruptPackage, err)
		}

		mode := zf.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case mode&os.ModeSymlink != 0:
			// Links could point anywhere in the live tree once copied.
			return fmt.Errorf("%w: symlink entry %s", core.ErrCorruptPackage, zf.Name)
		default:
			if err := extractFile(zf, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func extractFile(zf *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrCorruptPackage, zf.Name, err)
	}
	defer rc.Close()

	perm := zf.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}

	// Checksum errors surface from Read at EOF.
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("%w: %s: %v", core.ErrCorruptPackage, zf.Name, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(target, perm)
}

// Package diskutil reports free space on the filesystem holding a path.
package diskutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// FreeBytes returns the bytes available to an unprivileged user on the
// filesystem holding path. A missing path is resolved to its nearest
// existing parent.
func FreeBytes(path string) (uint64, error) {
	p, err := existingParent(path)
	if err != nil {
		return 0, err
	}
	return freeBytes(p)
}

func existingParent(path string) (string, error) {
	p := filepath.Clean(path)
	for {
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		p = parent
	}
}

// Package installertest builds update packages for tests.
package installertest

import (
	"os"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
)

// File is one package entry. Mode 0 means 0644.
type File struct {
	Content string
	Mode    os.FileMode
}

// WriteZip writes a package containing files to path.
func WriteZip(t testing.TB, path string, files map[string]File) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	zw := zip.NewWriter(f)
	for _, name := range names {
		file := files[name]
		mode := file.Mode
		if mode == 0 {
			mode = 0o644
		}

		h := &zip.FileHeader{Name: name, Method: zip.Deflate}
		h.SetMode(mode)
		w, err := zw.CreateHeader(h)
		if err != nil {
			t.Fatalf("zip header %s: %v", name, err)
		}
		if _, err := w.Write([]byte(file.Content)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
}

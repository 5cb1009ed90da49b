// Package tempfile provides scoped temporary files that are removed when the
// scope ends, including when it ends by panic.
package tempfile

import (
	"fmt"
	"os"
)

// File is a temporary file holding a copy of some bytes.
type File struct {
	Path string
	Data []byte
}

// With writes data to a new temp file in dir (os.TempDir when empty), runs
// fn with it and removes the file afterwards. The file is removed even if fn
// panics; the panic is re-raised after cleanup.
func With[T any](dir, pattern string, data []byte, fn func(File) (T, error)) (T, error) {
	var zero T
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return zero, fmt.Errorf("tempfile: create: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return zero, fmt.Errorf("tempfile: write: %w", err)
	}
	if err := f.Close(); err != nil {
		return zero, fmt.Errorf("tempfile: close: %w", err)
	}
	return fn(File{Path: path, Data: data})
}

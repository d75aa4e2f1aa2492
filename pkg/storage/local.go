package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local implements BlobStore on top of the local filesystem.
// All keys are resolved relative to the configured root directory.
type Local struct {
	root    string
	baseURL string
}

// NewLocal creates a Local store rooted at dir. Blobs are reported as
// served under baseURL, typically the HTTP server's static file route.
// The directory is created (with parents) if it does not already exist.
func NewLocal(dir, baseURL string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Local{root: abs, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Root returns the absolute root directory, for mounting a static file route.
func (l *Local) Root() string { return l.root }

// resolve turns a blob key into an absolute filesystem path.
func (l *Local) resolve(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *Local) Put(_ context.Context, key, _ string, r io.Reader) error {
	full := l.resolve(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	f, err := os.Create(full)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (l *Local) Open(_ context.Context, key string) (io.ReadCloser, error) {
	return os.Open(l.resolve(key))
}

func (l *Local) Delete(_ context.Context, key string) error {
	err := os.Remove(l.resolve(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (l *Local) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(l.resolve(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (l *Local) URL(key string) string {
	return l.baseURL + "/" + key
}

var _ BlobStore = (*Local)(nil)

package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrOutsideRoot = errors.New("path outside library root")

// Library resolves stored relative paths against the library root.
type Library struct {
	root string
}

func NewLibrary(root string) *Library {
	return &Library{root: filepath.Clean(root)}
}

func (l *Library) Root() string {
	return l.root
}

// Resolve turns a stored slash-separated relative path into an absolute one.
func (l *Library) Resolve(rel string) (string, error) {
	rel = strings.TrimPrefix(rel, "/")
	local := filepath.FromSlash(rel)
	if rel == "" || !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	return filepath.Join(l.root, local), nil
}

// Rel is the inverse of Resolve.
func (l *Library) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(l.root, abs)
	if err != nil {
		return "", err
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, abs)
	}
	return filepath.ToSlash(rel), nil
}

func (l *Library) IsReadable() error {
	info, err := os.Stat(l.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", l.root)
	}
	f, err := os.Open(l.root)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

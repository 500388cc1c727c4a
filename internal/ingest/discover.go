package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/namehu/PixiShelf-sub001/internal/media"
)

// candidate is one discovered metadata file.
type candidate struct {
	ExternalID string
	Path       string
	Dir        string
}

// discover walks root in lexical order for metadata files no deeper than
// maxDepth directories below it. Unreadable subdirectories are reported
// through skipped and otherwise ignored; only an unusable root is an error.
func discover(ctx context.Context, root string, maxDepth int, found func(n int), skipped func(path string, err error)) ([]candidate, error) {
	if err := checkRoot(root); err != nil {
		return nil, err
	}

	var out []candidate
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return fmt.Errorf("%w: %v", ErrDiscovery, err)
			}
			skipped(path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && depth(root, path) > maxDepth {
				return fs.SkipDir
			}
			return nil
		}
		id, ok := media.MetadataID(d.Name())
		if !ok {
			return nil
		}
		out = append(out, candidate{ExternalID: id, Path: path, Dir: filepath.Dir(path)})
		found(len(out))
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

// checkRoot reports ErrDiscovery unless root is an existing directory.
func checkRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrDiscovery, root)
	}
	return nil
}

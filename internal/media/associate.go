package media

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	TypeImage = "image"
	TypeVideo = "video"
)

var supported = map[string]string{
	"jpg":  TypeImage,
	"jpeg": TypeImage,
	"png":  TypeImage,
	"gif":  TypeImage,
	"webp": TypeImage,
	"bmp":  TypeImage,
	"avif": TypeImage,
	"mp4":  TypeVideo,
	"webm": TypeVideo,
	"mov":  TypeVideo,
	"mkv":  TypeVideo,
	"avi":  TypeVideo,
}

var (
	mediaName    = regexp.MustCompile(`^(\d+)(?:_p(\d+))?\.([A-Za-z0-9]+)$`)
	metadataName = regexp.MustCompile(`^(\d+)-meta\.txt$`)
)

// MetadataID extracts the artwork id from a metadata file name such as "123-meta.txt".
func MetadataID(name string) (string, bool) {
	m := metadataName.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// File is one media file belonging to an artwork.
type File struct {
	Path      string
	Name      string
	Size      int64
	PageIndex int
	SortOrder int
	Type      string
}

// Collect lists the media files in dir that belong to artworkID, ordered by
// page index. "{id}.{ext}" is page 0 and "{id}_p{n}.{ext}" is page n. When two
// files claim the same page the first by name wins. Unrelated files are ignored.
func Collect(dir, artworkID string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []File
	taken := make(map[int]struct{})
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, ok := classify(e.Name(), artworkID)
		if !ok {
			continue
		}
		if _, dup := taken[f.PageIndex]; dup {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		f.Path = filepath.Join(dir, e.Name())
		f.Size = info.Size()
		taken[f.PageIndex] = struct{}{}
		files = append(files, f)
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].PageIndex < files[j].PageIndex })
	return files, nil
}

func classify(name, artworkID string) (File, bool) {
	m := mediaName.FindStringSubmatch(name)
	if m == nil || m[1] != artworkID {
		return File{}, false
	}
	kind, ok := supported[strings.ToLower(m[3])]
	if !ok {
		return File{}, false
	}
	index := 0
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return File{}, false
		}
		index = n
	}
	return File{Name: name, PageIndex: index, SortOrder: index, Type: kind}, true
}

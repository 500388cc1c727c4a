package metadata

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Parse reads metadata file content into a validated Record.
func Parse(data []byte) (*Record, error) {
	bs, err := blocks(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	rec := &Record{}
	for _, b := range bs {
		apply(rec, b.key, b.lines)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

type block struct {
	key   string
	lines []string
}

// maxLine bounds a single line of a metadata file.
const maxLine = 4 * 1024 * 1024

func blocks(data []byte) ([]block, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), maxLine)

	var out []block
	var cur *block
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			cur = nil
			continue
		}
		if cur == nil {
			out = append(out, block{key: strings.ToLower(strings.TrimSpace(line))})
			cur = &out[len(out)-1]
			continue
		}
		cur.lines = append(cur.lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func apply(rec *Record, key string, lines []string) {
	value := strings.TrimSpace(strings.Join(lines, "\n"))
	if value == "" {
		return
	}
	switch key {
	case "id":
		rec.ID = value
	case "url":
		rec.SourceURL = &value
	case "original":
		rec.OriginalURL = &value
	case "thumbnail":
		rec.ThumbnailURL = &value
	case "xrestrict":
		rec.Restricted = parseRestricted(value)
	case "ai":
		rec.AIGenerated = parseFlag(value)
	case "user":
		rec.Author = value
	case "userid":
		rec.AuthorID = value
	case "title":
		rec.Title = value
	case "description":
		rec.Description = value
	case "tags":
		rec.Tags = parseTags(lines)
	case "size":
		rec.Size = &value
	case "bookmark":
		if n, err := strconv.Atoi(strings.ReplaceAll(value, ",", "")); err == nil {
			rec.Bookmarks = &n
		}
	case "date":
		if t, err := dateparse.ParseIn(value, time.UTC); err == nil {
			rec.Date = &t
		}
	}
}

func parseRestricted(v string) bool {
	switch strings.ToLower(v) {
	case "allages", "all ages", "0", "no", "false":
		return false
	}
	return true
}

func parseFlag(v string) *bool {
	var b bool
	switch strings.ToLower(v) {
	case "yes", "true", "1":
		b = true
	case "no", "false", "0":
		b = false
	default:
		return nil
	}
	return &b
}

func parseTags(lines []string) []string {
	var raw []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		raw = append(raw, strings.Fields(line)...)
	}
	return NormalizeTags(raw)
}

package media

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"123_p2.png", "123_p0.jpg", "123_p10.webp", "123_p1.JPG",
		"123-meta.txt", "1234_p0.jpg", "123_p1.png", "123.txt", "123_pX.jpg", "cover.jpg",
	} {
		touch(t, dir, name, "xx")
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "123.jpg"), 0o755))

	files, err := Collect(dir, "123")
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		names = append(names, f.Name)
		assert.Equal(t, f.PageIndex, f.SortOrder)
		assert.EqualValues(t, 2, f.Size)
		assert.Equal(t, filepath.Join(dir, f.Name), f.Path)
	}
	assert.Equal(t, []string{"123_p0.jpg", "123_p1.JPG", "123_p2.png", "123_p10.webp"}, names)
}

func TestCollectBareName(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "77.mp4", "video")
	touch(t, dir, "77_p1.png", "img")

	files, err := Collect(dir, "77")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, 0, files[0].PageIndex)
	assert.Equal(t, TypeVideo, files[0].Type)
	assert.Equal(t, TypeImage, files[1].Type)
}

func TestCollectEmptyAndMissing(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "5-meta.txt", "")
	files, err := Collect(dir, "5")
	require.NoError(t, err)
	assert.Empty(t, files)

	_, err = Collect(filepath.Join(dir, "missing"), "5")
	assert.Error(t, err)
}

func TestMetadataID(t *testing.T) {
	id, ok := MetadataID("123-meta.txt")
	assert.True(t, ok)
	assert.Equal(t, "123", id)
	for _, name := range []string{"abc-meta.txt", "123-meta.txt.bak", "123_meta.txt", "123.jpg"} {
		_, ok := MetadataID(name)
		assert.False(t, ok, name)
	}
}

func TestLibraryResolve(t *testing.T) {
	lib := NewLibrary("/srv/library")

	got, err := lib.Resolve("alice/123/123_p0.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/library", "alice", "123", "123_p0.jpg"), got)

	got, err = lib.Resolve("/alice/x.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/library", "alice", "x.png"), got)

	for _, bad := range []string{"", "../etc/passwd", "alice/../../etc/passwd", ".."} {
		_, err := lib.Resolve(bad)
		assert.ErrorIs(t, err, ErrOutsideRoot, bad)
	}

	rel, err := lib.Rel(filepath.Join("/srv/library", "alice", "1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "alice/1.jpg", rel)
	_, err = lib.Rel("/etc/passwd")
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestIsReadable(t *testing.T) {
	assert.NoError(t, NewLibrary(t.TempDir()).IsReadable())
	assert.Error(t, NewLibrary(filepath.Join(t.TempDir(), "nope")).IsReadable())
}

func TestProbe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.png")
	img := image.NewRGBA(image.Rect(0, 0, 12, 7))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	w, h, ok := Probe(path)
	require.True(t, ok)
	assert.Equal(t, 12, w)
	assert.Equal(t, 7, h)

	touch(t, dir, "2.jpg", "not an image")
	_, _, ok = Probe(filepath.Join(dir, "2.jpg"))
	assert.False(t, ok)
}

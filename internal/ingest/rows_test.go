package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namehu/PixiShelf-sub001/internal/store"
)

func TestRowConstructors(t *testing.T) {
	_, err := NewArtistRow("1", "", "")
	assert.ErrorIs(t, err, errInvalidRow)

	artist, err := NewArtistRow("1", "Alice", "")
	require.NoError(t, err)
	assert.Equal(t, "id:1", artist.Key())
	anon, err := NewArtistRow("", "Anon", "")
	require.NoError(t, err)
	assert.Equal(t, "name:Anon", anon.Key())
	assert.Nil(t, anon.model().UserID)

	for name, a := range map[string]store.Artwork{
		"non numeric id": {ExternalID: "12a", Title: "T", ImageCount: 1},
		"no title":       {ExternalID: "12", ImageCount: 1},
		"no media":       {ExternalID: "12", Title: "T"},
	} {
		_, err := NewArtworkRow(a, artist.Key())
		assert.ErrorIs(t, err, errInvalidRow, name)
	}
	id := int64(9)
	row, err := NewArtworkRow(store.Artwork{ID: 3, ExternalID: "12", Title: "T", ImageCount: 1, ArtistID: &id}, artist.Key())
	require.NoError(t, err)
	assert.Zero(t, row.Artwork.ID)
	assert.Nil(t, row.Artwork.ArtistID)
	assert.Equal(t, "12", row.ExternalID())

	_, err = NewImageRow("", store.Image{Path: "a.jpg"})
	assert.ErrorIs(t, err, errInvalidRow)
	_, err = NewImageRow("12", store.Image{})
	assert.ErrorIs(t, err, errInvalidRow)
	_, err = NewImageRow("12", store.Image{Path: "a.jpg", SortOrder: -1})
	assert.ErrorIs(t, err, errInvalidRow)

	tag, err := NewTagRow("  Blue   Sky ")
	require.NoError(t, err)
	assert.Equal(t, "blue sky", tag.Name)
	_, err = NewTagRow("   ")
	assert.ErrorIs(t, err, errInvalidRow)

	rel, err := NewArtworkTagRow("12", "Blue Sky")
	require.NoError(t, err)
	assert.Equal(t, "blue sky", rel.TagName)
	assert.Equal(t, store.KindArtworkTag, rel.Kind())
}

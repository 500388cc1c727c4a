package ingest

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/namehu/PixiShelf-sub001/internal/metadata"
	"github.com/namehu/PixiShelf-sub001/internal/store"
)

var errInvalidRow = errors.New("invalid staged row")

// StagedRow is a row buffered in a BatchWriter. Children refer to their
// parents by natural key because surrogate ids only exist after insertion.
type StagedRow interface {
	Kind() store.Kind
	// ExternalID is the artwork the row belongs to, if any.
	ExternalID() string
	staged()
}

type ArtistRow struct {
	UserID   string
	Name     string
	Username string
}

func NewArtistRow(userID, name, username string) (ArtistRow, error) {
	if name == "" {
		return ArtistRow{}, fmt.Errorf("%w: artist name is empty", errInvalidRow)
	}
	return ArtistRow{UserID: userID, Name: name, Username: username}, nil
}

func (ArtistRow) Kind() store.Kind   { return store.KindArtist }
func (ArtistRow) ExternalID() string { return "" }
func (ArtistRow) staged()            {}

// Key is the user id when known, otherwise the name.
func (r ArtistRow) Key() string {
	return artistKey(r.UserID, r.Name)
}

func (r ArtistRow) model() store.Artist {
	return store.Artist{Name: r.Name, Username: optional(r.Username), UserID: optional(r.UserID)}
}

func artistKey(userID, name string) string {
	if userID != "" {
		return "id:" + userID
	}
	return "name:" + name
}

// ArtworkRow carries an artwork without its artist id, which is resolved
// from ArtistKey at flush time.
type ArtworkRow struct {
	ArtistKey string
	Artwork   store.Artwork
}

func NewArtworkRow(a store.Artwork, artistKey string) (ArtworkRow, error) {
	switch {
	case !isDigits(a.ExternalID):
		return ArtworkRow{}, fmt.Errorf("%w: artwork id %q is not numeric", errInvalidRow, a.ExternalID)
	case a.Title == "":
		return ArtworkRow{}, fmt.Errorf("%w: artwork %s has no title", errInvalidRow, a.ExternalID)
	case a.ImageCount <= 0:
		return ArtworkRow{}, fmt.Errorf("%w: artwork %s has no media", errInvalidRow, a.ExternalID)
	}
	a.ID = 0
	a.ArtistID = nil
	return ArtworkRow{ArtistKey: artistKey, Artwork: a}, nil
}

func (ArtworkRow) Kind() store.Kind     { return store.KindArtwork }
func (r ArtworkRow) ExternalID() string { return r.Artwork.ExternalID }
func (ArtworkRow) staged()              {}

type ImageRow struct {
	ArtworkExternalID string
	Image             store.Image
}

func NewImageRow(externalID string, img store.Image) (ImageRow, error) {
	switch {
	case externalID == "":
		return ImageRow{}, fmt.Errorf("%w: image without artwork", errInvalidRow)
	case img.Path == "":
		return ImageRow{}, fmt.Errorf("%w: image of %s has no path", errInvalidRow, externalID)
	case img.SortOrder < 0:
		return ImageRow{}, fmt.Errorf("%w: image %s has negative sort order", errInvalidRow, img.Path)
	}
	img.ID = 0
	img.ArtworkID = 0
	return ImageRow{ArtworkExternalID: externalID, Image: img}, nil
}

func (ImageRow) Kind() store.Kind     { return store.KindImage }
func (r ImageRow) ExternalID() string { return r.ArtworkExternalID }
func (ImageRow) staged()              {}

type TagRow struct {
	Name string
}

func NewTagRow(name string) (TagRow, error) {
	n := metadata.NormalizeTag(name)
	if n == "" {
		return TagRow{}, fmt.Errorf("%w: empty tag", errInvalidRow)
	}
	return TagRow{Name: n}, nil
}

func (TagRow) Kind() store.Kind   { return store.KindTag }
func (TagRow) ExternalID() string { return "" }
func (TagRow) staged()            {}

type ArtworkTagRow struct {
	ArtworkExternalID string
	TagName           string
}

func NewArtworkTagRow(externalID, tag string) (ArtworkTagRow, error) {
	n := metadata.NormalizeTag(tag)
	if externalID == "" || n == "" {
		return ArtworkTagRow{}, fmt.Errorf("%w: relation needs an artwork and a tag", errInvalidRow)
	}
	return ArtworkTagRow{ArtworkExternalID: externalID, TagName: n}, nil
}

func (ArtworkTagRow) Kind() store.Kind     { return store.KindArtworkTag }
func (r ArtworkTagRow) ExternalID() string { return r.ArtworkExternalID }
func (ArtworkTagRow) staged()              {}

// ArtworkDraft is everything one artwork contributes to a batch.
type ArtworkDraft struct {
	Artist    ArtistRow
	Artwork   ArtworkRow
	Images    []ImageRow
	Tags      []TagRow
	Relations []ArtworkTagRow
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

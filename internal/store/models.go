package store

import "time"

// Kind names one of the tables the ingestion pipeline writes.
type Kind string

const (
	KindArtist     Kind = "artist"
	KindArtwork    Kind = "artwork"
	KindImage      Kind = "image"
	KindTag        Kind = "tag"
	KindArtworkTag Kind = "artwork_tag"
)

// WipeOrder is the referential order for clearing every table.
var WipeOrder = []Kind{KindArtworkTag, KindImage, KindArtwork, KindArtist, KindTag}

type Artist struct {
	ID       int64   `db:"id"`
	Name     string  `db:"name"`
	Username *string `db:"username"`
	UserID   *string `db:"user_id"`
}

type Artwork struct {
	ID            int64      `db:"id"`
	ExternalID    string     `db:"external_id"`
	Title         string     `db:"title"`
	Description   string     `db:"description"`
	ArtistID      *int64     `db:"artist_id"`
	ImageCount    int        `db:"image_count"`
	IsRestricted  bool       `db:"is_restricted"`
	IsAIGenerated *bool      `db:"is_ai_generated"`
	Size          *string    `db:"size"`
	BookmarkCount *int       `db:"bookmark_count"`
	SourceDate    *time.Time `db:"source_date"`
	SourceURL     *string    `db:"source_url"`
	OriginalURL   *string    `db:"original_url"`
	ThumbnailURL  *string    `db:"thumbnail_url"`
	DirectoryPath string     `db:"directory_path"`
}

// Image paths are relative to the library root and use forward slashes.
type Image struct {
	ID        int64  `db:"id"`
	ArtworkID int64  `db:"artwork_id"`
	Path      string `db:"path"`
	Size      int64  `db:"size"`
	SortOrder int    `db:"sort_order"`
	MediaType string `db:"media_type"`
	Width     *int   `db:"width"`
	Height    *int   `db:"height"`
}

type Tag struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
}

type ArtworkTag struct {
	ArtworkID int64 `db:"artwork_id"`
	TagID     int64 `db:"tag_id"`
}

type Counts struct {
	Artists     int64 `json:"artists" db:"artists"`
	Artworks    int64 `json:"artworks" db:"artworks"`
	Images      int64 `json:"images" db:"images"`
	Tags        int64 `json:"tags" db:"tags"`
	ArtworkTags int64 `json:"artworkTags" db:"artwork_tags"`
}

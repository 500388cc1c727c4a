package ingest

import (
	"context"

	"github.com/namehu/PixiShelf-sub001/internal/store"
)

// Repository is the persistence the pipeline needs. *store.Store implements it.
type Repository interface {
	ArtworkIDs(ctx context.Context, externalIDs []string) (map[string]int64, error)
	ArtistsByUserIDs(ctx context.Context, userIDs []string) ([]store.Artist, error)
	ArtistsByNames(ctx context.Context, names []string) ([]store.Artist, error)
	TagIDs(ctx context.Context, names []string) (map[string]int64, error)

	InsertArtists(ctx context.Context, rows []store.Artist) (int64, error)
	InsertArtist(ctx context.Context, a store.Artist) (int64, error)
	UpdateArtistName(ctx context.Context, id int64, name string, username *string) error
	InsertArtworks(ctx context.Context, rows []store.Artwork) (int64, error)
	InsertArtwork(ctx context.Context, a store.Artwork) (int64, error)
	InsertTags(ctx context.Context, names []string) (int64, error)
	InsertTag(ctx context.Context, name string) (int64, error)
	InsertImages(ctx context.Context, rows []store.Image) (int64, error)
	InsertImage(ctx context.Context, img store.Image) error
	InsertArtworkTags(ctx context.Context, rows []store.ArtworkTag) (int64, error)
	InsertArtworkTag(ctx context.Context, rel store.ArtworkTag) error

	DeleteAll(ctx context.Context, kind store.Kind) (int64, error)
	DeleteArtworksWithoutImages(ctx context.Context) ([]string, error)
	DeleteOrphanArtists(ctx context.Context) (int64, error)
	DeleteOrphanTags(ctx context.Context) (int64, error)
}

var _ Repository = (*store.Store)(nil)

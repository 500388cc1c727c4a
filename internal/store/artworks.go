package store

import "context"

const artworkInsertColumns = `(external_id, title, description, artist_id, image_count, is_restricted, is_ai_generated, size,
	bookmark_count, source_date, source_url, original_url, thumbnail_url, directory_path)
	VALUES (:external_id, :title, :description, :artist_id, :image_count, :is_restricted, :is_ai_generated, :size,
	:bookmark_count, :source_date, :source_url, :original_url, :thumbnail_url, :directory_path)`

// ArtworkIDs maps each stored external id among externalIDs to its row id.
func (s *Store) ArtworkIDs(ctx context.Context, externalIDs []string) (map[string]int64, error) {
	rows, err := selectIn[Artwork](ctx, s.db, "SELECT id, external_id FROM artwork WHERE external_id IN (?)", externalIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.ExternalID] = r.ID
	}
	return out, nil
}

func (s *Store) InsertArtworks(ctx context.Context, rows []Artwork) (int64, error) {
	return insertChunks(ctx, s.db, s.insertIgnore+" artwork "+artworkInsertColumns, rows)
}

func (s *Store) InsertArtwork(ctx context.Context, a Artwork) (int64, error) {
	res, err := s.db.NamedExecContext(ctx, "INSERT INTO artwork "+artworkInsertColumns, a)
	if err != nil {
		if isDuplicate(err) {
			return 0, ErrDuplicate
		}
		return 0, err
	}
	return res.LastInsertId()
}

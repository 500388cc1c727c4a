package store

import "context"

const imageInsertColumns = `(artwork_id, path, size, sort_order, media_type, width, height)
	VALUES (:artwork_id, :path, :size, :sort_order, :media_type, :width, :height)`

func (s *Store) InsertImages(ctx context.Context, rows []Image) (int64, error) {
	return insertChunks(ctx, s.db, s.insertIgnore+" image "+imageInsertColumns, rows)
}

func (s *Store) InsertImage(ctx context.Context, img Image) error {
	_, err := s.db.NamedExecContext(ctx, "INSERT INTO image "+imageInsertColumns, img)
	if isDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) InsertArtworkTags(ctx context.Context, rows []ArtworkTag) (int64, error) {
	return insertChunks(ctx, s.db, s.insertIgnore+" artwork_tag (artwork_id, tag_id) VALUES (:artwork_id, :tag_id)", rows)
}

func (s *Store) InsertArtworkTag(ctx context.Context, rel ArtworkTag) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO artwork_tag (artwork_id, tag_id) VALUES (?, ?)", rel.ArtworkID, rel.TagID)
	if isDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

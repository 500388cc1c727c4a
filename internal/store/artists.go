package store

import (
	"context"
	"database/sql"
	"errors"
)

const artistColumns = "id, name, username, user_id"

func (s *Store) ArtistsByUserIDs(ctx context.Context, userIDs []string) ([]Artist, error) {
	return selectIn[Artist](ctx, s.db, "SELECT "+artistColumns+" FROM artist WHERE user_id IN (?)", userIDs)
}

// ArtistsByNames only matches artists that have no user id.
func (s *Store) ArtistsByNames(ctx context.Context, names []string) ([]Artist, error) {
	return selectIn[Artist](ctx, s.db, "SELECT "+artistColumns+" FROM artist WHERE user_id IS NULL AND name IN (?)", names)
}

func (s *Store) InsertArtists(ctx context.Context, rows []Artist) (int64, error) {
	query := s.insertIgnore + " artist (name, username, user_id) VALUES (:name, :username, :user_id)"
	return insertChunks(ctx, s.db, query, rows)
}

// InsertArtist inserts one artist and returns its id, or ErrDuplicate when the
// user id (or, without one, the name) is already taken.
func (s *Store) InsertArtist(ctx context.Context, a Artist) (int64, error) {
	if a.UserID == nil {
		var id int64
		err := s.db.GetContext(ctx, &id, "SELECT id FROM artist WHERE user_id IS NULL AND name = ? LIMIT 1", a.Name)
		if err == nil {
			return id, ErrDuplicate
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
	}
	res, err := s.db.NamedExecContext(ctx, "INSERT INTO artist (name, username, user_id) VALUES (:name, :username, :user_id)", a)
	if err != nil {
		if isDuplicate(err) {
			return 0, ErrDuplicate
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) UpdateArtistName(ctx context.Context, id int64, name string, username *string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE artist SET name = ?, username = ? WHERE id = ?", name, username, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

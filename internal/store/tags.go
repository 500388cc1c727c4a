package store

import "context"

// TagIDs maps each stored tag among names to its row id.
func (s *Store) TagIDs(ctx context.Context, names []string) (map[string]int64, error) {
	rows, err := selectIn[Tag](ctx, s.db, "SELECT id, name FROM tag WHERE name IN (?)", names)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, t := range rows {
		out[t.Name] = t.ID
	}
	return out, nil
}

func (s *Store) InsertTags(ctx context.Context, names []string) (int64, error) {
	rows := make([]Tag, len(names))
	for i, n := range names {
		rows[i] = Tag{Name: n}
	}
	return insertChunks(ctx, s.db, s.insertIgnore+" tag (name) VALUES (:name)", rows)
}

func (s *Store) InsertTag(ctx context.Context, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO tag (name) VALUES (?)", name)
	if err != nil {
		if isDuplicate(err) {
			return 0, ErrDuplicate
		}
		return 0, err
	}
	return res.LastInsertId()
}

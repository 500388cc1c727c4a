package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var ErrNotFound = errors.New("not found")
var ErrDuplicate = errors.New("duplicate row")

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// chunkSize bounds the number of rows per multi-row INSERT and per IN list.
const chunkSize = 500

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

type Store struct {
	db           *sqlx.DB
	insertIgnore string
}

func New(db *sqlx.DB) *Store {
	s := &Store{db: db, insertIgnore: "INSERT IGNORE INTO"}
	if db.DriverName() == DriverSQLite {
		s.insertIgnore = "INSERT OR IGNORE INTO"
	}
	return s
}

// Open connects to the database and applies the pool settings for the driver.
func Open(driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case DriverMySQL:
		db, err := sqlx.Open(driver, dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		return db, nil
	case DriverSQLite:
		db, err := sqlx.Open(driver, sqliteDSN(dsn))
		if err != nil {
			return nil, err
		}
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	query := `SELECT
		(SELECT COUNT(*) FROM artist) AS artists,
		(SELECT COUNT(*) FROM artwork) AS artworks,
		(SELECT COUNT(*) FROM image) AS images,
		(SELECT COUNT(*) FROM tag) AS tags,
		(SELECT COUNT(*) FROM artwork_tag) AS artwork_tags`
	err := s.db.GetContext(ctx, &c, query)
	return c, err
}

// DeleteAll removes every row of one table and reports how many were removed.
func (s *Store) DeleteAll(ctx context.Context, kind Kind) (int64, error) {
	switch kind {
	case KindArtist, KindArtwork, KindImage, KindTag, KindArtworkTag:
	default:
		return 0, fmt.Errorf("unknown table %q", kind)
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+string(kind))
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", kind, err)
	}
	return res.RowsAffected()
}

// DeleteArtworksWithoutImages removes artworks that own no image, with their
// tag relations, and returns the external ids it removed.
func (s *Store) DeleteArtworksWithoutImages(ctx context.Context) ([]string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	empty := "SELECT a.id, a.external_id FROM artwork a WHERE NOT EXISTS (SELECT 1 FROM image i WHERE i.artwork_id = a.id)"
	var rows []struct {
		ID         int64  `db:"id"`
		ExternalID string `db:"external_id"`
	}
	if err := tx.SelectContext(ctx, &rows, empty); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, tx.Commit()
	}
	ids := make([]int64, len(rows))
	removed := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
		removed[i] = r.ExternalID
	}
	for _, chunk := range chunks(ids) {
		query, args, err := sqlx.In("DELETE FROM artwork_tag WHERE artwork_id IN (?)", chunk)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return nil, err
		}
		query, args, err = sqlx.In("DELETE FROM artwork WHERE id IN (?)", chunk)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return nil, err
		}
	}
	return removed, tx.Commit()
}

func (s *Store) DeleteOrphanArtists(ctx context.Context) (int64, error) {
	return s.exec(ctx, "DELETE FROM artist WHERE NOT EXISTS (SELECT 1 FROM artwork a WHERE a.artist_id = artist.id)")
}

func (s *Store) DeleteOrphanTags(ctx context.Context) (int64, error) {
	return s.exec(ctx, "DELETE FROM tag WHERE NOT EXISTS (SELECT 1 FROM artwork_tag at WHERE at.tag_id = tag.id)")
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// insertChunks runs a named multi-row insert over rows in one transaction and
// returns the number of rows the database reports as inserted.
func insertChunks[T any](ctx context.Context, db *sqlx.DB, query string, rows []T) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var inserted int64
	for _, chunk := range chunks(rows) {
		res, err := tx.NamedExecContext(ctx, query, chunk)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// selectIn runs query, which must contain a single "IN (?)", once per chunk of keys.
func selectIn[T any, K comparable](ctx context.Context, db *sqlx.DB, query string, keys []K) ([]T, error) {
	var out []T
	for _, chunk := range chunks(dedupe(keys)) {
		q, args, err := sqlx.In(query, chunk)
		if err != nil {
			return nil, err
		}
		var rows []T
		if err := db.SelectContext(ctx, &rows, db.Rebind(q), args...); err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func chunks[T any](vals []T) [][]T {
	var out [][]T
	for start := 0; start < len(vals); start += chunkSize {
		end := min(start+chunkSize, len(vals))
		out = append(out, vals[start:end])
	}
	return out
}

func dedupe[T comparable](vals []T) []T {
	seen := make(map[T]struct{}, len(vals))
	out := make([]T, 0, len(vals))
	for _, v := range vals {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique")
}

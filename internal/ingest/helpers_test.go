package ingest

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/namehu/PixiShelf-sub001/internal/store"
	"github.com/namehu/PixiShelf-sub001/migrations"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "ingest.db")
	require.NoError(t, migrations.Up(migrations.DriverSQLite, dsn))
	db, err := store.Open(store.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.New(db)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// meta renders a metadata file. Empty values leave the key out.
func meta(id, title, user, userID string, tags ...string) string {
	var b strings.Builder
	block := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s\n%s\n\n", key, value)
		}
	}
	block("ID", id)
	block("Title", title)
	block("User", user)
	block("UserID", userID)
	block("Tags", strings.Join(tags, " "))
	return b.String()
}

// artworkDir writes {dir}/{id}-meta.txt and the given media files.
func artworkDir(t *testing.T, dir, metadata string, id string, media ...string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, id+"-meta.txt"), metadata)
	for _, name := range media {
		writeFile(t, filepath.Join(dir, name), "not really an image")
	}
}

func strPtr(s string) *string { return &s }

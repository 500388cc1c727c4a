package ingest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/namehu/PixiShelf-sub001/internal/store"
)

var (
	nameWithDigits = regexp.MustCompile(`^(.+?)\s*\((\d+)\)$`)
	nameWithSuffix = regexp.MustCompile(`^(.+)-([A-Za-z0-9]+)$`)
)

// ArtistName is the decomposition of a raw author label.
type ArtistName struct {
	Username string
	UserID   string
	// Structured is false when the label matched no known pattern.
	Structured bool
}

// EntityCache holds artist and tag ids for the lifetime of one scan so that
// per-artwork resolution is an in-memory lookup. It is safe for concurrent use.
type EntityCache struct {
	repo Repository

	mu         sync.RWMutex
	artists    map[string]store.Artist
	tags       map[string]int64
	decomposed map[string]ArtistName
}

func NewEntityCache(repo Repository) *EntityCache {
	return &EntityCache{
		repo:       repo,
		artists:    make(map[string]store.Artist),
		tags:       make(map[string]int64),
		decomposed: make(map[string]ArtistName),
	}
}

// DecomposeArtistName splits "name (digits)" or "name-alnum" into a username
// and a user id. Anything else is returned whole as the username.
func (c *EntityCache) DecomposeArtistName(raw string) ArtistName {
	c.mu.RLock()
	n, ok := c.decomposed[raw]
	c.mu.RUnlock()
	if ok {
		return n
	}

	label := strings.TrimSpace(raw)
	switch {
	case nameWithDigits.MatchString(label):
		m := nameWithDigits.FindStringSubmatch(label)
		n = ArtistName{Username: strings.TrimSpace(m[1]), UserID: m[2], Structured: true}
	case nameWithSuffix.MatchString(label):
		m := nameWithSuffix.FindStringSubmatch(label)
		n = ArtistName{Username: m[1], UserID: m[2], Structured: true}
	default:
		n = ArtistName{Username: label}
	}

	c.mu.Lock()
	c.decomposed[raw] = n
	c.mu.Unlock()
	return n
}

// PreloadArtists loads the artists known by user id, and the id-less artists
// known by name, in batched queries.
func (c *EntityCache) PreloadArtists(ctx context.Context, userIDs, names []string) error {
	if len(userIDs) > 0 {
		rows, err := c.repo.ArtistsByUserIDs(ctx, userIDs)
		if err != nil {
			return fmt.Errorf("preload artists: %w", err)
		}
		c.rememberArtists(rows)
	}
	if len(names) > 0 {
		rows, err := c.repo.ArtistsByNames(ctx, names)
		if err != nil {
			return fmt.Errorf("preload artists by name: %w", err)
		}
		c.rememberArtists(rows)
	}
	return nil
}

func (c *EntityCache) PreloadTags(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	ids, err := c.repo.TagIDs(ctx, names)
	if err != nil {
		return fmt.Errorf("preload tags: %w", err)
	}
	c.rememberTags(ids)
	return nil
}

// Artist looks up an artist by the key returned from ArtistRow.Key.
func (c *EntityCache) Artist(key string) (store.Artist, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.artists[key]
	return a, ok
}

func (c *EntityCache) Tag(name string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.tags[name]
	return id, ok
}

// ResolveArtist returns the artist for userID (or, without one, displayName),
// inserting it when unknown. A uniqueness violation means another writer got
// there first and is answered by re-reading the row.
func (c *EntityCache) ResolveArtist(ctx context.Context, userID, displayName string) (store.Artist, bool, error) {
	parts := c.DecomposeArtistName(displayName)
	if userID == "" && parts.Structured {
		userID = parts.UserID
	}
	key := artistKey(userID, displayName)
	if a, ok := c.Artist(key); ok {
		return a, false, nil
	}

	row := ArtistRow{UserID: userID, Name: displayName}
	if parts.Structured {
		row.Username = parts.Username
	}
	a := row.model()
	id, err := c.repo.InsertArtist(ctx, a)
	switch {
	case err == nil:
		a.ID = id
		c.rememberArtists([]store.Artist{a})
		return a, true, nil
	case errors.Is(err, store.ErrDuplicate):
		existing, lookupErr := c.reloadArtist(ctx, userID, displayName)
		if lookupErr != nil {
			return store.Artist{}, false, lookupErr
		}
		return existing, false, nil
	default:
		return store.Artist{}, false, err
	}
}

func (c *EntityCache) reloadArtist(ctx context.Context, userID, name string) (store.Artist, error) {
	var rows []store.Artist
	var err error
	if userID != "" {
		rows, err = c.repo.ArtistsByUserIDs(ctx, []string{userID})
	} else {
		rows, err = c.repo.ArtistsByNames(ctx, []string{name})
	}
	if err != nil {
		return store.Artist{}, err
	}
	if len(rows) == 0 {
		return store.Artist{}, fmt.Errorf("artist %q reported duplicate but not found: %w", name, store.ErrNotFound)
	}
	c.rememberArtists(rows[:1])
	return rows[0], nil
}

// ResolveTag returns the id for name, inserting the tag when unknown.
func (c *EntityCache) ResolveTag(ctx context.Context, name string) (int64, bool, error) {
	if id, ok := c.Tag(name); ok {
		return id, false, nil
	}
	id, err := c.repo.InsertTag(ctx, name)
	switch {
	case err == nil:
		c.rememberTags(map[string]int64{name: id})
		return id, true, nil
	case errors.Is(err, store.ErrDuplicate):
		ids, lookupErr := c.repo.TagIDs(ctx, []string{name})
		if lookupErr != nil {
			return 0, false, lookupErr
		}
		id, ok := ids[name]
		if !ok {
			return 0, false, fmt.Errorf("tag %q reported duplicate but not found: %w", name, store.ErrNotFound)
		}
		c.rememberTags(ids)
		return id, false, nil
	default:
		return 0, false, err
	}
}

func (c *EntityCache) rememberArtists(rows []store.Artist) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range rows {
		userID := ""
		if a.UserID != nil {
			userID = *a.UserID
		}
		c.artists[artistKey(userID, a.Name)] = a
	}
}

func (c *EntityCache) rememberTags(ids map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, id := range ids {
		c.tags[name] = id
	}
}

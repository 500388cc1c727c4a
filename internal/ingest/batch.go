package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/namehu/PixiShelf-sub001/internal/store"
)

// KindStats counts what one flush did with the rows of a single table.
type KindStats struct {
	Staged     int `json:"staged"`
	Created    int `json:"created"`
	Updated    int `json:"updated"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

// RowError is a row the store refused even on its own.
type RowError struct {
	Kind    store.Kind `json:"kind"`
	Row     StagedRow  `json:"row"`
	Message string     `json:"message"`
}

type BatchResult struct {
	Artists   KindStats     `json:"artists"`
	Artworks  KindStats     `json:"artworks"`
	Tags      KindStats     `json:"tags"`
	Images    KindStats     `json:"images"`
	Relations KindStats     `json:"relations"`
	Errors    []RowError    `json:"errors"`
	Fallbacks int           `json:"fallbacks"`
	Elapsed   time.Duration `json:"elapsed"`
}

func (b BatchResult) Empty() bool {
	return b.Artists.Staged+b.Artworks.Staged+b.Tags.Staged+b.Images.Staged+b.Relations.Staged == 0
}

func (b *BatchResult) fail(row StagedRow, err error) {
	b.Errors = append(b.Errors, RowError{Kind: row.Kind(), Row: row, Message: err.Error()})
}

// BatchWriter buffers rows and writes them in dependency order: artists,
// artworks, tags, images, then artwork-tag relations. Staging may run
// concurrently with a flush; rows staged during a flush go to the next one.
type BatchWriter struct {
	repo    Repository
	cache   *EntityCache
	timeout time.Duration
	logger  *slog.Logger

	flushMu sync.Mutex

	mu        sync.Mutex
	artists   map[string]ArtistRow
	artistSeq []string
	artworks  []ArtworkRow
	tags      map[string]struct{}
	tagSeq    []string
	images    []ImageRow
	relations []ArtworkTagRow
	pending   int
}

func NewBatchWriter(repo Repository, cache *EntityCache, timeout time.Duration, logger *slog.Logger) *BatchWriter {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &BatchWriter{repo: repo, cache: cache, timeout: timeout, logger: logger}
	w.reset()
	return w
}

func (w *BatchWriter) reset() {
	w.artists = make(map[string]ArtistRow)
	w.artistSeq = nil
	w.artworks = nil
	w.tags = make(map[string]struct{})
	w.tagSeq = nil
	w.images = nil
	w.relations = nil
	w.pending = 0
}

// Pending is the number of rows waiting for the next flush.
func (w *BatchWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// StageArtist buffers r unless the cache already holds it unchanged. It
// reports whether a row was added.
func (w *BatchWriter) StageArtist(r ArtistRow) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stageArtist(r)
}

func (w *BatchWriter) stageArtist(r ArtistRow) bool {
	key := r.Key()
	if known, ok := w.cache.Artist(key); ok && known.Name == r.Name {
		return false
	}
	if _, ok := w.artists[key]; !ok {
		w.artistSeq = append(w.artistSeq, key)
		w.pending++
	}
	w.artists[key] = r
	return true
}

func (w *BatchWriter) StageArtwork(r ArtworkRow) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.artworks = append(w.artworks, r)
	w.pending++
}

func (w *BatchWriter) StageImage(r ImageRow) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.images = append(w.images, r)
	w.pending++
}

// StageTag buffers r unless the tag is already known. It reports whether a
// row was added.
func (w *BatchWriter) StageTag(r TagRow) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stageTag(r)
}

func (w *BatchWriter) stageTag(r TagRow) bool {
	if _, ok := w.cache.Tag(r.Name); ok {
		return false
	}
	if _, ok := w.tags[r.Name]; ok {
		return false
	}
	w.tags[r.Name] = struct{}{}
	w.tagSeq = append(w.tagSeq, r.Name)
	w.pending++
	return true
}

func (w *BatchWriter) StageArtworkTag(r ArtworkTagRow) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.relations = append(w.relations, r)
	w.pending++
}

// StageDraft buffers every row of one artwork so that a concurrent flush
// sees either all of them or none. It returns the number of rows added.
func (w *BatchWriter) StageDraft(d ArtworkDraft) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	before := w.pending
	w.stageArtist(d.Artist)
	w.artworks = append(w.artworks, d.Artwork)
	w.images = append(w.images, d.Images...)
	for _, t := range d.Tags {
		w.stageTag(t)
	}
	w.relations = append(w.relations, d.Relations...)
	w.pending += 1 + len(d.Images) + len(d.Relations)
	return w.pending - before
}

type staged struct {
	artists   []ArtistRow
	artworks  []ArtworkRow
	tags      []string
	images    []ImageRow
	relations []ArtworkTagRow
}

func (w *BatchWriter) take() staged {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := staged{artworks: w.artworks, tags: w.tagSeq, images: w.images, relations: w.relations}
	for _, key := range w.artistSeq {
		s.artists = append(s.artists, w.artists[key])
	}
	w.reset()
	return s
}

// Flush writes every staged row. Buffers are emptied before writing, so rows
// that fail are reported in the result and not retried. Cancelling ctx does
// not interrupt a flush; each store call is bounded by the writer's timeout.
func (w *BatchWriter) Flush(ctx context.Context) BatchResult {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	start := time.Now()
	ctx = context.WithoutCancel(ctx)
	s := w.take()
	var res BatchResult

	w.flushArtists(ctx, &res, s.artists)
	artworkIDs := w.flushArtworks(ctx, &res, s.artworks)
	w.flushTags(ctx, &res, s.tags)
	w.flushImages(ctx, &res, s.images, artworkIDs)
	w.flushRelations(ctx, &res, s.relations, artworkIDs)

	res.Elapsed = time.Since(start)
	if !res.Empty() {
		w.logger.Debug("batch flushed",
			"artists", res.Artists.Created, "artworks", res.Artworks.Created, "tags", res.Tags.Created,
			"images", res.Images.Created, "relations", res.Relations.Created,
			"errors", len(res.Errors), "fallbacks", res.Fallbacks, "elapsed", res.Elapsed)
	}
	return res
}

func (w *BatchWriter) flushArtists(ctx context.Context, res *BatchResult, rows []ArtistRow) {
	res.Artists.Staged = len(rows)
	var fresh []ArtistRow
	var userIDs []string
	for _, r := range rows {
		known, ok := w.cache.Artist(r.Key())
		switch {
		case ok && known.Name == r.Name:
			res.Artists.Duplicates++
		case ok:
			if err := w.renameArtist(ctx, known, r); err != nil {
				res.Artists.Failed++
				res.fail(r, err)
				continue
			}
			res.Artists.Updated++
		case r.UserID == "":
			// no natural key the batch insert can de-duplicate on
			_, created, err := w.resolveArtist(ctx, r)
			switch {
			case err != nil:
				res.Artists.Failed++
				res.fail(r, err)
			case created:
				res.Artists.Created++
			default:
				res.Artists.Duplicates++
			}
		default:
			fresh = append(fresh, r)
			userIDs = append(userIDs, r.UserID)
		}
	}
	if len(fresh) == 0 {
		return
	}

	p := phase[ArtistRow]{
		writer: w,
		stats:  &res.Artists,
		batch: func(ctx context.Context, rows []ArtistRow) (int64, error) {
			models := make([]store.Artist, len(rows))
			for i, r := range rows {
				models[i] = r.model()
			}
			return w.repo.InsertArtists(ctx, models)
		},
		single: func(ctx context.Context, r ArtistRow) (bool, error) {
			_, created, err := w.cache.ResolveArtist(ctx, r.UserID, r.Name)
			return created, err
		},
	}
	p.run(ctx, res, fresh)

	lctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.cache.PreloadArtists(lctx, userIDs, nil); err != nil {
		w.logger.Warn("artist refetch failed", "error", err)
	}
}

func (w *BatchWriter) resolveArtist(ctx context.Context, r ArtistRow) (store.Artist, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return w.cache.ResolveArtist(ctx, r.UserID, r.Name)
}

func (w *BatchWriter) renameArtist(ctx context.Context, known store.Artist, r ArtistRow) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	username := optional(r.Username)
	if username == nil {
		username = known.Username
	}
	if err := w.repo.UpdateArtistName(ctx, known.ID, r.Name, username); err != nil {
		return fmt.Errorf("rename artist %d: %w", known.ID, err)
	}
	known.Name = r.Name
	known.Username = username
	w.cache.rememberArtists([]store.Artist{known})
	return nil
}

// flushArtworks inserts artworks and returns the ids of every staged
// external id that now exists in the store.
func (w *BatchWriter) flushArtworks(ctx context.Context, res *BatchResult, rows []ArtworkRow) map[string]int64 {
	res.Artworks.Staged = len(rows)
	models := make([]store.Artwork, 0, len(rows))
	extIDs := make([]string, 0, len(rows))
	for _, r := range rows {
		artist, ok := w.cache.Artist(r.ArtistKey)
		if !ok {
			res.Artworks.Failed++
			res.fail(r, fmt.Errorf("artist %s not resolved", r.ArtistKey))
			continue
		}
		m := r.Artwork
		m.ArtistID = &artist.ID
		models = append(models, m)
		extIDs = append(extIDs, m.ExternalID)
	}
	if len(models) == 0 {
		return map[string]int64{}
	}

	p := phase[store.Artwork]{
		writer: w,
		stats:  &res.Artworks,
		batch:  w.repo.InsertArtworks,
		single: func(ctx context.Context, a store.Artwork) (bool, error) {
			_, err := w.repo.InsertArtwork(ctx, a)
			return err == nil, err
		},
		row: func(a store.Artwork) StagedRow { return ArtworkRow{Artwork: a} },
	}
	p.run(ctx, res, models)

	lctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	ids, err := w.repo.ArtworkIDs(lctx, extIDs)
	if err != nil {
		w.logger.Warn("artwork refetch failed", "error", err)
		return map[string]int64{}
	}
	return ids
}

func (w *BatchWriter) flushTags(ctx context.Context, res *BatchResult, names []string) {
	res.Tags.Staged = len(names)
	if len(names) == 0 {
		return
	}
	p := phase[string]{
		writer: w,
		stats:  &res.Tags,
		batch:  w.repo.InsertTags,
		single: func(ctx context.Context, name string) (bool, error) {
			_, created, err := w.cache.ResolveTag(ctx, name)
			return created, err
		},
		row: func(name string) StagedRow { return TagRow{Name: name} },
	}
	p.run(ctx, res, names)

	lctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.cache.PreloadTags(lctx, names); err != nil {
		w.logger.Warn("tag refetch failed", "error", err)
	}
}

func (w *BatchWriter) flushImages(ctx context.Context, res *BatchResult, rows []ImageRow, artworkIDs map[string]int64) {
	res.Images.Staged = len(rows)
	models := make([]store.Image, 0, len(rows))
	owners := make([]string, 0, len(rows))
	for _, r := range rows {
		id, ok := artworkIDs[r.ArtworkExternalID]
		if !ok {
			res.Images.Failed++
			res.fail(r, fmt.Errorf("artwork %s not resolved", r.ArtworkExternalID))
			continue
		}
		m := r.Image
		m.ArtworkID = id
		models = append(models, m)
		owners = append(owners, r.ArtworkExternalID)
	}
	if len(models) == 0 {
		return
	}
	byPath := make(map[string]string, len(models))
	for i, m := range models {
		byPath[m.Path] = owners[i]
	}
	p := phase[store.Image]{
		writer: w,
		stats:  &res.Images,
		batch:  w.repo.InsertImages,
		single: func(ctx context.Context, img store.Image) (bool, error) {
			err := w.repo.InsertImage(ctx, img)
			return err == nil, err
		},
		row: func(img store.Image) StagedRow { return ImageRow{ArtworkExternalID: byPath[img.Path], Image: img} },
	}
	p.run(ctx, res, models)
}

func (w *BatchWriter) flushRelations(ctx context.Context, res *BatchResult, rows []ArtworkTagRow, artworkIDs map[string]int64) {
	res.Relations.Staged = len(rows)
	models := make([]store.ArtworkTag, 0, len(rows))
	sources := make(map[store.ArtworkTag]ArtworkTagRow, len(rows))
	for _, r := range rows {
		artworkID, ok := artworkIDs[r.ArtworkExternalID]
		if !ok {
			res.Relations.Failed++
			res.fail(r, fmt.Errorf("artwork %s not resolved", r.ArtworkExternalID))
			continue
		}
		tagID, ok := w.cache.Tag(r.TagName)
		if !ok {
			res.Relations.Failed++
			res.fail(r, fmt.Errorf("tag %q not resolved", r.TagName))
			continue
		}
		m := store.ArtworkTag{ArtworkID: artworkID, TagID: tagID}
		models = append(models, m)
		sources[m] = r
	}
	if len(models) == 0 {
		return
	}
	p := phase[store.ArtworkTag]{
		writer: w,
		stats:  &res.Relations,
		batch:  w.repo.InsertArtworkTags,
		single: func(ctx context.Context, rel store.ArtworkTag) (bool, error) {
			err := w.repo.InsertArtworkTag(ctx, rel)
			return err == nil, err
		},
		row: func(rel store.ArtworkTag) StagedRow { return sources[rel] },
	}
	p.run(ctx, res, models)
}

// phase writes one table: a single batched insert that skips duplicates,
// falling back to row-by-row inserts when the batch is rejected.
type phase[T any] struct {
	writer *BatchWriter
	stats  *KindStats
	batch  func(context.Context, []T) (int64, error)
	// single reports whether the row was created. store.ErrDuplicate
	// counts as a duplicate, not a failure.
	single func(context.Context, T) (bool, error)
	// row maps a value back to its staged row for error reports. When nil,
	// T must itself be a StagedRow.
	row func(T) StagedRow
}

func (p phase[T]) run(ctx context.Context, res *BatchResult, rows []T) {
	w := p.writer
	bctx, cancel := context.WithTimeout(ctx, w.timeout)
	n, err := p.batch(bctx, rows)
	cancel()
	if err == nil {
		p.stats.Created += int(n)
		p.stats.Duplicates += len(rows) - int(n)
		return
	}

	res.Fallbacks++
	w.logger.Warn("batch insert failed, retrying rows one by one", "rows", len(rows), "error", err)
	for _, r := range rows {
		sctx, cancel := context.WithTimeout(ctx, w.timeout)
		created, err := p.single(sctx, r)
		cancel()
		switch {
		case err == nil && created:
			p.stats.Created++
		case err == nil || errors.Is(err, store.ErrDuplicate):
			p.stats.Duplicates++
		default:
			p.stats.Failed++
			res.fail(p.stagedRow(r), err)
		}
	}
}

func (p phase[T]) stagedRow(v T) StagedRow {
	if p.row != nil {
		return p.row(v)
	}
	if r, ok := any(v).(StagedRow); ok {
		return r
	}
	panic(fmt.Sprintf("phase: no staged row for %T", v))
}
